package chest

import (
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FileStore persists one XML file per item under a subdirectory per named
// root, with a contents.lst manifest per directory listing UUIDs in save
// order. It keeps no version history: LoadItem always resolves the head
// state, Changes fails with ErrNoHistory, and a deleted item's file is
// simply removed. Commit rewrites multiple files and is not crash-atomic
// across them; the page store is the backend to use when that matters.
type FileStore struct {
	dir string

	mu      sync.Mutex
	version uint64
	paths   map[uuid.UUID]string // item file path
	roots   map[string]uuid.UUID
}

const (
	itemFileExt  = ".item"
	manifestName = "contents.lst"
	versionName  = "version"
	lobDirName   = "lobs"
)

func OpenFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Join(dir, lobDirName), 0777); err != nil {
		return nil, fmt.Errorf("filestore: %w", err)
	}
	s := &FileStore{
		dir:   dir,
		paths: make(map[uuid.UUID]string),
		roots: make(map[string]uuid.UUID),
	}
	if err := s.scan(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) scan() error {
	if raw, err := os.ReadFile(filepath.Join(s.dir, versionName)); err == nil {
		v, err := strconv.ParseUint(strings.TrimSpace(string(raw)), 10, 64)
		if err != nil {
			return fmt.Errorf("filestore: bad version file: %w", err)
		}
		s.version = v
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("filestore: %w", err)
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("filestore: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() || e.Name() == lobDirName {
			continue
		}
		sub := filepath.Join(s.dir, e.Name())
		ids, err := readManifest(sub)
		if err != nil {
			return err
		}
		for _, id := range ids {
			s.paths[id] = filepath.Join(sub, id.String()+itemFileExt)
		}
		// the root item of a directory is the one without a parent
		for _, id := range ids {
			rec, err := s.readItem(id)
			if err != nil {
				return err
			}
			if rec != nil && rec.Parent == nil && rec.Name == e.Name() {
				s.roots[e.Name()] = id
				break
			}
		}
	}
	return nil
}

func readManifest(dir string) ([]uuid.UUID, error) {
	raw, err := os.ReadFile(filepath.Join(dir, manifestName))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("filestore: %w", err)
	}
	var ids []uuid.UUID
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		id, err := uuid.Parse(line)
		if err != nil {
			return nil, fmt.Errorf("filestore: bad manifest line %q in %s", line, dir)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *FileStore) MVCC() bool { return false }

func (s *FileStore) Close() error { return nil }

func (s *FileStore) Version() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version, nil
}

func (s *FileStore) LoadItem(version uint64, id uuid.UUID) (*ItemRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readItem(id)
}

func (s *FileStore) readItem(id uuid.UUID) (*ItemRecord, error) {
	path, ok := s.paths[id]
	if !ok {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, corruptErrf(id, s.version, err, "unreadable item file")
	}
	return parseItemXML(raw, id, s.version)
}

func (s *FileStore) LoadChild(version uint64, parent uuid.UUID, name string) (*ItemRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prec, err := s.readItem(parent)
	if err != nil || prec == nil {
		return nil, err
	}
	for _, cb := range prec.Children {
		crec, err := s.readItem(uuidOrNil(cb))
		if err != nil {
			return nil, err
		}
		if crec != nil && crec.Name == name {
			return crec, nil
		}
	}
	return nil, nil
}

func (s *FileStore) Roots(version uint64) (map[string]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]uuid.UUID, len(s.roots))
	for name, id := range s.roots {
		out[name] = id
	}
	return out, nil
}

func (s *FileStore) CommitBatch(base uint64, recs []*ItemRecord, lobs []LobWrite, cs *ChangeSet) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.version != base {
		return 0, fmt.Errorf("%w: head is %d, batch based on %d", ErrConflict, s.version, base)
	}
	newVersion := base + 1

	byID := make(map[uuid.UUID]*ItemRecord, len(recs))
	for _, rec := range recs {
		byID[rec.ItemUUID()] = rec
	}

	touchedDirs := make(map[string]bool)
	for _, rec := range recs {
		rec.Version = newVersion
		id := rec.ItemUUID()
		if rec.Deleted {
			if path, ok := s.paths[id]; ok {
				touchedDirs[filepath.Dir(path)] = true
				os.Remove(path)
				delete(s.paths, id)
			}
			// a child may legally share a root's name; only drop the root
			// entry when this UUID actually holds it
			if rec.Parent == nil && s.roots[rec.Name] == id {
				delete(s.roots, rec.Name)
			}
			continue
		}
		rootName, err := s.rootNameOf(rec, byID)
		if err != nil {
			return 0, err
		}
		sub := filepath.Join(s.dir, rootName)
		if err := os.MkdirAll(sub, 0777); err != nil {
			return 0, fmt.Errorf("filestore: %w", err)
		}
		path := filepath.Join(sub, id.String()+itemFileExt)
		if old, ok := s.paths[id]; ok && old != path {
			// reparented across roots: drop the old file
			touchedDirs[filepath.Dir(old)] = true
			os.Remove(old)
		}
		data, err := formatItemXML(rec)
		if err != nil {
			return 0, err
		}
		if err := writeFileAtomic(path, data); err != nil {
			return 0, err
		}
		s.paths[id] = path
		touchedDirs[sub] = true
		if rec.Parent == nil && rec.Name != "" {
			s.roots[rec.Name] = id
		}
	}

	for dir := range touchedDirs {
		if err := s.rewriteManifest(dir); err != nil {
			return 0, err
		}
	}
	for _, lw := range lobs {
		path := filepath.Join(s.dir, lobDirName, fmt.Sprintf("%s.%d", lw.ID, lw.Seg))
		if lw.Data == nil {
			os.Remove(path)
			continue
		}
		if err := writeFileAtomic(path, lw.Data); err != nil {
			return 0, err
		}
	}

	cs.Version = newVersion
	if err := writeFileAtomic(filepath.Join(s.dir, versionName), []byte(strconv.FormatUint(newVersion, 10))); err != nil {
		return 0, err
	}
	s.version = newVersion
	return newVersion, nil
}

// rootNameOf walks the parent chain, preferring records in the current
// batch over the stored state, up to the named root.
func (s *FileStore) rootNameOf(rec *ItemRecord, batch map[uuid.UUID]*ItemRecord) (string, error) {
	cur := rec
	for i := 0; cur.Parent != nil; i++ {
		if i > 1000 {
			return "", corruptErrf(rec.ItemUUID(), s.version, nil, "parent chain too deep")
		}
		pid := uuidOrNil(cur.Parent)
		if p, ok := batch[pid]; ok {
			cur = p
			continue
		}
		p, err := s.readItem(pid)
		if err != nil {
			return "", err
		}
		if p == nil {
			return "", corruptErrf(rec.ItemUUID(), s.version, nil, "missing ancestor %v", pid)
		}
		cur = p
	}
	if cur.Name == "" {
		return "", corruptErrf(rec.ItemUUID(), s.version, nil, "parent chain ends at a nameless item")
	}
	return cur.Name, nil
}

func (s *FileStore) rewriteManifest(dir string) error {
	prev, err := readManifest(dir)
	if err != nil {
		return err
	}
	present := make(map[uuid.UUID]bool)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("filestore: %w", err)
	}
	var ids []uuid.UUID
	for _, e := range entries {
		name, ok := strings.CutSuffix(e.Name(), itemFileExt)
		if !ok {
			continue
		}
		id, err := uuid.Parse(name)
		if err != nil {
			continue
		}
		present[id] = true
	}
	// preserve save order for surviving entries, append newcomers
	seen := make(map[uuid.UUID]bool)
	for _, id := range prev {
		if present[id] {
			ids = append(ids, id)
			seen[id] = true
		}
	}
	for id := range present {
		if !seen[id] {
			ids = append(ids, id)
		}
	}
	var sb strings.Builder
	for _, id := range ids {
		sb.WriteString(id.String())
		sb.WriteByte('\n')
	}
	if len(ids) == 0 {
		os.Remove(filepath.Join(dir, manifestName))
		return nil
	}
	return writeFileAtomic(filepath.Join(dir, manifestName), []byte(sb.String()))
}

func (s *FileStore) Changes(since, till uint64) ([]*ChangeSet, error) {
	return nil, fmt.Errorf("%w: file store keeps no version history", ErrNoHistory)
}

func (s *FileStore) LobSegment(id uuid.UUID, seg int) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, lobDirName, fmt.Sprintf("%s.%d", id, seg)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: lob %v segment %d", ErrNotFoundAtVersion, id, seg)
	}
	return data, err
}

func (s *FileStore) Purge(keep uint64) (int, error) {
	return 0, nil // nothing to reclaim without history
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0666); err != nil {
		return fmt.Errorf("filestore: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("filestore: %w", err)
	}
	return nil
}

// XML item layout. Scalars travel as one <attribute> element each with the
// value as text content; references and collections travel as <ref>.

type xmlItem struct {
	XMLName xml.Name   `xml:"item"`
	UUID    string     `xml:"uuid,attr"`
	Version uint64     `xml:"version,attr"`
	Schema  bool       `xml:"schema,attr,omitempty"`
	Name    string     `xml:"name,omitempty"`
	Kind    *xmlTyped  `xml:"kind"`
	Parent  *xmlParent `xml:"parent"`
	Child   []xmlTyped `xml:"child"`
	Attrs   []xmlAttr  `xml:"attribute"`
	Refs    []xmlRef   `xml:"ref"`
}

type xmlTyped struct {
	Type  string `xml:"type,attr"`
	Value string `xml:",chardata"`
}

type xmlParent struct {
	Type      string `xml:"type,attr"`
	Container string `xml:"container,attr,omitempty"`
	Value     string `xml:",chardata"`
}

type xmlAttr struct {
	Name  string  `xml:"name,attr"`
	Type  string  `xml:"type,attr"`
	Lob   *xmlLob `xml:"lob"`
	Value string  `xml:",chardata"`
}

type xmlLob struct {
	ID          string `xml:"id,attr"`
	Mime        string `xml:"mimetype,attr,omitempty"`
	Encoding    string `xml:"encoding,attr,omitempty"`
	Compression string `xml:"compression,attr,omitempty"`
	Encryption  string `xml:"encryption,attr,omitempty"`
	IV          string `xml:"iv,attr,omitempty"`
	Segments    int    `xml:"segments,attr,omitempty"`
	Indexed     bool   `xml:"indexed,attr,omitempty"`
}

type xmlRef struct {
	Name        string     `xml:"name,attr"`
	Cardinality string     `xml:"cardinality,attr,omitempty"`
	OtherName   string     `xml:"otherName,attr,omitempty"`
	Target      string     `xml:"target,attr,omitempty"`
	Members     []string   `xml:"member"`
	Indexes     []xmlIndex `xml:"index"`
}

type xmlIndex struct {
	Name       string `xml:"name,attr"`
	Kind       string `xml:"kind,attr"`
	Attribute  string `xml:"attribute,attr,omitempty"`
	Locale     string `xml:"locale,attr,omitempty"`
	Descending bool   `xml:"descending,attr,omitempty"`
}

func formatItemXML(rec *ItemRecord) ([]byte, error) {
	x := xmlItem{
		UUID:    rec.ItemUUID().String(),
		Version: rec.Version,
		Schema:  rec.Schema,
		Name:    rec.Name,
	}
	if rec.Kind != nil {
		x.Kind = &xmlTyped{Type: "uuid", Value: uuidOrNil(rec.Kind).String()}
	}
	if rec.Parent != nil {
		x.Parent = &xmlParent{Type: "uuid", Container: "True", Value: uuidOrNil(rec.Parent).String()}
	}
	for _, cb := range rec.Children {
		x.Child = append(x.Child, xmlTyped{Type: "uuid", Value: uuidOrNil(cb).String()})
	}
	for _, vr := range rec.Values {
		if vr.Card != "" || ValueType(vr.Type) == TypeRef {
			xr := xmlRef{Name: vr.Name, Cardinality: vr.Card, OtherName: vr.OtherName}
			if ValueType(vr.Type) == TypeRef {
				xr.Target = uuidOrNil(vr.Ref).String()
			}
			for _, m := range vr.Members {
				xr.Members = append(xr.Members, uuidOrNil(m).String())
			}
			for _, ir := range vr.Indexes {
				xr.Indexes = append(xr.Indexes, xmlIndex{
					Name: ir.Name, Kind: ir.Kind, Attribute: ir.Attribute,
					Locale: ir.Locale, Descending: ir.Descending,
				})
			}
			x.Refs = append(x.Refs, xr)
			continue
		}
		xa := xmlAttr{Name: vr.Name, Type: vr.Type}
		switch ValueType(vr.Type) {
		case "nil":
		case TypeString:
			xa.Value = vr.Str
		case TypeInt:
			xa.Value = strconv.FormatInt(vr.Int, 10)
		case TypeFloat:
			xa.Value = strconv.FormatFloat(vr.Float, 'g', -1, 64)
		case TypeBool:
			xa.Value = strconv.FormatBool(vr.Bool)
		case TypeDateTime:
			xa.Value = vr.Time.Format(time.RFC3339Nano)
		case TypeBytes:
			xa.Value = base64.StdEncoding.EncodeToString(vr.Bytes)
		case TypeUUID:
			xa.Value = uuidOrNil(vr.Ref).String()
		case TypeLob:
			l := vr.Lob
			xa.Lob = &xmlLob{
				ID: l.ID.String(), Mime: l.Mime, Encoding: l.Encoding,
				Compression: l.Compression, Encryption: l.Encryption,
				IV: fmt.Sprintf("%x", l.IV), Segments: l.Segments, Indexed: l.Indexed,
			}
		default:
			return nil, corruptErrf(rec.ItemUUID(), rec.Version, nil, "unknown value type %q for %s", vr.Type, vr.Name)
		}
		x.Attrs = append(x.Attrs, xa)
	}
	data, err := xml.MarshalIndent(&x, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("filestore: encode %v: %w", rec.ItemUUID(), err)
	}
	return append([]byte(xml.Header), append(data, '\n')...), nil
}

func parseItemXML(data []byte, id uuid.UUID, version uint64) (*ItemRecord, error) {
	var x xmlItem
	if err := xml.Unmarshal(data, &x); err != nil {
		return nil, corruptErrf(id, version, err, "undecodable item XML")
	}
	fileID, err := uuid.Parse(x.UUID)
	if err != nil || fileID != id {
		return nil, corruptErrf(id, version, err, "item file claims uuid %q", x.UUID)
	}
	rec := &ItemRecord{
		UUID:    uuidBytes(id),
		Version: x.Version,
		Name:    x.Name,
		Schema:  x.Schema,
	}
	parseUUID := func(s, what string) ([]byte, error) {
		u, err := uuid.Parse(strings.TrimSpace(s))
		if err != nil {
			return nil, corruptErrf(id, version, err, "bad %s uuid %q", what, s)
		}
		return uuidBytes(u), nil
	}
	if x.Kind != nil {
		if rec.Kind, err = parseUUID(x.Kind.Value, "kind"); err != nil {
			return nil, err
		}
	}
	if x.Parent != nil {
		if rec.Parent, err = parseUUID(x.Parent.Value, "parent"); err != nil {
			return nil, err
		}
	}
	for _, c := range x.Child {
		cb, err := parseUUID(c.Value, "child")
		if err != nil {
			return nil, err
		}
		rec.Children = append(rec.Children, cb)
	}
	for _, xa := range x.Attrs {
		vr := ValueRecord{Name: xa.Name, Type: xa.Type}
		val := strings.TrimSpace(xa.Value)
		switch ValueType(xa.Type) {
		case "nil":
		case TypeString:
			vr.Str = xa.Value
		case TypeInt:
			if vr.Int, err = strconv.ParseInt(val, 10, 64); err != nil {
				return nil, corruptErrf(id, version, err, "bad int for %s", xa.Name)
			}
		case TypeFloat:
			if vr.Float, err = strconv.ParseFloat(val, 64); err != nil {
				return nil, corruptErrf(id, version, err, "bad float for %s", xa.Name)
			}
		case TypeBool:
			if vr.Bool, err = strconv.ParseBool(val); err != nil {
				return nil, corruptErrf(id, version, err, "bad bool for %s", xa.Name)
			}
		case TypeDateTime:
			if vr.Time, err = time.Parse(time.RFC3339Nano, val); err != nil {
				return nil, corruptErrf(id, version, err, "bad datetime for %s", xa.Name)
			}
		case TypeBytes:
			if vr.Bytes, err = base64.StdEncoding.DecodeString(val); err != nil {
				return nil, corruptErrf(id, version, err, "bad bytes for %s", xa.Name)
			}
		case TypeUUID:
			if vr.Ref, err = parseUUID(val, "value"); err != nil {
				return nil, err
			}
		case TypeLob:
			if xa.Lob == nil {
				return nil, corruptErrf(id, version, nil, "lob attribute %s without lob element", xa.Name)
			}
			lobID, err := uuid.Parse(xa.Lob.ID)
			if err != nil {
				return nil, corruptErrf(id, version, err, "bad lob id for %s", xa.Name)
			}
			var iv []byte
			if xa.Lob.IV != "" {
				if _, err := fmt.Sscanf(xa.Lob.IV, "%x", &iv); err != nil {
					return nil, corruptErrf(id, version, err, "bad lob iv for %s", xa.Name)
				}
			}
			vr.Lob = &LobRecord{
				ID: lobID, IDBytes: uuidBytes(lobID),
				Mime: xa.Lob.Mime, Encoding: xa.Lob.Encoding,
				Compression: xa.Lob.Compression, Encryption: xa.Lob.Encryption,
				IV: iv, Segments: xa.Lob.Segments, Indexed: xa.Lob.Indexed,
			}
		default:
			return nil, corruptErrf(id, version, nil, "unknown value type %q for %s", xa.Type, xa.Name)
		}
		rec.Values = append(rec.Values, vr)
	}
	for _, xr := range x.Refs {
		vr := ValueRecord{Name: xr.Name, Card: xr.Cardinality, OtherName: xr.OtherName}
		if xr.Cardinality == "" {
			vr.Type = string(TypeRef)
			if vr.Ref, err = parseUUID(xr.Target, "ref"); err != nil {
				return nil, err
			}
		}
		for _, m := range xr.Members {
			mb, err := parseUUID(m, "member")
			if err != nil {
				return nil, err
			}
			vr.Members = append(vr.Members, mb)
		}
		for _, ix := range xr.Indexes {
			vr.Indexes = append(vr.Indexes, IndexRecord{
				Name: ix.Name, Kind: ix.Kind, Attribute: ix.Attribute,
				Locale: ix.Locale, Descending: ix.Descending,
			})
		}
		rec.Values = append(rec.Values, vr)
	}
	return rec, nil
}
