package chest

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

// ItemRecord is the serialized form of one item at one version, the unit
// the Store persists under (UUID, version). Records are self-describing:
// value types travel with the values, so loading never needs the schema
// resolved first (the schema's own records bootstrap through this).
type ItemRecord struct {
	UUID     []byte        `msgpack:"u"`
	Version  uint64        `msgpack:"v"`
	Name     string        `msgpack:"n,omitempty"`
	Kind     []byte        `msgpack:"k,omitempty"`
	Parent   []byte        `msgpack:"p,omitempty"`
	Children [][]byte      `msgpack:"c,omitempty"`
	Deleted  bool          `msgpack:"d,omitempty"`
	Schema   bool          `msgpack:"s,omitempty"`
	Values   []ValueRecord `msgpack:"a,omitempty"`
}

func (rec *ItemRecord) ItemUUID() uuid.UUID { return uuidOrNil(rec.UUID) }

type ValueRecord struct {
	Name      string        `msgpack:"n"`
	Type      string        `msgpack:"t,omitempty"`
	Str       string        `msgpack:"s,omitempty"`
	Int       int64         `msgpack:"i,omitempty"`
	Float     float64       `msgpack:"f,omitempty"`
	Bool      bool          `msgpack:"b,omitempty"`
	Time      time.Time     `msgpack:"tm,omitempty"`
	Bytes     []byte        `msgpack:"by,omitempty"`
	Ref       []byte        `msgpack:"r,omitempty"`
	Card      string        `msgpack:"cd,omitempty"`
	Members   [][]byte      `msgpack:"m,omitempty"`
	OtherName string        `msgpack:"on,omitempty"`
	Indexes   []IndexRecord `msgpack:"ix,omitempty"`
	Lob       *LobRecord    `msgpack:"l,omitempty"`
}

type IndexRecord struct {
	Name       string `msgpack:"n"`
	Kind       string `msgpack:"k"`
	Attribute  string `msgpack:"a,omitempty"`
	Locale     string `msgpack:"lc,omitempty"`
	Descending bool   `msgpack:"d,omitempty"`
}

type LobRecord struct {
	ID          uuid.UUID `msgpack:"-"`
	IDBytes     []byte    `msgpack:"id"`
	Mime        string    `msgpack:"mt,omitempty"`
	Encoding    string    `msgpack:"e,omitempty"`
	Compression string    `msgpack:"z,omitempty"`
	Encryption  string    `msgpack:"x,omitempty"`
	IV          []byte    `msgpack:"iv,omitempty"`
	Segments    int       `msgpack:"sg,omitempty"`
	Indexed     bool      `msgpack:"in,omitempty"`
}

// encodeRecord frames the msgpack payload with a trailing xxhash checksum
// so that a damaged record is reported as corrupt, not misread.
func encodeRecord(rec *ItemRecord) ([]byte, error) {
	payload, err := msgpack.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode record %v@%d: %w", rec.ItemUUID(), rec.Version, err)
	}
	out := make([]byte, len(payload)+8)
	copy(out, payload)
	binary.BigEndian.PutUint64(out[len(payload):], xxhash.Sum64(payload))
	return out, nil
}

func decodeRecord(data []byte, id uuid.UUID, version uint64) (*ItemRecord, error) {
	if len(data) < 8 {
		return nil, corruptErrf(id, version, nil, "record truncated to %d bytes", len(data))
	}
	payload, sum := data[:len(data)-8], binary.BigEndian.Uint64(data[len(data)-8:])
	if actual := xxhash.Sum64(payload); actual != sum {
		return nil, corruptErrf(id, version, nil, "checksum mismatch: %016x != %016x", actual, sum)
	}
	var rec ItemRecord
	if err := msgpack.Unmarshal(payload, &rec); err != nil {
		return nil, corruptErrf(id, version, err, "undecodable msgpack")
	}
	for i := range rec.Values {
		if rec.Values[i].Lob != nil {
			rec.Values[i].Lob.ID = uuidOrNil(rec.Values[i].Lob.IDBytes)
		}
	}
	return &rec, nil
}

// serializeItem captures the item's working state as a record at the given
// version.
func serializeItem(it *Item, version uint64) (*ItemRecord, error) {
	rec := &ItemRecord{
		UUID:    uuidBytes(it.id),
		Version: version,
		Name:    it.name,
		Kind:    uuidBytesOrNil(it.kindID),
		Deleted: it.status&StatusDeleted != 0,
		Schema:  it.status&StatusSchema != 0,
	}
	if it.parent != nil {
		rec.Parent = uuidBytes(it.parent.id)
	} else if it.status&StatusDeleted != 0 {
		// Delete already detached the item; the tombstone must still name
		// the old parent so the stores touch the right table. A nil Parent
		// on a tombstone means a genuine root went away.
		rec.Parent = uuidBytesOrNil(it.detachedFrom)
	}
	for _, c := range it.children {
		rec.Children = append(rec.Children, uuidBytes(c.id))
	}
	for name, v := range it.Attributes() {
		vr, err := encodeValue(it, name, v)
		if err != nil {
			return nil, err
		}
		rec.Values = append(rec.Values, vr)
	}
	return rec, nil
}

func encodeValue(it *Item, name string, v any) (ValueRecord, error) {
	vr := ValueRecord{Name: name}
	switch tv := v.(type) {
	case nil:
		vr.Type = "nil"
	case string:
		vr.Type = string(TypeString)
		vr.Str = tv
	case int64:
		vr.Type = string(TypeInt)
		vr.Int = tv
	case float64:
		vr.Type = string(TypeFloat)
		vr.Float = tv
	case bool:
		vr.Type = string(TypeBool)
		vr.Bool = tv
	case time.Time:
		vr.Type = string(TypeDateTime)
		vr.Time = tv
	case []byte:
		vr.Type = string(TypeBytes)
		vr.Bytes = tv
	case uuid.UUID:
		vr.Type = string(TypeUUID)
		vr.Ref = uuidBytes(tv)
	case Ref:
		vr.Type = string(TypeRef)
		vr.Ref = uuidBytes(tv.UUID())
	case *Lob:
		vr.Type = string(TypeLob)
		lr := tv.rec
		lr.IDBytes = uuidBytes(lr.ID)
		vr.Lob = &lr
	case *RefList:
		vr.Card = string(CardList)
		vr.OtherName = tv.otherName
		for _, id := range tv.memberIDs() {
			vr.Members = append(vr.Members, uuidBytes(id))
		}
		vr.Indexes = encodeIndexDefs(tv.indexDefs())
	case *RefDict:
		vr.Card = string(CardSet)
		vr.OtherName = tv.otherName
		for _, id := range tv.memberIDs() {
			vr.Members = append(vr.Members, uuidBytes(id))
		}
		vr.Indexes = encodeIndexDefs(tv.indexDefs())
	default:
		return vr, itemErrf(it, name, ErrValueType, "cannot serialize %T", v)
	}
	return vr, nil
}

func encodeIndexDefs(defs []*CollectionIndex) []IndexRecord {
	var out []IndexRecord
	for _, ix := range defs {
		out = append(out, IndexRecord{
			Name:       ix.name,
			Kind:       string(ix.kind),
			Attribute:  ix.opts.Attribute,
			Locale:     ix.opts.Locale,
			Descending: ix.opts.Descending,
		})
	}
	return out
}

// decodeValue reconstructs one attribute value into the item. Collection
// indexes are recreated stale and rebuild on first query; custom Compare
// functions do not survive serialization and must be re-registered.
func decodeValue(it *Item, vr ValueRecord) error {
	if vr.Card != "" {
		var coll RefCollection
		if Cardinality(vr.Card) == CardSet {
			coll = newRefDict(it, vr.Name, vr.OtherName)
		} else {
			coll = newRefList(it, vr.Name, vr.OtherName)
		}
		for _, m := range vr.Members {
			id, ok := uuidFromBytes(m)
			if !ok {
				return corruptErrf(it.id, it.version, nil, "bad member uuid in %s", vr.Name)
			}
			if err := coll.addMember(id); err != nil {
				return err
			}
			it.view.trackBackRef(id, coll)
		}
		for _, ir := range vr.Indexes {
			ix, err := makeIndex(coll, ir.Name, IndexKind(ir.Kind), IndexOptions{
				Attribute:  ir.Attribute,
				Locale:     ir.Locale,
				Descending: ir.Descending,
			})
			if err != nil {
				return err
			}
			switch c := coll.(type) {
			case *RefList:
				if c.byName == nil {
					c.byName = make(map[string]*CollectionIndex)
				}
				c.indexes = append(c.indexes, ix)
				c.byName[ir.Name] = ix
			case *RefDict:
				if c.byName == nil {
					c.byName = make(map[string]*CollectionIndex)
				}
				c.indexes = append(c.indexes, ix)
				c.byName[ir.Name] = ix
			}
		}
		it.values[vr.Name] = coll
		return nil
	}
	switch ValueType(vr.Type) {
	case "nil":
		it.values[vr.Name] = nil
	case TypeString:
		it.values[vr.Name] = vr.Str
	case TypeInt:
		it.values[vr.Name] = vr.Int
	case TypeFloat:
		it.values[vr.Name] = vr.Float
	case TypeBool:
		it.values[vr.Name] = vr.Bool
	case TypeDateTime:
		it.values[vr.Name] = vr.Time
	case TypeBytes:
		it.values[vr.Name] = vr.Bytes
	case TypeUUID:
		it.values[vr.Name] = uuidOrNil(vr.Ref)
	case TypeRef:
		it.values[vr.Name] = Ref(uuidOrNil(vr.Ref))
	case TypeLob:
		lr := *vr.Lob
		lr.ID = uuidOrNil(lr.IDBytes)
		it.values[vr.Name] = &Lob{item: it, attr: vr.Name, rec: lr}
	default:
		return corruptErrf(it.id, it.version, nil, "unknown value type %q for %s", vr.Type, vr.Name)
	}
	return nil
}

// ChangeSet is the per-commit record consumed by the notification layer:
// which items appeared, changed or vanished at a version, and which
// attribute names changed on each.
type ChangeSet struct {
	Version uint64
	Added   []uuid.UUID
	Deleted []uuid.UUID
	Changed map[uuid.UUID][]string
}

// Touched returns every UUID the commit affected.
func (cs *ChangeSet) Touched() []uuid.UUID {
	out := make([]uuid.UUID, 0, len(cs.Added)+len(cs.Deleted)+len(cs.Changed))
	out = append(out, cs.Added...)
	out = append(out, cs.Deleted...)
	for id := range cs.Changed {
		out = append(out, id)
	}
	return out
}

type changeSetWire struct {
	Version uint64              `msgpack:"v"`
	Added   [][]byte            `msgpack:"a,omitempty"`
	Deleted [][]byte            `msgpack:"d,omitempty"`
	Changed map[string][]string `msgpack:"c,omitempty"`
}

func encodeChangeSet(cs *ChangeSet) ([]byte, error) {
	w := changeSetWire{Version: cs.Version}
	for _, id := range cs.Added {
		w.Added = append(w.Added, uuidBytes(id))
	}
	for _, id := range cs.Deleted {
		w.Deleted = append(w.Deleted, uuidBytes(id))
	}
	if len(cs.Changed) > 0 {
		w.Changed = make(map[string][]string, len(cs.Changed))
		for id, attrs := range cs.Changed {
			w.Changed[id.String()] = attrs
		}
	}
	return msgpack.Marshal(&w)
}

func decodeChangeSet(data []byte) (*ChangeSet, error) {
	var w changeSetWire
	if err := msgpack.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode change set: %w", err)
	}
	cs := &ChangeSet{Version: w.Version}
	for _, b := range w.Added {
		cs.Added = append(cs.Added, uuidOrNil(b))
	}
	for _, b := range w.Deleted {
		cs.Deleted = append(cs.Deleted, uuidOrNil(b))
	}
	if len(w.Changed) > 0 {
		cs.Changed = make(map[uuid.UUID][]string, len(w.Changed))
		for s, attrs := range w.Changed {
			id, err := uuid.Parse(s)
			if err != nil {
				return nil, fmt.Errorf("decode change set: bad uuid %q", s)
			}
			cs.Changed[id] = attrs
		}
	}
	return cs, nil
}
