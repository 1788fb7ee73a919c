package chest

import (
	"bytes"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

var (
	itemsBucket    = []byte("items")
	childrenBucket = []byte("children")
	rootsBucket    = []byte("roots")
	commitsBucket  = []byte("commits")
	lobsBucket     = []byte("lobs")
	metaBucket     = []byte("meta")

	metaVersionKey = []byte("version")
)

// BoltStore is the page-store backend: versioned records in a transactional
// B-tree, atomic commit batches, version-range change scans and incremental
// purge.
type BoltStore struct {
	bdb *bbolt.DB
}

type BoltOptions struct {
	IsTesting bool
	MmapSize  int
}

func OpenBoltStore(path string, opt BoltOptions) (*BoltStore, error) {
	bopt := *bbolt.DefaultOptions
	bopt.Timeout = 10 * time.Second
	if opt.IsTesting {
		bopt.NoSync = true
		bopt.NoFreelistSync = true
		bopt.InitialMmapSize = 1024 * 1024 * 5
	} else {
		bopt.InitialMmapSize = 1024 * 1024 * 1024
		bopt.FreelistType = bbolt.FreelistMapType
	}
	if opt.MmapSize != 0 {
		bopt.InitialMmapSize = opt.MmapSize
	}

	bdb, err := bbolt.Open(path, 0666, &bopt)
	if err != nil {
		return nil, fmt.Errorf("boltstore: %w", err)
	}
	s := &BoltStore{bdb: bdb}
	err = bdb.Update(func(btx *bbolt.Tx) error {
		for _, name := range [][]byte{itemsBucket, childrenBucket, rootsBucket, commitsBucket, lobsBucket, metaBucket} {
			if _, err := btx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		bdb.Close()
		return nil, fmt.Errorf("boltstore: prepare: %w", err)
	}
	return s, nil
}

func (s *BoltStore) Bolt() *bbolt.DB { return s.bdb }

func (s *BoltStore) MVCC() bool { return true }

func (s *BoltStore) Close() error { return s.bdb.Close() }

func (s *BoltStore) Version() (uint64, error) {
	var v uint64
	err := s.bdb.View(func(btx *bbolt.Tx) error {
		v = readVersion(btx)
		return nil
	})
	return v, err
}

func readVersion(btx *bbolt.Tx) uint64 {
	raw := btx.Bucket(metaBucket).Get(metaVersionKey)
	if len(raw) != 8 {
		return 0
	}
	return keyVersion(raw)
}

// seekLatest positions at the newest key under prefix whose trailing
// version is <= version.
func seekLatest(c *bbolt.Cursor, prefix []byte, version uint64) ([]byte, []byte) {
	seek := make([]byte, 0, len(prefix)+8)
	seek = append(seek, prefix...)
	seek = append(seek, versionKey(version+1)...)
	k, v := c.Seek(seek)
	if k == nil {
		k, v = c.Last()
	} else {
		k, v = c.Prev()
	}
	if k == nil || !bytes.HasPrefix(k, prefix) {
		return nil, nil
	}
	return k, v
}

func (s *BoltStore) LoadItem(version uint64, id uuid.UUID) (*ItemRecord, error) {
	var rec *ItemRecord
	err := s.bdb.View(func(btx *bbolt.Tx) error {
		var err error
		rec, err = loadItemTx(btx, version, id)
		return err
	})
	return rec, err
}

func loadItemTx(btx *bbolt.Tx, version uint64, id uuid.UUID) (*ItemRecord, error) {
	c := btx.Bucket(itemsBucket).Cursor()
	prefix := itemPrefix(id)
	k, v := seekLatest(c, prefix, version)
	if k == nil {
		// Distinguish "never existed" from "exists only at later versions".
		fk, _ := c.Seek(prefix)
		if fk != nil && bytes.HasPrefix(fk, prefix) {
			return nil, fmt.Errorf("%w: %v at %d (first version %d)",
				ErrNotFoundAtVersion, id, version, keyVersion(fk))
		}
		return nil, nil
	}
	return decodeRecord(v, id, keyVersion(k))
}

func (s *BoltStore) LoadChild(version uint64, parent uuid.UUID, name string) (*ItemRecord, error) {
	if err := checkKeyName(name); err != nil {
		return nil, err
	}
	var rec *ItemRecord
	err := s.bdb.View(func(btx *bbolt.Tx) error {
		c := btx.Bucket(childrenBucket).Cursor()
		k, v := seekLatest(c, childPrefix(parent, name), version)
		if k == nil || len(v) == 0 {
			return nil
		}
		id, ok := uuidFromBytes(v)
		if !ok {
			return corruptErrf(parent, version, nil, "bad child entry for %q", name)
		}
		child, err := loadItemTx(btx, version, id)
		if err != nil {
			return err
		}
		// A stale name entry can outlive a rename; trust the record.
		if child == nil || child.Deleted || child.Name != name || !bytes.Equal(child.Parent, uuidBytes(parent)) {
			return nil
		}
		rec = child
		return nil
	})
	return rec, err
}

func (s *BoltStore) Roots(version uint64) (map[string]uuid.UUID, error) {
	roots := make(map[string]uuid.UUID)
	err := s.bdb.View(func(btx *bbolt.Tx) error {
		c := btx.Bucket(rootsBucket).Cursor()
		k, _ := c.First()
		for k != nil {
			name := rootKeyName(k)
			prefix := rootPrefix(name)
			_, ev := seekLatest(c, prefix, version)
			if len(ev) > 0 {
				id, ok := uuidFromBytes(ev)
				if !ok {
					return corruptErrf(uuid.Nil, version, nil, "bad root entry %q", name)
				}
				rec, err := loadItemTx(btx, version, id)
				if err != nil {
					return err
				}
				if rec != nil && !rec.Deleted && rec.Parent == nil && rec.Name == name {
					roots[name] = id
				}
			}
			// skip the rest of this name's version group
			k, _ = c.Seek(append(prefix, 0xff))
		}
		return nil
	})
	return roots, err
}

func (s *BoltStore) CommitBatch(base uint64, recs []*ItemRecord, lobs []LobWrite, cs *ChangeSet) (uint64, error) {
	newVersion := base + 1
	err := s.bdb.Update(func(btx *bbolt.Tx) error {
		if head := readVersion(btx); head != base {
			return fmt.Errorf("%w: head is %d, batch based on %d", ErrConflict, head, base)
		}
		items := btx.Bucket(itemsBucket)
		children := btx.Bucket(childrenBucket)
		rootsB := btx.Bucket(rootsBucket)
		for _, rec := range recs {
			rec.Version = newVersion
			id := rec.ItemUUID()
			data, err := encodeRecord(rec)
			if err != nil {
				return err
			}
			if err := items.Put(itemKey(id, newVersion), data); err != nil {
				return err
			}
			if err := checkKeyName(rec.Name); err != nil {
				return err
			}
			entry := uuidBytes(id)
			if rec.Deleted {
				entry = nil
			}
			if rec.Parent != nil {
				if err := children.Put(childKey(uuidOrNil(rec.Parent), rec.Name, newVersion), entry); err != nil {
					return err
				}
			} else if rec.Name != "" {
				if err := rootsB.Put(rootKey(rec.Name, newVersion), entry); err != nil {
					return err
				}
			}
		}
		lobsB := btx.Bucket(lobsBucket)
		for _, lw := range lobs {
			if lw.Data == nil {
				if err := lobsB.Delete(lobKey(lw.ID, lw.Seg)); err != nil {
					return err
				}
				continue
			}
			if err := lobsB.Put(lobKey(lw.ID, lw.Seg), lw.Data); err != nil {
				return err
			}
		}
		cs.Version = newVersion
		csData, err := encodeChangeSet(cs)
		if err != nil {
			return err
		}
		if err := btx.Bucket(commitsBucket).Put(versionKey(newVersion), csData); err != nil {
			return err
		}
		return btx.Bucket(metaBucket).Put(metaVersionKey, versionKey(newVersion))
	})
	if err != nil {
		return 0, err
	}
	return newVersion, nil
}

func (s *BoltStore) Changes(since, till uint64) ([]*ChangeSet, error) {
	var out []*ChangeSet
	err := s.bdb.View(func(btx *bbolt.Tx) error {
		c := btx.Bucket(commitsBucket).Cursor()
		for k, v := c.Seek(versionKey(since + 1)); k != nil; k, v = c.Next() {
			if keyVersion(k) > till {
				break
			}
			cs, err := decodeChangeSet(v)
			if err != nil {
				return err
			}
			out = append(out, cs)
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) LobSegment(id uuid.UUID, seg int) ([]byte, error) {
	var data []byte
	err := s.bdb.View(func(btx *bbolt.Tx) error {
		raw := btx.Bucket(lobsBucket).Get(lobKey(id, seg))
		if raw == nil {
			return fmt.Errorf("%w: lob %v segment %d", ErrNotFoundAtVersion, id, seg)
		}
		data = bytes.Clone(raw)
		return nil
	})
	return data, err
}

// Purge reclaims storage: for every item it keeps the newest record at or
// before keep (still visible to any view at or past keep) plus everything
// newer, and drops the rest; items tombstoned at or before keep are dropped
// entirely. Change sets up to keep are pruned too.
func (s *BoltStore) Purge(keep uint64) (int, error) {
	purged := 0
	err := s.bdb.Update(func(btx *bbolt.Tx) error {
		items := btx.Bucket(itemsBucket)
		c := items.Cursor()

		var drop [][]byte
		var group [][]byte
		var groupID []byte
		flush := func() {
			floor := -1
			for i, k := range group {
				if keyVersion(k) <= keep {
					floor = i
				}
			}
			if floor < 0 {
				return
			}
			superseded := group[:floor]
			if floor == len(group)-1 {
				rec, err := decodeRecord(items.Get(group[floor]), uuidOrNil(groupID), keyVersion(group[floor]))
				if err == nil && rec.Deleted {
					// tombstone with nothing after it: drop the whole item
					superseded = group
				}
			}
			drop = append(drop, superseded...)
		}

		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if !bytes.Equal(k[:16], groupID) {
				flush()
				groupID = bytes.Clone(k[:16])
				group = group[:0]
			}
			group = append(group, bytes.Clone(k))
		}
		flush()

		for _, k := range drop {
			if err := items.Delete(k); err != nil {
				return err
			}
			purged++
		}

		commits := btx.Bucket(commitsBucket)
		cc := commits.Cursor()
		var dropCommits [][]byte
		for k, _ := cc.First(); k != nil; k, _ = cc.Next() {
			if keyVersion(k) > keep {
				break
			}
			dropCommits = append(dropCommits, bytes.Clone(k))
		}
		for _, k := range dropCommits {
			if err := commits.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return purged, nil
}
