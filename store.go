package chest

import (
	"github.com/google/uuid"
)

// Store is the durable backend a repository commits into and loads from.
// Records are keyed by (UUID, version); the store owns the monotonically
// increasing global version counter.
//
// Two backends are provided: BoltStore, a transactional B-tree page store
// with true MVCC (versioned records, atomic batches, incremental purge),
// and FileStore, a directory of per-item XML files with a documented weaker
// guarantee (no version history, batch not crash-atomic).
type Store interface {
	// Version returns the current head version.
	Version() (uint64, error)

	// LoadItem resolves the newest record for id with version <= the given
	// version. A nil record with nil error means the item never existed up
	// to that version; an item that exists only at later versions fails
	// with ErrNotFoundAtVersion; a tombstoned item is returned with its
	// Deleted flag set.
	LoadItem(version uint64, id uuid.UUID) (*ItemRecord, error)

	// LoadChild resolves the child of parent with the given name, as
	// visible at version.
	LoadChild(version uint64, parent uuid.UUID, name string) (*ItemRecord, error)

	// Roots returns the root table (name -> UUID) visible at version.
	Roots(version uint64) (map[string]uuid.UUID, error)

	// CommitBatch atomically writes a batch of records, the lob segments
	// accompanying them, and the commit's change set, advancing the
	// version counter from base to base+1. A base that is no longer the
	// head fails with ErrConflict and writes nothing.
	CommitBatch(base uint64, recs []*ItemRecord, lobs []LobWrite, cs *ChangeSet) (uint64, error)

	// Changes returns the change sets of versions in (since, till], oldest
	// first. Backends without version history fail with ErrNoHistory.
	Changes(since, till uint64) ([]*ChangeSet, error)

	// LobSegment reads back one stored lob segment.
	LobSegment(id uuid.UUID, seg int) ([]byte, error)

	// Purge drops record versions superseded at or before keep, and items
	// tombstoned at or before keep. Returns the number of records
	// reclaimed.
	Purge(keep uint64) (int, error)

	// MVCC reports whether the backend keeps version history.
	MVCC() bool

	Close() error
}

// LobWrite is one lob segment carried along a commit batch. Nil Data
// deletes the segment, reclaiming storage a rewrite made unreachable.
type LobWrite struct {
	ID   uuid.UUID
	Seg  int
	Data []byte
}
