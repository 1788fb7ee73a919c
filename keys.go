package chest

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Key composition for the page-store buckets. All keys end in a big-endian
// version so that a cursor positioned just past (prefix, version) and
// stepped back lands on the newest record at or before that version.
//
//	items:    uuid(16) ver(8)            -> framed ItemRecord
//	children: parent(16) name \x00 ver(8) -> child uuid (empty = tombstone)
//	roots:    name \x00 ver(8)            -> root uuid (empty = tombstone)
//	commits:  ver(8)                      -> ChangeSet
//	lobs:     uuid(16) seg(4)             -> segment bytes

func itemKey(id uuid.UUID, version uint64) []byte {
	k := make([]byte, 24)
	copy(k, id[:])
	binary.BigEndian.PutUint64(k[16:], version)
	return k
}

func itemPrefix(id uuid.UUID) []byte {
	k := make([]byte, 16)
	copy(k, id[:])
	return k
}

// keyVersion reads the trailing big-endian version any of the versioned
// keys end with.
func keyVersion(k []byte) uint64 {
	return binary.BigEndian.Uint64(k[len(k)-8:])
}

func checkKeyName(name string) error {
	if strings.IndexByte(name, 0) >= 0 {
		return fmt.Errorf("%w: name %q contains NUL", ErrChildName, name)
	}
	return nil
}

func childPrefix(parent uuid.UUID, name string) []byte {
	k := make([]byte, 0, 16+len(name)+1)
	k = append(k, parent[:]...)
	k = append(k, name...)
	k = append(k, 0)
	return k
}

func childKey(parent uuid.UUID, name string, version uint64) []byte {
	k := childPrefix(parent, name)
	var vb [8]byte
	binary.BigEndian.PutUint64(vb[:], version)
	return append(k, vb[:]...)
}

func rootPrefix(name string) []byte {
	k := make([]byte, 0, len(name)+1)
	k = append(k, name...)
	k = append(k, 0)
	return k
}

func rootKey(name string, version uint64) []byte {
	k := rootPrefix(name)
	var vb [8]byte
	binary.BigEndian.PutUint64(vb[:], version)
	return append(k, vb[:]...)
}

// rootKeyName splits a roots-bucket key back into its name.
func rootKeyName(k []byte) string {
	if len(k) < 9 {
		return ""
	}
	return string(k[:len(k)-9])
}

func versionKey(version uint64) []byte {
	var vb [8]byte
	binary.BigEndian.PutUint64(vb[:], version)
	return vb[:]
}

func lobKey(id uuid.UUID, seg int) []byte {
	k := make([]byte, 20)
	copy(k, id[:])
	binary.BigEndian.PutUint32(k[16:], uint32(seg))
	return k
}
