package chest

import (
	"github.com/google/uuid"
)

// newUUID generates the identity of a new item. Identities are random
// (version 4) and stable for the item's life.
func newUUID() uuid.UUID {
	return uuid.New()
}

func uuidBytes(id uuid.UUID) []byte {
	b := make([]byte, 16)
	copy(b, id[:])
	return b
}

func uuidFromBytes(b []byte) (uuid.UUID, bool) {
	if len(b) != 16 {
		return uuid.Nil, false
	}
	var id uuid.UUID
	copy(id[:], b)
	return id, true
}

func uuidOrNil(b []byte) uuid.UUID {
	id, _ := uuidFromBytes(b)
	return id
}

func uuidBytesOrNil(id uuid.UUID) []byte {
	if id == uuid.Nil {
		return nil
	}
	return uuidBytes(id)
}
