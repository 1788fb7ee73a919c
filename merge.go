package chest

import "github.com/google/uuid"

// ConflictCode classifies a merge conflict handed to a MergeFunc.
type ConflictCode int

const (
	// ConflictAttribute: the same attribute was changed to different values
	// locally and remotely.
	ConflictAttribute ConflictCode = iota
	// ConflictDeleted: the item was deleted remotely while modified locally.
	// The remote value is nil; returning nil accepts the deletion, returning
	// any other value keeps the local item alive.
	ConflictDeleted
	// ConflictName: the item was renamed to different names on both sides.
	// Values are the name strings.
	ConflictName
)

// Members is how a collection value travels through a MergeFunc: the remote
// membership, in order when the attribute is a list. A MergeFunc may return
// a Members value (the remote one, or an edited copy) to resolve a
// collection conflict with an exact target membership.
type Members struct {
	Ordered bool
	IDs     []uuid.UUID
}

// MergeFunc resolves one conflict during a view's merge with newer committed
// versions. It receives the conflicting item, the attribute name (empty for
// ConflictDeleted), and the remote committed value, and returns the value to
// keep. Collections arrive and return as Members; everything else travels
// as the attribute's value shape. The default policy accepts the remote
// value.
type MergeFunc func(code ConflictCode, item *Item, attr string, remote any) any

func defaultMerge(code ConflictCode, item *Item, attr string, remote any) any {
	return remote
}
