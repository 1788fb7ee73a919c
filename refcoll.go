package chest

import (
	"fmt"
	"iter"
	"slices"

	"github.com/google/uuid"

	"github.com/chestdb/chest/skiplist"
)

// RefCollection is the common surface of RefList (ordered, list cardinality)
// and RefDict (unordered, set cardinality). A collection lives under one
// attribute of one item; mutations mark that item dirty and feed the
// collection's secondary indexes. When the declaring attribute names an
// inverse (otherName), every add/remove synchronously maintains the
// counterpart entry on the target item.
type RefCollection interface {
	Owner() *Item
	AttributeName() string
	OtherName() string
	Add(target *Item) error
	Remove(target *Item) error
	Contains(id uuid.UUID) bool
	Len() int
	All() iter.Seq[uuid.UUID]
	Items() ([]*Item, error)
	AddIndex(name string, kind IndexKind, opts IndexOptions) (*CollectionIndex, error)
	Index(name string) (*CollectionIndex, error)

	addMember(id uuid.UUID) error
	removeMember(id uuid.UUID) error
	memberIDs() []uuid.UUID
	indexDefs() []*CollectionIndex
}

// RefList is an ordered collection of references backed by a ranked skip
// list. Insertion order is significant and survives commit and reload.
type RefList struct {
	owner     *Item
	attr      string
	otherName string
	sl        *skiplist.List[uuid.UUID]
	indexes   []*CollectionIndex
	byName    map[string]*CollectionIndex
}

func newRefList(owner *Item, attr, otherName string) *RefList {
	return &RefList{
		owner:     owner,
		attr:      attr,
		otherName: otherName,
		sl:        skiplist.New[uuid.UUID](),
	}
}

func (c *RefList) Owner() *Item          { return c.owner }
func (c *RefList) AttributeName() string { return c.attr }
func (c *RefList) OtherName() string     { return c.otherName }
func (c *RefList) Len() int              { return c.sl.Len() }

func (c *RefList) Contains(id uuid.UUID) bool { return c.sl.Contains(id) }

func (c *RefList) All() iter.Seq[uuid.UUID] { return c.sl.All() }

func (c *RefList) Items() ([]*Item, error) {
	return resolveMembers(c.owner.view, c.memberIDs())
}

// Add appends target. Adding a member already present is a no-op; this is
// what makes inverse maintenance cycle-safe.
func (c *RefList) Add(target *Item) error {
	return c.insert(target, uuid.Nil, true)
}

// InsertFirst places target at the head of the list.
func (c *RefList) InsertFirst(target *Item) error {
	return c.insert(target, uuid.Nil, false)
}

// InsertAfter places target immediately after the member with UUID after.
func (c *RefList) InsertAfter(target *Item, after uuid.UUID) error {
	return c.insert(target, after, false)
}

func (c *RefList) insert(target *Item, after uuid.UUID, atEnd bool) error {
	if err := c.checkMutable(target); err != nil {
		return err
	}
	if c.sl.Contains(target.id) {
		return nil
	}
	var err error
	switch {
	case atEnd:
		err = c.sl.InsertLast(target.id)
	case after == uuid.Nil:
		err = c.sl.InsertFirst(target.id)
	default:
		err = c.sl.InsertAfter(target.id, after)
	}
	if err != nil {
		return itemErrf(c.owner, c.attr, err, "insert into collection")
	}
	c.afterMutate()
	c.owner.view.trackBackRef(target.id, c)
	if c.otherName != "" {
		return c.owner.view.establishInverse(c.owner, c.attr, c.otherName, target)
	}
	return nil
}

// Remove takes target out of the list. Removing an absent member is a no-op.
func (c *RefList) Remove(target *Item) error {
	if err := c.checkMutable(target); err != nil {
		return err
	}
	if !c.sl.Contains(target.id) {
		return nil
	}
	if err := c.sl.Remove(target.id); err != nil {
		return itemErrf(c.owner, c.attr, err, "remove from collection")
	}
	c.afterMutate()
	c.owner.view.untrackBackRef(target.id, c)
	if c.otherName != "" {
		return c.owner.view.retractInverse(c.owner, c.otherName, target)
	}
	return nil
}

// MoveAfter repositions an existing member after another.
func (c *RefList) MoveAfter(target *Item, after uuid.UUID) error {
	if err := c.checkMutable(target); err != nil {
		return err
	}
	if err := c.sl.MoveAfter(target.id, after); err != nil {
		return itemErrf(c.owner, c.attr, err, "move in collection")
	}
	c.afterMutate()
	return nil
}

// MoveFirst repositions an existing member at the head.
func (c *RefList) MoveFirst(target *Item) error {
	if err := c.checkMutable(target); err != nil {
		return err
	}
	if err := c.sl.MoveFirst(target.id); err != nil {
		return itemErrf(c.owner, c.attr, err, "move in collection")
	}
	c.afterMutate()
	return nil
}

// At returns the member UUID at position i.
func (c *RefList) At(i int) (uuid.UUID, error) {
	return c.sl.KeyAt(i)
}

// IndexOf returns the position of a member.
func (c *RefList) IndexOf(id uuid.UUID) (int, error) {
	return c.sl.IndexOf(id)
}

func (c *RefList) First() (uuid.UUID, bool) { return c.sl.First() }
func (c *RefList) Last() (uuid.UUID, bool)  { return c.sl.Last() }

// IsSubsetOf reports whether every member of c is a member of other.
func (c *RefList) IsSubsetOf(other RefCollection) bool {
	for id := range c.All() {
		if !other.Contains(id) {
			return false
		}
	}
	return true
}

// IsSupersetOf reports whether every member of other is a member of c.
func (c *RefList) IsSupersetOf(other RefCollection) bool {
	for id := range other.All() {
		if !c.Contains(id) {
			return false
		}
	}
	return true
}

func (c *RefList) AddIndex(name string, kind IndexKind, opts IndexOptions) (*CollectionIndex, error) {
	ix, err := makeIndex(c, name, kind, opts)
	if err != nil {
		return nil, err
	}
	if c.byName == nil {
		c.byName = make(map[string]*CollectionIndex)
	}
	c.indexes = append(c.indexes, ix)
	c.byName[name] = ix
	c.owner.markDirty()
	return ix, nil
}

func (c *RefList) Index(name string) (*CollectionIndex, error) {
	ix := c.byName[name]
	if ix == nil {
		return nil, fmt.Errorf("%w: %q on %s.%s", ErrNoSuchIndex, name, c.owner.name, c.attr)
	}
	return ix, nil
}

func (c *RefList) checkMutable(target *Item) error {
	if target == nil {
		return itemErrf(c.owner, c.attr, ErrBadRef, "nil target")
	}
	if target.view != c.owner.view {
		return itemErrf(c.owner, c.attr, ErrInvalidChild, "target belongs to another view")
	}
	return c.owner.checkWritable()
}

func (c *RefList) afterMutate() {
	c.owner.markDirty()
	queueIndexes(c.owner.view, c.indexes)
}

// Skip-list-internal mutations used by inverse maintenance and record
// loading; no inverse recursion, no dirty marking beyond the owner.
func (c *RefList) addMember(id uuid.UUID) error {
	if c.sl.Contains(id) {
		return nil
	}
	if err := c.sl.InsertLast(id); err != nil {
		return err
	}
	queueIndexes(c.owner.view, c.indexes)
	return nil
}

func (c *RefList) removeMember(id uuid.UUID) error {
	if !c.sl.Contains(id) {
		return nil
	}
	if err := c.sl.Remove(id); err != nil {
		return err
	}
	queueIndexes(c.owner.view, c.indexes)
	return nil
}

func (c *RefList) memberIDs() []uuid.UUID {
	ids := make([]uuid.UUID, 0, c.sl.Len())
	for id := range c.sl.All() {
		ids = append(ids, id)
	}
	return ids
}

func (c *RefList) indexDefs() []*CollectionIndex { return c.indexes }

func (c *RefList) validate() error {
	return c.sl.Validate()
}

// RefDict is an unordered collection of references (set cardinality).
// Iteration order is by UUID, for determinism only; it carries no meaning
// and is not preserved as insertion order.
type RefDict struct {
	owner     *Item
	attr      string
	otherName string
	members   map[uuid.UUID]struct{}
	indexes   []*CollectionIndex
	byName    map[string]*CollectionIndex
}

func newRefDict(owner *Item, attr, otherName string) *RefDict {
	return &RefDict{
		owner:     owner,
		attr:      attr,
		otherName: otherName,
		members:   make(map[uuid.UUID]struct{}),
	}
}

func (c *RefDict) Owner() *Item          { return c.owner }
func (c *RefDict) AttributeName() string { return c.attr }
func (c *RefDict) OtherName() string     { return c.otherName }
func (c *RefDict) Len() int              { return len(c.members) }

func (c *RefDict) Contains(id uuid.UUID) bool {
	_, ok := c.members[id]
	return ok
}

func (c *RefDict) All() iter.Seq[uuid.UUID] {
	return func(yield func(uuid.UUID) bool) {
		for _, id := range c.memberIDs() {
			if !yield(id) {
				return
			}
		}
	}
}

func (c *RefDict) Items() ([]*Item, error) {
	return resolveMembers(c.owner.view, c.memberIDs())
}

func (c *RefDict) Add(target *Item) error {
	if err := c.checkMutable(target); err != nil {
		return err
	}
	if c.Contains(target.id) {
		return nil
	}
	c.members[target.id] = struct{}{}
	c.afterMutate()
	c.owner.view.trackBackRef(target.id, c)
	if c.otherName != "" {
		return c.owner.view.establishInverse(c.owner, c.attr, c.otherName, target)
	}
	return nil
}

func (c *RefDict) Remove(target *Item) error {
	if err := c.checkMutable(target); err != nil {
		return err
	}
	if !c.Contains(target.id) {
		return nil
	}
	delete(c.members, target.id)
	c.afterMutate()
	c.owner.view.untrackBackRef(target.id, c)
	if c.otherName != "" {
		return c.owner.view.retractInverse(c.owner, c.otherName, target)
	}
	return nil
}

func (c *RefDict) IsSubsetOf(other RefCollection) bool {
	for id := range c.members {
		if !other.Contains(id) {
			return false
		}
	}
	return true
}

func (c *RefDict) IsSupersetOf(other RefCollection) bool {
	for id := range other.All() {
		if !c.Contains(id) {
			return false
		}
	}
	return true
}

func (c *RefDict) AddIndex(name string, kind IndexKind, opts IndexOptions) (*CollectionIndex, error) {
	if kind == IndexNumeric {
		return nil, fmt.Errorf("%w: numeric index requires an ordered collection", ErrSchema)
	}
	ix, err := makeIndex(c, name, kind, opts)
	if err != nil {
		return nil, err
	}
	if c.byName == nil {
		c.byName = make(map[string]*CollectionIndex)
	}
	c.indexes = append(c.indexes, ix)
	c.byName[name] = ix
	c.owner.markDirty()
	return ix, nil
}

func (c *RefDict) Index(name string) (*CollectionIndex, error) {
	ix := c.byName[name]
	if ix == nil {
		return nil, fmt.Errorf("%w: %q on %s.%s", ErrNoSuchIndex, name, c.owner.name, c.attr)
	}
	return ix, nil
}

func (c *RefDict) checkMutable(target *Item) error {
	if target == nil {
		return itemErrf(c.owner, c.attr, ErrBadRef, "nil target")
	}
	if target.view != c.owner.view {
		return itemErrf(c.owner, c.attr, ErrInvalidChild, "target belongs to another view")
	}
	return c.owner.checkWritable()
}

func (c *RefDict) afterMutate() {
	c.owner.markDirty()
	queueIndexes(c.owner.view, c.indexes)
}

func (c *RefDict) addMember(id uuid.UUID) error {
	if c.Contains(id) {
		return nil
	}
	c.members[id] = struct{}{}
	queueIndexes(c.owner.view, c.indexes)
	return nil
}

func (c *RefDict) removeMember(id uuid.UUID) error {
	if !c.Contains(id) {
		return nil
	}
	delete(c.members, id)
	queueIndexes(c.owner.view, c.indexes)
	return nil
}

func (c *RefDict) memberIDs() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(c.members))
	for id := range c.members {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b uuid.UUID) int {
		return slices.Compare(a[:], b[:])
	})
	return ids
}

func (c *RefDict) indexDefs() []*CollectionIndex { return c.indexes }

func resolveMembers(v *View, ids []uuid.UUID) ([]*Item, error) {
	items := make([]*Item, 0, len(ids))
	for _, id := range ids {
		it, err := v.Find(id)
		if err != nil {
			return nil, err
		}
		if it == nil {
			return nil, fmt.Errorf("%w: %v", ErrBadRef, id)
		}
		items = append(items, it)
	}
	return items, nil
}
