package chest

import (
	"fmt"
	"iter"
	"maps"
	"slices"

	"github.com/google/uuid"
)

// Status is the lifecycle bit set of an item snapshot.
//
// The transitions, always driven by the owning view:
//
//	LIVE -> DIRTY (mutation) -> COMMITTED (view.Commit)
//	COMMITTED -> STALE (another view commits past it) -> reloaded on access
//	LIVE -> DELETED (Delete) -> tombstoned at commit -> purged
type Status uint16

const (
	StatusNew Status = 1 << iota
	StatusDirty
	StatusDeleted
	StatusStale
	StatusSchema
)

// Item is one versioned, schema-typed object bound to a single view.
// The same logical item exists as independent snapshots in other views;
// mutation never changes a committed version in place.
type Item struct {
	view    *View
	id      uuid.UUID
	version uint64
	name    string
	kindID  uuid.UUID
	parent  *Item
	status  Status

	children    []*Item
	childByName map[string]*Item

	// values holds the working attribute set; base the committed snapshot
	// this working set diverged from, used for three-way merge.
	values map[string]any
	base   map[string]any

	// memoized schema content hash, meaningful for kind items only
	hash   uint64
	hashOK bool

	// parent at the moment Delete detached the item, so the tombstone
	// record still names where the item lived
	detachedFrom uuid.UUID
}

func (it *Item) UUID() uuid.UUID { return it.id }
func (it *Item) Name() string    { return it.name }
func (it *Item) Version() uint64 { return it.version }
func (it *Item) View() *View     { return it.view }
func (it *Item) Parent() *Item   { return it.parent }

func (it *Item) IsNew() bool     { return it.status&StatusNew != 0 }
func (it *Item) IsDirty() bool   { return it.status&StatusDirty != 0 }
func (it *Item) IsDeleted() bool { return it.status&StatusDeleted != 0 }
func (it *Item) IsStale() bool   { return it.status&StatusStale != 0 }
func (it *Item) IsSchema() bool  { return it.status&StatusSchema != 0 }

// KindItem returns the item's kind as a plain item, nil while kindless
// (legal only transiently during schema bootstrap).
func (it *Item) KindItem() (*Item, error) {
	if it.kindID == uuid.Nil {
		return nil, nil
	}
	return it.view.Find(it.kindID)
}

// Kind returns the item's kind, nil while kindless.
func (it *Item) Kind() (*Kind, error) {
	ki, err := it.KindItem()
	if err != nil || ki == nil {
		return nil, err
	}
	return &Kind{ki}, nil
}

// Path returns the item's absolute path, derived from the parent chain.
func (it *Item) Path() Path {
	var segs []string
	for cur := it; cur != nil; cur = cur.parent {
		segs = append(segs, cur.name)
	}
	slices.Reverse(segs)
	return makeAbsPath(segs...)
}

// SetName renames the item. Names must be unique among siblings.
func (it *Item) SetName(name string) error {
	if err := it.checkWritable(); err != nil {
		return err
	}
	if name == "" {
		return itemErrf(it, "", ErrChildName, "empty name")
	}
	if name == it.name {
		return nil
	}
	if it.parent != nil {
		if it.parent.childByName[name] != nil {
			return itemErrf(it.parent, "", ErrChildName, "%q", name)
		}
		delete(it.parent.childByName, it.name)
		it.parent.childByName[name] = it
	} else {
		if err := it.view.renameRoot(it, name); err != nil {
			return err
		}
	}
	it.name = name
	it.markDirty()
	return nil
}

// Children iterates child items in attachment order.
func (it *Item) Children() iter.Seq[*Item] {
	return func(yield func(*Item) bool) {
		for _, c := range it.children {
			if !yield(c) {
				return
			}
		}
	}
}

func (it *Item) ChildCount() int { return len(it.children) }

// Child returns the named child, nil if absent.
func (it *Item) Child(name string) *Item {
	return it.childByName[name]
}

// HasAncestor reports whether anc is on it's parent chain.
func (it *Item) HasAncestor(anc *Item) bool {
	for cur := it.parent; cur != nil; cur = cur.parent {
		if cur == anc {
			return true
		}
	}
	return false
}

// attachChild links child under it, enforcing name uniqueness and acyclicity.
func (it *Item) attachChild(child *Item) error {
	if child == it || it.HasAncestor(child) {
		return itemErrf(it, "", ErrInvalidChild, "%q would become its own ancestor", child.name)
	}
	if it.childByName[child.name] != nil {
		return itemErrf(it, "", ErrChildName, "%q", child.name)
	}
	if it.childByName == nil {
		it.childByName = make(map[string]*Item)
	}
	it.children = append(it.children, child)
	it.childByName[child.name] = child
	child.parent = it
	return nil
}

func (it *Item) detachChild(child *Item) {
	if i := slices.Index(it.children, child); i >= 0 {
		it.children = slices.Delete(it.children, i, i+1)
	}
	delete(it.childByName, child.name)
	child.parent = nil
}

// Move reparents the item under newParent (nil makes it a root).
func (it *Item) Move(newParent *Item) error {
	if err := it.checkWritable(); err != nil {
		return err
	}
	if it.parent == newParent {
		return nil
	}
	old := it.parent
	if old != nil {
		old.detachChild(it)
	} else {
		it.view.dropRoot(it)
	}
	var err error
	if newParent != nil {
		err = newParent.attachChild(it)
	} else {
		err = it.view.addRoot(it)
	}
	if err != nil {
		// restore the previous linkage
		if old != nil {
			old.attachChild(it)
		} else {
			it.view.addRoot(it)
		}
		return err
	}
	it.markDirty()
	if old != nil {
		old.markDirty()
	}
	if newParent != nil {
		newParent.markDirty()
	}
	return nil
}

func (it *Item) checkWritable() error {
	if it.view.closed {
		return ErrViewClosed
	}
	if it.status&StatusDeleted != 0 {
		return itemErrf(it, "", ErrDeletedItem, "")
	}
	if it.status&StatusStale != 0 {
		if err := it.view.reloadItem(it); err != nil {
			return err
		}
	}
	return nil
}

func (it *Item) markDirty() {
	if it.status&StatusDirty == 0 {
		it.status |= StatusDirty
		it.view.dirty[it.id] = it
	}
	if it.status&StatusSchema != 0 {
		it.view.afterAspectChange(it)
	}
}

// GetAttribute resolves an attribute value: local value first, then the
// redirect chain through the schema, then the kind-declared default.
// Absence is reported as ErrNoValue, an expected condition callers test
// with errors.Is as part of normal "is this set?" control flow.
func (it *Item) GetAttribute(name string) (any, error) {
	if err := it.checkReadable(); err != nil {
		return nil, err
	}
	if v, ok := it.values[name]; ok {
		return v, nil
	}
	attr, storage, err := it.resolveAttribute(name)
	if err != nil {
		return nil, err
	}
	if attr == nil {
		return nil, itemErrf(it, name, ErrNoValue, "")
	}
	if storage != name {
		if v, ok := it.values[storage]; ok {
			return v, nil
		}
	}
	if dv, ok := attr.DefaultValue(); ok {
		return dv, nil
	}
	return nil, itemErrf(it, name, ErrNoValue, "")
}

// GetLocalAttribute returns only a value stored directly on this item,
// skipping redirects and defaults; absence is ErrNoLocalValue.
func (it *Item) GetLocalAttribute(name string) (any, error) {
	if err := it.checkReadable(); err != nil {
		return nil, err
	}
	if v, ok := it.values[name]; ok {
		return v, nil
	}
	return nil, itemErrf(it, name, ErrNoLocalValue, "")
}

// HasAttribute reports whether GetAttribute would find a value.
func (it *Item) HasAttribute(name string) bool {
	_, err := it.GetAttribute(name)
	return err == nil
}

func (it *Item) checkReadable() error {
	if it.view.closed {
		return ErrViewClosed
	}
	if it.status&StatusStale != 0 {
		return it.view.reloadItem(it)
	}
	return nil
}

// SetAttribute validates value against the resolved attribute's cardinality
// and type, stores it, marks the item dirty, and maintains the inverse
// entry when the attribute declares an otherName.
func (it *Item) SetAttribute(name string, value any) error {
	if err := it.checkWritable(); err != nil {
		return err
	}
	if it.status&StatusSchema != 0 {
		// Schema items (kinds, attributes, namespaces) are written during
		// bootstrap and by aspect updates, before their own schema is
		// necessarily resolvable; validation would chase its tail.
		if target, ok := value.(*Item); ok {
			value = RefTo(target)
		}
		value = normScalar(value)
		if old, had := it.values[name]; had && valueEqual(old, value) {
			return nil
		}
		it.values[name] = value
		it.markDirty()
		return nil
	}
	attr, storage, err := it.resolveAttribute(name)
	if err != nil {
		return err
	}
	if attr == nil {
		return itemErrf(it, name, ErrNoSuchAttribute, "")
	}
	if attr.ReadOnly() {
		return itemErrf(it, name, ErrReadOnly, "")
	}
	if target, ok := value.(*Item); ok {
		value = RefTo(target)
	}
	value = normScalar(value)

	switch attr.Cardinality() {
	case CardList, CardSet:
		return it.setCollectionAttribute(attr, storage, value)
	default:
		if err := checkScalar(attr.ValueType(), value); err != nil {
			return itemErrf(it, name, err, "")
		}
	}

	old, hadOld := it.values[storage]
	if hadOld && valueEqual(old, value) {
		return nil
	}
	it.values[storage] = value
	it.markDirty()
	it.view.touchAttrIndexes(it, storage)

	if other := attr.OtherName(); other != "" && attr.ValueType() == TypeRef {
		return it.view.relinkSingleInverse(it, storage, other, refOrNil(old), refOrNil(value))
	}
	return nil
}

func refOrNil(v any) uuid.UUID {
	if r, ok := v.(Ref); ok {
		return r.UUID()
	}
	return uuid.Nil
}

// setCollectionAttribute replaces the contents of a list/set attribute.
// Accepts nil (clear), a []*Item, or the collection already owned by this
// attribute; a collection owned by another attribute is an OwnedValue error.
func (it *Item) setCollectionAttribute(attr *Attribute, storage string, value any) error {
	coll, err := it.ensureCollection(attr, storage)
	if err != nil {
		return err
	}
	switch tv := value.(type) {
	case nil:
		return clearCollection(coll)
	case []*Item:
		if err := clearCollection(coll); err != nil {
			return err
		}
		for _, m := range tv {
			if err := coll.Add(m); err != nil {
				return err
			}
		}
		return nil
	case *RefList:
		if tv.owner != it || tv.attr != storage {
			return itemErrf(it, storage, ErrOwnedValue, "collection belongs to %s.%s", tv.owner.name, tv.attr)
		}
		return nil
	case *RefDict:
		if tv.owner != it || tv.attr != storage {
			return itemErrf(it, storage, ErrOwnedValue, "collection belongs to %s.%s", tv.owner.name, tv.attr)
		}
		return nil
	default:
		return itemErrf(it, storage, ErrCardinality, "cannot assign %T to a collection attribute", value)
	}
}

func clearCollection(coll RefCollection) error {
	items, err := coll.Items()
	if err != nil {
		return err
	}
	for _, m := range items {
		if err := coll.Remove(m); err != nil {
			return err
		}
	}
	return nil
}

// Collection returns the collection under a list/set attribute, creating an
// empty one on first access.
func (it *Item) Collection(name string) (RefCollection, error) {
	if err := it.checkReadable(); err != nil {
		return nil, err
	}
	attr, storage, err := it.resolveAttribute(name)
	if err != nil {
		return nil, err
	}
	if attr == nil {
		return nil, itemErrf(it, name, ErrNoSuchAttribute, "")
	}
	card := attr.Cardinality()
	if card != CardList && card != CardSet {
		return nil, itemErrf(it, name, ErrCardinality, "attribute is %q, not a collection", card)
	}
	return it.ensureCollection(attr, storage)
}

// RefList returns the ordered collection under a list attribute.
func (it *Item) RefList(name string) (*RefList, error) {
	coll, err := it.Collection(name)
	if err != nil {
		return nil, err
	}
	rl, ok := coll.(*RefList)
	if !ok {
		return nil, itemErrf(it, name, ErrCardinality, "attribute has set cardinality")
	}
	return rl, nil
}

func (it *Item) ensureCollection(attr *Attribute, storage string) (RefCollection, error) {
	if v, ok := it.values[storage]; ok {
		if coll, ok := v.(RefCollection); ok {
			return coll, nil
		}
		return nil, itemErrf(it, storage, ErrCardinality, "existing value is %T, not a collection", v)
	}
	var coll RefCollection
	if attr.Cardinality() == CardSet {
		coll = newRefDict(it, storage, attr.OtherName())
	} else {
		coll = newRefList(it, storage, attr.OtherName())
	}
	it.values[storage] = coll
	it.markDirty()
	return coll, nil
}

// RemoveAttribute deletes the local value, retracting inverses it held.
func (it *Item) RemoveAttribute(name string) error {
	if err := it.checkWritable(); err != nil {
		return err
	}
	attr, storage, err := it.resolveAttribute(name)
	if err != nil {
		return err
	}
	if storage == "" {
		storage = name
	}
	v, ok := it.values[storage]
	if !ok {
		return nil
	}
	if err := it.dropValueLinks(storage, attr, v); err != nil {
		return err
	}
	delete(it.values, storage)
	it.markDirty()
	it.view.touchAttrIndexes(it, storage)
	return nil
}

func (it *Item) dropValueLinks(storage string, attr *Attribute, v any) error {
	switch tv := v.(type) {
	case RefCollection:
		if err := clearCollection(tv); err != nil {
			return err
		}
	case Ref:
		if attr != nil {
			if other := attr.OtherName(); other != "" {
				return it.view.relinkSingleInverse(it, storage, other, tv.UUID(), uuid.Nil)
			}
		}
	}
	return nil
}

// Attributes enumerates local attribute values in name order; translator
// layers rely on this being ordered and complete.
func (it *Item) Attributes() iter.Seq2[string, any] {
	return func(yield func(string, any) bool) {
		for _, name := range slices.Sorted(maps.Keys(it.values)) {
			if !yield(name, it.values[name]) {
				return
			}
		}
	}
}

// resolveAttribute maps an attribute name to its schema declaration and its
// storage name (differing when redirected). A kindless item resolves
// nothing; its values are reachable only as local values.
func (it *Item) resolveAttribute(name string) (*Attribute, string, error) {
	if it.kindID == uuid.Nil {
		return nil, name, nil
	}
	k, err := it.Kind()
	if err != nil {
		return nil, name, err
	}
	if k == nil {
		return nil, name, itemErrf(it, name, ErrKindlessItem, "kind %v not found", it.kindID)
	}
	attr, storage, err := k.ResolveAttribute(name)
	if err != nil {
		return nil, name, err
	}
	return attr, storage, nil
}

// Delete tombstones the item. With children present, recursive must be set
// or the call fails with ErrRecursiveDelete. Deletion removes the item from
// every collection in this view that references it, retracts the inverses
// it held, and schedules the UUID for tombstoning at the next commit.
func (it *Item) Delete(recursive bool) error {
	if err := it.checkWritable(); err != nil {
		return err
	}
	if len(it.children) > 0 && !recursive {
		return itemErrf(it, "", ErrRecursiveDelete, "%d children", len(it.children))
	}
	for _, c := range slices.Clone(it.children) {
		if err := c.Delete(true); err != nil {
			return err
		}
	}
	// Drop incoming collection references first; each removal runs the
	// collection's inverse and reindex paths.
	for _, coll := range it.view.backRefsOf(it.id) {
		if err := coll.Remove(it); err != nil {
			return err
		}
	}
	// Retract outgoing links held by this item's own values.
	for _, name := range slices.Sorted(maps.Keys(it.values)) {
		attr, storage, err := it.resolveAttribute(name)
		if err != nil {
			return err
		}
		if storage != name {
			continue
		}
		if err := it.dropValueLinks(name, attr, it.values[name]); err != nil {
			return err
		}
	}
	if it.parent != nil {
		it.detachedFrom = it.parent.id
		it.parent.markDirty()
		it.parent.detachChild(it)
	} else {
		it.view.dropRoot(it)
	}
	it.status |= StatusDeleted
	it.markDirty()
	it.view.noteDeleted(it)
	return nil
}

// Refresh reloads this item's snapshot if it is stale.
func (it *Item) Refresh() error {
	if it.status&StatusStale == 0 {
		return nil
	}
	return it.view.reloadItem(it)
}

func (it *Item) String() string {
	return fmt.Sprintf("%s(%s@%d)", it.name, it.id, it.version)
}

// changedAttributes diffs the working values against the committed base.
func (it *Item) changedAttributes() []string {
	var changed []string
	for name, v := range it.values {
		if bv, ok := it.base[name]; !ok || !valueEqual(v, bv) {
			changed = append(changed, name)
		}
	}
	for name := range it.base {
		if _, ok := it.values[name]; !ok {
			changed = append(changed, name)
		}
	}
	slices.Sort(changed)
	return changed
}
