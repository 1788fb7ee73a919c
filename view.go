package chest

import (
	"bytes"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// View is a session-scoped, versioned window over the repository. It owns
// a working set of loaded items, tracks dirty state, and is the unit of
// transaction: mutations stay private to the view until Commit. A view is
// meant for one logical goroutine at a time; concurrent sessions each open
// their own view and coordinate through MVCC, not locking.
type View struct {
	repo    *Repository
	name    string
	version uint64

	items map[uuid.UUID]*Item
	roots map[string]uuid.UUID

	dirty   map[uuid.UUID]*Item
	deleted []*Item

	deferDepth      int
	deferredIndexes []*CollectionIndex

	// attrIndexes maps an attribute name to the collection indexes ordering
	// by it, so scalar writes can invalidate them.
	attrIndexes map[string][]*CollectionIndex

	// backRefs maps an item UUID to every loaded collection holding it.
	backRefs map[uuid.UUID][]RefCollection

	mergeFn MergeFunc
	closed  bool
}

func (v *View) Version() uint64 { return v.version }
func (v *View) Name() string    { return v.name }
func (v *View) Closed() bool    { return v.closed }

// SetMergeFunc installs the conflict resolver used by Commit and Refresh.
// Nil restores the default policy (remote wins).
func (v *View) SetMergeFunc(fn MergeFunc) { v.mergeFn = fn }

func (v *View) mergeFunc() MergeFunc {
	if v.mergeFn != nil {
		return v.mergeFn
	}
	return defaultMerge
}

// Find resolves an item by UUID, Ref, Path, path string, or bare root name.
// A missing item is (nil, nil); errors are reserved for I/O and corruption.
func (v *View) Find(ref any) (*Item, error) {
	if v.closed {
		return nil, ErrViewClosed
	}
	switch r := ref.(type) {
	case *Item:
		return r, nil
	case uuid.UUID:
		return v.findByID(r)
	case Ref:
		return v.findByID(r.UUID())
	case Path:
		return v.findByPath(r)
	case string:
		if len(r) > 0 && r[0] == '/' {
			p, err := ParsePath(r)
			if err != nil {
				return nil, err
			}
			return v.findByPath(p)
		}
		if id, err := uuid.Parse(r); err == nil {
			return v.findByID(id)
		}
		return v.findByPath(makeAbsPath(r))
	default:
		return nil, fmt.Errorf("%w: cannot find by %T", ErrBadRef, ref)
	}
}

// Root returns the named root item, nil if absent.
func (v *View) Root(name string) (*Item, error) {
	if v.closed {
		return nil, ErrViewClosed
	}
	id, ok := v.roots[name]
	if !ok {
		return nil, nil
	}
	return v.findByID(id)
}

// RootNames returns the names of the roots visible in this view, sorted.
func (v *View) RootNames() []string {
	names := make([]string, 0, len(v.roots))
	for name := range v.roots {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (v *View) findByID(id uuid.UUID) (*Item, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	if it, ok := v.items[id]; ok {
		if it.status&StatusDeleted != 0 {
			return nil, nil
		}
		return it, nil
	}
	return v.loadItem(id)
}

func (v *View) findByPath(p Path) (*Item, error) {
	if !p.IsAbsolute() || p.Len() == 0 {
		return nil, fmt.Errorf("%w: find needs an absolute path, got %q", ErrBadRef, p)
	}
	cur, err := v.Root(p.Segment(0))
	if err != nil || cur == nil {
		return nil, err
	}
	for i := 1; i < p.Len(); i++ {
		cur = cur.Child(p.Segment(i))
		if cur == nil {
			return nil, nil
		}
	}
	return cur, nil
}

// loadItem pulls an item's record at the view's version and materializes it
// together with its subtree. The parent chain is loaded first so the item
// attaches in its proper place.
func (v *View) loadItem(id uuid.UUID) (*Item, error) {
	rec, err := v.repo.store.LoadItem(v.version, id)
	if err != nil || rec == nil {
		return nil, err
	}
	if rec.Deleted {
		return nil, nil
	}
	if rec.Parent != nil {
		pid := uuidOrNil(rec.Parent)
		if _, ok := v.items[pid]; !ok {
			if _, err := v.loadItem(pid); err != nil {
				return nil, err
			}
			// materializing the parent subtree normally covers this item
			if it, ok := v.items[id]; ok {
				return it, nil
			}
		}
	}
	return v.materialize(rec)
}

func (v *View) materialize(rec *ItemRecord) (*Item, error) {
	it := &Item{
		view:    v,
		id:      rec.ItemUUID(),
		version: rec.Version,
		name:    rec.Name,
		kindID:  uuidOrNil(rec.Kind),
		values:  make(map[string]any),
	}
	if rec.Schema {
		it.status |= StatusSchema
	}
	v.items[it.id] = it
	if rec.Parent != nil {
		if p := v.items[uuidOrNil(rec.Parent)]; p != nil {
			if err := p.attachChild(it); err != nil {
				return nil, err
			}
		}
	}
	for _, vr := range rec.Values {
		if err := decodeValue(it, vr); err != nil {
			return nil, err
		}
	}
	it.base = baseSnapshot(it.values)
	for _, cb := range rec.Children {
		cid := uuidOrNil(cb)
		if _, ok := v.items[cid]; ok {
			continue
		}
		crec, err := v.repo.store.LoadItem(v.version, cid)
		if err != nil {
			return nil, err
		}
		if crec == nil || crec.Deleted {
			continue
		}
		if _, err := v.materialize(crec); err != nil {
			return nil, err
		}
	}
	return it, nil
}

func baseSnapshot(values map[string]any) map[string]any {
	base := make(map[string]any, len(values))
	for name, val := range values {
		base[name] = snapshotValue(val)
	}
	return base
}

// createItem registers a fresh item in the working set. A nil parent with a
// name makes a root; a nil parent without a name is legal only transiently.
func (v *View) createItem(id uuid.UUID, name string, parent *Item, kindID uuid.UUID, schema bool) (*Item, error) {
	if v.closed {
		return nil, ErrViewClosed
	}
	if id == uuid.Nil {
		id = newUUID()
	}
	if v.items[id] != nil {
		return nil, fmt.Errorf("%w: uuid %v already in use", ErrBadRef, id)
	}
	it := &Item{
		view:   v,
		id:     id,
		name:   name,
		kindID: kindID,
		status: StatusNew,
		values: make(map[string]any),
		base:   make(map[string]any),
	}
	if schema {
		it.status |= StatusSchema
	}
	if parent != nil {
		if err := parent.attachChild(it); err != nil {
			return nil, err
		}
		parent.markDirty()
	} else if name != "" {
		if err := v.addRoot(it); err != nil {
			return nil, err
		}
	}
	v.items[id] = it
	it.markDirty()
	return it, nil
}

func (v *View) addRoot(it *Item) error {
	if it.name == "" {
		return itemErrf(it, "", ErrChildName, "a root needs a name")
	}
	if prev, ok := v.roots[it.name]; ok && prev != it.id {
		return itemErrf(it, "", ErrChildName, "root %q already exists", it.name)
	}
	v.roots[it.name] = it.id
	return nil
}

func (v *View) dropRoot(it *Item) {
	if v.roots[it.name] == it.id {
		delete(v.roots, it.name)
	}
}

func (v *View) renameRoot(it *Item, name string) error {
	if prev, ok := v.roots[name]; ok && prev != it.id {
		return itemErrf(it, "", ErrChildName, "root %q already exists", name)
	}
	v.dropRoot(it)
	v.roots[name] = it.id
	return nil
}

// reloadItem re-reads a stale item's committed state at the view's version,
// preserving the item's identity so outstanding pointers stay valid.
func (v *View) reloadItem(it *Item) error {
	rec, err := v.repo.store.LoadItem(v.version, it.id)
	if err != nil {
		return err
	}
	if rec == nil || rec.Deleted {
		it.status |= StatusDeleted
		it.status &^= StatusStale
		delete(v.dirty, it.id)
		return itemErrf(it, "", ErrDeletedItem, "gone at version %d", v.version)
	}
	// unlink the old shape before overwriting
	if it.parent != nil {
		it.parent.detachChild(it)
	} else {
		v.dropRoot(it)
	}
	for _, val := range it.values {
		if coll, ok := val.(RefCollection); ok {
			for _, mid := range coll.memberIDs() {
				v.untrackBackRef(mid, coll)
			}
		}
	}
	it.name = rec.Name
	it.kindID = uuidOrNil(rec.Kind)
	it.version = rec.Version
	it.values = make(map[string]any)
	it.hashOK = false
	for _, vr := range rec.Values {
		if err := decodeValue(it, vr); err != nil {
			return err
		}
	}
	it.base = baseSnapshot(it.values)
	it.status &^= StatusStale | StatusDirty | StatusNew
	delete(v.dirty, it.id)
	if pid := uuidOrNil(rec.Parent); pid != uuid.Nil {
		p, err := v.findByID(pid)
		if err != nil {
			return err
		}
		if p == nil {
			return corruptErrf(it.id, it.version, nil, "missing parent %v", pid)
		}
		if p.childByName[it.name] != it {
			if err := p.attachChild(it); err != nil {
				return err
			}
		}
	} else if it.name != "" {
		v.roots[it.name] = it.id
	}
	return nil
}

// Back-reference registry. The nil-receiver guards let record decoding run
// against scratch items that belong to no view (merge bookkeeping).

func (v *View) trackBackRef(id uuid.UUID, coll RefCollection) {
	if v == nil {
		return
	}
	if !slices.Contains(v.backRefs[id], coll) {
		v.backRefs[id] = append(v.backRefs[id], coll)
	}
}

func (v *View) untrackBackRef(id uuid.UUID, coll RefCollection) {
	if v == nil {
		return
	}
	refs := v.backRefs[id]
	if i := slices.Index(refs, coll); i >= 0 {
		v.backRefs[id] = slices.Delete(refs, i, i+1)
	}
}

func (v *View) backRefsOf(id uuid.UUID) []RefCollection {
	return slices.Clone(v.backRefs[id])
}

func (v *View) registerAttrIndex(attr string, ix *CollectionIndex) {
	if v == nil {
		return
	}
	v.attrIndexes[attr] = append(v.attrIndexes[attr], ix)
}

// touchAttrIndexes invalidates every index ordering by the written attribute
// whose collection holds the written item.
func (v *View) touchAttrIndexes(it *Item, name string) {
	for _, ix := range v.attrIndexes[name] {
		if ix.coll.Contains(it.id) {
			queueIndexes(v, []*CollectionIndex{ix})
		}
	}
}

func (v *View) enqueueIndex(ix *CollectionIndex) {
	if !slices.Contains(v.deferredIndexes, ix) {
		v.deferredIndexes = append(v.deferredIndexes, ix)
	}
}

// ReindexingDeferred runs f with index maintenance batched: indexes touched
// inside the scope go stale and are rebuilt once when the outermost scope
// exits. Scopes nest; querying a stale index inside one fails with
// ErrReindexPending.
func (v *View) ReindexingDeferred(f func() error) (err error) {
	v.deferDepth++
	// Unwind in a defer so a panicking f cannot leave the view stuck in a
	// deferred scope with every index query failing ErrReindexPending.
	defer func() {
		v.deferDepth--
		if v.deferDepth != 0 {
			return
		}
		queued := v.deferredIndexes
		v.deferredIndexes = nil
		for _, ix := range queued {
			if !ix.stale {
				continue
			}
			if rerr := ix.rebuild(); rerr != nil && err == nil {
				err = rerr
			}
		}
	}()
	return f()
}

// afterAspectChange drops memoized schema hashes; an aspect edit anywhere
// can change any kind's content hash through inheritance.
func (v *View) afterAspectChange(*Item) {
	for _, it := range v.items {
		if it.status&StatusSchema != 0 {
			it.hashOK = false
		}
	}
}

func (v *View) noteDeleted(it *Item) {
	v.deleted = append(v.deleted, it)
}

func (v *View) lobSegment(id uuid.UUID, seg int) ([]byte, error) {
	return v.repo.store.LobSegment(id, seg)
}

// Inverse maintenance. The forward side X.attr holding a reference to Y
// implies the inverse side Y.otherName holding X, and vice versa. These
// helpers write the counterpart entry directly through collection internals
// so the maintenance never recurses.

func (v *View) establishInverse(owner *Item, attr, otherName string, target *Item) error {
	oattr, storage, err := target.resolveAttribute(otherName)
	if err != nil {
		return err
	}
	if storage == "" {
		storage = otherName
	}
	card := CardSingle
	if oattr != nil {
		card = oattr.Cardinality()
	}
	if _, ok := target.values[storage].(RefCollection); ok {
		card = CardList
	}
	if card == CardList || card == CardSet {
		coll := v.inverseCollection(target, storage, attr, card)
		if coll.Contains(owner.id) {
			return nil
		}
		if err := coll.addMember(owner.id); err != nil {
			return err
		}
		v.trackBackRef(owner.id, coll)
		target.markDirty()
		return nil
	}
	old := refOrNil(target.values[storage])
	if old == owner.id {
		return nil
	}
	target.values[storage] = RefTo(owner)
	target.markDirty()
	v.touchAttrIndexes(target, storage)
	if old != uuid.Nil {
		// the previous forward holder loses target
		prev, err := v.findByID(old)
		if err != nil || prev == nil {
			return err
		}
		switch pv := prev.values[attr].(type) {
		case RefCollection:
			if pv.Contains(target.id) {
				if err := pv.removeMember(target.id); err != nil {
					return err
				}
				v.untrackBackRef(target.id, pv)
				prev.markDirty()
			}
		case Ref:
			if pv.UUID() == target.id {
				delete(prev.values, attr)
				prev.markDirty()
				v.touchAttrIndexes(prev, attr)
			}
		}
	}
	return nil
}

func (v *View) inverseCollection(target *Item, storage, forwardAttr string, card Cardinality) RefCollection {
	if existing, ok := target.values[storage].(RefCollection); ok {
		return existing
	}
	var coll RefCollection
	if card == CardSet {
		coll = newRefDict(target, storage, forwardAttr)
	} else {
		coll = newRefList(target, storage, forwardAttr)
	}
	target.values[storage] = coll
	return coll
}

func (v *View) retractInverse(owner *Item, otherName string, target *Item) error {
	_, storage, err := target.resolveAttribute(otherName)
	if err != nil {
		return err
	}
	if storage == "" {
		storage = otherName
	}
	switch tv := target.values[storage].(type) {
	case RefCollection:
		if tv.Contains(owner.id) {
			if err := tv.removeMember(owner.id); err != nil {
				return err
			}
			v.untrackBackRef(owner.id, tv)
			target.markDirty()
		}
	case Ref:
		if tv.UUID() == owner.id {
			delete(target.values, storage)
			target.markDirty()
			v.touchAttrIndexes(target, storage)
		}
	}
	return nil
}

// relinkSingleInverse moves a single-valued reference's inverse entry from
// the old target to the new one.
func (v *View) relinkSingleInverse(it *Item, storage, otherName string, oldID, newID uuid.UUID) error {
	if oldID == newID {
		return nil
	}
	if oldID != uuid.Nil {
		oldTarget, err := v.findByID(oldID)
		if err != nil {
			return err
		}
		if oldTarget != nil {
			if err := v.retractInverse(it, otherName, oldTarget); err != nil {
				return err
			}
		}
	}
	if newID == uuid.Nil {
		return nil
	}
	newTarget, err := v.findByID(newID)
	if err != nil {
		return err
	}
	if newTarget == nil {
		return itemErrf(it, storage, ErrBadRef, "%v", newID)
	}
	return v.establishInverse(it, storage, otherName, newTarget)
}

// Commit serializes the view's dirty items into one atomic batch at the next
// version. When other views have committed since this view's version, their
// changes are merged in first: disjoint attribute edits combine silently,
// conflicting ones go through the merge func. A failed commit leaves the
// working set intact.
func (v *View) Commit() error {
	if v.closed {
		return ErrViewClosed
	}
	v.repo.commitMu.Lock()
	defer v.repo.commitMu.Unlock()

	head, err := v.repo.store.Version()
	if err != nil {
		return err
	}
	if head != v.version {
		if err := v.mergeForward(head); err != nil {
			return err
		}
	}
	if len(v.dirty) == 0 {
		return nil
	}

	newVersion := v.version + 1
	recs := make([]*ItemRecord, 0, len(v.dirty))
	var lobs []LobWrite
	var pendingLobs []*Lob
	cs := &ChangeSet{Changed: make(map[uuid.UUID][]string)}
	ids := make([]uuid.UUID, 0, len(v.dirty))
	for id := range v.dirty {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b uuid.UUID) int { return slices.Compare(a[:], b[:]) })
	for _, id := range ids {
		it := v.dirty[id]
		rec, err := serializeItem(it, newVersion)
		if err != nil {
			return err
		}
		recs = append(recs, rec)
		for _, val := range it.values {
			if l, ok := val.(*Lob); ok && (len(l.pending) > 0 || l.obsolete > 0) {
				lobs = append(lobs, l.pendingWrites()...)
				pendingLobs = append(pendingLobs, l)
			}
		}
		switch {
		case it.status&StatusDeleted != 0:
			cs.Deleted = append(cs.Deleted, id)
		case it.status&StatusNew != 0:
			cs.Added = append(cs.Added, id)
		default:
			cs.Changed[id] = it.changedAttributes()
		}
	}

	committed, err := v.repo.store.CommitBatch(v.version, recs, lobs, cs)
	if err != nil {
		return err
	}
	v.version = committed
	for _, l := range pendingLobs {
		l.pending = nil
		l.obsolete = 0
	}
	for _, id := range ids {
		it := v.dirty[id]
		if it.status&StatusDeleted != 0 {
			delete(v.items, id)
			delete(v.backRefs, id)
			continue
		}
		it.status &^= StatusNew | StatusDirty
		it.version = committed
		it.base = baseSnapshot(it.values)
	}
	v.dirty = make(map[uuid.UUID]*Item)
	v.deleted = nil
	v.repo.logger.Debug("committed",
		zap.String("view", v.name),
		zap.Uint64("version", committed),
		zap.Int("records", len(recs)))
	v.repo.publish(cs)
	return nil
}

// Refresh pulls the view forward to the current head, merging committed
// changes into the working set. Clean loaded items go stale and reload
// lazily; dirty items merge three-way against their committed base.
func (v *View) Refresh() error {
	if v.closed {
		return ErrViewClosed
	}
	head, err := v.repo.store.Version()
	if err != nil {
		return err
	}
	if head == v.version {
		return nil
	}
	return v.mergeForward(head)
}

func (v *View) mergeForward(head uint64) error {
	touched := make(map[uuid.UUID]bool)
	css, err := v.repo.store.Changes(v.version, head)
	if err != nil {
		if !errors.Is(err, ErrNoHistory) {
			return err
		}
		// no change log: assume anything loaded may have moved
		for id := range v.items {
			touched[id] = true
		}
	} else {
		for _, cs := range css {
			for _, id := range cs.Touched() {
				touched[id] = true
			}
		}
	}
	v.version = head
	for id := range touched {
		it, ok := v.items[id]
		if !ok || it.status&StatusNew != 0 {
			continue
		}
		if it.status&StatusDirty == 0 {
			it.status |= StatusStale
			continue
		}
		if err := v.mergeItem(it); err != nil {
			return err
		}
	}
	newRoots, err := v.repo.store.Roots(head)
	if err != nil {
		return err
	}
	for _, it := range v.dirty {
		if it.status&StatusDeleted != 0 {
			if it.parent == nil && newRoots[it.name] == it.id {
				delete(newRoots, it.name)
			}
			continue
		}
		if it.parent == nil && it.name != "" {
			newRoots[it.name] = it.id
		}
	}
	v.roots = newRoots
	return nil
}

// mergeItem reconciles one locally dirty item with its newest committed
// state: three-way over (committed base, local working, remote committed).
func (v *View) mergeItem(it *Item) error {
	rec, err := v.repo.store.LoadItem(v.version, it.id)
	if err != nil {
		return err
	}
	if rec == nil || rec.Deleted {
		if res := v.mergeFunc()(ConflictDeleted, it, "", nil); res == nil {
			it.status |= StatusDeleted
			it.status &^= StatusDirty
			delete(v.dirty, it.id)
			if it.parent != nil {
				it.parent.detachChild(it)
			} else {
				v.dropRoot(it)
			}
			delete(v.items, it.id)
			return nil
		}
		// keep the local edits alive as a re-creation
		it.status |= StatusNew
		it.base = make(map[string]any)
		return nil
	}
	if rec.Version <= it.version {
		return nil
	}

	scratch := &Item{id: it.id, version: rec.Version, values: make(map[string]any)}
	for _, vr := range rec.Values {
		if err := decodeValue(scratch, vr); err != nil {
			return err
		}
	}

	if rec.Name != it.name {
		res := v.mergeFunc()(ConflictName, it, "", rec.Name)
		if name, ok := res.(string); ok && name != it.name {
			v.forceRename(it, name)
		}
	}

	names := make(map[string]bool)
	for name := range it.values {
		names[name] = true
	}
	for name := range it.base {
		names[name] = true
	}
	for name := range scratch.values {
		names[name] = true
	}
	for _, name := range slices.Sorted(maps.Keys(names)) {
		lv, lok := it.values[name]
		bv, bok := it.base[name]
		rv, rok := scratch.values[name]
		localChanged := lok != bok || (lok && !valueEqual(lv, bv))
		remoteChanged := rok != bok || (rok && !valueEqual(rv, bv))
		switch {
		case !remoteChanged:
			// local edit stands
		case !localChanged:
			if err := v.applyMergedValue(it, name, exportRemote(rv, rok), scratch); err != nil {
				return err
			}
		case lok && rok && valueEqual(lv, rv):
			// both sides made the same change
		default:
			res := v.mergeFunc()(ConflictAttribute, it, name, exportRemote(rv, rok))
			if err := v.applyMergedValue(it, name, res, scratch); err != nil {
				return err
			}
		}
	}
	it.base = baseSnapshot(scratch.values)
	it.version = rec.Version
	return nil
}

// exportRemote is the shape handed to merge funcs: collections travel as
// Members, lobs as detached Lob values, scalars as themselves, absence as
// nil.
func exportRemote(rv any, present bool) any {
	if !present {
		return nil
	}
	switch tv := rv.(type) {
	case *RefList:
		return Members{Ordered: true, IDs: tv.memberIDs()}
	case *RefDict:
		return Members{IDs: tv.memberIDs()}
	case *Lob:
		return &Lob{rec: tv.rec}
	case []byte:
		return bytes.Clone(tv)
	default:
		return tv
	}
}

// applyMergedValue writes a merge resolution into the working set.
func (v *View) applyMergedValue(it *Item, name string, res any, scratch *Item) error {
	switch rv := res.(type) {
	case nil:
		if cur, ok := it.values[name].(RefCollection); ok {
			for _, mid := range cur.memberIDs() {
				v.untrackBackRef(mid, cur)
			}
		}
		delete(it.values, name)
	case Members:
		otherName := ""
		if sc, ok := scratch.values[name].(RefCollection); ok {
			otherName = sc.OtherName()
		} else if lc, ok := it.values[name].(RefCollection); ok {
			otherName = lc.OtherName()
		}
		card := CardList
		if !rv.Ordered {
			card = CardSet
		}
		if err := v.syncCollection(it, name, card, otherName, rv.IDs); err != nil {
			return err
		}
	case *Lob:
		rv.item = it
		rv.attr = name
		it.values[name] = rv
	default:
		it.values[name] = normScalar(rv)
	}
	it.markDirty()
	v.touchAttrIndexes(it, name)
	return nil
}

// syncCollection rebuilds a collection's membership to an exact target list,
// keeping back-reference tracking consistent.
func (v *View) syncCollection(it *Item, name string, card Cardinality, otherName string, members []uuid.UUID) error {
	coll, ok := it.values[name].(RefCollection)
	if !ok {
		coll = v.inverseCollection(it, name, otherName, card)
	}
	for _, mid := range coll.memberIDs() {
		if err := coll.removeMember(mid); err != nil {
			return err
		}
		v.untrackBackRef(mid, coll)
	}
	for _, mid := range members {
		if err := coll.addMember(mid); err != nil {
			return err
		}
		v.trackBackRef(mid, coll)
	}
	return nil
}

func (v *View) forceRename(it *Item, name string) {
	if name == it.name {
		return
	}
	if it.parent != nil {
		delete(it.parent.childByName, it.name)
		it.parent.childByName[name] = it
	} else {
		v.dropRoot(it)
		v.roots[name] = it.id
	}
	it.name = name
}

// Cancel discards all uncommitted mutations, returning the view to its last
// refreshed version. New items vanish; modified or deleted items reload
// their committed state on next access. Other views are never affected.
func (v *View) Cancel() error {
	if v.closed {
		return ErrViewClosed
	}
	for id, it := range v.dirty {
		if it.status&StatusNew != 0 {
			if it.parent != nil {
				it.parent.detachChild(it)
			} else {
				v.dropRoot(it)
			}
			it.status |= StatusDeleted
			delete(v.items, id)
			delete(v.backRefs, id)
			continue
		}
		for _, val := range it.values {
			if l, ok := val.(*Lob); ok {
				l.discardPending()
			}
		}
		it.status &^= StatusDirty | StatusDeleted
		it.status |= StatusStale
	}
	v.dirty = make(map[uuid.UUID]*Item)
	v.deleted = nil
	v.deferredIndexes = nil
	return nil
}

// Close releases the view. Uncommitted changes are discarded.
func (v *View) Close() error {
	if v.closed {
		return nil
	}
	v.closed = true
	v.repo.dropView(v)
	return nil
}
