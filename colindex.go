package chest

import (
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

type IndexKind string

const (
	// IndexNumeric orders by position in the primary collection; it keeps
	// no state of its own and is valid on ordered collections only.
	IndexNumeric IndexKind = "numeric"
	// IndexAttribute orders members by a comparison over a named attribute
	// of each referenced item.
	IndexAttribute IndexKind = "attribute"
	// IndexString orders members by a locale-collated comparison over a
	// string attribute.
	IndexString IndexKind = "string"
)

type IndexOptions struct {
	// Attribute names the attribute of referenced items the index orders by
	// (attribute and string kinds).
	Attribute string
	// Locale is a BCP 47 tag selecting the collation for string indexes.
	Locale string
	// Descending flips the order.
	Descending bool
	// Compare, when set on an attribute index, replaces the default typed
	// comparison.
	Compare func(a, b *Item) int
}

// CollectionIndex is a secondary ordering over a reference collection.
// While a deferred-reindexing scope is open, mutations leave the index
// stale; querying it before the scope flushes fails with ErrReindexPending.
// Outside a deferred scope a stale index rebuilds itself on first query.
type CollectionIndex struct {
	name     string
	kind     IndexKind
	opts     IndexOptions
	coll     RefCollection
	sorted   []uuid.UUID
	stale    bool
	collator *collate.Collator
}

func makeIndex(coll RefCollection, name string, kind IndexKind, opts IndexOptions) (*CollectionIndex, error) {
	owner := coll.Owner()
	if existing, _ := coll.Index(name); existing != nil {
		return nil, fmt.Errorf("%w: %q on %s.%s", ErrIndexExists, name, owner.name, coll.AttributeName())
	}
	ix := &CollectionIndex{name: name, kind: kind, opts: opts, coll: coll, stale: true}
	switch kind {
	case IndexNumeric:
		ix.stale = false
	case IndexAttribute:
		if opts.Attribute == "" && opts.Compare == nil {
			return nil, fmt.Errorf("%w: attribute index %q needs an attribute or comparison", ErrSchema, name)
		}
	case IndexString:
		if opts.Attribute == "" {
			return nil, fmt.Errorf("%w: string index %q needs an attribute", ErrSchema, name)
		}
		tag, err := language.Parse(orDefault(opts.Locale, "und"))
		if err != nil {
			return nil, fmt.Errorf("%w: string index %q: bad locale %q: %v", ErrSchema, name, opts.Locale, err)
		}
		ix.collator = collate.New(tag)
	default:
		return nil, fmt.Errorf("%w: unknown index kind %q", ErrSchema, kind)
	}
	if opts.Attribute != "" {
		owner.view.registerAttrIndex(opts.Attribute, ix)
	}
	return ix, nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func (ix *CollectionIndex) Name() string    { return ix.name }
func (ix *CollectionIndex) Kind() IndexKind { return ix.kind }
func (ix *CollectionIndex) Stale() bool     { return ix.stale }
func (ix *CollectionIndex) Len() int        { return ix.coll.Len() }

// At returns the member at position i in index order.
func (ix *CollectionIndex) At(i int) (uuid.UUID, error) {
	if err := ix.ensureFresh(); err != nil {
		return uuid.Nil, err
	}
	if ix.kind == IndexNumeric {
		return ix.coll.(*RefList).At(i)
	}
	if i < 0 || i >= len(ix.sorted) {
		return uuid.Nil, fmt.Errorf("%w: index %q position %d out of range", ErrNoSuchIndex, ix.name, i)
	}
	return ix.sorted[i], nil
}

// Position returns the rank of a member in index order.
func (ix *CollectionIndex) Position(id uuid.UUID) (int, error) {
	if err := ix.ensureFresh(); err != nil {
		return 0, err
	}
	if ix.kind == IndexNumeric {
		return ix.coll.(*RefList).IndexOf(id)
	}
	for i, m := range ix.sorted {
		if m == id {
			return i, nil
		}
	}
	return 0, fmt.Errorf("%w: %v not in index %q", ErrNoSuchIndex, id, ix.name)
}

// Ordered returns the members in index order.
func (ix *CollectionIndex) Ordered() ([]uuid.UUID, error) {
	if err := ix.ensureFresh(); err != nil {
		return nil, err
	}
	if ix.kind == IndexNumeric {
		return ix.coll.memberIDs(), nil
	}
	return slices.Clone(ix.sorted), nil
}

func (ix *CollectionIndex) ensureFresh() error {
	if !ix.stale {
		return nil
	}
	v := ix.coll.Owner().view
	if v.deferDepth > 0 {
		return fmt.Errorf("%w: index %q on %s.%s", ErrReindexPending,
			ix.name, ix.coll.Owner().name, ix.coll.AttributeName())
	}
	return ix.rebuild()
}

func (ix *CollectionIndex) rebuild() error {
	if ix.kind == IndexNumeric {
		ix.stale = false
		return nil
	}
	v := ix.coll.Owner().view
	ids := ix.coll.memberIDs()
	items := make([]*Item, len(ids))
	for i, id := range ids {
		it, err := v.Find(id)
		if err != nil {
			return err
		}
		if it == nil {
			return itemErrf(ix.coll.Owner(), ix.coll.AttributeName(), ErrBadRef,
				"index %q references missing item %v", ix.name, id)
		}
		items[i] = it
	}
	slices.SortStableFunc(items, func(a, b *Item) int {
		c := ix.compare(a, b)
		if ix.opts.Descending {
			return -c
		}
		return c
	})
	ix.sorted = ix.sorted[:0]
	for _, it := range items {
		ix.sorted = append(ix.sorted, it.id)
	}
	ix.stale = false
	return nil
}

func (ix *CollectionIndex) compare(a, b *Item) int {
	if ix.opts.Compare != nil {
		return ix.opts.Compare(a, b)
	}
	av, aerr := a.GetAttribute(ix.opts.Attribute)
	bv, berr := b.GetAttribute(ix.opts.Attribute)
	// Missing values sort first.
	if aerr != nil || berr != nil {
		switch {
		case aerr != nil && berr != nil:
			return 0
		case aerr != nil:
			return -1
		default:
			return 1
		}
	}
	if ix.kind == IndexString {
		as, _ := av.(string)
		bs, _ := bv.(string)
		return ix.collator.CompareString(as, bs)
	}
	return compareScalars(av, bv)
}

func compareScalars(a, b any) int {
	switch av := a.(type) {
	case string:
		if bv, ok := b.(string); ok {
			switch {
			case av < bv:
				return -1
			case av > bv:
				return 1
			}
			return 0
		}
	case int64:
		if bv, ok := b.(int64); ok {
			switch {
			case av < bv:
				return -1
			case av > bv:
				return 1
			}
			return 0
		}
	case float64:
		if bv, ok := b.(float64); ok {
			switch {
			case av < bv:
				return -1
			case av > bv:
				return 1
			}
			return 0
		}
	case bool:
		if bv, ok := b.(bool); ok {
			switch {
			case !av && bv:
				return -1
			case av && !bv:
				return 1
			}
			return 0
		}
	case time.Time:
		if bv, ok := b.(time.Time); ok {
			return av.Compare(bv)
		}
	case uuid.UUID:
		if bv, ok := b.(uuid.UUID); ok {
			return slices.Compare(av[:], bv[:])
		}
	case Ref:
		if bv, ok := b.(Ref); ok {
			au, bu := av.UUID(), bv.UUID()
			return slices.Compare(au[:], bu[:])
		}
	}
	return 0
}

// queueIndexes marks the given indexes for maintenance: immediately outside
// a deferred scope, or coalesced until the outermost scope exits.
func queueIndexes(v *View, indexes []*CollectionIndex) {
	for _, ix := range indexes {
		if ix.kind == IndexNumeric {
			continue
		}
		ix.stale = true
		if v.deferDepth > 0 {
			v.enqueueIndex(ix)
		} else {
			// Rebuild lazily on next query; an eager rebuild here would do
			// O(n log n) work per mutation in tight loops.
		}
	}
}
