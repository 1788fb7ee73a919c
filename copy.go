package chest

import (
	"bytes"
	"fmt"

	"github.com/google/uuid"
)

// CopyItem deep-copies an item subtree as newName under newParent (nil for
// a new root). Children are always copied. References follow the declaring
// attribute's copy policy: none keeps pointing at the original, copy and
// cascade pull a copy of the target along, remove drops the reference.
// Reference cycles are safe: every original maps to exactly one copy, and
// a reference into the copied set is rewritten to the copy, never back to
// the original.
func (v *View) CopyItem(src *Item, newName string, newParent *Item) (*Item, error) {
	if err := src.checkReadable(); err != nil {
		return nil, err
	}
	c := &copier{v: v, copies: make(map[uuid.UUID]*Item)}
	dst, err := c.cloneTree(src, newName, newParent)
	if err != nil {
		return nil, err
	}
	// fill breadth-first; policy-driven copies extend the queue as found
	for i := 0; i < len(c.queue); i++ {
		p := c.queue[i]
		if err := c.fill(p.src, p.dst); err != nil {
			return nil, err
		}
	}
	return dst, nil
}

type copyPair struct {
	src, dst *Item
}

type copier struct {
	v      *View
	copies map[uuid.UUID]*Item
	queue  []copyPair
}

// cloneTree creates the bare copies of an item and its children, values to
// be filled later once the full copy map is known.
func (c *copier) cloneTree(src *Item, name string, parent *Item) (*Item, error) {
	dst, err := c.v.createItem(uuid.Nil, name, parent, src.kindID, src.status&StatusSchema != 0)
	if err != nil {
		return nil, err
	}
	c.copies[src.id] = dst
	c.queue = append(c.queue, copyPair{src, dst})
	for _, ch := range src.children {
		if _, err := c.cloneTree(ch, ch.name, dst); err != nil {
			return nil, err
		}
	}
	return dst, nil
}

func (c *copier) fill(src, dst *Item) error {
	for name, val := range src.Attributes() {
		attr, _, err := src.resolveAttribute(name)
		if err != nil {
			return err
		}
		policy := CopyPolicyNone
		if attr != nil {
			if p := attr.CopyPolicy(); p != "" {
				policy = p
			}
		}
		// Values whose declaration is not resolvable (kindless items,
		// inverse entries declared on the other side) are assigned
		// directly; declared ones go through SetAttribute validation.
		assign := func(v any) error {
			if attr == nil {
				dst.values[name] = v
				dst.markDirty()
				return nil
			}
			return dst.SetAttribute(name, v)
		}
		switch tv := val.(type) {
		case RefCollection:
			if err := c.fillCollection(dst, name, attr, policy, tv); err != nil {
				return err
			}
		case Ref:
			target, err := c.mapTarget(tv.UUID(), policy)
			if err != nil {
				return err
			}
			if target == nil {
				continue
			}
			if attr == nil {
				dst.values[name] = RefTo(target)
				dst.markDirty()
				continue
			}
			if err := dst.SetAttribute(name, target); err != nil {
				return err
			}
		case *Lob:
			// segments are immutable in the store, so copies share them
			if err := assign(&Lob{item: dst, attr: name, rec: tv.rec, key: bytes.Clone(tv.key)}); err != nil {
				return err
			}
		case []byte:
			if err := assign(bytes.Clone(tv)); err != nil {
				return err
			}
		default:
			if err := assign(tv); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *copier) fillCollection(dst *Item, name string, attr *Attribute, policy CopyPolicy, srcColl RefCollection) error {
	var coll RefCollection
	if attr != nil {
		var err error
		coll, err = dst.Collection(name)
		if err != nil {
			return err
		}
	} else {
		// kindless source: mirror the source collection's shape
		if _, ok := srcColl.(*RefDict); ok {
			coll = newRefDict(dst, name, srcColl.OtherName())
		} else {
			coll = newRefList(dst, name, srcColl.OtherName())
		}
		dst.values[name] = coll
		dst.markDirty()
	}
	for id := range srcColl.All() {
		target, err := c.mapTarget(id, policy)
		if err != nil {
			return err
		}
		if target == nil {
			continue
		}
		if err := coll.Add(target); err != nil {
			return err
		}
	}
	for _, ix := range srcColl.indexDefs() {
		if _, err := coll.AddIndex(ix.name, ix.kind, ix.opts); err != nil {
			return err
		}
	}
	return nil
}

// mapTarget resolves what a copied reference should point at.
func (c *copier) mapTarget(id uuid.UUID, policy CopyPolicy) (*Item, error) {
	if copied, ok := c.copies[id]; ok {
		return copied, nil
	}
	switch policy {
	case CopyPolicyRemove:
		return nil, nil
	case CopyPolicyCopy, CopyPolicyCascade:
		orig, err := c.v.findByID(id)
		if err != nil {
			return nil, err
		}
		if orig == nil {
			return nil, fmt.Errorf("%w: %v", ErrBadRef, id)
		}
		parent := orig.parent
		if parent != nil {
			if pc, ok := c.copies[parent.id]; ok {
				parent = pc
			}
		}
		return c.cloneTree(orig, c.freeName(orig, parent), parent)
	default:
		return c.v.findByID(id)
	}
}

// freeName picks a sibling-unique name for a policy-driven copy placed next
// to its original.
func (c *copier) freeName(orig *Item, parent *Item) string {
	taken := func(name string) bool {
		if parent != nil {
			return parent.childByName[name] != nil
		}
		_, ok := c.v.roots[name]
		return ok
	}
	if !taken(orig.name) {
		return orig.name
	}
	name := orig.name + " copy"
	for n := 2; taken(name); n++ {
		name = fmt.Sprintf("%s copy %d", orig.name, n)
	}
	return name
}
