package chest

import (
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/multierr"
)

// Check validates the structural invariants of the view's loaded working
// set: parent/child symmetry, acyclic containment, skip-list consistency of
// ordered collections, resolvable references, and inverse consistency for
// attributes declaring an otherName. All violations are reported, combined
// into one error.
func (v *View) Check() error {
	if v.closed {
		return ErrViewClosed
	}
	var errs error
	for id, it := range v.items {
		if it.status&StatusDeleted != 0 {
			continue
		}
		if it.id != id {
			errs = multierr.Append(errs, fmt.Errorf("item %v registered under %v", it.id, id))
		}
		errs = multierr.Append(errs, v.checkLinkage(it))
		errs = multierr.Append(errs, v.checkValues(it))
	}
	for name, id := range v.roots {
		it := v.items[id]
		if it == nil {
			continue // not loaded; nothing to verify in memory
		}
		if it.parent != nil {
			errs = multierr.Append(errs, fmt.Errorf("root %q (%v) has a parent", name, id))
		}
		if it.name != name {
			errs = multierr.Append(errs, fmt.Errorf("root %q (%v) is named %q", name, id, it.name))
		}
	}
	return errs
}

func (v *View) checkLinkage(it *Item) error {
	var errs error
	if it.parent != nil {
		if it.parent.childByName[it.name] != it {
			errs = multierr.Append(errs, fmt.Errorf("%s: not registered under parent %s", it, it.parent))
		}
		steps := 0
		for cur := it.parent; cur != nil; cur = cur.parent {
			if cur == it || steps > len(v.items) {
				errs = multierr.Append(errs, fmt.Errorf("%s: cyclic parent chain", it))
				break
			}
			steps++
		}
	}
	for _, ch := range it.children {
		if ch.parent != it {
			errs = multierr.Append(errs, fmt.Errorf("%s: child %s points at another parent", it, ch))
		}
		if it.childByName[ch.name] != ch {
			errs = multierr.Append(errs, fmt.Errorf("%s: child name %q not indexed", it, ch.name))
		}
	}
	return errs
}

func (v *View) checkValues(it *Item) error {
	var errs error
	for name, val := range it.values {
		switch tv := val.(type) {
		case *RefList:
			if err := tv.validate(); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s.%s: %w", it, name, err))
			}
			errs = multierr.Append(errs, v.checkMembers(it, name, tv))
		case *RefDict:
			errs = multierr.Append(errs, v.checkMembers(it, name, tv))
		case Ref:
			target, err := v.findByID(tv.UUID())
			if err != nil {
				errs = multierr.Append(errs, err)
				continue
			}
			if target == nil {
				errs = multierr.Append(errs, fmt.Errorf("%s.%s: dangling reference %v", it, name, tv.UUID()))
				continue
			}
			if attr, _, _ := it.resolveAttribute(name); attr != nil {
				if other := attr.OtherName(); other != "" && !holdsInverse(target, other, it.id) {
					errs = multierr.Append(errs,
						fmt.Errorf("%s.%s -> %s: inverse %q missing", it, name, target, other))
				}
			}
		}
	}
	return errs
}

func (v *View) checkMembers(it *Item, name string, coll RefCollection) error {
	var errs error
	other := coll.OtherName()
	for _, mid := range coll.memberIDs() {
		target, err := v.findByID(mid)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if target == nil {
			errs = multierr.Append(errs, fmt.Errorf("%s.%s: dangling member %v", it, name, mid))
			continue
		}
		if other != "" && !holdsInverse(target, other, it.id) {
			errs = multierr.Append(errs,
				fmt.Errorf("%s.%s contains %s but inverse %q does not hold it", it, name, target, other))
		}
	}
	return errs
}

// holdsInverse reports whether target's attribute holds a reference back to
// owner, whatever its cardinality.
func holdsInverse(target *Item, attrName string, owner uuid.UUID) bool {
	_, storage, err := target.resolveAttribute(attrName)
	if err != nil || storage == "" {
		storage = attrName
	}
	switch tv := target.values[storage].(type) {
	case Ref:
		return tv.UUID() == owner
	case RefCollection:
		return tv.Contains(owner)
	}
	return false
}
