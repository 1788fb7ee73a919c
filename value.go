package chest

import (
	"bytes"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

// ValueType names the legal shapes of a single attribute value. Together
// with Cardinality it fully determines what may be stored under an attribute
// name on an instance.
type ValueType string

const (
	TypeNone     ValueType = "" // untyped, any scalar accepted
	TypeString   ValueType = "string"
	TypeInt      ValueType = "integer"
	TypeFloat    ValueType = "float"
	TypeBool     ValueType = "boolean"
	TypeDateTime ValueType = "datetime"
	TypeBytes    ValueType = "bytes"
	TypeUUID     ValueType = "uuid"
	TypeRef      ValueType = "ref"
	TypeLob      ValueType = "lob"
)

type Cardinality string

const (
	CardSingle Cardinality = "single"
	CardList   Cardinality = "list"
	CardSet    Cardinality = "set"
)

// Ref is a single reference to another item. Unlike parent/child
// containment, references carry shared-ownership semantics: the target's
// lifetime is governed by who still refers to it, not by the referrer.
type Ref uuid.UUID

func RefTo(it *Item) Ref { return Ref(it.id) }

func (r Ref) UUID() uuid.UUID { return uuid.UUID(r) }

func (r Ref) IsNil() bool { return uuid.UUID(r) == uuid.Nil }

func (r Ref) String() string { return uuid.UUID(r).String() }

// checkScalar validates a single (non-collection) value against a declared
// type. TypeNone admits any supported scalar.
func checkScalar(vt ValueType, v any) error {
	if v == nil {
		return nil
	}
	ok := false
	switch vt {
	case TypeNone:
		switch v.(type) {
		case string, int64, int, float64, bool, time.Time, []byte, uuid.UUID, Ref, *Lob:
			ok = true
		}
	case TypeString:
		_, ok = v.(string)
	case TypeInt:
		switch v.(type) {
		case int64, int:
			ok = true
		}
	case TypeFloat:
		_, ok = v.(float64)
	case TypeBool:
		_, ok = v.(bool)
	case TypeDateTime:
		_, ok = v.(time.Time)
	case TypeBytes:
		_, ok = v.([]byte)
	case TypeUUID:
		_, ok = v.(uuid.UUID)
	case TypeRef:
		_, ok = v.(Ref)
	case TypeLob:
		_, ok = v.(*Lob)
	default:
		return fmt.Errorf("%w: unknown value type %q", ErrSchema, vt)
	}
	if !ok {
		return fmt.Errorf("%w: %T is not a valid %q value", ErrValueType, v, vt)
	}
	return nil
}

// normScalar canonicalizes equivalent Go representations (int vs int64) so
// equality and serialization see one shape.
func normScalar(v any) any {
	switch tv := v.(type) {
	case int:
		return int64(tv)
	default:
		return v
	}
}

// scalarEqual compares two already-normalized scalar values.
func scalarEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	switch av := a.(type) {
	case []byte:
		bv, ok := b.([]byte)
		return ok && bytes.Equal(av, bv)
	case time.Time:
		bv, ok := b.(time.Time)
		return ok && av.Equal(bv)
	case *Lob:
		bv, ok := b.(*Lob)
		return ok && av.rec.ID == bv.rec.ID && av.rec.Segments == bv.rec.Segments
	default:
		return a == b
	}
}

// collSnapshot is the value-shape a collection takes in committed base
// snapshots and in merge bookkeeping: just the members, ordered or not.
type collSnapshot struct {
	ordered bool
	members []uuid.UUID
}

type lobSnapshot struct {
	id          uuid.UUID
	segments    int
	compression string
	encryption  string
	mime        string
}

// snapshotValue reduces a live value to an immutable snapshot form.
// Collections become member lists, lobs their record identity; scalars
// pass through.
func snapshotValue(v any) any {
	switch tv := v.(type) {
	case *RefList:
		return collSnapshot{ordered: true, members: tv.memberIDs()}
	case *RefDict:
		return collSnapshot{ordered: false, members: tv.memberIDs()}
	case *Lob:
		return lobSnapshot{
			id:          tv.rec.ID,
			segments:    tv.rec.Segments,
			compression: tv.rec.Compression,
			encryption:  tv.rec.Encryption,
			mime:        tv.rec.Mime,
		}
	case []byte:
		return bytes.Clone(tv)
	default:
		return v
	}
}

// valueEqual compares attribute values, including collections, by content.
// Either side may be a live collection or a snapshot.
func valueEqual(a, b any) bool {
	sa, sb := snapshotValue(a), snapshotValue(b)
	if ca, ok := sa.(collSnapshot); ok {
		cb, ok := sb.(collSnapshot)
		if !ok || ca.ordered != cb.ordered || len(ca.members) != len(cb.members) {
			return false
		}
		if ca.ordered {
			return slices.Equal(ca.members, cb.members)
		}
		seen := make(map[uuid.UUID]struct{}, len(ca.members))
		for _, id := range ca.members {
			seen[id] = struct{}{}
		}
		for _, id := range cb.members {
			if _, ok := seen[id]; !ok {
				return false
			}
		}
		return true
	}
	return scalarEqual(sa, sb)
}
