package chest

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Sentinel conditions, checked with errors.Is. ErrNoValue is part of normal
// control flow ("is this attribute set?") and is cheap to construct and test;
// the rest indicate misuse or data problems.
var (
	// Structural
	ErrInvalidChild    = errors.New("invalid child")
	ErrChildName       = errors.New("duplicate child name")
	ErrRecursiveDelete = errors.New("item has children, recursive delete not requested")
	ErrKindlessItem    = errors.New("item has no kind")
	ErrCardinality     = errors.New("cardinality violation")
	ErrBadRef          = errors.New("dangling reference")

	// Schema
	ErrNoSuchAttribute = errors.New("no such attribute")
	ErrSchema          = errors.New("schema error")

	// Value
	ErrNoValue      = errors.New("no value for attribute")
	ErrNoLocalValue = errors.New("no local value for attribute")
	ErrReadOnly     = errors.New("read-only attribute")
	ErrOwnedValue   = errors.New("value owned by another attribute")
	ErrValueType    = errors.New("value type mismatch")

	// Index
	ErrNoSuchIndex    = errors.New("no such index")
	ErrIndexExists    = errors.New("index already exists")
	ErrReindexPending = errors.New("reindex pending")

	// Persistence
	ErrNotFoundAtVersion = errors.New("not found at version")
	ErrNoHistory         = errors.New("backend keeps no version history")

	ErrDeletedItem = errors.New("item is deleted")

	// Concurrency / lifecycle
	ErrConflict   = errors.New("conflicting concurrent update")
	ErrViewClosed = errors.New("view is closed")
	ErrClosed     = errors.New("repository is closed")
)

// ItemError annotates a sentinel or underlying error with the item (and
// optionally the attribute) it concerns.
type ItemError struct {
	UUID uuid.UUID
	Name string
	Attr string
	Msg  string
	Err  error
}

func itemErrf(it *Item, attr string, err error, format string, args ...any) error {
	e := &ItemError{Attr: attr, Msg: fmt.Sprintf(format, args...), Err: err}
	if it != nil {
		e.UUID = it.id
		e.Name = it.name
	}
	return e
}

func (e *ItemError) Unwrap() error {
	return e.Err
}

func (e *ItemError) Error() string {
	var buf strings.Builder
	if e.Name != "" {
		buf.WriteString(e.Name)
	} else {
		buf.WriteString(e.UUID.String())
	}
	if e.Attr != "" {
		buf.WriteByte('.')
		buf.WriteString(e.Attr)
	}
	if e.Msg != "" {
		buf.WriteString(": ")
		buf.WriteString(e.Msg)
	}
	if e.Err != nil {
		buf.WriteString(": ")
		buf.WriteString(e.Err.Error())
	}
	return buf.String()
}

// CorruptError reports a record that was found but could not be decoded.
// It is fatal for that item's availability in the loading view, and must be
// distinguished from "not found" (a nil record).
type CorruptError struct {
	UUID    uuid.UUID
	Version uint64
	Msg     string
	Err     error
}

func corruptErrf(id uuid.UUID, version uint64, err error, format string, args ...any) error {
	return &CorruptError{id, version, fmt.Sprintf(format, args...), err}
}

func (e *CorruptError) Unwrap() error {
	return e.Err
}

func (e *CorruptError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("corrupt record %v@%d: %s: %v", e.UUID, e.Version, e.Msg, e.Err)
	}
	return fmt.Sprintf("corrupt record %v@%d: %s", e.UUID, e.Version, e.Msg)
}
