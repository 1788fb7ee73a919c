package chest

import (
	"encoding/binary"
	"fmt"
	"maps"
	"slices"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

// Well-known identities of the bootstrap schema items. The kind describing
// kinds is an instance of itself; both it and the kind describing attributes
// are created kindless on first open and wired up immediately after.
var (
	SchemaRootID    = uuid.MustParse("8f1d4db0-52c7-4e0e-9d3a-7b65a1c90421")
	CoreModuleID    = uuid.MustParse("2b9e7a14-6c14-43d2-8b1f-55e3f0a9d7c2")
	KindKindID      = uuid.MustParse("c64a9f82-0de1-41b3-b6d5-318c2a47e9a0")
	AttributeKindID = uuid.MustParse("e0357bd6-92af-4c28-a1e4-6f80b4dd1c53")
)

// Aspect value names stored on attribute items.
const (
	aspectCardinality    = "cardinality"
	aspectType           = "type"
	aspectRequired       = "required"
	aspectIndexed        = "indexed"
	aspectReadOnly       = "readOnly"
	aspectDefaultValue   = "defaultValue"
	aspectInitialValue   = "initialValue"
	aspectRedirectTo     = "redirectTo"
	aspectInheritFrom    = "inheritFrom"
	aspectOtherName      = "otherName"
	aspectCopyPolicy     = "copyPolicy"
	aspectDeletePolicy   = "deletePolicy"
	aspectSuperAttribute = "superAttribute"

	attrSuperKinds = "superKinds"
)

// CopyPolicy governs what happens to referenced (non-owned) items when an
// item graph is copied.
type CopyPolicy string

const (
	CopyPolicyNone    CopyPolicy = "none"    // keep pointing at the original
	CopyPolicyCopy    CopyPolicy = "copy"    // deep-copy the referenced item
	CopyPolicyCascade CopyPolicy = "cascade" // lift the referenced item along
	CopyPolicyRemove  CopyPolicy = "remove"  // drop the reference
)

// DeletePolicy governs what happens to referenced items when the referrer
// is deleted.
type DeletePolicy string

const (
	DeletePolicyNone    DeletePolicy = ""
	DeletePolicyCascade DeletePolicy = "cascade"
)

// Aspects is the declaration shape of one attribute slot on a kind.
// Cardinality and Type together determine the legal values stored under the
// attribute's name on instances.
type Aspects struct {
	Cardinality  Cardinality
	Type         ValueType
	Required     bool
	Indexed      bool
	ReadOnly     bool
	Default      any
	Initial      any
	RedirectTo   string
	InheritFrom  string
	OtherName    string
	CopyPolicy   CopyPolicy
	DeletePolicy DeletePolicy
	// SuperAttribute chains aspect lookup to another attribute item.
	SuperAttribute *Attribute
}

// Kind is an item describing a class of items.
type Kind struct {
	*Item
}

// Attribute is an item describing one named slot on a kind. Attribute items
// are children of their kind.
type Attribute struct {
	*Item
}

// KindKind returns the kind describing kinds.
func (v *View) KindKind() (*Kind, error) {
	it, err := v.Find(KindKindID)
	if err != nil || it == nil {
		return nil, fmt.Errorf("%w: kind kind missing: %v", ErrSchema, err)
	}
	return &Kind{it}, nil
}

// AttributeKind returns the kind describing attributes.
func (v *View) AttributeKind() (*Kind, error) {
	it, err := v.Find(AttributeKindID)
	if err != nil || it == nil {
		return nil, fmt.Errorf("%w: attribute kind missing: %v", ErrSchema, err)
	}
	return &Kind{it}, nil
}

// AsKind wraps an item known to be a kind.
func AsKind(it *Item) (*Kind, error) {
	if it == nil || it.kindID != KindKindID {
		return nil, fmt.Errorf("%w: not a kind item", ErrSchema)
	}
	return &Kind{it}, nil
}

// NewKind creates a kind item under parent with the given ordered
// superkinds.
func (v *View) NewKind(name string, parent *Item, supers ...*Kind) (*Kind, error) {
	it, err := v.createItem(uuid.Nil, name, parent, KindKindID, true)
	if err != nil {
		return nil, err
	}
	k := &Kind{it}
	if len(supers) > 0 {
		if err := k.SetSuperKinds(supers); err != nil {
			return nil, err
		}
	}
	return k, nil
}

// NewItem instantiates an item of this kind, materializing initial values
// declared by the schema.
func (k *Kind) NewItem(name string, parent *Item) (*Item, error) {
	it, err := k.view.createItem(uuid.Nil, name, parent, k.id, false)
	if err != nil {
		return nil, err
	}
	for _, attr := range k.allAttributes(nil) {
		if iv, ok := attr.values[aspectInitialValue]; ok {
			it.values[attr.name] = iv
		}
	}
	return it, nil
}

// SuperKinds returns the ordered superkind list.
func (k *Kind) SuperKinds() ([]*Kind, error) {
	v, ok := k.values[attrSuperKinds]
	if !ok {
		return nil, nil
	}
	rl := v.(*RefList)
	items, err := rl.Items()
	if err != nil {
		return nil, err
	}
	kinds := make([]*Kind, len(items))
	for i, it := range items {
		kinds[i] = &Kind{it}
	}
	return kinds, nil
}

// SetSuperKinds replaces the ordered superkind list. The order is
// significant API, not an implementation detail: attribute and redirect
// resolution walks superkinds first-match-wins in this order, so reordering
// the list changes which declaration wins. This supports composing schema
// dynamically at runtime.
func (k *Kind) SetSuperKinds(supers []*Kind) error {
	if err := k.checkWritable(); err != nil {
		return err
	}
	var rl *RefList
	if v, ok := k.values[attrSuperKinds]; ok {
		rl = v.(*RefList)
		for _, id := range rl.memberIDs() {
			if err := rl.removeMember(id); err != nil {
				return err
			}
		}
	} else {
		rl = newRefList(k.Item, attrSuperKinds, "")
		k.values[attrSuperKinds] = rl
	}
	for _, s := range supers {
		if err := rl.addMember(s.id); err != nil {
			return err
		}
	}
	k.markDirty()
	return nil
}

// DeclareAttribute creates (or idempotently updates) an attribute slot on
// the kind. Calling it again with identical aspects writes nothing.
func (k *Kind) DeclareAttribute(name string, a Aspects) (*Attribute, error) {
	var attr *Attribute
	if existing := k.Child(name); existing != nil {
		if existing.kindID != AttributeKindID {
			return nil, fmt.Errorf("%w: %s.%s exists and is not an attribute", ErrSchema, k.name, name)
		}
		attr = &Attribute{existing}
	} else {
		it, err := k.view.createItem(uuid.Nil, name, k.Item, AttributeKindID, true)
		if err != nil {
			return nil, err
		}
		attr = &Attribute{it}
	}
	want := a.valueMap()
	for aspect, value := range want {
		if cur, ok := attr.values[aspect]; !ok || !valueEqual(cur, value) {
			if err := attr.SetAttribute(aspect, value); err != nil {
				return nil, err
			}
		}
	}
	for aspect := range attr.values {
		if _, keep := want[aspect]; !keep {
			if err := attr.RemoveAttribute(aspect); err != nil {
				return nil, err
			}
		}
	}
	return attr, nil
}

func (a Aspects) valueMap() map[string]any {
	m := make(map[string]any)
	if a.Cardinality != "" && a.Cardinality != CardSingle {
		m[aspectCardinality] = string(a.Cardinality)
	}
	if a.Type != TypeNone {
		m[aspectType] = string(a.Type)
	}
	if a.Required {
		m[aspectRequired] = true
	}
	if a.Indexed {
		m[aspectIndexed] = true
	}
	if a.ReadOnly {
		m[aspectReadOnly] = true
	}
	if a.Default != nil {
		m[aspectDefaultValue] = normScalar(a.Default)
	}
	if a.Initial != nil {
		m[aspectInitialValue] = normScalar(a.Initial)
	}
	if a.RedirectTo != "" {
		m[aspectRedirectTo] = a.RedirectTo
	}
	if a.InheritFrom != "" {
		m[aspectInheritFrom] = a.InheritFrom
	}
	if a.OtherName != "" {
		m[aspectOtherName] = a.OtherName
	}
	if a.CopyPolicy != "" && a.CopyPolicy != CopyPolicyNone {
		m[aspectCopyPolicy] = string(a.CopyPolicy)
	}
	if a.DeletePolicy != "" {
		m[aspectDeletePolicy] = string(a.DeletePolicy)
	}
	if a.SuperAttribute != nil {
		m[aspectSuperAttribute] = Ref(a.SuperAttribute.id)
	}
	return m
}

// Attribute returns the attribute declared directly on this kind, nil if
// the kind does not declare it (inherited declarations not considered).
func (k *Kind) Attribute(name string) *Attribute {
	c := k.Child(name)
	if c == nil || c.kindID != AttributeKindID {
		return nil
	}
	return &Attribute{c}
}

// ResolveAttribute resolves an attribute name to its declaration and its
// storage name. Resolution walks the kind's own declarations, then the
// superkinds in declared order (first match wins), then follows redirectTo
// aliasing, restarting from this kind so that superkind order decides which
// redirect target wins.
func (k *Kind) ResolveAttribute(name string) (*Attribute, string, error) {
	seen := make(map[string]bool)
	cur := name
	for {
		if seen[cur] {
			return nil, cur, fmt.Errorf("%w: redirect cycle at %s.%s", ErrSchema, k.name, cur)
		}
		seen[cur] = true
		attr := k.findDeclared(cur, make(map[uuid.UUID]bool))
		if attr == nil {
			if cur == name {
				return nil, name, nil
			}
			return nil, cur, fmt.Errorf("%w: redirect target %s.%s", ErrNoSuchAttribute, k.name, cur)
		}
		rt, _ := attr.values[aspectRedirectTo].(string)
		if rt == "" {
			if sv, ok := attr.Aspect(aspectRedirectTo); ok {
				rt, _ = sv.(string)
			}
		}
		if rt == "" || rt == cur {
			return attr, cur, nil
		}
		cur = rt
	}
}

func (k *Kind) findDeclared(name string, visited map[uuid.UUID]bool) *Attribute {
	if visited[k.id] {
		return nil
	}
	visited[k.id] = true
	if attr := k.Attribute(name); attr != nil {
		return attr
	}
	supers, err := k.SuperKinds()
	if err != nil {
		return nil
	}
	for _, sk := range supers {
		if attr := sk.findDeclared(name, visited); attr != nil {
			return attr
		}
	}
	return nil
}

// allAttributes collects declared attributes, own first, then inherited in
// superkind order, without shadowed duplicates.
func (k *Kind) allAttributes(visited map[uuid.UUID]bool) []*Attribute {
	if visited == nil {
		visited = make(map[uuid.UUID]bool)
	}
	if visited[k.id] {
		return nil
	}
	visited[k.id] = true
	var out []*Attribute
	for _, c := range k.children {
		if c.kindID == AttributeKindID {
			out = append(out, &Attribute{c})
		}
	}
	supers, _ := k.SuperKinds()
	for _, sk := range supers {
		for _, attr := range sk.allAttributes(visited) {
			shadowed := false
			for _, own := range out {
				if own.name == attr.name {
					shadowed = true
					break
				}
			}
			if !shadowed {
				out = append(out, attr)
			}
		}
	}
	return out
}

// HashItem returns a deterministic content hash over the kind's name, its
// superkind hashes in order, and every declared attribute's aspects. The
// hash is memoized until an aspect of any involved schema item changes, and
// is used to detect drift between a stored kind and the running
// declarations.
func (k *Kind) HashItem() uint64 {
	if k.hashOK {
		return k.hash
	}
	d := xxhash.New()
	d.WriteString(k.name)
	supers, _ := k.SuperKinds()
	for _, sk := range supers {
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], sk.HashItem())
		d.Write(b[:])
	}
	var own []*Attribute
	for _, c := range k.children {
		if c.kindID == AttributeKindID {
			own = append(own, &Attribute{c})
		}
	}
	slices.SortFunc(own, func(a, b *Attribute) int {
		switch {
		case a.name < b.name:
			return -1
		case a.name > b.name:
			return 1
		}
		return 0
	})
	for _, attr := range own {
		d.WriteString("\x00")
		d.WriteString(attr.name)
		for _, aspect := range slices.Sorted(maps.Keys(attr.values)) {
			d.WriteString("\x01")
			d.WriteString(aspect)
			d.WriteString("\x02")
			fmt.Fprintf(d, "%v", snapshotValue(attr.values[aspect]))
		}
	}
	k.hash = d.Sum64()
	k.hashOK = true
	return k.hash
}

// Aspect resolves one aspect value, walking the superAttribute chain, then
// inheritFrom (another attribute of the same kind), when not locally set.
func (a *Attribute) Aspect(name string) (any, bool) {
	cur := a
	for depth := 0; depth < 32 && cur != nil; depth++ {
		if v, ok := cur.values[name]; ok {
			return v, true
		}
		if sup, ok := cur.values[aspectSuperAttribute].(Ref); ok {
			it, err := cur.view.Find(sup.UUID())
			if err != nil || it == nil {
				return nil, false
			}
			cur = &Attribute{it}
			continue
		}
		if inh, ok := cur.values[aspectInheritFrom].(string); ok && cur.parent != nil {
			next := cur.parent.Child(inh)
			if next == nil || next == cur.Item {
				return nil, false
			}
			cur = &Attribute{next}
			continue
		}
		return nil, false
	}
	return nil, false
}

func (a *Attribute) Cardinality() Cardinality {
	if v, ok := a.Aspect(aspectCardinality); ok {
		if s, ok := v.(string); ok {
			return Cardinality(s)
		}
	}
	return CardSingle
}

func (a *Attribute) ValueType() ValueType {
	if v, ok := a.Aspect(aspectType); ok {
		if s, ok := v.(string); ok {
			return ValueType(s)
		}
	}
	return TypeNone
}

func (a *Attribute) boolAspect(name string) bool {
	v, ok := a.Aspect(name)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

func (a *Attribute) stringAspect(name string) string {
	v, ok := a.Aspect(name)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func (a *Attribute) Required() bool { return a.boolAspect(aspectRequired) }
func (a *Attribute) Indexed() bool  { return a.boolAspect(aspectIndexed) }
func (a *Attribute) ReadOnly() bool { return a.boolAspect(aspectReadOnly) }

func (a *Attribute) RedirectTo() string  { return a.stringAspect(aspectRedirectTo) }
func (a *Attribute) InheritFrom() string { return a.stringAspect(aspectInheritFrom) }
func (a *Attribute) OtherName() string   { return a.stringAspect(aspectOtherName) }

func (a *Attribute) CopyPolicy() CopyPolicy {
	if s := a.stringAspect(aspectCopyPolicy); s != "" {
		return CopyPolicy(s)
	}
	return CopyPolicyNone
}

func (a *Attribute) DeletePolicy() DeletePolicy {
	return DeletePolicy(a.stringAspect(aspectDeletePolicy))
}

// DefaultValue returns the declared default (or initial) value, if any.
func (a *Attribute) DefaultValue() (any, bool) {
	if v, ok := a.Aspect(aspectDefaultValue); ok {
		return v, true
	}
	if v, ok := a.Aspect(aspectInitialValue); ok {
		return v, true
	}
	return nil, false
}

// Namespace resolves installed kinds by module-qualified name; modules are
// containers under the schema root, created on demand.
type Namespace struct {
	view   *View
	module *Item
}

// Namespace returns (creating if needed) the schema namespace for module.
func (v *View) Namespace(module string) (*Namespace, error) {
	root, err := v.Find(SchemaRootID)
	if err != nil {
		return nil, err
	}
	if root == nil {
		return nil, fmt.Errorf("%w: schema root missing", ErrSchema)
	}
	mod := root.Child(module)
	if mod == nil {
		mod, err = v.createItem(uuid.Nil, module, root, uuid.Nil, true)
		if err != nil {
			return nil, err
		}
	}
	return &Namespace{view: v, module: mod}, nil
}

// Kind returns the named kind installed in this namespace, nil if absent.
func (ns *Namespace) Kind(name string) (*Kind, error) {
	c := ns.module.Child(name)
	if c == nil {
		return nil, nil
	}
	return AsKind(c)
}

// Update idempotently creates or updates a kind declaration: superkinds are
// replaced only when different, attribute aspects written only when
// changed. Calling Update twice with identical arguments leaves the kind's
// HashItem unchanged and writes nothing.
func (ns *Namespace) Update(name string, supers []*Kind, attrs map[string]Aspects) (*Kind, error) {
	var k *Kind
	if existing := ns.module.Child(name); existing != nil {
		var err error
		k, err = AsKind(existing)
		if err != nil {
			return nil, err
		}
	} else {
		var err error
		k, err = ns.view.NewKind(name, ns.module)
		if err != nil {
			return nil, err
		}
	}

	cur, err := k.SuperKinds()
	if err != nil {
		return nil, err
	}
	same := len(cur) == len(supers)
	if same {
		for i := range cur {
			if cur[i].id != supers[i].id {
				same = false
				break
			}
		}
	}
	if !same {
		if err := k.SetSuperKinds(supers); err != nil {
			return nil, err
		}
	}

	for _, attrName := range slices.Sorted(maps.Keys(attrs)) {
		if _, err := k.DeclareAttribute(attrName, attrs[attrName]); err != nil {
			return nil, err
		}
	}
	return k, nil
}
