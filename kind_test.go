package chest

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNamespaceUpdateIdempotent(t *testing.T) {
	r := openTestRepo(t)
	v := openTestView(t, r)
	ns, err := v.Namespace("test")
	require.NoError(t, err)

	attrs := map[string]Aspects{
		"title": {Type: TypeString, Required: true},
		"year":  {Type: TypeInt, Default: int64(1900)},
	}
	k, err := ns.Update("Movie", nil, attrs)
	require.NoError(t, err)
	require.NoError(t, v.Commit())
	h1 := k.HashItem()

	// an identical declaration writes nothing
	k2, err := ns.Update("Movie", nil, attrs)
	require.NoError(t, err)
	require.Same(t, k.Item, k2.Item)
	require.False(t, k.IsDirty())
	require.Equal(t, h1, k.HashItem())

	// changing one aspect changes the content hash
	attrs["year"] = Aspects{Type: TypeInt, Default: int64(2000)}
	_, err = ns.Update("Movie", nil, attrs)
	require.NoError(t, err)
	require.NotEqual(t, h1, k.HashItem())
}

func TestSuperKindOrderDecidesResolution(t *testing.T) {
	r := openTestRepo(t)
	v := openTestView(t, r)
	ns, err := v.Namespace("test")
	require.NoError(t, err)

	s1, err := ns.Update("S1", nil, map[string]Aspects{
		"flavor": {Type: TypeString, Default: "one"},
	})
	require.NoError(t, err)
	s2, err := ns.Update("S2", nil, map[string]Aspects{
		"flavor": {Type: TypeString, Default: "two"},
	})
	require.NoError(t, err)
	sub, err := ns.Update("Sub", []*Kind{s1, s2}, nil)
	require.NoError(t, err)

	it := newItem(t, sub, "x", nil)
	got, err := it.GetAttribute("flavor")
	require.NoError(t, err)
	require.Equal(t, "one", got)
	attr, _, err := sub.ResolveAttribute("flavor")
	require.NoError(t, err)
	require.Same(t, s1.Item, attr.Parent())
	h1 := sub.HashItem()

	// reordering superkinds flips the winning declaration and the hash
	require.NoError(t, sub.SetSuperKinds([]*Kind{s2, s1}))
	got, err = it.GetAttribute("flavor")
	require.NoError(t, err)
	require.Equal(t, "two", got)
	attr, _, err = sub.ResolveAttribute("flavor")
	require.NoError(t, err)
	require.Same(t, s2.Item, attr.Parent())
	require.NotEqual(t, h1, sub.HashItem())
}

func TestRedirectResolution(t *testing.T) {
	r := openTestRepo(t)
	v := openTestView(t, r)
	ns, err := v.Namespace("test")
	require.NoError(t, err)
	movie, err := ns.Update("Movie", nil, map[string]Aspects{
		"title":    {Type: TypeString},
		"headline": {RedirectTo: "title"},
	})
	require.NoError(t, err)

	it := newItem(t, movie, "Gig", nil)
	require.NoError(t, it.SetAttribute("headline", "Gig!"))

	// the alias stores under the target's name
	require.Equal(t, "Gig!", getString(t, it, "title"))
	require.Equal(t, "Gig!", getString(t, it, "headline"))
	_, err = it.GetLocalAttribute("headline")
	require.ErrorIs(t, err, ErrNoLocalValue)
	got, err := it.GetLocalAttribute("title")
	require.NoError(t, err)
	require.Equal(t, "Gig!", got)
}

func TestRedirectCycleFails(t *testing.T) {
	r := openTestRepo(t)
	v := openTestView(t, r)
	ns, err := v.Namespace("test")
	require.NoError(t, err)
	k, err := ns.Update("Loopy", nil, map[string]Aspects{
		"a": {RedirectTo: "b"},
		"b": {RedirectTo: "a"},
	})
	require.NoError(t, err)
	it := newItem(t, k, "x", nil)
	err = it.SetAttribute("a", "v")
	require.ErrorIs(t, err, ErrSchema)
}

func TestInheritFromAspect(t *testing.T) {
	r := openTestRepo(t)
	v := openTestView(t, r)
	ns, err := v.Namespace("test")
	require.NoError(t, err)
	k, err := ns.Update("Doc", nil, map[string]Aspects{
		"body":    {Type: TypeString, Default: "empty"},
		"summary": {InheritFrom: "body"},
	})
	require.NoError(t, err)

	// summary inherits type and default from its sibling
	attr := k.Attribute("summary")
	require.NotNil(t, attr)
	require.Equal(t, TypeString, attr.ValueType())
	dv, ok := attr.DefaultValue()
	require.True(t, ok)
	require.Equal(t, "empty", dv)

	it := newItem(t, k, "d", nil)
	require.NoError(t, it.SetAttribute("summary", "short"))
	require.Equal(t, "short", getString(t, it, "summary"))
	err = it.SetAttribute("summary", int64(1))
	require.ErrorIs(t, err, ErrValueType)
}

func TestInitialValueMaterialized(t *testing.T) {
	r := openTestRepo(t)
	v := openTestView(t, r)
	ns, err := v.Namespace("test")
	require.NoError(t, err)
	k, err := ns.Update("Counter", nil, map[string]Aspects{
		"count": {Type: TypeInt, Initial: int64(0)},
	})
	require.NoError(t, err)

	it := newItem(t, k, "c", nil)
	got, err := it.GetLocalAttribute("count")
	require.NoError(t, err)
	require.Equal(t, int64(0), got)
}

func TestBootstrapSchemaSelfDescribes(t *testing.T) {
	r := openTestRepo(t)
	v := openTestView(t, r)

	kk, err := v.KindKind()
	require.NoError(t, err)
	ki, err := kk.KindItem()
	require.NoError(t, err)
	require.Same(t, kk.Item, ki, "the kind kind is an instance of itself")

	ak, err := v.AttributeKind()
	require.NoError(t, err)
	aki, err := ak.Kind()
	require.NoError(t, err)
	require.Same(t, kk.Item, aki.Item)

	core, err := v.Find("//schema/core")
	require.NoError(t, err)
	require.NotNil(t, core)
	require.Same(t, kk.Item, core.Child("Kind"))
}
