package chest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestRepo(t *testing.T) *Repository {
	t.Helper()
	r, err := Open(filepath.Join(t.TempDir(), "chest.db"), Options{IsTesting: true})
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func openTestView(t *testing.T, r *Repository) *View {
	t.Helper()
	v, err := r.NewView(t.Name())
	require.NoError(t, err)
	t.Cleanup(func() { v.Close() })
	return v
}

// installTestSchema declares the kinds most tests share: a plain container,
// and a movie/person pair linked through an actors/movies inverse.
func installTestSchema(t *testing.T, v *View) (folder, movie, person *Kind) {
	t.Helper()
	ns, err := v.Namespace("test")
	require.NoError(t, err)
	folder, err = ns.Update("Folder", nil, nil)
	require.NoError(t, err)
	person, err = ns.Update("Person", nil, map[string]Aspects{
		"name":   {Type: TypeString},
		"movies": {Cardinality: CardList, Type: TypeRef, OtherName: "actors"},
	})
	require.NoError(t, err)
	movie, err = ns.Update("Movie", nil, map[string]Aspects{
		"title":   {Type: TypeString},
		"body":    {Type: TypeString},
		"year":    {Type: TypeInt},
		"content": {Type: TypeLob},
		"actors":  {Cardinality: CardList, Type: TypeRef, OtherName: "movies"},
	})
	require.NoError(t, err)
	return folder, movie, person
}

func getString(t *testing.T, it *Item, name string) string {
	t.Helper()
	v, err := it.GetAttribute(name)
	require.NoError(t, err)
	s, ok := v.(string)
	require.True(t, ok, "attribute %s is %T, not string", name, v)
	return s
}

func newItem(t *testing.T, k *Kind, name string, parent *Item) *Item {
	t.Helper()
	it, err := k.NewItem(name, parent)
	require.NoError(t, err)
	return it
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}
