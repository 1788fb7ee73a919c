package chest

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// castSetup creates a movie with three actors and returns the pieces the
// collection tests poke at.
func castSetup(t *testing.T, v *View) (gig *Item, actors *RefList, people []*Item) {
	t.Helper()
	folder, movie, person := installTestSchema(t, v)
	data := newItem(t, folder, "data", nil)
	gig = newItem(t, movie, "Gig", data)
	for _, name := range []string{"Kate", "Leo", "Ada"} {
		p := newItem(t, person, name, data)
		require.NoError(t, p.SetAttribute("name", name))
		people = append(people, p)
	}
	var err error
	actors, err = gig.RefList("actors")
	require.NoError(t, err)
	for _, p := range people {
		require.NoError(t, actors.Add(p))
	}
	return gig, actors, people
}

func TestCollectionOrderAndMoves(t *testing.T) {
	r := openTestRepo(t)
	v := openTestView(t, r)
	gig, actors, people := castSetup(t, v)
	kate, leo, ada := people[0], people[1], people[2]

	require.Equal(t, 3, actors.Len())
	first, ok := actors.First()
	require.True(t, ok)
	require.Equal(t, kate.UUID(), first)

	require.NoError(t, actors.MoveFirst(ada))
	require.NoError(t, actors.MoveAfter(kate, leo.UUID()))
	want := []uuid.UUID{ada.UUID(), leo.UUID(), kate.UUID()}
	require.Equal(t, want, actors.memberIDs())

	// adding a present member is a no-op, order untouched
	require.NoError(t, actors.Add(leo))
	require.Equal(t, want, actors.memberIDs())

	at, err := actors.At(1)
	require.NoError(t, err)
	require.Equal(t, leo.UUID(), at)
	pos, err := actors.IndexOf(kate.UUID())
	require.NoError(t, err)
	require.Equal(t, 2, pos)

	require.NoError(t, v.Commit())
	require.NoError(t, r.Read(func(v2 *View) error {
		g, err := v2.Find(gig.UUID())
		require.NoError(t, err)
		reloaded, err := g.RefList("actors")
		require.NoError(t, err)
		require.Equal(t, want, reloaded.memberIDs())
		return nil
	}))
}

func TestInverseMaintenance(t *testing.T) {
	r := openTestRepo(t)
	v := openTestView(t, r)
	gig, actors, people := castSetup(t, v)
	kate := people[0]

	movies, err := kate.Collection("movies")
	require.NoError(t, err)
	require.True(t, movies.Contains(gig.UUID()))

	// removal retracts the inverse
	require.NoError(t, actors.Remove(kate))
	require.False(t, movies.Contains(gig.UUID()))

	// adding through the inverse side establishes the forward entry
	require.NoError(t, movies.Add(gig))
	require.True(t, actors.Contains(kate.UUID()))
	require.NoError(t, v.Check())
}

func TestSingleRefInverseRelinks(t *testing.T) {
	r := openTestRepo(t)
	v := openTestView(t, r)
	ns, err := v.Namespace("test")
	require.NoError(t, err)
	person, err := ns.Update("Person", nil, map[string]Aspects{
		"spouse": {Type: TypeRef, OtherName: "spouse"},
	})
	require.NoError(t, err)
	folder, err := ns.Update("Folder", nil, nil)
	require.NoError(t, err)
	data := newItem(t, folder, "data", nil)
	a := newItem(t, person, "a", data)
	b := newItem(t, person, "b", data)
	c := newItem(t, person, "c", data)

	require.NoError(t, a.SetAttribute("spouse", b))
	got, err := b.GetAttribute("spouse")
	require.NoError(t, err)
	require.Equal(t, RefTo(a), got)

	// relinking a frees b
	require.NoError(t, a.SetAttribute("spouse", c))
	_, err = b.GetAttribute("spouse")
	require.ErrorIs(t, err, ErrNoValue)
	got, err = c.GetAttribute("spouse")
	require.NoError(t, err)
	require.Equal(t, RefTo(a), got)
	require.NoError(t, v.Check())
}

func TestAttributeIndexOrdering(t *testing.T) {
	r := openTestRepo(t)
	v := openTestView(t, r)
	_, actors, people := castSetup(t, v)
	kate, leo, ada := people[0], people[1], people[2]

	ix, err := actors.AddIndex("byName", IndexAttribute, IndexOptions{Attribute: "name"})
	require.NoError(t, err)
	got, err := ix.Ordered()
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{ada.UUID(), kate.UUID(), leo.UUID()}, got)

	// a scalar write on a member re-sorts the index
	require.NoError(t, kate.SetAttribute("name", "Zelda"))
	got, err = ix.Ordered()
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{ada.UUID(), leo.UUID(), kate.UUID()}, got)

	pos, err := ix.Position(leo.UUID())
	require.NoError(t, err)
	require.Equal(t, 1, pos)
	at, err := ix.At(0)
	require.NoError(t, err)
	require.Equal(t, ada.UUID(), at)
}

func TestStringIndexCollation(t *testing.T) {
	r := openTestRepo(t)
	v := openTestView(t, r)
	_, actors, people := castSetup(t, v)
	kate, leo, ada := people[0], people[1], people[2]
	require.NoError(t, kate.SetAttribute("name", "école"))
	require.NoError(t, leo.SetAttribute("name", "Zoo"))
	require.NoError(t, ada.SetAttribute("name", "abc"))

	ix, err := actors.AddIndex("collated", IndexString, IndexOptions{Attribute: "name", Locale: "fr"})
	require.NoError(t, err)
	got, err := ix.Ordered()
	require.NoError(t, err)
	// collation is case- and accent-aware, unlike byte order
	require.Equal(t, []uuid.UUID{ada.UUID(), kate.UUID(), leo.UUID()}, got)
}

func TestDescendingIndex(t *testing.T) {
	r := openTestRepo(t)
	v := openTestView(t, r)
	_, actors, people := castSetup(t, v)
	kate, leo, ada := people[0], people[1], people[2]

	ix, err := actors.AddIndex("reverse", IndexAttribute, IndexOptions{Attribute: "name", Descending: true})
	require.NoError(t, err)
	got, err := ix.Ordered()
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{leo.UUID(), kate.UUID(), ada.UUID()}, got)
}

func TestIndexSurvivesReload(t *testing.T) {
	r := openTestRepo(t)
	v := openTestView(t, r)
	gig, actors, people := castSetup(t, v)
	kate, leo, ada := people[0], people[1], people[2]
	_, err := actors.AddIndex("byName", IndexAttribute, IndexOptions{Attribute: "name"})
	require.NoError(t, err)
	require.NoError(t, v.Commit())

	require.NoError(t, r.Read(func(v2 *View) error {
		g, err := v2.Find(gig.UUID())
		require.NoError(t, err)
		reloaded, err := g.RefList("actors")
		require.NoError(t, err)
		ix, err := reloaded.Index("byName")
		require.NoError(t, err)
		got, err := ix.Ordered()
		require.NoError(t, err)
		require.Equal(t, []uuid.UUID{ada.UUID(), kate.UUID(), leo.UUID()}, got)
		return nil
	}))
}

func TestDeferredReindexing(t *testing.T) {
	r := openTestRepo(t)
	v := openTestView(t, r)
	_, actors, people := castSetup(t, v)
	kate, leo, ada := people[0], people[1], people[2]

	ix, err := actors.AddIndex("byName", IndexAttribute, IndexOptions{Attribute: "name"})
	require.NoError(t, err)
	_, err = ix.Ordered()
	require.NoError(t, err)

	err = v.ReindexingDeferred(func() error {
		require.NoError(t, kate.SetAttribute("name", "Zelda"))
		require.NoError(t, leo.SetAttribute("name", "Bob"))
		require.True(t, ix.Stale())
		_, qerr := ix.Ordered()
		require.ErrorIs(t, qerr, ErrReindexPending)
		return nil
	})
	require.NoError(t, err)

	// one rebuild at scope exit, same result as immediate maintenance
	require.False(t, ix.Stale())
	got, err := ix.Ordered()
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{ada.UUID(), leo.UUID(), kate.UUID()}, got)
}

func TestDeferredReindexingNests(t *testing.T) {
	r := openTestRepo(t)
	v := openTestView(t, r)
	_, actors, people := castSetup(t, v)
	kate := people[0]

	ix, err := actors.AddIndex("byName", IndexAttribute, IndexOptions{Attribute: "name"})
	require.NoError(t, err)
	_, err = ix.Ordered()
	require.NoError(t, err)

	err = v.ReindexingDeferred(func() error {
		inner := v.ReindexingDeferred(func() error {
			require.NoError(t, kate.SetAttribute("name", "Zelda"))
			return nil
		})
		require.NoError(t, inner)
		// the inner scope exiting must not flush while the outer is open
		require.True(t, ix.Stale())
		_, qerr := ix.Ordered()
		require.ErrorIs(t, qerr, ErrReindexPending)
		return nil
	})
	require.NoError(t, err)
	require.False(t, ix.Stale())
}

func TestDeferredReindexingSurvivesPanic(t *testing.T) {
	r := openTestRepo(t)
	v := openTestView(t, r)
	_, actors, people := castSetup(t, v)
	kate := people[0]

	ix, err := actors.AddIndex("byName", IndexAttribute, IndexOptions{Attribute: "name"})
	require.NoError(t, err)
	_, err = ix.Ordered()
	require.NoError(t, err)

	require.Panics(t, func() {
		_ = v.ReindexingDeferred(func() error {
			require.NoError(t, kate.SetAttribute("name", "Zelda"))
			panic("callback failure")
		})
	})

	// the scope unwound: the view is not stuck deferring, and the index
	// flushed on the way out
	require.False(t, ix.Stale())
	got, err := ix.Ordered()
	require.NoError(t, err)
	require.Len(t, got, 3)
}

func TestSetCollectionAttribute(t *testing.T) {
	r := openTestRepo(t)
	v := openTestView(t, r)
	folder, movie, person := installTestSchema(t, v)
	data := newItem(t, folder, "data", nil)
	gig := newItem(t, movie, "Gig", data)
	kate := newItem(t, person, "Kate", data)
	leo := newItem(t, person, "Leo", data)

	require.NoError(t, gig.SetAttribute("actors", []*Item{kate, leo}))
	actors, err := gig.RefList("actors")
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{kate.UUID(), leo.UUID()}, actors.memberIDs())

	// nil clears, retracting inverses
	require.NoError(t, gig.SetAttribute("actors", nil))
	require.Equal(t, 0, actors.Len())
	movies, err := kate.Collection("movies")
	require.NoError(t, err)
	require.False(t, movies.Contains(gig.UUID()))

	// a collection owned by another attribute cannot be grafted on
	other := newItem(t, movie, "Other", data)
	otherActors, err := other.RefList("actors")
	require.NoError(t, err)
	require.NoError(t, otherActors.Add(kate))
	err = gig.SetAttribute("actors", otherActors)
	require.ErrorIs(t, err, ErrOwnedValue)
}

func TestSubsetSuperset(t *testing.T) {
	r := openTestRepo(t)
	v := openTestView(t, r)
	gig, actors, people := castSetup(t, v)

	mk, err := gig.Kind()
	require.NoError(t, err)
	sequel := newItem(t, mk, "Gig 2", gig.Parent())
	cast2, err := sequel.RefList("actors")
	require.NoError(t, err)
	require.NoError(t, cast2.Add(people[0]))

	require.True(t, cast2.IsSubsetOf(actors))
	require.False(t, actors.IsSubsetOf(cast2))
	require.True(t, actors.IsSupersetOf(cast2))
	require.False(t, cast2.IsSupersetOf(actors))
}
