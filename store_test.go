package chest

import (
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type backendCase struct {
	name string
	open func(t *testing.T, dir string) *Repository
}

func storeBackends() []backendCase {
	return []backendCase{
		{"pagestore", func(t *testing.T, dir string) *Repository {
			r, err := Open(filepath.Join(dir, "chest.db"), Options{IsTesting: true})
			require.NoError(t, err)
			return r
		}},
		{"files", func(t *testing.T, dir string) *Repository {
			r, err := OpenDir(dir, Options{})
			require.NoError(t, err)
			return r
		}},
	}
}

func TestStoreRoundTrip(t *testing.T) {
	for _, b := range storeBackends() {
		t.Run(b.name, func(t *testing.T) {
			dir := t.TempDir()
			r := b.open(t, dir)

			var gigID, kateID, leoID uuid.UUID
			require.NoError(t, r.Write(func(v *View) error {
				folder, movie, person := installTestSchema(t, v)
				data := newItem(t, folder, "data", nil)
				gig := newItem(t, movie, "Gig", data)
				require.NoError(t, gig.SetAttribute("title", "Gig"))
				require.NoError(t, gig.SetAttribute("year", 2004))
				kate := newItem(t, person, "Kate", data)
				leo := newItem(t, person, "Leo", data)
				actors, err := gig.RefList("actors")
				require.NoError(t, err)
				require.NoError(t, actors.Add(leo))
				require.NoError(t, actors.Add(kate))
				require.NoError(t, actors.MoveFirst(kate))
				gigID, kateID, leoID = gig.UUID(), kate.UUID(), leo.UUID()
				return nil
			}))
			require.NoError(t, r.Close())

			r2 := b.open(t, dir)
			defer r2.Close()
			require.NoError(t, r2.Read(func(v *View) error {
				require.Contains(t, v.RootNames(), "data")
				require.Contains(t, v.RootNames(), "schema")

				gig, err := v.Find("//data/Gig")
				require.NoError(t, err)
				require.NotNil(t, gig)
				require.Equal(t, gigID, gig.UUID())
				require.Equal(t, "Gig", getString(t, gig, "title"))
				year, err := gig.GetAttribute("year")
				require.NoError(t, err)
				require.Equal(t, int64(2004), year)

				actors, err := gig.RefList("actors")
				require.NoError(t, err)
				require.Equal(t, []uuid.UUID{kateID, leoID}, actors.memberIDs())

				kate, err := v.Find(kateID)
				require.NoError(t, err)
				movies, err := kate.Collection("movies")
				require.NoError(t, err)
				require.True(t, movies.Contains(gigID))
				return v.Check()
			}))
		})
	}
}

func TestStoreDeleteSurvivesReopen(t *testing.T) {
	for _, b := range storeBackends() {
		t.Run(b.name, func(t *testing.T) {
			dir := t.TempDir()
			r := b.open(t, dir)
			var id uuid.UUID
			require.NoError(t, r.Write(func(v *View) error {
				folder, _, _ := installTestSchema(t, v)
				data := newItem(t, folder, "data", nil)
				id = newItem(t, folder, "doomed", data).UUID()
				return nil
			}))
			require.NoError(t, r.Write(func(v *View) error {
				it, err := v.Find(id)
				require.NoError(t, err)
				return it.Delete(false)
			}))
			require.NoError(t, r.Close())

			r2 := b.open(t, dir)
			defer r2.Close()
			require.NoError(t, r2.Read(func(v *View) error {
				got, err := v.Find(id)
				require.NoError(t, err)
				require.Nil(t, got)
				data, err := v.Find("//data")
				require.NoError(t, err)
				require.Nil(t, data.Child("doomed"))
				return nil
			}))
		})
	}
}

func TestDeleteChildNamedLikeRoot(t *testing.T) {
	for _, b := range storeBackends() {
		t.Run(b.name, func(t *testing.T) {
			dir := t.TempDir()
			r := b.open(t, dir)
			defer r.Close()

			var dataID, childID uuid.UUID
			require.NoError(t, r.Write(func(v *View) error {
				folder, _, _ := installTestSchema(t, v)
				data := newItem(t, folder, "data", nil)
				other := newItem(t, folder, "other", nil)
				child := newItem(t, folder, "data", other)
				dataID, childID = data.UUID(), child.UUID()
				return nil
			}))
			require.NoError(t, r.Write(func(v *View) error {
				child, err := v.Find(childID)
				require.NoError(t, err)
				return child.Delete(false)
			}))

			// names are unique only among siblings, so deleting the child
			// must not shadow the root that shares its name
			require.NoError(t, r.Read(func(v *View) error {
				require.Contains(t, v.RootNames(), "data")
				root, err := v.Find("//data")
				require.NoError(t, err)
				require.NotNil(t, root)
				require.Equal(t, dataID, root.UUID())
				gone, err := v.Find(childID)
				require.NoError(t, err)
				require.Nil(t, gone)
				return nil
			}))
		})
	}
}

func TestStoreLoadChild(t *testing.T) {
	for _, b := range storeBackends() {
		t.Run(b.name, func(t *testing.T) {
			dir := t.TempDir()
			r := b.open(t, dir)
			defer r.Close()

			var dataID, kidID uuid.UUID
			require.NoError(t, r.Write(func(v *View) error {
				folder, _, _ := installTestSchema(t, v)
				data := newItem(t, folder, "data", nil)
				kid := newItem(t, folder, "kid", data)
				dataID, kidID = data.UUID(), kid.UUID()
				return nil
			}))
			st := r.Store()
			head, err := st.Version()
			require.NoError(t, err)

			rec, err := st.LoadChild(head, dataID, "kid")
			require.NoError(t, err)
			require.NotNil(t, rec)
			require.Equal(t, kidID, rec.ItemUUID())

			rec, err = st.LoadChild(head, dataID, "nope")
			require.NoError(t, err)
			require.Nil(t, rec)

			if st.MVCC() {
				// nothing hung off data at the bootstrap version
				rec, err = st.LoadChild(1, dataID, "kid")
				require.NoError(t, err)
				require.Nil(t, rec)
			}

			require.NoError(t, r.Write(func(v *View) error {
				kid, err := v.Find(kidID)
				require.NoError(t, err)
				return kid.Delete(false)
			}))
			head, err = st.Version()
			require.NoError(t, err)
			rec, err = st.LoadChild(head, dataID, "kid")
			require.NoError(t, err)
			require.Nil(t, rec)
			if st.MVCC() {
				// still resolvable at the pre-delete version
				rec, err = st.LoadChild(head-1, dataID, "kid")
				require.NoError(t, err)
				require.NotNil(t, rec)
				require.Equal(t, kidID, rec.ItemUUID())
			}
		})
	}
}

func TestBoltStoreVersionVisibility(t *testing.T) {
	r := openTestRepo(t)
	id := seedMovie(t, r)
	st := r.Store()
	require.True(t, st.MVCC())

	head, err := st.Version()
	require.NoError(t, err)

	// the item did not exist at the bootstrap version
	_, err = st.LoadItem(1, id)
	require.ErrorIs(t, err, ErrNotFoundAtVersion)

	rec, err := st.LoadItem(head, id)
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, "Gig", rec.Name)

	// an unknown UUID is a nil record, not an error
	rec, err = st.LoadItem(head, uuid.New())
	require.NoError(t, err)
	require.Nil(t, rec)
}

func TestBoltStoreOldVersionReads(t *testing.T) {
	r := openTestRepo(t)
	id := seedMovie(t, r)
	st := r.Store()
	v1, err := st.Version()
	require.NoError(t, err)

	require.NoError(t, r.Write(func(v *View) error {
		m, err := v.Find(id)
		require.NoError(t, err)
		return m.SetAttribute("title", "A")
	}))

	// the old version still reads the old record
	rec, err := st.LoadItem(v1, id)
	require.NoError(t, err)
	require.Equal(t, v1, rec.Version)
	found := false
	for _, vr := range rec.Values {
		if vr.Name == "title" {
			found = true
			require.Equal(t, "A0", vr.Str)
		}
	}
	require.True(t, found)
}

func TestBoltStoreChanges(t *testing.T) {
	r := openTestRepo(t)
	id := seedMovie(t, r)
	st := r.Store()
	since, err := st.Version()
	require.NoError(t, err)

	require.NoError(t, r.Write(func(v *View) error {
		m, err := v.Find(id)
		require.NoError(t, err)
		return m.SetAttribute("title", "A")
	}))
	head, err := st.Version()
	require.NoError(t, err)

	css, err := st.Changes(since, head)
	require.NoError(t, err)
	require.Len(t, css, 1)
	require.Equal(t, head, css[0].Version)
	require.Contains(t, css[0].Changed[id], "title")
}

func TestBoltStoreCommitConflict(t *testing.T) {
	r := openTestRepo(t)
	st := r.Store()
	head, err := st.Version()
	require.NoError(t, err)
	_, err = st.CommitBatch(head+5, nil, nil, &ChangeSet{})
	require.ErrorIs(t, err, ErrConflict)
}

func TestPurgeReclaimsOldVersions(t *testing.T) {
	r := openTestRepo(t)
	id := seedMovie(t, r)
	st := r.Store()
	created, err := st.Version()
	require.NoError(t, err)

	for _, title := range []string{"A1", "A2"} {
		require.NoError(t, r.Write(func(v *View) error {
			m, err := v.Find(id)
			require.NoError(t, err)
			return m.SetAttribute("title", title)
		}))
	}
	head, err := st.Version()
	require.NoError(t, err)

	purged, err := r.Purge(head)
	require.NoError(t, err)
	require.Greater(t, purged, 0)

	// old versions are gone, the head remains readable
	_, err = st.LoadItem(created, id)
	require.ErrorIs(t, err, ErrNotFoundAtVersion)
	rec, err := st.LoadItem(head, id)
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.NoError(t, r.Read(func(v *View) error {
		m, err := v.Find(id)
		require.NoError(t, err)
		require.Equal(t, "A2", getString(t, m, "title"))
		return nil
	}))
}

func TestPurgeRespectsOpenViews(t *testing.T) {
	r := openTestRepo(t)
	id := seedMovie(t, r)
	st := r.Store()
	created, err := st.Version()
	require.NoError(t, err)

	old := openTestView(t, r) // pins the current version
	require.NoError(t, r.Write(func(v *View) error {
		m, err := v.Find(id)
		require.NoError(t, err)
		return m.SetAttribute("title", "A1")
	}))
	head, err := st.Version()
	require.NoError(t, err)

	_, err = r.Purge(head)
	require.NoError(t, err)

	// the pinned version must still resolve for the open view
	rec, err := st.LoadItem(created, id)
	require.NoError(t, err)
	require.NotNil(t, rec)
	m, err := old.Find(id)
	require.NoError(t, err)
	require.Equal(t, "A0", getString(t, m, "title"))
}

func TestFileStoreKeepsNoHistory(t *testing.T) {
	dir := t.TempDir()
	r, err := OpenDir(dir, Options{})
	require.NoError(t, err)
	defer r.Close()
	id := seedMovie(t, r)

	st := r.Store()
	require.False(t, st.MVCC())
	_, err = st.Changes(0, 1)
	require.ErrorIs(t, err, ErrNoHistory)
	n, err := st.Purge(42)
	require.NoError(t, err)
	require.Zero(t, n)

	// refresh still works by treating every loaded item as touched
	v2, err := r.NewView("reader")
	require.NoError(t, err)
	defer v2.Close()
	m2, err := v2.Find(id)
	require.NoError(t, err)
	require.NoError(t, r.Write(func(v *View) error {
		m, err := v.Find(id)
		require.NoError(t, err)
		return m.SetAttribute("title", "A")
	}))
	require.NoError(t, v2.Refresh())
	require.Equal(t, "A", getString(t, m2, "title"))
}

func TestConfigOpensBackends(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "chest.yaml")
	writeFile(t, cfgPath, "path: "+filepath.Join(dir, "repo")+"\nbackend: files\n")

	c, err := LoadConfig(cfgPath)
	require.NoError(t, err)
	require.Equal(t, "files", c.Backend)
	r, err := c.Open(nil)
	require.NoError(t, err)
	require.NoError(t, r.Close())

	writeFile(t, cfgPath, "backend: files\n")
	_, err = LoadConfig(cfgPath)
	require.Error(t, err, "path is required")

	writeFile(t, cfgPath, "path: x\nbackend: cloud\n")
	_, err = LoadConfig(cfgPath)
	require.Error(t, err)
}
