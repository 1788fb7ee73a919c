package skiplist

import (
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/stretchr/testify/require"
)

func collect(s *List[int]) []int {
	var keys []int
	for k := range s.All() {
		keys = append(keys, k)
	}
	return keys
}

func TestInsertOrder(t *testing.T) {
	s := NewSeeded[int](1, 2)
	require.NoError(t, s.InsertFirst(10))
	require.NoError(t, s.InsertAfter(20, 10))
	require.NoError(t, s.InsertAfter(15, 10))
	require.NoError(t, s.InsertFirst(5))
	require.NoError(t, s.InsertLast(30))
	require.Equal(t, []int{5, 10, 15, 20, 30}, collect(s))
	require.NoError(t, s.Validate())

	i, err := s.IndexOf(15)
	require.NoError(t, err)
	require.Equal(t, 2, i)
	k, err := s.KeyAt(4)
	require.NoError(t, err)
	require.Equal(t, 30, k)
}

func TestDuplicateAndMissing(t *testing.T) {
	s := NewSeeded[int](3, 4)
	require.NoError(t, s.InsertFirst(1))
	require.ErrorIs(t, s.InsertFirst(1), ErrDuplicate)
	require.ErrorIs(t, s.InsertAfter(2, 99), ErrNotFound)
	require.ErrorIs(t, s.Remove(99), ErrNotFound)
	_, err := s.IndexOf(99)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.KeyAt(5)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRemove(t *testing.T) {
	s := NewSeeded[int](5, 6)
	for i := 0; i < 100; i++ {
		require.NoError(t, s.InsertLast(i))
	}
	for i := 0; i < 100; i += 2 {
		require.NoError(t, s.Remove(i))
	}
	require.Equal(t, 50, s.Len())
	require.NoError(t, s.Validate())
	for i := 0; i < 50; i++ {
		k, err := s.KeyAt(i)
		require.NoError(t, err)
		require.Equal(t, 2*i+1, k)
	}
}

func TestNextPrev(t *testing.T) {
	s := NewSeeded[int](7, 8)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.InsertLast(i))
	}
	k, ok, err := s.Next(2)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 3, k)
	k, ok, err = s.Prev(2)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, k)
	_, ok, err = s.Next(4)
	require.NoError(t, err)
	require.False(t, ok)
	_, ok, err = s.Prev(0)
	require.NoError(t, err)
	require.False(t, ok)

	first, ok := s.First()
	require.True(t, ok)
	require.Equal(t, 0, first)
	last, ok := s.Last()
	require.True(t, ok)
	require.Equal(t, 4, last)
}

// TestShuffleByMoves reorders 1000 keys 25 times purely through MoveAfter /
// MoveFirst and checks the ranked structure after every pass.
func TestShuffleByMoves(t *testing.T) {
	const n = 1000
	s := NewSeeded[int](9, 10)
	for i := 0; i < n; i++ {
		require.NoError(t, s.InsertLast(i))
	}
	rng := rand.New(rand.NewPCG(42, 43))

	for pass := 0; pass < 25; pass++ {
		want := make([]int, n)
		for i := range want {
			want[i] = i
		}
		rng.Shuffle(n, func(i, j int) { want[i], want[j] = want[j], want[i] })

		// Rebuild the order left to right: move each key into place after
		// its intended predecessor.
		require.NoError(t, s.MoveFirst(want[0]))
		for i := 1; i < n; i++ {
			require.NoError(t, s.MoveAfter(want[i], want[i-1]))
		}

		require.Equal(t, want, collect(s))
		require.Equal(t, n, s.Len())
		require.NoError(t, s.Validate())

		for trial := 0; trial < 50; trial++ {
			i := rng.IntN(n)
			k, err := s.KeyAt(i)
			require.NoError(t, err)
			idx, err := s.IndexOf(k)
			require.NoError(t, err)
			require.Equal(t, i, idx)
		}
	}
}

func TestRandomOps(t *testing.T) {
	s := NewSeeded[int](11, 12)
	rng := rand.New(rand.NewPCG(44, 45))
	var live []int
	next := 0
	for step := 0; step < 3000; step++ {
		switch {
		case len(live) == 0 || rng.IntN(3) == 0:
			pos := 0
			if len(live) > 0 {
				pos = rng.IntN(len(live) + 1)
			}
			if pos == 0 {
				require.NoError(t, s.InsertFirst(next))
			} else {
				require.NoError(t, s.InsertAfter(next, live[pos-1]))
			}
			live = slices.Insert(live, pos, next)
			next++
		case rng.IntN(2) == 0:
			pos := rng.IntN(len(live))
			require.NoError(t, s.Remove(live[pos]))
			live = slices.Delete(live, pos, pos+1)
		default:
			from := rng.IntN(len(live))
			key := live[from]
			live = slices.Delete(live, from, from+1)
			if len(live) == 0 || rng.IntN(len(live)+1) == 0 {
				require.NoError(t, s.MoveFirst(key))
				live = slices.Insert(live, 0, key)
			} else {
				after := rng.IntN(len(live))
				require.NoError(t, s.MoveAfter(key, live[after]))
				live = slices.Insert(live, after+1, key)
			}
		}
		if step%250 == 0 {
			require.NoError(t, s.Validate())
			require.Equal(t, live, collect(s))
		}
	}
	require.NoError(t, s.Validate())
	require.Equal(t, live, collect(s))
}
