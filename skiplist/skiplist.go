// Package skiplist implements a ranked skip list: an ordered sequence of
// unique keys with expected O(log n) insertion, removal, repositioning and
// positional queries (key at index, index of key).
//
// Unlike a search skip list, the sequence is ordered by explicit position,
// not by key comparison: every mutation names the key it goes after. Each
// node stores, per level, prev/next pointers and the distance (count of
// bottom-level steps) to the next node at that level; positional queries
// descend levels using the distances to skip runs of elements.
//
// A List is not safe for concurrent use; callers serialize access per list.
package skiplist

import (
	"errors"
	"fmt"
	"iter"
	"math/rand/v2"
)

var (
	ErrNotFound  = errors.New("skiplist: key not found")
	ErrDuplicate = errors.New("skiplist: duplicate key")
)

// MaxLevel caps node height. 32 levels comfortably cover any practical
// element count at p=1/2.
const MaxLevel = 32

type point[K comparable] struct {
	prev, next *node[K]
	dist       int // bottom-level steps from this node to next at this level
}

type node[K comparable] struct {
	key    K
	points []point[K]
}

func (n *node[K]) level() int { return len(n.points) }

// List is a ranked skip list over keys of type K.
type List[K comparable] struct {
	head  *node[K]
	nodes map[K]*node[K]
	rng   *rand.Rand
}

// New returns an empty list with a random level source.
func New[K comparable]() *List[K] {
	return NewSeeded[K](rand.Uint64(), rand.Uint64())
}

// NewSeeded returns an empty list with a deterministic level source,
// for reproducible tests.
func NewSeeded[K comparable](seed1, seed2 uint64) *List[K] {
	head := &node[K]{points: make([]point[K], MaxLevel)}
	for l := range head.points {
		head.points[l].dist = 1 // head sits at virtual index -1, tail at Len()
	}
	return &List[K]{
		head:  head,
		nodes: make(map[K]*node[K]),
		rng:   rand.New(rand.NewPCG(seed1, seed2)),
	}
}

func (s *List[K]) Len() int { return len(s.nodes) }

// Contains reports whether key is in the list.
func (s *List[K]) Contains(key K) bool {
	_, ok := s.nodes[key]
	return ok
}

func (s *List[K]) randomLevel() int {
	lvl := 1
	for lvl < MaxLevel && s.rng.Uint64()&1 == 1 {
		lvl++
	}
	return lvl
}

// IndexOf returns the zero-based position of key.
func (s *List[K]) IndexOf(key K) (int, error) {
	n := s.nodes[key]
	if n == nil {
		return 0, fmt.Errorf("%w: %v", ErrNotFound, key)
	}
	return s.indexOfNode(n), nil
}

// indexOfNode climbs from the node toward the head, at each hop moving to
// the predecessor at the node's own top level. Each hop tends to reach a
// taller node, so the walk is expected O(log n).
func (s *List[K]) indexOfNode(n *node[K]) int {
	sum := 0
	cur := n
	for cur != s.head {
		top := cur.level() - 1
		prev := cur.points[top].prev
		sum += prev.points[top].dist
		cur = prev
	}
	return sum - 1
}

// KeyAt returns the key at zero-based position i.
func (s *List[K]) KeyAt(i int) (K, error) {
	var zero K
	if i < 0 || i >= s.Len() {
		return zero, fmt.Errorf("%w: index %d out of range [0,%d)", ErrNotFound, i, s.Len())
	}
	cur := s.head
	idx := -1
	for l := MaxLevel - 1; l >= 0; l-- {
		for cur.points[l].next != nil && idx+cur.points[l].dist <= i {
			idx += cur.points[l].dist
			cur = cur.points[l].next
		}
	}
	return cur.key, nil
}

// InsertFirst inserts key at the head of the sequence.
func (s *List[K]) InsertFirst(key K) error {
	return s.insertAt(key, 0, 0)
}

// InsertAfter inserts key immediately after the existing key after.
func (s *List[K]) InsertAfter(key K, after K) error {
	an := s.nodes[after]
	if an == nil {
		return fmt.Errorf("%w: after key %v", ErrNotFound, after)
	}
	return s.insertAt(key, s.indexOfNode(an)+1, 0)
}

// InsertLast appends key at the tail of the sequence.
func (s *List[K]) InsertLast(key K) error {
	return s.insertAt(key, s.Len(), 0)
}

// insertAt inserts key at position pos. forcedLevel, when nonzero, pins the
// new node's height (used by Move to keep untouched levels stable).
func (s *List[K]) insertAt(key K, pos int, forcedLevel int) error {
	if _, dup := s.nodes[key]; dup {
		return fmt.Errorf("%w: %v", ErrDuplicate, key)
	}
	lvl := forcedLevel
	if lvl == 0 {
		lvl = s.randomLevel()
	}

	var update [MaxLevel]*node[K]
	var rank [MaxLevel]int
	cur := s.head
	idx := -1
	for l := MaxLevel - 1; l >= 0; l-- {
		for cur.points[l].next != nil && idx+cur.points[l].dist < pos {
			idx += cur.points[l].dist
			cur = cur.points[l].next
		}
		update[l] = cur
		rank[l] = idx
	}

	nd := &node[K]{key: key, points: make([]point[K], lvl)}
	for l := 0; l < lvl; l++ {
		next := update[l].points[l].next
		oldDist := update[l].points[l].dist
		nd.points[l].next = next
		nd.points[l].prev = update[l]
		nd.points[l].dist = rank[l] + oldDist + 1 - pos
		update[l].points[l].next = nd
		update[l].points[l].dist = pos - rank[l]
		if next != nil {
			next.points[l].prev = nd
		}
	}
	for l := lvl; l < MaxLevel; l++ {
		update[l].points[l].dist++
	}
	s.nodes[key] = nd
	return nil
}

// Remove splices key out of every level it appears in.
func (s *List[K]) Remove(key K) error {
	n := s.nodes[key]
	if n == nil {
		return fmt.Errorf("%w: %v", ErrNotFound, key)
	}
	s.removeNode(n)
	delete(s.nodes, key)
	return nil
}

func (s *List[K]) removeNode(n *node[K]) {
	// Decrement spanning distances above the node's height first, while the
	// node's prev pointers are still intact. The climb finds, for each level
	// >= the node's height, the rightmost node to the left tall enough to
	// span it.
	cur := n
	for lvl := n.level(); lvl < MaxLevel; lvl++ {
		for cur.level() <= lvl {
			top := cur.level() - 1
			cur = cur.points[top].prev
		}
		cur.points[lvl].dist--
	}
	for l := 0; l < n.level(); l++ {
		prev := n.points[l].prev
		next := n.points[l].next
		prev.points[l].dist += n.points[l].dist - 1
		prev.points[l].next = next
		if next != nil {
			next.points[l].prev = prev
		}
		n.points[l].prev, n.points[l].next = nil, nil
	}
}

// MoveAfter repositions key immediately after after, preserving the node's
// height so that distances on levels the key does not occupy change only by
// the two splices.
func (s *List[K]) MoveAfter(key K, after K) error {
	n := s.nodes[key]
	if n == nil {
		return fmt.Errorf("%w: %v", ErrNotFound, key)
	}
	an := s.nodes[after]
	if an == nil {
		return fmt.Errorf("%w: after key %v", ErrNotFound, after)
	}
	if n == an {
		return fmt.Errorf("skiplist: cannot move %v after itself", key)
	}
	lvl := n.level()
	s.removeNode(n)
	delete(s.nodes, key)
	return s.insertAt(key, s.indexOfNode(an)+1, lvl)
}

// MoveFirst repositions key at the head of the sequence.
func (s *List[K]) MoveFirst(key K) error {
	n := s.nodes[key]
	if n == nil {
		return fmt.Errorf("%w: %v", ErrNotFound, key)
	}
	lvl := n.level()
	s.removeNode(n)
	delete(s.nodes, key)
	return s.insertAt(key, 0, lvl)
}

// First returns the first key, if any.
func (s *List[K]) First() (K, bool) {
	var zero K
	n := s.head.points[0].next
	if n == nil {
		return zero, false
	}
	return n.key, true
}

// Last returns the last key, if any.
func (s *List[K]) Last() (K, bool) {
	var zero K
	if s.Len() == 0 {
		return zero, false
	}
	k, err := s.KeyAt(s.Len() - 1)
	if err != nil {
		return zero, false
	}
	return k, true
}

// Next returns the key following key, if any.
func (s *List[K]) Next(key K) (K, bool, error) {
	var zero K
	n := s.nodes[key]
	if n == nil {
		return zero, false, fmt.Errorf("%w: %v", ErrNotFound, key)
	}
	next := n.points[0].next
	if next == nil {
		return zero, false, nil
	}
	return next.key, true, nil
}

// Prev returns the key preceding key, if any.
func (s *List[K]) Prev(key K) (K, bool, error) {
	var zero K
	n := s.nodes[key]
	if n == nil {
		return zero, false, fmt.Errorf("%w: %v", ErrNotFound, key)
	}
	prev := n.points[0].prev
	if prev == s.head {
		return zero, false, nil
	}
	return prev.key, true, nil
}

// All iterates keys in sequence order.
func (s *List[K]) All() iter.Seq[K] {
	return func(yield func(K) bool) {
		for n := s.head.points[0].next; n != nil; n = n.points[0].next {
			if !yield(n.key) {
				return
			}
		}
	}
}

// Validate checks the structural invariants:
//
//   - bottom-level prev/next pointers are mutually consistent and the walk
//     visits exactly Len() nodes;
//   - at every level, distances from head to tail sum to Len()+1 (the extra
//     step leaves the head sentinel);
//   - levels above the bottom contain subsets of the bottom level's keys in
//     consistent order.
func (s *List[K]) Validate() error {
	count := 0
	prev := s.head
	for n := s.head.points[0].next; n != nil; n = n.points[0].next {
		if n.points[0].prev != prev {
			return fmt.Errorf("skiplist: prev pointer of %v inconsistent", n.key)
		}
		if s.nodes[n.key] != n {
			return fmt.Errorf("skiplist: node %v missing from key map", n.key)
		}
		prev = n
		count++
	}
	if count != len(s.nodes) {
		return fmt.Errorf("skiplist: bottom walk visited %d nodes, key map has %d", count, len(s.nodes))
	}

	bottomRank := make(map[K]int, count)
	i := 0
	for n := s.head.points[0].next; n != nil; n = n.points[0].next {
		bottomRank[n.key] = i
		i++
	}

	for l := 0; l < MaxLevel; l++ {
		sum := 0
		lastRank := -1
		for n := s.head; n != nil; n = n.points[l].next {
			if l < n.level() || n == s.head {
				sum += n.points[l].dist
			}
			if n != s.head {
				r, ok := bottomRank[n.key]
				if !ok {
					return fmt.Errorf("skiplist: level %d contains key %v absent from bottom level", l, n.key)
				}
				if r <= lastRank {
					return fmt.Errorf("skiplist: level %d out of order at key %v", l, n.key)
				}
				if actual := r - lastRank; n.points[l].prev.points[l].dist != actual {
					return fmt.Errorf("skiplist: level %d distance into %v is %d, want %d",
						l, n.key, n.points[l].prev.points[l].dist, actual)
				}
				lastRank = r
			}
		}
		if sum != len(s.nodes)+1 {
			return fmt.Errorf("skiplist: level %d distances sum to %d, want %d", l, sum, len(s.nodes)+1)
		}
	}
	return nil
}
