// Package orderedindex implements the ordered container backing each side of
// the book: a B+ tree keyed by (price, sequence), with nodes held in an arena
// and addressed by integer index instead of native pointers. Leaves form a
// doubly linked chain so ranged iteration steps between adjacent slices in
// O(1) once positioned.
package orderedindex

import (
	"errors"
	"sort"

	"github.com/shopspring/decimal"
)

var (
	// ErrKeyExists is returned by Insert when the key is already present.
	ErrKeyExists = errors.New("orderedindex: key exists")
	// ErrKeyNotFound is returned by Remove when the key is absent.
	ErrKeyNotFound = errors.New("orderedindex: key not found")
)

// Key is the composite ordering key: price first, insertion sequence second.
type Key struct {
	Price decimal.Decimal
	Seq   uint64
}

// Compare returns -1, 0 or 1 ordering k relative to o.
func (k Key) Compare(o Key) int {
	if c := k.Price.Cmp(o.Price); c != 0 {
		return c
	}
	switch {
	case k.Seq < o.Seq:
		return -1
	case k.Seq > o.Seq:
		return 1
	}
	return 0
}

const (
	// maxKeys is the node fan-out. Leaves are the iteration unit, so the
	// value trades tree height against slice copy cost on split.
	maxKeys = 16

	nilNode = int32(-1)
)

type node[V any] struct {
	leaf bool
	n    int
	keys [maxKeys]Key

	// internal nodes: n+1 children; keys[i] is the minimum key reachable
	// through children[i+1].
	children [maxKeys + 1]int32

	// leaf nodes: values parallel to keys, plus the leaf chain.
	values [maxKeys]V
	next   int32
	prev   int32
}

// Tree is a persistent ordered index over (price, sequence) keys. Not safe
// for concurrent use; the owning market serializes access.
type Tree[V any] struct {
	arena   []node[V]
	free    []int32
	root    int32
	size    int
	version uint64
}

// New returns an empty tree whose root is a single empty leaf.
func New[V any]() *Tree[V] {
	t := &Tree[V]{root: nilNode}
	t.root = t.alloc(true)
	return t
}

// Len returns the number of entries.
func (t *Tree[V]) Len() int { return t.size }

func (t *Tree[V]) alloc(leaf bool) int32 {
	if len(t.free) > 0 {
		idx := t.free[len(t.free)-1]
		t.free = t.free[:len(t.free)-1]
		t.arena[idx] = node[V]{leaf: leaf, next: nilNode, prev: nilNode}
		return idx
	}
	t.arena = append(t.arena, node[V]{leaf: leaf, next: nilNode, prev: nilNode})
	return int32(len(t.arena) - 1)
}

func (t *Tree[V]) release(idx int32) {
	var zero node[V]
	t.arena[idx] = zero
	t.free = append(t.free, idx)
}

// lowerBound returns the first slot in nd whose key is >= k.
func lowerBound[V any](nd *node[V], k Key) int {
	return sort.Search(nd.n, func(i int) bool { return nd.keys[i].Compare(k) >= 0 })
}

// childIndex returns the child slot to descend into for key k.
func childIndex[V any](nd *node[V], k Key) int {
	return sort.Search(nd.n, func(i int) bool { return k.Compare(nd.keys[i]) < 0 })
}

// Get returns the value stored under k.
func (t *Tree[V]) Get(k Key) (V, bool) {
	idx := t.root
	for {
		nd := &t.arena[idx]
		if nd.leaf {
			slot := lowerBound(nd, k)
			if slot < nd.n && nd.keys[slot].Compare(k) == 0 {
				return nd.values[slot], true
			}
			var zero V
			return zero, false
		}
		idx = nd.children[childIndex(nd, k)]
	}
}

// Insert stores v under k. Fails with ErrKeyExists if k is present.
func (t *Tree[V]) Insert(k Key, v V) error {
	split, sep, right, err := t.insertInto(t.root, k, v)
	if err != nil {
		return err
	}
	if split {
		newRoot := t.alloc(false)
		nr := &t.arena[newRoot]
		nr.n = 1
		nr.keys[0] = sep
		nr.children[0] = t.root
		nr.children[1] = right
		t.root = newRoot
	}
	t.size++
	t.version++
	return nil
}

func (t *Tree[V]) insertInto(idx int32, k Key, v V) (bool, Key, int32, error) {
	nd := &t.arena[idx]
	if nd.leaf {
		return t.insertLeaf(idx, k, v)
	}
	ci := childIndex(nd, k)
	split, sep, right, err := t.insertInto(nd.children[ci], k, v)
	if err != nil || !split {
		return false, Key{}, nilNode, err
	}
	// Reload: the arena may have grown during the recursive call.
	nd = &t.arena[idx]
	if nd.n < maxKeys {
		copy(nd.keys[ci+1:nd.n+1], nd.keys[ci:nd.n])
		copy(nd.children[ci+2:nd.n+2], nd.children[ci+1:nd.n+1])
		nd.keys[ci] = sep
		nd.children[ci+1] = right
		nd.n++
		return false, Key{}, nilNode, nil
	}
	promoted, newRight := t.splitInternal(idx, ci, sep, right)
	return true, promoted, newRight, nil
}

// splitInternal inserts (sep, right) into the full internal node at idx,
// splits it in two, and returns the promoted separator plus the new right
// node for the parent to absorb.
func (t *Tree[V]) splitInternal(idx int32, ci int, sep Key, right int32) (Key, int32) {
	// Assemble the overflowing key/child arrays.
	var keys [maxKeys + 1]Key
	var children [maxKeys + 2]int32
	nd := &t.arena[idx]
	copy(keys[:ci], nd.keys[:ci])
	keys[ci] = sep
	copy(keys[ci+1:], nd.keys[ci:nd.n])
	copy(children[:ci+1], nd.children[:ci+1])
	children[ci+1] = right
	copy(children[ci+2:], nd.children[ci+1:nd.n+1])

	total := maxKeys + 1
	mid := total / 2
	newIdx := t.alloc(false)
	left := &t.arena[idx]
	rightNode := &t.arena[newIdx]

	left.n = mid
	copy(left.keys[:mid], keys[:mid])
	copy(left.children[:mid+1], children[:mid+1])

	rightNode.n = total - mid - 1
	copy(rightNode.keys[:rightNode.n], keys[mid+1:total])
	copy(rightNode.children[:rightNode.n+1], children[mid+1:total+1])

	return keys[mid], newIdx
}

func (t *Tree[V]) insertLeaf(idx int32, k Key, v V) (bool, Key, int32, error) {
	nd := &t.arena[idx]
	slot := lowerBound(nd, k)
	if slot < nd.n && nd.keys[slot].Compare(k) == 0 {
		return false, Key{}, nilNode, ErrKeyExists
	}
	if nd.n < maxKeys {
		copy(nd.keys[slot+1:nd.n+1], nd.keys[slot:nd.n])
		copy(nd.values[slot+1:nd.n+1], nd.values[slot:nd.n])
		nd.keys[slot] = k
		nd.values[slot] = v
		nd.n++
		return false, Key{}, nilNode, nil
	}

	// Overflowing leaf: distribute across the old leaf and a new right leaf.
	var keys [maxKeys + 1]Key
	var values [maxKeys + 1]V
	copy(keys[:slot], nd.keys[:slot])
	keys[slot] = k
	copy(keys[slot+1:], nd.keys[slot:nd.n])
	copy(values[:slot], nd.values[:slot])
	values[slot] = v
	copy(values[slot+1:], nd.values[slot:nd.n])

	total := maxKeys + 1
	mid := total / 2
	newIdx := t.alloc(true)
	left := &t.arena[idx]
	right := &t.arena[newIdx]

	left.n = mid
	copy(left.keys[:mid], keys[:mid])
	copy(left.values[:mid], values[:mid])
	var zero V
	for i := mid; i < maxKeys; i++ {
		left.values[i] = zero
	}

	right.n = total - mid
	copy(right.keys[:right.n], keys[mid:total])
	copy(right.values[:right.n], values[mid:total])

	// Stitch the leaf chain.
	right.next = left.next
	right.prev = idx
	if left.next != nilNode {
		t.arena[left.next].prev = newIdx
	}
	left.next = newIdx

	return true, right.keys[0], newIdx, nil
}

// Remove deletes k and returns its value. Fails with ErrKeyNotFound if absent.
// Leaves that empty out are unlinked and released; internal nodes collapse
// when they lose their last child, so the height never grows on delete.
func (t *Tree[V]) Remove(k Key) (V, error) {
	v, emptied, err := t.removeFrom(t.root, k)
	if err != nil {
		var zero V
		return zero, err
	}
	if emptied {
		// Only the root can remain empty; reset it to an empty leaf.
		t.arena[t.root] = node[V]{leaf: true, next: nilNode, prev: nilNode}
	}
	// Collapse single-child internal roots.
	for {
		nd := &t.arena[t.root]
		if nd.leaf || nd.n > 0 {
			break
		}
		old := t.root
		t.root = nd.children[0]
		t.release(old)
	}
	t.size--
	t.version++
	return v, nil
}

func (t *Tree[V]) removeFrom(idx int32, k Key) (V, bool, error) {
	nd := &t.arena[idx]
	if nd.leaf {
		slot := lowerBound(nd, k)
		if slot >= nd.n || nd.keys[slot].Compare(k) != 0 {
			var zero V
			return zero, false, ErrKeyNotFound
		}
		v := nd.values[slot]
		copy(nd.keys[slot:nd.n-1], nd.keys[slot+1:nd.n])
		copy(nd.values[slot:nd.n-1], nd.values[slot+1:nd.n])
		nd.n--
		var zero V
		nd.values[nd.n] = zero
		return v, nd.n == 0, nil
	}

	ci := childIndex(nd, k)
	child := nd.children[ci]
	v, emptied, err := t.removeFrom(child, k)
	if err != nil {
		var zero V
		return zero, false, err
	}
	if !emptied {
		return v, false, nil
	}

	// Unlink the emptied child. Leaves also leave the leaf chain.
	cn := &t.arena[child]
	if cn.leaf {
		if cn.prev != nilNode {
			t.arena[cn.prev].next = cn.next
		}
		if cn.next != nilNode {
			t.arena[cn.next].prev = cn.prev
		}
	}
	t.release(child)

	nd = &t.arena[idx]
	if nd.n == 0 {
		// Single-child internal node lost its only child.
		return v, true, nil
	}
	if ci == 0 {
		copy(nd.keys[0:nd.n-1], nd.keys[1:nd.n])
		copy(nd.children[0:nd.n], nd.children[1:nd.n+1])
	} else {
		copy(nd.keys[ci-1:nd.n-1], nd.keys[ci:nd.n])
		copy(nd.children[ci:nd.n], nd.children[ci+1:nd.n+1])
	}
	nd.n--
	return v, false, nil
}

// Min returns the smallest entry.
func (t *Tree[V]) Min() (Key, V, bool) {
	idx := t.root
	for {
		nd := &t.arena[idx]
		if nd.leaf {
			if nd.n == 0 {
				var zk Key
				var zv V
				return zk, zv, false
			}
			return nd.keys[0], nd.values[0], true
		}
		idx = nd.children[0]
	}
}

// Max returns the largest entry.
func (t *Tree[V]) Max() (Key, V, bool) {
	idx := t.root
	for {
		nd := &t.arena[idx]
		if nd.leaf {
			if nd.n == 0 {
				var zk Key
				var zv V
				return zk, zv, false
			}
			return nd.keys[nd.n-1], nd.values[nd.n-1], true
		}
		idx = nd.children[nd.n]
	}
}

// seekLeaf locates the leaf and slot of the first key >= k. The returned slot
// may equal the leaf's length, meaning the position is in the next leaf.
func (t *Tree[V]) seekLeaf(k Key) (int32, int) {
	idx := t.root
	for {
		nd := &t.arena[idx]
		if nd.leaf {
			return idx, lowerBound(nd, k)
		}
		idx = nd.children[childIndex(nd, k)]
	}
}
