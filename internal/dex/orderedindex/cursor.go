package orderedindex

// Cursor walks the tree in key order, one leaf slice at a time. A cursor
// survives tree mutation: it remembers the last key it returned and, when it
// notices the tree's version changed, re-seeks past that key before stepping.
// Stepping within and between leaves is O(1); a re-seek costs one descent.
type Cursor[V any] struct {
	t       *Tree[V]
	version uint64
	node    int32
	slot    int
	reverse bool

	last    Key
	hasLast bool

	lo, hi *Key // inclusive bounds, nil for unbounded
}

// Ascend returns a cursor over entries >= from (or the minimum when from is
// nil), in ascending order.
func (t *Tree[V]) Ascend(from *Key) *Cursor[V] {
	c := &Cursor[V]{t: t, version: t.version}
	if from != nil {
		c.node, c.slot = t.seekLeaf(*from)
	} else {
		c.node, c.slot = t.minLeaf()
	}
	return c
}

// Descend returns a cursor over entries <= from (or the maximum when from is
// nil), in descending order.
func (t *Tree[V]) Descend(from *Key) *Cursor[V] {
	c := &Cursor[V]{t: t, version: t.version, reverse: true}
	if from != nil {
		node, slot := t.seekLeaf(*from)
		// seekLeaf lands on the first key >= from; step back unless it is
		// an exact hit.
		nd := &t.arena[node]
		if slot >= nd.n || nd.keys[slot].Compare(*from) > 0 {
			node, slot = t.stepBack(node, slot-1)
		}
		c.node, c.slot = node, slot
	} else {
		c.node, c.slot = t.maxLeaf()
	}
	return c
}

// Range returns an ascending cursor over keys in [lo, hi].
func (t *Tree[V]) Range(lo, hi Key) *Cursor[V] {
	c := t.Ascend(&lo)
	loCopy, hiCopy := lo, hi
	c.lo = &loCopy
	c.hi = &hiCopy
	return c
}

// Next returns the next entry, or ok=false when the cursor is exhausted or
// the next entry falls outside the cursor's bounds.
func (c *Cursor[V]) Next() (Key, V, bool) {
	var zk Key
	var zv V
	if c.t == nil {
		return zk, zv, false
	}
	if c.version != c.t.version {
		c.reseek()
	}
	node, slot := c.node, c.slot
	if node == nilNode {
		return zk, zv, false
	}
	nd := &c.t.arena[node]
	if slot < 0 || slot >= nd.n {
		if c.reverse {
			node, slot = c.t.stepBack(node, slot)
		} else {
			node, slot = c.t.stepForward(node, slot)
		}
		if node == nilNode {
			c.node = nilNode
			return zk, zv, false
		}
		nd = &c.t.arena[node]
	}
	k := nd.keys[slot]
	v := nd.values[slot]
	if c.lo != nil && k.Compare(*c.lo) < 0 {
		c.node = nilNode
		return zk, zv, false
	}
	if c.hi != nil && k.Compare(*c.hi) > 0 {
		c.node = nilNode
		return zk, zv, false
	}
	c.last = k
	c.hasLast = true
	if c.reverse {
		c.node, c.slot = node, slot-1
	} else {
		c.node, c.slot = node, slot+1
	}
	return k, v, true
}

// reseek repositions the cursor strictly past the last returned key after a
// tree mutation invalidated its position.
func (c *Cursor[V]) reseek() {
	c.version = c.t.version
	if !c.hasLast {
		if c.reverse {
			c.node, c.slot = c.t.maxLeaf()
		} else {
			c.node, c.slot = c.t.minLeaf()
		}
		return
	}
	node, slot := c.t.seekLeaf(c.last)
	if c.reverse {
		// Want the largest key strictly below last.
		c.node, c.slot = c.t.stepBack(node, slot-1)
		return
	}
	// Want the smallest key strictly above last.
	nd := &c.t.arena[node]
	if slot < nd.n && nd.keys[slot].Compare(c.last) == 0 {
		slot++
	}
	c.node, c.slot = node, slot
}

func (t *Tree[V]) minLeaf() (int32, int) {
	idx := t.root
	for {
		nd := &t.arena[idx]
		if nd.leaf {
			return idx, 0
		}
		idx = nd.children[0]
	}
}

func (t *Tree[V]) maxLeaf() (int32, int) {
	idx := t.root
	for {
		nd := &t.arena[idx]
		if nd.leaf {
			return idx, nd.n - 1
		}
		idx = nd.children[nd.n]
	}
}

// stepForward normalizes (node, slot) to the next occupied position.
func (t *Tree[V]) stepForward(node int32, slot int) (int32, int) {
	for node != nilNode {
		nd := &t.arena[node]
		if slot < nd.n {
			return node, slot
		}
		node = nd.next
		slot = 0
	}
	return nilNode, 0
}

// stepBack normalizes (node, slot) to the previous occupied position.
func (t *Tree[V]) stepBack(node int32, slot int) (int32, int) {
	for node != nilNode {
		nd := &t.arena[node]
		if slot > nd.n-1 {
			slot = nd.n - 1
		}
		if slot >= 0 {
			return node, slot
		}
		node = nd.prev
		if node != nilNode {
			slot = t.arena[node].n - 1
		}
	}
	return nilNode, 0
}
