// Copyright (c) 2025 Karl Gaissmaier
// SPDX-License-Identifier: MIT

package cspp

import "bytes"

// Iter is a lexicographic cursor over the trie. It carries its own
// reader token, whose acquire window pins every node the cursor may
// still revisit. Call Close when done, or TokenDetach to take over
// the token before the cursor goes away.
//
// The cursor sees a consistent trie: keys inserted after the token's
// acquire may or may not appear, keys present at acquire never
// disappear (the trie grows monotonically).
type Iter struct {
	trie   *Trie
	tok    *ReaderToken
	anchor uint32

	stack []iterFrame
	key   []byte
	val   []byte
}

type iterFrame struct {
	node    uint32
	keyLen  int    // truncation point of the key on pop
	kids    []byte // sorted branch byte snapshot, lazily built
	ki      int
	emitted bool
}

// NewIter returns a cursor anchored at root, 0 anchors at the trie
// root.
func (t *Trie) NewIter(root uint32) *Iter {
	if root == 0 {
		root = t.root
	}
	return &Iter{
		trie:   t,
		tok:    t.GrabReaderToken(),
		anchor: root,
	}
}

// SeekFirst positions at the lexicographically smallest key of the
// subtree, ok reports whether one exists.
func (it *Iter) SeekFirst() bool {
	t := it.trie
	m := t.loadMeta(it.anchor)

	it.key = append(it.key[:0], t.nodeLabel(it.anchor, m)...)
	it.stack = append(it.stack[:0], iterFrame{node: it.anchor})
	return it.advance()
}

// SeekPrefix positions at the smallest key with prefix p, Next then
// yields the remaining keys below p in order.
func (it *Iter) SeekPrefix(p []byte) bool {
	t := it.trie
	it.key = it.key[:0]
	it.stack = it.stack[:0]

	n := it.anchor
	i := 0
	for {
		m := t.loadMeta(n)
		label := t.nodeLabel(n, m)

		k := min(len(label), len(p)-i)
		if !bytes.Equal(label[:k], p[i:i+k]) {
			return false
		}
		i += k

		if i == len(p) {
			keyLen := len(it.key)
			it.key = append(it.key, label...)
			it.stack = append(it.stack, iterFrame{node: n, keyLen: keyLen})
			return it.advance()
		}

		child, _, ok := t.findChild(n, m, p[i])
		if !ok {
			return false
		}
		it.key = append(it.key, label...)
		it.key = append(it.key, p[i])
		n = child
		i++
	}
}

// Next advances to the next key in lexicographic order.
func (it *Iter) Next() bool { return it.advance() }

// Key is the current key, valid until the next reposition.
func (it *Iter) Key() []byte { return it.key }

// Value is the current value slot, valid while the token is live.
func (it *Iter) Value() []byte { return it.val }

// Update refreshes the carried token so a long-lived cursor stops
// pinning old reclamations. The stacked nodes may be superseded cells
// the new stamp no longer pins, so the cursor re-seeks its current
// key on the live path before resuming. A cursor anchored below the
// trie root keeps its stamp, an inner anchor has no stable address to
// re-seek from.
func (it *Iter) Update() {
	if it.tok == nil || it.anchor != it.trie.root {
		return
	}
	if len(it.stack) == 0 {
		it.tok.Update()
		return
	}
	key := append([]byte(nil), it.key...)
	it.tok.Update()
	it.reseek(key)
}

// reseek rebuilds the cursor stack for key, descending the live path
// from the anchor. The key was yielded under this trie and keys are
// never removed, so the walk cannot miss; the label boundaries may
// have been re-cut by splits since the key was yielded.
func (it *Iter) reseek(key []byte) {
	t := it.trie
	it.stack = it.stack[:0]
	it.key = append(it.key[:0], key...)

	n := it.anchor
	keyLen := 0
	i := 0
	for {
		m := t.loadMeta(n)
		i += metaLabelLen(m)

		if i == len(key) {
			it.stack = append(it.stack, iterFrame{node: n, keyLen: keyLen, emitted: true})
			return
		}

		b := key[i]
		kids := t.branchBytes(n, m, nil)
		ki := 0
		for ki < len(kids) && kids[ki] != b {
			ki++
		}
		it.stack = append(it.stack, iterFrame{node: n, keyLen: keyLen, kids: kids, ki: ki + 1, emitted: true})

		child, _, ok := t.findChild(n, m, b)
		if !ok {
			it.stack = it.stack[:0]
			return
		}
		keyLen = i
		n = child
		i++
	}
}

// TokenDetach separates cursor and token. The cursor is dead
// afterwards, the token is the caller's to release.
func (it *Iter) TokenDetach() *ReaderToken {
	tok := it.tok
	it.tok = nil
	it.stack = nil
	return tok
}

// Close detaches and releases the carried token.
func (it *Iter) Close() {
	if it.tok != nil {
		it.trie.PutReaderToken(it.tok)
		it.tok = nil
	}
	it.stack = nil
}

// advance runs the depth-first walk, terminal before children, child
// branches in byte order.
func (it *Iter) advance() bool {
	t := it.trie
	if it.tok == nil {
		return false
	}

	for len(it.stack) > 0 {
		f := &it.stack[len(it.stack)-1]
		m := t.loadMeta(f.node)

		if !f.emitted {
			f.emitted = true
			if metaIsFinal(m) {
				it.val = t.valueBytes(metaVal(m))
				return true
			}
		}

		if f.kids == nil {
			f.kids = t.branchBytes(f.node, m, nil)
		}
		if f.ki < len(f.kids) {
			b := f.kids[f.ki]
			f.ki++

			child, _, ok := t.findChild(f.node, m, b)
			if !ok {
				continue
			}
			cm := t.loadMeta(child)

			keyLen := len(it.key)
			it.key = append(it.key, b)
			it.key = append(it.key, t.nodeLabel(child, cm)...)
			it.stack = append(it.stack, iterFrame{node: child, keyLen: keyLen})
			continue
		}

		it.key = it.key[:f.keyLen]
		it.stack = it.stack[:len(it.stack)-1]
	}

	it.val = nil
	return false
}
