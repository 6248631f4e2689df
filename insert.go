// Copyright (c) 2025 Karl Gaissmaier
// SPDX-License-Identifier: MIT

package cspp

import "sync/atomic"

// The three insert implementations behind the m_insert dispatch:
//
//	insertDisabled  NoWriteReadOnly and after SetReadonly
//	insertSingle    single writer levels, ordered stores, no locks
//	insertMulti     MultiWriteMultiRead, per-node writer locks
//
// All variants share the same walk and choose one of the four
// elementary mutations on divergence:
//
//	mark-final      key ends exactly at a non-terminal node
//	fork            key ends inside a compressed label
//	split           key diverges inside a compressed label
//	add-state-move  key diverges at the child map
//
// A node is never edited into a new shape in place. Mutations that
// change the shape build a fully populated replacement and swing the
// parent entry, the superseded cell goes to the lazy free queue.

func insertDisabled(t *Trie, key, val []byte, tok *WriterToken) bool {
	tok.value = nil
	return false
}

// ---- single writer, levels 1..3 ----

func insertSingle(t *Trie, key, val []byte, tok *WriterToken) bool {
	tok.value = nil

	n := t.root
	var pref childRef
	i := 0
	for {
		m := t.loadMeta(n)
		label := t.nodeLabel(n, m)

		d := 0
		for d < len(label) && i < len(key) && label[d] == key[i] {
			d++
			i++
		}
		if d < len(label) {
			if i < len(key) {
				return t.splitSingle(n, m, pref, d, key, i, val, tok)
			}
			return t.forkSingle(n, m, pref, d, val, tok)
		}

		if i == len(key) {
			if metaIsFinal(m) {
				tok.value = t.valueBytes(metaVal(m))
				return false
			}
			return t.markFinalSingle(n, m, val, tok)
		}

		b := key[i]
		child, ref, ok := t.findChild(n, m, b)
		if !ok {
			return t.addChildSingle(n, m, pref, b, key, i, val, tok)
		}
		pref = ref
		n = child
		i++
	}
}

// markFinalSingle publishes terminal bit and value offset with one
// meta store, the slot is initialized before it becomes visible.
func (t *Trie) markFinalSingle(n uint32, m uint64, val []byte, tok *WriterToken) bool {
	valOff, slot, ok := t.newValueSlot(val, tok)
	if !ok {
		return true // out-of-memory surface, token value stays nil
	}
	atomic.StoreUint64(t.nodeMeta(n), metaWithFinal(m, valOff))

	tok.value = slot
	t.nMarkFinal.Add(1)
	t.numWords.Add(1)
	return true
}

// addChildSingle installs a new leaf under n for branch byte key[i].
func (t *Trie) addChildSingle(n uint32, m uint64, pref childRef, b byte, key []byte, i int, val []byte, tok *WriterToken) bool {
	valOff, slot, ok := t.newValueSlot(val, tok)
	if !ok {
		return true
	}
	leaf, ok := t.newLeafChain(key[i+1:], valOff)
	if !ok {
		t.freeValueSlot(valOff)
		return true
	}

	base := childBase(n, m)
	switch {
	case metaIsDense(m):
		// slot first, then the bitmap bit, readers test the bit
		atomic.StoreUint32(t.denseSlot(base, b), leaf)
		w := t.bitmapWord(base, int(b>>6))
		atomic.StoreUint64(w, atomic.LoadUint64(w)|1<<(b&63))

	case metaChildCnt(m) < metaLinearCap(m):
		// append-then-publish-count
		cnt := metaChildCnt(m)
		atomic.StoreUint64(t.linearEntry(base, cnt), packEntry(b, leaf))
		atomic.StoreUint64(t.nodeMeta(n), metaWithCnt(m, cnt+1))

	default:
		// linear map is full, build a wider replacement
		repl, rok := t.promote(n, m, b, leaf)
		if !rok {
			t.freeChainUnpublished(leaf)
			t.freeValueSlot(valOff)
			return true
		}
		t.swingChild(pref, repl)
		t.deferFree(&tok.Token, n, nodeSize(m))
	}

	tok.value = slot
	t.nAddStateMove.Add(1)
	t.numWords.Add(1)
	return true
}

// splitSingle breaks the compressed label of n at divergence point d,
// a new branch node carries the common prefix with two continuations.
func (t *Trie) splitSingle(n uint32, m uint64, pref childRef, d int, key []byte, i int, val []byte, tok *WriterToken) bool {
	label := t.nodeLabel(n, m)

	valOff, slot, ok := t.newValueSlot(val, tok)
	if !ok {
		return true
	}
	leaf, ok := t.newLeafChain(key[i+1:], valOff)
	if !ok {
		t.freeValueSlot(valOff)
		return true
	}
	suffix, ok := t.cloneShrunk(n, m, d+1)
	if !ok {
		t.freeChainUnpublished(leaf)
		t.freeValueSlot(valOff)
		return true
	}
	branch, ok := t.newLinearNode(label[:d], false, 0, 0)
	if !ok {
		t.freeUnpublished(suffix)
		t.freeChainUnpublished(leaf)
		t.freeValueSlot(valOff)
		return true
	}
	t.setChildRaw(branch, label[d], suffix)
	t.setChildRaw(branch, key[i], leaf)

	t.swingChild(pref, branch)
	t.deferFree(&tok.Token, n, nodeSize(m))

	tok.value = slot
	t.nSplit.Add(1)
	t.numWords.Add(1)
	return true
}

// forkSingle handles a key that ends inside the compressed label of n,
// the branch node is terminal with a single continuation.
func (t *Trie) forkSingle(n uint32, m uint64, pref childRef, d int, val []byte, tok *WriterToken) bool {
	label := t.nodeLabel(n, m)

	valOff, slot, ok := t.newValueSlot(val, tok)
	if !ok {
		return true
	}
	suffix, ok := t.cloneShrunk(n, m, d+1)
	if !ok {
		t.freeValueSlot(valOff)
		return true
	}
	branch, ok := t.newLinearNode(label[:d], true, valOff, 0)
	if !ok {
		t.freeUnpublished(suffix)
		t.freeValueSlot(valOff)
		return true
	}
	t.setChildRaw(branch, label[d], suffix)

	t.swingChild(pref, branch)
	t.deferFree(&tok.Token, n, nodeSize(m))

	tok.value = slot
	t.nFork.Add(1)
	t.numWords.Add(1)
	return true
}

// ---- many writers, level 4 ----

// insertMulti retries the optimistic walk until a mutation attempt
// runs to completion. Restarts happen when a node was superseded or
// a competing writer changed the picture between walk and lock.
func insertMulti(t *Trie, key, val []byte, tok *WriterToken) bool {
	for {
		done, inserted := t.tryInsertMulti(key, val, tok)
		if done {
			return inserted
		}
	}
}

func (t *Trie) tryInsertMulti(key, val []byte, tok *WriterToken) (done, inserted bool) {
	tok.value = nil

	n := t.root
	var pref childRef
	i := 0
	for {
		m := t.loadMeta(n)
		if metaIsDead(m) {
			return false, false
		}
		label := t.nodeLabel(n, m)

		d := 0
		for d < len(label) && i < len(key) && label[d] == key[i] {
			d++
			i++
		}
		if d < len(label) {
			if i < len(key) {
				return t.splitMulti(n, pref, d, key, i, val, tok)
			}
			return t.forkMulti(n, pref, d, val, tok)
		}

		if i == len(key) {
			if metaIsFinal(m) {
				tok.value = t.valueBytes(metaVal(m))
				return true, false
			}
			return t.markFinalMulti(n, val, tok)
		}

		b := key[i]
		child, ref, ok := t.findChild(n, m, b)
		if !ok {
			return t.addChildMulti(n, pref, b, key, i, val, tok)
		}
		pref = ref
		n = child
		i++
	}
}

// lockEdge locks the parent of n and then n itself, top-down to stay
// deadlock free, and verifies the parent entry still references n.
func (t *Trie) lockEdge(pref childRef, n uint32) (pm, m uint64, ok bool) {
	pm, ok = t.lockNode(pref.parent)
	if !ok {
		return 0, 0, false
	}

	var cur uint32
	if pref.dense {
		cur = atomic.LoadUint32(t.mem.U32(pref.word))
	} else {
		cur = entryChild(atomic.LoadUint64(t.mem.U64(pref.word)))
	}
	if cur != n {
		t.unlockNode(pref.parent, pm)
		return 0, 0, false
	}

	m, ok = t.lockNode(n)
	if !ok {
		t.unlockNode(pref.parent, pm)
		return 0, 0, false
	}
	return pm, m, true
}

func (t *Trie) markFinalMulti(n uint32, val []byte, tok *WriterToken) (done, inserted bool) {
	m, ok := t.lockNode(n)
	if !ok {
		return false, false
	}
	if metaIsFinal(m) {
		t.unlockNode(n, m)
		tok.value = t.valueBytes(metaVal(m))
		return true, false
	}

	valOff, slot, ok := t.newValueSlot(val, tok)
	if !ok {
		t.unlockNode(n, m)
		return true, true
	}
	// terminal bit, value offset and lock release in one store
	t.unlockNode(n, metaWithFinal(m, valOff))

	tok.value = slot
	t.nMarkFinal.Add(1)
	t.numWords.Add(1)
	return true, true
}

func (t *Trie) addChildMulti(n uint32, pref childRef, b byte, key []byte, i int, val []byte, tok *WriterToken) (done, inserted bool) {
	m, ok := t.lockNode(n)
	if !ok {
		return false, false
	}
	// a competing writer may have installed the branch meanwhile
	if _, _, exists := t.findChild(n, m, b); exists {
		t.unlockNode(n, m)
		return false, false
	}

	if !metaIsDense(m) && metaChildCnt(m) >= metaLinearCap(m) {
		// full linear map, replacement needs the parent entry too
		t.unlockNode(n, m)
		return t.promoteMulti(n, pref, b, key, i, val, tok)
	}

	valOff, slot, vok := t.newValueSlot(val, tok)
	if !vok {
		t.unlockNode(n, m)
		return true, true
	}
	leaf, lok := t.newLeafChain(key[i+1:], valOff)
	if !lok {
		t.freeValueSlot(valOff)
		t.unlockNode(n, m)
		return true, true
	}

	base := childBase(n, m)
	if metaIsDense(m) {
		atomic.StoreUint32(t.denseSlot(base, b), leaf)
		w := t.bitmapWord(base, int(b>>6))
		atomic.StoreUint64(w, atomic.LoadUint64(w)|1<<(b&63))
		t.unlockNode(n, m)
	} else {
		cnt := metaChildCnt(m)
		atomic.StoreUint64(t.linearEntry(base, cnt), packEntry(b, leaf))
		t.unlockNode(n, metaWithCnt(m, cnt+1))
	}

	tok.value = slot
	t.nAddStateMove.Add(1)
	t.numWords.Add(1)
	return true, true
}

func (t *Trie) promoteMulti(n uint32, pref childRef, b byte, key []byte, i int, val []byte, tok *WriterToken) (done, inserted bool) {
	pm, m, ok := t.lockEdge(pref, n)
	if !ok {
		return false, false
	}
	if _, _, exists := t.findChild(n, m, b); exists {
		t.unlockNode(n, m)
		t.unlockNode(pref.parent, pm)
		return false, false
	}

	valOff, slot, vok := t.newValueSlot(val, tok)
	if !vok {
		t.unlockNode(n, m)
		t.unlockNode(pref.parent, pm)
		return true, true
	}
	leaf, lok := t.newLeafChain(key[i+1:], valOff)
	if !lok {
		t.freeValueSlot(valOff)
		t.unlockNode(n, m)
		t.unlockNode(pref.parent, pm)
		return true, true
	}

	repl, rok := t.promote(n, m, b, leaf)
	if !rok {
		t.freeChainUnpublished(leaf)
		t.freeValueSlot(valOff)
		t.unlockNode(n, m)
		t.unlockNode(pref.parent, pm)
		return true, true
	}

	t.swingChild(pref, repl)
	// supersede n, the store clears the lock and sets the dead bit
	atomic.StoreUint64(t.nodeMeta(n), m|metaDeadBit)
	t.unlockNode(pref.parent, pm)
	t.deferFree(&tok.Token, n, nodeSize(m))

	tok.value = slot
	t.nAddStateMove.Add(1)
	t.numWords.Add(1)
	return true, true
}

func (t *Trie) splitMulti(n uint32, pref childRef, d int, key []byte, i int, val []byte, tok *WriterToken) (done, inserted bool) {
	pm, m, ok := t.lockEdge(pref, n)
	if !ok {
		return false, false
	}
	label := t.nodeLabel(n, m)

	valOff, slot, vok := t.newValueSlot(val, tok)
	if !vok {
		t.unlockNode(n, m)
		t.unlockNode(pref.parent, pm)
		return true, true
	}
	leaf, lok := t.newLeafChain(key[i+1:], valOff)
	if !lok {
		t.freeValueSlot(valOff)
		t.unlockNode(n, m)
		t.unlockNode(pref.parent, pm)
		return true, true
	}
	suffix, sok := t.cloneShrunk(n, m, d+1)
	if !sok {
		t.freeChainUnpublished(leaf)
		t.freeValueSlot(valOff)
		t.unlockNode(n, m)
		t.unlockNode(pref.parent, pm)
		return true, true
	}
	branch, bok := t.newLinearNode(label[:d], false, 0, 0)
	if !bok {
		t.freeUnpublished(suffix)
		t.freeChainUnpublished(leaf)
		t.freeValueSlot(valOff)
		t.unlockNode(n, m)
		t.unlockNode(pref.parent, pm)
		return true, true
	}
	t.setChildRaw(branch, label[d], suffix)
	t.setChildRaw(branch, key[i], leaf)

	t.swingChild(pref, branch)
	atomic.StoreUint64(t.nodeMeta(n), m|metaDeadBit)
	t.unlockNode(pref.parent, pm)
	t.deferFree(&tok.Token, n, nodeSize(m))

	tok.value = slot
	t.nSplit.Add(1)
	t.numWords.Add(1)
	return true, true
}

func (t *Trie) forkMulti(n uint32, pref childRef, d int, val []byte, tok *WriterToken) (done, inserted bool) {
	pm, m, ok := t.lockEdge(pref, n)
	if !ok {
		return false, false
	}
	label := t.nodeLabel(n, m)

	valOff, slot, vok := t.newValueSlot(val, tok)
	if !vok {
		t.unlockNode(n, m)
		t.unlockNode(pref.parent, pm)
		return true, true
	}
	suffix, sok := t.cloneShrunk(n, m, d+1)
	if !sok {
		t.freeValueSlot(valOff)
		t.unlockNode(n, m)
		t.unlockNode(pref.parent, pm)
		return true, true
	}
	branch, bok := t.newLinearNode(label[:d], true, valOff, 0)
	if !bok {
		t.freeUnpublished(suffix)
		t.freeValueSlot(valOff)
		t.unlockNode(n, m)
		t.unlockNode(pref.parent, pm)
		return true, true
	}
	t.setChildRaw(branch, label[d], suffix)

	t.swingChild(pref, branch)
	atomic.StoreUint64(t.nodeMeta(n), m|metaDeadBit)
	t.unlockNode(pref.parent, pm)
	t.deferFree(&tok.Token, n, nodeSize(m))

	tok.value = slot
	t.nFork.Add(1)
	t.numWords.Add(1)
	return true, true
}

// ---- shared building blocks ----

// newValueSlot allocates and initializes a value slot. The slot is
// fully initialized before any publication, a reader can never see a
// half-written value. A nil return with ok=false is the out-of-memory
// surface, also used when the writer's InitValue hook refuses.
func (t *Trie) newValueSlot(val []byte, tok *WriterToken) (valOff uint32, slot []byte, ok bool) {
	if t.valSize == 0 {
		return 0, zeroValue, true
	}
	valOff, ok = t.mem.Alloc(t.valSize)
	if !ok {
		return 0, nil, false
	}
	slot = t.mem.Bytes(valOff, t.valSize)
	if tok.InitValue != nil {
		if !tok.InitValue(slot, val) {
			t.mem.Free(valOff, t.valSize)
			return 0, nil, false
		}
	} else {
		copy(slot, val)
	}
	return valOff, slot, true
}

func (t *Trie) freeValueSlot(valOff uint32) {
	if t.valSize > 0 {
		t.mem.Free(valOff, t.valSize)
	}
}

// newLeafChain builds the node chain for the unmatched key tail. A
// label holds at most 255 bytes, longer tails become a chain with one
// branch per link. The returned top node is unpublished.
func (t *Trie) newLeafChain(rest []byte, valOff uint32) (top uint32, ok bool) {
	if len(rest) <= maxLabelLen {
		return t.newLinearNode(rest, true, valOff, 0)
	}
	child, ok := t.newLeafChain(rest[maxLabelLen+1:], valOff)
	if !ok {
		return 0, false
	}
	top, ok = t.newLinearNode(rest[:maxLabelLen], false, 0, 0)
	if !ok {
		t.freeChainUnpublished(child)
		return 0, false
	}
	t.setChildRaw(top, rest[maxLabelLen], child)
	return top, true
}

// freeChainUnpublished rolls back a never published leaf chain, the
// value slot is freed by the caller.
func (t *Trie) freeChainUnpublished(off uint32) {
	for off != 0 {
		m := *t.nodeMeta(off)
		var next uint32
		if metaChildCnt(m) > 0 {
			next = entryChild(*t.linearEntry(childBase(off, m), 0))
		}
		t.mem.Free(off, nodeSize(m))
		off = next
	}
}

// promote builds the wider replacement of a full linear node with the
// extra child b already installed. The replacement is unpublished.
func (t *Trie) promote(n uint32, m uint64, b byte, leaf uint32) (repl uint32, ok bool) {
	label := t.nodeLabel(n, m)

	if metaLinearCap(m) >= maxLinearCap {
		repl, ok = t.newDenseNode(label, metaIsFinal(m), metaVal(m))
	} else {
		repl, ok = t.newLinearNode(label, metaIsFinal(m), metaVal(m), capCodeFor(metaChildCnt(m)+1))
	}
	if !ok {
		return 0, false
	}

	base := childBase(n, m)
	for j := range metaChildCnt(m) {
		e := atomic.LoadUint64(t.linearEntry(base, j))
		t.setChildRaw(repl, entryByte(e), entryChild(e))
	}
	t.setChildRaw(repl, b, leaf)
	return repl, true
}
