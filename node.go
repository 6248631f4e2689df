// Copyright (c) 2025 Karl Gaissmaier
// SPDX-License-Identifier: MIT

package cspp

import (
	"runtime"
	"sync/atomic"
	"unsafe"

	"github.com/gaissmai/cspp/internal/bitset"
)

// Node encoding, all arena resident and addressed by 32-bit offsets.
//
//	+0  meta word, the only mutable word of a node, always accessed
//	    atomically once the node is published
//	+8  label prefix bytes, padded to 8, immutable after publication
//	+_  child map, one of two layouts selected at node creation:
//
//	linear:  cap entries of 8 bytes each, {branch byte | child offset},
//	         entries [0,cnt) are published, the rest are zero
//	dense:   a 256-bitmap (4 words) followed by 256 child offset slots
//
// The meta word packs:
//
//	bits  0..31  value slot offset (0 = none)
//	bits 32..47  child count (linear layout only)
//	bits 48..55  label length
//	bit  56      terminal flag
//	bit  57      dense layout
//	bit  58      writer lock (multi-writer level only)
//	bit  59      dead, node was superseded and awaits lazy free
//	bits 60..61  linear capacity code, cap = 4<<code
//
// Terminal flag and value offset travel in the same word, so
// mark-final publishes both with a single atomic store and readers
// can never observe a terminal node without its value slot.
const (
	metaCntShift = 32
	metaCntMask  = 0xFFFF
	metaLenShift = 48
	metaLenMask  = 0xFF
	metaFinalBit = 1 << 56
	metaDenseBit = 1 << 57
	metaLockBit  = 1 << 58
	metaDeadBit  = 1 << 59
	metaCapShift = 60
	metaCapMask  = 0x3

	maxLabelLen  = 255
	minLinearCap = 4
	maxLinearCap = 16

	denseBitmapSize = 32   // 4 words
	denseSlotsSize  = 1024 // 256 * 4 bytes

	// lockSpinLimit bounds the spin before yielding the CPU while
	// waiting for a node writer lock.
	lockSpinLimit = 256
)

func metaVal(m uint64) uint32    { return uint32(m) }
func metaChildCnt(m uint64) int  { return int(m>>metaCntShift) & metaCntMask }
func metaLabelLen(m uint64) int  { return int(m>>metaLenShift) & metaLenMask }
func metaIsFinal(m uint64) bool  { return m&metaFinalBit != 0 }
func metaIsDense(m uint64) bool  { return m&metaDenseBit != 0 }
func metaIsLocked(m uint64) bool { return m&metaLockBit != 0 }
func metaIsDead(m uint64) bool   { return m&metaDeadBit != 0 }
func metaLinearCap(m uint64) int { return minLinearCap << (int(m>>metaCapShift) & metaCapMask) }

func metaWithCnt(m uint64, cnt int) uint64 {
	return m&^uint64(metaCntMask<<metaCntShift) | uint64(cnt)<<metaCntShift
}

func metaWithFinal(m uint64, valOff uint32) uint64 {
	return m&^uint64(^uint32(0)) | uint64(valOff) | metaFinalBit
}

func packMeta(valOff uint32, cnt, labelLen int, final, dense bool, capCode int) uint64 {
	m := uint64(valOff) |
		uint64(cnt)<<metaCntShift |
		uint64(labelLen)<<metaLenShift |
		uint64(capCode)<<metaCapShift
	if final {
		m |= metaFinalBit
	}
	if dense {
		m |= metaDenseBit
	}
	return m
}

// capCodeFor returns the capacity code of the smallest linear layout
// holding at least n children.
func capCodeFor(n int) int {
	code := 0
	for minLinearCap<<code < n {
		code++
	}
	return code
}

func pad8(n int) int { return (n + 7) &^ 7 }

func linearNodeSize(labelLen, capacity int) int {
	return 8 + pad8(labelLen) + capacity*8
}

func denseNodeSize(labelLen int) int {
	return 8 + pad8(labelLen) + denseBitmapSize + denseSlotsSize
}

// nodeSize recomputes the allocation size of a node from its meta
// word, needed when the cell is handed to the lazy free queue.
func nodeSize(m uint64) int {
	if metaIsDense(m) {
		return denseNodeSize(metaLabelLen(m))
	}
	return linearNodeSize(metaLabelLen(m), metaLinearCap(m))
}

// child entry of the linear layout, zero means empty
func packEntry(b byte, child uint32) uint64 {
	return uint64(child) | uint64(b)<<32
}

func entryChild(e uint64) uint32 { return uint32(e) }
func entryByte(e uint64) byte    { return byte(e >> 32) }

// ---- node accessors, all relative to the node offset ----

func (t *Trie) nodeMeta(off uint32) *uint64 {
	return t.mem.U64(off)
}

func (t *Trie) loadMeta(off uint32) uint64 {
	return atomic.LoadUint64(t.nodeMeta(off))
}

func (t *Trie) nodeLabel(off uint32, m uint64) []byte {
	return t.mem.Bytes(off+8, metaLabelLen(m))
}

func childBase(off uint32, m uint64) uint32 {
	return off + 8 + uint32(pad8(metaLabelLen(m)))
}

func (t *Trie) bitmapWord(base uint32, w int) *uint64 {
	return t.mem.U64(base + uint32(w)*8)
}

// denseBits views the in-arena bitmap of a dense node as a BitSet256,
// plain access, only valid on unpublished nodes.
func (t *Trie) denseBits(base uint32) *bitset.BitSet256 {
	return (*bitset.BitSet256)(unsafe.Pointer(t.mem.U64(base)))
}

// bitmapSnapshot copies the dense bitmap out of the arena with atomic
// word loads.
func (t *Trie) bitmapSnapshot(base uint32) (bs bitset.BitSet256) {
	for w := range 4 {
		bs[w] = atomic.LoadUint64(t.bitmapWord(base, w))
	}
	return bs
}

func (t *Trie) denseSlot(base uint32, b byte) *uint32 {
	return t.mem.U32(base + denseBitmapSize + 4*uint32(b))
}

func (t *Trie) linearEntry(base uint32, i int) *uint64 {
	return t.mem.U64(base + 8*uint32(i))
}

// childRef remembers where the reference to a node lives, so fork,
// split and layout promotion can swing the parent entry.
type childRef struct {
	parent uint32 // parent node offset, 0 for the trie root reference
	word   uint32 // absolute offset of the referencing word
	dense  bool   // uint32 slot vs. packed uint64 entry
}

// findChild looks up branch byte b in the child map. ref locates the
// referencing word for a subsequent swing.
func (t *Trie) findChild(off uint32, m uint64, b byte) (child uint32, ref childRef, ok bool) {
	base := childBase(off, m)
	if metaIsDense(m) {
		word := atomic.LoadUint64(t.bitmapWord(base, int(b>>6)))
		if word&(1<<(b&63)) == 0 {
			return 0, ref, false
		}
		slot := t.denseSlot(base, b)
		child = atomic.LoadUint32(slot)
		if child == 0 {
			return 0, ref, false
		}
		ref = childRef{parent: off, word: base + denseBitmapSize + 4*uint32(b), dense: true}
		return child, ref, true
	}

	cnt := metaChildCnt(m)
	for i := range cnt {
		e := atomic.LoadUint64(t.linearEntry(base, i))
		if e != 0 && entryByte(e) == b {
			ref = childRef{parent: off, word: base + 8*uint32(i)}
			return entryChild(e), ref, true
		}
	}
	return 0, ref, false
}

// swingChild redirects the referencing word from the old to the new
// node. Publication point of fork, split and promotion.
func (t *Trie) swingChild(ref childRef, newOff uint32) {
	if ref.parent == 0 {
		// the root node is never superseded
		panic("cspp: swing on root reference")
	}
	if ref.dense {
		atomic.StoreUint32(t.mem.U32(ref.word), newOff)
		return
	}
	e := atomic.LoadUint64(t.mem.U64(ref.word))
	atomic.StoreUint64(t.mem.U64(ref.word), packEntry(entryByte(e), newOff))
}

// ---- node construction, cells are private until the parent swing ----

// newLinearNode writes a fresh linear node, the cell comes zeroed from
// the arena.
func (t *Trie) newLinearNode(label []byte, final bool, valOff uint32, capCode int) (off uint32, ok bool) {
	capacity := minLinearCap << capCode
	off, ok = t.mem.Alloc(linearNodeSize(len(label), capacity))
	if !ok {
		return 0, false
	}
	copy(t.mem.Bytes(off+8, len(label)), label)
	*t.nodeMeta(off) = packMeta(valOff, 0, len(label), final, false, capCode)
	return off, true
}

func (t *Trie) newDenseNode(label []byte, final bool, valOff uint32) (off uint32, ok bool) {
	off, ok = t.mem.Alloc(denseNodeSize(len(label)))
	if !ok {
		return 0, false
	}
	copy(t.mem.Bytes(off+8, len(label)), label)
	*t.nodeMeta(off) = packMeta(valOff, 0, len(label), final, true, 0)
	return off, true
}

// setChildRaw installs a child on an unpublished node, no atomics.
func (t *Trie) setChildRaw(off uint32, b byte, child uint32) {
	m := *t.nodeMeta(off)
	base := childBase(off, m)
	if metaIsDense(m) {
		*t.denseSlot(base, b) = child
		t.denseBits(base).MustSet(uint(b))
		return
	}
	cnt := metaChildCnt(m)
	*t.linearEntry(base, cnt) = packEntry(b, child)
	*t.nodeMeta(off) = metaWithCnt(m, cnt+1)
}

// cloneShrunk copies a node with its label cut down to label[from:],
// child map and terminal state carried over verbatim. Used by fork and
// split, the suffix node shares the children of the superseded node.
func (t *Trie) cloneShrunk(off uint32, m uint64, from int) (clone uint32, ok bool) {
	label := t.nodeLabel(off, m)[from:]
	srcBase := childBase(off, m)

	if metaIsDense(m) {
		clone, ok = t.newDenseNode(label, metaIsFinal(m), metaVal(m))
		if !ok {
			return 0, false
		}
		dstBase := childBase(clone, *t.nodeMeta(clone))
		copy(t.mem.Bytes(dstBase, denseBitmapSize+denseSlotsSize),
			t.mem.Bytes(srcBase, denseBitmapSize+denseSlotsSize))
		return clone, true
	}

	capCode := int(m>>metaCapShift) & metaCapMask
	clone, ok = t.newLinearNode(label, metaIsFinal(m), metaVal(m), capCode)
	if !ok {
		return 0, false
	}
	cnt := metaChildCnt(m)
	dstBase := childBase(clone, *t.nodeMeta(clone))
	copy(t.mem.Bytes(dstBase, cnt*8), t.mem.Bytes(srcBase, cnt*8))
	*t.nodeMeta(clone) = metaWithCnt(*t.nodeMeta(clone), cnt)
	return clone, true
}

// freeUnpublished returns a never published node cell straight to the
// fastbins, used for rollback on out-of-memory.
func (t *Trie) freeUnpublished(off uint32) {
	if off == 0 {
		return
	}
	t.mem.Free(off, nodeSize(*t.nodeMeta(off)))
}

// ---- writer lock, multi-writer level only ----

// lockNode claims the writer bit of the meta word with a bounded spin.
// ok is false when the node is dead, the caller then restarts its
// descent from the root.
func (t *Trie) lockNode(off uint32) (m uint64, ok bool) {
	p := t.nodeMeta(off)
	spins := 0
	for {
		m = atomic.LoadUint64(p)
		if metaIsDead(m) {
			return m, false
		}
		if !metaIsLocked(m) && atomic.CompareAndSwapUint64(p, m, m|metaLockBit) {
			return m, true
		}
		if spins++; spins > lockSpinLimit {
			spins = 0
			runtime.Gosched()
		}
	}
}

// unlockNode publishes newMeta and drops the lock bit in one store.
func (t *Trie) unlockNode(off uint32, newMeta uint64) {
	atomic.StoreUint64(t.nodeMeta(off), newMeta&^uint64(metaLockBit))
}

// branchBytes collects the sorted branch bytes of a node, used by the
// iterator and the dumper.
func (t *Trie) branchBytes(off uint32, m uint64, buf []byte) []byte {
	base := childBase(off, m)
	if metaIsDense(m) {
		bs := t.bitmapSnapshot(base)
		for _, b := range bs.AsSlice(make([]uint, 0, 256)) {
			buf = append(buf, byte(b))
		}
		return buf
	}
	cnt := metaChildCnt(m)
	for i := range cnt {
		if e := atomic.LoadUint64(t.linearEntry(base, i)); e != 0 {
			buf = append(buf, entryByte(e))
		}
	}
	// linear entries are in append order
	for i := 1; i < len(buf); i++ {
		for j := i; j > 0 && buf[j-1] > buf[j]; j-- {
			buf[j-1], buf[j] = buf[j], buf[j-1]
		}
	}
	return buf
}
