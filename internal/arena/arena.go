// Copyright (c) 2025 Karl Gaissmaier
// SPDX-License-Identifier: MIT

// Package arena implements the slab allocator backing the trie.
//
// All node and value storage lives in one contiguous region, addressed
// by 32-bit byte offsets instead of machine pointers. Offset 0 is
// reserved as the nil reference. Freed cells are parked in per-size
// class free lists (fastbins) and reused before the bump frontier
// grows.
//
// The allocator never returns memory to the OS before Close, freed
// cells only move between the fastbins and their callers. Deferred
// (version gated) freeing is the business of the token layer, the
// arena itself only distinguishes shared and unshared operation.
package arena

import (
	"errors"
	"math"
	"math/bits"
	"sync"
	"sync/atomic"
	"unsafe"
)

const (
	// AlignSize is the alignment of every offset handed out by Alloc.
	AlignSize = 8

	// NumClasses size classes: 8, 16, ... 2048 bytes.
	NumClasses = 9

	// MaxFastSize is the largest cell size served from a fastbin,
	// larger allocations go to the huge region.
	MaxFastSize = AlignSize << (NumClasses - 1)

	// spinLimit bounds CAS retry loops on the shared paths.
	spinLimit = 128
)

var (
	ErrMemTooLarge = errors.New("arena: max memory exceeds 32-bit offset range")
	ErrMemTooSmall = errors.New("arena: max memory too small")
)

// bin is one lock-free size class free list. The head word packs an
// ABA tag in the upper and the offset of the first free cell in the
// lower 32 bits. The next link of a parked cell is stored in the
// cell's first 4 bytes.
type bin struct {
	head  atomic.Uint64 // {tag:32 | off:32}
	count atomic.Int64
}

// hugeCell is a freed oversize cell, reused first-fit.
type hugeCell struct {
	off  uint32
	size uint32
}

// Arena is a contiguous slab carved into fastbin cells plus a huge
// region for oversize allocations.
type Arena struct {
	mem  []byte
	mem0 unsafe.Pointer // &mem[0], avoids bounds checks on hot paths

	capacity uint64
	frontier atomic.Uint64 // bump offset, starts at AlignSize

	shared  bool // multi-writer, CAS on bins and frontier
	virtual bool // anonymous mapping instead of heap slab

	bins [NumClasses]bin

	fragSize atomic.Uint64 // bytes parked in fastbins

	hugeMu   sync.Mutex
	hugeFree []hugeCell
	hugeSize atomic.Uint64 // live huge bytes
	hugeCnt  atomic.Uint64
}

// Stats is a point-in-time snapshot of the allocator.
type Stats struct {
	Fastbin  []int64 // entries per size class
	UsedSize uint64
	Capacity uint64
	FragSize uint64
	HugeSize uint64
	HugeCnt  uint64
}

// New reserves a slab of maxMem bytes. With virtual set the region is
// an anonymous mapping (reservation and commit are then separable on
// the host), otherwise a heap allocation. shared selects the CAS
// paths for multi-writer operation.
func New(maxMem uint64, virtual, shared bool) (*Arena, error) {
	if maxMem > math.MaxUint32 {
		return nil, ErrMemTooLarge
	}
	if maxMem < 4*AlignSize {
		return nil, ErrMemTooSmall
	}
	maxMem &^= AlignSize - 1

	mem, virtual, err := mapSlab(maxMem, virtual)
	if err != nil {
		return nil, err
	}

	a := &Arena{
		mem:      mem,
		mem0:     unsafe.Pointer(&mem[0]),
		capacity: maxMem,
		shared:   shared,
		virtual:  virtual,
	}
	// offset 0 is the nil reference
	a.frontier.Store(AlignSize)
	return a, nil
}

// Close releases the slab. No offset handed out by this arena may be
// dereferenced afterwards.
func (a *Arena) Close() error {
	mem := a.mem
	a.mem = nil
	a.mem0 = nil
	if a.virtual {
		return unmapSlab(mem)
	}
	return nil
}

// Bytes returns the n bytes at off as a slice into the slab.
func (a *Arena) Bytes(off uint32, n int) []byte {
	return unsafe.Slice((*byte)(unsafe.Add(a.mem0, off)), n)
}

// U32 returns the word at off for atomic access, off must be 4-aligned.
func (a *Arena) U32(off uint32) *uint32 {
	return (*uint32)(unsafe.Add(a.mem0, off))
}

// U64 returns the word at off for atomic access, off must be 8-aligned.
func (a *Arena) U64(off uint32) *uint64 {
	return (*uint64)(unsafe.Add(a.mem0, off))
}

// SizeClass maps a request size to its fastbin class and cell size.
// ok is false for oversize (huge) requests.
func SizeClass(n int) (class, size int, ok bool) {
	if n > MaxFastSize {
		return 0, align(n), false
	}
	if n <= AlignSize {
		return 0, AlignSize, true
	}
	class = bits.Len(uint(n-1)) - 3 // log2(ceilpow2(n)) - log2(8)
	return class, AlignSize << class, true
}

func align(n int) int {
	return (n + AlignSize - 1) &^ (AlignSize - 1)
}

// Alloc returns the offset of an aligned cell of at least n bytes, or
// ok=false when the configured memory limit would be exceeded. The
// cell content is zeroed, recycled cells are cleared before reuse and
// the frontier region is zero by construction.
func (a *Arena) Alloc(n int) (off uint32, ok bool) {
	if n <= 0 {
		n = AlignSize
	}
	class, size, fast := SizeClass(n)
	if !fast {
		return a.allocHuge(size)
	}

	if off, ok = a.popBin(class); ok {
		a.fragSize.Add(^uint64(size - 1)) // -= size
		clear(a.Bytes(off, size))
		return off, true
	}
	if off, ok = a.bump(size); ok {
		return off, true
	}
	return a.allocSplit(class)
}

// Free returns a cell to its fastbin, or to the huge free list for
// oversize cells. The caller asserts that no accessor can still reach
// the cell; the version gating lives a layer above.
func (a *Arena) Free(off uint32, n int) {
	if n <= 0 {
		n = AlignSize
	}
	class, size, fast := SizeClass(n)
	if !fast {
		a.freeHuge(off, uint32(size))
		return
	}
	clear(a.Bytes(off, size))
	a.pushBin(class, off)
	a.fragSize.Add(uint64(size))
}

// bump advances the frontier by size bytes.
func (a *Arena) bump(size int) (off uint32, ok bool) {
	if !a.shared {
		f := a.frontier.Load()
		if f+uint64(size) > a.capacity {
			return 0, false
		}
		a.frontier.Store(f + uint64(size))
		return uint32(f), true
	}
	for {
		f := a.frontier.Load()
		if f+uint64(size) > a.capacity {
			return 0, false
		}
		if a.frontier.CompareAndSwap(f, f+uint64(size)) {
			return uint32(f), true
		}
	}
}

// allocSplit carves a cell of class out of the smallest larger
// fastbin entry. The remainder decomposes into exactly one cell per
// class in between.
func (a *Arena) allocSplit(class int) (off uint32, ok bool) {
	for j := class + 1; j < NumClasses; j++ {
		off, ok = a.popBin(j)
		if !ok {
			continue
		}
		a.fragSize.Add(^uint64(AlignSize<<j - 1)) // -= 8<<j
		for k := j - 1; k >= class; k-- {
			rest := off + uint32(AlignSize<<k)
			a.pushBin(k, rest)
			a.fragSize.Add(uint64(AlignSize << k))
		}
		clear(a.Bytes(off, AlignSize<<class))
		return off, true
	}
	return 0, false
}

// popBin pops the head cell of class c, tag-CAS for ABA safety.
func (a *Arena) popBin(c int) (off uint32, ok bool) {
	b := &a.bins[c]
	if !a.shared {
		h := b.head.Load()
		off = uint32(h)
		if off == 0 {
			return 0, false
		}
		next := *a.U32(off)
		b.head.Store(h&^math.MaxUint32 | uint64(next))
		b.count.Add(-1)
		return off, true
	}
	for range spinLimit {
		h := b.head.Load()
		off = uint32(h)
		if off == 0 {
			return 0, false
		}
		next := atomic.LoadUint32(a.U32(off))
		newHead := (h>>32+1)<<32 | uint64(next)
		if b.head.CompareAndSwap(h, newHead) {
			b.count.Add(-1)
			return off, true
		}
	}
	// heavily contended, let the caller fall through to the frontier
	return 0, false
}

// pushBin parks a cell on the free list of class c.
func (a *Arena) pushBin(c int, off uint32) {
	b := &a.bins[c]
	if !a.shared {
		h := b.head.Load()
		*a.U32(off) = uint32(h)
		b.head.Store(h&^math.MaxUint32 | uint64(off))
		b.count.Add(1)
		return
	}
	for {
		h := b.head.Load()
		atomic.StoreUint32(a.U32(off), uint32(h))
		newHead := (h>>32+1)<<32 | uint64(off)
		if b.head.CompareAndSwap(h, newHead) {
			b.count.Add(1)
			return
		}
	}
}

func (a *Arena) allocHuge(size int) (off uint32, ok bool) {
	a.hugeMu.Lock()
	for i, c := range a.hugeFree {
		if int(c.size) < size {
			continue
		}
		// split the remainder back onto the free list, the caller
		// frees with the request size
		if rest := c.size - uint32(size); rest > 0 {
			a.hugeFree[i] = hugeCell{off: c.off + uint32(size), size: rest}
		} else {
			a.hugeFree[i] = a.hugeFree[len(a.hugeFree)-1]
			a.hugeFree = a.hugeFree[:len(a.hugeFree)-1]
		}
		a.hugeMu.Unlock()

		clear(a.Bytes(c.off, size))
		a.hugeSize.Add(uint64(size))
		a.hugeCnt.Add(1)
		return c.off, true
	}
	a.hugeMu.Unlock()

	if off, ok = a.bump(size); !ok {
		return 0, false
	}
	a.hugeSize.Add(uint64(size))
	a.hugeCnt.Add(1)
	return off, true
}

func (a *Arena) freeHuge(off, size uint32) {
	a.hugeSize.Add(^uint64(size - 1)) // -= size
	a.hugeCnt.Add(^uint64(0))         // -= 1

	a.hugeMu.Lock()
	a.hugeFree = append(a.hugeFree, hugeCell{off: off, size: size})
	a.hugeMu.Unlock()
}

// AlignSizeOf reports the allocator alignment, see the MemAlignSize
// contract on the trie.
func (a *Arena) AlignSizeOf() int { return AlignSize }

// Capacity is the configured memory limit.
func (a *Arena) Capacity() uint64 { return a.capacity }

// GetStats snapshots the allocator counters. The snapshot is not
// atomic across fields, individual fields are consistent.
func (a *Arena) GetStats() Stats {
	s := Stats{
		Fastbin:  make([]int64, NumClasses),
		Capacity: a.capacity,
		FragSize: a.fragSize.Load(),
		HugeSize: a.hugeSize.Load(),
		HugeCnt:  a.hugeCnt.Load(),
	}
	for i := range a.bins {
		s.Fastbin[i] = a.bins[i].count.Load()
	}
	frontier := a.frontier.Load()
	if frag := s.FragSize; frag < frontier {
		s.UsedSize = frontier - frag
	}
	return s
}
