// Copyright (c) 2025 Karl Gaissmaier
// SPDX-License-Identifier: MIT

package cspp

import (
	"sync"
	"sync/atomic"
)

// registry is the linked list of live tokens, ordered by acquisition
// version as a heuristic. Reclamation safety never depends on the
// order: the horizon (min-age) is the minimum verseq published
// atomically by each live token, derived by scanning under the
// registry lock.
//
// The hot paths Lookup and Insert never touch the registry, only
// Acquire, Release, Update and Dispose do. Reap passes are
// opportunistic, a contended reap is skipped and the next token
// operation picks the work up.
type registry struct {
	mu   sync.Mutex // guards head, tail, links, pending
	head *Token
	tail *Token

	verseq atomic.Uint64 // global version counter

	// cells of retired tokens not yet past the horizon
	pending []lazyCell

	live          atomic.Int64
	reclaimPasses atomic.Uint64
}

// enqueue appends the freshly acquired token at the tail.
func (r *registry) enqueue(tok *Token) {
	tok.next.Store(nil)

	r.mu.Lock()
	if r.tail == nil {
		r.head = tok
		tok.setHead(true)
	} else {
		r.tail.next.Store(tok)
	}
	r.tail = tok
	r.live.Add(1)
	r.mu.Unlock()
}

// retire unlinks the token, finalizes its state and moves its lazy
// cells to the pending queue. The head bit wanders to the next token,
// exactly one token holds it at any time.
func (r *registry) retire(t *Trie, tok *Token) {
	r.mu.Lock()

	var prev *Token
	for cur := r.head; cur != nil; cur = cur.next.Load() {
		if cur == tok {
			next := tok.next.Load()
			if prev == nil {
				r.head = next
			} else {
				prev.next.Store(next)
			}
			if r.tail == tok {
				r.tail = prev
			}
			break
		}
		prev = cur
	}

	if tok.isHead() {
		tok.setHead(false)
		if r.head != nil {
			r.head.setHead(true)
		}
	}

	r.pending = append(r.pending, tok.lazy...)
	tok.lazy = tok.lazy[:0]
	tok.next.Store(nil)
	r.live.Add(-1)

	// finalize under the protocol
	if !tok.casState(ReleaseWait, ReleaseDone) {
		tok.casState(DisposeWait, DisposeDone)
	}

	r.mu.Unlock()
}

// flush hands the owner's deferred cells to the pending queue, used
// by Update so a long-lived writer does not hoard its own garbage.
func (r *registry) flush(tok *Token) {
	if len(tok.lazy) == 0 {
		return
	}
	r.mu.Lock()
	r.pending = append(r.pending, tok.lazy...)
	tok.lazy = tok.lazy[:0]
	r.mu.Unlock()
}

// reap returns pending cells past the horizon to the arena. Skipped
// when another reap is running.
func (r *registry) reap(t *Trie) {
	if !r.mu.TryLock() {
		return
	}
	r.reclaimPasses.Add(1)

	horizon := r.minLiveLocked()
	r.updateMinAgeLocked(horizon)

	if r.reclaimPasses.Load()&0xF == 0 && t.level == MultiWriteMultiRead {
		r.sortCPULocked()
	}

	kept := r.pending[:0]
	for _, c := range r.pending {
		if c.ver < horizon {
			t.mem.Free(c.off, int(c.size))
			t.lazySum.Add(^(uint64(c.size) - 1)) // -= size
			t.lazyCnt.Add(^uint64(0))            // -= 1
		} else {
			kept = append(kept, c)
		}
	}
	r.pending = kept

	r.mu.Unlock()
}

// minLiveLocked is the reclamation horizon, the minimum verseq over
// all live tokens, or one past the current version when none is live.
func (r *registry) minLiveLocked() uint64 {
	m := ^uint64(0)
	for cur := r.head; cur != nil; cur = cur.next.Load() {
		if cur.state() != AcquireDone {
			continue
		}
		if v := cur.verseq.Load(); v < m {
			m = v
		}
	}
	if m == ^uint64(0) {
		m = r.verseq.Load() + 1
	}
	return m
}

// updateMinAgeLocked refreshes the per-token min-age diagnostic, the
// minimum verseq over the tokens ahead of it, the head sees the
// global horizon.
func (r *registry) updateMinAgeLocked(horizon uint64) {
	running := horizon
	for cur := r.head; cur != nil; cur = cur.next.Load() {
		cur.minAge = running
		if cur.state() == AcquireDone {
			if v := cur.verseq.Load(); v < running {
				running = v
			}
		}
	}
}

// sortCPULocked clusters tokens of the same cpu next to each other,
// a heuristic against cross-socket ping-pong on the min-age lines.
// Ordering by acqseq is only a guideline here, the horizon is
// scan-derived and indifferent to order.
func (r *registry) sortCPULocked() {
	var toks []*Token
	for cur := r.head; cur != nil; cur = cur.next.Load() {
		toks = append(toks, cur)
	}
	if len(toks) < 3 {
		return
	}

	// stable insertion sort, tokens without a sample stay put
	for i := 1; i < len(toks); i++ {
		for j := i; j > 0; j-- {
			a, b := toks[j-1], toks[j]
			if a.cpu < 0 || b.cpu < 0 || a.cpu <= b.cpu {
				break
			}
			toks[j-1], toks[j] = b, a
		}
	}

	for i, tok := range toks {
		if i+1 < len(toks) {
			tok.next.Store(toks[i+1])
		} else {
			tok.next.Store(nil)
		}
	}
	if r.head != toks[0] {
		r.head.setHead(false)
		r.head = toks[0]
		r.head.setHead(true)
	}
	r.tail = toks[len(toks)-1]
}

// deferFree parks a superseded cell on the accessor's lazy free queue,
// stamped with the current version. Trivial levels have no concurrent
// readers and free directly.
func (t *Trie) deferFree(tok *Token, off uint32, size int) {
	if trivialLevel(t.level) {
		t.mem.Free(off, size)
		return
	}
	ver := t.reg.verseq.Load()
	tok.lazy = append(tok.lazy, lazyCell{off: off, size: uint32(size), ver: ver})
	t.lazySum.Add(uint64(size))
	t.lazyCnt.Add(1)
}
