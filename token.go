// Copyright (c) 2025 Karl Gaissmaier
// SPDX-License-Identifier: MIT

package cspp

import (
	"fmt"
	"math"
	"sync/atomic"
	"unsafe"
)

// TokenState is the lifecycle state of a token.
//
//	ReleaseDone -> AcquireDone -> {ReleaseWait | DisposeWait}
//	            -> ReleaseDone | DisposeDone
type TokenState uint32

const (
	ReleaseDone TokenState = iota
	AcquireDone
	ReleaseWait
	DisposeWait
	DisposeDone
)

func (s TokenState) String() string {
	switch s {
	case ReleaseDone:
		return "ReleaseDone"
	case AcquireDone:
		return "AcquireDone"
	case ReleaseWait:
		return "ReleaseWait"
	case DisposeWait:
		return "DisposeWait"
	case DisposeDone:
		return "DisposeDone"
	}
	return "invalid"
}

// token flags, state and head bit live in one atomic cell so the pair
// can never be observed half-updated
const flagHeadBit = 1 << 8

// lazyCell is one deferred reclamation, returned to the arena once the
// minimum live verseq exceeds ver.
type lazyCell struct {
	off  uint32
	size uint32
	ver  uint64
}

// Token is a registry participant. Every accessor of a trie carries
// one, its published verseq pins reclamation of cells freed after its
// acquisition. A token may be used by one goroutine at a time.
//
// ReaderToken and WriterToken embed Token, a writer additionally
// carries the value hooks, an iterator additionally carries a cursor.
type Token struct {
	trie  *Trie
	value []byte

	next   atomic.Pointer[Token]
	verseq atomic.Uint64 // published version, MaxUint64 once released
	acqseq uint64        // version at the last acquire
	minAge uint64        // reclamation horizon seen at the last reap
	flags  atomic.Uint32 // {state, isHead}, single atomic cell

	cpu       int32 // last sampled cpu, -1 if unknown
	getcpuCnt uint32

	lazy []lazyCell
}

// ReaderToken is the accessor handle for Lookup and iterators.
type ReaderToken struct {
	Token
}

// WriterToken is the accessor handle for Insert.
//
// InitValue, when set, initializes a fresh value slot from the
// caller's bytes before the key becomes visible, returning false
// refuses the insert (surfaced like out-of-memory). When nil the
// caller's bytes are copied.
//
// DestroyValue, when set, runs over every live value slot when the
// trie is destroyed.
type WriterToken struct {
	Token

	InitValue    func(slot, src []byte) bool
	DestroyValue func(slot []byte)
}

func (tok *Token) state() TokenState {
	return TokenState(tok.flags.Load() & 0xFF)
}

func (tok *Token) isHead() bool {
	return tok.flags.Load()&flagHeadBit != 0
}

// casState swaps the state and keeps the head bit, one atomic cell.
func (tok *Token) casState(from, to TokenState) bool {
	for {
		f := tok.flags.Load()
		if TokenState(f&0xFF) != from {
			return false
		}
		if tok.flags.CompareAndSwap(f, f&flagHeadBit|uint32(to)) {
			return true
		}
	}
}

func (tok *Token) setHead(on bool) {
	for {
		f := tok.flags.Load()
		nf := f &^ flagHeadBit
		if on {
			nf |= flagHeadBit
		}
		if f == nf || tok.flags.CompareAndSwap(f, nf) {
			return
		}
	}
}

// Trie returns the owning trie of the last acquire.
func (tok *Token) Trie() *Trie { return tok.trie }

// Value is the value slot set by the last operation, nil on miss,
// read-only refusal or out-of-memory.
func (tok *Token) Value() []byte { return tok.value }

// MinAge is the reclamation horizon seen at the last reap, for
// diagnostics.
func (tok *Token) MinAge() uint64 { return tok.minAge }

// trivial reports whether the level runs the token protocol at all.
func trivialLevel(l Level) bool { return l <= SingleThreadStrict }

// sampleCPU refreshes the token's cpu sample every 64th call, getcpu
// is too expensive for every acquire.
func (tok *Token) sampleCPU() {
	tok.getcpuCnt++
	if tok.getcpuCnt&63 == 1 {
		tok.cpu = currentCPU()
	}
}

// Acquire stamps the token with a fresh version and appends it to the
// registry. Must be balanced with Release. Acquiring an acquired or
// disposed token is a programmer error and panics.
func (tok *Token) Acquire(t *Trie) {
	if s := tok.state(); s != ReleaseDone {
		panic(fmt.Sprintf("cspp: Acquire on token in state %s", s))
	}
	tok.trie = t
	tok.value = nil

	if trivialLevel(t.level) {
		tok.flags.Store(uint32(AcquireDone))
		return
	}

	seq := t.reg.verseq.Add(1)
	tok.acqseq = seq
	tok.verseq.Store(seq)
	tok.flags.Store(uint32(AcquireDone))
	tok.sampleCPU()

	t.reg.enqueue(tok)
}

// Acquire registers the writer and its destroy hook with the trie.
func (tok *WriterToken) Acquire(t *Trie) {
	tok.Token.Acquire(t)
	if tok.DestroyValue != nil {
		t.destroyValue.Store(&tok.DestroyValue)
	}
}

// Release takes the token out of the live set. Cells it deferred are
// reclaimed as soon as no older token pins them. The token may be
// re-acquired afterwards.
func (tok *Token) Release() {
	t := tok.trie
	if t == nil {
		return
	}
	tok.value = nil

	if trivialLevel(t.level) {
		tok.flags.Store(uint32(ReleaseDone))
		return
	}

	// stop pinning before anything else
	tok.verseq.Store(math.MaxUint64)
	if !tok.casState(AcquireDone, ReleaseWait) {
		panic(fmt.Sprintf("cspp: Release on token in state %s", tok.state()))
	}
	t.reg.retire(t, tok)
	t.reg.reap(t)
}

// Update refreshes the token's version stamp so it stops pinning
// older reclamations, used by long-lived readers and iterators
// between operations.
func (tok *Token) Update() {
	t := tok.trie
	if t == nil || trivialLevel(t.level) {
		return
	}
	if tok.state() != AcquireDone {
		panic(fmt.Sprintf("cspp: Update on token in state %s", tok.state()))
	}
	seq := t.reg.verseq.Add(1)
	tok.verseq.Store(seq)
	tok.sampleCPU()
	t.reg.flush(tok)
	t.reg.reap(t)
}

// Dispose marks the token for deferred deletion. A live token passes
// through the release protocol first, the registry drops its
// reference once the protocol allows, never synchronously.
func (tok *Token) Dispose() {
	t := tok.trie
	if t == nil || trivialLevel(t.level) {
		tok.flags.Store(uint32(DisposeDone))
		return
	}

	if tok.casState(AcquireDone, DisposeWait) {
		tok.verseq.Store(math.MaxUint64)
		t.reg.retire(t, tok)
		t.reg.reap(t)
		return
	}
	// already out of the live set
	tok.casState(ReleaseDone, DisposeDone)
}

// ---- typed value access ----

// ValueOf reinterprets the token's value slot as T. The width of T
// must equal the trie's value size and the slot is always aligned to
// MemAlignSize, violations are programmer errors and panic.
func ValueOf[T any](tok *Token) T {
	return *mutableValueOf[T](tok)
}

// MutableValueOf is ValueOf with in-place access to the slot. Writes
// through the pointer are the caller's to synchronize.
func MutableValueOf[T any](tok *Token) *T {
	return mutableValueOf[T](tok)
}

func mutableValueOf[T any](tok *Token) *T {
	var zero T
	size := int(unsafe.Sizeof(zero))
	if size != tok.trie.valSize {
		panic(fmt.Sprintf("cspp: ValueOf size %d != value size %d", size, tok.trie.valSize))
	}
	if tok.value == nil {
		panic("cspp: ValueOf on token without value")
	}
	p := unsafe.Pointer(unsafe.SliceData(tok.value))
	if uintptr(p)%uintptr(unsafe.Alignof(zero)) != 0 {
		panic("cspp: value slot alignment violation")
	}
	return (*T)(p)
}

// ---- cached tokens ----

// GrabWriterToken returns an acquired writer token from the trie's
// token cache, the counterpart of a thread-local writer token.
func (t *Trie) GrabWriterToken() *WriterToken {
	tok := t.writerPool.Get().(*WriterToken)
	tok.InitValue = nil
	tok.DestroyValue = nil
	tok.Acquire(t)
	return tok
}

// GrabReaderToken returns an acquired reader token from the trie's
// token cache.
func (t *Trie) GrabReaderToken() *ReaderToken {
	tok := t.readerPool.Get().(*ReaderToken)
	tok.Acquire(t)
	return tok
}

// PutWriterToken releases the token and hands it back to the cache.
func (t *Trie) PutWriterToken(tok *WriterToken) {
	tok.Release()
	t.writerPool.Put(tok)
}

// PutReaderToken releases the token and hands it back to the cache.
func (t *Trie) PutReaderToken(tok *ReaderToken) {
	tok.Release()
	t.readerPool.Put(tok)
}
