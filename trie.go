// Copyright (c) 2025 Karl Gaissmaier
// SPDX-License-Identifier: MIT

package cspp

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/gaissmai/cspp/internal/arena"
)

// Level selects the concurrency contract of a trie, fixed at creation.
type Level uint8

const (
	// NoWriteReadOnly, any number of lock-free readers, writes refused.
	NoWriteReadOnly Level = iota

	// SingleThreadStrict, one thread, no concurrent accessors at all.
	SingleThreadStrict

	// SingleThreadShared, one writer, concurrent readers with tokens,
	// tokens and iterators stay valid across mutations.
	SingleThreadShared

	// OneWriteMultiRead, one writer with ordered stores, lock-free
	// readers with acquire loads.
	OneWriteMultiRead

	// MultiWriteMultiRead, full protocol on nodes, tokens and the
	// allocator.
	MultiWriteMultiRead
)

func (l Level) String() string {
	switch l {
	case NoWriteReadOnly:
		return "NoWriteReadOnly"
	case SingleThreadStrict:
		return "SingleThreadStrict"
	case SingleThreadShared:
		return "SingleThreadShared"
	case OneWriteMultiRead:
		return "OneWriteMultiRead"
	case MultiWriteMultiRead:
		return "MultiWriteMultiRead"
	}
	return "invalid"
}

var (
	ErrBadValSize = errors.New("cspp: negative value size")
	ErrBadLevel   = errors.New("cspp: invalid concurrency level")
	ErrNoSpace    = errors.New("cspp: memory limit too small for the root node")
)

// Stat counts the elementary structural mutations of the trie.
type Stat struct {
	NFork         uint64
	NSplit        uint64
	NMarkFinal    uint64
	NAddStateMove uint64
}

// Sum of all mutation counters, monotonically non-decreasing.
func (s Stat) Sum() uint64 {
	return s.NFork + s.NSplit + s.NMarkFinal + s.NAddStateMove
}

// MemStat is a snapshot of the arena and the lazy free queues.
type MemStat struct {
	Fastbin     []int64 // free cells per size class
	UsedSize    uint64
	Capacity    uint64
	FragSize    uint64
	HugeSize    uint64
	HugeCnt     uint64
	LazyFreeSum uint64 // bytes parked in lazy free queues
	LazyFreeCnt uint64
}

// TokenStat is a snapshot of the token registry.
type TokenStat struct {
	Live          int64
	ReclaimPasses uint64
}

// insertFn is the level-specialized insert implementation, selected
// once at creation and swapped exactly once more by SetReadonly.
type insertFn func(t *Trie, key, val []byte, tok *WriterToken) bool

// Trie is a concurrent in-memory Patricia trie mapping byte-string
// keys to fixed-size values. All node and value storage lives in an
// arena, create one with New and destroy it with Close.
type Trie struct {
	mem     *arena.Arena
	valSize int
	level   Level
	root    uint32 // root node offset, the root is never superseded

	mInsert  atomic.Pointer[insertFn]
	readonly atomic.Bool

	numWords      atomic.Uint64
	nFork         atomic.Uint64
	nSplit        atomic.Uint64
	nMarkFinal    atomic.Uint64
	nAddStateMove atomic.Uint64

	reg registry

	lazySum atomic.Uint64
	lazyCnt atomic.Uint64

	// destroy hook of the last acquired writer token, run over all
	// live value slots on Close
	destroyValue atomic.Pointer[func(slot []byte)]

	writerPool sync.Pool // recycled *WriterToken
	readerPool sync.Pool // recycled *ReaderToken

	closed atomic.Bool
}

type config struct {
	maxMem  uint64
	level   Level
	virtual bool
}

// Option configures New.
type Option func(*config)

// DefaultMaxMem is the memory limit if none is configured.
const DefaultMaxMem = 512 << 10

// WithMaxMem caps the total arena memory in bytes.
func WithMaxMem(n uint64) Option {
	return func(c *config) { c.maxMem = n }
}

// WithLevel selects the concurrency level, default OneWriteMultiRead.
func WithLevel(l Level) Option {
	return func(c *config) { c.level = l }
}

// WithVirtualAlloc backs the arena with an anonymous mapping instead
// of a heap allocation where the host supports it.
func WithVirtualAlloc() Option {
	return func(c *config) { c.virtual = true }
}

// New creates a trie with fixed per-key value size valSize.
func New(valSize int, opts ...Option) (*Trie, error) {
	c := config{
		maxMem: DefaultMaxMem,
		level:  OneWriteMultiRead,
	}
	for _, opt := range opts {
		opt(&c)
	}

	if valSize < 0 {
		return nil, ErrBadValSize
	}
	if c.level > MultiWriteMultiRead {
		return nil, ErrBadLevel
	}

	// any level with concurrent readers needs the shared allocator
	// paths, a reap pass may free cells while the writer allocates
	mem, err := arena.New(c.maxMem, c.virtual, c.level >= SingleThreadShared)
	if err != nil {
		return nil, err
	}

	t := &Trie{
		mem:     mem,
		valSize: valSize,
		level:   c.level,
	}

	// the root is a dense node with an empty label, so it is never
	// split nor promoted and needs no parent reference
	root, ok := t.newDenseNode(nil, false, 0)
	if !ok {
		mem.Close()
		return nil, ErrNoSpace
	}
	t.root = root

	var f insertFn
	switch c.level {
	case NoWriteReadOnly:
		f = insertDisabled
	case MultiWriteMultiRead:
		f = insertMulti
	default:
		f = insertSingle
	}
	t.mInsert.Store(&f)
	if c.level == NoWriteReadOnly {
		t.readonly.Store(true)
	}

	t.writerPool.New = func() any { return new(WriterToken) }
	t.readerPool.New = func() any { return new(ReaderToken) }

	return t, nil
}

// Insert adds key with value val to the trie.
//
// The returns mirror the token:
//
//	true,  token value non-nil: new key, value copied into the slot
//	true,  token value nil:     out of memory, key was not inserted
//	false, token value non-nil: key existed, value points at its slot
//	false, token value nil:     trie is read-only
func (t *Trie) Insert(key, val []byte, tok *WriterToken) bool {
	return (*t.mInsert.Load())(t, key, val, tok)
}

// Lookup reports whether key is present. On success the token carries
// the value slot, on miss the token value is nil.
func (t *Trie) Lookup(key []byte, tok *ReaderToken) bool {
	return t.lookup(key, &tok.Token)
}

// SetReadonly swaps the insert implementation for the refusing stub.
// Monotonic, cannot be undone.
func (t *Trie) SetReadonly() {
	t.readonly.Store(true)
	f := insertFn(insertDisabled)
	t.mInsert.Store(&f)
}

// IsReadonly reports whether writes are refused.
func (t *Trie) IsReadonly() bool { return t.readonly.Load() }

// NumWords is the count of distinct keys successfully inserted.
func (t *Trie) NumWords() uint64 { return t.numWords.Load() }

// ValSize is the fixed value size of this trie.
func (t *Trie) ValSize() int { return t.valSize }

// ConcurrentLevel returns the level the trie was created with.
func (t *Trie) ConcurrentLevel() Level { return t.level }

// TrieStat snapshots the mutation counters.
func (t *Trie) TrieStat() Stat {
	return Stat{
		NFork:         t.nFork.Load(),
		NSplit:        t.nSplit.Load(),
		NMarkFinal:    t.nMarkFinal.Load(),
		NAddStateMove: t.nAddStateMove.Load(),
	}
}

// MemGetStat snapshots arena usage and the lazy free queues.
func (t *Trie) MemGetStat() MemStat {
	as := t.mem.GetStats()
	return MemStat{
		Fastbin:     as.Fastbin,
		UsedSize:    as.UsedSize,
		Capacity:    as.Capacity,
		FragSize:    as.FragSize,
		HugeSize:    as.HugeSize,
		HugeCnt:     as.HugeCnt,
		LazyFreeSum: t.lazySum.Load(),
		LazyFreeCnt: t.lazyCnt.Load(),
	}
}

// MemAlignSize is the alignment of every value slot and node cell.
func (t *Trie) MemAlignSize() int { return t.mem.AlignSizeOf() }

// TokenGetStat snapshots the token registry counters.
func (t *Trie) TokenGetStat() TokenStat {
	return TokenStat{
		Live:          t.reg.live.Load(),
		ReclaimPasses: t.reg.reclaimPasses.Load(),
	}
}

// zeroValue is the non-nil value slot of tries with valSize == 0,
// distinguishes "present" from "absent" in the token.
var zeroValue = make([]byte, 0)

// valueBytes returns the value slot behind valOff.
func (t *Trie) valueBytes(valOff uint32) []byte {
	if t.valSize == 0 {
		return zeroValue
	}
	return t.mem.Bytes(valOff, t.valSize)
}

// Close destroys the trie. All tokens must have been released, the
// caller guarantees quiescence. Runs the destroy hook of the last
// acquired writer token over every live value slot, then releases the
// arena.
func (t *Trie) Close() error {
	if t.closed.Swap(true) {
		return nil
	}

	if hook := t.destroyValue.Load(); hook != nil && t.valSize > 0 {
		t.walkValues(*hook)
	}
	return t.mem.Close()
}

// walkValues runs fn over every live value slot, quiescent access.
func (t *Trie) walkValues(fn func(slot []byte)) {
	stack := []uint32{t.root}
	var kids []byte
	for len(stack) > 0 {
		off := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		m := t.loadMeta(off)
		if metaIsFinal(m) {
			fn(t.valueBytes(metaVal(m)))
		}
		kids = t.branchBytes(off, m, kids[:0])
		for _, b := range kids {
			if child, _, ok := t.findChild(off, m, b); ok {
				stack = append(stack, child)
			}
		}
	}
}
