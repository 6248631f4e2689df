// Copyright (c) 2025 Karl Gaissmaier
// SPDX-License-Identifier: MIT

package cspp

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTokenStateMachine(t *testing.T) {
	t.Parallel()

	tr, err := New(8)
	require.NoError(t, err)
	defer tr.Close()

	var tok ReaderToken
	require.Equal(t, ReleaseDone, tok.state())

	tok.Acquire(tr)
	require.Equal(t, AcquireDone, tok.state())
	require.Equal(t, int64(1), tr.TokenGetStat().Live)

	require.Panics(t, func() { tok.Acquire(tr) }, "double Acquire must panic")

	tok.Release()
	require.Equal(t, ReleaseDone, tok.state())
	require.Equal(t, int64(0), tr.TokenGetStat().Live)

	require.Panics(t, func() { tok.Release() }, "Release on a released token must panic")
	require.Panics(t, func() { tok.Update() }, "Update on a released token must panic")

	// a released token is re-acquirable
	tok.Acquire(tr)
	require.Equal(t, AcquireDone, tok.state())
	tok.Release()
}

func TestTokenDispose(t *testing.T) {
	t.Parallel()

	tr, err := New(8)
	require.NoError(t, err)
	defer tr.Close()

	// dispose of a live token runs the release protocol first
	var live ReaderToken
	live.Acquire(tr)
	live.Dispose()
	require.Equal(t, DisposeDone, live.state())
	require.Equal(t, int64(0), tr.TokenGetStat().Live)

	// dispose of a released token
	var released ReaderToken
	released.Acquire(tr)
	released.Release()
	released.Dispose()
	require.Equal(t, DisposeDone, released.state())

	require.Panics(t, func() { live.Acquire(tr) }, "Acquire on a disposed token must panic")
}

func TestTokenTrivialLevel(t *testing.T) {
	t.Parallel()

	tr, err := New(8, WithLevel(SingleThreadStrict))
	require.NoError(t, err)
	defer tr.Close()

	var tok WriterToken
	tok.Acquire(tr)
	require.Equal(t, AcquireDone, tok.state())

	// trivial levels skip the registry
	require.Equal(t, int64(0), tr.TokenGetStat().Live)

	mustInsert(t, tr, &tok, "strict", val8(1))
	tok.Release()
	require.Equal(t, ReleaseDone, tok.state())

	// the diverging key splits the leaf, the superseded cell is freed
	// directly, nothing is parked
	tok.Acquire(tr)
	mustInsert(t, tr, &tok, "strich", val8(2))
	tok.Release()
	require.Zero(t, tr.MemGetStat().LazyFreeCnt)
	require.Equal(t, uint64(1), tr.TrieStat().NSplit)
}

// forceSplits inserts diverging keys so superseded node cells land on
// the writer's lazy free queue.
func forceSplits(t *testing.T, tr *Trie, tok *WriterToken) {
	t.Helper()
	for _, k := range []string{"split/aa", "split/ab", "split/ba", "split/bb"} {
		mustInsert(t, tr, tok, k, val8(0))
	}
}

func TestLazyFreePinnedByReader(t *testing.T) {
	t.Parallel()

	tr, err := New(8)
	require.NoError(t, err)
	defer tr.Close()

	rtok := tr.GrabReaderToken() // pins everything freed from now on

	wtok := tr.GrabWriterToken()
	forceSplits(t, tr, wtok)
	require.Positive(t, tr.MemGetStat().LazyFreeCnt)

	// the writer retires, but the old reader still pins the cells
	tr.PutWriterToken(wtok)
	require.Positive(t, tr.MemGetStat().LazyFreeCnt)

	// the reap pass stamped the pinning reader's horizon diagnostic
	require.Positive(t, rtok.MinAge())

	// with the last pin gone the next reap drains everything
	tr.PutReaderToken(rtok)
	require.Zero(t, tr.MemGetStat().LazyFreeCnt)
	require.Zero(t, tr.MemGetStat().LazyFreeSum)
	require.Positive(t, tr.TokenGetStat().ReclaimPasses)
}

func TestTokenUpdateUnpins(t *testing.T) {
	t.Parallel()

	tr, err := New(8)
	require.NoError(t, err)
	defer tr.Close()

	rtok := tr.GrabReaderToken()

	wtok := tr.GrabWriterToken()
	forceSplits(t, tr, wtok)
	tr.PutWriterToken(wtok)
	require.Positive(t, tr.MemGetStat().LazyFreeCnt)

	// refreshing the reader moves its pin past the parked cells
	rtok.Update()
	require.Zero(t, tr.MemGetStat().LazyFreeCnt)

	tr.PutReaderToken(rtok)
}

func TestWriterKeepsOwnGarbagePinned(t *testing.T) {
	t.Parallel()

	tr, err := New(8)
	require.NoError(t, err)
	defer tr.Close()

	wtok := tr.GrabWriterToken()
	forceSplits(t, tr, wtok)
	cnt := tr.MemGetStat().LazyFreeCnt
	require.Positive(t, cnt)

	// Update flushes the writer's own queue, with no other token live
	// the cells are reclaimed immediately
	wtok.Update()
	require.Zero(t, tr.MemGetStat().LazyFreeCnt)

	tr.PutWriterToken(wtok)
}

func TestTokenPoolsRecycle(t *testing.T) {
	t.Parallel()

	tr, err := New(8)
	require.NoError(t, err)
	defer tr.Close()

	wtok := tr.GrabWriterToken()
	require.Equal(t, AcquireDone, wtok.state())
	mustInsert(t, tr, wtok, "pooled", val8(1))
	tr.PutWriterToken(wtok)

	// hooks must not leak into the next grab
	wtok2 := tr.GrabWriterToken()
	require.Nil(t, wtok2.InitValue)
	require.Nil(t, wtok2.DestroyValue)
	require.Equal(t, AcquireDone, wtok2.state())
	tr.PutWriterToken(wtok2)

	rtok := tr.GrabReaderToken()
	require.True(t, tr.Lookup([]byte("pooled"), rtok))
	tr.PutReaderToken(rtok)
}

func TestValueOf(t *testing.T) {
	t.Parallel()

	tr, err := New(8)
	require.NoError(t, err)
	defer tr.Close()

	wtok := tr.GrabWriterToken()
	defer tr.PutWriterToken(wtok)

	mustInsert(t, tr, wtok, "typed", val8(0xDEADBEEF))
	require.Equal(t, uint64(0xDEADBEEF), ValueOf[uint64](&wtok.Token))

	// in-place mutation through the typed pointer
	*MutableValueOf[uint64](&wtok.Token) = 7

	rtok := tr.GrabReaderToken()
	defer tr.PutReaderToken(rtok)
	require.True(t, tr.Lookup([]byte("typed"), rtok))
	require.Equal(t, uint64(7), ValueOf[uint64](&rtok.Token))

	require.Panics(t, func() { ValueOf[uint32](&rtok.Token) }, "width mismatch must panic")

	require.False(t, tr.Lookup([]byte("absent"), rtok))
	require.Panics(t, func() { ValueOf[uint64](&rtok.Token) }, "ValueOf without a value must panic")
}

func TestTokenAccessors(t *testing.T) {
	t.Parallel()

	tr, err := New(8)
	require.NoError(t, err)
	defer tr.Close()

	tok := tr.GrabReaderToken()
	defer tr.PutReaderToken(tok)

	require.Same(t, tr, tok.Trie())
	require.Nil(t, tok.Value())
}

func TestCurrentCPU(t *testing.T) {
	t.Parallel()

	// -1 signals no sample, anything else is a real cpu number
	require.GreaterOrEqual(t, currentCPU(), int32(-1))
}
