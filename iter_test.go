// Copyright (c) 2025 Karl Gaissmaier
// SPDX-License-Identifier: MIT

package cspp

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/require"
)

func fillIterTrie(t *testing.T, keys []string) *Trie {
	t.Helper()
	tr, err := New(8)
	require.NoError(t, err)

	tok := tr.GrabWriterToken()
	for i, k := range keys {
		mustInsert(t, tr, tok, k, val8(uint64(i)))
	}
	tr.PutWriterToken(tok)
	return tr
}

func collect(it *Iter, seek func() bool) (keys []string) {
	for ok := seek(); ok; ok = it.Next() {
		keys = append(keys, string(it.Key()))
	}
	return keys
}

func TestIterLexOrder(t *testing.T) {
	t.Parallel()

	keys := []string{"", "a", "ab", "abc", "abd", "b", "ba", "bb", "z", "za"}
	shuffled := []string{"abd", "z", "a", "bb", "", "ba", "abc", "ab", "b", "za"}

	tr := fillIterTrie(t, shuffled)
	defer tr.Close()

	it := tr.NewIter(0)
	defer it.Close()

	got := collect(it, it.SeekFirst)
	require.Equal(t, keys, got, "iteration not in lexicographic byte order")
}

func TestIterValues(t *testing.T) {
	t.Parallel()

	keys := []string{"alpha", "beta", "gamma"}
	tr := fillIterTrie(t, keys)
	defer tr.Close()

	sorted := slices.Clone(keys)
	slices.Sort(sorted)

	it := tr.NewIter(0)
	defer it.Close()

	i := 0
	for ok := it.SeekFirst(); ok; ok = it.Next() {
		idx := slices.Index(keys, string(it.Key()))
		require.Equal(t, sorted[i], string(it.Key()))
		require.Equal(t, val8(uint64(idx)), it.Value())
		i++
	}
	require.Equal(t, len(keys), i)
}

func TestIterSeekPrefix(t *testing.T) {
	t.Parallel()

	tr := fillIterTrie(t, []string{
		"app", "apple", "apples", "application", "apply",
		"banana", "band", "ape",
	})
	defer tr.Close()

	testCases := []struct {
		prefix string
		want   []string
	}{
		{"app", []string{"app", "apple", "apples", "application", "apply"}},
		{"appl", []string{"apple", "apples", "application", "apply"}},
		{"apple", []string{"apple", "apples"}},
		{"ap", []string{"ape", "app", "apple", "apples", "application", "apply"}},
		{"ban", []string{"banana", "band"}},
		{"banana", []string{"banana"}},
		{"", []string{"ape", "app", "apple", "apples", "application", "apply", "banana", "band"}},
		{"x", nil},
		{"apples!", nil},
		{"bananas", nil},
	}

	for _, tc := range testCases {
		it := tr.NewIter(0)
		got := collect(it, func() bool { return it.SeekPrefix([]byte(tc.prefix)) })
		it.Close()
		require.Equal(t, tc.want, got, "SeekPrefix(%q)", tc.prefix)
	}
}

func TestIterEmptyTrie(t *testing.T) {
	t.Parallel()

	tr, err := New(8)
	require.NoError(t, err)
	defer tr.Close()

	it := tr.NewIter(0)
	defer it.Close()

	require.False(t, it.SeekFirst())
	require.False(t, it.Next())
	require.False(t, it.SeekPrefix([]byte("any")))
}

func TestIterReseek(t *testing.T) {
	t.Parallel()

	tr := fillIterTrie(t, []string{"a", "b", "c"})
	defer tr.Close()

	it := tr.NewIter(0)
	defer it.Close()

	require.Equal(t, []string{"a", "b", "c"}, collect(it, it.SeekFirst))
	// the cursor is reusable after exhaustion
	require.Equal(t, []string{"a", "b", "c"}, collect(it, it.SeekFirst))
	require.Equal(t, []string{"b"}, collect(it, func() bool { return it.SeekPrefix([]byte("b")) }))
}

func TestIterSnapshotStability(t *testing.T) {
	t.Parallel()

	tr := fillIterTrie(t, []string{"m/1", "m/2", "m/3"})
	defer tr.Close()

	it := tr.NewIter(0)
	defer it.Close()

	require.True(t, it.SeekFirst())
	require.Equal(t, "m/1", string(it.Key()))

	// keys inserted behind the cursor do not disturb the walk
	tok := tr.GrabWriterToken()
	mustInsert(t, tr, tok, "a/0", val8(9))
	tr.PutWriterToken(tok)

	require.True(t, it.Next())
	require.Equal(t, "m/2", string(it.Key()))
	it.Update()
	require.True(t, it.Next())
	require.Equal(t, "m/3", string(it.Key()))
	require.False(t, it.Next())
}

func TestIterUpdateOnSplitPath(t *testing.T) {
	t.Parallel()

	tr := fillIterTrie(t, []string{"ab", "abc"})
	defer tr.Close()

	it := tr.NewIter(0)
	defer it.Close()

	require.True(t, it.SeekFirst())
	require.Equal(t, "ab", string(it.Key()))

	// the diverging key splits the node the cursor stack references,
	// the superseded cell is parked pinned by the cursor's token
	tok := tr.GrabWriterToken()
	mustInsert(t, tr, tok, "ad", val8(7))
	tr.PutWriterToken(tok)
	require.Positive(t, tr.MemGetStat().LazyFreeCnt)

	// the refresh releases the pin, the cell is reclaimed, and the
	// cursor must still resume behind its current key
	it.Update()
	require.Zero(t, tr.MemGetStat().LazyFreeCnt)

	require.True(t, it.Next())
	require.Equal(t, "abc", string(it.Key()), "key present at acquire vanished after Update")
	require.Equal(t, val8(1), it.Value())

	require.True(t, it.Next())
	require.Equal(t, "ad", string(it.Key()))
	require.False(t, it.Next())
}

func TestIterTokenDetach(t *testing.T) {
	t.Parallel()

	tr := fillIterTrie(t, []string{"k"})
	defer tr.Close()

	it := tr.NewIter(0)
	require.True(t, it.SeekFirst())

	tok := it.TokenDetach()
	require.NotNil(t, tok)
	require.Equal(t, AcquireDone, tok.state())

	// the cursor is dead, the token lives on
	require.False(t, it.Next())
	require.Nil(t, it.TokenDetach())

	require.True(t, tr.Lookup([]byte("k"), tok))
	tr.PutReaderToken(tok)

	// Close after detach must not double release
	it.Close()
	require.Zero(t, tr.TokenGetStat().Live)
}
