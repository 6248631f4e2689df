// Copyright (c) 2025 Karl Gaissmaier
// SPDX-License-Identifier: MIT

package main

import (
	"encoding/binary"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/fatih/color"
	"github.com/gaissmai/cspp"
	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	benchKeys   int
	benchProbes int
)

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Fill the trie and measure single-threaded lookup throughput",
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := newTrie()
		if err != nil {
			return err
		}
		defer t.Close()

		logger.Info("bench",
			zap.Stringer("level", t.ConcurrentLevel()),
			zap.Int("keys", benchKeys),
			zap.Int("probes", benchProbes),
		)

		keys := makeKeys(benchKeys)

		bar := progressbar.NewOptions(len(keys),
			progressbar.OptionSetDescription("fill"),
			progressbar.OptionSetWidth(40),
			progressbar.OptionShowCount(),
		)

		wtok := t.GrabWriterToken()
		val := make([]byte, valSize)
		start := time.Now()
		for i, k := range keys {
			putSeq(val, uint64(i))
			if t.Insert(k, val, wtok) && wtok.Value() == nil {
				return fmt.Errorf("out of memory after %d keys", i)
			}
			if i&1023 == 0 {
				_ = bar.Add(1024)
				wtok.Update()
			}
		}
		fillDur := time.Since(start)
		wtok.Update()
		logger.Info("fill done",
			zap.Uint64("reclaim-horizon", wtok.MinAge()),
			zap.Uint64("lazy-cells", t.MemGetStat().LazyFreeCnt),
		)
		t.PutWriterToken(wtok)
		_ = bar.Finish()
		fmt.Println()

		rtok := t.GrabReaderToken()
		start = time.Now()
		hits := 0
		for i := range benchProbes {
			if t.Lookup(keys[i%len(keys)], rtok) {
				hits++
			}
		}
		lookupDur := time.Since(start)
		t.PutReaderToken(rtok)

		bold := color.New(color.Bold)
		bold.Printf("inserted %d keys in %v (%.0f keys/s)\n",
			t.NumWords(), fillDur.Round(time.Millisecond),
			float64(len(keys))/fillDur.Seconds())
		bold.Printf("%d lookups in %v (%.0f probes/s), %d hits\n",
			benchProbes, lookupDur.Round(time.Millisecond),
			float64(benchProbes)/lookupDur.Seconds(), hits)

		printStats(t)
		return nil
	},
}

func init() {
	benchCmd.Flags().IntVarP(&benchKeys, "keys", "k", 1_000_000, "number of keys to insert")
	benchCmd.Flags().IntVarP(&benchProbes, "probes", "p", 5_000_000, "number of lookup probes")
}

// putSeq writes the sequence number into the value, truncated to the
// configured value size.
func putSeq(val []byte, i uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], i)
	copy(val, b[:])
}

// makeKeys generates n distinct keys of mixed shape, uuid strings for
// spread and sequential prefixes for deep shared paths.
func makeKeys(n int) [][]byte {
	prng := rand.New(rand.NewPCG(42, 42))
	keys := make([][]byte, 0, n)
	for i := range n {
		if prng.IntN(2) == 1 {
			keys = append(keys, []byte(uuid.New().String()))
		} else {
			keys = append(keys, fmt.Appendf(nil, "user/%08d/profile", i))
		}
	}
	return keys
}

func printStats(t *cspp.Trie) {
	ts := t.TrieStat()
	ms := t.MemGetStat()
	ks := t.TokenGetStat()

	faint := color.New(color.Faint)
	faint.Printf("mutations: fork=%d split=%d mark-final=%d add-state=%d (sum %d)\n",
		ts.NFork, ts.NSplit, ts.NMarkFinal, ts.NAddStateMove, ts.Sum())
	faint.Printf("arena: used=%d cap=%d frag=%d lazy=%d/%d cells\n",
		ms.UsedSize, ms.Capacity, ms.FragSize, ms.LazyFreeSum, ms.LazyFreeCnt)
	faint.Printf("tokens: live=%d reclaim-passes=%d\n", ks.Live, ks.ReclaimPasses)
}
