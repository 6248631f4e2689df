// Copyright (c) 2025 Karl Gaissmaier
// SPDX-License-Identifier: MIT

package main

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fatih/color"
	"github.com/gaissmai/cspp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	stressKeys    int
	stressWriters int
	stressReaders int
	stressDur     time.Duration
)

var stressCmd = &cobra.Command{
	Use:   "stress",
	Short: "Run concurrent writers and readers, then verify every key",
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := newTrie()
		if err != nil {
			return err
		}
		defer t.Close()

		logger.Info("stress",
			zap.Stringer("level", t.ConcurrentLevel()),
			zap.Int("keys", stressKeys),
			zap.Int("writers", stressWriters),
			zap.Int("readers", stressReaders),
		)

		keys := makeKeys(stressKeys)

		var (
			wgW, wgR sync.WaitGroup
			oom      atomic.Bool
			lookups  atomic.Uint64
			stop     atomic.Bool
		)

		start := time.Now()
		per := (len(keys) + stressWriters - 1) / stressWriters
		for w := range stressWriters {
			lo := w * per
			hi := min(lo+per, len(keys))
			wgW.Add(1)
			go func() {
				defer wgW.Done()
				tok := t.GrabWriterToken()
				defer t.PutWriterToken(tok)

				val := make([]byte, valSize)
				for i := lo; i < hi; i++ {
					putSeq(val, uint64(i))
					if t.Insert(keys[i], val, tok) && tok.Value() == nil {
						oom.Store(true)
						return
					}
					if i&255 == 0 {
						tok.Update()
					}
				}
			}()
		}

		for range stressReaders {
			wgR.Add(1)
			go func() {
				defer wgR.Done()
				tok := t.GrabReaderToken()
				defer t.PutReaderToken(tok)

				n := uint64(0)
				for !stop.Load() {
					for i := 0; i < 1024; i++ {
						if t.Lookup(keys[int(n)%len(keys)], tok) {
							n++
						} else {
							n += 2
						}
					}
					tok.Update()
					lookups.Add(1024)
				}
			}()
		}

		// writers set the pace, readers run until the writers are done
		// or the deadline hits
		deadline := time.AfterFunc(stressDur, func() { stop.Store(true) })
		wgW.Wait()
		stop.Store(true)
		deadline.Stop()
		wgR.Wait()
		dur := time.Since(start)

		if oom.Load() {
			return fmt.Errorf("arena exhausted, rerun with a larger --max-mem")
		}

		missing := verify(t, keys)

		bold := color.New(color.Bold)
		bold.Printf("inserted %d keys with %d writers in %v\n", t.NumWords(), stressWriters, dur.Round(time.Millisecond))
		bold.Printf("%d concurrent lookups by %d readers\n", lookups.Load(), stressReaders)
		if missing == 0 {
			color.Green("verify: all %d keys present", len(keys))
		} else {
			color.Red("verify: %d keys MISSING", missing)
		}

		printStats(t)
		if missing != 0 {
			return fmt.Errorf("%d keys missing after stress", missing)
		}
		return nil
	},
}

func init() {
	stressCmd.Flags().IntVarP(&stressKeys, "keys", "k", 500_000, "number of keys to insert")
	stressCmd.Flags().IntVarP(&stressWriters, "writers", "w", 4, "concurrent writer goroutines")
	stressCmd.Flags().IntVarP(&stressReaders, "readers", "r", 4, "concurrent reader goroutines")
	stressCmd.Flags().DurationVar(&stressDur, "timeout", time.Minute, "reader deadline")
}

// verify walks all keys single-threaded and counts the missing ones.
func verify(t *cspp.Trie, keys [][]byte) int {
	tok := t.GrabReaderToken()
	defer t.PutReaderToken(tok)

	missing := 0
	for _, k := range keys {
		if !t.Lookup(k, tok) {
			missing++
		}
	}
	return missing
}
