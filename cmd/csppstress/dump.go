// Copyright (c) 2025 Karl Gaissmaier
// SPDX-License-Identifier: MIT

package main

import (
	"bufio"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var dumpPrefix string

var dumpCmd = &cobra.Command{
	Use:   "dump [wordfile]",
	Short: "Build a trie from a word list and print its node structure",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := newTrie()
		if err != nil {
			return err
		}
		defer t.Close()

		in := os.Stdin
		if len(args) == 1 {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			in = f
		}

		tok := t.GrabWriterToken()
		val := make([]byte, valSize)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			word := scanner.Bytes()
			if len(word) == 0 {
				continue
			}
			if t.Insert(word, val, tok) && tok.Value() == nil {
				t.PutWriterToken(tok)
				return fmt.Errorf("out of memory after %d words", t.NumWords())
			}
		}
		t.PutWriterToken(tok)
		if err := scanner.Err(); err != nil {
			return err
		}

		logger.Info("dump", zap.Uint64("words", t.NumWords()))

		if dumpPrefix != "" {
			it := t.NewIter(0)
			defer it.Close()
			for ok := it.SeekPrefix([]byte(dumpPrefix)); ok; ok = it.Next() {
				fmt.Printf("%s\n", it.Key())
			}
			return nil
		}

		fmt.Print(t.String())
		return nil
	},
}

func init() {
	dumpCmd.Flags().StringVarP(&dumpPrefix, "prefix", "p", "", "list keys below prefix instead of the node diagram")
}
