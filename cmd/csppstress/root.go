// Copyright (c) 2025 Karl Gaissmaier
// SPDX-License-Identifier: MIT

package main

import (
	"fmt"

	"github.com/gaissmai/cspp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	levelFlag int
	maxMem    uint64
	virtual   bool
	valSize   int
	verbose   bool

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "csppstress",
	Short: "load generator and inspector for the cspp trie",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if verbose {
			logger, err = zap.NewDevelopment()
		} else {
			logger, err = zap.NewProduction()
		}
		if err != nil {
			return err
		}
		if levelFlag < 0 || levelFlag > int(cspp.MultiWriteMultiRead) {
			return fmt.Errorf("invalid level %d", levelFlag)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
	Run: func(cmd *cobra.Command, args []string) {
		_ = cmd.Help()
	},
}

func execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().IntVarP(&levelFlag, "level", "l", int(cspp.OneWriteMultiRead), "concurrency level 0..4")
	rootCmd.PersistentFlags().Uint64VarP(&maxMem, "max-mem", "m", 64<<20, "arena memory limit in bytes")
	rootCmd.PersistentFlags().BoolVar(&virtual, "virtual", false, "back the arena with an anonymous mapping")
	rootCmd.PersistentFlags().IntVar(&valSize, "val-size", 8, "fixed value size in bytes")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "development logging")

	rootCmd.AddCommand(benchCmd)
	rootCmd.AddCommand(stressCmd)
	rootCmd.AddCommand(dumpCmd)
}

// newTrie builds a trie from the persistent flags.
func newTrie() (*cspp.Trie, error) {
	opts := []cspp.Option{
		cspp.WithMaxMem(maxMem),
		cspp.WithLevel(cspp.Level(levelFlag)),
	}
	if virtual {
		opts = append(opts, cspp.WithVirtualAlloc())
	}
	return cspp.New(valSize, opts...)
}
