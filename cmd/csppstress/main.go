// Copyright (c) 2025 Karl Gaissmaier
// SPDX-License-Identifier: MIT

// Command csppstress exercises the trie under load, a workbench for
// the concurrency levels and the token protocol.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
