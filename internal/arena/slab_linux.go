// Copyright (c) 2025 Karl Gaissmaier
// SPDX-License-Identifier: MIT

//go:build linux

package arena

import "golang.org/x/sys/unix"

// mapSlab reserves the backing region. With virtual set an anonymous
// private mapping is used, the kernel then commits pages on first
// touch and a mostly empty trie stays cheap even with a large memory
// limit. Falls back to the heap slab if the mapping fails.
func mapSlab(size uint64, virtual bool) ([]byte, bool, error) {
	if virtual {
		mem, err := unix.Mmap(-1, 0, int(size),
			unix.PROT_READ|unix.PROT_WRITE,
			unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
		if err == nil {
			return mem, true, nil
		}
	}
	return heapSlab(size), false, nil
}

func unmapSlab(mem []byte) error {
	return unix.Munmap(mem)
}
