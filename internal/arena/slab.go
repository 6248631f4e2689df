// Copyright (c) 2025 Karl Gaissmaier
// SPDX-License-Identifier: MIT

package arena

import "unsafe"

// heapSlab allocates the backing region on the Go heap. The slab is
// allocated as []uint64 so the base is AlignSize aligned, a plain
// []byte make gives no alignment guarantee.
func heapSlab(size uint64) []byte {
	words := make([]uint64, size/AlignSize)
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size)
}
