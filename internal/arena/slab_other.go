// Copyright (c) 2025 Karl Gaissmaier
// SPDX-License-Identifier: MIT

//go:build !linux

package arena

// mapSlab on hosts without anonymous mappings, always a heap slab.
func mapSlab(size uint64, _ bool) ([]byte, bool, error) {
	return heapSlab(size), false, nil
}

func unmapSlab([]byte) error { return nil }
