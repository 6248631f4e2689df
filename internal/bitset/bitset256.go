// Copyright (c) 2025 Karl Gaissmaier
// SPDX-License-Identifier: MIT

// Package bitset implements a fixed size bitset for the 256 possible
// branch bytes of a radix node.
//
// Studied [github.com/bits-and-blooms/bitset] inside out
// and rewrote needed parts from scratch for this project.
package bitset

import (
	"fmt"
	"math/bits"
)

// the expressions
//
//	i>>6 or i<<6 and i&63
//
// are (i / 64) and (i % 64), not factored out as functions to keep
// the methods inlineable with minimal costs.

// BitSet256 represents a fixed size bitset from [0..255]
type BitSet256 [4]uint64

func (b *BitSet256) String() string {
	return fmt.Sprint(b.AsSlice(make([]uint, 0, 256)))
}

// MustSet sets the bit, it panic's if bit is > 255 by intention!
func (b *BitSet256) MustSet(bit uint) {
	b[bit>>6] |= 1 << (bit & 63)
}

// Size is the number of set bits.
func (b *BitSet256) Size() int {
	return bits.OnesCount64(b[0]) +
		bits.OnesCount64(b[1]) +
		bits.OnesCount64(b[2]) +
		bits.OnesCount64(b[3])
}

// AsSlice appends all set bits to buf and returns it,
// without heap allocations if buf has sufficient capacity.
func (b *BitSet256) AsSlice(buf []uint) []uint {
	for wIdx, word := range b {
		for word != 0 {
			buf = append(buf, uint(wIdx<<6+bits.TrailingZeros64(word)))
			word &= word - 1 // clear the rightmost set bit
		}
	}
	return buf
}
