// Copyright (c) 2025 Karl Gaissmaier
// SPDX-License-Identifier: MIT

package bitset

import (
	"slices"
	"testing"
)

func TestZeroValue(t *testing.T) {
	t.Parallel()
	defer func() {
		if r := recover(); r != nil {
			t.Errorf("A zero value bitset must not panic: %v", r)
		}
	}()

	var b BitSet256

	b = BitSet256{}
	b.MustSet(0)

	b = BitSet256{}
	b.Size()

	b = BitSet256{}
	b.AsSlice(nil)
}

func TestSize(t *testing.T) {
	t.Parallel()
	var b BitSet256

	if b.Size() != 0 {
		t.Errorf("Size() = %d, want 0", b.Size())
	}
	for _, bit := range []uint{0, 1, 63, 64, 127, 128, 200, 255} {
		b.MustSet(bit)
	}
	if b.Size() != 8 {
		t.Errorf("Size() = %d, want 8", b.Size())
	}
}

func TestAsSlice(t *testing.T) {
	t.Parallel()
	var b BitSet256

	bits := []uint{3, 65, 129, 130, 250}
	for _, bit := range bits {
		b.MustSet(bit)
	}

	buf := make([]uint, 0, 256)
	if got := b.AsSlice(buf); !slices.Equal(got, bits) {
		t.Errorf("AsSlice() = %v, want %v", got, bits)
	}
}

func TestString(t *testing.T) {
	t.Parallel()
	var b BitSet256

	b.MustSet(7)
	b.MustSet(200)
	if got := b.String(); got != "[7 200]" {
		t.Errorf("String() = %q, want %q", got, "[7 200]")
	}
}
