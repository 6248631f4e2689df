// Copyright (c) 2025 Karl Gaissmaier
// SPDX-License-Identifier: MIT

package arena

import (
	"sync"
	"testing"
)

func TestSizeClass(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		n     int
		class int
		size  int
		fast  bool
	}{
		{1, 0, 8, true},
		{8, 0, 8, true},
		{9, 1, 16, true},
		{16, 1, 16, true},
		{17, 2, 32, true},
		{100, 4, 128, true},
		{2048, 8, 2048, true},
		{2049, 0, 2056, false},
		{5000, 0, 5000, false},
	}
	for _, tc := range testCases {
		class, size, fast := SizeClass(tc.n)
		if class != tc.class || size != tc.size || fast != tc.fast {
			t.Errorf("SizeClass(%d) = %d, %d, %v, want %d, %d, %v",
				tc.n, class, size, fast, tc.class, tc.size, tc.fast)
		}
	}
}

func TestNewLimits(t *testing.T) {
	t.Parallel()

	if _, err := New(1<<33, false, false); err == nil {
		t.Error("New beyond the 32-bit offset range must fail")
	}
	if _, err := New(8, false, false); err == nil {
		t.Error("New with a tiny limit must fail")
	}

	a, err := New(1<<16, false, false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	if a.Capacity() != 1<<16 {
		t.Errorf("Capacity() = %d, want %d", a.Capacity(), 1<<16)
	}
	if a.AlignSizeOf() != AlignSize {
		t.Errorf("AlignSizeOf() = %d, want %d", a.AlignSizeOf(), AlignSize)
	}
}

func TestAllocAlignmentAndNil(t *testing.T) {
	t.Parallel()

	a, err := New(1<<16, false, false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	for _, n := range []int{1, 8, 24, 100, 2048, 4000} {
		off, ok := a.Alloc(n)
		if !ok {
			t.Fatalf("Alloc(%d) failed", n)
		}
		if off == 0 {
			t.Fatalf("Alloc(%d) returned the nil offset", n)
		}
		if off%AlignSize != 0 {
			t.Fatalf("Alloc(%d) = %d, not %d-aligned", n, off, AlignSize)
		}
	}
}

func TestFreeReuse(t *testing.T) {
	t.Parallel()

	a, err := New(1<<16, false, false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	off1, _ := a.Alloc(64)
	a.Bytes(off1, 64)[0] = 0xAA
	a.Free(off1, 64)

	// same class, the freed cell must be served first
	off2, ok := a.Alloc(60)
	if !ok {
		t.Fatal("Alloc after Free failed")
	}
	if off2 != off1 {
		t.Errorf("Alloc did not reuse the freed cell: got %d, want %d", off2, off1)
	}
	if a.Bytes(off2, 64)[0] != 0 {
		t.Error("recycled cell not zeroed")
	}
}

func TestAllocSplit(t *testing.T) {
	t.Parallel()

	a, err := New(1<<12, false, false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	// exhaust the frontier, then free one big cell
	big, ok := a.Alloc(2048)
	if !ok {
		t.Fatal("Alloc(2048) failed")
	}
	for {
		if _, ok := a.Alloc(8); !ok {
			break
		}
	}
	a.Free(big, 2048)

	// a small request must now be carved out of the big cell
	off, ok := a.Alloc(8)
	if !ok {
		t.Fatal("Alloc(8) after split failed")
	}
	if off != big {
		t.Errorf("split cell at %d, want the head of the freed cell %d", off, big)
	}

	// the remainder decomposes into one cell per class in between
	st := a.GetStats()
	for c := 0; c < NumClasses-1; c++ {
		if st.Fastbin[c] != 1 {
			t.Errorf("fastbin[%d] = %d, want 1", c, st.Fastbin[c])
		}
	}
}

func TestAllocExhaustion(t *testing.T) {
	t.Parallel()

	a, err := New(1<<10, false, false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	n := 0
	for {
		if _, ok := a.Alloc(32); !ok {
			break
		}
		n++
	}
	if n == 0 {
		t.Fatal("no allocation succeeded")
	}
	if _, ok := a.Alloc(32); ok {
		t.Error("Alloc succeeded after exhaustion")
	}

	st := a.GetStats()
	if st.UsedSize > st.Capacity {
		t.Errorf("UsedSize %d > Capacity %d", st.UsedSize, st.Capacity)
	}
}

func TestHugeAllocFree(t *testing.T) {
	t.Parallel()

	a, err := New(1<<16, false, false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	off, ok := a.Alloc(MaxFastSize + 1)
	if !ok {
		t.Fatal("huge Alloc failed")
	}
	st := a.GetStats()
	if st.HugeCnt != 1 {
		t.Errorf("HugeCnt = %d, want 1", st.HugeCnt)
	}

	a.Free(off, MaxFastSize+1)
	st = a.GetStats()
	if st.HugeCnt != 0 {
		t.Errorf("HugeCnt after Free = %d, want 0", st.HugeCnt)
	}

	// the huge free list is reused first-fit
	off2, ok := a.Alloc(MaxFastSize + 1)
	if !ok {
		t.Fatal("huge Alloc after Free failed")
	}
	if off2 != off {
		t.Errorf("huge cell not reused: got %d, want %d", off2, off)
	}
}

func TestHugeSplitRemainder(t *testing.T) {
	t.Parallel()

	a, err := New(1<<16, false, false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	off, ok := a.Alloc(6000)
	if !ok {
		t.Fatal("huge Alloc failed")
	}
	a.Free(off, 6000)

	// a smaller request is carved off the head of the freed cell
	off2, ok := a.Alloc(2960)
	if !ok {
		t.Fatal("huge Alloc after Free failed")
	}
	if off2 != off {
		t.Errorf("smaller request not served from the freed cell: got %d, want %d", off2, off)
	}

	// the remainder stays on the free list and is handed out next
	off3, ok := a.Alloc(3040)
	if !ok {
		t.Fatal("remainder Alloc failed")
	}
	if off3 != off+2960 {
		t.Errorf("remainder not reused: got %d, want %d", off3, off+2960)
	}

	st := a.GetStats()
	if st.HugeSize != 6000 {
		t.Errorf("HugeSize = %d, want 6000", st.HugeSize)
	}
	if st.HugeCnt != 2 {
		t.Errorf("HugeCnt = %d, want 2", st.HugeCnt)
	}
}

func TestSharedConcurrentAllocFree(t *testing.T) {
	t.Parallel()

	a, err := New(1<<20, false, true)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	const goroutines = 8
	const rounds = 2000

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			offs := make([]uint32, 0, 16)
			for r := 0; r < rounds; r++ {
				off, ok := a.Alloc(64)
				if !ok {
					t.Error("Alloc failed under concurrency")
					return
				}
				offs = append(offs, off)
				if len(offs) == cap(offs) {
					for _, o := range offs {
						a.Free(o, 64)
					}
					offs = offs[:0]
				}
			}
			for _, o := range offs {
				a.Free(o, 64)
			}
		}()
	}
	wg.Wait()

	st := a.GetStats()
	var parked int64
	for _, c := range st.Fastbin {
		parked += c
	}
	if parked == 0 {
		t.Error("no cells parked in fastbins after concurrent free")
	}
}
