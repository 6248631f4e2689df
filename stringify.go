// Copyright (c) 2025 Karl Gaissmaier
// SPDX-License-Identifier: MIT

package cspp

import (
	"fmt"
	"io"
	"strings"
)

// String returns a hierarchical tree diagram of the node structure,
// just a wrapper for [Trie.Fprint]. If Fprint returns an error,
// String panics.
func (t *Trie) String() string {
	w := new(strings.Builder)
	if err := t.Fprint(w); err != nil {
		panic(err)
	}
	return w.String()
}

// Fprint writes a hierarchical tree diagram of the trie to w, one
// line per node with its branch byte, label, terminal marker and
// layout:
//
//	▼
//	├─ 'a' → "b" linear/4
//	│  ├─ 'c' → "" ● linear/4
//	│  └─ 'd' → "" ● linear/4
//	└─ 'x' → "yz" ● linear/4
//
// Debug aid, the walk is not synchronized against writers, call it
// quiescent or behind an acquired token.
func (t *Trie) Fprint(w io.Writer) error {
	if _, err := fmt.Fprintln(w, "▼"); err != nil {
		return err
	}
	return t.fprintRec(w, t.root, "")
}

func (t *Trie) fprintRec(w io.Writer, off uint32, pad string) error {
	m := t.loadMeta(off)
	kids := t.branchBytes(off, m, nil)

	for i, b := range kids {
		child, _, ok := t.findChild(off, m, b)
		if !ok {
			continue
		}

		glyph, space := "├─ ", "│  "
		if i == len(kids)-1 {
			glyph, space = "└─ ", "   "
		}

		cm := t.loadMeta(child)
		if _, err := fmt.Fprintf(w, "%s%s%s\n", pad, glyph, nodeString(t, child, b, cm)); err != nil {
			return err
		}
		if err := t.fprintRec(w, child, pad+space); err != nil {
			return err
		}
	}
	return nil
}

func nodeString(t *Trie, off uint32, edge byte, m uint64) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "%q → %q", edge, t.nodeLabel(off, m))
	if metaIsFinal(m) {
		sb.WriteString(" ●")
	}
	if metaIsDense(m) {
		bs := t.bitmapSnapshot(childBase(off, m))
		fmt.Fprintf(&sb, " dense/%d", bs.Size())
	} else {
		fmt.Fprintf(&sb, " linear/%d", metaLinearCap(m))
	}
	return sb.String()
}

// String formats the memory statistics, one fastbin per size class.
func (s MemStat) String() string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "used: %d capacity: %d frag: %d\n", s.UsedSize, s.Capacity, s.FragSize)
	fmt.Fprintf(&sb, "huge: %d bytes in %d cells\n", s.HugeSize, s.HugeCnt)
	fmt.Fprintf(&sb, "lazy: %d bytes in %d cells\n", s.LazyFreeSum, s.LazyFreeCnt)
	for i, cnt := range s.Fastbin {
		fmt.Fprintf(&sb, "fastbin[%4d]: %d\n", 8<<i, cnt)
	}
	return sb.String()
}
