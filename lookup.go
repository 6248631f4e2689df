// Copyright (c) 2025 Karl Gaissmaier
// SPDX-License-Identifier: MIT

package cspp

import "bytes"

// lookup walks the trie matching compressed labels. Readers are
// lock-free on every level, they load the meta word and child entries
// atomically and tolerate superseded (dead) nodes, which stay
// internally consistent until lazy reclamation.
func (t *Trie) lookup(key []byte, tok *Token) bool {
	if tok != nil {
		tok.value = nil
	}

	n := t.root
	i := 0
	for {
		m := t.loadMeta(n)

		if ll := metaLabelLen(m); ll > 0 {
			if len(key)-i < ll || !bytes.Equal(t.nodeLabel(n, m), key[i:i+ll]) {
				return false
			}
			i += ll
		}

		if i == len(key) {
			if !metaIsFinal(m) {
				return false
			}
			if tok != nil {
				tok.value = t.valueBytes(metaVal(m))
			}
			return true
		}

		child, _, ok := t.findChild(n, m, key[i])
		if !ok {
			return false
		}
		n = child
		i++
	}
}
