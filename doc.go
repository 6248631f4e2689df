// Copyright (c) 2025 Karl Gaissmaier
// SPDX-License-Identifier: MIT

// Package cspp provides a concurrent in-memory Patricia trie mapping
// byte-string keys to fixed-size values, usable as the in-memory index
// layer of a key-value store or search index.
//
// All node and value storage lives in one arena addressed by 32-bit
// offsets, nodes use compact linear or dense child map encodings and
// every structural mutation is published with a single atomic store or
// swing, so lock-free readers always observe the old or the new shape,
// never a torn intermediate.
//
// Accessors carry tokens. A token is stamped with a monotonically
// increasing version on acquire and enqueued on a per-trie registry,
// superseded cells are parked on lazy free queues and return to the
// allocator only once no token old enough to reach them is live.
//
// Five concurrency levels specialize the insert path, from a read-only
// trie over single-writer operation up to many writers with many
// readers. The level is fixed at creation:
//
//	t, _ := cspp.New(4, cspp.WithLevel(cspp.OneWriteMultiRead))
//	defer t.Close()
//
//	w := t.GrabWriterToken()
//	t.Insert([]byte("abc"), []byte{1, 0, 0, 0}, w)
//	t.PutWriterToken(w)
//
//	r := t.GrabReaderToken()
//	if t.Lookup([]byte("abc"), r) {
//		_ = r.Value()
//	}
//	t.PutReaderToken(r)
//
// The trie grows monotonically, keys cannot be removed within a
// session.
package cspp
