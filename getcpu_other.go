// Copyright (c) 2025 Karl Gaissmaier
// SPDX-License-Identifier: MIT

//go:build !linux

package cspp

// currentCPU is unknowable without getcpu, the clustering heuristic
// degrades to a no-op.
func currentCPU() int32 { return -1 }
