// Copyright (c) 2025 Karl Gaissmaier
// SPDX-License-Identifier: MIT

//go:build linux

package cspp

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// currentCPU samples the cpu the calling thread runs on, feeding the
// cpu clustering heuristic of the registry. x/sys/unix carries only
// the syscall number for getcpu(2), not a wrapper.
func currentCPU() int32 {
	var cpu uint32
	if _, _, errno := unix.RawSyscall(unix.SYS_GETCPU,
		uintptr(unsafe.Pointer(&cpu)), 0, 0); errno != 0 {
		return -1
	}
	return int32(cpu)
}
