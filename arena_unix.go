// Copyright 2026 The Brk Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build darwin || dragonfly || freebsd || linux || openbsd || netbsd

package brk

// The OS-level growth primitive below stands in for sbrk/the program break:
// it reserves a large span of address space up front (cheap under
// overcommit, since nothing is backed by physical pages yet) and commits
// pageSize-aligned chunks of it read/write as the heap's high-water mark
// advances. This mirrors the teacher allocator's mmap-per-region approach
// while giving the block list the single contiguous region it requires,
// which a sequence of independent mmap calls could not guarantee.

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// arenaReserve bounds how much address space a single Allocator ever
// reserves; it is a ceiling on heap growth, not a commitment of memory.
const arenaReserve = 1 << 32 // 4 GiB of address space

// openArena reserves the arena's address span with no access rights and
// records the resulting base address. Nothing is committed yet.
func (a *Allocator) openArena() error {
	b, err := unix.Mmap(-1, 0, arenaReserve, unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return fmt.Errorf("brk: reserve arena: %w", err)
	}

	a.arena = b
	a.base = uintptr(unsafe.Pointer(&b[0]))
	a.nowPtr = a.base
	a.maxPtr = a.base
	return nil
}

// growArena commits n additional bytes (already page-size-aligned by the
// caller) at the current high-water mark, granting read/write access.
func (a *Allocator) growArena(n uintptr) error {
	if n == 0 {
		return nil
	}
	if a.maxPtr+n > a.base+arenaReserve {
		return ErrOutOfMemory
	}

	off := a.maxPtr - a.base
	chunk := a.arena[off : off+n]
	if err := unix.Mprotect(chunk, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return fmt.Errorf("brk: grow arena: %w", err)
	}

	a.maxPtr += n
	return nil
}

// closeArena releases the entire reservation back to the OS. It is not
// required for correctness (nothing else in a process frees an allocator's
// arena); it exists so long-lived test processes and benchmarks can avoid
// accumulating reservations across many Allocator values.
func (a *Allocator) closeArena() error {
	if a.arena == nil {
		return nil
	}

	err := unix.Munmap(a.arena)
	*a = Allocator{}
	return err
}
