// Copyright 2026 The Brk Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build windows

package brk

import (
	"fmt"

	"golang.org/x/sys/windows"
)

const arenaReserve = 1 << 32 // 4 GiB of address space

// openArena reserves the arena's address span with MEM_RESERVE (no backing
// pages, no access rights yet) and records the resulting base address.
func (a *Allocator) openArena() error {
	addr, err := windows.VirtualAlloc(0, arenaReserve, windows.MEM_RESERVE, windows.PAGE_NOACCESS)
	if err != nil {
		return fmt.Errorf("brk: reserve arena: %w", err)
	}

	a.base = addr
	a.nowPtr = addr
	a.maxPtr = addr
	return nil
}

// growArena commits n additional bytes at the current high-water mark via
// MEM_COMMIT, granting read/write access.
func (a *Allocator) growArena(n uintptr) error {
	if n == 0 {
		return nil
	}
	if a.maxPtr+n > a.base+arenaReserve {
		return ErrOutOfMemory
	}

	if _, err := windows.VirtualAlloc(a.maxPtr, n, windows.MEM_COMMIT, windows.PAGE_READWRITE); err != nil {
		return fmt.Errorf("brk: grow arena: %w", err)
	}

	a.maxPtr += n
	return nil
}

// closeArena releases the entire reservation back to the OS.
func (a *Allocator) closeArena() error {
	if a.base == 0 {
		return nil
	}

	err := windows.VirtualFree(a.base, 0, windows.MEM_RELEASE)
	*a = Allocator{}
	return err
}
