// Copyright 2026 The Brk Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package brk implements a first-fit, boundary-tag-free heap allocator
// backed by a single contiguous region grown on demand, standing in for the
// classic "sbrk + doubly linked block list" allocator taught in systems
// courses. An Allocator's zero value is ready to use.
//
// The allocator is intentionally single-threaded: an Allocator is not safe
// for concurrent use by multiple goroutines without external locking. It
// carries no size classes, no large-allocation mmap path, and no alignment
// guarantee beyond 8 bytes.
package brk

import (
	"errors"
	"unsafe"

	"github.com/cznic/mathutil"
)

const (
	// pageSize is the growth unit requested from the OS-level reservation
	// each time the heap must grow, independent of the host's own page size.
	pageSize = 16384

	// minBlock is the smallest payload a block may hold; split never
	// produces a remainder smaller than this.
	minBlock = 8
)

// ErrOutOfMemory is returned when the underlying virtual memory reservation
// cannot be grown or committed any further. It never indicates a logical
// allocator condition (those are reported as a nil pointer, per the
// documented contract of Malloc/Calloc/Realloc).
var ErrOutOfMemory = errors.New("brk: out of memory")

// block is the in-band header preceding every payload, free or busy. Blocks
// are laid out back-to-back in address order and double-linked in that same
// order.
type block struct {
	size uint64 // payload length in bytes, always a positive multiple of 8
	prev *block // nil iff this is the lowest-addressed block
	next *block // nil iff this is the highest-addressed (top) block
	free bool
	self unsafe.Pointer // payload address; a validity witness for free/realloc
}

// headerSize is the fixed header footprint, rounded up to preserve 8-byte
// payload alignment. On a typical 64-bit build this computes to 40 bytes,
// matching the classic textbook allocator's BLOCK_SIZE.
var headerSize = align8(uint64(unsafe.Sizeof(block{})))

// align8 rounds s up to the nearest multiple of 8.
func align8(s uint64) uint64 {
	if s&0x7 == 0 {
		return s
	}
	return ((s >> 3) + 1) << 3
}

// headerOf returns the header address for a payload pointer. The caller must
// already know p is a live allocation; headerOf performs no validation.
func headerOf(p unsafe.Pointer) *block {
	return (*block)(unsafe.Pointer(uintptr(p) - uintptr(headerSize)))
}

// payloadOf returns the payload address immediately following b's header.
func payloadOf(b *block) unsafe.Pointer {
	return unsafe.Pointer(uintptr(unsafe.Pointer(b)) + uintptr(headerSize))
}

// Allocator is one independent heap: a reserved address range, a high-water
// mark, and the doubly linked block list occupying a prefix of it.
//
// The zero value is an empty, unopened heap; the underlying reservation is
// created lazily on the first call that needs to grow the heap. Allocator
// is not safe for concurrent use.
type Allocator struct {
	opened bool   // whether the OS-level reservation has been made
	arena  []byte // backing reservation on unix; unused on windows
	base   uintptr
	nowPtr uintptr // next free byte beyond all existing blocks
	maxPtr uintptr // current high-water mark granted by the OS
	first  *block  // lowest-addressed block, or nil if the heap is empty

	allocs int // outstanding allocations, for bookkeeping/tests only
}

// std is the default, process-wide Allocator backing the package-level
// Malloc/Calloc/Free/Realloc functions, so the package can be used the way a
// C allocator's linked-in symbols would be: without constructing anything.
var std Allocator

// Malloc allocates size bytes from the default heap. See (*Allocator).Malloc.
func Malloc(size int) (unsafe.Pointer, error) { return std.Malloc(size) }

// Calloc allocates a zeroed array of num elements of size bytes each from the
// default heap. See (*Allocator).Calloc.
func Calloc(num, size int) (unsafe.Pointer, error) { return std.Calloc(num, size) }

// Free releases p back to the default heap. See (*Allocator).Free.
func Free(p unsafe.Pointer) error { return std.Free(p) }

// Realloc resizes p in the default heap. See (*Allocator).Realloc.
func Realloc(p unsafe.Pointer, size int) (unsafe.Pointer, error) { return std.Realloc(p, size) }

// Close releases the OS-level reservation backing a and resets it to its
// zero value. It is not necessary to Close an Allocator when exiting a
// process; it exists for long-running tests and benchmarks that construct
// many Allocator values.
func (a *Allocator) Close() error {
	return a.closeArena()
}

// reserve is the heap bump interface: it returns the address of a
// contiguous range of n bytes beyond the heap's current end and advances
// that end by n, growing the underlying OS reservation first if needed.
//
// On first use it opens the arena by reserving address space and reading
// the starting "program break" position. Growth is requested in whole
// multiples of pageSize. reserve returns an error only if the OS-level
// reservation cannot be extended; callers propagate that failure as a nil
// allocation.
func (a *Allocator) reserve(n uintptr) (unsafe.Pointer, error) {
	if !a.opened {
		if err := a.openArena(); err != nil {
			return nil, err
		}
		a.opened = true
	}

	if a.nowPtr+n > a.maxPtr {
		shortfall := (a.nowPtr + n) - a.maxPtr
		grown := ((shortfall + pageSize - 1) / pageSize) * pageSize
		if err := a.growArena(grown); err != nil {
			return nil, err
		}
	}

	start := a.nowPtr
	a.nowPtr += n
	return unsafe.Pointer(start), nil
}

// extendHeap reserves a new block of s payload bytes at the tail of the
// heap, wiring it after last (which may be nil for the very first block).
func (a *Allocator) extendHeap(last *block, s uint64) (*block, error) {
	raw, err := a.reserve(uintptr(headerSize) + uintptr(s))
	if err != nil {
		return nil, err
	}

	b := (*block)(raw)
	b.size = s
	b.next = nil
	b.prev = last
	b.free = false
	b.self = payloadOf(b)
	if last != nil {
		last.next = b
	}
	return b, nil
}

// findBlock performs a first-fit scan of the block list, returning the
// first free block whose size is at least size, and separately the last
// block visited (the tail, used by the caller to append a new block when no
// fit is found).
func (a *Allocator) findBlock(size uint64) (found, last *block) {
	b := a.first
	for b != nil {
		if b.free && b.size >= size {
			return b, last
		}
		last = b
		b = b.next
	}
	return nil, last
}

// splitBlock divides an oversized free-turned-allocated block b in two: the
// first newSize bytes stay with b, the remainder becomes a new free block
// linked between b and b's old next. Callers must only call splitBlock when
// b.size >= newSize + headerSize + minBlock.
func (a *Allocator) splitBlock(b *block, newSize uint64) {
	remainder := b.size - newSize - uint64(headerSize)

	nb := (*block)(unsafe.Pointer(uintptr(payloadOf(b)) + uintptr(newSize)))
	nb.size = remainder
	nb.next = b.next
	nb.prev = b
	nb.free = true
	nb.self = payloadOf(nb)

	b.size = newSize
	b.next = nb
	if nb.next != nil {
		nb.next.prev = nb
	}
}

// fusion absorbs b's next block into b if that neighbour exists and is
// free. It does nothing otherwise, and never looks further than one block
// ahead. Returns b.
func (a *Allocator) fusion(b *block) *block {
	if b.next != nil && b.next.free {
		b.size += uint64(headerSize) + b.next.size
		b.next = b.next.next
		if b.next != nil {
			b.next.prev = b
		}
	}
	return b
}

// validAddr reports whether p is a live payload pointer returned by this
// Allocator: it must fall strictly within the block list's address range
// and its header's self-pointer must point back at it. Returns false for
// nil.
func (a *Allocator) validAddr(p unsafe.Pointer) bool {
	if p == nil || a.first == nil {
		return false
	}

	up := uintptr(p)
	if up < uintptr(payloadOf(a.first)) || up >= a.nowPtr {
		return false
	}
	return headerOf(p).self == p
}

// Malloc allocates size bytes and returns a pointer to the start of the
// payload, or nil if no memory is available. The payload is not
// initialized. A size of zero is rounded up to the minimum block (8 bytes)
// rather than refused.
func (a *Allocator) Malloc(size int) (unsafe.Pointer, error) {
	if size < 0 {
		return nil, errors.New("brk: negative size")
	}

	s := align8(uint64(size))
	if s == 0 {
		s = minBlock
	}

	if a.first == nil {
		b, err := a.extendHeap(nil, s)
		if err != nil {
			return nil, err
		}
		a.first = b
		a.allocs++
		return b.self, nil
	}

	found, last := a.findBlock(s)
	if found != nil {
		if found.size-s >= uint64(headerSize)+minBlock {
			a.splitBlock(found, s)
		}
		found.free = false
		a.allocs++
		return found.self, nil
	}

	b, err := a.extendHeap(last, s)
	if err != nil {
		return nil, err
	}
	a.allocs++
	return b.self, nil
}

// Calloc allocates a zeroed block of num*size bytes, equivalent to
// Malloc(num*size) followed by zeroing exactly that many bytes. Returns an
// error if num*size overflows a 64-bit byte count.
func (a *Allocator) Calloc(num, size int) (unsafe.Pointer, error) {
	if num < 0 || size < 0 {
		return nil, errors.New("brk: negative size")
	}

	if size != 0 && mathutil.BitLen(num)+mathutil.BitLen(size) > 63 {
		return nil, errors.New("brk: calloc size overflow")
	}

	n := uint64(num) * uint64(size)
	p, err := a.Malloc(int(n))
	if err != nil || p == nil {
		return p, err
	}

	b := unsafe.Slice((*byte)(p), n)
	clear(b)
	return p, nil
}

// Free releases the payload at p back to the heap. Passing nil, or any
// pointer not currently allocated by this Allocator, is a silent no-op.
func (a *Allocator) Free(p unsafe.Pointer) error {
	if !a.validAddr(p) {
		return nil
	}

	b := headerOf(p)
	b.free = true
	a.allocs--

	if b.prev != nil && b.prev.free {
		b = a.fusion(b.prev)
	}

	if b.next != nil {
		a.fusion(b)
		return nil
	}

	if b.prev != nil {
		b.prev.next = nil
	} else {
		a.first = nil
	}
	a.nowPtr -= uintptr(headerSize) + uintptr(b.size)
	return nil
}

// Realloc resizes the allocation at p to size bytes, preserving its content
// up to the lesser of the old and new sizes. p may move; the returned
// pointer is the one to use afterward. If p is nil, Realloc behaves exactly
// like Malloc. If p is not a live allocation, Realloc returns nil and leaves
// the caller's pointer untouched. Unlike some C allocators, Realloc(p, 0)
// is not special-cased into an implicit free; it shrinks to the minimum
// block like any other small size.
func (a *Allocator) Realloc(p unsafe.Pointer, size int) (unsafe.Pointer, error) {
	if p == nil {
		return a.Malloc(size)
	}
	if !a.validAddr(p) {
		return nil, nil
	}
	if size < 0 {
		return nil, errors.New("brk: negative size")
	}

	s := align8(uint64(size))
	if s == 0 {
		s = minBlock
	}

	b := headerOf(p)

	if b.size >= s {
		if b.size-s >= uint64(headerSize)+minBlock {
			a.splitBlock(b, s)
			a.fusion(b.next) // merge the free remainder with a free successor
		}
		return p, nil
	}

	if b.next != nil && b.next.free && b.size+uint64(headerSize)+b.next.size >= s {
		a.fusion(b)
		if b.size-s >= uint64(headerSize)+minBlock {
			a.splitBlock(b, s)
		}
		return p, nil
	}

	q, err := a.Malloc(size)
	if err != nil || q == nil {
		return nil, err
	}

	n := b.size
	if s < n {
		n = s
	}
	copy(unsafe.Slice((*byte)(q), n), unsafe.Slice((*byte)(p), n))
	a.Free(p)
	return q, nil
}

// UsableSize reports the payload size of the live allocation at p, or 0 if
// p is not a live payload pointer returned by a.
func (a *Allocator) UsableSize(p unsafe.Pointer) int {
	if !a.validAddr(p) {
		return 0
	}
	return int(headerOf(p).size)
}

// MallocBytes is like Malloc but returns the payload as a byte slice of
// length size, for callers that would rather not handle unsafe.Pointer
// directly.
func (a *Allocator) MallocBytes(size int) ([]byte, error) {
	p, err := a.Malloc(size)
	if err != nil || p == nil {
		return nil, err
	}
	return unsafe.Slice((*byte)(p), size), nil
}

// CallocBytes is like Calloc but returns the zeroed payload as a byte slice.
func (a *Allocator) CallocBytes(num, size int) ([]byte, error) {
	p, err := a.Calloc(num, size)
	if err != nil || p == nil {
		return nil, err
	}
	return unsafe.Slice((*byte)(p), num*size), nil
}

// FreeBytes is like Free but takes the byte slice returned by MallocBytes,
// CallocBytes or ReallocBytes. An empty slice (len zero) is a no-op, mirroring
// Free(nil).
func (a *Allocator) FreeBytes(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return a.Free(unsafe.Pointer(&b[0]))
}

// ReallocBytes is like Realloc but takes and returns byte slices.
func (a *Allocator) ReallocBytes(b []byte, size int) ([]byte, error) {
	var p unsafe.Pointer
	if len(b) != 0 {
		p = unsafe.Pointer(&b[0])
	}

	q, err := a.Realloc(p, size)
	if err != nil || q == nil {
		return nil, err
	}
	return unsafe.Slice((*byte)(q), size), nil
}
