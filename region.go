// Copyright (c) Roman Atachiants and contributors. All rights reserved.
// Licensed under the MIT license. See LICENSE file in the project root for details.

package audio64

import "unsafe"

// Region is the memory backing a sample buffer. On the console this must
// be an uncached view of RDRAM: the decode coprocessor writes samples
// behind the CPU's back, so the buffer must never be touched through a
// cached alias. NewRegion is the only supported way to obtain one; it
// guarantees the 8-byte alignment that direct DMA into the buffer needs.
type Region struct {
	data []byte
}

// NewRegion allocates an 8-byte-aligned region of nbytes bytes.
func NewRegion(nbytes int) Region {
	if nbytes <= 0 {
		panic("audio64: region size must be positive")
	}

	// Back the region with a []uint64 so that the base address is always
	// 8-byte aligned, whatever the allocator does.
	words := make([]uint64, (nbytes+7)/8)
	data := unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), nbytes)
	return Region{data: data}
}

// Bytes returns the raw backing storage.
func (r Region) Bytes() []byte { return r.data }

// Len returns the region size in bytes.
func (r Region) Len() int { return len(r.data) }

// cap8 returns the region storage rounded up to a full 8-byte word, which
// is always addressable thanks to the word-backed allocation.
func (r Region) cap8() []byte {
	return unsafe.Slice(&r.data[0], (len(r.data)+7)&^7)
}
