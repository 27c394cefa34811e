package malloc

import "unsafe"

const (
	// HeaderSize is the size of the block header placed in front of every payload.
	// Layout: [4 bytes next][4 bytes prev][4 bytes size][4 bytes flags]
	HeaderSize = 16

	// Granule is the rounding unit of payload sizes. It keeps every header 8-byte aligned.
	Granule = 8

	// none marks a missing neighbour in next/prev.
	none = ^uint32(0)

	flagFree uint32 = 1
)

// header field accessors. off is the arena offset of a block header.

func (h *Heap) field(off, i uint32) *uint32 {
	return (*uint32)(unsafe.Add(h.start, uintptr(off)+uintptr(i)*4))
}

func (h *Heap) next(off uint32) uint32 { return *h.field(off, 0) }
func (h *Heap) prev(off uint32) uint32 { return *h.field(off, 1) }
func (h *Heap) size(off uint32) uint32 { return *h.field(off, 2) }

func (h *Heap) isFree(off uint32) bool { return *h.field(off, 3)&flagFree != 0 }

func (h *Heap) setNext(off, v uint32) { *h.field(off, 0) = v }
func (h *Heap) setPrev(off, v uint32) { *h.field(off, 1) = v }
func (h *Heap) setSize(off, v uint32) { *h.field(off, 2) = v }

func (h *Heap) setFree(off uint32, free bool) {
	if free {
		*h.field(off, 3) = flagFree
	} else {
		*h.field(off, 3) = 0
	}
}

// writeHeader places a complete free header at off.
func (h *Heap) writeHeader(off, next, prev, size uint32) {
	*h.field(off, 0) = next
	*h.field(off, 1) = prev
	*h.field(off, 2) = size
	*h.field(off, 3) = flagFree
}

// payload converts a header offset to the address handed out to callers.
func (h *Heap) payload(off uint32) Ptr {
	return h.base + Ptr(off) + HeaderSize
}

// header converts a payload address back to its header offset.
func (h *Heap) header(p Ptr) uint32 {
	return uint32(p - h.base - HeaderSize)
}

// addr converts a header offset to an address, or Null for none.
func (h *Heap) addr(off uint32) Ptr {
	if off == none {
		return Null
	}
	return h.base + Ptr(off)
}

// inArena reports whether p could be a payload address of this arena.
func (h *Heap) inArena(p Ptr) bool {
	return p >= h.base+HeaderSize && p < h.base+Ptr(h.arenaSize) && (p-h.base)%Granule == 0
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}
