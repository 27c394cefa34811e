package malloc

import (
	"fmt"

	"github.com/bytedance/gopkg/lang/mcache"
)

// Allocate returns a pointer to size bytes of arena memory aligned to align.
//
// The search is next-fit: it starts at the cursor, follows the block list
// and wraps from the last block to the first, visiting every block at most
// once. The chosen block is split into the allocation and a free remainder,
// and the cursor moves to the remainder.
//
// If no block fits, Allocate writes the failed request and a Dump to the
// diagnostics output and returns an error wrapping ErrOutOfMemory. The heap
// is left untouched in that case.
func (h *Heap) Allocate(size, align int) (Ptr, error) {
	if size <= 0 {
		return Null, ErrBadSize
	}
	if align <= 0 || align&(align-1) != 0 {
		return Null, fmt.Errorf("%w, got %d", ErrBadAlign, align)
	}
	sz := alignUp(uint64(size), Granule)

	p, report, st := h.allocate(sz, uint64(align))
	if p == Null {
		h.reportExhausted(report, sz, align, st)
		return Null, fmt.Errorf("%w: size=%d align=%d", ErrOutOfMemory, size, align)
	}
	return p, nil
}

// allocate returns the new payload, or Null with the failure report rendered
// from the state the search saw.
func (h *Heap) allocate(sz, align uint64) (Ptr, []byte, Stats) {
	h.guard.Lock()
	defer h.guard.Unlock()

	if p, ok := h.search(sz, align); ok {
		return p, nil, Stats{}
	}
	report := mcache.Malloc(0, dumpLineSize*(h.blocks+3))
	report = fmt.Appendf(report, "Error trying to allocate size: 0x%X\n", sz)
	report = h.appendDump(report)
	return Null, report, h.stats()
}

func (h *Heap) search(sz, align uint64) (Ptr, bool) {
	if sz > uint64(h.arenaSize) {
		return Null, false
	}

	blk := h.cursor
	for n := h.blocks; n > 0; n-- {
		if h.isFree(blk) {
			pad := h.padding(blk, align)
			// the first block has no predecessor to absorb the padding
			if (pad == 0 || h.prev(blk) != none) && uint64(h.size(blk)) >= pad+sz+HeaderSize {
				p := h.split(blk, uint32(pad), uint32(sz))
				h.verifyLocked()
				return p, true
			}
		}
		if blk = h.next(blk); blk == none {
			blk = 0
		}
	}
	return Null, false
}

// padding returns the bytes needed to bring the payload of blk up to align.
func (h *Heap) padding(blk uint32, align uint64) uint64 {
	addr := uint64(h.payload(blk))
	return alignUp(addr, align) - addr
}

// split carves sz bytes out of the free block blk, pad bytes after its current header.
// blk must have room for pad + sz + HeaderSize.
func (h *Heap) split(blk, pad, sz uint32) Ptr {
	if pad > 0 {
		blk = h.shift(blk, pad)
	}

	next := h.next(blk)
	rem := blk + HeaderSize + sz
	h.writeHeader(rem, next, blk, h.size(blk)-sz-HeaderSize)
	if next != none {
		h.setPrev(next, rem)
	}

	h.setNext(blk, rem)
	h.setSize(blk, sz)
	h.setFree(blk, false)
	h.blocks++
	h.cursor = rem
	return h.payload(blk)
}

// shift moves the header of blk forward by pad bytes, handing the gap to its predecessor.
func (h *Heap) shift(blk, pad uint32) uint32 {
	prev, next, size := h.prev(blk), h.next(blk), h.size(blk)

	h.setSize(prev, h.size(prev)+pad)
	moved := blk + pad
	h.writeHeader(moved, next, prev, size-pad)
	h.setNext(prev, moved)
	if next != none {
		h.setPrev(next, moved)
	}
	if h.cursor == blk {
		h.cursor = moved
	}
	return moved
}

// reportExhausted writes a failure report to the diagnostics output outside
// the critical section, so the sink may call back into the heap.
func (h *Heap) reportExhausted(report []byte, sz uint64, align int, st Stats) {
	_, _ = h.out.Write(report)
	mcache.Free(report)

	h.logger.Warn("heap exhausted",
		"size", sz,
		"align", align,
		"blocks", st.Blocks,
		"free_bytes", st.FreeBytes,
		"largest_free", st.LargestFree)
}
