package malloc

// Free returns the block owning p to the heap and merges it with free neighbours.
// Freeing Null is a no-op.
//
// p must be a live pointer returned by Allocate. Double frees and pointers into
// the middle of a block are not detected and corrupt the block list; only
// pointers outside the arena are rejected, with a panic.
func (h *Heap) Free(p Ptr) {
	if p == Null {
		return
	}
	if !h.inArena(p) {
		panic("malloc: pointer not in arena")
	}

	h.guard.Lock()
	defer h.guard.Unlock()

	blk := h.header(p)
	h.setFree(blk, true)

	if next := h.next(blk); next != none && h.isFree(next) {
		h.absorb(blk, next)
	}
	if prev := h.prev(blk); prev != none && h.isFree(prev) {
		h.absorb(prev, blk)
		blk = prev
	}

	// keep the cursor on a large free region
	if h.size(blk) > h.size(h.cursor) {
		h.cursor = blk
	}
	h.verifyLocked()
}

// absorb merges src into its predecessor dst. The header of src ceases to exist.
func (h *Heap) absorb(dst, src uint32) {
	h.setSize(dst, h.size(dst)+HeaderSize+h.size(src))

	next := h.next(src)
	h.setNext(dst, next)
	if next != none {
		h.setPrev(next, dst)
	}
	h.blocks--

	if h.cursor == src {
		h.cursor = dst
	}
}
