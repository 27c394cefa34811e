package malloc

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/bytedance/gopkg/lang/mcache"
	"github.com/bytedance/gopkg/util/xxhash3"
)

// dumpLineSize fits one Dump line with 64-bit addresses.
const dumpLineSize = 256

// Block describes one block of the arena.
type Block struct {
	Header  Ptr // address of the header
	Payload Ptr // address handed out by Allocate
	Prev    Ptr // header address of the previous block, or Null
	Next    Ptr // header address of the next block, or Null
	Size    int // payload bytes
	Free    bool
}

// Stats summarizes the block list.
type Stats struct {
	Blocks      int
	FreeBlocks  int
	FreeBytes   int // payload bytes of free blocks
	UsedBytes   int // payload bytes of used blocks
	LargestFree int
}

// Walk calls fn for every block from the start of the arena to its end, until fn returns false.
// fn must not call back into the heap.
func (h *Heap) Walk(fn func(b Block) bool) {
	h.guard.Lock()
	defer h.guard.Unlock()
	h.walk(fn)
}

func (h *Heap) walk(fn func(b Block) bool) {
	if h.blocks == 0 {
		return
	}
	for off := uint32(0); off != none; off = h.next(off) {
		b := Block{
			Header:  h.addr(off),
			Payload: h.payload(off),
			Prev:    h.addr(h.prev(off)),
			Next:    h.addr(h.next(off)),
			Size:    int(h.size(off)),
			Free:    h.isFree(off),
		}
		if !fn(b) {
			return
		}
	}
}

// Blocks returns a snapshot of the block list in address order.
func (h *Heap) Blocks() []Block {
	h.guard.Lock()
	defer h.guard.Unlock()
	bs := make([]Block, 0, h.blocks)
	h.walk(func(b Block) bool {
		bs = append(bs, b)
		return true
	})
	return bs
}

// Stats returns a summary of the block list.
func (h *Heap) Stats() Stats {
	h.guard.Lock()
	defer h.guard.Unlock()
	return h.stats()
}

func (h *Heap) stats() Stats {
	var st Stats
	h.walk(func(b Block) bool {
		st.Blocks++
		if !b.Free {
			st.UsedBytes += b.Size
			return true
		}
		st.FreeBlocks++
		st.FreeBytes += b.Size
		if b.Size > st.LargestFree {
			st.LargestFree = b.Size
		}
		return true
	})
	return st
}

// Dump writes every block header to the diagnostics output.
func (h *Heap) Dump() {
	_ = h.DumpTo(h.out)
}

// DumpTo writes the cursor and every block header to w, one line per block:
//
//	Cursor: 0xa00078
//	Dumping heap block headers:
//	[0] Header: 0xa00000 | Blk: 0xa00010 | Prev: (nil) | Next: 0xa00078 | Sz: 0x68 | Free: 0
//
// It returns the first write error.
func (h *Heap) DumpTo(w io.Writer) (err error) {
	h.guard.Lock()
	defer h.guard.Unlock()

	line := mcache.Malloc(0, dumpLineSize)
	defer mcache.Free(line)

	if _, err = w.Write(h.appendDumpHeader(line[:0])); err != nil {
		return err
	}
	i := 0
	h.walk(func(b Block) bool {
		_, err = w.Write(appendDumpLine(line[:0], i, b))
		i++
		return err == nil
	})
	return err
}

// appendDump appends the whole DumpTo output to buf. The guard must be held.
func (h *Heap) appendDump(buf []byte) []byte {
	buf = h.appendDumpHeader(buf)
	i := 0
	h.walk(func(b Block) bool {
		buf = appendDumpLine(buf, i, b)
		i++
		return true
	})
	return buf
}

func (h *Heap) appendDumpHeader(buf []byte) []byte {
	return fmt.Appendf(buf, "Cursor: %s\nDumping heap block headers:\n", fmtPtr(h.addr(h.cursor)))
}

func appendDumpLine(buf []byte, i int, b Block) []byte {
	free := 0
	if b.Free {
		free = 1
	}
	return fmt.Appendf(buf, "[%d] Header: %s | Blk: %s | Prev: %s | Next: %s | Sz: 0x%X | Free: %d\n",
		i, fmtPtr(b.Header), fmtPtr(b.Payload), fmtPtr(b.Prev), fmtPtr(b.Next), b.Size, free)
}

func fmtPtr(p Ptr) string {
	if p == Null {
		return "(nil)"
	}
	return fmt.Sprintf("%#x", uintptr(p))
}

// Fingerprint returns a digest of the block list layout and the cursor.
// Two heaps with the same fingerprint hold the same blocks in the same states.
func (h *Heap) Fingerprint() uint64 {
	h.guard.Lock()
	defer h.guard.Unlock()

	n := 4 + h.blocks*16
	buf := mcache.Malloc(0, n)
	defer mcache.Free(buf)

	b := binary.LittleEndian.AppendUint32(buf[:0], h.cursor)
	if h.blocks > 0 {
		for off := uint32(0); off != none; off = h.next(off) {
			b = binary.LittleEndian.AppendUint32(b, off)
			b = binary.LittleEndian.AppendUint32(b, h.prev(off))
			b = binary.LittleEndian.AppendUint32(b, h.size(off))
			b = binary.LittleEndian.AppendUint32(b, *h.field(off, 3))
		}
	}
	return xxhash3.Hash(b)
}

// Check verifies the block list invariants:
//   - blocks are contiguous and cover the arena exactly,
//   - HeaderSize*blocks + sum of sizes equals the arena size,
//   - next and prev links are symmetric,
//   - no two adjacent blocks are both free,
//   - the cursor is a live block.
//
// It returns a *CorruptionError describing the first violation.
func (h *Heap) Check() error {
	h.guard.Lock()
	defer h.guard.Unlock()
	return h.check()
}

func (h *Heap) check() error {
	if h.blocks == 0 {
		return &CorruptionError{Header: h.base, Reason: "heap not initialized"}
	}
	var (
		count      int
		total      uint64
		prev       = none
		prevFree   bool
		seenCursor bool
	)
	for off := uint32(0); off != none; off = h.next(off) {
		count++
		if count > h.blocks {
			return &CorruptionError{Header: h.addr(off), Reason: fmt.Sprintf("chain longer than %d blocks", h.blocks)}
		}
		if uint64(off)+HeaderSize > uint64(h.arenaSize) {
			return &CorruptionError{Header: h.addr(off), Reason: "header outside arena"}
		}
		if h.prev(off) != prev {
			return &CorruptionError{Header: h.addr(off), Reason: fmt.Sprintf("prev is %s, want %s", fmtPtr(h.addr(h.prev(off))), fmtPtr(h.addr(prev)))}
		}
		free := h.isFree(off)
		if free && prevFree {
			return &CorruptionError{Header: h.addr(off), Reason: "adjacent free blocks"}
		}
		end := uint64(off) + HeaderSize + uint64(h.size(off))
		if next := h.next(off); next == none {
			if end != uint64(h.arenaSize) {
				return &CorruptionError{Header: h.addr(off), Reason: fmt.Sprintf("last block ends at offset %#x, arena ends at %#x", end, h.arenaSize)}
			}
		} else if uint64(next) != end {
			return &CorruptionError{Header: h.addr(off), Reason: fmt.Sprintf("next is offset %#x, block ends at %#x", next, end)}
		}
		if off == h.cursor {
			seenCursor = true
		}
		total += HeaderSize + uint64(h.size(off))
		prev, prevFree = off, free
	}
	if count != h.blocks {
		return &CorruptionError{Header: h.base, Reason: fmt.Sprintf("chain has %d blocks, counted %d", count, h.blocks)}
	}
	if total != uint64(h.arenaSize) {
		return &CorruptionError{Header: h.base, Reason: fmt.Sprintf("blocks cover %d bytes, arena has %d", total, h.arenaSize)}
	}
	if !seenCursor {
		return &CorruptionError{Header: h.addr(h.cursor), Reason: "cursor is not a block"}
	}
	return nil
}
