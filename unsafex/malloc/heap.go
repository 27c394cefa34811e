// Package malloc implements the kernel heap: a next-fit allocator over one fixed arena.
package malloc

import (
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"sync"
	"unsafe"

	"github.com/bytedance/gopkg/lang/dirtmake"
)

const (
	// DefaultBase is the default virtual address of the arena (10MB).
	DefaultBase = 0xA00000

	// DefaultSize is the default arena size (50MB).
	DefaultSize = 0x3200000
)

// Ptr is an address inside [Base, Base+Size) of a Heap.
// Addresses are virtual: they name arena locations, use Bytes to reach the memory.
type Ptr uintptr

// Null is the zero Ptr. It is never returned by a successful Allocate.
const Null Ptr = 0

// Options configures a Heap.
type Options struct {
	// Base is the address of the first arena byte. Must be a non-zero multiple of Granule.
	Base uintptr

	// Size is the arena size in bytes, header of the first block included.
	// Must be a multiple of Granule. Ignored if Arena is set.
	Size int

	// Arena is the backing memory. If nil, Size bytes are reserved without zeroing.
	Arena []byte

	// Guard wraps every public call. Defaults to a sync.Mutex.
	// Use irq.Section to get the interrupt-masked critical section of the kernel.
	Guard sync.Locker

	// Output receives Dump and allocation failure diagnostics. Defaults to os.Stderr.
	Output io.Writer

	// Logger defaults to a logger discarding everything.
	Logger *slog.Logger

	// Verify runs Check after every mutation and panics on the first violation.
	Verify bool
}

// DefaultOptions returns the default values of Options.
func DefaultOptions() *Options {
	return &Options{
		Base: DefaultBase,
		Size: DefaultSize,
	}
}

// Heap is a next-fit allocator over a single fixed arena.
//
// Every chunk of the arena is prefixed by a HeaderSize header; headers form an
// address-ordered doubly linked list covering the arena without gaps.
// Free blocks are merged with free neighbours eagerly, so no two adjacent
// blocks are ever both free.
type Heap struct {
	guard sync.Locker

	// arena is the backing memory and start its first byte.
	arena []byte
	start unsafe.Pointer

	base      Ptr
	arenaSize uint32

	// cursor is the header offset where the next search begins.
	cursor uint32

	// blocks is the number of headers in the chain.
	blocks int

	out    io.Writer
	logger *slog.Logger
	verify bool
}

// New creates a Heap over the arena described by opt. Init must be called before use.
func New(opt *Options) (*Heap, error) {
	if opt == nil {
		opt = DefaultOptions()
	}
	if opt.Base == 0 || opt.Base%Granule != 0 {
		return nil, fmt.Errorf("base must be a non-zero multiple of %d, got %#x", Granule, opt.Base)
	}

	arena := opt.Arena
	size := opt.Size
	if arena != nil {
		size = len(arena)
	}
	if size <= HeaderSize || size%Granule != 0 {
		return nil, fmt.Errorf("arena size must be a multiple of %d and > %d, got %d", Granule, HeaderSize, size)
	}
	if uint64(size) >= math.MaxUint32 {
		return nil, fmt.Errorf("arena size must be < %d, got %d", uint64(math.MaxUint32), size)
	}
	if uintptr(size) > ^uintptr(0)-opt.Base {
		return nil, fmt.Errorf("arena [%#x, +%#x) overflows the address space", opt.Base, size)
	}
	if arena == nil {
		arena = dirtmake.Bytes(size, size)
	}
	if uintptr(unsafe.Pointer(&arena[0]))%Granule != 0 {
		return nil, fmt.Errorf("arena memory must be %d-byte aligned", Granule)
	}

	h := &Heap{
		guard:     opt.Guard,
		arena:     arena,
		start:     unsafe.Pointer(&arena[0]),
		base:      Ptr(opt.Base),
		arenaSize: uint32(size),
		out:       opt.Output,
		logger:    opt.Logger,
		verify:    opt.Verify,
	}
	if h.guard == nil {
		h.guard = &sync.Mutex{}
	}
	if h.out == nil {
		h.out = os.Stderr
	}
	if h.logger == nil {
		h.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return h, nil
}

// Init lays down a single free block spanning the whole arena and points the cursor at it.
// Any previous state is discarded.
func (h *Heap) Init() {
	h.guard.Lock()
	defer h.guard.Unlock()

	h.writeHeader(0, none, none, h.arenaSize-HeaderSize)
	h.cursor = 0
	h.blocks = 1
	h.logger.Debug("heap initialized",
		"base", fmt.Sprintf("%#x", uintptr(h.base)),
		"size", h.arenaSize,
		"free", h.arenaSize-HeaderSize)
}

// Base returns the address of the first arena byte.
func (h *Heap) Base() Ptr { return h.base }

// Size returns the arena size in bytes.
func (h *Heap) Size() int { return int(h.arenaSize) }

// Cursor returns the header address of the block the next search starts at.
func (h *Heap) Cursor() Ptr {
	h.guard.Lock()
	defer h.guard.Unlock()
	return h.addr(h.cursor)
}

// SizeOf returns the payload size of the block owning p.
// p must be a live pointer returned by Allocate.
func (h *Heap) SizeOf(p Ptr) int {
	if !h.inArena(p) {
		panic("malloc: pointer not in arena")
	}
	h.guard.Lock()
	defer h.guard.Unlock()
	return int(h.size(h.header(p)))
}

// Bytes returns the n bytes of arena memory starting at p.
func (h *Heap) Bytes(p Ptr, n int) []byte {
	if p < h.base || n < 0 || uint64(p-h.base)+uint64(n) > uint64(h.arenaSize) {
		panic("malloc: range not in arena")
	}
	off := int(p - h.base)
	return h.arena[off : off+n : off+n]
}

func (h *Heap) verifyLocked() {
	if !h.verify {
		return
	}
	if err := h.check(); err != nil {
		panic(err)
	}
}
