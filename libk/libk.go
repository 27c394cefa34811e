/*
 * Copyright 2025 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package libk provides the allocation and console entry points of the kernel
// C library on top of the kernel heap.
//
// Allocation failure is fatal here: Malloc and Calloc never return Null for a
// non-empty request, they print a kernel panic and halt instead.
package libk

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/bits"
	"os"

	"github.com/cloudwego/kheap/unsafex/malloc"
)

const (
	// Align is the alignment of every Malloc and Calloc result.
	Align = 8

	// printfScratch is the initial working buffer of Printf.
	printfScratch = 256
)

// Panic is the value the default Halt panics with.
type Panic struct {
	Message string
}

func (p *Panic) Error() string {
	return "kernel panic: " + p.Message
}

// Options configures a Lib.
type Options struct {
	// Output is the console. Defaults to os.Stdout.
	Output io.Writer

	// Halt stops the machine after a kernel panic was printed.
	// The default panics with a *Panic; a Halt that returns lets the failing call return Null.
	Halt func(msg string)

	// Logger defaults to a logger discarding everything.
	Logger *slog.Logger
}

// Lib is the kernel C library bound to one heap.
type Lib struct {
	heap   *malloc.Heap
	out    io.Writer
	halt   func(msg string)
	logger *slog.Logger
}

// New binds a Lib to h. h must be initialized.
func New(h *malloc.Heap, opt *Options) *Lib {
	if opt == nil {
		opt = &Options{}
	}
	l := &Lib{
		heap:   h,
		out:    opt.Output,
		halt:   opt.Halt,
		logger: opt.Logger,
	}
	if l.out == nil {
		l.out = os.Stdout
	}
	if l.halt == nil {
		l.halt = func(msg string) { panic(&Panic{Message: msg}) }
	}
	if l.logger == nil {
		l.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return l
}

// Boot creates and initializes the kernel heap, then binds a Lib to it.
// It is the first thing the kernel does: nothing may allocate before it.
func Boot(heapOpt *malloc.Options, opt *Options) (*Lib, error) {
	h, err := malloc.New(heapOpt)
	if err != nil {
		return nil, fmt.Errorf("heap init: %w", err)
	}
	h.Init()
	return New(h, opt), nil
}

// Heap returns the heap backing l.
func (l *Lib) Heap() *malloc.Heap {
	return l.heap
}

// Malloc allocates sz bytes aligned to Align. Malloc(0) returns Null.
func (l *Lib) Malloc(sz int) malloc.Ptr {
	if sz == 0 {
		return malloc.Null
	}
	p, err := l.heap.Allocate(sz, Align)
	if err != nil {
		l.fail(err)
		return malloc.Null
	}
	return p
}

func (l *Lib) fail(err error) {
	if errors.Is(err, malloc.ErrOutOfMemory) {
		l.Panicf("alloc: No block available")
	} else {
		l.Panicf("alloc: %v", err)
	}
}

// AlignedAlloc allocates sz bytes aligned to align, a power of two.
func (l *Lib) AlignedAlloc(sz, align int) malloc.Ptr {
	if sz == 0 {
		return malloc.Null
	}
	p, err := l.heap.Allocate(sz, align)
	if err != nil {
		l.fail(err)
		return malloc.Null
	}
	return p
}

// Calloc allocates n items of sz bytes each aligned to Align and zeroes them.
func (l *Lib) Calloc(n, sz int) malloc.Ptr {
	return l.AlignedCalloc(n, sz, Align)
}

// AlignedCalloc allocates n items of sz bytes each aligned to align, a power of two, and zeroes them.
func (l *Lib) AlignedCalloc(n, sz, align int) malloc.Ptr {
	if n < 0 || sz < 0 {
		l.Panicf("calloc: negative size %d*%d", n, sz)
		return malloc.Null
	}
	hi, total := bits.Mul64(uint64(n), uint64(sz))
	if hi != 0 || total > math.MaxInt32 {
		l.Panicf("calloc: %d items of %d bytes overflow", n, sz)
		return malloc.Null
	}
	p := l.AlignedAlloc(int(total), align)
	if p == malloc.Null {
		return p
	}
	clear(l.heap.Bytes(p, int(total)))
	return p
}

// Free releases p. Free(Null) does nothing.
func (l *Lib) Free(p malloc.Ptr) {
	l.heap.Free(p)
}

// Printf formats into a working buffer taken from the kernel heap and writes it to the console.
func (l *Lib) Printf(format string, args ...interface{}) (int, error) {
	p := l.Malloc(printfScratch)
	if p == malloc.Null {
		return 0, malloc.ErrOutOfMemory
	}
	scratch := l.heap.Bytes(p, printfScratch)
	buf := fmt.Appendf(scratch[:0], format, args...)
	if len(buf) > len(scratch) {
		// did not fit: move the text into a heap buffer of the right size
		l.Free(p)
		if p = l.Malloc(len(buf)); p == malloc.Null {
			return 0, malloc.ErrOutOfMemory
		}
		dst := l.heap.Bytes(p, len(buf))
		copy(dst, buf)
		buf = dst
	}
	defer l.Free(p)
	return l.out.Write(buf)
}

// Panicf prints a kernel panic message to the console and halts.
// It takes nothing from the kernel heap, so it is safe to call once the heap is exhausted.
func (l *Lib) Panicf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintf(l.out, "kernel panic: %s\n", msg)
	l.logger.Error("kernel panic", "msg", msg)
	l.halt(msg)
}

// Abort halts with the "abort" panic message.
func (l *Lib) Abort() {
	l.Panicf("abort")
}
