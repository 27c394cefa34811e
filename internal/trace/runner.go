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

package trace

import (
	"errors"
	"fmt"
	"io"

	"github.com/cloudwego/kheap/libk"
	"github.com/cloudwego/kheap/unsafex/malloc"
)

// HaltError reports a script that made the kernel halt.
type HaltError struct {
	Line    int
	Message string
}

func (e *HaltError) Error() string {
	return fmt.Sprintf("line %d: kernel panic: %s", e.Line, e.Message)
}

// Runner replays operations against a Lib, tracking live allocations by name.
type Runner struct {
	lib  *libk.Lib
	out  io.Writer
	live map[string]malloc.Ptr
}

// NewRunner returns a Runner reporting to out.
// lib must halt by panicking with a *libk.Panic, which is the libk default.
func NewRunner(lib *libk.Lib, out io.Writer) *Runner {
	return &Runner{
		lib:  lib,
		out:  out,
		live: make(map[string]malloc.Ptr),
	}
}

// Live returns the pointer currently bound to name.
func (r *Runner) Live(name string) (malloc.Ptr, bool) {
	p, ok := r.live[name]
	return p, ok
}

// Run executes ops in order and stops at the first failure.
func (r *Runner) Run(ops []Op) error {
	for _, op := range ops {
		if err := r.step(op); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) step(op Op) (err error) {
	defer func() {
		if v := recover(); v != nil {
			kp, ok := v.(*libk.Panic)
			if !ok {
				panic(v)
			}
			err = &HaltError{Line: op.Line, Message: kp.Message}
		}
	}()

	switch op.Kind {
	case OpAlloc, OpCalloc:
		if _, dup := r.live[op.Name]; dup {
			return fmt.Errorf("line %d: %q is already allocated", op.Line, op.Name)
		}
		var p malloc.Ptr
		switch {
		case op.Kind == OpCalloc:
			p = r.lib.Calloc(op.N, op.Size)
		case op.Align != 0:
			p = r.lib.AlignedAlloc(op.Size, op.Align)
		default:
			p = r.lib.Malloc(op.Size)
		}
		if p != malloc.Null {
			r.live[op.Name] = p
		}
		_, err = fmt.Fprintf(r.out, "%s %s -> %#x\n", op.Kind, op.Name, uintptr(p))
		return err
	case OpFree:
		p, ok := r.live[op.Name]
		if !ok {
			return fmt.Errorf("line %d: %q is not allocated", op.Line, op.Name)
		}
		r.lib.Free(p)
		delete(r.live, op.Name)
		_, err = fmt.Fprintf(r.out, "free %s\n", op.Name)
		return err
	case OpDump:
		return r.lib.Heap().DumpTo(r.out)
	case OpCheck:
		if err := r.lib.Heap().Check(); err != nil {
			return fmt.Errorf("line %d: %w", op.Line, err)
		}
		_, err = fmt.Fprintln(r.out, "check ok")
		return err
	}
	return errors.New("trace: unknown operation " + op.Kind.String())
}
