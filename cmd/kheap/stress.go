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

package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sync"

	"github.com/bytedance/gopkg/util/gopool"
	"github.com/spf13/cobra"

	"github.com/cloudwego/kheap/unsafex/malloc"
)

type stressOptions struct {
	ops     int
	seed    int64
	maxSize int
	workers int
}

func newStressCmd(g *globalOptions) *cobra.Command {
	so := &stressOptions{}
	cmd := &cobra.Command{
		Use:   "stress",
		Short: "Run a random allocation workload",
		Long: `The stress command runs a seeded random mix of allocations and frees,
fills every payload with a pattern and checks it is intact when freed, and
validates the block list after every operation.

Example:
  kheap stress --ops 100000 --seed 7
  kheap stress --size 0x100000 --max-size 65536
  kheap stress --workers 8 --seed 100`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStress(g, so, cmd.OutOrStdout())
		},
	}
	cmd.Flags().IntVar(&so.ops, "ops", 10000, "Number of operations")
	cmd.Flags().Int64Var(&so.seed, "seed", 1, "Random seed")
	cmd.Flags().IntVar(&so.maxSize, "max-size", 4096, "Largest request size")
	cmd.Flags().IntVar(&so.workers, "workers", 1, "Independent heaps to stress in parallel, worker i uses seed+i")
	return cmd
}

type stressAlloc struct {
	p    malloc.Ptr
	size int
	fill byte
}

var stressAligns = []int{1, 2, 4, 8, 16, 64, 4096}

func runStress(g *globalOptions, so *stressOptions, out io.Writer) error {
	if so.ops < 0 || so.maxSize <= 0 || so.workers <= 0 {
		return errors.New("ops must not be negative, max-size and workers must be positive")
	}
	if so.workers == 1 {
		return stressHeap(g, so, so.seed, out)
	}

	pool := gopool.NewPool("kheap-stress", int32(so.workers), gopool.NewConfig())
	outs := make([]bytes.Buffer, so.workers)
	errs := make([]error, so.workers)
	var wg sync.WaitGroup
	for i := 0; i < so.workers; i++ {
		i := i
		wg.Add(1)
		pool.Go(func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					errs[i] = fmt.Errorf("%v", r)
				}
			}()
			errs[i] = stressHeap(g, so, so.seed+int64(i), &outs[i])
		})
	}
	wg.Wait()

	for i := range outs {
		fmt.Fprintf(out, "worker %d (seed %d):\n", i, so.seed+int64(i))
		out.Write(outs[i].Bytes())
		if errs[i] != nil {
			return fmt.Errorf("worker %d: %w", i, errs[i])
		}
	}
	return nil
}

// stressHeap runs the workload against one freshly booted heap.
func stressHeap(g *globalOptions, so *stressOptions, seed int64, out io.Writer) error {
	diag := io.Discard
	if g.verbose {
		diag = out
	}
	lib, err := g.boot(diag)
	if err != nil {
		return err
	}
	h := lib.Heap()
	rng := rand.New(rand.NewSource(seed))

	var (
		live                  []stressAlloc
		allocs, frees, failed int
	)
	for i := 0; i < so.ops; i++ {
		if len(live) == 0 || rng.Intn(100) < 55 {
			size := 1 + rng.Intn(so.maxSize)
			align := stressAligns[rng.Intn(len(stressAligns))]
			p, err := h.Allocate(size, align)
			if err != nil {
				if !errors.Is(err, malloc.ErrOutOfMemory) {
					return fmt.Errorf("op %d: %w", i, err)
				}
				failed++
				continue
			}
			if uintptr(p)%uintptr(align) != 0 {
				return fmt.Errorf("op %d: %#x is not aligned to %d", i, uintptr(p), align)
			}
			a := stressAlloc{p: p, size: size, fill: byte(i)}
			b := h.Bytes(p, size)
			for j := range b {
				b[j] = a.fill
			}
			live = append(live, a)
			allocs++
		} else {
			k := rng.Intn(len(live))
			a := live[k]
			for j, c := range h.Bytes(a.p, a.size) {
				if c != a.fill {
					return fmt.Errorf("op %d: payload %#x overwritten at offset %d", i, uintptr(a.p), j)
				}
			}
			h.Free(a.p)
			live[k] = live[len(live)-1]
			live = live[:len(live)-1]
			frees++
		}
		if err := h.Check(); err != nil {
			return fmt.Errorf("op %d: %w", i, err)
		}
	}
	g.logger.Debug("stress done", "seed", seed, "allocs", allocs, "frees", frees, "failed", failed, "live", len(live))

	fmt.Fprintf(out, "ops: %d, allocs: %d, frees: %d, failed: %d, live: %d\n", so.ops, allocs, frees, failed, len(live))
	printSummary(out, h)
	return nil
}
