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
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/cloudwego/kheap/internal/irq"
	"github.com/cloudwego/kheap/libk"
	"github.com/cloudwego/kheap/unsafex/malloc"
)

// globalOptions holds the persistent flags shared by every subcommand.
type globalOptions struct {
	base    uint64
	size    int
	verify  bool
	verbose bool

	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	g := &globalOptions{}
	cmd := &cobra.Command{
		Use:   "kheap",
		Short: "Exercise the kernel heap allocator",
		Long: `kheap boots the kernel heap in a host process and drives it with
allocation scripts or random workloads, printing the block list the way
the kernel does on its console.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelInfo
			if g.verbose {
				level = slog.LevelDebug
			}
			g.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
		},
	}

	flags := cmd.PersistentFlags()
	flags.Uint64Var(&g.base, "base", malloc.DefaultBase, "Virtual address of the heap arena")
	flags.IntVar(&g.size, "size", malloc.DefaultSize, "Size of the heap arena in bytes")
	flags.BoolVar(&g.verify, "verify", false, "Check the block list after every allocation and free")
	flags.BoolVarP(&g.verbose, "verbose", "v", false, "Enable debug logging")

	cmd.AddCommand(newRunCmd(g), newStressCmd(g), newVersionCmd())
	return cmd
}

// boot brings up a kernel library whose console and heap diagnostics go to out.
// Heap calls run with interrupts masked, as in the kernel.
func (g *globalOptions) boot(out io.Writer) (*libk.Lib, error) {
	if g.base > uint64(^uintptr(0)) {
		return nil, fmt.Errorf("base %#x does not fit in an address", g.base)
	}
	cpu := irq.NewController()
	return libk.Boot(&malloc.Options{
		Base:   uintptr(g.base),
		Size:   g.size,
		Guard:  irq.NewSection(cpu),
		Output: out,
		Logger: g.logger,
		Verify: g.verify,
	}, &libk.Options{
		Output: out,
		Logger: g.logger,
	})
}

func printSummary(w io.Writer, h *malloc.Heap) {
	st := h.Stats()
	fmt.Fprintf(w, "blocks: %d (free %d)\n", st.Blocks, st.FreeBlocks)
	fmt.Fprintf(w, "used: %d bytes, free: %d bytes, largest free: %d bytes\n", st.UsedBytes, st.FreeBytes, st.LargestFree)
	fmt.Fprintf(w, "fingerprint: %016x\n", h.Fingerprint())
}

func execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
