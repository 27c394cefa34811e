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
	"os"

	"github.com/spf13/cobra"

	"github.com/cloudwego/kheap/internal/trace"
)

func newRunCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run <script>",
		Short: "Replay an allocation script",
		Long: `The run command replays an allocation script against a freshly booted
heap and prints a summary of the final block list. Use - to read the script
from standard input.

Script syntax, one operation per line, '#' starts a comment:
  alloc  <name> <size> [align]
  calloc <name> <n> <size>
  free   <name>
  dump
  check

Example:
  kheap run boot.trace
  kheap run --size 0x10000 --verify boot.trace`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			return runScript(g, in, cmd.OutOrStdout())
		},
	}
}

func runScript(g *globalOptions, in io.Reader, out io.Writer) error {
	ops, err := trace.Parse(in)
	if err != nil {
		return fmt.Errorf("parse script: %w", err)
	}
	lib, err := g.boot(out)
	if err != nil {
		return err
	}
	g.logger.Debug("replaying script", "ops", len(ops))
	if err := trace.NewRunner(lib, out).Run(ops); err != nil {
		return err
	}
	printSummary(out, lib.Heap())
	return nil
}
