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
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// execCmd runs the kheap command line and returns what it printed on stdout and stderr.
func execCmd(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	err := cmd.Execute()
	return out.String(), errOut.String(), err
}

func TestRunScript(t *testing.T) {
	out, _, err := execCmd(t, "alloc a 100\nfree a\n", "run", "--size", "256", "-")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "alloc a -> 0xa00010\nfree a\nblocks: 1 (free 1)\n"), out)
	assert.Contains(t, out, "used: 0 bytes, free: 240 bytes, largest free: 240 bytes\n")
	assert.Contains(t, out, "fingerprint: ")
}

func TestRunScriptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "boot.trace")
	require.NoError(t, os.WriteFile(path, []byte("alloc a 8\n# page tables\nalloc pt 4096 4096\ncheck\n"), 0o644))

	out, _, err := execCmd(t, "", "run", "--base", "0x100000", "--size", "0x10000", "--verify", path)
	require.NoError(t, err)
	assert.Contains(t, out, "check ok\n")
	assert.Contains(t, out, "alloc pt -> 0x101000\n")
}

func TestRunScriptHalts(t *testing.T) {
	out, _, err := execCmd(t, "alloc a 4096\n", "run", "--size", "256", "-")
	assert.EqualError(t, err, "line 1: kernel panic: alloc: No block available")
	assert.Contains(t, out, "Error trying to allocate size: 0x1000\n")
	assert.Contains(t, out, "kernel panic: alloc: No block available\n")
}

func TestRunScriptErrors(t *testing.T) {
	_, _, err := execCmd(t, "alloc a\n", "run", "-")
	assert.EqualError(t, err, "parse script: line 1: alloc takes 2 to 3 arguments, got 1")

	_, _, err = execCmd(t, "", "run", filepath.Join(t.TempDir(), "missing.trace"))
	assert.Error(t, err)

	_, _, err = execCmd(t, "", "run", "--base", "0", "-")
	assert.ErrorContains(t, err, "heap init")
}

func TestStress(t *testing.T) {
	args := []string{"stress", "--size", "0x10000", "--ops", "3000", "--seed", "3", "--max-size", "2000"}
	out1, _, err := execCmd(t, "", args...)
	require.NoError(t, err)
	assert.Contains(t, out1, "ops: 3000, ")

	out2, _, err := execCmd(t, "", append(args, "--verify")...)
	require.NoError(t, err)
	assert.Equal(t, out1, out2, "same seed gives the same workload")
}

func TestStressWorkers(t *testing.T) {
	out, _, err := execCmd(t, "", "stress", "--size", "0x10000", "--ops", "1000", "--seed", "10", "--workers", "3")
	require.NoError(t, err)
	for i, seed := range []string{"10", "11", "12"} {
		assert.Contains(t, out, "worker "+string(rune('0'+i))+" (seed "+seed+"):\n")
	}
	assert.Equal(t, 3, strings.Count(out, "ops: 1000, "))

	// worker 1 replays exactly what a single run with its seed does
	single, _, err := execCmd(t, "", "stress", "--size", "0x10000", "--ops", "1000", "--seed", "11")
	require.NoError(t, err)
	assert.Contains(t, out, "worker 1 (seed 11):\n"+single)
}

func TestStressBadFlags(t *testing.T) {
	_, _, err := execCmd(t, "", "stress", "--max-size", "0")
	assert.Error(t, err)
	_, _, err = execCmd(t, "", "stress", "--workers", "0")
	assert.Error(t, err)
}

func TestVerboseLogs(t *testing.T) {
	_, errOut, err := execCmd(t, "", "stress", "-v", "--size", "4096", "--ops", "10")
	require.NoError(t, err)
	assert.Contains(t, errOut, "level=DEBUG")
	assert.Contains(t, errOut, "stress done")
}

func TestVersion(t *testing.T) {
	out, _, err := execCmd(t, "", "version")
	require.NoError(t, err)
	assert.Equal(t, "kheap dev\n  commit: none\n  built: unknown\n", out)
}
