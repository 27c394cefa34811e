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

// Package trace parses and replays allocation scripts against the kernel library.
//
// A script holds one operation per line; '#' starts a comment:
//
//	alloc  <name> <size> [align]
//	calloc <name> <n> <size>
//	free   <name>
//	dump
//	check
//
// Numbers accept Go literal syntax, so 0x100 and 256 are the same size.
package trace

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Kind is the type of an operation.
type Kind int

const (
	OpAlloc Kind = iota + 1
	OpCalloc
	OpFree
	OpDump
	OpCheck
)

var kindNames = map[string]Kind{
	"alloc":  OpAlloc,
	"calloc": OpCalloc,
	"free":   OpFree,
	"dump":   OpDump,
	"check":  OpCheck,
}

func (k Kind) String() string {
	for name, v := range kindNames {
		if v == k {
			return name
		}
	}
	return "Kind(" + strconv.Itoa(int(k)) + ")"
}

// Op is one script operation.
type Op struct {
	Kind  Kind
	Name  string
	Size  int
	N     int // item count of calloc
	Align int // 0 when omitted, meaning the libk default
	Line  int
}

// arity lists the allowed argument counts per kind.
var arity = map[Kind][2]int{
	OpAlloc:  {2, 3},
	OpCalloc: {3, 3},
	OpFree:   {1, 1},
	OpDump:   {0, 0},
	OpCheck:  {0, 0},
}

// Parse reads a script. Errors name the offending line.
func Parse(r io.Reader) ([]Op, error) {
	var ops []Op
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := sc.Text()
		if i := strings.IndexByte(text, '#'); i >= 0 {
			text = text[:i]
		}
		fields := strings.Fields(text)
		if len(fields) == 0 {
			continue
		}
		op, err := parseOp(fields)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		op.Line = line
		ops = append(ops, op)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return ops, nil
}

func parseOp(fields []string) (Op, error) {
	kind, ok := kindNames[strings.ToLower(fields[0])]
	if !ok {
		return Op{}, fmt.Errorf("unknown operation %q", fields[0])
	}
	args := fields[1:]
	if a := arity[kind]; len(args) < a[0] || len(args) > a[1] {
		if a[0] == a[1] {
			return Op{}, fmt.Errorf("%s takes %d arguments, got %d", kind, a[0], len(args))
		}
		return Op{}, fmt.Errorf("%s takes %d to %d arguments, got %d", kind, a[0], a[1], len(args))
	}

	op := Op{Kind: kind}
	var err error
	switch kind {
	case OpAlloc:
		op.Name = args[0]
		if op.Size, err = parseNum("size", args[1]); err != nil {
			return Op{}, err
		}
		if len(args) == 3 {
			if op.Align, err = parseNum("align", args[2]); err != nil {
				return Op{}, err
			}
			if op.Align == 0 {
				return Op{}, fmt.Errorf("bad align %q", args[2])
			}
		}
	case OpCalloc:
		op.Name = args[0]
		if op.N, err = parseNum("count", args[1]); err != nil {
			return Op{}, err
		}
		if op.Size, err = parseNum("size", args[2]); err != nil {
			return Op{}, err
		}
	case OpFree:
		op.Name = args[0]
	}
	return op, nil
}

func parseNum(what, s string) (int, error) {
	v, err := strconv.ParseInt(s, 0, 0)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("bad %s %q", what, s)
	}
	return int(v), nil
}
