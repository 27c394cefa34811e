package malloc

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHeap(t *testing.T, size int) (*Heap, *bytes.Buffer) {
	t.Helper()
	out := &bytes.Buffer{}
	h, err := New(&Options{
		Base:   DefaultBase,
		Arena:  make([]byte, size),
		Output: out,
		Verify: true,
	})
	require.NoError(t, err)
	h.Init()
	return h, out
}

// requireValid checks every block list invariant.
func requireValid(t *testing.T, h *Heap) {
	t.Helper()
	require.NoError(t, h.Check())

	total := 0
	bs := h.Blocks()
	for i, b := range bs {
		total += HeaderSize + b.Size
		if i > 0 {
			assert.Equal(t, bs[i-1].Header, b.Prev, "block %d prev", i)
			assert.Equal(t, b.Header, bs[i-1].Next, "block %d next", i-1)
			assert.False(t, b.Free && bs[i-1].Free, "blocks %d and %d both free", i-1, i)
		}
	}
	assert.Equal(t, h.Size(), total, "size conservation")
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		opt     *Options
		wantErr bool
	}{
		{"default_base_custom_size", &Options{Base: DefaultBase, Size: 4096}, false},
		{"caller_arena", &Options{Base: 0x1000, Arena: make([]byte, 1024)}, false},
		{"zero_base", &Options{Base: 0, Size: 4096}, true},
		{"unaligned_base", &Options{Base: 0x1004, Size: 4096}, true},
		{"header_only", &Options{Base: DefaultBase, Size: HeaderSize}, true},
		{"unaligned_size", &Options{Base: DefaultBase, Size: 4100}, true},
		{"empty_arena", &Options{Base: DefaultBase, Arena: []byte{}}, true},
		{"address_overflow", &Options{Base: ^uintptr(0) &^ 7, Size: 4096}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := New(tt.opt)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, h)
			} else {
				assert.NoError(t, err)
				assert.NotNil(t, h)
			}
		})
	}
}

func TestNewUnzeroedArena(t *testing.T) {
	h, err := New(&Options{Base: DefaultBase, Size: 8192, Output: &bytes.Buffer{}})
	require.NoError(t, err)
	h.Init()
	requireValid(t, h)
	assert.Equal(t, 8192, h.Size())
}

func TestInit(t *testing.T) {
	h, _ := newTestHeap(t, 4096)

	bs := h.Blocks()
	require.Len(t, bs, 1)
	assert.Equal(t, Block{
		Header:  DefaultBase,
		Payload: DefaultBase + HeaderSize,
		Prev:    Null,
		Next:    Null,
		Size:    4096 - HeaderSize,
		Free:    true,
	}, bs[0])
	assert.Equal(t, Ptr(DefaultBase), h.Cursor())
	requireValid(t, h)

	// a second Init discards every block
	_, err := h.Allocate(100, 1)
	require.NoError(t, err)
	h.Init()
	assert.Len(t, h.Blocks(), 1)
}

func TestSizeOfAndBytes(t *testing.T) {
	h, _ := newTestHeap(t, 4096)

	p, err := h.Allocate(13, 1)
	require.NoError(t, err)
	assert.Equal(t, 16, h.SizeOf(p), "rounded up to Granule")

	b := h.Bytes(p, h.SizeOf(p))
	for i := range b {
		b[i] = 0xAB
	}
	requireValid(t, h)

	assert.Panics(t, func() { h.Bytes(h.Base()+Ptr(h.Size()), 1) })
	assert.Panics(t, func() { h.Bytes(h.Base()-1, 1) })
	assert.PanicsWithValue(t, "malloc: pointer not in arena", func() { h.SizeOf(Null) })
}

func TestStats(t *testing.T) {
	h, _ := newTestHeap(t, 4096)

	p1, err := h.Allocate(100, 1)
	require.NoError(t, err)
	_, err = h.Allocate(200, 1)
	require.NoError(t, err)
	h.Free(p1)

	assert.Equal(t, Stats{
		Blocks:      3,
		FreeBlocks:  2,
		FreeBytes:   104 + 4096 - 3*HeaderSize - 104 - 200,
		UsedBytes:   200,
		LargestFree: 4096 - 3*HeaderSize - 104 - 200,
	}, h.Stats())
}

type countingLocker struct {
	locks, unlocks int
	held           bool
}

func (l *countingLocker) Lock() {
	if l.held {
		panic("reentered critical section")
	}
	l.held = true
	l.locks++
}

func (l *countingLocker) Unlock() {
	l.held = false
	l.unlocks++
}

func TestGuardWrapsEveryCall(t *testing.T) {
	g := &countingLocker{}
	h, err := New(&Options{Base: DefaultBase, Arena: make([]byte, 1024), Guard: g, Output: &bytes.Buffer{}})
	require.NoError(t, err)
	h.Init()

	p, err := h.Allocate(64, 8)
	require.NoError(t, err)
	h.Free(p)

	// failure path leaves the section before reporting
	_, err = h.Allocate(4096, 1)
	require.ErrorIs(t, err, ErrOutOfMemory)

	assert.False(t, g.held)
	assert.Equal(t, g.locks, g.unlocks)
	assert.Greater(t, g.locks, 3)
}
