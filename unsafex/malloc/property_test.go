package malloc

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type liveAlloc struct {
	p    Ptr
	size int
	fill byte
}

func TestRandomAllocFreeInvariants(t *testing.T) {
	const n = 64 * 1024
	h, _ := newTestHeap(t, n)
	rng := rand.New(rand.NewSource(42))
	aligns := []int{1, 2, 4, 8, 16, 64, 4096}

	var live []liveAlloc
	for i := 0; i < 5000; i++ {
		if len(live) == 0 || rng.Intn(100) < 55 {
			size := 1 + rng.Intn(2000)
			align := aligns[rng.Intn(len(aligns))]
			p, err := h.Allocate(size, align)
			if err != nil {
				require.True(t, errors.Is(err, ErrOutOfMemory), "step %d: %v", i, err)
				continue
			}
			require.Zero(t, uintptr(p)%uintptr(align), "step %d", i)

			a := liveAlloc{p: p, size: size, fill: byte(i)}
			b := h.Bytes(p, size)
			for j := range b {
				b[j] = a.fill
			}
			live = append(live, a)
		} else {
			k := rng.Intn(len(live))
			a := live[k]
			for j, c := range h.Bytes(a.p, a.size) {
				require.Equal(t, a.fill, c, "step %d: payload %#x overwritten at %d", i, uintptr(a.p), j)
			}
			h.Free(a.p)
			live[k] = live[len(live)-1]
			live = live[:len(live)-1]
		}
		require.NoError(t, h.Check(), "step %d", i)
	}
	requireValid(t, h)

	for _, a := range live {
		h.Free(a.p)
	}
	bs := h.Blocks()
	require.Len(t, bs, 1)
	assert.Equal(t, n-HeaderSize, bs[0].Size)
}

func TestAllocateUntilExhausted(t *testing.T) {
	const n = 16 * 1024
	h, _ := newTestHeap(t, n)

	var ptrs []Ptr
	for {
		p, err := h.Allocate(100, 1)
		if err != nil {
			require.ErrorIs(t, err, ErrOutOfMemory)
			break
		}
		ptrs = append(ptrs, p)
	}
	// each allocation costs 104 payload bytes and one header
	assert.Equal(t, (n-2*HeaderSize)/(104+HeaderSize), len(ptrs))
	requireValid(t, h)

	// freeing every other block frees nothing adjacent
	for i := 0; i < len(ptrs); i += 2 {
		h.Free(ptrs[i])
	}
	st := h.Stats()
	assert.Equal(t, len(ptrs)+1, st.Blocks)
	requireValid(t, h)

	for i := 1; i < len(ptrs); i += 2 {
		h.Free(ptrs[i])
	}
	assert.Equal(t, 1, h.Stats().Blocks)
}
