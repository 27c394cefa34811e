package malloc

import (
	"fmt"
	"os"
)

func Example() {
	h, _ := New(&Options{Base: DefaultBase, Size: 4096, Output: os.Stdout})
	h.Init()

	p1, _ := h.Allocate(100, 1) // rounded up to 104 bytes
	p2, _ := h.Allocate(200, 8)

	fmt.Printf("p1=%#x size=%d\n", uintptr(p1), h.SizeOf(p1))
	fmt.Printf("p2=%#x size=%d\n", uintptr(p2), h.SizeOf(p2))

	h.Free(p1)
	h.Free(p2)
	fmt.Println("blocks:", h.Stats().Blocks)

	// Output:
	// p1=0xa00010 size=104
	// p2=0xa00088 size=200
	// blocks: 1
}

func ExampleHeap_Dump() {
	h, _ := New(&Options{Base: 0x100000, Size: 1024, Output: os.Stdout})
	h.Init()

	_, _ = h.Allocate(64, 8)
	h.Dump()

	// Output:
	// Cursor: 0x100050
	// Dumping heap block headers:
	// [0] Header: 0x100000 | Blk: 0x100010 | Prev: (nil) | Next: 0x100050 | Sz: 0x40 | Free: 0
	// [1] Header: 0x100050 | Blk: 0x100060 | Prev: 0x100000 | Next: (nil) | Sz: 0x3A0 | Free: 1
}
