package fdt

// PhandleAllocator hands out phandles for a single generation pass. Values
// start at 1 and are never reused; create a new allocator for every tree.
type PhandleAllocator struct {
	next uint32
}

// NewPhandleAllocator returns an allocator whose first phandle is 1.
func NewPhandleAllocator() *PhandleAllocator {
	return &PhandleAllocator{next: 1}
}

// Next allocates the next phandle.
func (a *PhandleAllocator) Next() uint32 {
	if a.next == 0 {
		a.next = 1
	}
	p := a.next
	a.next++
	return p
}

// Allocated reports how many phandles have been handed out.
func (a *PhandleAllocator) Allocated() int {
	if a.next == 0 {
		return 0
	}
	return int(a.next - 1)
}
