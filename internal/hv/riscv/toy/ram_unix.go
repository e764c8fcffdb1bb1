//go:build unix

package toy

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// allocateRAM maps anonymous memory for guest DRAM. The returned release
// function unmaps it.
func allocateRAM(size uint64) ([]byte, func() error, error) {
	if size == 0 || size != uint64(int(size)) {
		return nil, nil, fmt.Errorf("invalid ram size 0x%x", size)
	}
	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, nil, fmt.Errorf("mmap guest ram (%d bytes): %w", size, err)
	}
	return mem, func() error { return unix.Munmap(mem) }, nil
}
