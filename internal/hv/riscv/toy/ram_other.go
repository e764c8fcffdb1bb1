//go:build !unix

package toy

import "fmt"

func allocateRAM(size uint64) ([]byte, func() error, error) {
	if size == 0 || size != uint64(int(size)) {
		return nil, nil, fmt.Errorf("invalid ram size 0x%x", size)
	}
	return make([]byte, size), func() error { return nil }, nil
}
