package toy

import (
	"fmt"
	"sync/atomic"
)

// Machine-level interrupt numbers wired from the CLINT to each hart.
const (
	IRQMSoft  = 3
	IRQMTimer = 7

	MipMSIP = 1 << IRQMSoft
	MipMTIP = 1 << IRQMTimer
)

// Hart is the state of one hart that bring-up needs: its identity, ISA and
// reset vector. Instruction execution belongs to whatever runs the harts.
type Hart struct {
	ID          uint32
	Socket      int
	XLEN        int
	Extensions  string
	MultiLetter []string
	ResetPC     uint64

	pending atomic.Uint64
}

// Is32Bit reports whether the hart is RV32.
func (h *Hart) Is32Bit() bool {
	return h.XLEN == 32
}

// SetPending raises or lowers interrupt-pending bits.
func (h *Hart) SetPending(mask uint64, level bool) {
	for {
		old := h.pending.Load()
		next := old &^ mask
		if level {
			next = old | mask
		}
		if h.pending.CompareAndSwap(old, next) {
			return
		}
	}
}

// Pending returns the interrupt-pending bits raised by devices.
func (h *Hart) Pending() uint64 {
	return h.pending.Load()
}

// HartArray is the cluster of harts belonging to one socket, ordered by
// local index.
type HartArray struct {
	Socket Socket
	Harts  []*Hart
}

// Is32Bit reports whether the cluster's harts are RV32.
func (a *HartArray) Is32Bit() bool {
	return len(a.Harts) > 0 && a.Harts[0].Is32Bit()
}

// HartFactory creates the hart cluster of a socket.
type HartFactory interface {
	NewHartArray(socket Socket, cpuType string) (*HartArray, error)
}

// HartFactoryFunc adapts a function to HartFactory.
type HartFactoryFunc func(socket Socket, cpuType string) (*HartArray, error)

func (f HartFactoryFunc) NewHartArray(socket Socket, cpuType string) (*HartArray, error) {
	return f(socket, cpuType)
}

type defaultHartFactory struct{}

func (defaultHartFactory) NewHartArray(socket Socket, cpuType string) (*HartArray, error) {
	xlen, letters, multi, err := ParseCPUType(cpuType)
	if err != nil {
		return nil, err
	}
	if socket.HartCount <= 0 {
		return nil, fmt.Errorf("socket%d has no harts", socket.ID)
	}
	arr := &HartArray{Socket: socket, Harts: make([]*Hart, socket.HartCount)}
	for i := range arr.Harts {
		arr.Harts[i] = &Hart{
			ID:          socket.HartBase + uint32(i),
			Socket:      socket.ID,
			XLEN:        xlen,
			Extensions:  letters,
			MultiLetter: append([]string(nil), multi...),
		}
	}
	return arr, nil
}
