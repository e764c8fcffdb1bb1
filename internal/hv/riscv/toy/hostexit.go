package toy

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
)

// HostExitRegSize is the width of the host-exit register in bytes.
const HostExitRegSize = 4

var (
	ErrWriteOnly   = errors.New("register is write-only")
	ErrAccessWidth = errors.New("unsupported access width")
)

// Terminator ends the emulation session with an exit code.
type Terminator interface {
	Terminate(code int)
}

// TerminatorFunc adapts a function to Terminator.
type TerminatorFunc func(code int)

func (f TerminatorFunc) Terminate(code int) { f(code) }

// ProcessTerminator exits the host process. A non-zero code that would
// truncate to 0 becomes 1.
type ProcessTerminator struct{}

func (ProcessTerminator) Terminate(code int) {
	os.Exit(processExitCode(code))
}

func processExitCode(code int) int {
	if code != 0 && code&0xff == 0 {
		return 1
	}
	return code
}

// HostExit is the write-only register bare-metal payloads use to report
// pass or fail. A write of 1 exits with code 0; any other odd value v exits
// with v>>1. Zero and even values are logged and otherwise ignored.
type HostExit struct {
	size       uint64
	terminator Terminator
	terminated atomic.Bool
}

// NewHostExit creates the device with a window of size bytes.
func NewHostExit(size uint64, terminator Terminator) *HostExit {
	return &HostExit{size: size, terminator: terminator}
}

// Size implements Device
func (h *HostExit) Size() uint64 {
	return h.size
}

// Read implements Device. The register has no read side.
func (h *HostExit) Read(offset uint64, size int) (uint64, error) {
	return 0, fmt.Errorf("host-exit read at offset 0x%x: %w", offset, ErrWriteOnly)
}

// Write implements Device
func (h *HostExit) Write(offset uint64, size int, value uint64) error {
	if size != HostExitRegSize {
		return fmt.Errorf("host-exit write of %d bytes: %w", size, ErrAccessWidth)
	}
	if offset != 0 {
		slog.Debug("toy: host-exit write outside register ignored", "offset", fmt.Sprintf("%#x", offset))
		return nil
	}

	v := uint32(value)
	switch {
	case v == 0:
		slog.Debug("toy: host-exit no-op write")
	case v == 1:
		h.terminate(0, v)
	case v&1 == 1:
		h.terminate(int(v>>1), v)
	default:
		slog.Debug("toy: host-exit even value ignored", "value", fmt.Sprintf("%#x", v))
	}
	return nil
}

// Terminated reports whether a terminating write has been accepted.
func (h *HostExit) Terminated() bool {
	return h.terminated.Load()
}

func (h *HostExit) terminate(code int, v uint32) {
	if !h.terminated.CompareAndSwap(false, true) {
		slog.Debug("toy: host-exit already terminated, dropping write", "value", fmt.Sprintf("%#x", v))
		return
	}
	if code == 0 {
		slog.Info("toy: success exit")
	} else {
		slog.Info("toy: failed with exit code", "code", code)
	}
	if h.terminator != nil {
		h.terminator.Terminate(code)
	}
}

var _ Device = (*HostExit)(nil)
