package toy

import (
	"io"
	"log/slog"
	"sync"
)

// UART register offsets (16550 compatible)
const (
	UARTRegRBR = 0 // Receive Buffer Register (read)
	UARTRegTHR = 0 // Transmit Holding Register (write)
	UARTRegIER = 1 // Interrupt Enable Register
	UARTRegIIR = 2 // Interrupt Identification Register (read)
	UARTRegFCR = 2 // FIFO Control Register (write)
	UARTRegLCR = 3 // Line Control Register
	UARTRegMCR = 4 // Modem Control Register
	UARTRegLSR = 5 // Line Status Register
	UARTRegMSR = 6 // Modem Status Register
	UARTRegSCR = 7 // Scratch Register

	// UARTClockFreq is the input clock advertised in the device tree.
	UARTClockFreq = 3686400
)

// LSR bits
const (
	UARTLSRDataReady = 1 << 0 // Data ready
	UARTLSRTHREmpty  = 1 << 5 // Transmit holding register empty
	UARTLSRTxEmpty   = 1 << 6 // Transmitter empty
)

const (
	uartLCRDLAB        = 0x80
	uartIIRNoInterrupt = 0x01
)

// UART is the board console: a 16550 register subset whose transmitted
// bytes go to Output.
type UART struct {
	mu     sync.Mutex
	size   uint64
	output io.Writer

	ier, lcr, mcr, scr uint8
	dll, dlh           uint8

	input []byte
}

// NewUART creates a UART with a window of size bytes writing to output.
// A nil output discards transmitted bytes.
func NewUART(size uint64, output io.Writer) *UART {
	if output == nil {
		output = io.Discard
	}
	return &UART{size: size, output: output}
}

// Size implements Device
func (uart *UART) Size() uint64 {
	return uart.size
}

// Read implements Device
func (uart *UART) Read(offset uint64, size int) (uint64, error) {
	if size != 1 {
		return 0, nil
	}
	uart.mu.Lock()
	defer uart.mu.Unlock()

	dlab := uart.lcr&uartLCRDLAB != 0
	switch offset {
	case UARTRegRBR:
		if dlab {
			return uint64(uart.dll), nil
		}
		if len(uart.input) == 0 {
			return 0, nil
		}
		b := uart.input[0]
		uart.input = uart.input[1:]
		return uint64(b), nil
	case UARTRegIER:
		if dlab {
			return uint64(uart.dlh), nil
		}
		return uint64(uart.ier), nil
	case UARTRegIIR:
		return uartIIRNoInterrupt, nil
	case UARTRegLCR:
		return uint64(uart.lcr), nil
	case UARTRegMCR:
		return uint64(uart.mcr), nil
	case UARTRegLSR:
		lsr := uint64(UARTLSRTHREmpty | UARTLSRTxEmpty) // TX always ready
		if len(uart.input) > 0 {
			lsr |= UARTLSRDataReady
		}
		return lsr, nil
	case UARTRegSCR:
		return uint64(uart.scr), nil
	}
	return 0, nil
}

// Write implements Device
func (uart *UART) Write(offset uint64, size int, value uint64) error {
	if size != 1 {
		return nil
	}
	uart.mu.Lock()
	defer uart.mu.Unlock()

	data := uint8(value)
	dlab := uart.lcr&uartLCRDLAB != 0
	switch offset {
	case UARTRegTHR:
		if dlab {
			uart.dll = data
			return nil
		}
		if _, err := uart.output.Write([]byte{data}); err != nil {
			slog.Debug("toy: console write failed", "err", err)
		}
	case UARTRegIER:
		if dlab {
			uart.dlh = data
			return nil
		}
		uart.ier = data
	case UARTRegFCR:
		// FIFO enable with receive reset
		if data&0x03 == 0x03 {
			uart.input = nil
		}
	case UARTRegLCR:
		uart.lcr = data
	case UARTRegMCR:
		uart.mcr = data
	case UARTRegSCR:
		uart.scr = data
	}
	return nil
}

// EnqueueInput adds input bytes to be read by the guest
func (uart *UART) EnqueueInput(data []byte) {
	uart.mu.Lock()
	defer uart.mu.Unlock()
	uart.input = append(uart.input, data...)
}

var _ Device = (*UART)(nil)
