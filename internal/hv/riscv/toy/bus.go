package toy

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"
)

var (
	ErrOverlap  = errors.New("region overlaps an existing mapping")
	ErrUnmapped = errors.New("no device at address")
	ErrReadOnly = errors.New("region is read-only")
)

var guestEndian = binary.LittleEndian

// Device represents a memory-mapped device
type Device interface {
	// Read reads from the device at the given offset
	Read(offset uint64, size int) (uint64, error)
	// Write writes to the device at the given offset
	Write(offset uint64, size int, value uint64) error
	// Size returns the size of the device's address space
	Size() uint64
}

// MemoryRegion is RAM or ROM backed by a host byte slice. The host can
// always write through WriteAt; guest writes to a read-only region fail.
type MemoryRegion struct {
	Data     []byte
	ReadOnly bool
}

// NewMemoryRegion creates a zeroed region of the given size.
func NewMemoryRegion(size uint64) *MemoryRegion {
	return &MemoryRegion{Data: make([]byte, size)}
}

// Read implements Device
func (m *MemoryRegion) Read(offset uint64, size int) (uint64, error) {
	if offset+uint64(size) > uint64(len(m.Data)) {
		return 0, fmt.Errorf("memory read out of bounds: offset=0x%x size=%d len=%d", offset, size, len(m.Data))
	}

	switch size {
	case 1:
		return uint64(m.Data[offset]), nil
	case 2:
		return uint64(guestEndian.Uint16(m.Data[offset:])), nil
	case 4:
		return uint64(guestEndian.Uint32(m.Data[offset:])), nil
	case 8:
		return guestEndian.Uint64(m.Data[offset:]), nil
	default:
		return 0, fmt.Errorf("invalid read size: %d", size)
	}
}

// Write implements Device
func (m *MemoryRegion) Write(offset uint64, size int, value uint64) error {
	if m.ReadOnly {
		return ErrReadOnly
	}
	if offset+uint64(size) > uint64(len(m.Data)) {
		return fmt.Errorf("memory write out of bounds: offset=0x%x size=%d len=%d", offset, size, len(m.Data))
	}

	switch size {
	case 1:
		m.Data[offset] = byte(value)
	case 2:
		guestEndian.PutUint16(m.Data[offset:], uint16(value))
	case 4:
		guestEndian.PutUint32(m.Data[offset:], uint32(value))
	case 8:
		guestEndian.PutUint64(m.Data[offset:], value)
	default:
		return fmt.Errorf("invalid write size: %d", size)
	}
	return nil
}

// Size implements Device
func (m *MemoryRegion) Size() uint64 {
	return uint64(len(m.Data))
}

// ReadAt implements io.ReaderAt.
func (m *MemoryRegion) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(m.Data)) {
		return 0, io.EOF
	}
	n := copy(p, m.Data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements io.WriterAt for host-side loading.
func (m *MemoryRegion) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(m.Data)) {
		return 0, fmt.Errorf("memory load out of bounds: offset=0x%x len=%d size=%d", off, len(p), len(m.Data))
	}
	return copy(m.Data[off:], p), nil
}

// Mapping places a device in the physical address space.
type Mapping struct {
	Name   string
	Base   uint64
	Size   uint64
	Device Device
}

// End returns the first address past the mapping.
func (m Mapping) End() uint64 {
	return m.Base + m.Size
}

// Bus is the machine's physical address space. Mappings are added during
// bring-up only; afterwards the bus is read-only and safe for concurrent use.
type Bus struct {
	mappings []Mapping
}

// NewBus creates an empty address space.
func NewBus() *Bus {
	return &Bus{}
}

// Map adds a device at base. Overlapping an existing mapping is an error.
func (bus *Bus) Map(name string, base uint64, dev Device) error {
	size := dev.Size()
	if size == 0 {
		return fmt.Errorf("map %s: zero-sized device", name)
	}
	if base+size < base {
		return fmt.Errorf("map %s at 0x%x: size 0x%x wraps the address space", name, base, size)
	}
	m := Mapping{Name: name, Base: base, Size: size, Device: dev}
	for _, other := range bus.mappings {
		if m.Base < other.End() && other.Base < m.End() {
			return fmt.Errorf("map %s [0x%x, 0x%x): %w (%s [0x%x, 0x%x))",
				name, m.Base, m.End(), ErrOverlap, other.Name, other.Base, other.End())
		}
	}
	bus.mappings = append(bus.mappings, m)
	sort.Slice(bus.mappings, func(i, j int) bool {
		return bus.mappings[i].Base < bus.mappings[j].Base
	})
	return nil
}

// Mappings returns the mappings ordered by base address.
func (bus *Bus) Mappings() []Mapping {
	return append([]Mapping(nil), bus.mappings...)
}

// Lookup returns the mapping named name.
func (bus *Bus) Lookup(name string) (Mapping, bool) {
	for _, m := range bus.mappings {
		if m.Name == name {
			return m, true
		}
	}
	return Mapping{}, false
}

func (bus *Bus) find(addr uint64, size uint64) (Mapping, uint64, error) {
	i := sort.Search(len(bus.mappings), func(i int) bool {
		return bus.mappings[i].End() > addr
	})
	if i < len(bus.mappings) {
		m := bus.mappings[i]
		if addr >= m.Base && addr+size <= m.End() {
			return m, addr - m.Base, nil
		}
	}
	return Mapping{}, 0, fmt.Errorf("%w 0x%x", ErrUnmapped, addr)
}

// Read reads size bytes from the bus
func (bus *Bus) Read(addr uint64, size int) (uint64, error) {
	m, offset, err := bus.find(addr, uint64(size))
	if err != nil {
		return 0, err
	}
	return m.Device.Read(offset, size)
}

// Write writes size bytes to the bus
func (bus *Bus) Write(addr uint64, size int, value uint64) error {
	m, offset, err := bus.find(addr, uint64(size))
	if err != nil {
		return err
	}
	return m.Device.Write(offset, size, value)
}

// Read32 reads a word from the bus
func (bus *Bus) Read32(addr uint64) (uint32, error) {
	val, err := bus.Read(addr, 4)
	return uint32(val), err
}

// Write32 writes a word to the bus
func (bus *Bus) Write32(addr uint64, value uint32) error {
	return bus.Write(addr, 4, uint64(value))
}

// LoadBytes copies data into RAM or ROM from the host side. The whole range
// must fall inside one memory mapping.
func (bus *Bus) LoadBytes(addr uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	m, offset, err := bus.find(addr, uint64(len(data)))
	if err != nil {
		return fmt.Errorf("load %d bytes at 0x%x: %w", len(data), addr, err)
	}
	mem, ok := m.Device.(*MemoryRegion)
	if !ok {
		return fmt.Errorf("load at 0x%x: %s is not memory", addr, m.Name)
	}
	_, err = mem.WriteAt(data, int64(offset))
	return err
}

// ReadBytes copies n bytes of RAM or ROM starting at addr.
func (bus *Bus) ReadBytes(addr uint64, n uint64) ([]byte, error) {
	m, offset, err := bus.find(addr, n)
	if err != nil {
		return nil, fmt.Errorf("read %d bytes at 0x%x: %w", n, addr, err)
	}
	mem, ok := m.Device.(*MemoryRegion)
	if !ok {
		return nil, fmt.Errorf("read at 0x%x: %s is not memory", addr, m.Name)
	}
	return append([]byte(nil), mem.Data[offset:offset+n]...), nil
}
