package toy

import "fmt"

// RegionName identifies an entry in the board's physical address map.
type RegionName int

const (
	RegionMROM RegionName = iota
	RegionCLINT
	RegionDRAM
	RegionUART
	RegionHostExit
)

func (r RegionName) String() string {
	switch r {
	case RegionMROM:
		return "mrom"
	case RegionCLINT:
		return "clint"
	case RegionDRAM:
		return "dram"
	case RegionUART:
		return "uart"
	case RegionHostExit:
		return "host-exit"
	default:
		return fmt.Sprintf("region(%d)", int(r))
	}
}

// Region is a named physical address range.
type Region struct {
	Name RegionName
	Base uint64
	Size uint64
}

// End returns the first address past the region.
func (r Region) End() uint64 {
	return r.Base + r.Size
}

// Overlaps reports whether two regions share any address.
func (r Region) Overlaps(o Region) bool {
	return r.Base < o.End() && o.Base < r.End()
}

// A DRAM size of zero means "resolved from the machine memory size".
var defaultMemoryMap = [...]Region{
	RegionMROM:     {Name: RegionMROM, Base: 0x1000, Size: 0xf000},
	RegionCLINT:    {Name: RegionCLINT, Base: 0x2000000, Size: 0x10000},
	RegionDRAM:     {Name: RegionDRAM, Base: 0x80000000, Size: 0},
	RegionUART:     {Name: RegionUART, Base: 0xC0001000, Size: 0x1000},
	RegionHostExit: {Name: RegionHostExit, Base: 0xC0000000, Size: 0x1000},
}

// MemoryMap is the board's fixed address map with DRAM resolved.
type MemoryMap struct {
	regions [len(defaultMemoryMap)]Region
}

// NewMemoryMap returns the board address map with DRAM sized to dramSize.
func NewMemoryMap(dramSize uint64) MemoryMap {
	m := MemoryMap{regions: defaultMemoryMap}
	m.regions[RegionDRAM].Size = dramSize
	return m
}

// Lookup returns the base and size of a region.
func (m MemoryMap) Lookup(name RegionName) (base, size uint64) {
	r := m.Region(name)
	return r.Base, r.Size
}

// Region returns the named region. It panics on an unknown name, which is a
// programming error since the table is fixed.
func (m MemoryMap) Region(name RegionName) Region {
	if name < 0 || int(name) >= len(m.regions) {
		panic(fmt.Sprintf("toy: unknown region %d", int(name)))
	}
	return m.regions[name]
}

// Regions returns every region in table order.
func (m MemoryMap) Regions() []Region {
	return append([]Region(nil), m.regions[:]...)
}

// TimerBlock returns the CLINT window of a socket. Each socket gets its own
// copy of the block, strided by the block size.
func (m MemoryMap) TimerBlock(socket int) (base, size uint64) {
	r := m.regions[RegionCLINT]
	return r.Base + uint64(socket)*r.Size, r.Size
}
