package toy

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/tinyrange/toyboard/internal/fdt"
)

const (
	kernelAlign64 = 2 << 20
	kernelAlign32 = 4 << 20

	fdtAlign        = 2 << 20
	fdtLowMemLimit  = 3 << 30
	initrdMaxOffset = 128 << 20
)

// Phase is a step of machine bring-up.
type Phase int

const (
	PhaseNone Phase = iota
	PhaseValidate
	PhasePerSocketDeviceInit
	PhaseMemoryRegister
	PhaseFirmwareLoad
	PhaseDescriptionGenerate
	PhaseKernelLoad
	PhaseDescriptionPlace
	PhaseResetVectorSetup
)

func (p Phase) String() string {
	switch p {
	case PhaseNone:
		return "none"
	case PhaseValidate:
		return "validate"
	case PhasePerSocketDeviceInit:
		return "per-socket device init"
	case PhaseMemoryRegister:
		return "memory register"
	case PhaseFirmwareLoad:
		return "firmware load"
	case PhaseDescriptionGenerate:
		return "description generate"
	case PhaseKernelLoad:
		return "kernel load"
	case PhaseDescriptionPlace:
		return "description place"
	case PhaseResetVectorSetup:
		return "reset vector setup"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Collaborators are the pluggable parts of the board. Nil fields get the
// default implementation.
type Collaborators struct {
	Harts      HartFactory
	Timers     TimerFactory
	Images     ImageLoader
	ISA        ISAProvider
	Console    io.Writer
	Terminator Terminator
}

func (c Collaborators) withDefaults(cfg Config) Collaborators {
	if c.Harts == nil {
		c.Harts = defaultHartFactory{}
	}
	if c.Timers == nil {
		c.Timers = DefaultTimerFactory
	}
	if c.Images == nil {
		c.Images = &FileImageLoader{Progress: cfg.Progress}
	}
	if c.ISA == nil {
		c.ISA = DefaultISA
	}
	if c.Console == nil {
		c.Console = os.Stdout
	}
	if c.Terminator == nil {
		c.Terminator = ProcessTerminator{}
	}
	return c
}

// Machine is a brought-up scalar toy board.
type Machine struct {
	cfg  Config
	deps Collaborators

	phase    Phase
	topology *Topology
	memmap   MemoryMap
	is32     bool

	bus      *Bus
	clusters []*HartArray
	timers   []TimerBlock
	ram      *MemoryRegion
	rom      *MemoryRegion
	uart     *UART
	hostExit *HostExit
	release  func() error

	firmwareEnd uint64
	kernelEntry uint64
	signature   LoadedImage

	tree    *fdt.Tree
	blob    []byte
	fdtAddr uint64
}

// NewMachine validates cfg and runs every bring-up phase in order. The
// first failing phase aborts bring-up; nothing already done is undone
// except releasing guest RAM.
func NewMachine(cfg Config, deps Collaborators) (*Machine, error) {
	m := &Machine{
		cfg:  cfg,
		deps: deps.withDefaults(cfg),
	}

	steps := []struct {
		phase Phase
		run   func() error
	}{
		{PhaseValidate, m.validate},
		{PhasePerSocketDeviceInit, m.initSockets},
		{PhaseMemoryRegister, m.registerMemory},
		{PhaseFirmwareLoad, m.loadFirmware},
		{PhaseDescriptionGenerate, m.generateDescription},
		{PhaseKernelLoad, m.loadKernel},
		{PhaseDescriptionPlace, m.placeDescription},
		{PhaseResetVectorSetup, m.setupResetVector},
	}
	for _, step := range steps {
		slog.Debug("toy: bring-up phase", "phase", step.phase.String())
		if err := step.run(); err != nil {
			if cerr := m.Close(); cerr != nil {
				slog.Debug("toy: releasing guest ram failed", "err", cerr)
			}
			return nil, fmt.Errorf("toy: %s: %w", step.phase, err)
		}
		m.phase = step.phase
	}
	return m, nil
}

func (m *Machine) validate() error {
	topo, err := NewTopology(m.cfg.Topology())
	if err != nil {
		return err
	}
	xlen, _, _, err := ParseCPUType(m.cfg.CPUType)
	if err != nil {
		return err
	}
	if m.cfg.Initrd != "" && m.cfg.Kernel == "" {
		return errors.New("an initrd requires a kernel")
	}
	if m.cfg.Signature != "" && m.cfg.SignatureGranularity <= 0 {
		return fmt.Errorf("invalid signature granularity %d", m.cfg.SignatureGranularity)
	}

	mm := NewMemoryMap(uint64(m.cfg.Memory))
	dram := mm.Region(RegionDRAM)
	if dram.End() < dram.Base {
		return fmt.Errorf("memory size %s overflows the address space", m.cfg.Memory)
	}
	regions := mm.Regions()
	for s := 1; s < topo.SocketCount(); s++ {
		base, size := mm.TimerBlock(s)
		regions = append(regions, Region{Name: RegionCLINT, Base: base, Size: size})
	}
	for i, a := range regions {
		for _, b := range regions[i+1:] {
			if a.Overlaps(b) {
				return fmt.Errorf("%s [%#x, %#x) overlaps %s [%#x, %#x): %w",
					a.Name, a.Base, a.End(), b.Name, b.Base, b.End(), ErrOverlap)
			}
		}
	}

	m.topology = topo
	m.memmap = mm
	m.is32 = xlen == 32
	return nil
}

func (m *Machine) initSockets() error {
	m.bus = NewBus()
	for _, sock := range m.topology.Sockets() {
		arr, err := m.deps.Harts.NewHartArray(sock, m.cfg.CPUType)
		if err != nil {
			return fmt.Errorf("socket%d: create harts: %w", sock.ID, err)
		}
		if len(arr.Harts) != sock.HartCount {
			return fmt.Errorf("socket%d: hart factory returned %d harts, want %d", sock.ID, len(arr.Harts), sock.HartCount)
		}
		if arr.Is32Bit() != m.is32 {
			return fmt.Errorf("socket%d: harts do not match cpu type %q", sock.ID, m.cfg.CPUType)
		}

		base, size := m.memmap.TimerBlock(sock.ID)
		timer, err := m.deps.Timers.NewTimerBlock(base, size, arr.Harts)
		if err != nil {
			return fmt.Errorf("socket%d: create timer block: %w", sock.ID, err)
		}
		if err := m.bus.Map(fmt.Sprintf("clint%d", sock.ID), base, timer); err != nil {
			return err
		}
		slog.Debug("toy: socket ready", "socket", sock.ID, "harts", sock.HartCount,
			"hart_base", sock.HartBase, "clint", fmt.Sprintf("%#x", base))

		m.clusters = append(m.clusters, arr)
		m.timers = append(m.timers, timer)
	}
	return nil
}

func (m *Machine) registerMemory() error {
	dramBase, dramSize := m.memmap.Lookup(RegionDRAM)
	mem, release, err := allocateRAM(dramSize)
	if err != nil {
		return err
	}
	m.release = release
	m.ram = &MemoryRegion{Data: mem}
	if err := m.bus.Map("dram", dramBase, m.ram); err != nil {
		return err
	}

	hostExitBase, hostExitSize := m.memmap.Lookup(RegionHostExit)
	m.hostExit = NewHostExit(hostExitSize, TerminatorFunc(m.terminate))
	if err := m.bus.Map("host-exit", hostExitBase, m.hostExit); err != nil {
		return err
	}

	romBase, romSize := m.memmap.Lookup(RegionMROM)
	m.rom = NewMemoryRegion(romSize)
	m.rom.ReadOnly = true
	if err := m.bus.Map("mrom", romBase, m.rom); err != nil {
		return err
	}

	uartBase, uartSize := m.memmap.Lookup(RegionUART)
	m.uart = NewUART(uartSize, m.deps.Console)
	if err := m.bus.Map("uart", uartBase, m.uart); err != nil {
		return err
	}

	slog.Debug("toy: memory registered", "dram", fmt.Sprintf("%#x", dramBase), "size", Size(dramSize).String())
	return nil
}

func (m *Machine) loadFirmware() error {
	dramBase, _ := m.memmap.Lookup(RegionDRAM)
	m.firmwareEnd = dramBase

	path, ok, err := FindFirmware(m.cfg.Firmware, m.cfg.FirmwareDirs, m.is32)
	if err != nil {
		return err
	}
	if !ok {
		slog.Debug("toy: booting without firmware")
		return nil
	}
	img, err := m.deps.Images.LoadFirmware(m.bus, path, dramBase)
	if err != nil {
		return err
	}
	m.firmwareEnd = img.End
	m.recordSignature(img)
	slog.Debug("toy: firmware loaded", "path", path, "end", fmt.Sprintf("%#x", img.End))
	return nil
}

func (m *Machine) generateDescription() error {
	tree, err := GenerateDescription(DescriptionInput{
		Topology:  m.topology,
		MemoryMap: m.memmap,
		Harts:     m.clusters,
		ISA:       m.deps.ISA,
		Is32Bit:   m.is32,
	})
	if err != nil {
		return err
	}
	m.tree = tree
	return nil
}

func (m *Machine) loadKernel() error {
	chosen := m.tree.Lookup("/chosen")
	if chosen == nil {
		return errors.New("device tree has no /chosen node")
	}
	if m.cfg.Append != "" {
		chosen.SetString("bootargs", m.cfg.Append)
	}
	if m.cfg.Kernel == "" {
		m.kernelEntry = 0
		return nil
	}

	align := uint64(kernelAlign64)
	if m.is32 {
		align = kernelAlign32
	}
	start := alignUp(m.firmwareEnd, align)
	img, err := m.deps.Images.LoadKernel(m.bus, m.cfg.Kernel, start, m.is32)
	if err != nil {
		return err
	}
	m.kernelEntry = img.Entry
	m.recordSignature(img)
	slog.Debug("toy: kernel loaded", "path", m.cfg.Kernel, "entry", fmt.Sprintf("%#x", img.Entry))

	if m.cfg.Initrd == "" {
		return nil
	}
	dram := m.memmap.Region(RegionDRAM)
	initrdStart := m.kernelEntry + min(dram.Size/2, initrdMaxOffset)
	if initrdStart < dram.Base || initrdStart >= dram.End() {
		return fmt.Errorf("initrd start %#x is outside dram", initrdStart)
	}
	size, err := m.deps.Images.LoadInitrd(m.bus, m.cfg.Initrd, initrdStart, dram.End()-initrdStart)
	if err != nil {
		return err
	}
	chosen.SetU64("linux,initrd-start", initrdStart)
	chosen.SetU64("linux,initrd-end", initrdStart+size)
	return nil
}

func (m *Machine) placeDescription() error {
	blob, err := m.tree.Encode()
	if err != nil {
		return fmt.Errorf("encode device tree: %w", err)
	}
	dram := m.memmap.Region(RegionDRAM)
	addr, err := fdtLoadAddr(dram.Base, dram.Size, uint64(len(blob)))
	if err != nil {
		return err
	}
	if err := m.bus.LoadBytes(addr, blob); err != nil {
		return err
	}
	m.blob = blob
	m.fdtAddr = addr
	slog.Debug("toy: device tree placed", "addr", fmt.Sprintf("%#x", addr), "size", len(blob))
	return nil
}

// fdtLoadAddr places the blob at the top of DRAM, below 3 GiB when DRAM
// starts below it, aligned down to 2 MiB.
func fdtLoadAddr(dramBase, dramSize, blobSize uint64) (uint64, error) {
	dramEnd := dramBase + dramSize
	top := dramEnd
	if dramBase < fdtLowMemLimit {
		top = min(dramEnd, fdtLowMemLimit)
	}
	if blobSize > top-dramBase {
		return 0, fmt.Errorf("device tree of %d bytes does not fit in dram", blobSize)
	}
	addr := (top - blobSize) &^ (fdtAlign - 1)
	if addr < dramBase {
		return 0, fmt.Errorf("device tree of %d bytes does not fit in dram", blobSize)
	}
	return addr, nil
}

func (m *Machine) setupResetVector() error {
	dramBase, _ := m.memmap.Lookup(RegionDRAM)
	romBase, romSize := m.memmap.Lookup(RegionMROM)

	rom, err := BootROM(m.is32, dramBase, m.fdtAddr, m.kernelEntry)
	if err != nil {
		return err
	}
	if uint64(len(rom)) > romSize {
		return fmt.Errorf("boot rom of %d bytes exceeds mrom size %#x", len(rom), romSize)
	}
	if err := m.bus.LoadBytes(romBase, rom); err != nil {
		return err
	}
	for _, arr := range m.clusters {
		for _, h := range arr.Harts {
			h.ResetPC = romBase
		}
	}
	return nil
}

func (m *Machine) recordSignature(img LoadedImage) {
	if img.HasSignature() {
		m.signature = img
	}
}

func (m *Machine) terminate(code int) {
	m.SignatureTerminator(m.deps.Terminator).Terminate(code)
}

// SignatureTerminator wraps inner so the signature region is written to
// Config.Signature before inner runs. Without a signature file or region
// inner is returned unchanged.
func (m *Machine) SignatureTerminator(inner Terminator) Terminator {
	if m.cfg.Signature == "" || !m.signature.HasSignature() {
		return inner
	}
	return &signatureTerminator{
		bus:      m.bus,
		begin:    m.signature.SignatureBegin,
		end:      m.signature.SignatureEnd,
		path:     m.cfg.Signature,
		lineSize: m.cfg.SignatureGranularity,
		inner:    inner,
	}
}

// Close releases guest RAM. It is safe to call more than once.
func (m *Machine) Close() error {
	if m.release == nil {
		return nil
	}
	release := m.release
	m.release = nil
	if m.ram != nil {
		m.ram.Data = nil
	}
	return release()
}

// Phase returns the last bring-up phase that completed.
func (m *Machine) Phase() Phase { return m.phase }

// Topology returns the validated topology.
func (m *Machine) Topology() *Topology { return m.topology }

// MemoryMap returns the resolved address map.
func (m *Machine) MemoryMap() MemoryMap { return m.memmap }

// Bus returns the physical address space.
func (m *Machine) Bus() *Bus { return m.bus }

// DeviceTree returns the generated device tree.
func (m *Machine) DeviceTree() *fdt.Tree { return m.tree }

// DeviceTreeBlob returns the blob placed in guest memory.
func (m *Machine) DeviceTreeBlob() []byte { return append([]byte(nil), m.blob...) }

// FDTAddr returns the guest physical address of the device tree blob.
func (m *Machine) FDTAddr() uint64 { return m.fdtAddr }

// KernelEntry returns the kernel entry point, or 0 without a kernel.
func (m *Machine) KernelEntry() uint64 { return m.kernelEntry }

// FirmwareEnd returns the first address past the firmware image.
func (m *Machine) FirmwareEnd() uint64 { return m.firmwareEnd }

// HostExit returns the host-exit device.
func (m *Machine) HostExit() *HostExit { return m.hostExit }

// UART returns the console device.
func (m *Machine) UART() *UART { return m.uart }

// Timers returns the timer block of every socket.
func (m *Machine) Timers() []TimerBlock { return append([]TimerBlock(nil), m.timers...) }

// Is32Bit reports whether the harts are RV32.
func (m *Machine) Is32Bit() bool { return m.is32 }

// Harts returns every hart in hart id order.
func (m *Machine) Harts() []*Hart {
	var out []*Hart
	for _, arr := range m.clusters {
		out = append(out, arr.Harts...)
	}
	return out
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}
