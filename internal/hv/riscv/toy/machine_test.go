package toy

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strings"
	"sync"
	"testing"
)

// fakeLoader records where images were asked to go.
type fakeLoader struct {
	mu sync.Mutex

	firmwareEnd uint64
	kernelStart uint64
	kernelIs32  bool
	initrdStart uint64
	initrdMax   uint64
}

func (f *fakeLoader) LoadFirmware(mem GuestMemory, path string, base uint64) (LoadedImage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return LoadedImage{Entry: base, End: f.firmwareEnd}, nil
}

func (f *fakeLoader) LoadKernel(mem GuestMemory, path string, start uint64, is32 bool) (LoadedImage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kernelStart = start
	f.kernelIs32 = is32
	if err := mem.LoadBytes(start, []byte{0x6f, 0, 0, 0}); err != nil {
		return LoadedImage{}, err
	}
	return LoadedImage{Entry: start, End: start + 4}, nil
}

func (f *fakeLoader) LoadInitrd(mem GuestMemory, path string, start, max uint64) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initrdStart = start
	f.initrdMax = max
	return 0x1000, nil
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Firmware = FirmwareNone
	cfg.CPUs = 4
	return cfg
}

func newTestMachine(t *testing.T, cfg Config, loader ImageLoader) (*Machine, *recordingTerminator) {
	t.Helper()
	term := &recordingTerminator{}
	m, err := NewMachine(cfg, Collaborators{
		Images:     loader,
		Console:    &bytes.Buffer{},
		Terminator: term,
	})
	if err != nil {
		t.Fatalf("NewMachine: %v", err)
	}
	t.Cleanup(func() {
		if err := m.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return m, term
}

func TestMachineSingleSocketBringUp(t *testing.T) {
	m, _ := newTestMachine(t, testConfig(), &fakeLoader{})

	if m.Phase() != PhaseResetVectorSetup {
		t.Fatalf("phase = %s", m.Phase())
	}
	if got := len(m.Harts()); got != 4 {
		t.Fatalf("%d harts, want 4", got)
	}
	for _, h := range m.Harts() {
		if h.ResetPC != 0x1000 {
			t.Fatalf("hart %d reset pc = %#x", h.ID, h.ResetPC)
		}
	}
	if m.FirmwareEnd() != 0x80000000 || m.KernelEntry() != 0 {
		t.Fatalf("firmware end %#x, kernel entry %#x", m.FirmwareEnd(), m.KernelEntry())
	}

	// 128 MiB of DRAM ends at 0x88000000; the blob sits 2 MiB below.
	if m.FDTAddr() != 0x87e00000 {
		t.Fatalf("fdt addr = %#x, want 0x87e00000", m.FDTAddr())
	}
	blob := m.DeviceTreeBlob()
	placed, err := m.Bus().ReadBytes(m.FDTAddr(), uint64(len(blob)))
	if err != nil {
		t.Fatalf("ReadBytes: %v", err)
	}
	if !bytes.Equal(placed, blob) {
		t.Fatalf("blob in ram differs from DeviceTreeBlob")
	}
	if binary.BigEndian.Uint32(blob) != 0xd00dfeed {
		t.Fatalf("blob magic = %#x", binary.BigEndian.Uint32(blob))
	}

	tree := m.DeviceTree()
	cells := mustProp(t, mustNode(t, tree, "/soc/clint@2000000"), "interrupts-extended").Cells()
	if len(cells) != 16 {
		t.Fatalf("interrupts-extended has %d cells", len(cells))
	}
	if n := len(phandleTargets(t, tree)); n != 8 {
		t.Fatalf("%d phandles, want 8", n)
	}

	rom := make([]uint32, 10)
	for i := range rom {
		v, err := m.Bus().Read32(0x1000 + uint64(i)*4)
		if err != nil {
			t.Fatalf("Read32: %v", err)
		}
		rom[i] = v
	}
	if rom[0] != 0x00000297 || rom[5] != 0x00028067 {
		t.Fatalf("reset vector = %#08x", rom)
	}
	if rom[6] != 0x80000000 || rom[7] != 0 || rom[8] != 0x87e00000 || rom[9] != 0 {
		t.Fatalf("reset vector data = %#08x", rom[6:])
	}
	if magic, _ := m.Bus().Read(0x1028, 8); magic != fwDynamicInfoMagic {
		t.Fatalf("fw_dynamic_info magic = %#x", magic)
	}
	if err := m.Bus().Write32(0x1000, 0); !errors.Is(err, ErrReadOnly) {
		t.Fatalf("guest write to mrom error = %v, want ErrReadOnly", err)
	}
}

func TestMachineKernelAndInitrd(t *testing.T) {
	cfg := testConfig()
	cfg.Kernel = "Image"
	cfg.Initrd = "initrd"
	cfg.Append = "console=ttyS0 earlycon"
	loader := &fakeLoader{}
	m, _ := newTestMachine(t, cfg, loader)

	if loader.kernelStart != 0x80000000 || loader.kernelIs32 {
		t.Fatalf("kernel start %#x is32=%v", loader.kernelStart, loader.kernelIs32)
	}
	if m.KernelEntry() != 0x80000000 {
		t.Fatalf("kernel entry = %#x", m.KernelEntry())
	}
	if loader.initrdStart != 0x84000000 || loader.initrdMax != 0x04000000 {
		t.Fatalf("initrd at %#x max %#x", loader.initrdStart, loader.initrdMax)
	}

	chosen := mustNode(t, m.DeviceTree(), "/chosen")
	if got := mustProp(t, chosen, "bootargs").Strings()[0]; got != cfg.Append {
		t.Fatalf("bootargs = %q", got)
	}
	start := mustProp(t, chosen, "linux,initrd-start").Value
	end := mustProp(t, chosen, "linux,initrd-end").Value
	if binary.BigEndian.Uint64(start) != 0x84000000 || binary.BigEndian.Uint64(end) != 0x84001000 {
		t.Fatalf("initrd range %x-%x", start, end)
	}

	if next, _ := m.Bus().Read(0x1038, 8); next != 0x80000000 {
		t.Fatalf("fw_dynamic_info next_addr = %#x", next)
	}
}

func TestMachineKernelAlignment(t *testing.T) {
	tests := []struct {
		cpuType string
		want    uint64
	}{
		{"rv64", 0x80200000},
		{"rv32", 0x80400000},
	}
	for _, tt := range tests {
		t.Run(tt.cpuType, func(t *testing.T) {
			cfg := testConfig()
			cfg.CPUType = tt.cpuType
			cfg.Firmware = writeTempFile(t, "fw.bin", []byte{0})
			cfg.Kernel = "Image"
			loader := &fakeLoader{firmwareEnd: 0x80012345}
			m, _ := newTestMachine(t, cfg, loader)
			if loader.kernelStart != tt.want {
				t.Fatalf("kernel start = %#x, want %#x", loader.kernelStart, tt.want)
			}
			if m.Is32Bit() != (tt.cpuType == "rv32") {
				t.Fatalf("Is32Bit = %v", m.Is32Bit())
			}
		})
	}
}

func TestMachineNUMA(t *testing.T) {
	cfg := testConfig()
	cfg.CPUs = 4
	cfg.Memory = 256 << 20
	cfg.Sockets = []SocketConfig{{Harts: []uint32{0, 1}}, {Harts: []uint32{2, 3}}}
	m, _ := newTestMachine(t, cfg, &fakeLoader{})

	if _, ok := m.Bus().Lookup("clint1"); !ok {
		t.Fatalf("socket1 timer block not mapped")
	}
	if len(m.Timers()) != 2 {
		t.Fatalf("%d timer blocks", len(m.Timers()))
	}
	tree := m.DeviceTree()
	mustNode(t, tree, "/soc/clint@2010000")
	mustNode(t, tree, "/memory@88000000")
	if m.FDTAddr() != 0x8fe00000 {
		t.Fatalf("fdt addr = %#x", m.FDTAddr())
	}
}

func TestMachineHostExit(t *testing.T) {
	m, term := newTestMachine(t, testConfig(), &fakeLoader{})
	if err := m.Bus().Write32(0xC0000000, 3); err != nil {
		t.Fatalf("Write32: %v", err)
	}
	if codes := term.Codes(); len(codes) != 1 || codes[0] != 1 {
		t.Fatalf("codes = %v, want [1]", codes)
	}
	if !m.HostExit().Terminated() {
		t.Fatalf("host exit not latched")
	}
}

func TestMachineConsole(t *testing.T) {
	var console bytes.Buffer
	m, err := NewMachine(testConfig(), Collaborators{
		Images:     &fakeLoader{},
		Console:    &console,
		Terminator: &recordingTerminator{},
	})
	if err != nil {
		t.Fatalf("NewMachine: %v", err)
	}
	defer m.Close()
	for _, b := range []byte("hi") {
		if err := m.Bus().Write(0xC0001000, 1, uint64(b)); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if console.String() != "hi" {
		t.Fatalf("console = %q", console.String())
	}
}

func TestMachineErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		deps   Collaborators
		phase  Phase
		is     error
	}{
		{
			name:   "nine sockets",
			mutate: func(c *Config) { c.Sockets = make([]SocketConfig, 9) },
			phase:  PhaseValidate,
			is:     ErrTooManySockets,
		},
		{
			name: "discontiguous socket",
			mutate: func(c *Config) {
				c.Sockets = []SocketConfig{{Harts: []uint32{0, 1}}, {Harts: []uint32{2, 4}}}
				c.CPUs = 5
			},
			phase: PhaseValidate,
			is:    ErrBadTopology,
		},
		{
			name:   "dram over host exit",
			mutate: func(c *Config) { c.Memory = 2 << 30 },
			phase:  PhaseValidate,
			is:     ErrOverlap,
		},
		{
			name:   "initrd without kernel",
			mutate: func(c *Config) { c.Initrd = "initrd" },
			phase:  PhaseValidate,
		},
		{
			name:   "missing firmware",
			mutate: func(c *Config) { c.Firmware = "does-not-exist.bin"; c.FirmwareDirs = nil },
			phase:  PhaseFirmwareLoad,
		},
		{
			name:   "hart factory failure",
			mutate: func(c *Config) {},
			deps: Collaborators{Harts: HartFactoryFunc(func(Socket, string) (*HartArray, error) {
				return nil, errors.New("no harts today")
			})},
			phase: PhasePerSocketDeviceInit,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			deps := tt.deps
			deps.Images = &fakeLoader{}
			deps.Terminator = &recordingTerminator{}
			m, err := NewMachine(cfg, deps)
			if err == nil {
				m.Close()
				t.Fatalf("NewMachine succeeded")
			}
			if prefix := "toy: " + tt.phase.String() + ": "; !strings.HasPrefix(err.Error(), prefix) {
				t.Fatalf("error %q does not start with %q", err, prefix)
			}
			if tt.is != nil && !errors.Is(err, tt.is) {
				t.Fatalf("error %v does not wrap %v", err, tt.is)
			}
		})
	}
}

func TestFDTLoadAddr(t *testing.T) {
	tests := []struct {
		base, size, blob uint64
		want             uint64
		err              bool
	}{
		{base: 0x80000000, size: 128 << 20, blob: 0x2000, want: 0x87e00000},
		{base: 0x80000000, size: 2 << 30, blob: 0x2000, want: 0xbfe00000},
		{base: 0x100000000, size: 64 << 20, blob: 0x2000, want: 0x103e00000},
		{base: 0x80000000, size: 1 << 20, blob: 2 << 20, err: true},
	}
	for _, tt := range tests {
		got, err := fdtLoadAddr(tt.base, tt.size, tt.blob)
		if tt.err {
			if err == nil {
				t.Fatalf("fdtLoadAddr(%#x, %#x) = %#x, want error", tt.base, tt.size, got)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Fatalf("fdtLoadAddr(%#x, %#x) = %#x, %v; want %#x", tt.base, tt.size, got, err, tt.want)
		}
	}
}

func TestPhaseString(t *testing.T) {
	if PhaseDescriptionPlace.String() != "description place" {
		t.Fatalf("String = %q", PhaseDescriptionPlace.String())
	}
	if Phase(99).String() != "phase(99)" {
		t.Fatalf("String = %q", Phase(99).String())
	}
}
