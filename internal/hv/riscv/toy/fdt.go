package toy

import (
	"fmt"

	"github.com/tinyrange/toyboard/internal/fdt"
)

const (
	boardModel      = "ucbbar,scalar_toy-bare,qemu"
	boardCompatible = "ucbbar,scalar_toy-bare-dev"
)

// DescriptionInput is everything the device tree is generated from.
type DescriptionInput struct {
	Topology  *Topology
	MemoryMap MemoryMap
	// Harts holds one cluster per socket, indexed by socket id.
	Harts []*HartArray
	// ISA formats riscv,isa for each hart. Nil uses DefaultISA.
	ISA     ISAProvider
	Is32Bit bool
	// StdoutPath overrides the /chosen stdout-path. Empty selects the UART.
	StdoutPath string
}

// GenerateDescription builds the board's device tree. The result depends
// only on in: generating twice gives byte-identical blobs.
func GenerateDescription(in DescriptionInput) (*fdt.Tree, error) {
	if in.Topology == nil {
		return nil, fmt.Errorf("generate description: no topology")
	}
	if len(in.Harts) != in.Topology.SocketCount() {
		return nil, fmt.Errorf("generate description: %d hart clusters for %d sockets",
			len(in.Harts), in.Topology.SocketCount())
	}
	isa := in.ISA
	if isa == nil {
		isa = DefaultISA
	}

	tree := fdt.NewTree()
	root := tree.Root
	root.SetString("model", boardModel)
	root.SetString("compatible", boardCompatible)
	root.SetCell("#size-cells", 2)
	root.SetCell("#address-cells", 2)

	soc, err := root.AddSubnode("soc")
	if err != nil {
		return nil, err
	}
	soc.SetEmpty("ranges")
	soc.SetString("compatible", "simple-bus")
	soc.SetCell("#size-cells", 2)
	soc.SetCell("#address-cells", 2)

	if err := generateSockets(root, soc, in, isa); err != nil {
		return nil, fmt.Errorf("generate description: %w", err)
	}

	serial, err := generateSerial(soc, in.MemoryMap)
	if err != nil {
		return nil, fmt.Errorf("generate description: %w", err)
	}

	chosen, err := root.AddSubnode("chosen")
	if err != nil {
		return nil, err
	}
	stdout := in.StdoutPath
	if stdout == "" {
		stdout = serial.Path()
	}
	chosen.SetString("stdout-path", stdout)

	return tree, nil
}

func generateSockets(root, soc *fdt.Node, in DescriptionInput, isa ISAProvider) error {
	topo := in.Topology

	cpus, err := root.AddSubnode("cpus")
	if err != nil {
		return err
	}
	cpus.SetCell("timebase-frequency", CLINTTimebaseFreq)
	cpus.SetCell("#size-cells", 0)
	cpus.SetCell("#address-cells", 1)
	cpuMap, err := cpus.AddSubnode("cpu-map")
	if err != nil {
		return err
	}

	phandles := fdt.NewPhandleAllocator()
	for s := topo.SocketCount() - 1; s >= 0; s-- {
		cluster, err := cpuMap.AddSubnode(fmt.Sprintf("cluster%d", s))
		if err != nil {
			return err
		}
		intcs, err := generateSocketCPUs(cpus, cluster, topo, s, in.Harts[s], isa, in.Is32Bit, phandles)
		if err != nil {
			return err
		}
		if err := generateSocketMemory(root, topo, in.MemoryMap, s); err != nil {
			return err
		}
		if err := generateSocketCLINT(soc, topo, in.MemoryMap, s, intcs); err != nil {
			return err
		}
	}

	return topo.WriteDistanceMap(root)
}

// generateSocketCPUs adds the cpu nodes of socket s, highest hart first, and
// returns the interrupt-controller phandle of each hart by local index.
func generateSocketCPUs(cpus, cluster *fdt.Node, topo *Topology, s int, arr *HartArray,
	isa ISAProvider, is32 bool, phandles *fdt.PhandleAllocator) ([]uint32, error) {
	sock := topo.Socket(s)
	if arr == nil || len(arr.Harts) != sock.HartCount {
		return nil, fmt.Errorf("socket%d: hart cluster does not match %d harts", s, sock.HartCount)
	}

	mmu := "riscv,sv48"
	if is32 {
		mmu = "riscv,sv32"
	}

	intcs := make([]uint32, sock.HartCount)
	for i := sock.HartCount - 1; i >= 0; i-- {
		hartID := sock.HartBase + uint32(i)

		cpuPhandle := phandles.Next()
		cpu, err := cpus.AddSubnode(fmt.Sprintf("cpu@%d", hartID))
		if err != nil {
			return nil, err
		}
		cpu.SetString("mmu-type", mmu)
		cpu.SetString("riscv,isa", isa(arr.Harts[i]))
		cpu.SetString("compatible", "riscv")
		cpu.SetString("status", "okay")
		cpu.SetCell("reg", hartID)
		cpu.SetString("device_type", "cpu")
		topo.WriteNodeID(cpu, s)
		cpu.SetCell("phandle", cpuPhandle)

		intcs[i] = phandles.Next()
		intc, err := cpu.AddSubnode("interrupt-controller")
		if err != nil {
			return nil, err
		}
		intc.SetCell("phandle", intcs[i])
		intc.SetString("compatible", "riscv,cpu-intc")
		intc.SetEmpty("interrupt-controller")
		intc.SetCell("#interrupt-cells", 1)

		core, err := cluster.AddSubnode(fmt.Sprintf("core%d", i))
		if err != nil {
			return nil, err
		}
		core.SetCell("cpu", cpuPhandle)
	}
	return intcs, nil
}

func generateSocketMemory(root *fdt.Node, topo *Topology, mm MemoryMap, s int) error {
	dramBase, _ := mm.Lookup(RegionDRAM)
	addr := dramBase + topo.MemOffset(s)
	size := topo.MemSize(s)

	mem, err := root.AddSubnode(fmt.Sprintf("memory@%x", addr))
	if err != nil {
		return err
	}
	mem.SetCells("reg", uint32(addr>>32), uint32(addr), uint32(size>>32), uint32(size))
	mem.SetString("device_type", "memory")
	topo.WriteNodeID(mem, s)
	return nil
}

func generateSocketCLINT(soc *fdt.Node, topo *Topology, mm MemoryMap, s int, intcs []uint32) error {
	cells := make([]uint32, len(intcs)*4)
	for i, intc := range intcs {
		cells[i*4+0] = intc
		cells[i*4+1] = IRQMSoft
		cells[i*4+2] = intc
		cells[i*4+3] = IRQMTimer
	}

	addr, size := mm.TimerBlock(s)
	clint, err := soc.AddSubnode(fmt.Sprintf("clint@%x", addr))
	if err != nil {
		return err
	}
	clint.SetStrings("compatible", "sifive,clint0", "riscv,clint0")
	clint.SetCells("reg", uint32(addr>>32), uint32(addr), uint32(size>>32), uint32(size))
	clint.SetCells("interrupts-extended", cells...)
	topo.WriteNodeID(clint, s)
	return nil
}

func generateSerial(soc *fdt.Node, mm MemoryMap) (*fdt.Node, error) {
	addr, size := mm.Lookup(RegionUART)
	serial, err := soc.AddSubnode(fmt.Sprintf("serial@%x", addr))
	if err != nil {
		return nil, err
	}
	serial.SetString("compatible", "ns16550a")
	serial.SetCells("reg", uint32(addr>>32), uint32(addr), uint32(size>>32), uint32(size))
	serial.SetCell("clock-frequency", UARTClockFreq)
	serial.SetCell("reg-io-width", 1)
	return serial, nil
}
