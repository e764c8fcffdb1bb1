package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/tinyrange/toyboard/internal/hv/riscv/toy"
	"golang.org/x/term"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "toyboard: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "YAML board configuration file")
	memory := toy.Size(toy.DefaultMemorySize)
	flag.Var(&memory, "m", "Guest RAM size (e.g. 128M, 1G)")
	cpus := flag.Int("smp", 1, "Number of harts")
	cpuType := flag.String("cpu", toy.CPUTypeRV64, "CPU type (rv64, rv32, rv64gc, rv32imac_zicsr, ...)")
	bios := flag.String("bios", toy.FirmwareDefault, "Firmware image, \"default\" or \"none\"")
	kernel := flag.String("kernel", "", "Kernel image (ELF or raw)")
	initrd := flag.String("initrd", "", "Initial ramdisk")
	appendArgs := flag.String("append", "", "Kernel command line")
	signature := flag.String("signature", "", "Write the test signature region to this file on exit")
	granularity := flag.Int("signature-granularity", toy.DefaultSignatureGranularity, "Bytes per signature line")
	dumpDTB := flag.String("dumpdtb", "", "Write the generated device tree blob to this file")
	progress := flag.Bool("progress", false, "Show progress while loading images")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Bring up the scalar toy RISC-V board and report its layout.\n\n")
		fmt.Fprintf(os.Stderr, "Examples:\n")
		fmt.Fprintf(os.Stderr, "  %s -smp 4 -m 256M -bios none -dumpdtb board.dtb\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -config board.yaml -kernel Image -append console=ttyS0\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 0 {
		flag.Usage()
		return fmt.Errorf("unexpected arguments: %v", flag.Args())
	}

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg := toy.DefaultConfig()
	if *configPath != "" {
		var err error
		cfg, err = toy.LoadConfig(*configPath)
		if err != nil {
			return err
		}
	} else {
		cfg.Progress = term.IsTerminal(int(os.Stderr.Fd()))
	}

	// Flags given on the command line override the file.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "m":
			cfg.Memory = memory
		case "smp":
			cfg.CPUs = *cpus
		case "cpu":
			cfg.CPUType = *cpuType
		case "bios":
			cfg.Firmware = *bios
		case "kernel":
			cfg.Kernel = *kernel
		case "initrd":
			cfg.Initrd = *initrd
		case "append":
			cfg.Append = *appendArgs
		case "signature":
			cfg.Signature = *signature
		case "signature-granularity":
			cfg.SignatureGranularity = *granularity
		case "progress":
			cfg.Progress = *progress
		}
	})

	m, err := toy.NewMachine(cfg, toy.Collaborators{
		Console:    os.Stdout,
		Terminator: toy.ProcessTerminator{},
	})
	if err != nil {
		return err
	}
	defer m.Close()

	if *dumpDTB != "" {
		if err := os.WriteFile(*dumpDTB, m.DeviceTreeBlob(), 0o644); err != nil {
			return fmt.Errorf("write device tree: %w", err)
		}
		slog.Info("device tree written", "path", *dumpDTB, "size", len(m.DeviceTreeBlob()))
	}

	return printSummary(os.Stdout, m)
}

func printSummary(w io.Writer, m *toy.Machine) error {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintf(tw, "REGION\tBASE\tSIZE\n")
	for _, mapping := range m.Bus().Mappings() {
		fmt.Fprintf(tw, "%s\t%#010x\t%s\n", mapping.Name, mapping.Base, toy.Size(mapping.Size))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	topo := m.Topology()
	for _, s := range topo.Sockets() {
		fmt.Fprintf(w, "socket%d: harts %d-%d, memory %s at %#x\n",
			s.ID, s.HartBase, s.HartBase+uint32(s.HartCount)-1, toy.Size(s.MemSize), s.MemOffset)
	}
	fmt.Fprintf(w, "fdt: %#x (%d bytes)\n", m.FDTAddr(), len(m.DeviceTreeBlob()))
	fmt.Fprintf(w, "kernel entry: %#x\n", m.KernelEntry())
	fmt.Fprintf(w, "reset pc: %#x\n", m.Harts()[0].ResetPC)
	return nil
}
