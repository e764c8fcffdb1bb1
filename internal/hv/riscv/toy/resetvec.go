package toy

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/toyboard/internal/asm"
	"github.com/tinyrange/toyboard/internal/asm/riscv"
)

const (
	fwDynamicInfoMagic   = 0x4942534f // "OSBI"
	fwDynamicInfoVersion = 2
	fwDynamicNextModeS   = 1

	resetVectorWords = 10

	labelStartAddr asm.Label = "start_addr"
	labelFDTAddr   asm.Label = "fdt_addr"
	labelDynInfo   asm.Label = "fw_dynamic_info"
)

// resetVector emits the boot ROM trampoline. Every hart enters it with
// a0 = mhartid, a1 = fdt address and a2 = fw_dynamic_info, then jumps to
// startAddr.
func resetVector(is32 bool, startAddr, fdtAddr uint64) asm.Fragment {
	return asm.Group{
		riscv.Auipc(riscv.T0, 0),
		riscv.AddImm(riscv.A2, riscv.T0, resetVectorWords*4),
		riscv.Csrr(riscv.A0, riscv.CSRMhartid),
		riscv.LoadXLEN(is32, riscv.A1, riscv.T0, 32),
		riscv.LoadXLEN(is32, riscv.T0, riscv.T0, 24),
		riscv.Jr(riscv.T0),
		asm.MarkLabel(labelStartAddr),
		riscv.DWord(startAddr),
		asm.MarkLabel(labelFDTAddr),
		riscv.DWord(fdtAddr),
	}
}

// fwDynamicInfo encodes OpenSBI's struct fw_dynamic_info with XLEN-wide fields.
func fwDynamicInfo(is32 bool, nextAddr uint64) []byte {
	fields := []uint64{
		fwDynamicInfoMagic,
		fwDynamicInfoVersion,
		nextAddr,
		fwDynamicNextModeS,
		0, // options
		0, // boot_hart
	}
	var out []byte
	for _, f := range fields {
		if is32 {
			out = binary.LittleEndian.AppendUint32(out, uint32(f))
		} else {
			out = binary.LittleEndian.AppendUint64(out, f)
		}
	}
	return out
}

// BootROM returns the reset vector followed by fw_dynamic_info.
func BootROM(is32 bool, startAddr, fdtAddr, kernelEntry uint64) ([]byte, error) {
	prog, err := riscv.EmitProgram(asm.Group{
		resetVector(is32, startAddr, fdtAddr),
		asm.MarkLabel(labelDynInfo),
	})
	if err != nil {
		return nil, fmt.Errorf("assemble reset vector: %w", err)
	}
	if off, _ := prog.LabelOffset(labelDynInfo); off != resetVectorWords*4 {
		return nil, fmt.Errorf("reset vector is %d bytes, want %d", off, resetVectorWords*4)
	}
	return append(prog.Bytes(), fwDynamicInfo(is32, kernelEntry)...), nil
}
