package riscv

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/toyboard/internal/asm"
)

const (
	X0 asm.Variable = iota
	X1
	X2
	X3
	X4
	X5
	X6
	X7
	X8
	X9
	X10
	X11
	X12
	X13
	X14
	X15
	X16
	X17
	X18
	X19
	X20
	X21
	X22
	X23
	X24
	X25
	X26
	X27
	X28
	X29
	X30
	X31
)

// ABI names for the registers used by boot code.
const (
	Zero = X0
	T0   = X5
	A0   = X10
	A1   = X11
	A2   = X12
)

// CSR numbers.
const (
	CSRMhartid uint32 = 0xf14
)

const (
	opLoad   = 0x03
	opOpImm  = 0x13
	opAuipc  = 0x17
	opJalr   = 0x67
	opSystem = 0x73

	funct3LW    = 2
	funct3LD    = 3
	funct3CSRRS = 2
)

type addImmediate struct {
	rd  asm.Variable
	rs1 asm.Variable
	imm int32
}

// AddImm emits ADDI rd, rs1, imm.
func AddImm(rd, rs1 asm.Variable, imm int32) asm.Fragment {
	return addImmediate{rd: rd, rs1: rs1, imm: imm}
}

// Nop emits the canonical NOP (ADDI x0, x0, 0).
func Nop() asm.Fragment {
	return addImmediate{rd: X0, rs1: X0}
}

type auipc struct {
	rd  asm.Variable
	imm int32
}

// Auipc emits AUIPC rd, imm where imm is the upper 20-bit immediate.
func Auipc(rd asm.Variable, imm int32) asm.Fragment {
	return auipc{rd: rd, imm: imm}
}

type csrRead struct {
	rd  asm.Variable
	csr uint32
}

// Csrr emits CSRRS rd, csr, x0.
func Csrr(rd asm.Variable, csr uint32) asm.Fragment {
	return csrRead{rd: rd, csr: csr}
}

type load struct {
	rd  asm.Variable
	rs1 asm.Variable
	imm int32
	f3  uint32
}

// LoadWord emits LW rd, imm(base).
func LoadWord(rd, base asm.Variable, imm int32) asm.Fragment {
	return load{rd: rd, rs1: base, imm: imm, f3: funct3LW}
}

// LoadDouble emits LD rd, imm(base).
func LoadDouble(rd, base asm.Variable, imm int32) asm.Fragment {
	return load{rd: rd, rs1: base, imm: imm, f3: funct3LD}
}

// LoadXLEN emits LW on 32-bit harts and LD otherwise.
func LoadXLEN(is32 bool, rd, base asm.Variable, imm int32) asm.Fragment {
	if is32 {
		return LoadWord(rd, base, imm)
	}
	return LoadDouble(rd, base, imm)
}

type jumpRegister struct {
	rs1 asm.Variable
}

// Jr emits JALR x0, 0(rs).
func Jr(rs asm.Variable) asm.Fragment {
	return jumpRegister{rs1: rs}
}

type word32 uint32

// Word emits a raw little-endian 32-bit data word.
func Word(v uint32) asm.Fragment { return word32(v) }

type word64 uint64

// DWord emits a raw little-endian 64-bit data word.
func DWord(v uint64) asm.Fragment { return word64(v) }

func (l addImmediate) Emit(ctx asm.Context) error {
	insn, err := encodeI(l.imm, uint32(l.rs1), 0, uint32(l.rd), opOpImm)
	if err != nil {
		return err
	}
	emitInsn(ctx, insn)
	return nil
}

func (a auipc) Emit(ctx asm.Context) error {
	if a.imm < -(1<<19) || a.imm >= 1<<20 {
		return fmt.Errorf("riscv: immediate %d out of range for U-type", a.imm)
	}
	emitInsn(ctx, encodeU(a.imm, uint32(a.rd), opAuipc))
	return nil
}

func (c csrRead) Emit(ctx asm.Context) error {
	if c.csr > 0xfff {
		return fmt.Errorf("riscv: csr %#x out of range", c.csr)
	}
	insn := (c.csr << 20) | (uint32(X0) << 15) | (funct3CSRRS << 12) | (uint32(c.rd) << 7) | opSystem
	emitInsn(ctx, insn)
	return nil
}

func (l load) Emit(ctx asm.Context) error {
	insn, err := encodeI(l.imm, uint32(l.rs1), l.f3, uint32(l.rd), opLoad)
	if err != nil {
		return err
	}
	emitInsn(ctx, insn)
	return nil
}

func (j jumpRegister) Emit(ctx asm.Context) error {
	insn, err := encodeI(0, uint32(j.rs1), 0, uint32(X0), opJalr)
	if err != nil {
		return err
	}
	emitInsn(ctx, insn)
	return nil
}

func (w word32) Emit(ctx asm.Context) error {
	emitInsn(ctx, uint32(w))
	return nil
}

func (w word64) Emit(ctx asm.Context) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(w))
	ctx.EmitBytes(buf[:])
	return nil
}

func emitInsn(ctx asm.Context, insn uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], insn)
	ctx.EmitBytes(buf[:])
}

func encodeI(imm int32, rs1 uint32, funct3 uint32, rd uint32, opcode uint32) (uint32, error) {
	if imm < -2048 || imm > 2047 {
		return 0, fmt.Errorf("riscv: immediate %d out of range for I-type", imm)
	}
	uimm := uint32(imm) & 0xfff
	return (uimm << 20) | (rs1 << 15) | (funct3 << 12) | (rd << 7) | opcode, nil
}

func encodeU(imm int32, rd uint32, opcode uint32) uint32 {
	uimm := uint32(imm) & 0xfffff
	return (uimm << 12) | (rd << 7) | opcode
}
