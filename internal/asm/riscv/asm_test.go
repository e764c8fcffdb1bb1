package riscv

import (
	"encoding/binary"
	"testing"

	"github.com/tinyrange/toyboard/internal/asm"
)

func TestEncodings(t *testing.T) {
	tests := []struct {
		name string
		frag asm.Fragment
		want uint32
	}{
		{"auipc t0,0", Auipc(T0, 0), 0x00000297},
		{"addi a2,t0,40", AddImm(A2, T0, 40), 0x02828613},
		{"csrr a0,mhartid", Csrr(A0, CSRMhartid), 0xf1402573},
		{"ld a1,32(t0)", LoadDouble(A1, T0, 32), 0x0202b583},
		{"ld t0,24(t0)", LoadDouble(T0, T0, 24), 0x0182b283},
		{"lw a1,32(t0)", LoadWord(A1, T0, 32), 0x0202a583},
		{"lw t0,24(t0)", LoadWord(T0, T0, 24), 0x0182a283},
		{"jr t0", Jr(T0), 0x00028067},
		{"nop", Nop(), 0x00000013},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prog, err := EmitProgram(tt.frag)
			if err != nil {
				t.Fatalf("EmitProgram: %v", err)
			}
			code := prog.Bytes()
			if len(code) != 4 {
				t.Fatalf("emitted %d bytes, want 4", len(code))
			}
			if got := binary.LittleEndian.Uint32(code); got != tt.want {
				t.Fatalf("encoding = %#08x, want %#08x", got, tt.want)
			}
		})
	}
}

func TestImmediateRange(t *testing.T) {
	if _, err := EmitProgram(AddImm(A0, A0, 4096)); err == nil {
		t.Fatalf("expected out of range ADDI immediate to fail")
	}
	if _, err := EmitProgram(Csrr(A0, 0x1000)); err == nil {
		t.Fatalf("expected out of range CSR to fail")
	}
}

func TestDataWordsAndLabels(t *testing.T) {
	prog, err := EmitProgram(asm.Group{
		Word(0xdeadbeef),
		asm.MarkLabel("dword"),
		DWord(0x0000000180000000),
	})
	if err != nil {
		t.Fatalf("EmitProgram: %v", err)
	}
	if prog.Len() != 12 {
		t.Fatalf("Len = %d, want 12", prog.Len())
	}
	off, ok := prog.LabelOffset("dword")
	if !ok || off != 4 {
		t.Fatalf("LabelOffset = %d, %v", off, ok)
	}
	code := prog.Bytes()
	if got := binary.LittleEndian.Uint64(code[4:]); got != 0x0000000180000000 {
		t.Fatalf("dword = %#x", got)
	}

	if _, err := EmitProgram(asm.Group{asm.MarkLabel("x"), asm.MarkLabel("x")}); err == nil {
		t.Fatalf("expected duplicate label to fail")
	}
}
