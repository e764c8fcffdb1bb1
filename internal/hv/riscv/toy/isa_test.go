package toy

import (
	"slices"
	"testing"
)

func TestParseCPUType(t *testing.T) {
	tests := []struct {
		in      string
		xlen    int
		isa     string
		wantErr bool
	}{
		{in: "", xlen: 64, isa: "rv64imafdc_zicsr_zifencei"},
		{in: "rv64", xlen: 64, isa: "rv64imafdc_zicsr_zifencei"},
		{in: "rv32", xlen: 32, isa: "rv32imafdc_zicsr_zifencei"},
		{in: "rv32imac", xlen: 32, isa: "rv32imac"},
		{in: "RV64GC", xlen: 64, isa: "rv64imafdc_zicsr_zifencei"},
		{in: "rv64ima_zba_zbb", xlen: 64, isa: "rv64ima_zba_zbb"},
		{in: "rv64camfi", xlen: 64, isa: "rv64imafc"},
		{in: "rv128i", wantErr: true},
		{in: "rv64mac", wantErr: true},
		{in: "rv64ix", wantErr: true},
		{in: "rv64i__zba", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			xlen, letters, multi, err := ParseCPUType(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseCPUType(%q) succeeded", tt.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseCPUType(%q): %v", tt.in, err)
			}
			if xlen != tt.xlen {
				t.Fatalf("xlen = %d, want %d", xlen, tt.xlen)
			}
			if got := ISAString(xlen, letters, multi); got != tt.isa {
				t.Fatalf("isa = %q, want %q", got, tt.isa)
			}
		})
	}
}

func TestDefaultHartFactory(t *testing.T) {
	arr, err := defaultHartFactory{}.NewHartArray(Socket{ID: 1, HartBase: 2, HartCount: 2}, "rv32")
	if err != nil {
		t.Fatalf("NewHartArray: %v", err)
	}
	if !arr.Is32Bit() {
		t.Fatalf("cluster is not rv32")
	}
	var ids []uint32
	for _, h := range arr.Harts {
		ids = append(ids, h.ID)
		if h.Socket != 1 {
			t.Fatalf("hart %d socket = %d", h.ID, h.Socket)
		}
	}
	if !slices.Equal(ids, []uint32{2, 3}) {
		t.Fatalf("hart ids = %v", ids)
	}
	if got := DefaultISA(arr.Harts[0]); got != "rv32imafdc_zicsr_zifencei" {
		t.Fatalf("DefaultISA = %q", got)
	}
}

func TestHartPending(t *testing.T) {
	var h Hart
	h.SetPending(MipMSIP, true)
	h.SetPending(MipMTIP, true)
	h.SetPending(MipMSIP, false)
	if got := h.Pending(); got != MipMTIP {
		t.Fatalf("Pending = %#x, want %#x", got, MipMTIP)
	}
}
