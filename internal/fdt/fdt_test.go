package fdt

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"testing"
)

// decodedProp is a property as read back from a blob.
type decodedProp struct {
	path  string
	name  string
	value []byte
}

// decodeBlob walks the structure block and returns node paths and properties
// in blob order.
func decodeBlob(t *testing.T, blob []byte) ([]string, []decodedProp) {
	t.Helper()
	be := binary.BigEndian
	if got := be.Uint32(blob[0:]); got != fdtMagic {
		t.Fatalf("magic = %#x", got)
	}
	if got := be.Uint32(blob[4:]); int(got) != len(blob) {
		t.Fatalf("totalsize = %d, blob is %d bytes", got, len(blob))
	}
	structOff := be.Uint32(blob[8:])
	stringsOff := be.Uint32(blob[12:])
	structSize := be.Uint32(blob[36:])
	strtab := blob[stringsOff:]

	var (
		paths []string
		props []decodedProp
		stack []string
	)
	cur := func() string {
		if len(stack) <= 1 {
			return "/"
		}
		return "/" + strings.Join(stack[1:], "/")
	}
	off := structOff
	end := structOff + structSize
	for off < end {
		token := be.Uint32(blob[off:])
		off += 4
		switch token {
		case fdtBeginNode:
			n := bytes.IndexByte(blob[off:], 0)
			stack = append(stack, string(blob[off:off+uint32(n)]))
			paths = append(paths, cur())
			off += uint32(alignUp(n+1, 4))
		case fdtEndNode:
			stack = stack[:len(stack)-1]
		case fdtProp:
			size := be.Uint32(blob[off:])
			nameOff := be.Uint32(blob[off+4:])
			off += 8
			name := string(strtab[nameOff : nameOff+uint32(bytes.IndexByte(strtab[nameOff:], 0))])
			props = append(props, decodedProp{path: cur(), name: name, value: blob[off : off+size]})
			off += uint32(alignUp(int(size), 4))
		case fdtEnd:
			if off != end {
				t.Fatalf("FDT_END at %#x, structure ends at %#x", off, end)
			}
			return paths, props
		default:
			t.Fatalf("unexpected token %#x at %#x", token, off-4)
		}
	}
	t.Fatalf("missing FDT_END")
	return nil, nil
}

func TestEncodeHeaderLayout(t *testing.T) {
	tree := NewTree()
	tree.Root.SetCell("#address-cells", 2)

	blob, err := tree.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	be := binary.BigEndian
	checks := []struct {
		name string
		off  int
		want uint32
	}{
		{"off_dt_struct", 8, 0x38},
		{"off_mem_rsvmap", 16, 0x28},
		{"version", 20, 17},
		{"last_comp_version", 24, 16},
		{"boot_cpuid_phys", 28, 0},
	}
	for _, c := range checks {
		if got := be.Uint32(blob[c.off:]); got != c.want {
			t.Errorf("%s = %#x, want %#x", c.name, got, c.want)
		}
	}
	if !bytes.Equal(blob[0x28:0x38], make([]byte, 16)) {
		t.Errorf("reservation map is not a single empty entry")
	}
	decodeBlob(t, blob)
}

func TestAddSubnodePrependsLikeLibfdt(t *testing.T) {
	tree := NewTree()
	cpus, err := tree.Root.AddSubnode("cpus")
	if err != nil {
		t.Fatalf("AddSubnode: %v", err)
	}
	cpus.SetCell("#address-cells", 1)
	if _, err := cpus.AddSubnode("cpu-map"); err != nil {
		t.Fatalf("AddSubnode: %v", err)
	}
	for i := 3; i >= 0; i-- {
		if _, err := cpus.AddSubnode(fmt.Sprintf("cpu@%d", i)); err != nil {
			t.Fatalf("AddSubnode: %v", err)
		}
	}

	blob, err := tree.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	paths, _ := decodeBlob(t, blob)
	want := []string{"/", "/cpus", "/cpus/cpu@0", "/cpus/cpu@1", "/cpus/cpu@2", "/cpus/cpu@3", "/cpus/cpu-map"}
	if strings.Join(paths, ",") != strings.Join(want, ",") {
		t.Fatalf("node order = %v, want %v", paths, want)
	}
}

func TestAddSubnodeDuplicate(t *testing.T) {
	tree := NewTree()
	if _, err := tree.Root.AddSubnode("soc"); err != nil {
		t.Fatalf("AddSubnode: %v", err)
	}
	if _, err := tree.Root.AddSubnode("soc"); !errors.Is(err, ErrExists) {
		t.Fatalf("duplicate AddSubnode err = %v, want ErrExists", err)
	}
	if _, err := tree.Root.AddSubnode("a/b"); !errors.Is(err, ErrBadName) {
		t.Fatalf("AddSubnode with slash err = %v, want ErrBadName", err)
	}
}

func TestSetPropertyKeepsPosition(t *testing.T) {
	tree := NewTree()
	n, _ := tree.Root.AddSubnode("chosen")
	n.SetString("stdout-path", "/htif")
	n.SetString("bootargs", "console=ttyS0")
	n.SetString("stdout-path", "/soc/serial@c0001000")

	if len(n.Properties) != 2 || n.Properties[0].Name != "stdout-path" {
		t.Fatalf("properties = %+v", n.Properties)
	}
	if got := n.Properties[0].Strings(); len(got) != 1 || got[0] != "/soc/serial@c0001000" {
		t.Fatalf("stdout-path = %q", got)
	}
}

func TestStringTableSharesSuffixes(t *testing.T) {
	tree := NewTree()
	tree.Root.SetCell("#size-cells", 2)
	tree.Root.SetCell("size-cells", 2)
	tree.Root.SetCell("#address-cells", 2)

	if got, want := string(tree.strtab), "#size-cells\x00#address-cells\x00"; got != want {
		t.Fatalf("strtab = %q, want %q", got, want)
	}

	blob, err := tree.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	_, props := decodeBlob(t, blob)
	names := make([]string, 0, len(props))
	for _, p := range props {
		names = append(names, p.name)
	}
	if got := strings.Join(names, ","); got != "#size-cells,size-cells,#address-cells" {
		t.Fatalf("property names = %s", got)
	}
}

func TestEncodeIsDeterministic(t *testing.T) {
	build := func() []byte {
		tree := NewTree()
		tree.Root.SetString("model", "test")
		soc, _ := tree.Root.AddSubnode("soc")
		soc.SetEmpty("ranges")
		soc.SetStrings("compatible", "sifive,clint0", "riscv,clint0")
		soc.SetU64("linux,initrd-start", 0x84000000)
		blob, err := tree.Encode()
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		return blob
	}
	if !bytes.Equal(build(), build()) {
		t.Fatalf("two encodes of identical trees differ")
	}
}

func TestPropertyDecoding(t *testing.T) {
	tree := NewTree()
	n, _ := tree.Root.AddSubnode("clint@2000000")
	n.SetStrings("compatible", "sifive,clint0", "riscv,clint0")
	n.SetCells("interrupts-extended", 1, 3, 1, 7)

	p, ok := n.Property("compatible")
	if !ok {
		t.Fatalf("compatible missing")
	}
	if got := p.Strings(); len(got) != 2 || got[1] != "riscv,clint0" {
		t.Fatalf("compatible = %q", got)
	}
	p, _ = n.Property("interrupts-extended")
	if got := p.Cells(); fmt.Sprint(got) != "[1 3 1 7]" {
		t.Fatalf("interrupts-extended = %v", got)
	}
}

func TestLookupAndPath(t *testing.T) {
	tree := NewTree()
	cpus, _ := tree.Root.AddSubnode("cpus")
	cpu, _ := cpus.AddSubnode("cpu@0")
	intc, _ := cpu.AddSubnode("interrupt-controller")

	if got := tree.Lookup("/cpus/cpu@0/interrupt-controller"); got != intc {
		t.Fatalf("Lookup returned %v", got)
	}
	if got := intc.Path(); got != "/cpus/cpu@0/interrupt-controller" {
		t.Fatalf("Path = %q", got)
	}
	if tree.Lookup("/") != tree.Root {
		t.Fatalf("Lookup(/) is not the root")
	}
	if tree.Lookup("/nope") != nil || tree.Lookup("cpus") != nil {
		t.Fatalf("Lookup found a missing node")
	}
}

func TestPhandleAllocator(t *testing.T) {
	a := NewPhandleAllocator()
	for want := uint32(1); want <= 4; want++ {
		if got := a.Next(); got != want {
			t.Fatalf("Next = %d, want %d", got, want)
		}
	}
	if a.Allocated() != 4 {
		t.Fatalf("Allocated = %d", a.Allocated())
	}

	var zero PhandleAllocator
	if got := zero.Next(); got != 1 {
		t.Fatalf("zero value Next = %d, want 1", got)
	}
}
