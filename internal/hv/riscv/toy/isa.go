package toy

import (
	"fmt"
	"strings"
)

const (
	CPUTypeRV32 = "rv32"
	CPUTypeRV64 = "rv64"

	// canonicalExtOrder is the order single-letter extensions appear in an
	// ISA string.
	canonicalExtOrder = "iemafdqcbpvh"

	defaultExtensions = "imafdc"
)

var defaultMultiLetter = []string{"zicsr", "zifencei"}

// ISAProvider returns the riscv,isa string of a hart.
type ISAProvider func(h *Hart) string

// DefaultISA formats the hart's enabled extensions with ISAString.
func DefaultISA(h *Hart) string {
	return ISAString(h.XLEN, h.Extensions, h.MultiLetter)
}

// ISAString builds a canonical ISA string such as "rv64imafdc_zicsr_zifencei".
// Single-letter extensions are reordered canonically; multi-letter
// extensions keep the given order.
func ISAString(xlen int, letters string, multi []string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "rv%d", xlen)
	letters = strings.ToLower(letters)
	for _, c := range canonicalExtOrder {
		if strings.ContainsRune(letters, c) {
			sb.WriteRune(c)
		}
	}
	for _, ext := range multi {
		sb.WriteByte('_')
		sb.WriteString(strings.ToLower(ext))
	}
	return sb.String()
}

// ParseCPUType splits a CPU type such as "rv64", "rv32imac" or
// "rv64gc_zba" into its XLEN, single-letter and multi-letter extensions.
// A bare "rv32"/"rv64" selects the default extension set.
func ParseCPUType(cpuType string) (xlen int, letters string, multi []string, err error) {
	if cpuType == "" {
		cpuType = CPUTypeRV64
	}
	lower := strings.ToLower(cpuType)
	switch {
	case strings.HasPrefix(lower, CPUTypeRV32):
		xlen = 32
	case strings.HasPrefix(lower, CPUTypeRV64):
		xlen = 64
	default:
		return 0, "", nil, fmt.Errorf("unsupported cpu type %q", cpuType)
	}

	rest := lower[len(CPUTypeRV64):]
	if rest == "" {
		return xlen, defaultExtensions, append([]string(nil), defaultMultiLetter...), nil
	}

	parts := strings.Split(rest, "_")
	single := parts[0]
	for _, c := range single {
		switch {
		case c == 'g':
			letters += "imafd"
			multi = appendUnique(multi, defaultMultiLetter...)
		case strings.ContainsRune(canonicalExtOrder, c):
			letters += string(c)
		default:
			return 0, "", nil, fmt.Errorf("unknown extension %q in cpu type %q", c, cpuType)
		}
	}
	if !strings.ContainsRune(letters, 'i') && !strings.ContainsRune(letters, 'e') {
		return 0, "", nil, fmt.Errorf("cpu type %q has no base integer extension", cpuType)
	}
	for _, ext := range parts[1:] {
		if ext == "" {
			return 0, "", nil, fmt.Errorf("empty extension in cpu type %q", cpuType)
		}
		multi = appendUnique(multi, ext)
	}
	return xlen, letters, multi, nil
}

func appendUnique(list []string, values ...string) []string {
outer:
	for _, v := range values {
		for _, have := range list {
			if have == v {
				continue outer
			}
		}
		list = append(list, v)
	}
	return list
}
