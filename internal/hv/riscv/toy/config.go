package toy

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultMemorySize matches the board's default RAM.
	DefaultMemorySize = 128 << 20
	// DefaultSignatureGranularity is the number of bytes per signature line.
	DefaultSignatureGranularity = 16
)

// Size is a byte count that accepts suffixed values such as "128M" or "1G".
type Size uint64

// ParseSize parses a byte count with an optional K, M, G or T suffix
// (binary multiples, optionally followed by "B" or "iB").
func ParseSize(s string) (Size, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	upper := strings.ToUpper(s)
	if strings.HasPrefix(upper, "0X") {
		n, err := strconv.ParseUint(upper[2:], 16, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid size %q: %w", s, err)
		}
		return Size(n), nil
	}
	upper = strings.TrimSuffix(upper, "IB")
	upper = strings.TrimSuffix(upper, "B")

	shift := 0
	switch {
	case strings.HasSuffix(upper, "K"):
		shift = 10
	case strings.HasSuffix(upper, "M"):
		shift = 20
	case strings.HasSuffix(upper, "G"):
		shift = 30
	case strings.HasSuffix(upper, "T"):
		shift = 40
	}
	if shift != 0 {
		upper = upper[:len(upper)-1]
	}
	n, err := strconv.ParseUint(upper, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if shift != 0 && n > (^uint64(0))>>shift {
		return 0, fmt.Errorf("size %q overflows", s)
	}
	return Size(n << shift), nil
}

// UnmarshalYAML implements yaml.Unmarshaler for Size.
func (s *Size) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if raw == "" {
		return nil
	}
	parsed, err := ParseSize(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// String formats the size using the largest exact binary suffix.
func (s Size) String() string {
	v := uint64(s)
	for _, u := range []struct {
		shift  uint
		suffix string
	}{{40, "T"}, {30, "G"}, {20, "M"}, {10, "K"}} {
		if v != 0 && v%(1<<u.shift) == 0 {
			return strconv.FormatUint(v>>u.shift, 10) + u.suffix
		}
	}
	return strconv.FormatUint(v, 10)
}

// Set implements flag.Value.
func (s *Size) Set(v string) error {
	parsed, err := ParseSize(v)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// SocketConfig describes one NUMA node. Harts lists the hart ids of the node;
// Memory is its share of DRAM.
type SocketConfig struct {
	Harts  []uint32 `yaml:"harts"`
	Memory Size     `yaml:"memory"`
}

// Config is the complete bring-up configuration of a board.
type Config struct {
	Memory    Size           `yaml:"memory"`
	CPUs      int            `yaml:"cpus"`
	CPUType   string         `yaml:"cpu_type"`
	Sockets   []SocketConfig `yaml:"sockets"`
	Distances [][]uint32     `yaml:"distances"`

	// Firmware is "default", "none" or a path.
	Firmware     string   `yaml:"firmware"`
	FirmwareDirs []string `yaml:"firmware_dirs"`
	Kernel       string   `yaml:"kernel"`
	Initrd       string   `yaml:"initrd"`
	Append       string   `yaml:"append"`

	// Signature is the file that receives the test signature region on exit.
	Signature            string `yaml:"signature"`
	SignatureGranularity int    `yaml:"signature_granularity"`

	// Progress shows a progress bar while reading images.
	Progress bool `yaml:"progress"`
}

// DefaultConfig returns a single-socket, single-hart rv64 board.
func DefaultConfig() Config {
	return Config{
		Memory:               DefaultMemorySize,
		CPUs:                 1,
		CPUType:              CPUTypeRV64,
		Firmware:             FirmwareDefault,
		FirmwareDirs:         []string{".", "/usr/share/qemu", "/usr/local/share/qemu"},
		SignatureGranularity: DefaultSignatureGranularity,
	}
}

// LoadConfig reads a YAML configuration file on top of DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config file: %w", err)
	}
	return cfg, nil
}

// Topology returns the unvalidated topology request of the configuration.
func (c Config) Topology() TopologyConfig {
	return TopologyConfig{
		CPUs:       c.CPUs,
		MemorySize: uint64(c.Memory),
		Sockets:    c.Sockets,
		Distances:  c.Distances,
	}
}
