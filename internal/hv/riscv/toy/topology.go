package toy

import (
	"errors"
	"fmt"
	"slices"
)

const (
	// MaxSockets is the largest number of sockets (NUMA nodes) the board supports.
	MaxSockets = 8
	// MaxCPUs is the largest total hart count the board supports.
	MaxCPUs = 8

	// numaMemAlign is the granularity of the default per-node memory split.
	numaMemAlign = 8 << 20
)

var (
	ErrTooManySockets = errors.New("too many sockets")
	ErrTooManyCPUs    = errors.New("too many cpus")
	ErrBadTopology    = errors.New("invalid topology")
)

// ConfigError reports an invalid machine topology. Socket is -1 when the
// problem is not tied to a single socket.
type ConfigError struct {
	Socket int
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	return e.Reason
}

func (e *ConfigError) Unwrap() error {
	if e.Err == nil {
		return ErrBadTopology
	}
	return e.Err
}

func socketError(socket int, format string, args ...any) error {
	return &ConfigError{Socket: socket, Reason: fmt.Sprintf(format, args...), Err: ErrBadTopology}
}

// Socket is one hart cluster and its share of DRAM. Hart ids are
// HartBase..HartBase+HartCount-1.
type Socket struct {
	ID        int
	HartBase  uint32
	HartCount int
	MemOffset uint64
	MemSize   uint64
}

// Contains reports whether the socket owns hart id.
func (s Socket) Contains(hart uint32) bool {
	return hart >= s.HartBase && hart < s.HartBase+uint32(s.HartCount)
}

// TopologyConfig is the unvalidated socket layout requested by the user.
type TopologyConfig struct {
	CPUs       int
	MemorySize uint64
	Sockets    []SocketConfig
	Distances  [][]uint32
}

// Topology is the validated socket layout of a machine. It is immutable.
type Topology struct {
	sockets   []Socket
	numa      bool
	distances [][]uint32
}

// NewTopology validates cfg and resolves per-socket hart ranges and memory
// shares. The socket count limit is checked before anything else.
func NewTopology(cfg TopologyConfig) (*Topology, error) {
	nodes := len(cfg.Sockets)
	if nodes > MaxSockets {
		return nil, &ConfigError{
			Socket: -1,
			Reason: fmt.Sprintf("number of sockets/nodes should be less than %d", MaxSockets),
			Err:    ErrTooManySockets,
		}
	}
	if cfg.CPUs > MaxCPUs {
		return nil, &ConfigError{
			Socket: -1,
			Reason: fmt.Sprintf("number of cpus %d exceeds the maximum of %d", cfg.CPUs, MaxCPUs),
			Err:    ErrTooManyCPUs,
		}
	}
	if cfg.CPUs <= 0 {
		return nil, socketError(-1, "at least one cpu is required")
	}
	if cfg.MemorySize == 0 {
		return nil, socketError(-1, "memory size must be non-zero")
	}

	if nodes == 0 {
		if len(cfg.Distances) > 0 {
			return nil, socketError(-1, "distances require explicit sockets")
		}
		return &Topology{sockets: []Socket{{
			ID:        0,
			HartBase:  0,
			HartCount: cfg.CPUs,
			MemSize:   cfg.MemorySize,
		}}}, nil
	}

	harts := assignHarts(cfg)
	t := &Topology{numa: true, sockets: make([]Socket, nodes)}
	claimed := make(map[uint32]int, cfg.CPUs)
	for i, ids := range harts {
		if !contiguous(ids) {
			return nil, socketError(i, "discontinuous hartids in socket%d", i)
		}
		if len(ids) == 0 {
			return nil, socketError(i, "can't find hartid base for socket%d", i)
		}
		for _, id := range ids {
			if int(id) >= cfg.CPUs {
				return nil, socketError(i, "hart %d of socket%d is beyond the %d configured cpus", id, i, cfg.CPUs)
			}
			if owner, ok := claimed[id]; ok {
				return nil, socketError(i, "hart %d of socket%d is already in socket%d", id, i, owner)
			}
			claimed[id] = i
		}
		t.sockets[i] = Socket{ID: i, HartBase: ids[0], HartCount: len(ids)}
	}
	if len(claimed) != cfg.CPUs {
		for id := uint32(0); int(id) < cfg.CPUs; id++ {
			if _, ok := claimed[id]; !ok {
				return nil, socketError(-1, "hart %d is not assigned to any socket", id)
			}
		}
	}

	if err := t.assignMemory(cfg); err != nil {
		return nil, err
	}
	if err := t.setDistances(cfg.Distances); err != nil {
		return nil, err
	}
	return t, nil
}

// assignHarts returns the sorted hart ids of every socket. When no socket
// lists harts explicitly they are spread evenly, the remainder going to the
// last socket.
func assignHarts(cfg TopologyConfig) [][]uint32 {
	nodes := len(cfg.Sockets)
	out := make([][]uint32, nodes)
	explicit := false
	for i, s := range cfg.Sockets {
		if len(s.Harts) > 0 {
			explicit = true
		}
		out[i] = slices.Clone(s.Harts)
		slices.Sort(out[i])
	}
	if explicit {
		return out
	}
	perNode := cfg.CPUs / nodes
	for hart := 0; hart < cfg.CPUs; hart++ {
		node := nodes - 1
		if perNode > 0 && hart/perNode < nodes {
			node = hart / perNode
		}
		out[node] = append(out[node], uint32(hart))
	}
	return out
}

// contiguous reports whether sorted ids form a gap-free run. Duplicates are
// left to the ownership check.
func contiguous(ids []uint32) bool {
	for i := 1; i < len(ids); i++ {
		if ids[i] != ids[i-1]+1 && ids[i] != ids[i-1] {
			return false
		}
	}
	return true
}

func (t *Topology) assignMemory(cfg TopologyConfig) error {
	configured := 0
	for _, s := range cfg.Sockets {
		if s.Memory != 0 {
			configured++
		}
	}

	switch configured {
	case 0:
		nodes := uint64(len(t.sockets))
		remaining := cfg.MemorySize
		for i := range t.sockets[:len(t.sockets)-1] {
			share := (cfg.MemorySize / nodes) &^ (numaMemAlign - 1)
			t.sockets[i].MemSize = share
			remaining -= share
		}
		t.sockets[len(t.sockets)-1].MemSize = remaining
	case len(cfg.Sockets):
		var total uint64
		for i, s := range cfg.Sockets {
			t.sockets[i].MemSize = uint64(s.Memory)
			total += uint64(s.Memory)
		}
		if total != cfg.MemorySize {
			return socketError(-1, "socket memory adds up to %#x, machine has %#x", total, cfg.MemorySize)
		}
	default:
		return socketError(-1, "either every socket or no socket must set memory")
	}

	var offset uint64
	for i := range t.sockets {
		if t.sockets[i].MemSize == 0 {
			return socketError(i, "memory share of socket%d is zero", i)
		}
		t.sockets[i].MemOffset = offset
		offset += t.sockets[i].MemSize
	}
	return nil
}

// SocketCount returns the number of sockets.
func (t *Topology) SocketCount() int {
	return len(t.sockets)
}

// Socket returns socket i.
func (t *Topology) Socket(i int) Socket {
	return t.sockets[i]
}

// Sockets returns a copy of every socket in index order.
func (t *Topology) Sockets() []Socket {
	return slices.Clone(t.sockets)
}

// HartCount returns the number of harts across all sockets.
func (t *Topology) HartCount() int {
	n := 0
	for _, s := range t.sockets {
		n += s.HartCount
	}
	return n
}

// MemOffset returns the offset of socket i's memory from the DRAM base.
func (t *Topology) MemOffset(i int) uint64 {
	return t.sockets[i].MemOffset
}

// MemSize returns the size of socket i's memory.
func (t *Topology) MemSize(i int) uint64 {
	return t.sockets[i].MemSize
}

// NUMAEnabled reports whether sockets were configured explicitly.
func (t *Topology) NUMAEnabled() bool {
	return t.numa
}

// SocketOfHart returns the socket owning hart id.
func (t *Topology) SocketOfHart(hart uint32) (int, bool) {
	for _, s := range t.sockets {
		if s.Contains(hart) {
			return s.ID, true
		}
	}
	return 0, false
}
