package toy

import (
	"github.com/tinyrange/toyboard/internal/fdt"
)

const (
	// NUMADistanceLocal is the distance from a node to itself.
	NUMADistanceLocal = 10
	// NUMADistanceRemote is the default distance between two different nodes.
	NUMADistanceRemote = 20
)

func (t *Topology) setDistances(d [][]uint32) error {
	if len(d) == 0 {
		return nil
	}
	n := len(t.sockets)
	if len(d) != n {
		return socketError(-1, "distance matrix has %d rows for %d sockets", len(d), n)
	}
	for i, row := range d {
		if len(row) != n {
			return socketError(i, "distance row of socket%d has %d entries, want %d", i, len(row), n)
		}
	}
	for i := 0; i < n; i++ {
		if d[i][i] != NUMADistanceLocal {
			return socketError(i, "local distance of socket%d must be %d", i, NUMADistanceLocal)
		}
		for j := i + 1; j < n; j++ {
			if d[i][j] != d[j][i] {
				return socketError(i, "distance between socket%d and socket%d is not symmetric", i, j)
			}
			if d[i][j] <= NUMADistanceLocal {
				return socketError(i, "distance between socket%d and socket%d must exceed %d", i, j, NUMADistanceLocal)
			}
		}
	}
	t.distances = make([][]uint32, n)
	for i := range d {
		t.distances[i] = append([]uint32(nil), d[i]...)
	}
	return nil
}

// Distance returns the NUMA distance between two sockets. Without an
// explicit matrix a socket is NUMADistanceLocal from itself and
// NUMADistanceRemote from every other socket.
func (t *Topology) Distance(a, b int) uint32 {
	if t.distances != nil {
		return t.distances[a][b]
	}
	if a == b {
		return NUMADistanceLocal
	}
	return NUMADistanceRemote
}

// NodeID returns the NUMA node id of a socket. ok is false when NUMA is off.
func (t *Topology) NodeID(socket int) (id uint32, ok bool) {
	if !t.numa {
		return 0, false
	}
	return uint32(socket), true
}

// WriteNodeID tags n with the socket's numa-node-id when NUMA is enabled.
func (t *Topology) WriteNodeID(n *fdt.Node, socket int) {
	if id, ok := t.NodeID(socket); ok {
		n.SetCell("numa-node-id", id)
	}
}

// WriteDistanceMap adds /distance-map holding an (i, j, distance) triplet
// for every ordered socket pair. Nothing is written for a single node.
func (t *Topology) WriteDistanceMap(root *fdt.Node) error {
	n := t.SocketCount()
	if !t.numa || n < 2 {
		return nil
	}
	cells := make([]uint32, 0, n*n*3)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			cells = append(cells, uint32(i), uint32(j), t.Distance(i, j))
		}
	}
	node, err := root.AddSubnode("distance-map")
	if err != nil {
		return err
	}
	node.SetString("compatible", "numa-distance-map-v1")
	node.SetCells("distance-matrix", cells...)
	return nil
}
