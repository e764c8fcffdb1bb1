package fdt

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrExists is returned when a node already has a child with the requested name.
	ErrExists = errors.New("fdt: node already exists")
	// ErrBadName is returned for node or property names that cannot be encoded.
	ErrBadName = errors.New("fdt: bad name")
)

// Property is a single named device-tree property. Value holds the encoded
// (big-endian) bytes exactly as they appear in the blob.
type Property struct {
	Name  string
	Value []byte
}

// Cells decodes the property as a list of 32-bit cells.
func (p Property) Cells() []uint32 {
	out := make([]uint32, 0, len(p.Value)/4)
	for i := 0; i+4 <= len(p.Value); i += 4 {
		out = append(out, binary.BigEndian.Uint32(p.Value[i:]))
	}
	return out
}

// Strings decodes the property as a list of NUL-terminated strings.
func (p Property) Strings() []string {
	if len(p.Value) == 0 {
		return nil
	}
	parts := strings.Split(string(p.Value), "\x00")
	// A trailing NUL leaves an empty final element.
	if parts[len(parts)-1] == "" {
		parts = parts[:len(parts)-1]
	}
	return parts
}

// Node is a device-tree node. Children and properties are kept in the order
// they appear in the encoded blob.
type Node struct {
	Name       string
	Properties []Property
	Children   []*Node

	parent *Node
	tree   *Tree
}

// Tree owns a root node and the strings table shared by every property name.
type Tree struct {
	Root *Node

	strtab []byte
}

// NewTree creates a tree containing an empty root node.
func NewTree() *Tree {
	t := &Tree{}
	t.Root = &Node{tree: t}
	return t
}

// Lookup returns the node at an absolute path such as "/cpus/cpu@0", or nil.
func (t *Tree) Lookup(path string) *Node {
	if path == "" || path[0] != '/' {
		return nil
	}
	n := t.Root
	for _, part := range strings.Split(strings.Trim(path, "/"), "/") {
		if part == "" {
			continue
		}
		if n = n.Subnode(part); n == nil {
			return nil
		}
	}
	return n
}

// Walk visits every node depth first in blob order.
func (t *Tree) Walk(fn func(n *Node) error) error {
	return t.Root.walk(fn)
}

func (n *Node) walk(fn func(n *Node) error) error {
	if err := fn(n); err != nil {
		return err
	}
	for _, child := range n.Children {
		if err := child.walk(fn); err != nil {
			return err
		}
	}
	return nil
}

// stringOffset returns the offset of name in the strings table, adding it
// when needed. An existing entry is reused when name is a NUL-terminated
// suffix of it, which keeps the table byte-compatible with libfdt.
func (t *Tree) stringOffset(name string) uint32 {
	needle := append([]byte(name), 0)
	if off := bytes.Index(t.strtab, needle); off >= 0 {
		return uint32(off)
	}
	off := uint32(len(t.strtab))
	t.strtab = append(t.strtab, needle...)
	return off
}

// AddSubnode creates a child named name. Like libfdt's fdt_add_subnode the
// new node is placed ahead of the existing children, directly after the
// parent's properties.
func (n *Node) AddSubnode(name string) (*Node, error) {
	if name == "" || strings.ContainsAny(name, "/\x00") {
		return nil, fmt.Errorf("%w: node %q", ErrBadName, name)
	}
	if n.Subnode(name) != nil {
		return nil, fmt.Errorf("%w: %s", ErrExists, n.childPath(name))
	}
	child := &Node{Name: name, parent: n, tree: n.tree}
	n.Children = append([]*Node{child}, n.Children...)
	return child, nil
}

// Subnode returns the direct child named name, or nil.
func (n *Node) Subnode(name string) *Node {
	for _, child := range n.Children {
		if child.Name == name {
			return child
		}
	}
	return nil
}

// Parent returns the owning node; the root has none.
func (n *Node) Parent() *Node {
	return n.parent
}

// Path returns the absolute path of the node.
func (n *Node) Path() string {
	if n.parent == nil {
		return "/"
	}
	return n.parent.childPath(n.Name)
}

func (n *Node) childPath(name string) string {
	if n.parent == nil {
		return "/" + name
	}
	return n.Path() + "/" + name
}

// Property returns the named property.
func (n *Node) Property(name string) (Property, bool) {
	for _, p := range n.Properties {
		if p.Name == name {
			return p, true
		}
	}
	return Property{}, false
}

// SetProperty sets a raw property value. An existing property keeps its
// position; a new one is appended after the existing properties.
func (n *Node) SetProperty(name string, value []byte) {
	value = append([]byte(nil), value...)
	for i := range n.Properties {
		if n.Properties[i].Name == name {
			n.Properties[i].Value = value
			return
		}
	}
	if n.tree != nil {
		n.tree.stringOffset(name)
	}
	n.Properties = append(n.Properties, Property{Name: name, Value: value})
}

// SetEmpty sets a property with no value, such as "interrupt-controller".
func (n *Node) SetEmpty(name string) {
	n.SetProperty(name, nil)
}

// SetString sets a single NUL-terminated string.
func (n *Node) SetString(name, value string) {
	n.SetProperty(name, append([]byte(value), 0))
}

// SetStrings sets a string list.
func (n *Node) SetStrings(name string, values ...string) {
	var buf bytes.Buffer
	for _, v := range values {
		buf.WriteString(v)
		buf.WriteByte(0)
	}
	n.SetProperty(name, buf.Bytes())
}

// SetCell sets a single 32-bit cell.
func (n *Node) SetCell(name string, value uint32) {
	n.SetCells(name, value)
}

// SetCells sets a list of 32-bit cells.
func (n *Node) SetCells(name string, values ...uint32) {
	data := make([]byte, 4*len(values))
	for i, v := range values {
		binary.BigEndian.PutUint32(data[4*i:], v)
	}
	n.SetProperty(name, data)
}

// SetU64 sets a single 64-bit value encoded as two cells.
func (n *Node) SetU64(name string, value uint64) {
	var data [8]byte
	binary.BigEndian.PutUint64(data[:], value)
	n.SetProperty(name, data[:])
}
