package fdt

import (
	"fmt"
	"math"
)

// Encode serializes the tree into an FDT blob. Encoding does not modify the
// tree, so encoding the same tree twice yields identical bytes.
func (t *Tree) Encode() ([]byte, error) {
	b := &builder{}
	strtab := append([]byte(nil), t.strtab...)
	intern := func(name string) uint32 {
		// Properties set on detached nodes are not in the table yet.
		scratch := Tree{strtab: strtab}
		off := scratch.stringOffset(name)
		strtab = scratch.strtab
		return off
	}

	if err := b.emitNode(t.Root, intern); err != nil {
		return nil, err
	}
	blob := b.finish(strtab)
	if uint64(len(blob)) > math.MaxUint32 {
		return nil, fmt.Errorf("fdt: blob too large (%d bytes)", len(blob))
	}
	return blob, nil
}

func (b *builder) emitNode(n *Node, intern func(string) uint32) error {
	if n.parent != nil && n.Name == "" {
		return fmt.Errorf("%w: empty node name under %s", ErrBadName, n.parent.Path())
	}
	b.beginNode(n.Name)
	for _, p := range n.Properties {
		if p.Name == "" {
			return fmt.Errorf("%w: empty property name in %s", ErrBadName, n.Path())
		}
		b.property(intern(p.Name), p.Value)
	}
	for _, child := range n.Children {
		if err := b.emitNode(child, intern); err != nil {
			return err
		}
	}
	b.endNode()
	return nil
}
