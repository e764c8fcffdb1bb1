// Package fdt builds Flattened Device Tree (FDT) blobs.
package fdt

import (
	"encoding/binary"
)

const (
	fdtMagic       = 0xd00dfeed
	fdtVersion     = 17
	fdtLastCompVer = 16

	fdtBeginNode = 0x00000001
	fdtEndNode   = 0x00000002
	fdtProp      = 0x00000003
	fdtEnd       = 0x00000009

	headerSize     = 40
	memRsvmapSize  = 16 // a single terminating reservation entry
	memRsvmapAlign = 8
)

// builder writes the structure block token by token. Property names are
// resolved to offsets by the caller.
type builder struct {
	structure []byte
}

func (b *builder) beginNode(name string) {
	b.appendU32(fdtBeginNode)
	b.appendPadded(append([]byte(name), 0))
}

func (b *builder) endNode() {
	b.appendU32(fdtEndNode)
}

func (b *builder) property(nameOff uint32, value []byte) {
	b.appendU32(fdtProp)
	b.appendU32(uint32(len(value)))
	b.appendU32(nameOff)
	b.appendPadded(value)
}

// finish terminates the structure block and lays out the blob:
// header, reservation map, structure block, strings block.
func (b *builder) finish(strtab []byte) []byte {
	b.appendU32(fdtEnd)

	memRsvmapOff := uint32(alignUp(headerSize, memRsvmapAlign))
	structOff := memRsvmapOff + memRsvmapSize
	structSize := uint32(len(b.structure))
	stringsOff := structOff + structSize
	stringsSize := uint32(len(strtab))
	totalSize := stringsOff + stringsSize

	blob := make([]byte, totalSize)
	hdr := blob[:headerSize]
	binary.BigEndian.PutUint32(hdr[0:], fdtMagic)
	binary.BigEndian.PutUint32(hdr[4:], totalSize)
	binary.BigEndian.PutUint32(hdr[8:], structOff)
	binary.BigEndian.PutUint32(hdr[12:], stringsOff)
	binary.BigEndian.PutUint32(hdr[16:], memRsvmapOff)
	binary.BigEndian.PutUint32(hdr[20:], fdtVersion)
	binary.BigEndian.PutUint32(hdr[24:], fdtLastCompVer)
	binary.BigEndian.PutUint32(hdr[28:], 0) // boot_cpuid_phys
	binary.BigEndian.PutUint32(hdr[32:], stringsSize)
	binary.BigEndian.PutUint32(hdr[36:], structSize)

	// The reservation map is already zero.
	copy(blob[structOff:], b.structure)
	copy(blob[stringsOff:], strtab)
	return blob
}

func (b *builder) appendU32(v uint32) {
	b.structure = binary.BigEndian.AppendUint32(b.structure, v)
}

func (b *builder) appendPadded(data []byte) {
	b.structure = append(b.structure, data...)
	for len(b.structure)%4 != 0 {
		b.structure = append(b.structure, 0)
	}
}

func alignUp(v, align int) int {
	return (v + align - 1) &^ (align - 1)
}
