package fdt

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
)

const (
	fdtHeaderSize  = 0x28
	fdtVersion     = 17
	fdtLastCompVer = 16
	fdtMagic       = 0xd00dfeed

	fdtBeginNodeToken = 0x1
	fdtEndNodeToken   = 0x2
	fdtPropToken      = 0x3
	fdtNopToken       = 0x4
	fdtEndToken       = 0x9
)

var ErrMalformed = errors.New("fdt: malformed blob")

// Build serializes the provided node tree into an FDT blob.
func Build(root Node) ([]byte, error) {
	b := &builder{stringsOff: make(map[string]uint32)}
	if err := b.emitNode(root); err != nil {
		return nil, err
	}
	return b.finish(), nil
}

type builder struct {
	structBuf  bytes.Buffer
	strings    bytes.Buffer
	stringsOff map[string]uint32
}

func (b *builder) emitNode(n Node) error {
	b.writeToken(fdtBeginNodeToken)
	b.structBuf.WriteString(n.Name)
	b.structBuf.WriteByte(0)
	b.pad()

	keys := make([]string, 0, len(n.Properties))
	for name := range n.Properties {
		keys = append(keys, name)
	}
	sort.Strings(keys)
	for _, name := range keys {
		prop := n.Properties[name]
		if prop.DefinedCount() == 0 {
			return fmt.Errorf("fdt property %q has no values", name)
		}
		data, err := prop.Encode()
		if err != nil {
			return fmt.Errorf("fdt property %q: %w", name, err)
		}
		b.writeToken(fdtPropToken)
		b.writeU32(uint32(len(data)))
		b.writeU32(b.stringOffset(name))
		b.structBuf.Write(data)
		b.pad()
	}

	for _, child := range n.Children {
		if err := b.emitNode(child); err != nil {
			return err
		}
	}

	b.writeToken(fdtEndNodeToken)
	return nil
}

func (b *builder) finish() []byte {
	b.writeToken(fdtEndToken)

	structBytes := b.structBuf.Bytes()
	stringsBytes := b.strings.Bytes()

	// Empty memory reservation map: one all-zero terminator entry.
	const memReserveSize = 16

	offMemReserve := fdtHeaderSize
	offStruct := offMemReserve + memReserveSize
	offStrings := offStruct + len(structBytes)
	totalSize := offStrings + len(stringsBytes)

	blob := make([]byte, totalSize)
	header := blob[:fdtHeaderSize]
	binary.BigEndian.PutUint32(header[0:4], fdtMagic)
	binary.BigEndian.PutUint32(header[4:8], uint32(totalSize))
	binary.BigEndian.PutUint32(header[8:12], uint32(offStruct))
	binary.BigEndian.PutUint32(header[12:16], uint32(offStrings))
	binary.BigEndian.PutUint32(header[16:20], uint32(offMemReserve))
	binary.BigEndian.PutUint32(header[20:24], fdtVersion)
	binary.BigEndian.PutUint32(header[24:28], fdtLastCompVer)
	binary.BigEndian.PutUint32(header[28:32], 0)
	binary.BigEndian.PutUint32(header[32:36], uint32(len(stringsBytes)))
	binary.BigEndian.PutUint32(header[36:40], uint32(len(structBytes)))

	copy(blob[offStruct:], structBytes)
	copy(blob[offStrings:], stringsBytes)

	return blob
}

func (b *builder) stringOffset(name string) uint32 {
	if off, ok := b.stringsOff[name]; ok {
		return off
	}
	off := uint32(b.strings.Len())
	b.strings.WriteString(name)
	b.strings.WriteByte(0)
	b.stringsOff[name] = off
	return off
}

func (b *builder) writeToken(token uint32) { b.writeU32(token) }

func (b *builder) writeU32(v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	b.structBuf.Write(tmp[:])
}

func (b *builder) pad() {
	for b.structBuf.Len()%4 != 0 {
		b.structBuf.WriteByte(0)
	}
}

// Parse decodes an FDT blob into a node tree. Property values come back as
// raw Bytes since the blob carries no type information; the Node accessors
// decode them on demand.
func Parse(blob []byte) (Node, error) {
	if len(blob) < fdtHeaderSize {
		return Node{}, fmt.Errorf("%w: short header", ErrMalformed)
	}
	if binary.BigEndian.Uint32(blob[0:4]) != fdtMagic {
		return Node{}, fmt.Errorf("%w: bad magic", ErrMalformed)
	}
	total := int(binary.BigEndian.Uint32(blob[4:8]))
	offStruct := int(binary.BigEndian.Uint32(blob[8:12]))
	offStrings := int(binary.BigEndian.Uint32(blob[12:16]))
	sizeStrings := int(binary.BigEndian.Uint32(blob[32:36]))
	sizeStruct := int(binary.BigEndian.Uint32(blob[36:40]))
	if total > len(blob) || offStruct+sizeStruct > total || offStrings+sizeStrings > total {
		return Node{}, fmt.Errorf("%w: block outside blob", ErrMalformed)
	}

	p := &parser{
		data:    blob[offStruct : offStruct+sizeStruct],
		strings: blob[offStrings : offStrings+sizeStrings],
	}
	for {
		tok, err := p.u32()
		if err != nil {
			return Node{}, err
		}
		switch tok {
		case fdtNopToken:
			continue
		case fdtBeginNodeToken:
			return p.node()
		default:
			return Node{}, fmt.Errorf("%w: unexpected token 0x%x before root", ErrMalformed, tok)
		}
	}
}

type parser struct {
	data    []byte
	strings []byte
	off     int
}

func (p *parser) u32() (uint32, error) {
	if p.off+4 > len(p.data) {
		return 0, fmt.Errorf("%w: truncated structure block", ErrMalformed)
	}
	v := binary.BigEndian.Uint32(p.data[p.off:])
	p.off += 4
	return v, nil
}

func (p *parser) cstring(buf []byte, off int) (string, int, error) {
	end := bytes.IndexByte(buf[off:], 0)
	if end < 0 {
		return "", 0, fmt.Errorf("%w: unterminated string", ErrMalformed)
	}
	return string(buf[off : off+end]), off + end + 1, nil
}

func (p *parser) align() {
	p.off = (p.off + 3) &^ 3
}

// node parses a node whose BEGIN_NODE token has already been consumed.
func (p *parser) node() (Node, error) {
	name, next, err := p.cstring(p.data, p.off)
	if err != nil {
		return Node{}, err
	}
	p.off = next
	p.align()

	n := Node{Name: name}
	for {
		tok, err := p.u32()
		if err != nil {
			return Node{}, err
		}
		switch tok {
		case fdtNopToken:
		case fdtPropToken:
			length, err := p.u32()
			if err != nil {
				return Node{}, err
			}
			nameOff, err := p.u32()
			if err != nil {
				return Node{}, err
			}
			if int(nameOff) >= len(p.strings) || p.off+int(length) > len(p.data) {
				return Node{}, fmt.Errorf("%w: property outside block", ErrMalformed)
			}
			propName, _, err := p.cstring(p.strings, int(nameOff))
			if err != nil {
				return Node{}, err
			}
			prop := Property{Flag: length == 0}
			if length > 0 {
				prop.Bytes = append([]byte(nil), p.data[p.off:p.off+int(length)]...)
			}
			if n.Properties == nil {
				n.Properties = make(map[string]Property)
			}
			n.Properties[propName] = prop
			p.off += int(length)
			p.align()
		case fdtBeginNodeToken:
			child, err := p.node()
			if err != nil {
				return Node{}, err
			}
			n.Children = append(n.Children, child)
		case fdtEndNodeToken:
			return n, nil
		default:
			return Node{}, fmt.Errorf("%w: unexpected token 0x%x in %q", ErrMalformed, tok, name)
		}
	}
}
