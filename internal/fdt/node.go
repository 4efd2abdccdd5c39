// Package fdt models device-tree nodes and serializes them to Flattened Device
// Tree blobs. Emulators read their configuration through the accessor methods
// on Node.
package fdt

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNoProperty = errors.New("fdt: property not found")
	ErrOutOfRange = errors.New("fdt: index out of range")
	ErrWrongKind  = errors.New("fdt: property has wrong kind")
)

// Property describes a single device-tree property in a JSON/YAML-friendly form.
// Exactly one of the typed fields should be populated for a given property.
type Property struct {
	Strings []string `json:"strings,omitempty" yaml:"strings,omitempty"`
	U32     []uint32 `json:"u32,omitempty" yaml:"u32,omitempty"`
	U64     []uint64 `json:"u64,omitempty" yaml:"u64,omitempty"`
	Bytes   []byte   `json:"bytes,omitempty" yaml:"bytes,omitempty"`
	Flag    bool     `json:"flag,omitempty" yaml:"flag,omitempty"`
}

// Kind returns the name of the populated field or an empty string if none are set.
func (p Property) Kind() string {
	switch {
	case len(p.Strings) > 0:
		return "strings"
	case len(p.U32) > 0:
		return "u32"
	case len(p.U64) > 0:
		return "u64"
	case len(p.Bytes) > 0:
		return "bytes"
	case p.Flag:
		return "flag"
	default:
		return ""
	}
}

// DefinedCount reports how many distinct fields on the property are populated.
func (p Property) DefinedCount() int {
	count := 0
	if len(p.Strings) > 0 {
		count++
	}
	if len(p.U32) > 0 {
		count++
	}
	if len(p.U64) > 0 {
		count++
	}
	if len(p.Bytes) > 0 {
		count++
	}
	if p.Flag {
		count++
	}
	return count
}

// Encode returns the big-endian wire form of the property value.
func (p Property) Encode() ([]byte, error) {
	if p.DefinedCount() > 1 {
		return nil, fmt.Errorf("%w: multiple value kinds", ErrWrongKind)
	}
	switch p.Kind() {
	case "strings":
		var buf bytes.Buffer
		for _, v := range p.Strings {
			buf.WriteString(v)
			buf.WriteByte(0)
		}
		return buf.Bytes(), nil
	case "u32":
		data := make([]byte, len(p.U32)*4)
		for i, v := range p.U32 {
			binary.BigEndian.PutUint32(data[i*4:], v)
		}
		return data, nil
	case "u64":
		data := make([]byte, len(p.U64)*8)
		for i, v := range p.U64 {
			binary.BigEndian.PutUint64(data[i*8:], v)
		}
		return data, nil
	case "bytes":
		return append([]byte(nil), p.Bytes...), nil
	default:
		return nil, nil
	}
}

// Len returns the encoded length of the property value in bytes.
func (p Property) Len() int {
	switch p.Kind() {
	case "strings":
		n := 0
		for _, v := range p.Strings {
			n += len(v) + 1
		}
		return n
	case "u32":
		return len(p.U32) * 4
	case "u64":
		return len(p.U64) * 8
	case "bytes":
		return len(p.Bytes)
	default:
		return 0
	}
}

// Node describes a device-tree node using JSON/YAML-friendly structures.
type Node struct {
	Name       string              `json:"name" yaml:"name"`
	Properties map[string]Property `json:"properties,omitempty" yaml:"properties,omitempty"`
	Children   []Node              `json:"children,omitempty" yaml:"children,omitempty"`
}

// Property looks up a property by name.
func (n Node) Property(name string) (Property, bool) {
	p, ok := n.Properties[name]
	return p, ok
}

// AttrLen returns the encoded byte length of the named property, or 0 when
// the node does not carry it.
func (n Node) AttrLen(name string) int {
	p, ok := n.Properties[name]
	if !ok {
		return 0
	}
	return p.Len()
}

// ReadU32At reads the index'th 32-bit cell of the named property.
func (n Node) ReadU32At(name string, index int) (uint32, error) {
	p, ok := n.Properties[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s/%s", ErrNoProperty, n.Name, name)
	}
	if p.Kind() == "u32" {
		if index < 0 || index >= len(p.U32) {
			return 0, fmt.Errorf("%w: %s/%s[%d]", ErrOutOfRange, n.Name, name, index)
		}
		return p.U32[index], nil
	}
	data, err := p.Encode()
	if err != nil {
		return 0, fmt.Errorf("%s/%s: %w", n.Name, name, err)
	}
	off := index * 4
	if index < 0 || off+4 > len(data) {
		return 0, fmt.Errorf("%w: %s/%s[%d]", ErrOutOfRange, n.Name, name, index)
	}
	return binary.BigEndian.Uint32(data[off:]), nil
}

// ReadString returns the first string of the named property.
func (n Node) ReadString(name string) (string, error) {
	p, ok := n.Properties[name]
	if !ok {
		return "", fmt.Errorf("%w: %s/%s", ErrNoProperty, n.Name, name)
	}
	switch p.Kind() {
	case "strings":
		return p.Strings[0], nil
	case "bytes":
		s, _, _ := strings.Cut(string(p.Bytes), "\x00")
		return s, nil
	default:
		return "", fmt.Errorf("%w: %s/%s is %s", ErrWrongKind, n.Name, name, p.Kind())
	}
}

// Child returns the direct child with the given name.
func (n Node) Child(name string) (Node, bool) {
	for _, c := range n.Children {
		if c.Name == name {
			return c, true
		}
	}
	return Node{}, false
}

// Walk visits n and every descendant depth-first. path is slash separated
// and starts with n's own name.
func (n Node) Walk(fn func(path string, node Node) error) error {
	return n.walk(n.Name, fn)
}

func (n Node) walk(path string, fn func(string, Node) error) error {
	if err := fn(path, n); err != nil {
		return err
	}
	for _, c := range n.Children {
		if err := c.walk(path+"/"+c.Name, fn); err != nil {
			return err
		}
	}
	return nil
}
