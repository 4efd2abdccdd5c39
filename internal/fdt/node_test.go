package fdt

import (
	"errors"
	"testing"
)

func ptNode() Node {
	return Node{
		Name: "eth0",
		Properties: map[string]Property{
			"device_type":     {Strings: []string{"pt"}},
			"compatible":      {Strings: []string{"platform"}},
			"host-interrupts": {U32: []uint32{40, 4, 41, 1}},
			"interrupts":      {U32: []uint32{72, 73}},
			"iommu-device":    {Strings: []string{"smmu-eth0"}},
			"reg":             {U64: []uint64{0x0000000100000002}},
		},
	}
}

func TestNodeAccessors(t *testing.T) {
	n := ptNode()

	if got := n.AttrLen("host-interrupts"); got != 16 {
		t.Fatalf("AttrLen(host-interrupts) = %d, want 16", got)
	}
	if got := n.AttrLen("missing"); got != 0 {
		t.Fatalf("AttrLen(missing) = %d, want 0", got)
	}
	if got := n.AttrLen("compatible"); got != len("platform")+1 {
		t.Fatalf("AttrLen(compatible) = %d", got)
	}

	v, err := n.ReadU32At("host-interrupts", 3)
	if err != nil || v != 1 {
		t.Fatalf("ReadU32At(host-interrupts, 3) = %d, %v", v, err)
	}
	if _, err := n.ReadU32At("interrupts", 2); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("ReadU32At past end: err = %v, want ErrOutOfRange", err)
	}
	if _, err := n.ReadU32At("nope", 0); !errors.Is(err, ErrNoProperty) {
		t.Fatalf("ReadU32At missing: err = %v, want ErrNoProperty", err)
	}

	// u64 cells are read as two big-endian u32 cells.
	hi, _ := n.ReadU32At("reg", 0)
	lo, _ := n.ReadU32At("reg", 1)
	if hi != 1 || lo != 2 {
		t.Fatalf("reg cells = %d,%d want 1,2", hi, lo)
	}

	s, err := n.ReadString("iommu-device")
	if err != nil || s != "smmu-eth0" {
		t.Fatalf("ReadString = %q, %v", s, err)
	}
	if _, err := n.ReadString("interrupts"); !errors.Is(err, ErrWrongKind) {
		t.Fatalf("ReadString on u32: err = %v, want ErrWrongKind", err)
	}
}

func TestBuildParse(t *testing.T) {
	root := Node{
		Name: "",
		Properties: map[string]Property{
			"#address-cells": {U32: []uint32{2}},
		},
		Children: []Node{ptNode(), {Name: "empty", Properties: map[string]Property{"dma-coherent": {Flag: true}}}},
	}

	blob, err := Build(root)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	got, err := Parse(blob)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	eth, ok := got.Child("eth0")
	if !ok {
		t.Fatalf("parsed tree lacks eth0: %+v", got)
	}
	if eth.AttrLen("host-interrupts") != 16 {
		t.Fatalf("parsed host-interrupts len = %d", eth.AttrLen("host-interrupts"))
	}
	guest, err := eth.ReadU32At("interrupts", 1)
	if err != nil || guest != 73 {
		t.Fatalf("parsed interrupts[1] = %d, %v", guest, err)
	}
	s, err := eth.ReadString("compatible")
	if err != nil || s != "platform" {
		t.Fatalf("parsed compatible = %q, %v", s, err)
	}
	empty, _ := got.Child("empty")
	if p, ok := empty.Property("dma-coherent"); !ok || !p.Flag {
		t.Fatalf("flag property lost: %+v", empty)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	if _, err := Parse([]byte{1, 2, 3}); !errors.Is(err, ErrMalformed) {
		t.Fatalf("short blob: err = %v", err)
	}
	blob := make([]byte, fdtHeaderSize)
	if _, err := Parse(blob); !errors.Is(err, ErrMalformed) {
		t.Fatalf("bad magic: err = %v", err)
	}
}

func TestWalk(t *testing.T) {
	root := Node{Name: "", Children: []Node{{Name: "guest0", Children: []Node{ptNode()}}}}
	var paths []string
	if err := root.Walk(func(path string, _ Node) error {
		paths = append(paths, path)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	want := []string{"", "/guest0", "/guest0/eth0"}
	if len(paths) != len(want) {
		t.Fatalf("paths = %v, want %v", paths, want)
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Fatalf("paths = %v, want %v", paths, want)
		}
	}
}
