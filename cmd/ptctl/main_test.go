package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/tinyrange/passthrough/internal/fdt"
)

const testDescription = `
host:
  irq_lines: 128
  devices:
    - name: smmu-eth0
      iommu_group: 4
guests:
  - name: vm0
    regions:
      - {name: ram, flags: [real, memory, ram, hostram], gphys: 0x80000000, hphys: 0x40000000, size: 0x100000}
    devices:
      - name: eth0
        properties:
          device_type: {strings: [pt]}
          compatible: {strings: [platform]}
          host-interrupts: {u32: [40, 4]}
          interrupts: {u32: [72]}
          iommu-device: {strings: [smmu-eth0]}
`

func TestRun(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "host.yaml")
	if err := os.WriteFile(path, []byte(testDescription), 0o644); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	err := run([]string{
		"-config", path,
		"-irq", "40,40",
		"-dma", "vm0:0x80001000:w",
		"-dtb", dir,
	}, &out)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	for _, want := range []string{
		"guest vm0 halted=false",
		"route guest 72 <- host 40 (asserts 2)",
		"irq 72 raised 2 lowered 1",
		"device /eth0 instance vm0/eth0 state active",
		"line host 40 (level-high) -> guest 72",
		"map iova 0x80000000 -> 0x40000000 size 0x100000 rw",
		"host irq 40 level-high routed=true handlers=[vm0/eth0] count=2",
		"resident instances=1 tables=1",
	} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("report missing %q:\n%s", want, out.String())
		}
	}

	blob, err := os.ReadFile(filepath.Join(dir, "vm0.dtb"))
	if err != nil {
		t.Fatal(err)
	}
	root, err := fdt.Parse(blob)
	if err != nil {
		t.Fatal(err)
	}
	eth0, ok := root.Child("eth0")
	if !ok {
		t.Fatal("eth0 missing from blob")
	}
	if v, err := eth0.ReadU32At("interrupts", 0); err != nil || v != 72 {
		t.Fatalf("interrupts = %d, %v", v, err)
	}
}

func TestRunFaultHaltsGuest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "host.yaml")
	if err := os.WriteFile(path, []byte(testDescription), 0o644); err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	if err := run([]string{"-dma", "vm0:0x1000", path}, &out); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "guest vm0 halted=true") {
		t.Fatalf("guest not halted:\n%s", out.String())
	}
}

func TestRunUnmapRevokesWindow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "host.yaml")
	if err := os.WriteFile(path, []byte(testDescription), 0o644); err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	err := run([]string{"-unmap", "vm0:0x80000000:0x100000", "-dma", "vm0:0x80001000", path}, &out)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "guest vm0 halted=true") {
		t.Fatalf("access to revoked window did not halt guest:\n%s", out.String())
	}
	if strings.Contains(out.String(), "map iova") {
		t.Fatalf("revoked window still mapped:\n%s", out.String())
	}

	err = run([]string{"-unmap", "vm0:0x90000000:0x1000", path}, &bytes.Buffer{})
	if err == nil {
		t.Fatal("unmapping an unmapped window succeeded")
	}
}

func TestRunRequiresDescription(t *testing.T) {
	if err := run(nil, &bytes.Buffer{}); err == nil {
		t.Fatal("run without description succeeded")
	}
}

func TestParseIRQList(t *testing.T) {
	got, err := parseIRQList("40, 0x29,42")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]uint32{40, 41, 42}, got); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
	if _, err := parseIRQList("40,x"); err == nil {
		t.Fatal("bad irq accepted")
	}
}

func TestParseDMA(t *testing.T) {
	a, err := parseDMA("vm0:0x1000:w")
	if err != nil || a.guest != "vm0" || a.iova != 0x1000 || !a.write {
		t.Fatalf("parseDMA = %+v, %v", a, err)
	}
	a, err = parseDMA("vm1:4096")
	if err != nil || a.write || a.iova != 4096 {
		t.Fatalf("parseDMA = %+v, %v", a, err)
	}
	for _, bad := range []string{"vm0", ":0x10", "vm0:zz", "vm0:0x10:x", "a:1:w:2"} {
		if _, err := parseDMA(bad); err == nil {
			t.Errorf("parseDMA(%q) succeeded", bad)
		}
	}
}

func TestParseWindow(t *testing.T) {
	w, err := parseWindow("vm0:0x80000000:0x1000")
	if err != nil || w != (dmaWindow{guest: "vm0", iova: 0x80000000, size: 0x1000}) {
		t.Fatalf("parseWindow = %+v, %v", w, err)
	}
	for _, bad := range []string{"vm0:0x10", ":0x10:1", "vm0:x:1", "vm0:0x10:0", "vm0:0x10:y"} {
		if _, err := parseWindow(bad); err == nil {
			t.Errorf("parseWindow(%q) succeeded", bad)
		}
	}
}
