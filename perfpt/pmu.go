// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux && amd64

package perfpt

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// defaultPMUPath is where the kernel describes the Intel PT PMU.
// The directory exists only when both the processor and the kernel
// support PT.
const defaultPMUPath = "/sys/bus/event_source/devices/intel_pt"

// pmu describes the intel_pt perf PMU as advertised by sysfs: the
// dynamic event type to pass to perf_event_open, and the bit
// positions of the named config fields, which vary across kernel
// versions.
type pmu struct {
	typ    uint32
	fields map[string]bitfield
}

// bitfield is an inclusive bit range within the perf config word.
type bitfield struct {
	lo, hi uint
}

// loadPMU reads the PMU description rooted at dir. It returns an
// error satisfying os.IsNotExist when the PMU is not advertised at
// all.
func loadPMU(dir string) (*pmu, error) {
	raw, err := os.ReadFile(filepath.Join(dir, "type"))
	if err != nil {
		return nil, err
	}
	typ, err := strconv.ParseUint(strings.TrimSpace(string(raw)), 10, 32)
	if err != nil {
		return nil, fmt.Errorf("parsing PMU type: %v", err)
	}
	p := &pmu{typ: uint32(typ), fields: make(map[string]bitfield)}

	formatDir := filepath.Join(dir, "format")
	entries, err := os.ReadDir(formatDir)
	if err != nil {
		return nil, fmt.Errorf("reading PMU format directory: %v", err)
	}
	for _, e := range entries {
		raw, err := os.ReadFile(filepath.Join(formatDir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading PMU format %s: %v", e.Name(), err)
		}
		f, ok, err := parseBitfield(strings.TrimSpace(string(raw)))
		if err != nil {
			return nil, fmt.Errorf("parsing PMU format %s: %v", e.Name(), err)
		}
		if ok {
			p.fields[e.Name()] = f
		}
	}
	return p, nil
}

// parseBitfield parses the sysfs field syntax "config:N" or
// "config:N-M". Fields living in other attr words are reported as
// not ok and skipped; nothing this package sets lives outside
// config.
func parseBitfield(s string) (bitfield, bool, error) {
	rest, found := strings.CutPrefix(s, "config:")
	if !found {
		return bitfield{}, false, nil
	}
	loStr, hiStr, ranged := strings.Cut(rest, "-")
	lo, err := strconv.ParseUint(loStr, 10, 8)
	if err != nil {
		return bitfield{}, false, fmt.Errorf("bad bit index %q", loStr)
	}
	hi := lo
	if ranged {
		hi, err = strconv.ParseUint(hiStr, 10, 8)
		if err != nil {
			return bitfield{}, false, fmt.Errorf("bad bit index %q", hiStr)
		}
	}
	if hi < lo || hi > 63 {
		return bitfield{}, false, fmt.Errorf("bad bit range %q", s)
	}
	return bitfield{lo: uint(lo), hi: uint(hi)}, true, nil
}

// config builds the perf config word, setting each named field to
// its value.
func (p *pmu) config(fields map[string]uint64) (uint64, error) {
	var cfg uint64
	for name, val := range fields {
		f, ok := p.fields[name]
		if !ok {
			return 0, fmt.Errorf("PMU does not advertise a %q field", name)
		}
		width := f.hi - f.lo + 1
		if width < 64 && val >= 1<<width {
			return 0, fmt.Errorf("value %d overflows %d-bit PMU field %s", val, width, name)
		}
		cfg |= val << f.lo
	}
	return cfg, nil
}
