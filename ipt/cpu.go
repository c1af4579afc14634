// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ipt

import (
	"fmt"
	"strconv"

	"github.com/prometheus/procfs"
)

// CPU identifies the processor a trace was captured on. Some
// processor steppings emit packet streams with documented quirks
// that the decoder has to tolerate, so captures record the CPU they
// ran on and hand it to their decoders.
type CPU struct {
	// Vendor is the CPUID vendor string, e.g. "GenuineIntel".
	Vendor string

	// Family, Model and Stepping identify the microarchitecture
	// within the vendor's line.
	Family   int
	Model    int
	Stepping int
}

func (c CPU) String() string {
	return fmt.Sprintf("%s %d/%d/%d", c.Vendor, c.Family, c.Model, c.Stepping)
}

// ReadCPU identifies the processor the calling thread runs on from
// /proc/cpuinfo.
func ReadCPU() (CPU, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return CPU{}, fmt.Errorf("opening procfs: %v", err)
	}
	infos, err := fs.CPUInfo()
	if err != nil {
		return CPU{}, fmt.Errorf("reading cpuinfo: %v", err)
	}
	if len(infos) == 0 {
		return CPU{}, fmt.Errorf("cpuinfo listed no processors")
	}
	info := infos[0]
	return CPU{
		Vendor:   info.VendorID,
		Family:   atoiSloppy(info.CPUFamily),
		Model:    atoiSloppy(info.Model),
		Stepping: atoiSloppy(info.Stepping),
	}, nil
}

// atoiSloppy parses decimal fields of /proc/cpuinfo that may be
// absent on some kernels or architectures.
func atoiSloppy(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}

// Errata holds decode-time workarounds for documented packet stream
// quirks of specific processors.
type Errata struct {
	// LoosePSBPreamble tolerates packets that should not appear
	// between PSB and PSBEND by skipping them, instead of
	// treating the preamble as corrupt. Broadwell parts can
	// insert stray packets there (erratum BDM70).
	LoosePSBPreamble bool
}

// Broadwell model numbers within family 6.
var broadwellModels = map[int]bool{
	61: true,
	71: true,
	79: true,
	86: true,
}

// Errata returns the decode workarounds required for the processor.
func (c CPU) Errata() Errata {
	var e Errata
	if c.Vendor == "GenuineIntel" && c.Family == 6 && broadwellModels[c.Model] {
		e.LoosePSBPreamble = true
	}
	return e
}
