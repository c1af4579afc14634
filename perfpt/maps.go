// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux && amd64

package perfpt

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/prometheus/procfs"

	"github.com/vext01/hwtracer/ipt"
)

// selfImage serves the executable mappings of the running process.
// Traces captured here are traces of this process, so the code they
// ran is mapped in our own address space and can be read directly.
type selfImage struct {
	segs []imageSeg
}

type imageSeg struct {
	start, end uint64
}

// newSelfImage snapshots the executable mappings from
// /proc/self/maps.
func newSelfImage() (*selfImage, error) {
	proc, err := procfs.Self()
	if err != nil {
		return nil, fmt.Errorf("opening /proc/self: %v", err)
	}
	maps, err := proc.ProcMaps()
	if err != nil {
		return nil, fmt.Errorf("reading process mappings: %v", err)
	}
	var segs []imageSeg
	for _, m := range maps {
		if m.Perms == nil || !m.Perms.Read || !m.Perms.Execute {
			continue
		}
		segs = append(segs, imageSeg{start: uint64(m.StartAddr), end: uint64(m.EndAddr)})
	}
	if len(segs) == 0 {
		return nil, errors.New("no executable mappings")
	}
	return &selfImage{segs: segs}, nil
}

// ReadCode reads instruction bytes out of the live address space.
// The result is only meaningful while the mappings recorded at
// capture time are still in place, which holds for a process
// decoding its own traces.
func (img *selfImage) ReadCode(addr uint64, p []byte) (int, error) {
	for _, s := range img.segs {
		if addr < s.start || addr >= s.end {
			continue
		}
		n := uint64(len(p))
		if rem := s.end - addr; rem < n {
			n = rem
		}
		src := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), n)
		return copy(p, src), nil
	}
	return 0, fmt.Errorf("0x%x: %w", addr, ipt.ErrUnmappedAddr)
}
