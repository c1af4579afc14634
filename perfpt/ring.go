// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux && amd64

package perfpt

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// auxFlagTruncated is PERF_AUX_FLAG_TRUNCATED: the kernel ran out
// of AUX space and dropped trace bytes. x/sys/unix does not carry
// the PERF_AUX_FLAG_* values.
const auxFlagTruncated = 0x01

// ringSlice copies bytes [tail, head) out of a power-of-two sized
// ring. head and tail are free-running byte counters; only their
// low bits index the ring.
func ringSlice(ring []byte, head, tail uint64) []byte {
	size := uint64(len(ring))
	n := head - tail
	if n > size {
		// The writer lapped the reader; only the newest size
		// bytes still exist.
		tail = head - size
		n = size
	}
	out := make([]byte, n)
	start := tail & (size - 1)
	c := copy(out, ring[start:])
	if uint64(c) < n {
		copy(out[c:], ring[:n-uint64(c)])
	}
	return out
}

// scanRecords walks the perf record stream copied out of the sample
// ring and reports whether any PERF_RECORD_AUX carried the
// truncated flag, meaning the trace is missing its tail.
func scanRecords(data []byte) (truncated bool, err error) {
	for len(data) > 0 {
		if len(data) < 8 {
			return false, errors.New("perf record stream cut short")
		}
		typ := binary.LittleEndian.Uint32(data[0:4])
		size := int(binary.LittleEndian.Uint16(data[6:8]))
		if size < 8 || size > len(data) {
			return false, fmt.Errorf("perf record size %d out of range", size)
		}
		if typ == unix.PERF_RECORD_AUX {
			if size < 32 {
				return false, fmt.Errorf("PERF_RECORD_AUX of %d bytes", size)
			}
			flags := binary.LittleEndian.Uint64(data[24:32])
			if flags&auxFlagTruncated != 0 {
				truncated = true
			}
		}
		data = data[size:]
	}
	return truncated, nil
}
