// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ipt

import "errors"

// Image supplies the machine code that a trace was captured
// against. The BlockDecoder replays instructions out of the Image
// to fill in the control flow between the packets of the trace.
//
// Implementations must be safe for concurrent use: independent
// decode passes over one trace may share an Image.
type Image interface {
	// ReadCode copies up to len(p) bytes of machine code starting
	// at virtual address addr and returns the number of bytes
	// copied. A read that begins inside a mapping but runs off
	// its end returns the in-range prefix. A read outside any
	// executable mapping fails with an error wrapping
	// ErrUnmappedAddr.
	ReadCode(addr uint64, p []byte) (int, error)
}

// ErrUnmappedAddr means a decoder asked its Image for an address
// that no executable mapping covers. It typically indicates a stale
// image or a desynchronized packet stream.
var ErrUnmappedAddr = errors.New("address not in any executable mapping")
