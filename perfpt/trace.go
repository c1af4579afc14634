// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux && amd64

package perfpt

import (
	"io"

	"github.com/vext01/hwtracer"
	"github.com/vext01/hwtracer/ipt"
)

// trace is one completed capture. It owns its bytes outright; the
// kernel session that produced them is long gone by the time a
// trace reaches a caller.
type trace struct {
	buf        []byte
	overflowed bool
	img        ipt.Image
	errata     ipt.Errata
}

var _ hwtracer.Trace = (*trace)(nil)

// IterBlocks returns a fresh decoder over the capture. Iterators
// are independent: each starts from the beginning, and any number
// may run at once.
func (t *trace) IterBlocks() hwtracer.BlockIterator {
	return ipt.NewBlockDecoder(t.buf, t.img, ipt.WithErrata(t.errata))
}

// Capacity returns the number of raw trace bytes captured.
func (t *trace) Capacity() int {
	return len(t.buf)
}

// Overflowed reports whether the capture outgrew its buffer and
// lost its tail.
func (t *trace) Overflowed() bool {
	return t.overflowed
}

// WriteTo dumps the raw capture, for offline inspection with
// hwt-ptdump or external decoders.
func (t *trace) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(t.buf)
	return int64(n), err
}
