// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hwtracer

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

// stubTrace is a Trace over a fixed byte buffer that decodes to a
// fixed block sequence.
type stubTrace struct {
	data   []byte
	blocks []Block
}

func (t *stubTrace) IterBlocks() BlockIterator { return &stubIter{blocks: t.blocks} }
func (t *stubTrace) Capacity() int             { return len(t.data) }
func (t *stubTrace) Overflowed() bool          { return false }

func (t *stubTrace) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(t.data)
	return int64(n), err
}

type stubIter struct {
	blocks []Block
	next   int
}

func (it *stubIter) Next() (Block, error) {
	if it.next >= len(it.blocks) {
		return Block{}, io.EOF
	}
	b := it.blocks[it.next]
	it.next++
	return b, nil
}

// stubThreadTracer drives the documented state machine over an
// in-memory capture.
type stubThreadTracer struct {
	state  TracerState
	closed bool
}

func (tt *stubThreadTracer) StartTracing() error {
	if tt.closed {
		return errors.New("tracer closed")
	}
	if tt.state != Stopped {
		return &StateError{State: tt.state}
	}
	tt.state = Started
	return nil
}

func (tt *stubThreadTracer) StopTracing() (Trace, error) {
	if tt.closed {
		return nil, errors.New("tracer closed")
	}
	if tt.state != Started {
		return nil, &StateError{State: tt.state}
	}
	tt.state = Stopped
	return &stubTrace{
		data:   []byte("stub trace bytes"),
		blocks: []Block{{FirstInstr: 0x1000, LastInstr: 0x1004}},
	}, nil
}

func (tt *stubThreadTracer) Close() error {
	tt.closed = true
	return nil
}

type stubTracer struct{}

func (stubTracer) ThreadTracer() (ThreadTracer, error) {
	return &stubThreadTracer{}, nil
}

// TestBackendRegistry mutates the process-wide backend list, so all
// registry behavior is checked here in one deterministic sequence.
func TestBackendRegistry(t *testing.T) {
	probeErr := errors.New("feature missing")
	RegisterBackend("stub-fail", func() error { return probeErr }, func() (Tracer, error) {
		return nil, errors.New("opened a backend whose probe failed")
	})

	_, err := NewTracer()
	require.Error(t, err)
	require.ErrorIs(t, err, ErrNoHardwareSupport)
	require.Contains(t, err.Error(), "stub-fail")
	require.Contains(t, err.Error(), "feature missing")

	RegisterBackend("stub", func() error { return nil }, func() (Tracer, error) {
		return stubTracer{}, nil
	})
	tr, err := NewTracer()
	require.NoError(t, err)
	require.IsType(t, stubTracer{}, tr)

	// Between usable backends, registration order decides.
	RegisterBackend("stub-late", func() error { return nil }, func() (Tracer, error) {
		return nil, errors.New("later backend opened before an earlier usable one")
	})
	tr, err = NewTracer()
	require.NoError(t, err)
	require.IsType(t, stubTracer{}, tr)

	require.Panics(t, func() {
		RegisterBackend("stub", func() error { return nil }, nil)
	})
}

func TestThreadTracerStateMachine(t *testing.T) {
	var tt ThreadTracer = &stubThreadTracer{}

	_, err := tt.StopTracing()
	var se *StateError
	require.ErrorAs(t, err, &se)
	require.Equal(t, Stopped, se.State)
	require.EqualError(t, err, "invalid operation on stopped tracer")

	require.NoError(t, tt.StartTracing())

	err = tt.StartTracing()
	require.ErrorAs(t, err, &se)
	require.Equal(t, Started, se.State)
	require.EqualError(t, err, "invalid operation on started tracer")

	trace, err := tt.StopTracing()
	require.NoError(t, err)
	require.Equal(t, len("stub trace bytes"), trace.Capacity())
	require.False(t, trace.Overflowed())

	it := trace.IterBlocks()
	b, err := it.Next()
	require.NoError(t, err)
	require.Equal(t, Block{FirstInstr: 0x1000, LastInstr: 0x1004}, b)
	_, err = it.Next()
	require.Equal(t, io.EOF, err)
}

func TestTraceWriteTo(t *testing.T) {
	tr := &stubTrace{data: []byte{0x02, 0x82, 0xff, 0x00, 0x55}}
	var buf bytes.Buffer
	n, err := tr.WriteTo(&buf)
	require.NoError(t, err)
	require.Equal(t, int64(len(tr.data)), n)
	require.Equal(t, tr.data, buf.Bytes())
}

func TestTracerStateString(t *testing.T) {
	require.Equal(t, "stopped", Stopped.String())
	require.Equal(t, "started", Started.String())
	require.Equal(t, "TracerState(7)", TracerState(7).String())
}

func TestErrorTaxonomy(t *testing.T) {
	cfgErr := &ConfigError{Op: "perf_event_open", Err: errors.New("device busy")}
	require.EqualError(t, cfgErr, "configuring tracing backend: perf_event_open: device busy")
	require.Equal(t, "device busy", cfgErr.Unwrap().Error())

	rec := &DecodeError{Off: 0x20, Err: ErrBufferOverflow}
	require.EqualError(t, rec, "decoding trace at offset 0x20: trace buffer capacity reached")
	require.ErrorIs(t, rec, ErrBufferOverflow)
	require.False(t, IsDecodeFatal(rec))

	fatal := &DecodeError{Off: 0x40, Fatal: true, Err: errors.New("unsupported execution mode")}
	require.EqualError(t, fatal, "decoding trace at offset 0x40: unsupported execution mode (fatal)")
	require.True(t, IsDecodeFatal(fatal))
	require.True(t, IsDecodeFatal(fmt.Errorf("decoding: %w", fatal)))
	require.False(t, IsDecodeFatal(io.EOF))
	require.False(t, IsDecodeFatal(nil))
}
