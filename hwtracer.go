// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package hwtracer captures per-thread hardware execution traces
// and decodes them into the basic blocks the processor executed.
//
// A Tracer hands out ThreadTracers. Each ThreadTracer records the
// OS thread that drives it, between a StartTracing and a
// StopTracing call. Stopping yields a Trace, a self-contained copy
// of the captured data that can be decoded lazily, repeatedly, and
// on any goroutine.
//
// Decoding is performed against the code of the current process, so
// a Trace should be decoded by the process that captured it.
package hwtracer

import (
	"fmt"
	"io"
)

// Block is a run of machine instructions that executed back to
// back, identified by the virtual addresses of its first and last
// instructions. A block ends at a taken control-flow edge: a
// branch, call, return, or trap boundary.
type Block struct {
	// FirstInstr is the address of the first instruction in
	// the block.
	FirstInstr uint64

	// LastInstr is the address of the last instruction in the
	// block. It is never smaller than FirstInstr.
	LastInstr uint64
}

// BlockIterator decodes captured trace data one block at a time.
//
// Next returns io.EOF once the trace is exhausted. A *DecodeError
// return reports a problem with one region of the trace and does
// not necessarily end the sequence: if the error is recoverable the
// iterator has already reseeked past the damaged region and Next
// may be called again, while after a fatal error every subsequent
// call returns io.EOF.
type BlockIterator interface {
	Next() (Block, error)
}

// Trace is the data captured by one start/stop tracing window.
//
// A Trace owns its bytes. It remains valid after the ThreadTracer
// that produced it is closed and may be handed to another
// goroutine.
type Trace interface {
	// IterBlocks starts a fresh decode pass over the trace.
	// Every call decodes from the beginning and yields the same
	// sequence of blocks and errors. Separate iterators are
	// independent and may run concurrently.
	IterBlocks() BlockIterator

	// Capacity returns the size of the captured trace data in
	// bytes.
	Capacity() int

	// Overflowed reports whether the capture filled the trace
	// buffer before the tracer was stopped. An overflowed trace
	// still decodes up to the point the data was cut off.
	Overflowed() bool

	// WriteTo dumps the raw captured bytes with no framing, for
	// reproducing decode problems offline.
	io.WriterTo
}

// TracerState is the lifecycle state of a ThreadTracer. A
// ThreadTracer only ever alternates between the two states.
type TracerState uint8

const (
	// Stopped is the state of a ThreadTracer that is not
	// collecting. Every ThreadTracer starts out Stopped.
	Stopped TracerState = iota

	// Started is the state of a ThreadTracer between a
	// successful StartTracing and the next StopTracing.
	Started
)

func (s TracerState) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Started:
		return "started"
	}
	return fmt.Sprintf("TracerState(%d)", uint8(s))
}

// ThreadTracer captures the execution of the OS thread that drives
// it. It must be driven from a single goroutine; the backend pins
// that goroutine to its OS thread for the duration of a capture.
type ThreadTracer interface {
	// StartTracing begins capturing the calling thread. It is
	// legal only in the Stopped state; starting a Started tracer
	// fails with a *StateError.
	StartTracing() error

	// StopTracing ends the capture and returns the collected
	// Trace. It is legal only in the Started state; stopping a
	// Stopped tracer fails with a *StateError.
	//
	// Filling the trace buffer during the capture is not an
	// error: the Trace is returned with Overflowed reporting
	// true.
	StopTracing() (Trace, error)

	// Close releases the kernel resources behind the tracer in
	// whatever state it is in, discarding any capture in flight.
	// Close is idempotent.
	Close() error
}

// Tracer is a factory for ThreadTracers on one tracing backend.
type Tracer interface {
	// ThreadTracer returns a new Stopped ThreadTracer.
	ThreadTracer() (ThreadTracer, error)
}
