// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hwtracer

import (
	"errors"
	"fmt"
)

var (
	// ErrNoHardwareSupport means no tracing facility is usable on
	// this system: wrong architecture, a CPU without the feature,
	// or a kernel that does not expose it.
	ErrNoHardwareSupport = errors.New("no hardware tracing support")

	// ErrPermissionDenied means the kernel refused access to the
	// tracing facility. On Linux, lowering
	// kernel.perf_event_paranoid or granting CAP_PERFMON usually
	// resolves it.
	ErrPermissionDenied = errors.New("permission denied for hardware tracing")

	// ErrBufferOverflow means the hardware filled a trace buffer.
	// Decoders yield it wrapped in a recoverable *DecodeError when
	// they reach an overflow mark inside a trace.
	ErrBufferOverflow = errors.New("trace buffer capacity reached")
)

// StateError is returned when a ThreadTracer operation is illegal
// in the tracer's current state, such as stopping a tracer that
// was never started.
type StateError struct {
	// State is the state the tracer was in when the operation
	// was attempted.
	State TracerState
}

func (e *StateError) Error() string {
	return "invalid operation on " + e.State.String() + " tracer"
}

// ConfigError is returned when a backend cannot set up or tear
// down a capture: the kernel rejected its configuration, a needed
// resource was missing, or the thread is already bound to another
// tracer.
type ConfigError struct {
	// Op names the configuration step that failed.
	Op string

	// Err is the underlying failure.
	Err error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuring tracing backend: %s: %v", e.Op, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// DecodeError reports a problem decoding one region of a trace.
// BlockIterator implementations return it from Next.
type DecodeError struct {
	// Off is the byte offset into the trace data at which
	// decoding failed.
	Off int

	// Fatal marks errors that end the decode because nothing
	// after the failure can be trusted, such as a corrupt or
	// unsupported stream header. When false, the iterator has
	// resynchronized past the damaged region and may continue
	// producing blocks.
	Fatal bool

	// Err is the underlying failure.
	Err error
}

func (e *DecodeError) Error() string {
	if e.Fatal {
		return fmt.Sprintf("decoding trace at offset 0x%x: %v (fatal)", e.Off, e.Err)
	}
	return fmt.Sprintf("decoding trace at offset 0x%x: %v", e.Off, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// IsDecodeFatal reports whether err is a trace decode error that
// terminated its iterator.
func IsDecodeFatal(err error) bool {
	var de *DecodeError
	return errors.As(err, &de) && de.Fatal
}
