// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hwtracer

import (
	"errors"
	"fmt"
	"sync"
)

// A backendReg describes one hardware tracing facility that the
// running process may or may not be able to use.
type backendReg struct {
	name  string
	probe func() error
	open  func() (Tracer, error)
}

var (
	backendsMu sync.Mutex
	backends   []backendReg
)

// RegisterBackend makes a tracing backend available to NewTracer.
// probe reports whether the backend can trace on this system and
// open constructs its Tracer. Backends are tried in registration
// order.
//
// RegisterBackend is intended to be called from the init function
// of a backend package. It panics if name is already registered.
func RegisterBackend(name string, probe func() error, open func() (Tracer, error)) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	for _, b := range backends {
		if b.name == name {
			panic("hwtracer: RegisterBackend called twice for " + name)
		}
	}
	backends = append(backends, backendReg{name: name, probe: probe, open: open})
}

// NewTracer returns a Tracer for the first registered backend whose
// capability probe passes.
//
// Probing happens at runtime: a backend compiled into the binary is
// still skipped when the CPU or kernel cannot support it. When no
// backend is usable the returned error wraps ErrNoHardwareSupport
// together with each backend's probe failure.
func NewTracer() (Tracer, error) {
	backendsMu.Lock()
	regs := make([]backendReg, len(backends))
	copy(regs, backends)
	backendsMu.Unlock()

	var probeErrs []error
	for _, b := range regs {
		err := b.probe()
		if err == nil {
			return b.open()
		}
		probeErrs = append(probeErrs, fmt.Errorf("%s: %v", b.name, err))
	}
	if len(probeErrs) == 0 {
		return nil, fmt.Errorf("%w: no tracing backends built for this platform", ErrNoHardwareSupport)
	}
	return nil, fmt.Errorf("%w: %v", ErrNoHardwareSupport, errors.Join(probeErrs...))
}
