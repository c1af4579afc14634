// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux && amd64

// Package perfpt captures Intel Processor Trace data for single
// threads through the Linux perf interface.
//
// The kernel exposes PT through perf_event_open(2): the event's
// ring buffer carries ordinary perf records, and a separate AUX
// area receives the hardware's raw trace bytes. A session here
// pins its goroutine to an OS thread, opens a PT event bound to
// that thread, and on stop drains the AUX area into an immutable
// trace that package ipt decodes lazily.
//
// Importing this package registers the "perf_pt" backend with
// hwtracer.NewTracer.
package perfpt

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/vext01/hwtracer"
	"github.com/vext01/hwtracer/ipt"
)

func init() {
	hwtracer.RegisterBackend("perf_pt", probe, func() (hwtracer.Tracer, error) {
		return New(DefaultConfig)
	})
}

// probe reports whether the kernel advertises Intel PT, without
// opening a session.
func probe() error {
	if _, err := os.Stat(filepath.Join(defaultPMUPath, "type")); err != nil {
		return fmt.Errorf("%w: kernel advertises no intel_pt PMU", hwtracer.ErrNoHardwareSupport)
	}
	return nil
}

// Config tunes the capture buffers of a Tracer.
type Config struct {
	// DataBufferPages sizes the perf sample ring in pages. The
	// kernel requires a power of two.
	DataBufferPages int

	// AuxBufferPages sizes the AUX area receiving raw trace
	// bytes, in pages. The kernel requires a power of two. A
	// trace that outgrows it is cut short and reported as
	// overflowed, not grown.
	AuxBufferPages int
}

// DefaultConfig is the configuration used for tracers built through
// hwtracer.NewTracer.
var DefaultConfig = Config{
	DataBufferPages: 8,
	AuxBufferPages:  64,
}

func (c Config) check() error {
	if c.DataBufferPages <= 0 || c.DataBufferPages&(c.DataBufferPages-1) != 0 {
		return fmt.Errorf("%d data buffer pages: kernel requires a power of two", c.DataBufferPages)
	}
	if c.AuxBufferPages <= 0 || c.AuxBufferPages&(c.AuxBufferPages-1) != 0 {
		return fmt.Errorf("%d aux buffer pages: kernel requires a power of two", c.AuxBufferPages)
	}
	return nil
}

// Tracer hands out per-thread Intel PT tracing sessions. It holds
// no kernel resources itself; those belong to the thread tracers.
type Tracer struct {
	cfg Config
	pmu *pmu
	cpu ipt.CPU
}

// New returns a Tracer for the running system. It returns an error
// wrapping hwtracer.ErrNoHardwareSupport when the kernel advertises
// no Intel PT PMU.
func New(cfg Config) (*Tracer, error) {
	if err := cfg.check(); err != nil {
		return nil, &hwtracer.ConfigError{Op: "sizing trace buffers", Err: err}
	}
	p, err := loadPMU(defaultPMUPath)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: kernel advertises no intel_pt PMU", hwtracer.ErrNoHardwareSupport)
	}
	if err != nil {
		return nil, &hwtracer.ConfigError{Op: "reading intel_pt PMU description", Err: err}
	}
	cpu, err := ipt.ReadCPU()
	if err != nil {
		return nil, &hwtracer.ConfigError{Op: "identifying processor", Err: err}
	}
	return &Tracer{cfg: cfg, pmu: p, cpu: cpu}, nil
}

// Only one tracer may be bound to an OS thread at a time; the
// kernel would happily open several PT events on one thread, but
// their traces would interleave meaninglessly.
var (
	tracedMu sync.Mutex
	traced   = make(map[int]bool)
)

func claimThread(tid int) error {
	tracedMu.Lock()
	defer tracedMu.Unlock()
	if traced[tid] {
		return fmt.Errorf("thread %d already has a tracer bound", tid)
	}
	traced[tid] = true
	return nil
}

func releaseThread(tid int) {
	tracedMu.Lock()
	defer tracedMu.Unlock()
	delete(traced, tid)
}

// ThreadTracer binds a tracer to the calling goroutine's OS thread.
// The goroutine is pinned to that thread until Close; traces
// captured by the returned tracer cover only code this goroutine
// runs between StartTracing and StopTracing.
func (t *Tracer) ThreadTracer() (hwtracer.ThreadTracer, error) {
	runtime.LockOSThread()
	tid := unix.Gettid()
	if err := claimThread(tid); err != nil {
		runtime.UnlockOSThread()
		return nil, &hwtracer.ConfigError{Op: "binding tracer to thread", Err: err}
	}
	tt := &threadTracer{
		tracer: t,
		tid:    tid,
		state:  hwtracer.Stopped,
		open:   openPerfHandle,
	}
	runtime.SetFinalizer(tt, (*threadTracer).finalize)
	log.WithField("tid", tid).Debug("tracer bound to thread")
	return tt, nil
}

var errTracerClosed = errors.New("thread tracer is closed")

// threadTracer drives tracing for one OS thread. It is not safe
// for concurrent use: it belongs to the goroutine that created it.
type threadTracer struct {
	tracer *Tracer
	tid    int
	state  hwtracer.TracerState
	hnd    handle
	closed bool

	// open creates the kernel session. Tests substitute a fake
	// to exercise the state machine without the hardware.
	open func(cfg Config, p *pmu, tid int) (handle, error)
}

// handle is the kernel-resource surface of one tracing session.
type handle interface {
	enable() error
	disable() error
	// snapshot copies out the raw trace captured so far and
	// reports whether the kernel dropped any of its tail.
	snapshot() (trace []byte, truncated bool, err error)
	close() error
}

// StartTracing opens a fresh capture and turns tracing on. It
// returns a *hwtracer.StateError when tracing is already started.
func (tt *threadTracer) StartTracing() error {
	if tt.closed {
		return errTracerClosed
	}
	if tt.state != hwtracer.Stopped {
		return &hwtracer.StateError{State: tt.state}
	}
	hnd, err := tt.open(tt.tracer.cfg, tt.tracer.pmu, tt.tid)
	if err != nil {
		return err
	}
	if err := hnd.enable(); err != nil {
		hnd.close()
		return &hwtracer.ConfigError{Op: "enabling tracing", Err: err}
	}
	tt.hnd = hnd
	tt.state = hwtracer.Started
	log.WithField("tid", tt.tid).Debug("tracing started")
	return nil
}

// StopTracing turns tracing off and returns the capture. The
// returned trace owns its bytes: the kernel session behind it is
// torn down before StopTracing returns. It returns a
// *hwtracer.StateError when tracing is not started.
func (tt *threadTracer) StopTracing() (hwtracer.Trace, error) {
	if tt.closed {
		return nil, errTracerClosed
	}
	if tt.state != hwtracer.Started {
		return nil, &hwtracer.StateError{State: tt.state}
	}

	// Quiesce the AUX writer first, then copy the capture out,
	// and only then tear the session down.
	hnd := tt.hnd
	tt.hnd = nil
	tt.state = hwtracer.Stopped
	if err := hnd.disable(); err != nil {
		hnd.close()
		return nil, &hwtracer.ConfigError{Op: "disabling tracing", Err: err}
	}
	buf, truncated, err := hnd.snapshot()
	closeErr := hnd.close()
	if err != nil {
		return nil, &hwtracer.ConfigError{Op: "draining trace buffer", Err: err}
	}
	if closeErr != nil {
		log.WithError(closeErr).Warn("closing perf session")
	}

	img, err := newSelfImage()
	if err != nil {
		return nil, &hwtracer.ConfigError{Op: "snapshotting process mappings", Err: err}
	}
	log.WithFields(log.Fields{
		"tid":       tt.tid,
		"bytes":     len(buf),
		"truncated": truncated,
	}).Debug("tracing stopped")
	return &trace{
		buf:        buf,
		overflowed: truncated,
		img:        img,
		errata:     tt.tracer.cpu.Errata(),
	}, nil
}

// Close releases the thread binding and any live capture. A capture
// in progress is discarded. Close is idempotent; the tracer cannot
// be used afterwards.
func (tt *threadTracer) Close() error {
	if tt.closed {
		return nil
	}
	tt.closed = true
	runtime.SetFinalizer(tt, nil)
	var err error
	if tt.hnd != nil {
		tt.hnd.disable()
		err = tt.hnd.close()
		tt.hnd = nil
		tt.state = hwtracer.Stopped
	}
	releaseThread(tt.tid)
	runtime.UnlockOSThread()
	return err
}

// finalize reclaims kernel resources from a leaked tracer. It
// cannot unpin the goroutine that owned the tracer.
func (tt *threadTracer) finalize() {
	if tt.closed {
		return
	}
	log.WithField("tid", tt.tid).Warn("thread tracer leaked without Close; releasing perf session")
	tt.closed = true
	if tt.hnd != nil {
		tt.hnd.disable()
		tt.hnd.close()
		tt.hnd = nil
	}
	releaseThread(tt.tid)
}

// perfHandle is a live perf_event_open session: the event fd, its
// sample ring, and the AUX area the hardware writes trace bytes to.
type perfHandle struct {
	fd   int
	page int
	ring []byte
	aux  []byte
	meta *unix.PerfEventMmapPage
}

// openPerfHandle opens a disabled Intel PT event bound to tid and
// maps its rings.
func openPerfHandle(cfg Config, p *pmu, tid int) (handle, error) {
	// Branch tracing with explicit return targets and no
	// timestamps: everything the block decoder needs and nothing
	// it would choke on.
	config, err := p.config(map[string]uint64{
		"branch":    1,
		"noretcomp": 1,
		"tsc":       0,
	})
	if err != nil {
		return nil, &hwtracer.ConfigError{Op: "building intel_pt config", Err: err}
	}

	attr := unix.PerfEventAttr{
		Type:   p.typ,
		Size:   uint32(unsafe.Sizeof(unix.PerfEventAttr{})),
		Config: config,
		Bits:   unix.PerfBitDisabled | unix.PerfBitExcludeKernel | unix.PerfBitExcludeHv,
	}
	fd, err := unix.PerfEventOpen(&attr, tid, -1, -1, unix.PERF_FLAG_FD_CLOEXEC)
	if err != nil {
		return nil, classifyOpenErr(err)
	}

	page := os.Getpagesize()
	ring, err := unix.Mmap(fd, 0, (1+cfg.DataBufferPages)*page,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, &hwtracer.ConfigError{Op: "mapping perf ring", Err: err}
	}
	meta := (*unix.PerfEventMmapPage)(unsafe.Pointer(&ring[0]))

	// The AUX geometry must be published through the metadata
	// page before the AUX mapping itself. Mapping it writable
	// selects non-overwrite mode: when the area fills, the
	// kernel stops writing and flags truncation, keeping the
	// oldest trace bytes.
	meta.Aux_offset = uint64((1 + cfg.DataBufferPages) * page)
	meta.Aux_size = uint64(cfg.AuxBufferPages * page)
	aux, err := unix.Mmap(fd, int64(meta.Aux_offset), int(meta.Aux_size),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Munmap(ring)
		unix.Close(fd)
		return nil, &hwtracer.ConfigError{Op: "mapping trace buffer", Err: err}
	}

	return &perfHandle{fd: fd, page: page, ring: ring, aux: aux, meta: meta}, nil
}

// classifyOpenErr maps perf_event_open failures onto the error
// taxonomy.
func classifyOpenErr(err error) error {
	switch err {
	case unix.EPERM, unix.EACCES:
		return fmt.Errorf("%w: perf_event_open: %v (check /proc/sys/kernel/perf_event_paranoid)",
			hwtracer.ErrPermissionDenied, err)
	case unix.ENOENT, unix.ENODEV, unix.EOPNOTSUPP:
		return fmt.Errorf("%w: perf_event_open: %v", hwtracer.ErrNoHardwareSupport, err)
	}
	return &hwtracer.ConfigError{Op: "perf_event_open", Err: err}
}

func (h *perfHandle) enable() error {
	return unix.IoctlSetInt(h.fd, unix.PERF_EVENT_IOC_ENABLE, 0)
}

func (h *perfHandle) disable() error {
	return unix.IoctlSetInt(h.fd, unix.PERF_EVENT_IOC_DISABLE, 0)
}

func (h *perfHandle) snapshot() ([]byte, bool, error) {
	// The event is disabled by now, but the head pointers still
	// want acquire loads against the kernel's publishing stores.
	auxHead := atomic.LoadUint64(&h.meta.Aux_head)
	auxTail := atomic.LoadUint64(&h.meta.Aux_tail)
	buf := ringSlice(h.aux, auxHead, auxTail)
	atomic.StoreUint64(&h.meta.Aux_tail, auxHead)

	dataOff, dataSize := h.meta.Data_offset, h.meta.Data_size
	if dataSize == 0 {
		// Pre-4.1 kernels do not fill the data geometry in; the
		// sample ring follows the metadata page directly.
		dataOff = uint64(h.page)
		dataSize = uint64(len(h.ring) - h.page)
	}
	dataHead := atomic.LoadUint64(&h.meta.Data_head)
	dataTail := atomic.LoadUint64(&h.meta.Data_tail)
	records := ringSlice(h.ring[dataOff:dataOff+dataSize], dataHead, dataTail)
	atomic.StoreUint64(&h.meta.Data_tail, dataHead)

	truncated, err := scanRecords(records)
	if err != nil {
		return nil, false, err
	}
	return buf, truncated, nil
}

func (h *perfHandle) close() error {
	var firstErr error
	if h.aux != nil {
		if err := unix.Munmap(h.aux); err != nil && firstErr == nil {
			firstErr = err
		}
		h.aux = nil
	}
	if h.ring != nil {
		if err := unix.Munmap(h.ring); err != nil && firstErr == nil {
			firstErr = err
		}
		h.ring = nil
		h.meta = nil
	}
	if err := unix.Close(h.fd); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
