//go:build !(linux && amd64)

// Intel PT capture needs an Intel processor and the Linux perf
// interface. On other platforms this package builds empty and
// registers no backend, so hwtracer.NewTracer reports no hardware
// support.
package perfpt
