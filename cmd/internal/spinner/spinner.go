// Package spinner prints a self-updating progress line for
// long-running terminal operations.
package spinner

import (
	"fmt"
	"io"
	"os"
	"time"
)

// Option is a configuration option for a Spinner.
type Option func(s *Spinner)

// Format sets the line printed on every update. The string must
// have exactly one verb in it, for a float64 percent completion.
func Format(ft string) Option {
	return func(s *Spinner) {
		s.format = ft
	}
}

// Period sets the time between screen updates.
func Period(p time.Duration) Option {
	return func(s *Spinner) {
		s.period = p
	}
}

// Output sets the destination for updates. The default is standard
// output.
func Output(w io.Writer) Option {
	return func(s *Spinner) {
		s.w = w
	}
}

// Spinner periodically samples a progress function and redraws a
// progress line over itself.
type Spinner struct {
	sample func() float64
	format string
	period time.Duration
	w      io.Writer
	done   chan struct{}
}

// Start begins drawing and returns the running spinner. The sample
// function is called from the spinner's goroutine and must return a
// value between 0 and 1; it has to be safe to call concurrently
// with the work it measures.
//
// The default period between updates is 1 second.
func Start(sample func() float64, options ...Option) *Spinner {
	s := &Spinner{
		sample: sample,
		format: "Progress: %.1f%%",
		period: time.Second,
		w:      os.Stdout,
		done:   make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	go s.loop()
	return s
}

func (s *Spinner) loop() {
	ticker := time.NewTicker(s.period)
	defer ticker.Stop()
	fmt.Fprintf(s.w, s.format+"\r", s.sample()*100)
	for {
		select {
		case <-s.done:
			fmt.Fprintf(s.w, s.format+"\n", s.sample()*100)
			s.done <- struct{}{}
			return
		case <-ticker.C:
			fmt.Fprintf(s.w, s.format+"\r", s.sample()*100)
		}
	}
}

// Stop draws a final update and moves to the next line. It must be
// called exactly once, after which the spinner is spent.
func (s *Spinner) Stop() {
	s.done <- struct{}{}
	<-s.done
}
