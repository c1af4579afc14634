package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/vext01/hwtracer"
	"github.com/vext01/hwtracer/cmd/internal/spinner"
	_ "github.com/vext01/hwtracer/perfpt"
)

var (
	iters    int
	cycles   int
	parallel int
	dumpFile string
	histFile string
	verbose  bool
)

func init() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage of %s:\n", os.Args[0])
		fmt.Fprintf(flag.CommandLine.Output(), "Utility that traces its own busy loop with the hardware\n")
		fmt.Fprintf(flag.CommandLine.Output(), "tracer and sanity-checks the decoded blocks.\n")
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.IntVar(&iters, "iters", 500, "busy loop iterations to trace")
	flag.IntVar(&cycles, "cycles", 1, "number of start/stop cycles to run")
	flag.IntVar(&parallel, "parallel", 1, "decode the capture this many times concurrently")
	flag.StringVar(&dumpFile, "dump", "", "write the raw trace of the last cycle to this file")
	flag.StringVar(&histFile, "hist", "", "write a block span histogram to this file")
	flag.BoolVar(&verbose, "v", false, "enable debug logging")
}

func checkFlags() error {
	if flag.NArg() != 0 {
		return errors.New("incorrect number of arguments")
	}
	if iters <= 0 || cycles <= 0 || parallel <= 0 {
		return errors.New("iters, cycles and parallel must be positive")
	}
	return nil
}

// workLoop is the traced workload. It has to stay out of line so
// its blocks are attributable to one function in the capture.
//
//go:noinline
func workLoop(n int) int {
	acc := 0
	for i := 0; i < n; i++ {
		acc += i % 7
	}
	return acc
}

func run() error {
	tracer, err := hwtracer.NewTracer()
	if err != nil {
		return err
	}
	tt, err := tracer.ThreadTracer()
	if err != nil {
		return err
	}
	defer tt.Close()

	var trace hwtracer.Trace
	for c := 0; c < cycles; c++ {
		if err := tt.StartTracing(); err != nil {
			return fmt.Errorf("starting tracing: %v", err)
		}
		val := workLoop(iters)
		trace, err = tt.StopTracing()
		if err != nil {
			return fmt.Errorf("stopping tracing: %v", err)
		}
		log.WithFields(log.Fields{
			"cycle": c,
			"value": val,
			"bytes": trace.Capacity(),
		}).Debug("capture complete")
	}

	fmt.Printf("Captured:   %d bytes\n", trace.Capacity())
	fmt.Printf("Overflowed: %v\n", trace.Overflowed())

	if dumpFile != "" {
		if err := writeDump(trace, dumpFile); err != nil {
			return fmt.Errorf("dumping trace: %v", err)
		}
	}

	hist := NewSpanHist()
	blocks, recovered, err := decode(trace, hist, true)
	if err != nil {
		return fmt.Errorf("decoding trace: %v", err)
	}
	fmt.Printf("Blocks:     %d\n", blocks)
	fmt.Printf("Recovered:  %d decode errors\n", recovered)
	if blocks == 0 {
		return errors.New("no blocks decoded from the capture")
	}

	if parallel > 1 {
		if err := decodeParallel(trace, blocks, recovered); err != nil {
			return err
		}
		fmt.Printf("Parallel:   %d decodes agree\n", parallel)
	}

	if histFile != "" {
		if err := writeHist(hist, histFile); err != nil {
			return fmt.Errorf("writing histogram: %v", err)
		}
	}
	return nil
}

// decode walks every block of the trace, tolerating recoverable
// decode errors and failing on fatal ones.
func decode(tr hwtracer.Trace, hist *SpanHist, withProgress bool) (blocks, recovered int, err error) {
	it := tr.IterBlocks()

	var mu sync.Mutex
	if withProgress {
		progress := func() float64 { return 0 }
		if p, ok := it.(interface{ Progress() float64 }); ok {
			progress = func() float64 {
				mu.Lock()
				defer mu.Unlock()
				return p.Progress()
			}
		}
		sp := spinner.Start(progress, spinner.Format("Decoding... %.1f%%"))
		defer sp.Stop()
	}

	for {
		mu.Lock()
		b, err := it.Next()
		mu.Unlock()
		if err == io.EOF {
			return blocks, recovered, nil
		}
		if err != nil {
			if hwtracer.IsDecodeFatal(err) {
				return blocks, recovered, err
			}
			log.WithError(err).Debug("recovered from decode error")
			recovered++
			continue
		}
		if b.LastInstr < b.FirstInstr {
			return blocks, recovered, fmt.Errorf("backwards block 0x%x-0x%x", b.FirstInstr, b.LastInstr)
		}
		if hist != nil {
			hist.Add(b.LastInstr - b.FirstInstr)
		}
		blocks++
	}
}

// decodeParallel re-decodes the trace concurrently and checks every
// decode sees exactly what the first one saw.
func decodeParallel(tr hwtracer.Trace, wantBlocks, wantRecovered int) error {
	var g errgroup.Group
	for i := 0; i < parallel; i++ {
		g.Go(func() error {
			blocks, recovered, err := decode(tr, nil, false)
			if err != nil {
				return err
			}
			if blocks != wantBlocks || recovered != wantRecovered {
				return fmt.Errorf("parallel decode disagrees: %d blocks and %d errors, want %d and %d",
					blocks, recovered, wantBlocks, wantRecovered)
			}
			return nil
		})
	}
	return g.Wait()
}

func writeDump(tr hwtracer.Trace, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := tr.WriteTo(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func writeHist(h *SpanHist, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	h.ForEach(func(span, count uint64) {
		fmt.Fprintf(f, "%d:%d\n", span, count)
	})
	return f.Close()
}

func main() {
	flag.Parse()
	if err := checkFlags(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		flag.Usage()
		os.Exit(1)
	}
	if verbose {
		log.SetLevel(log.DebugLevel)
	}
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
}
