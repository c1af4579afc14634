// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"golang.org/x/exp/mmap"

	"github.com/vext01/hwtracer/ipt"
)

var stats bool

func init() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage of %s:\n", os.Args[0])
		fmt.Fprintf(flag.CommandLine.Output(), "Utility that prints the packets of a raw Intel PT trace,\n")
		fmt.Fprintf(flag.CommandLine.Output(), "such as one written by hwt-selftest -dump.\n")
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] trace-file\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.BoolVar(&stats, "stats", false, "print packet counts instead of the packets themselves")
}

func checkFlags() error {
	if flag.NArg() != 1 {
		return errors.New("incorrect number of arguments")
	}
	return nil
}

func run() error {
	r, err := mmap.Open(flag.Arg(0))
	if err != nil {
		return err
	}
	defer r.Close()

	data := make([]byte, r.Len())
	if r.Len() > 0 {
		if _, err := r.ReadAt(data, 0); err != nil {
			return err
		}
	}
	if stats {
		return printStats(data)
	}
	return dump(data)
}

func dump(data []byte) error {
	pr := ipt.NewPacketReader(data)
	for {
		off := pr.Offset()
		p, err := pr.Next()
		switch err {
		case nil:
			fmt.Printf("%08x  %s\n", off, describe(p))
		case io.EOF:
			return nil
		case ipt.ErrBadPacket:
			fmt.Printf("%08x  unrecognized byte, scanning on\n", off)
		case ipt.ErrTruncatedPacket:
			fmt.Printf("%08x  packet truncated by end of stream\n", off)
			return nil
		default:
			return err
		}
	}
}

func describe(p ipt.Packet) string {
	switch p.Kind {
	case ipt.KindTIP, ipt.KindTIPPGE, ipt.KindTIPPGD, ipt.KindFUP:
		if p.IPSuppressed {
			return fmt.Sprintf("%s ip suppressed", p.Kind)
		}
		return fmt.Sprintf("%s ip 0x%x", p.Kind, p.IP)
	case ipt.KindTNT:
		var sb strings.Builder
		for i := 0; i < p.TNTLen; i++ {
			if p.TNTBits&(uint64(1)<<uint(p.TNTLen-1-i)) != 0 {
				sb.WriteByte('T')
			} else {
				sb.WriteByte('N')
			}
		}
		return fmt.Sprintf("%s %s", p.Kind, sb.String())
	case ipt.KindPSB, ipt.KindPSBEnd, ipt.KindPad, ipt.KindOVF:
		return p.Kind.String()
	default:
		return fmt.Sprintf("%s payload 0x%x", p.Kind, p.Payload)
	}
}

func printStats(data []byte) error {
	pr := ipt.NewPacketReader(data)
	counts := make(map[ipt.Kind]int)
	var total, bad int
	truncated := false
loop:
	for {
		p, err := pr.Next()
		switch err {
		case nil:
			counts[p.Kind]++
			total++
		case io.EOF:
			break loop
		case ipt.ErrBadPacket:
			bad++
		case ipt.ErrTruncatedPacket:
			truncated = true
			break loop
		default:
			return err
		}
	}
	kinds := make([]ipt.Kind, 0, len(counts))
	for k := range counts {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool {
		if counts[kinds[i]] != counts[kinds[j]] {
			return counts[kinds[i]] > counts[kinds[j]]
		}
		return kinds[i] < kinds[j]
	})
	for _, k := range kinds {
		fmt.Printf("%-8s %d\n", k, counts[k])
	}
	fmt.Printf("total    %d\n", total)
	if bad != 0 {
		fmt.Printf("skipped  %d unrecognizable bytes\n", bad)
	}
	if truncated {
		fmt.Println("trace ends mid-packet")
	}
	return nil
}

func main() {
	flag.Parse()
	if err := checkFlags(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		flag.Usage()
		os.Exit(1)
	}
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
}
