// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

// SpanHist counts blocks by span, the byte distance between the
// first and last instruction. Spans start at zero for blocks of a
// single instruction.
type SpanHist struct {
	small [4096]uint64
	large map[uint64]uint64
}

func NewSpanHist() *SpanHist {
	return &SpanHist{
		large: make(map[uint64]uint64),
	}
}

func (s *SpanHist) Add(span uint64) {
	if span < uint64(len(s.small)) {
		s.small[span] += 1
		return
	}
	if val, ok := s.large[span]; ok {
		s.large[span] = val + 1
	} else {
		s.large[span] = 1
	}
}

func (s *SpanHist) ForEach(f func(span, count uint64)) {
	for i := range s.small {
		if s.small[i] != 0 {
			f(uint64(i), s.small[i])
		}
	}
	for span, count := range s.large {
		if count != 0 {
			f(span, count)
		}
	}
}
