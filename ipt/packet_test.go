// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ipt

import (
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func le64(v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return b[:]
}

func TestPacketKinds(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		kind    Kind
		len     int
		payload uint64
	}{
		{"pad", []byte{0x00}, KindPad, 1, 0},
		{"psb", psbPattern, KindPSB, 16, 0},
		{"psbend", []byte{0x02, 0x23}, KindPSBEnd, 2, 0},
		{"ovf", []byte{0x02, 0xf3}, KindOVF, 2, 0},
		{"cbr", []byte{0x02, 0x03, 0x2a, 0x00}, KindCBR, 4, 0x2a},
		{"mode.exec", []byte{0x99, 0x01}, KindMode, 2, 0x01},
		{"mode.tsx", []byte{0x99, 0x20}, KindMode, 2, 0x20},
		{"tsc", []byte{0x19, 1, 0, 0, 0, 0, 0, 0}, KindTSC, 8, 1},
		{"mtc", []byte{0x59, 0x7f}, KindMTC, 2, 0x7f},
		{"pip", []byte{0x02, 0x43, 1, 2, 3, 4, 5, 6}, KindPIP, 8, 0x060504030201},
		{"vmcs", []byte{0x02, 0xc8, 1, 2, 3, 4, 5}, KindVMCS, 7, 0x0504030201},
		{"tma", []byte{0x02, 0x73, 1, 2, 3, 4, 5}, KindTMA, 7, 0x0504030201},
		{"mnt", append([]byte{0x02, 0xc3, 0x88}, le64(42)...), KindMNT, 11, 42},
		{"exstop", []byte{0x02, 0x62}, KindEXSTOP, 2, 0},
		{"exstop.ip", []byte{0x02, 0xe2}, KindEXSTOP, 2, 0},
		{"mwait", append([]byte{0x02, 0xc2}, le64(7)...), KindMWAIT, 10, 7},
		{"pwre", []byte{0x02, 0x22, 0x05, 0x00}, KindPWRE, 4, 5},
		{"pwrx", []byte{0x02, 0xa2, 9, 0, 0, 0, 0}, KindPWRX, 7, 9},
		{"ptw.4", []byte{0x02, 0x12, 4, 3, 2, 1}, KindPTW, 6, 0x01020304},
		{"ptw.8", append([]byte{0x02, 0x32}, le64(99)...), KindPTW, 10, 99},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewPacketReader(tt.data)
			p, err := r.Next()
			require.NoError(t, err)
			require.Equal(t, tt.kind, p.Kind)
			require.Equal(t, tt.len, p.Len)
			require.Equal(t, tt.payload, p.Payload)
			require.Equal(t, 0, p.Off)
			require.Equal(t, tt.len, r.Offset())

			_, err = r.Next()
			require.Equal(t, io.EOF, err)
		})
	}
}

func TestShortTNT(t *testing.T) {
	tests := []struct {
		name string
		data byte
		bits uint64
		len  int
	}{
		{"taken", 0x06, 0x1, 1},
		{"not-taken", 0x04, 0x0, 1},
		{"taken,not-taken", 0x0c, 0x2, 2},
		{"not-taken,taken", 0x0a, 0x1, 2},
		{"six taken", 0xfe, 0x3f, 6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewPacketReader([]byte{tt.data})
			p, err := r.Next()
			require.NoError(t, err)
			require.Equal(t, KindTNT, p.Kind)
			require.Equal(t, 1, p.Len)
			require.Equal(t, tt.bits, p.TNTBits)
			require.Equal(t, tt.len, p.TNTLen)
		})
	}
}

func TestLongTNT(t *testing.T) {
	// Stop bit at bit 2: two decisions, taken then taken.
	r := NewPacketReader([]byte{0x02, 0xa3, 0x07, 0, 0, 0, 0, 0})
	p, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, KindTNT, p.Kind)
	require.Equal(t, 8, p.Len)
	require.Equal(t, uint64(0x3), p.TNTBits)
	require.Equal(t, 2, p.TNTLen)

	// 47 decisions, the format maximum: stop bit at bit 47.
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1<<47|0x5a5a)
	r = NewPacketReader(append([]byte{0x02, 0xa3}, buf[:6]...))
	p, err = r.Next()
	require.NoError(t, err)
	require.Equal(t, KindTNT, p.Kind)
	require.Equal(t, uint64(0x5a5a), p.TNTBits)
	require.Equal(t, 47, p.TNTLen)
}

func TestCYC(t *testing.T) {
	tests := []struct {
		name  string
		data  []byte
		value uint64
		len   int
	}{
		{"one byte", []byte{0x03 | 0x14<<3}, 0x14, 1},
		{"two bytes", []byte{0x03 | 0x04 | 0x1f<<3, 0x0a << 1}, 0x1f | 0x0a<<5, 2},
		{"three bytes", []byte{0xa7, 0x23, 0x02}, 0x1234, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewPacketReader(tt.data)
			p, err := r.Next()
			require.NoError(t, err)
			require.Equal(t, KindCYC, p.Kind)
			require.Equal(t, tt.len, p.Len)
			require.Equal(t, tt.value, p.Payload)
		})
	}
}

// TestIPCompression feeds a sequence of address packets through one
// reader: the reconstructed addresses depend on the order, since
// each packet reuses upper bytes of the last.
func TestIPCompression(t *testing.T) {
	r := NewPacketReader(concat(
		[]byte{0xdd}, le64(0x7fffdeadbeef), // FUP, full 64-bit address
		[]byte{0x2d, 0xfe, 0xca},               // TIP, low 16 bits
		[]byte{0x51, 0x78, 0x56, 0x34, 0x12},   // TIP.PGE, low 32 bits
		[]byte{0x6d}, le64(0xffff80001234)[:6], // TIP, 48 bits sign-extended
		[]byte{0x8d}, le64(0x123456789abc)[:6], // TIP, low 48 bits
		psbPattern,
		[]byte{0x3d, 0xef, 0xbe}, // FUP, low 16 bits against reset state
		[]byte{0x0d},             // TIP, suppressed
	))

	want := []struct {
		kind       Kind
		ip         uint64
		suppressed bool
	}{
		{KindFUP, 0x00007fffdeadbeef, false},
		{KindTIP, 0x00007fffdeadcafe, false},
		{KindTIPPGE, 0x00007fff12345678, false},
		{KindTIP, 0xffffffff80001234, false},
		{KindTIP, 0xffff123456789abc, false},
		{KindPSB, 0, false},
		{KindFUP, 0x000000000000beef, false},
		{KindTIP, 0, true},
	}
	for i, w := range want {
		p, err := r.Next()
		require.NoError(t, err, "packet %d", i)
		require.Equal(t, w.kind, p.Kind, "packet %d", i)
		require.Equal(t, w.suppressed, p.IPSuppressed, "packet %d", i)
		if !w.suppressed {
			require.Equal(t, w.ip, p.IP, "packet %d kind %s", i, w.kind)
		}
	}
	_, err := r.Next()
	require.Equal(t, io.EOF, err)
}

func TestSeekPSB(t *testing.T) {
	junk := []byte{0xff, 0x05, 0x90, 0x81}
	data := concat(junk, psbPattern, []byte{0x02, 0x23})

	r := NewPacketReader(data)
	require.True(t, r.SeekPSB())
	require.Equal(t, len(junk), r.Offset())

	p, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, KindPSB, p.Kind)

	p, err = r.Next()
	require.NoError(t, err)
	require.Equal(t, KindPSBEnd, p.Kind)

	// No further PSB: the reader parks at the end.
	require.False(t, r.SeekPSB())
	require.Equal(t, len(data), r.Offset())
	_, err = r.Next()
	require.Equal(t, io.EOF, err)
}

func TestBadPacket(t *testing.T) {
	// 0x05 is not a recognizable first byte. The reader steps over
	// it one byte at a time so callers can scan onward.
	r := NewPacketReader([]byte{0x05, 0x00})
	_, err := r.Next()
	require.Equal(t, ErrBadPacket, err)
	require.Equal(t, 1, r.Offset())

	p, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, KindPad, p.Kind)
}

func TestTruncatedPacket(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"tsc", []byte{0x19, 0x01, 0x02}},
		{"psb", psbPattern[:8]},
		{"tip", []byte{0xcd, 0x01, 0x02}},
		{"cyc", []byte{0x03 | 0x04}},
		{"ext opcode", []byte{0x02}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewPacketReader(tt.data)
			_, err := r.Next()
			require.Equal(t, ErrTruncatedPacket, err)
			_, err = r.Next()
			require.Equal(t, io.EOF, err)
		})
	}
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
