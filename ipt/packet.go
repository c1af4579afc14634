// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package ipt decodes Intel Processor Trace packet streams into the
// basic blocks the processor executed.
//
// The package is split into two layers. PacketReader pulls one
// packet at a time out of a raw byte buffer, maintaining the
// IP-compression state the format threads through consecutive
// packets. BlockDecoder drives a PacketReader, replaying the traced
// program's machine code against the packet stream to reconstruct
// every executed block.
package ipt

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/bits"
)

// Kind identifies a packet in an Intel PT stream.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindPad          // Alignment filler.
	KindPSB          // Synchronization point.
	KindPSBEnd       // End of the PSB+ preamble.
	KindTNT          // Taken/not-taken bits for conditional branches.
	KindTIP          // Target of an indirect branch or return.
	KindTIPPGE       // Tracing enabled at the carried address.
	KindTIPPGD       // Tracing disabled.
	KindFUP          // Address of an asynchronous event.
	KindMode         // Execution mode or transaction state change.
	KindOVF          // Internal buffer overflow, packets were lost.
	KindCBR          // Core-to-bus clock ratio.
	KindTSC          // Timestamp counter value.
	KindMTC          // Mini timestamp counter value.
	KindCYC          // Cycle count.
	KindTMA          // TSC/MTC alignment.
	KindPIP          // Paging (CR3) change.
	KindVMCS         // VMCS base pointer change.
	KindMNT          // Maintenance packet.
	KindEXSTOP       // Execution stopped (power event).
	KindMWAIT        // MWAIT hints.
	KindPWRE         // Power state entry.
	KindPWRX         // Power state exit.
	KindPTW          // PTWRITE payload.
)

var kindNames = [...]string{
	KindInvalid: "INVALID",
	KindPad:     "PAD",
	KindPSB:     "PSB",
	KindPSBEnd:  "PSBEND",
	KindTNT:     "TNT",
	KindTIP:     "TIP",
	KindTIPPGE:  "TIP.PGE",
	KindTIPPGD:  "TIP.PGD",
	KindFUP:     "FUP",
	KindMode:    "MODE",
	KindOVF:     "OVF",
	KindCBR:     "CBR",
	KindTSC:     "TSC",
	KindMTC:     "MTC",
	KindCYC:     "CYC",
	KindTMA:     "TMA",
	KindPIP:     "PIP",
	KindVMCS:    "VMCS",
	KindMNT:     "MNT",
	KindEXSTOP:  "EXSTOP",
	KindMWAIT:   "MWAIT",
	KindPWRE:    "PWRE",
	KindPWRX:    "PWRX",
	KindPTW:     "PTW",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Packet is a single decoded Intel PT packet.
type Packet struct {
	// Kind classifies the packet.
	Kind Kind

	// Off is the byte offset of the packet within the stream.
	Off int

	// Len is the encoded length of the packet in bytes.
	Len int

	// IP is the reconstructed address carried by a TIP, TIP.PGE,
	// TIP.PGD, or FUP packet, after undoing IP compression. Only
	// meaningful for those kinds, and only when IPSuppressed is
	// false.
	IP uint64

	// IPSuppressed reports that an address-carrying packet elided
	// its payload: the event happened, but its address was
	// filtered out.
	IPSuppressed bool

	// TNTBits holds the taken/not-taken bits of a TNT packet.
	// The oldest decision sits at bit TNTLen-1 and the newest at
	// bit 0.
	TNTBits uint64

	// TNTLen is the number of valid bits in TNTBits.
	TNTLen int

	// Payload carries the remaining packet kinds' payload bytes,
	// little endian: the MODE leaf and bits, the CBR ratio, TSC
	// and MTC values, and so on.
	Payload uint64
}

var (
	// ErrBadPacket is returned by PacketReader.Next when the
	// stream position does not hold a recognizable packet.
	ErrBadPacket = errors.New("malformed packet")

	// ErrTruncatedPacket is returned by PacketReader.Next when a
	// packet runs past the end of the stream.
	ErrTruncatedPacket = errors.New("packet truncated by end of stream")
)

// psbPattern is the full encoding of a PSB packet. Decoders regain
// synchronization after corruption or overflow by scanning for it.
var psbPattern = []byte{
	0x02, 0x82, 0x02, 0x82, 0x02, 0x82, 0x02, 0x82,
	0x02, 0x82, 0x02, 0x82, 0x02, 0x82, 0x02, 0x82,
}

// MODE packet leaves, in the high bits of the payload byte.
const (
	modeLeafMask = 0xe0
	modeLeafExec = 0x00
	modeLeafTSX  = 0x20
)

// MODE.Exec payload bits.
const (
	modeExecCSL = 1 << 0
	modeExecCSD = 1 << 1
)

// PacketReader pulls packets out of a raw Intel PT byte stream one
// at a time.
//
// The reader owns the IP-compression state: address-carrying
// packets encode only the low bytes that changed since the last
// address, and a PSB resets the state. Packets must therefore be
// read in order from a synchronization point for their IP fields to
// be meaningful.
type PacketReader struct {
	data   []byte
	off    int
	lastIP uint64
}

// NewPacketReader returns a PacketReader over data, positioned at
// offset 0.
func NewPacketReader(data []byte) *PacketReader {
	return &PacketReader{data: data}
}

// Offset returns the byte offset the reader will parse next.
func (r *PacketReader) Offset() int {
	return r.off
}

// SeekPSB advances the reader to the next PSB packet at or after
// the current offset, so that the following Next call returns it.
// It reports whether one was found; when none is, the reader is
// left at the end of the stream.
func (r *PacketReader) SeekPSB() bool {
	i := bytes.Index(r.data[r.off:], psbPattern)
	if i < 0 {
		r.off = len(r.data)
		return false
	}
	r.off += i
	return true
}

// Next parses the packet at the current offset and advances past
// it. It returns io.EOF at the end of the stream, ErrTruncatedPacket
// when a packet runs off the end of the data, and ErrBadPacket when
// the bytes at the current offset are not a recognizable packet; in
// the latter case the reader advances one byte so the caller can
// scan onward.
func (r *PacketReader) Next() (Packet, error) {
	if r.off >= len(r.data) {
		return Packet{}, io.EOF
	}
	p, err := r.parse()
	if err != nil {
		if err == ErrBadPacket {
			r.off++
		} else {
			r.off = len(r.data)
		}
		return Packet{}, err
	}
	r.off += p.Len
	return p, nil
}

func (r *PacketReader) parse() (Packet, error) {
	buf := r.data[r.off:]
	p := Packet{Off: r.off}
	b := buf[0]
	switch {
	case b == 0x00:
		p.Kind, p.Len = KindPad, 1
		return p, nil
	case b == 0x02:
		return r.parseExt(buf, p)
	case b&0x1f == 0x0d:
		return r.parseIP(buf, p, KindTIP)
	case b&0x1f == 0x11:
		return r.parseIP(buf, p, KindTIPPGE)
	case b&0x1f == 0x01:
		return r.parseIP(buf, p, KindTIPPGD)
	case b&0x1f == 0x1d:
		return r.parseIP(buf, p, KindFUP)
	case b == 0x99:
		if len(buf) < 2 {
			return p, ErrTruncatedPacket
		}
		p.Kind, p.Len = KindMode, 2
		p.Payload = uint64(buf[1])
		return p, nil
	case b == 0x19:
		if len(buf) < 8 {
			return p, ErrTruncatedPacket
		}
		p.Kind, p.Len = KindTSC, 8
		p.Payload = leN(buf[1:8])
		return p, nil
	case b == 0x59:
		if len(buf) < 2 {
			return p, ErrTruncatedPacket
		}
		p.Kind, p.Len = KindMTC, 2
		p.Payload = uint64(buf[1])
		return p, nil
	case b&0x03 == 0x03:
		return r.parseCYC(buf, p)
	case b&0x01 == 0x00:
		// Short TNT: bit 0 clear, stop bit above the payload.
		return r.parseShortTNT(buf, p)
	}
	return p, ErrBadPacket
}

// parseExt parses the two-byte-opcode packet family.
func (r *PacketReader) parseExt(buf []byte, p Packet) (Packet, error) {
	if len(buf) < 2 {
		return p, ErrTruncatedPacket
	}
	switch buf[1] {
	case 0x82:
		if len(buf) < len(psbPattern) {
			return p, ErrTruncatedPacket
		}
		for i, want := range psbPattern {
			if buf[i] != want {
				return p, ErrBadPacket
			}
		}
		p.Kind, p.Len = KindPSB, len(psbPattern)
		// A PSB resets the IP-compression state.
		r.lastIP = 0
		return p, nil
	case 0x23:
		p.Kind, p.Len = KindPSBEnd, 2
		return p, nil
	case 0xf3:
		p.Kind, p.Len = KindOVF, 2
		return p, nil
	case 0xa3:
		return r.parseLongTNT(buf, p)
	case 0x03:
		if len(buf) < 4 {
			return p, ErrTruncatedPacket
		}
		p.Kind, p.Len = KindCBR, 4
		p.Payload = uint64(buf[2])
		return p, nil
	case 0x43:
		if len(buf) < 8 {
			return p, ErrTruncatedPacket
		}
		p.Kind, p.Len = KindPIP, 8
		p.Payload = leN(buf[2:8])
		return p, nil
	case 0xc8:
		if len(buf) < 7 {
			return p, ErrTruncatedPacket
		}
		p.Kind, p.Len = KindVMCS, 7
		p.Payload = leN(buf[2:7])
		return p, nil
	case 0x73:
		if len(buf) < 7 {
			return p, ErrTruncatedPacket
		}
		p.Kind, p.Len = KindTMA, 7
		p.Payload = leN(buf[2:7])
		return p, nil
	case 0xc3:
		// MNT carries a third opcode byte.
		if len(buf) < 3 {
			return p, ErrTruncatedPacket
		}
		if buf[2] != 0x88 {
			return p, ErrBadPacket
		}
		if len(buf) < 11 {
			return p, ErrTruncatedPacket
		}
		p.Kind, p.Len = KindMNT, 11
		p.Payload = leN(buf[3:11])
		return p, nil
	case 0x62, 0xe2:
		p.Kind, p.Len = KindEXSTOP, 2
		return p, nil
	case 0xc2:
		if len(buf) < 10 {
			return p, ErrTruncatedPacket
		}
		p.Kind, p.Len = KindMWAIT, 10
		p.Payload = leN(buf[2:10])
		return p, nil
	case 0x22:
		if len(buf) < 4 {
			return p, ErrTruncatedPacket
		}
		p.Kind, p.Len = KindPWRE, 4
		p.Payload = leN(buf[2:4])
		return p, nil
	case 0xa2:
		if len(buf) < 7 {
			return p, ErrTruncatedPacket
		}
		p.Kind, p.Len = KindPWRX, 7
		p.Payload = leN(buf[2:7])
		return p, nil
	}
	if buf[1]&0x1f == 0x12 {
		// PTWRITE: payload size in bits 6:5 of the opcode.
		n := 4
		if buf[1]>>5&0x3 == 1 {
			n = 8
		}
		if len(buf) < 2+n {
			return p, ErrTruncatedPacket
		}
		p.Kind, p.Len = KindPTW, 2+n
		p.Payload = leN(buf[2 : 2+n])
		return p, nil
	}
	return p, ErrBadPacket
}

// ipPayloadLen gives the payload size in bytes for each value of
// the 3-bit IPBytes field of an address-carrying packet. -1 marks
// the reserved encodings.
var ipPayloadLen = [8]int{0, 2, 4, 6, 6, -1, 8, -1}

func (r *PacketReader) parseIP(buf []byte, p Packet, kind Kind) (Packet, error) {
	ipBytes := buf[0] >> 5
	n := ipPayloadLen[ipBytes]
	if n < 0 {
		return p, ErrBadPacket
	}
	if len(buf) < 1+n {
		return p, ErrTruncatedPacket
	}
	p.Kind = kind
	p.Len = 1 + n
	if n == 0 {
		p.IPSuppressed = true
		return p, nil
	}
	payload := leN(buf[1 : 1+n])
	switch ipBytes {
	case 1:
		r.lastIP = r.lastIP&^uint64(0xffff) | payload
	case 2:
		r.lastIP = r.lastIP&^uint64(0xffffffff) | payload
	case 3:
		// Sign-extend bit 47 through the upper bytes.
		if payload&(1<<47) != 0 {
			payload |= 0xffff << 48
		}
		r.lastIP = payload
	case 4:
		r.lastIP = r.lastIP&^uint64(0xffffffffffff) | payload
	case 6:
		r.lastIP = payload
	}
	p.IP = r.lastIP
	return p, nil
}

func (r *PacketReader) parseShortTNT(buf []byte, p Packet) (Packet, error) {
	payload := uint64(buf[0] >> 1)
	if payload == 0 {
		// No stop bit. 0x00 is PAD and cannot reach here, so
		// this is one of the reserved single-byte encodings.
		return p, ErrBadPacket
	}
	p.Kind, p.Len = KindTNT, 1
	stop := bits.Len64(payload) - 1
	p.TNTBits = payload &^ (1 << stop)
	p.TNTLen = stop
	return p, nil
}

func (r *PacketReader) parseLongTNT(buf []byte, p Packet) (Packet, error) {
	if len(buf) < 8 {
		return p, ErrTruncatedPacket
	}
	payload := leN(buf[2:8])
	if payload == 0 {
		return p, ErrBadPacket
	}
	p.Kind, p.Len = KindTNT, 8
	stop := bits.Len64(payload) - 1
	p.TNTBits = payload &^ (1 << stop)
	p.TNTLen = stop
	return p, nil
}

func (r *PacketReader) parseCYC(buf []byte, p Packet) (Packet, error) {
	// The low three bits of the first byte are the opcode and an
	// extension flag; every extension byte keeps its own flag in
	// bit 0.
	val := uint64(buf[0] >> 3)
	shift := uint(5)
	n := 1
	more := buf[0]&0x04 != 0
	for more {
		if n >= len(buf) {
			return p, ErrTruncatedPacket
		}
		b := buf[n]
		n++
		val |= uint64(b>>1) << shift
		shift += 7
		more = b&0x01 != 0
	}
	p.Kind, p.Len = KindCYC, n
	p.Payload = val
	return p, nil
}

// leN reads a little-endian unsigned integer of 1 to 8 bytes.
func leN(b []byte) uint64 {
	switch len(b) {
	case 2:
		return uint64(binary.LittleEndian.Uint16(b))
	case 4:
		return uint64(binary.LittleEndian.Uint32(b))
	case 8:
		return binary.LittleEndian.Uint64(b)
	}
	v := uint64(0)
	for i := len(b) - 1; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}
