// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ipt

import (
	"errors"
	"fmt"
	"io"

	"golang.org/x/arch/x86/x86asm"

	"github.com/vext01/hwtracer"
)

const (
	// maxInstLen is the architectural limit on x86 instruction
	// length.
	maxInstLen = 15

	// maxBlockInstrs bounds how far the decoder will replay
	// without the stream weighing in. Straight-line runs longer
	// than this mean the image no longer matches the trace.
	maxBlockInstrs = 1 << 16

	// retStackDepth matches the hardware's return-compression
	// depth. Calls beyond it push out the oldest entry.
	retStackDepth = 64
)

// BlockDecoder reconstructs the sequence of executed basic blocks
// from a raw packet stream and the Image it was captured against.
//
// The stream only records control-flow decisions the hardware could
// not infer: taken/not-taken bits for conditional branches and
// target addresses for indirect ones. The decoder replays the
// machine code from the Image between those decisions.
//
// A BlockDecoder is single-use and not safe for concurrent use;
// decode a trace twice by constructing two decoders.
type BlockDecoder struct {
	pr     *PacketReader
	img    Image
	errata Errata

	done        bool
	synced      bool
	neverSynced bool
	enabled     bool
	ip          uint64
	tnt         tntQueue
	calls       []uint64
}

// DecodeOption configures a BlockDecoder.
type DecodeOption func(*BlockDecoder)

// WithErrata applies decode workarounds for the processor the
// trace was captured on.
func WithErrata(e Errata) DecodeOption {
	return func(d *BlockDecoder) { d.errata = e }
}

// NewBlockDecoder returns a decoder over the packet stream in data,
// replaying machine code from img. The decoder reads from data
// without copying it; the caller must not mutate data while the
// decoder is live.
func NewBlockDecoder(data []byte, img Image, opts ...DecodeOption) *BlockDecoder {
	d := &BlockDecoder{
		pr:          NewPacketReader(data),
		img:         img,
		neverSynced: true,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Progress returns a float64 value between 0 and 1 indicating the
// approximate progress of decoding through the trace.
func (d *BlockDecoder) Progress() float64 {
	if len(d.pr.data) == 0 {
		return 1
	}
	return float64(d.pr.off) / float64(len(d.pr.data))
}

// Next returns the next executed block.
//
// It returns io.EOF at the end of the trace. A *hwtracer.DecodeError
// reports a damaged or undecodable region: when recoverable, the
// decoder has already resynchronized and Next may be called again;
// when fatal, all further calls return io.EOF. A partial block cut
// off by the end of the trace is discarded, not returned.
func (d *BlockDecoder) Next() (hwtracer.Block, error) {
	if d.done {
		return hwtracer.Block{}, io.EOF
	}
	return d.step()
}

func (d *BlockDecoder) step() (hwtracer.Block, error) {
	for {
		if !d.synced {
			if err := d.sync(); err != nil {
				return hwtracer.Block{}, err
			}
			continue
		}
		if !d.enabled {
			if err := d.awaitEnable(); err != nil {
				return hwtracer.Block{}, err
			}
			continue
		}
		return d.walk()
	}
}

// eof marks the decode finished and returns io.EOF.
func (d *BlockDecoder) eof() error {
	d.done = true
	return io.EOF
}

// lost reports a recoverable failure: the decoder forgets its
// replay state and will reseek to the next PSB before continuing.
func (d *BlockDecoder) lost(err error) error {
	d.synced = false
	d.enabled = false
	d.tnt.reset()
	d.calls = d.calls[:0]
	return &hwtracer.DecodeError{Off: d.pr.Offset(), Err: err}
}

// broken reports a fatal failure: nothing after it can be trusted,
// so the decode terminates.
func (d *BlockDecoder) broken(err error) error {
	d.done = true
	return &hwtracer.DecodeError{Off: d.pr.Offset(), Fatal: true, Err: err}
}

// sync seeks to the next PSB packet and rebuilds decode state from
// its preamble.
func (d *BlockDecoder) sync() error {
	from := d.pr.Offset()
	found := d.pr.SeekPSB()
	if d.neverSynced && d.pr.Offset() > from {
		// Nothing before the first sync point is decodable.
		// Report the region once; the reader is already past it.
		d.neverSynced = false
		if !found {
			return &hwtracer.DecodeError{Off: from, Err: errors.New("no synchronization packet in trace")}
		}
		skipped := d.pr.Offset() - from
		return &hwtracer.DecodeError{Off: from, Err: fmt.Errorf("%d bytes of unrecognizable data before synchronization", skipped)}
	}
	if !found {
		return d.eof()
	}
	if _, err := d.pr.Next(); err != nil {
		return d.eof()
	}
	d.enabled = false
	d.tnt.reset()
	d.calls = d.calls[:0]
	return d.preamble()
}

// preamble consumes a PSB+ preamble: the packets between PSB and
// PSBEND that snapshot the tracing state. It re-establishes the
// current IP and, when called in the middle of replay, verifies
// that the stream still agrees with the replay position.
func (d *BlockDecoder) preamble() error {
	for {
		p, err := d.pr.Next()
		if err == io.EOF || err == ErrTruncatedPacket {
			// The trace was cut off mid-preamble; nothing
			// decodable follows.
			return d.eof()
		}
		if err != nil {
			if d.errata.LoosePSBPreamble {
				continue
			}
			return d.lost(fmt.Errorf("corrupt synchronization preamble: %v", err))
		}
		switch p.Kind {
		case KindPSBEnd:
			d.synced = true
			d.neverSynced = false
			return nil
		case KindFUP:
			if p.IPSuppressed {
				if d.errata.LoosePSBPreamble {
					continue
				}
				return d.lost(errors.New("synchronization address suppressed"))
			}
			if d.enabled && p.IP != d.ip {
				return d.lost(fmt.Errorf("stream synchronized at 0x%x but replay is at 0x%x", p.IP, d.ip))
			}
			d.ip = p.IP
			d.enabled = true
		case KindMode:
			if err := checkMode(p); err != nil {
				return d.broken(err)
			}
		case KindPad, KindCBR, KindPIP, KindVMCS, KindMNT, KindEXSTOP, KindMWAIT, KindPWRE, KindPWRX:
			// Status snapshots with no bearing on replay.
		case KindOVF:
			return d.lost(hwtracer.ErrBufferOverflow)
		case KindPSB:
			// A fresh sync point before this preamble ended;
			// start over on it.
		case KindTSC, KindMTC, KindCYC, KindTMA, KindPTW:
			if d.errata.LoosePSBPreamble {
				continue
			}
			return d.broken(fmt.Errorf("unsupported %s packet in synchronization preamble", p.Kind))
		default:
			if d.errata.LoosePSBPreamble {
				continue
			}
			return d.lost(fmt.Errorf("unexpected %s packet in synchronization preamble", p.Kind))
		}
	}
}

// checkMode rejects execution modes the replay cannot handle. Only
// 64-bit mode is supported; transaction state changes are ignored.
func checkMode(p Packet) error {
	if p.Payload&modeLeafMask != modeLeafExec {
		return nil
	}
	csl := p.Payload&modeExecCSL != 0
	csd := p.Payload&modeExecCSD != 0
	if !csl || csd {
		return fmt.Errorf("unsupported execution mode (CS.L=%v CS.D=%v): only 64-bit code can be decoded", csl, csd)
	}
	return nil
}

// nextPacket returns the next packet that carries control-flow
// information, absorbing padding and status packets, consuming
// in-stream PSB+ preambles, and classifying stream-level failures.
func (d *BlockDecoder) nextPacket() (Packet, error) {
	for {
		p, err := d.pr.Next()
		switch err {
		case nil:
		case io.EOF, ErrTruncatedPacket:
			// A packet cut off by the end of the buffer is the
			// normal shape of a stopped or overflowed capture.
			return Packet{}, d.eof()
		default:
			return Packet{}, d.lost(err)
		}
		switch p.Kind {
		case KindPad, KindCBR, KindPIP, KindVMCS, KindMNT, KindEXSTOP, KindMWAIT, KindPWRE, KindPWRX:
			continue
		case KindMode:
			if err := checkMode(p); err != nil {
				return Packet{}, d.broken(err)
			}
			continue
		case KindTSC, KindMTC, KindCYC, KindTMA, KindPTW:
			return Packet{}, d.broken(fmt.Errorf("unsupported %s packet: timing packets are never enabled", p.Kind))
		case KindOVF:
			return Packet{}, d.lost(hwtracer.ErrBufferOverflow)
		case KindPSB:
			if err := d.preamble(); err != nil {
				return Packet{}, err
			}
			continue
		case KindPSBEnd:
			return Packet{}, d.lost(errors.New("PSBEND outside a preamble"))
		default:
			return p, nil
		}
	}
}

// awaitEnable consumes packets until tracing turns on and the
// stream names the first traced instruction.
func (d *BlockDecoder) awaitEnable() error {
	for !d.enabled {
		p, err := d.nextPacket()
		if err != nil {
			return err
		}
		switch p.Kind {
		case KindTIPPGE:
			if p.IPSuppressed {
				return d.lost(errors.New("tracing enabled without a target address"))
			}
			d.ip = p.IP
			d.enabled = true
		case KindTIPPGD, KindFUP:
			// Stale disable context; keep scanning.
		default:
			return d.lost(fmt.Errorf("unexpected %s packet while tracing is off", p.Kind))
		}
	}
	return nil
}

// flowPacket returns the next packet that resolves control flow,
// riding out tracing-off windows that resume where they stopped
// (context switches) so that the containing block stays whole.
func (d *BlockDecoder) flowPacket() (Packet, error) {
	var resume uint64
	var knowResume bool
	for {
		p, err := d.nextPacket()
		if err != nil {
			return Packet{}, err
		}
		switch p.Kind {
		case KindFUP:
			if !p.IPSuppressed {
				resume, knowResume = p.IP, true
			}
		case KindTIPPGD:
			// Asynchronous disable. Execution resumes at the
			// preceding FUP's address once tracing returns.
			pge, err := d.reenable()
			if err != nil {
				return Packet{}, err
			}
			if pge.IPSuppressed {
				return Packet{}, d.lost(errors.New("tracing re-enabled without a target address"))
			}
			if knowResume && pge.IP != resume {
				return Packet{}, d.lost(fmt.Errorf("tracing resumed at 0x%x, not at 0x%x where it stopped", pge.IP, resume))
			}
			knowResume = false
		case KindTIPPGE:
			return Packet{}, d.lost(errors.New("tracing enable while already tracing"))
		default:
			return p, nil
		}
	}
}

// reenable waits for tracing to turn back on after an asynchronous
// disable.
func (d *BlockDecoder) reenable() (Packet, error) {
	for {
		p, err := d.nextPacket()
		if err != nil {
			return Packet{}, err
		}
		switch p.Kind {
		case KindTIPPGE:
			return p, nil
		case KindFUP, KindTIPPGD:
			// Stale disable context; keep scanning.
		default:
			return Packet{}, d.lost(fmt.Errorf("unexpected %s packet while tracing is off", p.Kind))
		}
	}
}

// takeTNT consumes the next taken/not-taken decision.
func (d *BlockDecoder) takeTNT() (bool, error) {
	for d.tnt.empty() {
		p, err := d.flowPacket()
		if err != nil {
			return false, err
		}
		if p.Kind != KindTNT {
			return false, d.lost(fmt.Errorf("needed branch bits, stream produced %s", p.Kind))
		}
		d.tnt.push(p.TNTBits, p.TNTLen)
	}
	return d.tnt.pop(), nil
}

// takeTIP consumes the target address of an indirect branch.
func (d *BlockDecoder) takeTIP() (uint64, error) {
	if !d.tnt.empty() {
		return 0, d.lost(errors.New("pending branch bits at an indirect branch"))
	}
	p, err := d.flowPacket()
	if err != nil {
		return 0, err
	}
	if p.Kind != KindTIP {
		return 0, d.lost(fmt.Errorf("needed an indirect target, stream produced %s", p.Kind))
	}
	if p.IPSuppressed {
		return 0, d.lost(errors.New("indirect branch target suppressed"))
	}
	return p.IP, nil
}

// takeRet resolves a near return: either compressed into a
// taken/not-taken bit against the call stack, or spelled out with
// an explicit target packet.
func (d *BlockDecoder) takeRet() (uint64, error) {
	if !d.tnt.empty() {
		return d.popCompressedRet()
	}
	p, err := d.flowPacket()
	if err != nil {
		return 0, err
	}
	switch p.Kind {
	case KindTNT:
		d.tnt.push(p.TNTBits, p.TNTLen)
		return d.popCompressedRet()
	case KindTIP:
		if p.IPSuppressed {
			return 0, d.lost(errors.New("return target suppressed"))
		}
		return p.IP, nil
	}
	return 0, d.lost(fmt.Errorf("needed a return target, stream produced %s", p.Kind))
}

func (d *BlockDecoder) popCompressedRet() (uint64, error) {
	if !d.tnt.pop() {
		return 0, d.lost(errors.New("not-taken branch bit for a return"))
	}
	if len(d.calls) == 0 {
		return 0, d.lost(errors.New("compressed return with no matching call"))
	}
	target := d.calls[len(d.calls)-1]
	d.calls = d.calls[:len(d.calls)-1]
	return target, nil
}

func (d *BlockDecoder) pushRet(addr uint64) {
	if len(d.calls) == retStackDepth {
		copy(d.calls, d.calls[1:])
		d.calls[retStackDepth-1] = addr
		return
	}
	d.calls = append(d.calls, addr)
}

// takeFar resolves a far transfer: system calls, software
// interrupts and far jumps either name an in-region target with a
// TIP or leave the traced region with a TIP.PGD.
func (d *BlockDecoder) takeFar() error {
	if !d.tnt.empty() {
		return d.lost(errors.New("pending branch bits at a far transfer"))
	}
	for {
		p, err := d.nextPacket()
		if err != nil {
			return err
		}
		switch p.Kind {
		case KindTIP:
			if p.IPSuppressed {
				return d.lost(errors.New("far transfer target suppressed"))
			}
			d.ip = p.IP
			return nil
		case KindTIPPGD:
			// Left the traced region, typically into the
			// kernel. Replay resumes at the next enable.
			d.enabled = false
			return nil
		case KindFUP:
			// Event location for the transfer; not needed.
		default:
			return d.lost(fmt.Errorf("needed a far-transfer target, stream produced %s", p.Kind))
		}
	}
}

// walk replays instructions from the current IP until a taken
// control-flow edge, consulting the stream wherever the next
// instruction is not a static fall-through.
func (d *BlockDecoder) walk() (hwtracer.Block, error) {
	var code [maxInstLen]byte
	first := d.ip
	for steps := 0; steps < maxBlockInstrs; steps++ {
		n, err := d.img.ReadCode(d.ip, code[:])
		if err != nil {
			return hwtracer.Block{}, d.lost(fmt.Errorf("reading code at 0x%x: %v", d.ip, err))
		}
		inst, err := x86asm.Decode(code[:n], 64)
		if err != nil {
			return hwtracer.Block{}, d.lost(fmt.Errorf("undecodable instruction at 0x%x: %v", d.ip, err))
		}
		cur := d.ip
		next := cur + uint64(inst.Len)
		switch flowClass(inst) {
		case flowLinear:
			d.ip = next
		case flowCond:
			taken, err := d.takeTNT()
			if err != nil {
				return hwtracer.Block{}, err
			}
			if !taken {
				d.ip = next
				continue
			}
			target, ok := relTarget(inst, cur)
			if !ok {
				return hwtracer.Block{}, d.lost(fmt.Errorf("conditional branch at 0x%x has no relative target", cur))
			}
			d.ip = target
			return hwtracer.Block{FirstInstr: first, LastInstr: cur}, nil
		case flowJump:
			target, ok := relTarget(inst, cur)
			if !ok {
				target, err = d.takeTIP()
				if err != nil {
					return hwtracer.Block{}, err
				}
			}
			d.ip = target
			return hwtracer.Block{FirstInstr: first, LastInstr: cur}, nil
		case flowCall:
			d.pushRet(next)
			target, ok := relTarget(inst, cur)
			if !ok {
				target, err = d.takeTIP()
				if err != nil {
					return hwtracer.Block{}, err
				}
			}
			d.ip = target
			return hwtracer.Block{FirstInstr: first, LastInstr: cur}, nil
		case flowRet:
			target, err := d.takeRet()
			if err != nil {
				return hwtracer.Block{}, err
			}
			d.ip = target
			return hwtracer.Block{FirstInstr: first, LastInstr: cur}, nil
		case flowFar:
			if err := d.takeFar(); err != nil {
				return hwtracer.Block{}, err
			}
			return hwtracer.Block{FirstInstr: first, LastInstr: cur}, nil
		}
	}
	return hwtracer.Block{}, d.lost(fmt.Errorf("no control flow in %d instructions from 0x%x: replay out of step with the code", maxBlockInstrs, first))
}

type flow uint8

const (
	flowLinear flow = iota
	flowCond        // Conditional branch: consumes a TNT bit.
	flowJump        // Unconditional jump, direct or indirect.
	flowCall        // Near call: pushes a return address.
	flowRet         // Near return: compressed or explicit target.
	flowFar         // Far transfer: syscall, interrupt, far branch.
)

func flowClass(inst x86asm.Inst) flow {
	switch inst.Op {
	case x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE, x86asm.JCXZ, x86asm.JE,
		x86asm.JECXZ, x86asm.JG, x86asm.JGE, x86asm.JL, x86asm.JLE, x86asm.JNE,
		x86asm.JNO, x86asm.JNP, x86asm.JNS, x86asm.JO, x86asm.JP, x86asm.JRCXZ,
		x86asm.JS, x86asm.LOOP, x86asm.LOOPE, x86asm.LOOPNE:
		return flowCond
	case x86asm.JMP:
		return flowJump
	case x86asm.CALL:
		return flowCall
	case x86asm.RET:
		return flowRet
	case x86asm.LJMP, x86asm.LCALL, x86asm.LRET, x86asm.IRET, x86asm.IRETD,
		x86asm.IRETQ, x86asm.SYSCALL, x86asm.SYSENTER, x86asm.SYSEXIT,
		x86asm.SYSRET, x86asm.INT, x86asm.INTO:
		return flowFar
	}
	return flowLinear
}

// relTarget computes the target of a direct branch at ip, which is
// encoded relative to the end of the instruction.
func relTarget(inst x86asm.Inst, ip uint64) (uint64, bool) {
	rel, ok := inst.Args[0].(x86asm.Rel)
	if !ok {
		return 0, false
	}
	return ip + uint64(inst.Len) + uint64(int64(rel)), true
}

// tntQueue is a FIFO of taken/not-taken decisions, filled a packet
// at a time and drained a branch at a time.
type tntQueue struct {
	bits []bool
	head int
}

func (q *tntQueue) empty() bool {
	return q.head == len(q.bits)
}

// push appends the n decisions in b, oldest first. The oldest
// decision sits at bit n-1, per the packet encoding.
func (q *tntQueue) push(b uint64, n int) {
	if q.empty() {
		q.bits = q.bits[:0]
		q.head = 0
	}
	for i := n - 1; i >= 0; i-- {
		q.bits = append(q.bits, b&(1<<i) != 0)
	}
}

func (q *tntQueue) pop() bool {
	v := q.bits[q.head]
	q.head++
	return v
}

func (q *tntQueue) reset() {
	q.bits = q.bits[:0]
	q.head = 0
}
