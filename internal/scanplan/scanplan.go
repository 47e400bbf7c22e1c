// Copyright 2024 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package scanplan is the algorithmic heart of the bridge: it walks one XVC
// (TMS, TDI, nbits) scan request, partitions it at Shift-DR/IR boundaries,
// and drives an mpsse.Builder to produce exactly the opcode sequence needed
// to reproduce it on an FT2232H, while registering observers that land the
// chip's TDO response at the right bit positions.
//
// The segmentation splits the scan wherever the TAP's shift/non-shift
// status changes: the FT2232H has no single opcode that can clock an
// arbitrary mixed TMS/TDI pattern, so each contiguous run of "shifting" or
// "not shifting" becomes its own opcode sequence, generalized to the
// chip's data-clock-plus-TMS-read opcode pair.
package scanplan

import (
	"fmt"

	"github.com/anshi233/xvc-server-d2xx/internal/mpsse"
	"github.com/anshi233/xvc-server-d2xx/internal/tap"
)

func getBit(buf []byte, i int) byte {
	return (buf[i/8] >> uint(i%8)) & 1
}

// maxNonShiftRun is how many TMS bits one clock-TMS-out opcode carries in a
// non-shift run. The opcode supports up to 7, but one is reserved so the
// final-bit convention used by shift runs has room to apply uniformly if a
// run boundary lands awkwardly.
const maxNonShiftRun = 6

// Run executes one scan request against b, starting from (state, lastTDI),
// and returns the TAP state and last-shifted-TDI-bit the engine should
// remember afterward. tdo must be at least ceil(nbits/8) bytes and is
// filled at LSB-first positions [0, nbits); bits beyond nbits in byte-aligned
// storage are left untouched by this function (callers are expected to zero
// tdo first).
func Run(b *mpsse.Builder, state tap.State, lastTDI byte, tms, tdi, tdo []byte, nbits int) (tap.State, byte, error) {
	if nbits == 0 {
		return state, lastTDI, nil
	}

	firstPending := 0
	cur := state
	for i := 0; i < nbits; i++ {
		tmsBit := getBit(tms, i)
		next := tap.Step(cur, tmsBit)
		curShift := tap.IsShift(cur)
		nextShift := tap.IsShift(next)
		entering := !curShift && nextShift
		leaving := curShift && !nextShift
		last := i == nbits-1

		if entering || leaving || last {
			var err error
			if curShift {
				lastTDI, err = emitShiftRun(b, firstPending, i, tdi, tdo, lastTDI, getBit(tms, i))
			} else {
				err = emitNonShiftRun(b, firstPending, i, tms, lastTDI)
			}
			if err != nil {
				return state, lastTDI, err
			}
			firstPending = i + 1
		}
		cur = next
	}

	if err := b.Flush(); err != nil {
		return state, lastTDI, err
	}
	return cur, lastTDI, nil
}

// emitNonShiftRun emits the TMS-clock-out-no-read opcodes for the
// non-shift run [a, b] (inclusive), chunked at maxNonShiftRun bits each.
// TDI is held static at lastTDI for the whole run; no RX is reserved and
// no TAP state advance from this run produces any TDO bits.
func emitNonShiftRun(b *mpsse.Builder, a, bEnd int, tms []byte, lastTDI byte) error {
	for start := a; start <= bEnd; start += maxNonShiftRun {
		n := bEnd - start + 1
		if n > maxNonShiftRun {
			n = maxNonShiftRun
		}
		var packed byte
		for i := 0; i < n; i++ {
			if getBit(tms, start+i) != 0 {
				packed |= 1 << uint(i)
			}
		}
		// The append may first flush the builder, so it can return a
		// transport error.
		if err := b.EmitTMSNoRead(n, lastTDI, packed); err != nil {
			return err
		}
	}
	return nil
}

// emitShiftRun emits the leading/inner/trailing/final-bit sequence for the
// shift run [a, runEnd] (inclusive). finalTMSBit is tms[runEnd], which is 1
// exactly when this run is a "leaving" segment (the TAP FSM only
// transitions out of Shift-DR/IR on tms=1) and otherwise carries whatever
// the end-of-vector's own TMS bit was — the final TMS-clock-out opcode
// always wants tms[runEnd] verbatim, so there's no need for a separate
// leave flag alongside it.
func emitShiftRun(b *mpsse.Builder, a, runEnd int, tdi, tdo []byte, lastTDI, finalTMSBit byte) (byte, error) {
	e := runEnd // exclusive end of the data region (runEnd is the final bit, handled separately)

	if a < e {
		if err := emitDataRegion(b, a, e, tdi, tdo); err != nil {
			return lastTDI, err
		}
	}

	finalTDI := getBit(tdi, runEnd)
	if err := b.EmitTMSRead(finalTDI, finalTMSBit, tdo, runEnd); err != nil {
		return lastTDI, err
	}
	return finalTDI, nil
}

// emitDataRegion clocks the whole-bits-only data region [a, e) using
// data-clock opcodes: an unaligned leading group up to the next byte
// boundary, whole bytes in the middle (chunked to the chip's RX capacity),
// and an unaligned trailing group. Any of the three may be empty.
func emitDataRegion(b *mpsse.Builder, a, e int, tdi, tdo []byte) error {
	l := e - a

	leadCount := 0
	if a%8 != 0 {
		leadCount = 8 - a%8
		if leadCount > l {
			leadCount = l
		}
	}
	if leadCount > 0 {
		dataByte := packBits(tdi, a, leadCount)
		if err := b.EmitDataBitsOut(leadCount, dataByte, tdo, a); err != nil {
			return err
		}
	}

	afterLead := a + leadCount
	remaining := e - afterLead
	innerByteCount := remaining / 8

	if innerByteCount > 0 {
		if err := emitInnerBytes(b, afterLead/8, innerByteCount, tdi, tdo); err != nil {
			return err
		}
	}

	afterInner := afterLead + innerByteCount*8
	trailingCount := e - afterInner
	if trailingCount > 0 {
		dataByte := packBits(tdi, afterInner, trailingCount)
		if err := b.EmitDataBitsOut(trailingCount, dataByte, tdo, afterInner); err != nil {
			return err
		}
	}
	return nil
}

// emitInnerBytes clocks innerByteCount whole bytes starting at byte offset
// byteOff, chunked to at most the chip's RX capacity: a run longer than one
// transaction's worth of bytes must be split across multiple flushes, with
// observers keeping the destination offsets correct. When a run needs more
// than one chunk, the chunks share one mpsse.BulkState aggregating into a
// single contiguous TDO window; a single chunk addresses its TDO window
// directly and needs no aggregator.
func emitInnerBytes(b *mpsse.Builder, byteOff, innerByteCount int, tdi, tdo []byte) error {
	cap := b.RXCap()
	if innerByteCount <= cap {
		return b.EmitDataBytesOut(tdi[byteOff:byteOff+innerByteCount], tdo[byteOff:byteOff+innerByteCount])
	}
	bulk := &mpsse.BulkState{Dst: tdo[byteOff : byteOff+innerByteCount]}
	for done := 0; done < innerByteCount; {
		n := innerByteCount - done
		if n > cap {
			n = cap
		}
		chunk := tdi[byteOff+done : byteOff+done+n]
		if err := b.EmitDataBytesOutBulk(chunk, bulk); err != nil {
			return err
		}
		done += n
	}
	return nil
}

// packBits packs n (<=8) LSB-first bits from src starting at bit offset off
// into the low n bits of a single byte, suitable for EmitDataBitsOut.
func packBits(src []byte, off, n int) byte {
	if n > 8 {
		panic(fmt.Sprintf("scanplan: packBits n=%d exceeds 8", n))
	}
	var v byte
	for i := 0; i < n; i++ {
		if getBit(src, off+i) != 0 {
			v |= 1 << uint(i)
		}
	}
	return v
}
