// Copyright 2024 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package mpsse builds MPSSE opcode streams for an FT2232H-class chip and
// scatters the chip's response bytes back into caller-owned buffers via a
// FIFO of registered read observers.
//
// The opcode set is narrowed to exactly what a JTAG bit-banger over MPSSE
// needs: TMS clocking (with and without readback), data-bit and data-byte
// clocking, and the handful of GPIO/clock/loopback setup commands MPSSE
// bring-up requires.
package mpsse

// Opcode values understood by the FT2232H's MPSSE engine.
const (
	// OpTMSClockOut clocks n-1+1 TMS bits out on the falling edge, no
	// readback. TDI/DO is held at bit 7 of the payload byte for the
	// duration of the clocking.
	OpTMSClockOut byte = 0x4B
	// OpTMSClockOutRead is OpTMSClockOut plus a TDO sample clocked in on
	// the rising edge; the chip replies with one byte, TDO in bit 7.
	OpTMSClockOutRead byte = 0x6B
	// OpDataBitsOutNegInPos clocks 1..8 TDI bits out (falling edge, LSB
	// first) while sampling TDO on the rising edge; reply is one byte,
	// MSB-justified.
	OpDataBitsOutNegInPos byte = 0x3B
	// OpDataBytesOutNegInPos is the whole-byte counterpart of
	// OpDataBitsOutNegInPos: a 16-bit little-endian length-minus-one
	// header followed by that many TDI bytes, with one TDO byte returned
	// per TDI byte clocked.
	OpDataBytesOutNegInPos byte = 0x39

	OpGPIOSetLow  byte = 0x80
	OpGPIOSetHigh byte = 0x82

	OpLoopbackDisable byte = 0x85

	OpClockDivBy5Disable byte = 0x8A
	OpClockSetDivisor    byte = 0x86

	OpSendImmediate byte = 0x87
)
