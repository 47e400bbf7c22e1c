// Copyright 2024 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package mpsse

import (
	"fmt"

	"github.com/anshi233/xvc-server-d2xx/internal/bitops"
)

// Transport is the narrow slice of internal/ftditransport the Builder needs:
// a blocking write and a blocking "read exactly len(p) bytes" call. It lets
// the builder and the scan planner be tested against a simulated chip
// without a real device.
type Transport interface {
	Write(p []byte) error
	ReadFull(p []byte) error
}

// Kind identifies how a registered observer scatters its RX slice into the
// caller's destination buffer.
type Kind int

const (
	// KindBit copies up to 8 bits out of a single RX byte, after
	// right-shifting it by FromBitInRxByte, into Dst starting at
	// DstBitOffset. Used after both data-bit reads (0x3B) and TMS reads
	// (0x6B).
	KindBit Kind = iota
	// KindByte verbatim-copies NBytes RX bytes into Dst.
	KindByte
	// KindBulkByte is KindByte except the destination window is shared
	// across a run of chunks: each firing appends at Bulk.Copied and
	// advances it. Used when a whole-byte inner region is itself split
	// across more than one physical USB transfer.
	KindBulkByte
)

// BulkState is the shared aggregation state for a run of KindBulkByte
// observers writing into one contiguous destination window.
type BulkState struct {
	Dst    []byte
	Copied int
}

// Observer describes how to scatter one reserved slice of the expected
// chip response into a caller-owned buffer. Observers are queued in the
// order they are registered and fire in that same order when Flush drains
// the RX buffer, so TDO bits land at the correct bit positions regardless
// of how the builder internally chunked the USB transfers.
type Observer struct {
	Kind Kind

	// RXOff is the byte offset of this observer's reserved slice within
	// the flush's RX buffer.
	RXOff int

	// KindBit fields.
	Dst             []byte
	DstBitOffset    int
	NBits           int
	FromBitInRxByte int

	// KindByte / KindBulkByte fields.
	NBytes int
	Bulk   *BulkState
}

func (o Observer) fire(rx []byte) {
	switch o.Kind {
	case KindBit:
		bitops.CopyFromTMSResponse(o.Dst, o.DstBitOffset, rx[o.RXOff], o.NBits)
	case KindByte:
		copy(o.Dst, rx[o.RXOff:o.RXOff+o.NBytes])
	case KindBulkByte:
		copy(o.Bulk.Dst[o.Bulk.Copied:o.Bulk.Copied+o.NBytes], rx[o.RXOff:o.RXOff+o.NBytes])
		o.Bulk.Copied += o.NBytes
	}
}

// Builder appends MPSSE opcodes into a bounded transmit buffer and drains
// the chip's response through registered observers on Flush.
//
// It is not safe for concurrent use: a Builder belongs to exactly one
// session at a time, serialized by the instance controller's accept loop.
type Builder struct {
	t Transport

	rxCap int // the chip's per-transaction read-back limit, e.g. 65536.
	txCap int // 3x rxCap: enough headroom that a flush is rarely forced mid-run.

	tx        []byte
	rxWant    int
	observers []Observer

	// earlyFlush triggers a flush once the TX buffer holds rxCap - rxCap/16
	// bytes (60 KiB for a 64 KiB chip), well before txCap, so a long scan
	// never stalls waiting to build one maximally-sized transfer. Scaled
	// proportionally to rxCap so a simulated chip with a smaller buffer in
	// tests still exercises early flushing.
	earlyFlush int
}

// NewBuilder creates a Builder bounded by the chip's rxCap per-transaction
// limit (65536 for the HS2/FT2232H).
func NewBuilder(t Transport, rxCap int) *Builder {
	b := &Builder{
		t:     t,
		rxCap: rxCap,
		txCap: rxCap * 3,
	}
	b.earlyFlush = rxCap - rxCap/16
	b.tx = make([]byte, 0, b.txCap)
	return b
}

// RXCap returns the configured chip read-back limit.
func (b *Builder) RXCap() int {
	return b.rxCap
}

// ensureRoom flushes first if appending n more TX bytes or m more reserved
// RX bytes would overflow either buffer, or if the TX buffer has already
// crossed the early-flush threshold.
func (b *Builder) ensureRoom(n, m int) error {
	if len(b.tx)+n > b.txCap || b.rxWant+m > b.rxCap || len(b.tx) >= b.earlyFlush {
		return b.Flush()
	}
	return nil
}

// Append copies cmd into the transmit buffer, flushing first if needed.
// No RX is reserved.
func (b *Builder) Append(cmd []byte) error {
	if err := b.ensureRoom(len(cmd), 0); err != nil {
		return err
	}
	if len(cmd) > b.txCap {
		return fmt.Errorf("mpsse: command of %d bytes exceeds TX capacity %d", len(cmd), b.txCap)
	}
	b.tx = append(b.tx, cmd...)
	return nil
}

// AppendWithReadback copies cmd into the transmit buffer, reserves rxLen
// bytes of the chip's response, and registers obs to scatter those bytes
// once Flush drains them. obs.RXOff is filled in automatically.
func (b *Builder) AppendWithReadback(cmd []byte, rxLen int, obs Observer) error {
	if err := b.ensureRoom(len(cmd), rxLen); err != nil {
		return err
	}
	obs.RXOff = b.rxWant
	b.tx = append(b.tx, cmd...)
	b.rxWant += rxLen
	b.observers = append(b.observers, obs)
	return nil
}

// Flush writes the full TX buffer in one call, then, if any RX was
// reserved, blocks until exactly that many bytes have been read back and
// fires every observer in FIFO registration order. The TX buffer and
// observer pool are always reset, even on error from the write.
//
// Flushing with zero RX reservation never blocks on a read.
func (b *Builder) Flush() error {
	if len(b.tx) == 0 {
		return nil
	}
	tx := b.tx
	rxWant := b.rxWant
	observers := b.observers
	b.tx = b.tx[:0]
	b.rxWant = 0
	b.observers = nil

	if err := b.t.Write(tx); err != nil {
		return fmt.Errorf("mpsse: write: %w", err)
	}
	if rxWant == 0 {
		return nil
	}
	rx := make([]byte, rxWant)
	if err := b.t.ReadFull(rx); err != nil {
		return fmt.Errorf("mpsse: read: %w", err)
	}
	for _, obs := range observers {
		obs.fire(rx)
	}
	return nil
}
