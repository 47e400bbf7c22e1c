// Copyright 2024 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package mpsse

// EmitTMSNoRead clocks n (1..7) TMS bits out, holding TDI/DO static at
// tdiBit for the duration, with no readback. tmsBits holds the n bits in
// its low end, LSB first.
func (b *Builder) EmitTMSNoRead(n int, tdiBit byte, tmsBits byte) error {
	packed := (tdiBit << 7) | (tmsBits & 0x7F)
	cmd := []byte{OpTMSClockOut, byte(n - 1), packed}
	return b.Append(cmd)
}

// EmitTMSRead clocks exactly 1 TMS bit out while sampling TDO: the only
// opcode that can simultaneously drive TMS out of Shift-DR/IR and capture
// the final TDO bit of a scan run. tdiBit is held on TDI/DO; tmsBit both
// drives TMS and is replicated into bit 1 of the payload per the chip's
// encoding. The single response bit (bit 7 of the reply byte) is scattered
// into dst at dstBitOffset.
func (b *Builder) EmitTMSRead(tdiBit, tmsBit byte, dst []byte, dstBitOffset int) error {
	payload := (tdiBit << 7) | (tmsBit << 1) | (tmsBit & 1)
	cmd := []byte{OpTMSClockOutRead, 0, payload}
	return b.AppendWithReadback(cmd, 1, Observer{
		Kind:            KindBit,
		Dst:             dst,
		DstBitOffset:    dstBitOffset,
		NBits:           1,
		FromBitInRxByte: 7,
	})
}

// EmitDataBitsOut clocks 1..8 TDI bits out of dataByte's low n bits (LSB
// first) while sampling n TDO bits, MSB-justified in the single response
// byte. Used for the leading/trailing sub-byte edges of a shift run.
func (b *Builder) EmitDataBitsOut(n int, dataByte byte, dst []byte, dstBitOffset int) error {
	cmd := []byte{OpDataBitsOutNegInPos, byte(n - 1), dataByte}
	return b.AppendWithReadback(cmd, 1, Observer{
		Kind:            KindBit,
		Dst:             dst,
		DstBitOffset:    dstBitOffset,
		NBits:           n,
		FromBitInRxByte: 8 - n,
	})
}

// EmitDataBytesOut clocks len(tdiBytes) whole bytes out while sampling the
// same count of TDO bytes, verbatim, into dst. len(tdiBytes) and len(dst)
// must be equal and at most 65536.
func (b *Builder) EmitDataBytesOut(tdiBytes []byte, dst []byte) error {
	n := len(tdiBytes)
	header := []byte{OpDataBytesOutNegInPos, byte((n - 1) & 0xFF), byte(((n - 1) >> 8) & 0xFF)}
	cmd := make([]byte, 0, len(header)+n)
	cmd = append(cmd, header...)
	cmd = append(cmd, tdiBytes...)
	return b.AppendWithReadback(cmd, n, Observer{
		Kind:   KindByte,
		Dst:    dst,
		NBytes: n,
	})
}

// EmitDataBytesOutBulk is EmitDataBytesOut but scatters into a shared
// aggregated destination window (bulk), used when the inner whole-byte
// region of one shift run is itself chunked across multiple flushes because
// it exceeds the chip's per-transaction RX capacity.
func (b *Builder) EmitDataBytesOutBulk(tdiBytes []byte, bulk *BulkState) error {
	n := len(tdiBytes)
	header := []byte{OpDataBytesOutNegInPos, byte((n - 1) & 0xFF), byte(((n - 1) >> 8) & 0xFF)}
	cmd := make([]byte, 0, len(header)+n)
	cmd = append(cmd, header...)
	cmd = append(cmd, tdiBytes...)
	return b.AppendWithReadback(cmd, n, Observer{
		Kind:   KindBulkByte,
		NBytes: n,
		Bulk:   bulk,
	})
}
