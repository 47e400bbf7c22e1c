// Copyright 2024 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package bitops

import (
	"math/rand"
	"testing"
)

func getBits(buf []byte, off, n int) []byte {
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		out[i] = bit(buf, off+i)
	}
	return out
}

func setBits(buf []byte, off int, bits []byte) {
	for i, b := range bits {
		setBit(buf, off+i, b)
	}
}

// TestCopyRoundTrip checks that Copy reproduces the exact source run for
// every (dstOff, srcOff, n) combination across a full byte of alignment
// slack and a few bytes of length, covering both the byte-aligned fast path
// and the general bit-by-bit path.
func TestCopyRoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	for dstOff := 0; dstOff < 8; dstOff++ {
		for srcOff := 0; srcOff < 8; srcOff++ {
			for n := 0; n < 64; n++ {
				src := make([]byte, (srcOff+n)/8+2)
				for i := range src {
					src[i] = byte(r.Intn(256))
				}
				want := getBits(src, srcOff, n)

				dst := make([]byte, (dstOff+n)/8+2)
				for i := range dst {
					dst[i] = byte(r.Intn(256))
				}
				Copy(dst, dstOff, src, srcOff, n)
				got := getBits(dst, dstOff, n)

				for i := range want {
					if got[i] != want[i] {
						t.Fatalf("dstOff=%d srcOff=%d n=%d bit %d: got %d want %d", dstOff, srcOff, n, i, got[i], want[i])
					}
				}
			}
		}
	}
}

func TestCopyZeroIsNoop(t *testing.T) {
	dst := []byte{0xFF}
	Copy(dst, 3, []byte{0x00}, 0, 0)
	if dst[0] != 0xFF {
		t.Fatalf("Copy with n=0 mutated dst: %#x", dst[0])
	}
}

func TestCopyByteAlignedFastPath(t *testing.T) {
	src := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	dst := make([]byte, 4)
	Copy(dst, 8, src, 0, 16)
	if dst[1] != 0xDE || dst[2] != 0xAD {
		t.Fatalf("byte-aligned copy wrong: %#v", dst)
	}
}

func TestCopyFromTMSResponse(t *testing.T) {
	// 5 bits, left-justified in the high end of the byte: bits [7..3].
	rx := byte(0b10110_000)
	dst := make([]byte, 1)
	CopyFromTMSResponse(dst, 0, rx, 5)
	want := byte(0b00010110)
	if dst[0] != want {
		t.Fatalf("got %#08b want %#08b", dst[0], want)
	}
}

func TestCopyFromTMSResponseZero(t *testing.T) {
	dst := []byte{0xAA}
	CopyFromTMSResponse(dst, 0, 0xFF, 0)
	if dst[0] != 0xAA {
		t.Fatalf("n=0 mutated dst")
	}
}

func TestCopyBytesUnaligned(t *testing.T) {
	src := []byte{0xFF, 0x0F}
	dst := make([]byte, 3) // bits 4..19
	// Start at bit 4: low nibble of dst[0] must stay untouched.
	setBits(dst, 0, []byte{1, 0, 1, 0})
	CopyBytes(dst, 4, src, 2)
	for i := 0; i < 4; i++ {
		if bit(dst, i) != []byte{1, 0, 1, 0}[i] {
			t.Fatalf("CopyBytes clobbered bits below dstBitOff")
		}
	}
	for i := 0; i < 16; i++ {
		if bit(dst, 4+i) != bit(src, i) {
			t.Fatalf("CopyBytes bit %d mismatch", i)
		}
	}
}
