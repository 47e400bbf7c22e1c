// Copyright 2024 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package mpsse

import (
	"errors"
	"testing"
)

// fakeTransport is a scripted loopback chip. Writes are recorded; reads are
// served from a caller-supplied echo function so tests can simulate a real
// MPSSE chip's TDO behavior without hardware.
type fakeTransport struct {
	writes [][]byte
	echo   func(tx []byte) []byte // full response stream for everything written so far in this flush
	pendingRx []byte
}

func (f *fakeTransport) Write(p []byte) error {
	cp := append([]byte(nil), p...)
	f.writes = append(f.writes, cp)
	f.pendingRx = append(f.pendingRx, f.echo(cp)...)
	return nil
}

func (f *fakeTransport) ReadFull(p []byte) error {
	if len(f.pendingRx) < len(p) {
		return errors.New("fakeTransport: not enough data")
	}
	copy(p, f.pendingRx[:len(p)])
	f.pendingRx = f.pendingRx[len(p):]
	return nil
}

// TestObserverFIFO checks that observers registered in order o1, o2, ...
// receive RX slices whose concatenation equals the physical RX byte stream
// in the same order, regardless of registration details.
func TestObserverFIFO(t *testing.T) {
	ft := &fakeTransport{echo: func(tx []byte) []byte {
		// Echo a distinct byte per reserved slot so order is verifiable.
		return []byte{0xA0, 0xA1, 0xA2}
	}}
	b := NewBuilder(ft, 65536)

	dst := make([]byte, 3)
	order := []int{}
	for i := 0; i < 3; i++ {
		i := i
		if err := b.AppendWithReadback([]byte{0x39, 0, 0, 0x11}, 1, Observer{
			Kind:   KindByte,
			Dst:    dst[i : i+1],
			NBytes: 1,
		}); err != nil {
			t.Fatal(err)
		}
		order = append(order, i)
	}
	if err := b.Flush(); err != nil {
		t.Fatal(err)
	}
	for i, want := range order {
		if dst[i] != 0xA0+byte(i) {
			t.Fatalf("observer %d did not fire correctly: %#x", want, dst[i])
		}
	}
}

func TestFlushNoRXDoesNotBlock(t *testing.T) {
	ft := &fakeTransport{echo: func(tx []byte) []byte { return nil }}
	b := NewBuilder(ft, 65536)
	if err := b.Append([]byte{OpLoopbackDisable}); err != nil {
		t.Fatal(err)
	}
	if err := b.Flush(); err != nil {
		t.Fatalf("Flush with zero RX reservation blocked/erred: %v", err)
	}
}

func TestEarlyFlushTriggers(t *testing.T) {
	flushes := 0
	ft := &fakeTransport{echo: func(tx []byte) []byte {
		flushes++
		return nil
	}}
	b := NewBuilder(ft, 1024) // small chip for test purposes
	big := make([]byte, 960) // earlyFlush = 1024 - 1024/16
	if err := b.Append(big); err != nil {
		t.Fatal(err)
	}
	if err := b.Append([]byte{0x01}); err != nil {
		t.Fatal(err)
	}
	if flushes == 0 {
		t.Fatalf("expected an early flush before TX cap was reached")
	}
}

func TestEmitTMSRead(t *testing.T) {
	ft := &fakeTransport{echo: func(tx []byte) []byte { return []byte{0x80} }} // bit 7 set
	b := NewBuilder(ft, 65536)
	dst := make([]byte, 1)
	if err := b.EmitTMSRead(0, 1, dst, 3); err != nil {
		t.Fatal(err)
	}
	if err := b.Flush(); err != nil {
		t.Fatal(err)
	}
	if dst[0] != 0x08 {
		t.Fatalf("got %#08b want bit 3 set", dst[0])
	}
}
