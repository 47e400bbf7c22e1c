// Copyright 2024 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package ftditransport

import (
	"testing"
	"time"

	"periph.io/x/conn/v3/physic"
	"periph.io/x/d2xx"

	"github.com/anshi233/xvc-server-d2xx/internal/mpsse"
)

// fakeDevice is a hand-rolled double for the device interface: it records
// the MPSSE configuration sequence and serves reads from a byte queue so
// Write/ReadFull/SetFrequency can be exercised without real hardware.
type fakeDevice struct {
	writes    [][]byte
	rxQueue   []byte
	bitMode   byte
	eeSerial  string
	resetErrs int
}

func (f *fakeDevice) Close() d2xx.Err { return 0 }

func (f *fakeDevice) GetDeviceInfo() (uint32, uint16, uint16, d2xx.Err) {
	return 0x700, 0x0403, 0x6010, 0
}

func (f *fakeDevice) ResetDevice() d2xx.Err { return 0 }

func (f *fakeDevice) SetUSBParameters(in, out int) d2xx.Err { return 0 }

func (f *fakeDevice) SetTimeouts(readMS, writeMS int) d2xx.Err { return 0 }

func (f *fakeDevice) SetLatencyTimer(ms byte) d2xx.Err { return 0 }

func (f *fakeDevice) SetBitMode(mask, mode byte) d2xx.Err {
	f.bitMode = mode
	return 0
}

func (f *fakeDevice) GetQueueStatus() (uint32, d2xx.Err) {
	return uint32(len(f.rxQueue)), 0
}

func (f *fakeDevice) Read(b []byte) (int, d2xx.Err) {
	n := copy(b, f.rxQueue)
	f.rxQueue = f.rxQueue[n:]
	return n, 0
}

func (f *fakeDevice) Write(b []byte) (int, d2xx.Err) {
	cp := make([]byte, len(b))
	copy(cp, b)
	f.writes = append(f.writes, cp)
	return len(b), 0
}

func (f *fakeDevice) EEPROMRead(devType uint32, ee *d2xx.EEPROM) d2xx.Err {
	ee.Serial = f.eeSerial
	return 0
}

func newTestTransport() (*Transport, *fakeDevice) {
	f := &fakeDevice{}
	return &Transport{h: f, readTimeout: 50 * time.Millisecond}, f
}

func TestConfigureSendsMPSSEPreamble(t *testing.T) {
	tr, f := newTestTransport()
	if err := tr.Configure(2 * time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if f.bitMode != byte(bitModeMpsse) {
		t.Fatalf("bit mode = 0x%02x, want MPSSE", f.bitMode)
	}
	if len(f.writes) == 0 {
		t.Fatal("expected a preamble write")
	}
	last := f.writes[len(f.writes)-1]
	if last[0] != mpsse.OpLoopbackDisable {
		t.Fatalf("preamble first opcode = 0x%02x, want OpLoopbackDisable", last[0])
	}
}

func TestSetFrequencyComputesDivisor(t *testing.T) {
	tr, f := newTestTransport()
	got, err := tr.SetFrequency(15 * physic.MegaHertz)
	if err != nil {
		t.Fatal(err)
	}
	if got != 15*physic.MegaHertz {
		t.Fatalf("realized frequency = %s, want 15MHz (divisor 2 of 30MHz base)", got)
	}
	last := f.writes[len(f.writes)-1]
	if last[0] != mpsse.OpClockSetDivisor || last[1] != 1 || last[2] != 0 {
		t.Fatalf("divisor bytes = %v, want [op, 1, 0]", last)
	}
}

func TestSetFrequencyClampsAboveMax(t *testing.T) {
	tr, _ := newTestTransport()
	got, err := tr.SetFrequency(1000 * physic.MegaHertz)
	if err != nil {
		t.Fatal(err)
	}
	if got != baseClock {
		t.Fatalf("realized frequency = %s, want base clock for an unreachable high request", got)
	}
}

func TestWriteLoopsUntilComplete(t *testing.T) {
	tr, f := newTestTransport()
	payload := []byte{1, 2, 3, 4}
	if err := tr.Write(payload); err != nil {
		t.Fatal(err)
	}
	if len(f.writes) != 1 || len(f.writes[0]) != 4 {
		t.Fatalf("writes = %v", f.writes)
	}
}

func TestReadFullBlocksUntilQueued(t *testing.T) {
	tr, f := newTestTransport()
	want := []byte{0xaa, 0xbb, 0xcc}
	f.rxQueue = want
	got := make([]byte, len(want))
	if err := tr.ReadFull(got); err != nil {
		t.Fatal(err)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("byte %d = 0x%02x, want 0x%02x", i, got[i], want[i])
		}
	}
}

func TestReadFullTimesOutWithNoData(t *testing.T) {
	tr, _ := newTestTransport()
	tr.readTimeout = 20 * time.Millisecond
	got := make([]byte, 4)
	if err := tr.ReadFull(got); err == nil {
		t.Fatal("expected a timeout error when no bytes ever arrive")
	}
}

func TestOpenBySerialMatches(t *testing.T) {
	// openBySerial iterates d2xx.CreateDeviceInfoList/d2xx.Open directly, so
	// it isn't reachable through the fakeDevice double here; this exercises
	// only the EEPROM-serial-comparison logic shape via a direct fake.
	f := &fakeDevice{eeSerial: "FT1ABCDE"}
	var ee d2xx.EEPROM
	if e := f.EEPROMRead(0x700, &ee); e != 0 || ee.Serial != "FT1ABCDE" {
		t.Fatalf("serial = %q, err = %v", ee.Serial, e)
	}
}
