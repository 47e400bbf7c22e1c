// Copyright 2024 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package ftditransport models the vendor FTDI driver as a blocking byte
// stream endpoint: write, read_available, read(n, timeout), set_bitmode,
// reset, purge, set_usb_transfer_size, set_timeouts. It wraps the d2xx
// vendor driver narrowly enough to drive an FT2232H-class chip's MPSSE
// engine for JTAG bit-banging, nothing more.
package ftditransport

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/d2xx"

	"github.com/anshi233/xvc-server-d2xx/internal/mpsse"
)

// bitMode mirrors the subset of FT_SetBitMode modes MPSSE bring-up needs;
// the full vendor enumeration has many more.
type bitMode byte

const (
	bitModeReset bitMode = 0x00
	bitModeMpsse bitMode = 0x02
)

// Selector identifies exactly one FTDI device to open: a serial number
// string, a device index, or a bus-location tuple. Matching is first-match,
// in that priority order, if more than one field is set (callers should
// set exactly one).
type Selector struct {
	Serial string
	Index  *int
	Bus    *int
	Addr   *int
}

func (s Selector) String() string {
	switch {
	case s.Serial != "":
		return fmt.Sprintf("serial:%s", s.Serial)
	case s.Index != nil:
		return fmt.Sprintf("index:%d", *s.Index)
	case s.Bus != nil && s.Addr != nil:
		return fmt.Sprintf("bus:%d:%d", *s.Bus, *s.Addr)
	default:
		return "unset"
	}
}

// device is the narrow slice of d2xx.Handle this transport actually drives.
// Declaring it locally, rather than storing a d2xx.Handle directly, lets
// tests substitute a fake without needing to implement d2xx.Handle's full
// EEPROM-programming and CBUS surface.
type device interface {
	Close() d2xx.Err
	GetDeviceInfo() (uint32, uint16, uint16, d2xx.Err)
	ResetDevice() d2xx.Err
	SetUSBParameters(in, out int) d2xx.Err
	SetTimeouts(readMS, writeMS int) d2xx.Err
	SetLatencyTimer(ms byte) d2xx.Err
	SetBitMode(mask, mode byte) d2xx.Err
	GetQueueStatus() (uint32, d2xx.Err)
	Read(b []byte) (int, d2xx.Err)
	Write(b []byte) (int, d2xx.Err)
	EEPROMRead(devType uint32, ee *d2xx.EEPROM) d2xx.Err
}

// Transport owns one exclusively-opened FTDI handle for the lifetime of an
// Instance. It implements mpsse.Transport so an mpsse.Builder can drive it
// directly.
type Transport struct {
	h   device
	log *logrus.Entry

	// readTimeout bounds ReadFull's spin loop; a read that produces no
	// data for this long is treated as a broken link to the chip.
	readTimeout time.Duration
}

// Open exclusively opens the first device matching sel.
func Open(sel Selector, log *logrus.Entry) (*Transport, error) {
	num, e := d2xx.CreateDeviceInfoList()
	if e != 0 {
		return nil, fmt.Errorf("ftditransport: enumerate devices: %s", e.String())
	}
	switch {
	case sel.Serial != "":
		return openBySerial(num, sel.Serial, log)
	case sel.Index != nil:
		return openByIndex(*sel.Index, log)
	case sel.Bus != nil && sel.Addr != nil:
		// The d2xx binding this repo targets exposes serial number and
		// index only; it has no USB bus/address enumeration call (unlike
		// gousb's DeviceDesc.Bus/Address used in cmd/xvc-discover). A
		// bus-location selector therefore cannot be resolved through this
		// driver surface.
		return nil, errors.New("ftditransport: bus-location selector is not supported by the d2xx binding")
	default:
		return nil, errors.New("ftditransport: no selector field set")
	}
}

func openByIndex(i int, log *logrus.Entry) (*Transport, error) {
	h, e := d2xx.Open(i)
	if e != 0 {
		return nil, fmt.Errorf("ftditransport: open index %d: %s", i, e.String())
	}
	return &Transport{h: h, log: log, readTimeout: 500 * time.Millisecond}, nil
}

func openBySerial(num int, serial string, log *logrus.Entry) (*Transport, error) {
	for i := 0; i < num; i++ {
		h, e := d2xx.Open(i)
		if e != 0 {
			continue
		}
		ee := d2xx.EEPROM{Raw: make([]byte, 256)}
		t, _, _, _ := h.GetDeviceInfo()
		if eerr := h.EEPROMRead(t, &ee); eerr == 0 && ee.Serial == serial {
			return &Transport{h: h, log: log, readTimeout: 500 * time.Millisecond}, nil
		}
		_ = h.Close()
	}
	return nil, fmt.Errorf("ftditransport: no device with serial %q", serial)
}

// Configure performs the full MPSSE bring-up sequence: reset, purge, USB
// transfer size, timeouts, force out of any prior bit mode, enable MPSSE,
// drain residual bytes, then the MPSSE preamble that sets TCK=0, TDI=0,
// TMS=1, TDO=input.
func (t *Transport) Configure(latency time.Duration) error {
	if e := t.h.ResetDevice(); e != 0 {
		return fmt.Errorf("ftditransport: reset: %s", e.String())
	}
	if err := t.Purge(); err != nil {
		return err
	}
	if e := t.h.SetUSBParameters(65536, 65536); e != 0 {
		return fmt.Errorf("ftditransport: set USB transfer size: %s", e.String())
	}
	// Generous read/write timeouts: the XVC client, not this transport,
	// owns the real per-request deadline (ReadFull's own spin-timeout below
	// fires long before this would).
	if e := t.h.SetTimeouts(3000, 3000); e != 0 {
		return fmt.Errorf("ftditransport: set timeouts: %s", e.String())
	}
	ms := byte(latency / time.Millisecond)
	if ms == 0 {
		ms = 2
	}
	if e := t.h.SetLatencyTimer(ms); e != 0 {
		return fmt.Errorf("ftditransport: set latency timer: %s", e.String())
	}
	if e := t.h.SetBitMode(0, byte(bitModeReset)); e != 0 {
		return fmt.Errorf("ftditransport: drop bit mode: %s", e.String())
	}
	if e := t.h.SetBitMode(0, byte(bitModeMpsse)); e != 0 {
		return fmt.Errorf("ftditransport: enable MPSSE: %s", e.String())
	}
	if err := t.Purge(); err != nil {
		return err
	}
	preamble := []byte{
		mpsse.OpLoopbackDisable,
		mpsse.OpClockSetDivisor, 0, 0, // initial divisor: fastest, overwritten by SetFrequency
		mpsse.OpClockDivBy5Disable,
		mpsse.OpGPIOSetLow, 0x08, 0x0B,
	}
	if err := t.Write(preamble); err != nil {
		return fmt.Errorf("ftditransport: MPSSE preamble: %w", err)
	}
	if t.log != nil {
		t.log.Debug("ftdi: MPSSE configured")
	}
	return nil
}

// baseClock is the FT2232H's MPSSE clock source with the 5x divide-by
// disabled.
const baseClock physic.Frequency = 30 * physic.MegaHertz

// SetFrequency computes the smallest clock divisor whose frequency does not
// exceed hz (ceiling division of the base clock), clamps it to the
// chip's representable range, programs it, and returns the realized
// frequency. Requests below the minimum representable frequency are
// clamped up; requests above the chip maximum are clamped down.
func (t *Transport) SetFrequency(hz physic.Frequency) (physic.Frequency, error) {
	if hz <= 0 {
		hz = 1 * physic.Hertz
	}
	div := (baseClock + hz - 1) / hz
	if div < 1 {
		div = 1
	}
	if div > 0xFFFF {
		div = 0xFFFF
	}
	cmd := []byte{
		mpsse.OpClockSetDivisor, byte(div - 1), byte((div - 1) >> 8),
		mpsse.OpClockDivBy5Disable,
	}
	if err := t.Write(cmd); err != nil {
		return 0, fmt.Errorf("ftditransport: set frequency: %w", err)
	}
	return baseClock / div, nil
}

// Purge drains the read buffer by reading until no bytes remain. It does
// not clear the device's transmit FIFO.
func (t *Transport) Purge() error {
	var buf [128]byte
	for {
		n, e := t.h.Read(buf[:])
		if e != 0 {
			return fmt.Errorf("ftditransport: purge: %s", e.String())
		}
		if n == 0 {
			return nil
		}
	}
}

// Write blocks until all of p has been written to the device. A short
// write with no further progress means the chip or its USB link is gone,
// which is fatal for the whole instance, not just the current session.
func (t *Transport) Write(p []byte) error {
	for offset := 0; offset != len(p); {
		n, e := t.h.Write(p[offset:])
		if e != 0 {
			return fmt.Errorf("ftditransport: write: %s", e.String())
		}
		if n == 0 {
			return errors.New("ftditransport: write: partial write with no progress")
		}
		offset += n
	}
	return nil
}

// ReadFull blocks until exactly len(p) bytes have been read, spinning on
// rx_available with short sleeps. A read that makes no progress for
// readTimeout (default 500ms) means the chip stopped responding and is a
// fatal transport error for the whole instance.
func (t *Transport) ReadFull(p []byte) error {
	offset := 0
	waited := time.Duration(0)
	const pollInterval = 2 * time.Millisecond
	for offset < len(p) {
		avail, e := t.h.GetQueueStatus()
		if e != 0 {
			return fmt.Errorf("ftditransport: read: queue status: %s", e.String())
		}
		if avail == 0 {
			time.Sleep(pollInterval)
			waited += pollInterval
			if waited >= t.readTimeout {
				return fmt.Errorf("ftditransport: read: timed out after %s with %d/%d bytes", t.readTimeout, offset, len(p))
			}
			continue
		}
		waited = 0
		want := int(avail)
		if remain := len(p) - offset; want > remain {
			want = remain
		}
		n, e := t.h.Read(p[offset : offset+want])
		if e != 0 {
			return fmt.Errorf("ftditransport: read: %s", e.String())
		}
		offset += n
	}
	return nil
}

// Close releases the underlying device handle.
func (t *Transport) Close() error {
	if e := t.h.Close(); e != 0 {
		return fmt.Errorf("ftditransport: close: %s", e.String())
	}
	return nil
}

var _ mpsse.Transport = (*Transport)(nil)
