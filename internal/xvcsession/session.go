// Copyright 2024 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package xvcsession implements the three-command Xilinx Virtual Cable wire
// protocol on top of one already-accepted TCP connection: getinfo, settck,
// shift. One Session owns its own TMS/TDI/TDO vector buffers, sized from
// the instance's negotiated vector cap, and drives an internal/scanplan
// run per shift command against a shared internal/mpsse.Builder.
package xvcsession

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/sirupsen/logrus"

	"github.com/anshi233/xvc-server-d2xx/internal/mpsse"
	"github.com/anshi233/xvc-server-d2xx/internal/scanplan"
	"github.com/anshi233/xvc-server-d2xx/internal/tap"
	"github.com/anshi233/xvc-server-d2xx/internal/xvcerr"
)

// SetFrequencyFunc programs the instance's transport to the requested
// frequency and reports what was actually realized. Session never touches
// the transport directly; it only ever asks for a new frequency through
// this hook, which the instance controller binds to its ftditransport.
type SetFrequencyFunc func(hz uint32) (realizedHz uint32, err error)

// quirk signatures: known bogus state-movement shift requests Vivado's
// hardware manager occasionally issues, that must be answered with zero
// TDO and no TAP advance rather than forwarded to the chip.
const (
	quirkExit1IRNBits  = 5
	quirkExit1IRTMS0   = 0x17
	quirkExit1DRNBits  = 4
	quirkExit1DRTMS0   = 0x0b
)

// Session serves XVC commands on one connection until EOF or a fatal
// error. It is not safe for concurrent use; an instance runs at most one
// session at a time by construction.
type Session struct {
	conn net.Conn
	b    *mpsse.Builder

	state   tap.State
	lastTDI byte
	seenTLR bool

	vectorCapBytes int
	staticFreqHz   uint32 // 0 means "no static frequency, honor client's settck"
	setFrequency   SetFrequencyFunc

	tmsBuf []byte
	tdiBuf []byte
	tdoBuf []byte

	log *logrus.Entry
}

// New creates a session bound to conn. vectorCapBytes must already be
// clamped to 262144 by the caller; b splits a vector of that size across as
// many chip transactions as its RX capacity requires.
func New(conn net.Conn, b *mpsse.Builder, vectorCapBytes int, staticFreqHz uint32, setFreq SetFrequencyFunc, log *logrus.Entry) *Session {
	return &Session{
		conn:           conn,
		b:              b,
		state:          tap.TestLogicReset,
		vectorCapBytes: vectorCapBytes,
		staticFreqHz:   staticFreqHz,
		setFrequency:   setFreq,
		tmsBuf:         make([]byte, vectorCapBytes),
		tdiBuf:         make([]byte, vectorCapBytes),
		tdoBuf:         make([]byte, vectorCapBytes),
		log:            log,
	}
}

// Serve reads and answers commands until the client disconnects or a
// protocol/transport error occurs. It never returns a nil error on a
// transport-fatal condition: callers should check with errors.As against
// *xvcerr.TransportError to decide whether the whole instance must exit.
func (s *Session) Serve() error {
	for {
		var prefix [2]byte
		if _, err := io.ReadFull(s.conn, prefix[:]); err != nil {
			if err == io.EOF {
				return nil
			}
			return &xvcerr.ProtocolError{Op: "read command prefix", Err: err}
		}
		var err error
		switch string(prefix[:]) {
		case "ge":
			err = s.handleGetInfo()
		case "se":
			err = s.handleSetTCK()
		case "sh":
			err = s.handleShift()
		default:
			return &xvcerr.ProtocolError{Op: fmt.Sprintf("unknown command prefix %q", prefix)}
		}
		if err != nil {
			return err
		}
	}
}

func (s *Session) readLiteral(want string) error {
	buf := make([]byte, len(want))
	if _, err := io.ReadFull(s.conn, buf); err != nil {
		return &xvcerr.ProtocolError{Op: "read command literal", Err: err}
	}
	if string(buf) != want {
		return &xvcerr.ProtocolError{Op: fmt.Sprintf("malformed command, expected %q got %q", want, buf)}
	}
	return nil
}

// handleGetInfo answers "getinfo:" with the negotiated vector cap.
func (s *Session) handleGetInfo() error {
	if err := s.readLiteral("tinfo:"); err != nil {
		return err
	}
	resp := fmt.Sprintf("xvcServer_v1.0:%d\n", s.vectorCapBytes)
	if _, err := s.conn.Write([]byte(resp)); err != nil {
		return &xvcerr.ProtocolError{Op: "write getinfo response", Err: err}
	}
	return nil
}

// handleSetTCK answers "settck:<period_ns>" with the realized period. If
// the instance has a static frequency configured, the client's requested
// period is ignored.
func (s *Session) handleSetTCK() error {
	if err := s.readLiteral("ttck:"); err != nil {
		return err
	}
	var periodBuf [4]byte
	if _, err := io.ReadFull(s.conn, periodBuf[:]); err != nil {
		return &xvcerr.ProtocolError{Op: "read settck period", Err: err}
	}
	periodNs := binary.LittleEndian.Uint32(periodBuf[:])

	var realizedHz uint32
	if s.staticFreqHz != 0 {
		hz, err := s.setFrequency(s.staticFreqHz)
		if err != nil {
			return &xvcerr.TransportError{Op: "set static frequency", Err: err}
		}
		realizedHz = hz
	} else {
		if periodNs == 0 {
			// period_ns=0 is undefined by XVC; clamp to the chip's fastest
			// representable frequency rather than dividing by zero.
			periodNs = 1
		}
		requestedHz := uint32(1_000_000_000 / uint64(periodNs))
		hz, err := s.setFrequency(requestedHz)
		if err != nil {
			return &xvcerr.TransportError{Op: "set frequency", Err: err}
		}
		realizedHz = hz
	}

	var realizedPeriodNs uint32
	if realizedHz != 0 {
		realizedPeriodNs = uint32(1_000_000_000 / uint64(realizedHz))
	}
	var out [4]byte
	binary.LittleEndian.PutUint32(out[:], realizedPeriodNs)
	if _, err := s.conn.Write(out[:]); err != nil {
		return &xvcerr.ProtocolError{Op: "write settck response", Err: err}
	}
	return nil
}

// handleShift answers "shift:<nbits><tms><tdi>" with ceil(nbits/8) bytes of
// TDO.
func (s *Session) handleShift() error {
	if err := s.readLiteral("ift:"); err != nil {
		return err
	}
	var nbitsBuf [4]byte
	if _, err := io.ReadFull(s.conn, nbitsBuf[:]); err != nil {
		return &xvcerr.ProtocolError{Op: "read shift nbits", Err: err}
	}
	nbits := int(binary.LittleEndian.Uint32(nbitsBuf[:]))
	nbytes := (nbits + 7) / 8
	if nbytes > s.vectorCapBytes {
		return &xvcerr.ProtocolError{Op: fmt.Sprintf("shift of %d bytes exceeds vector cap %d", nbytes, s.vectorCapBytes)}
	}

	tms := s.tmsBuf[:nbytes]
	tdi := s.tdiBuf[:nbytes]
	tdo := s.tdoBuf[:nbytes]
	if _, err := io.ReadFull(s.conn, tms); err != nil {
		return &xvcerr.ProtocolError{Op: "read shift tms", Err: err}
	}
	if _, err := io.ReadFull(s.conn, tdi); err != nil {
		return &xvcerr.ProtocolError{Op: "read shift tdi", Err: err}
	}
	for i := range tdo {
		tdo[i] = 0
	}

	s.updateSeenTLR(tms, nbits)

	if nbits > 0 && s.matchesQuirk(nbits, tms) {
		skip := &xvcerr.QuirkSkip{Signature: fmt.Sprintf("%s/nbits=%d/tms0=0x%02x", s.state, nbits, tms[0])}
		s.log.WithFields(logrus.Fields{"state": s.state.String(), "nbits": nbits}).Debug(skip.Error())
	} else {
		newState, newLastTDI, err := scanplan.Run(s.b, s.state, s.lastTDI, tms, tdi, tdo, nbits)
		if err != nil {
			return &xvcerr.TransportError{Op: "run scan", Err: err}
		}
		s.state = newState
		s.lastTDI = newLastTDI
	}

	if _, err := s.conn.Write(tdo); err != nil {
		return &xvcerr.ProtocolError{Op: "write shift response", Err: err}
	}
	return nil
}

// updateSeenTLR walks the pending TMS bits against a side-channel copy of
// the TAP state to maintain the seen_tlr flag, even when the quirk filter
// below ends up discarding the scan itself.
func (s *Session) updateSeenTLR(tms []byte, nbits int) {
	walk := s.state
	for i := 0; i < nbits; i++ {
		bit := (tms[i/8] >> uint(i%8)) & 1
		walk = tap.Step(walk, bit)
		if walk == tap.TestLogicReset {
			s.seenTLR = true
		} else if tap.IsCapture(walk) {
			s.seenTLR = false
		}
	}
}

func (s *Session) matchesQuirk(nbits int, tms []byte) bool {
	tms0 := tms[0]
	switch {
	case s.state == tap.Exit1IR && nbits == quirkExit1IRNBits && tms0 == quirkExit1IRTMS0:
		return true
	case s.state == tap.Exit1DR && nbits == quirkExit1DRNBits && tms0 == quirkExit1DRTMS0:
		return true
	default:
		return false
	}
}
