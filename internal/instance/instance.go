// Copyright 2024 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package instance owns one FTDI adapter end to end: opening it,
// configuring MPSSE, running the TCP accept loop, and enforcing the
// single-session-per-adapter invariant with an IP-address stickiness
// lock so a paused debugger can reconnect without losing the adapter to a
// competing client.
package instance

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"periph.io/x/conn/v3/physic"

	"github.com/anshi233/xvc-server-d2xx/internal/ftditransport"
	"github.com/anshi233/xvc-server-d2xx/internal/mpsse"
	"github.com/anshi233/xvc-server-d2xx/internal/xvcerr"
	"github.com/anshi233/xvc-server-d2xx/internal/xvcsession"
)

// ftdiRXCap is the canonical HS2/FT2232H per-transaction read-back limit:
// the MPSSE command builder flushes before a scan's reserved RX would
// exceed it.
const ftdiRXCap = 65536

// Config is everything one instance needs to run, already defaulted and
// clamped by internal/config. It has no notion of where it came from.
type Config struct {
	ListenPort         int
	DeviceSelector     ftditransport.Selector
	FrequencyHz        uint32
	StaticFrequencyHz  *uint32 // nil: honor client settck requests; non-nil: pin frequency
	LatencyMs          int
	VectorCapBytes     int
	ClientLockTimeoutS int
	IPFilter           func(net.IP) bool // nil: accept all peers
}

// Instance runs one adapter's accept loop until its context is canceled or
// a transport-fatal error forces it to exit.
type Instance struct {
	cfg Config
	log *logrus.Entry

	transport *ftditransport.Transport
	fatalCh   chan error

	mu            sync.Mutex
	sessionActive bool
	lockedIP      net.IP
	lockUntil     time.Time
}

// New prepares an instance; it performs no I/O until Run is called.
func New(cfg Config, log *logrus.Entry) *Instance {
	return &Instance{cfg: cfg, log: log, fatalCh: make(chan error, 1)}
}

// Run opens the adapter, brings up MPSSE, binds the listener, and serves
// connections until ctx is canceled (clean shutdown, nil error) or a
// transport-fatal session error forces the instance down (non-nil error;
// the caller exits the process non-zero).
func (in *Instance) Run(ctx context.Context) error {
	t, err := ftditransport.Open(in.cfg.DeviceSelector, in.log)
	if err != nil {
		return fmt.Errorf("instance: open adapter: %w", err)
	}
	in.transport = t
	if err := t.Configure(time.Duration(in.cfg.LatencyMs) * time.Millisecond); err != nil {
		_ = t.Close()
		return fmt.Errorf("instance: configure MPSSE: %w", err)
	}
	if _, err := t.SetFrequency(physic.Frequency(in.cfg.FrequencyHz) * physic.Hertz); err != nil {
		_ = t.Close()
		return fmt.Errorf("instance: set initial frequency: %w", err)
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", in.cfg.ListenPort))
	if err != nil {
		_ = t.Close()
		return fmt.Errorf("instance: listen on port %d: %w", in.cfg.ListenPort, err)
	}

	in.log.WithFields(logrus.Fields{"port": in.cfg.ListenPort, "selector": in.cfg.DeviceSelector.String()}).Info("instance: ready")

	acceptErr := make(chan error, 1)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				acceptErr <- err
				return
			}
			go in.handleConn(conn)
		}
	}()

	select {
	case <-ctx.Done():
		_ = ln.Close()
		_ = t.Close()
		return nil
	case err := <-acceptErr:
		_ = t.Close()
		return &xvcerr.TransportError{Op: "accept", Err: err}
	case err := <-in.fatalCh:
		_ = ln.Close()
		_ = t.Close()
		return err
	}
}

func (in *Instance) handleConn(conn net.Conn) {
	peerIP := hostIP(conn.RemoteAddr())
	if ok, reason := in.evaluateAccept(peerIP); !ok {
		in.log.WithField("peer", peerIP).Debugf("instance: rejecting connect: %s", reason)
		_ = conn.Close()
		return
	}
	defer func() {
		_ = conn.Close()
		in.sessionEnded(peerIP)
	}()

	log := in.log.WithField("peer", peerIP)
	log.Info("instance: session started")

	b := mpsse.NewBuilder(in.transport, ftdiRXCap)
	setFreq := func(hz uint32) (uint32, error) {
		realized, err := in.transport.SetFrequency(physic.Frequency(hz) * physic.Hertz)
		return uint32(realized / physic.Hertz), err
	}
	var staticHz uint32
	if in.cfg.StaticFrequencyHz != nil {
		staticHz = *in.cfg.StaticFrequencyHz
	}
	sess := xvcsession.New(conn, b, in.cfg.VectorCapBytes, staticHz, setFreq, log)

	err := sess.Serve()
	if err == nil {
		log.Info("instance: session ended")
		return
	}
	log.WithError(err).Warn("instance: session ended with error")
	var te *xvcerr.TransportError
	if errors.As(err, &te) {
		in.fatal(fmt.Errorf("instance: %w", err))
	}
}

func (in *Instance) fatal(err error) {
	select {
	case in.fatalCh <- err:
	default:
	}
}

// evaluateAccept decides whether a new connection may claim the adapter: it
// rejects peers the IP filter excludes, rejects a second concurrent
// session, and rejects anyone but the lock holder while a lock window from
// a prior session is still open.
func (in *Instance) evaluateAccept(peerIP net.IP) (bool, string) {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.cfg.IPFilter != nil && !in.cfg.IPFilter(peerIP) {
		return false, "ip filter"
	}
	if in.sessionActive {
		return false, "adapter busy"
	}
	now := time.Now()
	if !in.lockUntil.IsZero() {
		if now.Before(in.lockUntil) {
			if !peerIP.Equal(in.lockedIP) {
				return false, "locked to a different client ip"
			}
		} else {
			// An expired lock is cleared on the connect that observes it.
			in.lockedIP = nil
			in.lockUntil = time.Time{}
		}
	}

	in.sessionActive = true
	if in.lockUntil.IsZero() && in.cfg.ClientLockTimeoutS > 0 {
		in.lockedIP = peerIP
	}
	return true, ""
}

// sessionEnded refreshes the lock window so the same client may reconnect
// within T seconds without losing the adapter to a competing client.
func (in *Instance) sessionEnded(peerIP net.IP) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.sessionActive = false
	if in.cfg.ClientLockTimeoutS > 0 {
		in.lockedIP = peerIP
		in.lockUntil = time.Now().Add(time.Duration(in.cfg.ClientLockTimeoutS) * time.Second)
	}
}

func hostIP(addr net.Addr) net.IP {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return nil
	}
	return net.ParseIP(host)
}
