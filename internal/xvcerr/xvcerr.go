// Copyright 2024 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package xvcerr names the three ways a running session can fail, so
// callers up the stack (the instance controller) can tell a malformed
// client request apart from a dead USB link apart from a scan this bridge
// deliberately declines to forward.
package xvcerr

import "fmt"

// ProtocolError means the client sent something the XVC wire format
// doesn't allow: an unrecognized command prefix, a vector longer than the
// negotiated cap, a short write on the socket. The session that produced
// it must be closed; other sessions are unaffected.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("xvc: protocol error: %s", e.Op)
	}
	return fmt.Sprintf("xvc: protocol error: %s: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// TransportError means the FTDI link itself failed: a short write, a read
// timeout, a driver call returning a nonzero d2xx status. This is fatal
// for the whole instance, not just the current session, since the adapter
// may now be in an indeterminate state.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("xvc: transport error: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// QuirkSkip is not a failure: it records that a scan matched one of the
// known Vivado hardware-manager quirk signatures and was answered locally
// rather than forwarded to the adapter. Session code uses this to decide
// whether to log at debug level instead of treating the scan as unusual.
type QuirkSkip struct {
	Signature string
}

func (e *QuirkSkip) Error() string {
	return fmt.Sprintf("xvc: quirk skip: %s", e.Signature)
}
