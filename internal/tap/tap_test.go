// Copyright 2024 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package tap

import (
	"math/rand"
	"testing"
)

// TestTAPRoundTrip checks that for any random TMS sequence, repeated Step
// calls reach the same state as Fold does from the same starting state.
func TestTAPRoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	for trial := 0; trial < 200; trial++ {
		n := r.Intn(64)
		bits := make([]byte, n)
		for i := range bits {
			bits[i] = byte(r.Intn(2))
		}
		state := TestLogicReset
		for _, b := range bits {
			state = Step(state, b)
		}
		if want := Fold(TestLogicReset, bits); state != want {
			t.Fatalf("trial %d: Step-by-step = %v, Fold = %v", trial, state, want)
		}
	}
}

func TestResetFromAnyState(t *testing.T) {
	for s := State(0); s < numStates; s++ {
		st := s
		for i := 0; i < 5; i++ {
			st = Step(st, 1)
		}
		if st != TestLogicReset {
			t.Fatalf("from %v: 5 TMS=1 did not reach Test-Logic-Reset, got %v", s, st)
		}
	}
}

func TestIsShift(t *testing.T) {
	for s := State(0); s < numStates; s++ {
		want := s == ShiftDR || s == ShiftIR
		if got := IsShift(s); got != want {
			t.Fatalf("IsShift(%v) = %v, want %v", s, got, want)
		}
	}
}

func TestKnownPath(t *testing.T) {
	// Test-Logic-Reset -> Run-Test/Idle -> Select-DR -> Capture-DR -> Shift-DR
	s := TestLogicReset
	seq := []struct {
		tms  byte
		want State
	}{
		{0, RunTestIdle},
		{1, SelectDRScan},
		{0, CaptureDR},
		{0, ShiftDR},
		{0, ShiftDR},
		{1, Exit1DR},
		{1, UpdateDR},
	}
	for i, step := range seq {
		s = Step(s, step.tms)
		if s != step.want {
			t.Fatalf("step %d: got %v want %v", i, s, step.want)
		}
	}
}
