// Copyright 2024 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package tap implements the IEEE 1149.1 JTAG TAP controller as a pure,
// total state machine: sixteen states, one TMS-bit transition function.
package tap

// State is one of the sixteen TAP controller states.
type State uint8

const (
	TestLogicReset State = iota
	RunTestIdle
	SelectDRScan
	CaptureDR
	ShiftDR
	Exit1DR
	PauseDR
	Exit2DR
	UpdateDR
	SelectIRScan
	CaptureIR
	ShiftIR
	Exit1IR
	PauseIR
	Exit2IR
	UpdateIR

	numStates
)

func (s State) String() string {
	if int(s) >= len(names) {
		return "invalid"
	}
	return names[s]
}

var names = [numStates]string{
	TestLogicReset: "Test-Logic-Reset",
	RunTestIdle:    "Run-Test/Idle",
	SelectDRScan:   "Select-DR-Scan",
	CaptureDR:      "Capture-DR",
	ShiftDR:        "Shift-DR",
	Exit1DR:        "Exit1-DR",
	PauseDR:        "Pause-DR",
	Exit2DR:        "Exit2-DR",
	UpdateDR:       "Update-DR",
	SelectIRScan:   "Select-IR-Scan",
	CaptureIR:      "Capture-IR",
	ShiftIR:        "Shift-IR",
	Exit1IR:        "Exit1-IR",
	PauseIR:        "Pause-IR",
	Exit2IR:        "Exit2-IR",
	UpdateIR:       "Update-IR",
}

// next[state][tms] is the standard IEEE 1149.1 TAP transition table.
var next = [numStates][2]State{
	TestLogicReset: {RunTestIdle, TestLogicReset},
	RunTestIdle:    {RunTestIdle, SelectDRScan},
	SelectDRScan:   {CaptureDR, SelectIRScan},
	CaptureDR:      {ShiftDR, Exit1DR},
	ShiftDR:        {ShiftDR, Exit1DR},
	Exit1DR:        {PauseDR, UpdateDR},
	PauseDR:        {PauseDR, Exit2DR},
	Exit2DR:        {ShiftDR, UpdateDR},
	UpdateDR:       {RunTestIdle, SelectDRScan},
	SelectIRScan:   {CaptureIR, TestLogicReset},
	CaptureIR:      {ShiftIR, Exit1IR},
	ShiftIR:        {ShiftIR, Exit1IR},
	Exit1IR:        {PauseIR, UpdateIR},
	PauseIR:        {PauseIR, Exit2IR},
	Exit2IR:        {ShiftIR, UpdateIR},
	UpdateIR:       {RunTestIdle, SelectDRScan},
}

// Step advances state by one TMS bit (0 or nonzero).
func Step(state State, tmsBit byte) State {
	if tmsBit != 0 {
		return next[state][1]
	}
	return next[state][0]
}

// Fold applies every TMS bit in tms, in order, starting from state. It is
// the reference definition Step is checked against: for any sequence, the
// state reached by repeated Step calls must equal Fold(state, tms).
func Fold(state State, tmsBits []byte) State {
	for _, b := range tmsBits {
		state = Step(state, b)
	}
	return state
}

// IsShift reports whether state is Shift-DR or Shift-IR, the only two
// states in which the scan planner emits data-clock opcodes.
func IsShift(state State) bool {
	return state == ShiftDR || state == ShiftIR
}

// IsCapture reports whether state is Capture-DR or Capture-IR, the states a
// session uses to decide that a prior Test-Logic-Reset no longer applies:
// once the TAP has captured a new DR or IR, observed register contents are
// no longer pristine reset values.
func IsCapture(state State) bool {
	return state == CaptureDR || state == CaptureIR
}
