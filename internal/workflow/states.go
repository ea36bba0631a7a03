package workflow

import (
	"fmt"
	"slices"
)

type State int

const (
	StateInitial State = iota
	StateMFMStarted
	StateZeroAdjust
	StateSpan
	StateAfterMFM
	StateMeasurement
	StateCalculate
	StateConfirm
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateMFMStarted:
		return "mfm_started"
	case StateZeroAdjust:
		return "zero_adjust"
	case StateSpan:
		return "span"
	case StateAfterMFM:
		return "after_mfm"
	case StateMeasurement:
		return "measurement"
	case StateCalculate:
		return "calculate"
	case StateConfirm:
		return "confirm"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Op is an operator action. Start ops launch a session, signal ops steer
// the running one.
type Op string

const (
	OpMFM       Op = "mfm"
	OpMeasure   Op = "measure"
	OpCalculate Op = "calculate"
	OpConfirm   Op = "confirm"
	OpZeroSend  Op = "zero-send"
	OpZeroOK    Op = "zero-ok"
	OpSpanOK    Op = "span-ok"
	OpCancel    Op = "cancel"
)

var idleOps = []Op{OpMFM, OpMeasure, OpCalculate, OpConfirm}

// remoteOps are the operations accepted on the MQTT cmd topic.
var remoteOps = []Op{OpZeroSend, OpZeroOK, OpSpanOK, OpCancel}

// Capabilities lists the operations enabled in each state.
var Capabilities = map[State][]Op{
	StateInitial:     idleOps,
	StateMFMStarted:  {OpCancel},
	StateZeroAdjust:  {OpZeroSend, OpZeroOK, OpCancel},
	StateSpan:        {OpSpanOK, OpCancel},
	StateAfterMFM:    idleOps,
	StateMeasurement: {OpCancel},
	StateCalculate:   {OpCancel},
	StateConfirm:     {OpCancel},
}

func Allowed(s State, op Op) bool { return slices.Contains(Capabilities[s], op) }

// AcceptsRemote reports whether op may arrive over the MQTT cmd topic.
func AcceptsRemote(op Op) bool { return slices.Contains(remoteOps, op) }

// ParseOp accepts any known op name.
func ParseOp(name string) (Op, error) {
	op := Op(name)
	switch op {
	case OpMFM, OpMeasure, OpCalculate, OpConfirm, OpZeroSend, OpZeroOK, OpSpanOK, OpCancel:
		return op, nil
	}
	return "", fmt.Errorf("unknown operation %q", name)
}

func sweepState(op Op) State {
	switch op {
	case OpCalculate:
		return StateCalculate
	case OpConfirm:
		return StateConfirm
	}
	return StateMeasurement
}
