package engine

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/isdmx/funcbox/sandbox"
)

// RuntimeKind selects the isolation strength of an execution
type RuntimeKind = sandbox.Runtime

const (
	RuntimeStrong    = sandbox.RuntimeStrong
	RuntimeSimulated = sandbox.RuntimeSimulated
)

// ParseRuntime maps a caller-supplied runtime name to a RuntimeKind. Both the
// public names ("docker", "gvisor") and the isolation names ("strong",
// "simulated") are accepted, case-insensitively.
func ParseRuntime(s string) (RuntimeKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "docker", "strong":
		return RuntimeStrong, nil
	case "gvisor", "simulated":
		return RuntimeSimulated, nil
	default:
		return "", &ValidationError{Err: ErrUnsupportedRuntime, Detail: fmt.Sprintf("%q", s)}
	}
}

// Status is the terminal outcome of an execution
type Status string

const (
	StatusSuccess     Status = "SUCCESS"
	StatusBuildFailed Status = "BUILD_FAILED"
	StatusRunFailed   Status = "RUN_FAILED"
	StatusTimedOut    Status = "TIMED_OUT"
)

// Request is one execution request. It is not modified once dispatched.
type Request struct {
	Code    string
	Input   json.RawMessage
	Runtime RuntimeKind
	Timeout time.Duration // zero selects the configured default
}

// Result is produced exactly once per accepted request
type Result struct {
	Status      Status      `json:"status"`
	Output      string      `json:"output"`
	Runtime     RuntimeKind `json:"runtime"`
	Backend     string      `json:"backend"`
	Warm        bool        `json:"warm"`
	Duration    float64     `json:"duration"` // seconds
	Fingerprint string      `json:"fingerprint"`
}

// State is a step of the execution state machine
type State string

const (
	StateReceived    State = "RECEIVED"
	StatePreparing   State = "PREPARING"
	StateBuilding    State = "BUILDING"
	StateRunning     State = "RUNNING"
	StateCollecting  State = "COLLECTING"
	StateDone        State = "DONE"
	StateBuildFailed State = "BUILD_FAILED"
	StateRunFailed   State = "RUN_FAILED"
	StateTimedOut    State = "TIMED_OUT"
)

var transitions = map[State][]State{
	StateReceived:   {StatePreparing},
	StatePreparing:  {StateBuilding, StateBuildFailed},
	StateBuilding:   {StateRunning, StateBuildFailed},
	StateRunning:    {StateCollecting, StateTimedOut, StateRunFailed, StateBuilding},
	StateCollecting: {StateDone, StateRunFailed},
}

// CanTransition reports whether the state machine allows from -> to
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition leaves s
func (s State) Terminal() bool {
	return len(transitions[s]) == 0
}

func (s State) status() Status {
	switch s {
	case StateDone:
		return StatusSuccess
	case StateBuildFailed:
		return StatusBuildFailed
	case StateTimedOut:
		return StatusTimedOut
	default:
		return StatusRunFailed
	}
}
