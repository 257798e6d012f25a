package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/ecg.report/internal/connection"
	"github.com/banshee-data/ecg.report/internal/measurement"
	"github.com/banshee-data/ecg.report/internal/sensing"
)

var (
	// ErrNoPermission is returned by Toggle when the measurement permission
	// has not been granted.
	ErrNoPermission = errors.New("measurement permission not granted")
	// ErrNoConnection is returned by Toggle when the sensing service is not
	// connected, and wrapped by the failure event raised after a connection
	// is lost mid-session.
	ErrNoConnection = errors.New("sensing service not connected")
	// ErrTrackerUnsupported is returned by Toggle when the connected service
	// lacks the tracker the measurement needs.
	ErrTrackerUnsupported = errors.New("sensing service does not support the required tracker")
	// ErrSessionPolicy is surfaced when the service refuses measurement by
	// policy. The session continues.
	ErrSessionPolicy = errors.New("measurement refused by sensing service policy")
	// ErrSessionPermission is surfaced when the service reports a
	// permission error during measurement. The session continues.
	ErrSessionPermission = errors.New("measurement permission error")
	// ErrMeasurementFailed marks a session that finished without a valid
	// result.
	ErrMeasurementFailed = errors.New("measurement finished without a valid result")
	// ErrShutdown is returned by Toggle after Shutdown.
	ErrShutdown = errors.New("session orchestrator shut down")
)

// State is the session lifecycle state.
type State int

const (
	StateNotStarted State = iota
	StateRunning
	StateLeadOff
	StateEnding
)

var stateNames = [...]string{"not_started", "running", "lead_off", "ending"}

func (s State) String() string {
	if int(s) < len(stateNames) && s >= 0 {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Active reports whether a session exists in this state.
func (s State) Active() bool { return s != StateNotStarted }

// Reason records how a session ended.
type Reason string

const (
	ReasonTimer     Reason = "timer"
	ReasonLeadOff   Reason = "lead_off"
	ReasonCancelled Reason = "cancelled"
	ReasonFailed    Reason = "failed"
)

// Measurement is the measurement-session collaborator.
type Measurement interface {
	TrackerType() sensing.TrackerType
	Start(l measurement.Listener) error
	Stop()
	FinishFromTimer()
	IsRunning() bool
	IsLeadOff() bool
	CurrentAverage() float64
}

// Connection is the part of connection.Manager the orchestrator uses.
type Connection interface {
	SetListener(l connection.Listener)
	Connect()
	Disconnect()
	IsConnected() bool
	IsTrackerSupported(t sensing.TrackerType) bool
}

// PermissionResolver resolves and checks the permission measurement needs.
// Request delivers its result exactly once, on any goroutine.
type PermissionResolver interface {
	ResolveRequiredPermission() string
	IsGranted(token string) bool
	Request(token string, result func(granted bool))
}

// StatusFormatter renders user-facing text. Implementations must be pure.
type StatusFormatter interface {
	FormatProgress(secondsLeft int, average float64) string
	FormatResult(average float64) string
}

// KeepAwake is the scoped keep-awake resource. Both calls are idempotent.
type KeepAwake interface {
	Acquire()
	Release()
}

// TracePoint is the session state observed at one tick.
type TracePoint struct {
	SecondsLeft int       `json:"seconds_left"`
	Average     float64   `json:"average"`
	LeadOff     bool      `json:"lead_off"`
	At          time.Time `json:"at"`
}

// Record is a finished session as handed to a ResultSink.
type Record struct {
	ID        string        `json:"id"`
	StartedAt time.Time     `json:"started_at"`
	EndedAt   time.Time     `json:"ended_at"`
	Success   bool          `json:"success"`
	Average   float64       `json:"average"`
	Reason    Reason        `json:"reason"`
	Trace     []TracePoint  `json:"trace,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// ResultSink stores finished sessions. Save is called off the orchestrator's
// context.
type ResultSink interface {
	SaveMeasurement(ctx context.Context, rec Record) error
}

// EventType names an event on the orchestrator's stream.
type EventType string

const (
	EventStateChange EventType = "state_change"
	EventProgress    EventType = "progress"
	EventLeadOff     EventType = "lead_off"
	EventWarning     EventType = "warning"
	EventResult      EventType = "result"
	EventFailure     EventType = "failure"
	EventError       EventType = "error"
	EventConnection  EventType = "connection"
	EventPermission  EventType = "permission"
	EventUnsupported EventType = "unsupported"
)

// Event is published to subscribers. Err is the typed error; Error is its
// text for serialization.
type Event struct {
	Type        EventType `json:"type"`
	State       State     `json:"state"`
	SecondsLeft int       `json:"seconds_left,omitempty"`
	Average     float64   `json:"average"`
	Text        string    `json:"text,omitempty"`
	Success     bool      `json:"success,omitempty"`
	Connected   bool      `json:"connected"`
	Granted     bool      `json:"granted"`
	Reason      Reason    `json:"reason,omitempty"`
	Err         error     `json:"-"`
	Error       string    `json:"error,omitempty"`
	SessionID   string    `json:"session_id,omitempty"`
	At          time.Time `json:"at"`
}

// Status is a snapshot of the orchestrator, safe to read from any goroutine.
type Status struct {
	State       State     `json:"state"`
	SessionID   string    `json:"session_id,omitempty"`
	SecondsLeft int       `json:"seconds_left"`
	Average     float64   `json:"average"`
	Text        string    `json:"text,omitempty"`
	Connected   bool      `json:"connected"`
	StartedAt   time.Time `json:"started_at,omitempty"`
}
