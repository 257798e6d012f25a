// Package sensing describes the external sensing service at its interface
// boundary: an asynchronously connected service that reports its tracker
// capabilities and hands out typed trackers that stream data points.
//
// Two implementations are provided. SerialService talks to a sensor over a
// serial line using a JSON-lines protocol; FakeService is a scripted stand-in
// driven directly by tests.
package sensing

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// TrackerType names a sensor capability.
type TrackerType string

const (
	TrackerECGOnDemand TrackerType = "ecg_on_demand"
	TrackerPPGGreen    TrackerType = "ppg_green"
	TrackerHeartRate   TrackerType = "heart_rate"
	TrackerSpO2        TrackerType = "spo2"
)

// NoContactCode is the lead-off value a device reports when the required
// skin contact is not detected.
const NoContactCode = 5

// ErrorCode classifies connection failures reported by the service.
type ErrorCode int

const (
	CodeUnknown ErrorCode = iota
	CodeOldPlatform
	CodeNotInstalled
	CodeServiceUnavailable
	CodeConnectionRefused
)

var codeNames = map[ErrorCode]string{
	CodeUnknown:            "unknown",
	CodeOldPlatform:        "old_platform",
	CodeNotInstalled:       "not_installed",
	CodeServiceUnavailable: "service_unavailable",
	CodeConnectionRefused:  "connection_refused",
}

func (c ErrorCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// ParseErrorCode maps a protocol name back to an ErrorCode. Unknown names
// map to CodeUnknown.
func ParseErrorCode(name string) ErrorCode {
	for code, n := range codeNames {
		if n == name {
			return code
		}
	}
	return CodeUnknown
}

// ConnectError is delivered with OnConnectionFailed.
type ConnectError struct {
	Code       ErrorCode
	Message    string
	Resolvable bool
}

func (e *ConnectError) Error() string {
	if e.Message == "" {
		return "sensing service connection failed: " + e.Code.String()
	}
	return fmt.Sprintf("sensing service connection failed: %s: %s", e.Code, e.Message)
}

// HasResolution reports whether an external action (for example an install
// or upgrade flow run by the host) can resolve the failure.
func (e *ConnectError) HasResolution() bool { return e.Resolvable }

// ConnectionListener receives asynchronous connection events. Calls may
// arrive on any goroutine.
type ConnectionListener interface {
	OnConnectionSuccess()
	OnConnectionEnded()
	OnConnectionFailed(err *ConnectError)
}

// DataPoint is one sample reported by a tracker.
type DataPoint struct {
	LeadOff    int
	MilliVolts float64
	Timestamp  time.Time
}

// TrackerError is an asynchronous error reported by a tracker.
type TrackerError int

const (
	TrackerErrorUnknown TrackerError = iota
	TrackerErrorPermission
	TrackerErrorPolicy
)

func (e TrackerError) String() string {
	switch e {
	case TrackerErrorPermission:
		return "permission"
	case TrackerErrorPolicy:
		return "sdk_policy"
	default:
		return "unknown"
	}
}

// ParseTrackerError maps a protocol name to a TrackerError.
func ParseTrackerError(name string) TrackerError {
	switch name {
	case "permission":
		return TrackerErrorPermission
	case "sdk_policy", "policy":
		return TrackerErrorPolicy
	default:
		return TrackerErrorUnknown
	}
}

// TrackerEventListener receives tracker events. Calls may arrive on any
// goroutine.
type TrackerEventListener interface {
	OnDataReceived(points []DataPoint)
	OnFlushCompleted()
	OnError(err TrackerError)
}

// Tracker streams data for one capability while a listener is set.
type Tracker interface {
	Type() TrackerType
	SetEventListener(l TrackerEventListener)
	UnsetEventListener()
}

// Service is a live or pending connection to the sensing service.
type Service interface {
	// Connect issues the asynchronous connection request. The outcome is
	// reported to the ConnectionListener the service was dialled with. An
	// error means the request could not be issued at all.
	Connect() error
	// Disconnect tears the connection down.
	Disconnect() error
	// Capabilities lists the tracker types the connected service supports.
	Capabilities() []TrackerType
	// Tracker returns the tracker for t.
	Tracker(t TrackerType) (Tracker, error)
}

// Dialer constructs a Service bound to a listener. A new Service is dialled
// for every connection attempt.
type Dialer func(l ConnectionListener) (Service, error)

// ErrNotConnected is returned by Service methods that need a live connection.
var ErrNotConnected = errors.New("sensing service not connected")

// ErrUnsupportedTracker is returned when a tracker type is not in the
// service's capability set.
var ErrUnsupportedTracker = errors.New("tracker type not supported")

// Supports reports whether caps contains t.
func Supports(caps []TrackerType, t TrackerType) bool {
	return slices.Contains(caps, t)
}
