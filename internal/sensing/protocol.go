package sensing

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Line protocol spoken with a serial sensing device. The host writes one
// command per line; the device answers with one JSON object per line.
const (
	CommandConnect    = "CONNECT"
	CommandDisconnect = "DISCONNECT"
	CommandTrack      = "TRACK"
	CommandUntrack    = "UNTRACK"
)

// Message types sent by the device.
const (
	MessageConnected     = "connected"
	MessageConnectFailed = "connect_failed"
	MessageEnded         = "ended"
	MessageData          = "data"
	MessageTrackerError  = "tracker_error"
	MessageFlush         = "flush"
)

// Message is a decoded device line.
type Message struct {
	Type         string        `json:"type"`
	Capabilities []TrackerType `json:"capabilities,omitempty"`
	Code         string        `json:"code,omitempty"`
	Text         string        `json:"message,omitempty"`
	Resolution   bool          `json:"resolution,omitempty"`
	Tracker      TrackerType   `json:"tracker,omitempty"`
	Error        string        `json:"error,omitempty"`
	Points       []WirePoint   `json:"points,omitempty"`
}

// WirePoint is the serialized form of a DataPoint. TimestampMs is optional
// milliseconds since the Unix epoch.
type WirePoint struct {
	LeadOff     int     `json:"lead_off"`
	MilliVolts  float64 `json:"mv"`
	TimestampMs int64   `json:"ts,omitempty"`
}

// ParseMessage decodes a device line. Lines that are not JSON objects are
// rejected.
func ParseMessage(line string) (Message, error) {
	line = strings.TrimSpace(line)
	var msg Message
	if !strings.HasPrefix(line, "{") {
		return msg, fmt.Errorf("unexpected device line %q", line)
	}
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		return msg, fmt.Errorf("failed to unmarshal device line: %w", err)
	}
	if msg.Type == "" {
		return msg, fmt.Errorf("device line missing type: %q", line)
	}
	return msg, nil
}

// ConnectError builds the failure carried by a connect_failed message.
func (m Message) ConnectError() *ConnectError {
	return &ConnectError{
		Code:       ParseErrorCode(m.Code),
		Message:    m.Text,
		Resolvable: m.Resolution,
	}
}

// DataPoints converts the wire points, stamping missing timestamps with now.
func (m Message) DataPoints(now time.Time) []DataPoint {
	points := make([]DataPoint, len(m.Points))
	for i, p := range m.Points {
		ts := now
		if p.TimestampMs > 0 {
			ts = time.UnixMilli(p.TimestampMs)
		}
		points[i] = DataPoint{LeadOff: p.LeadOff, MilliVolts: p.MilliVolts, Timestamp: ts}
	}
	return points
}

// EncodeMessage renders msg as a single device line without the newline.
func EncodeMessage(msg Message) (string, error) {
	b, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// TrackCommand returns the command that starts streaming for t.
func TrackCommand(t TrackerType) string { return CommandTrack + " " + string(t) }

// UntrackCommand returns the command that stops streaming for t.
func UntrackCommand(t TrackerType) string { return CommandUntrack + " " + string(t) }
