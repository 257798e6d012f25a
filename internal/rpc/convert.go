package rpc

import (
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/ecg.report/internal/connection"
	"github.com/banshee-data/ecg.report/internal/session"
)

// StatusToStruct encodes a status snapshot with snake_case keys matching
// the HTTP API. conn is optional.
func StatusToStruct(st session.Status, conn *connection.Status) (*structpb.Struct, error) {
	m := map[string]any{
		"state":        st.State.String(),
		"seconds_left": st.SecondsLeft,
		"average":      st.Average,
		"connected":    st.Connected,
	}
	putString(m, "session_id", st.SessionID)
	putString(m, "text", st.Text)
	putTime(m, "started_at", st.StartedAt)

	if conn != nil {
		caps := make([]any, len(conn.Capabilities))
		for i, c := range conn.Capabilities {
			caps[i] = string(c)
		}
		cm := map[string]any{
			"state":        conn.State,
			"connected":    conn.Connected,
			"attempts":     conn.Attempts,
			"capabilities": caps,
		}
		putString(cm, "last_error", conn.LastError)
		m["connection"] = cm
	}
	return structpb.NewStruct(m)
}

// EventToStruct encodes an orchestrator event with the same keys as its
// JSON form. average, connected and granted are always present.
func EventToStruct(e session.Event) (*structpb.Struct, error) {
	m := map[string]any{
		"type":      string(e.Type),
		"state":     e.State.String(),
		"average":   e.Average,
		"connected": e.Connected,
		"granted":   e.Granted,
	}
	if e.SecondsLeft != 0 {
		m["seconds_left"] = e.SecondsLeft
	}
	if e.Success {
		m["success"] = true
	}
	putString(m, "text", e.Text)
	putString(m, "reason", string(e.Reason))
	putString(m, "error", e.Error)
	putString(m, "session_id", e.SessionID)
	putTime(m, "at", e.At)
	return structpb.NewStruct(m)
}

func putString(m map[string]any, key, v string) {
	if v != "" {
		m[key] = v
	}
}

func putTime(m map[string]any, key string, t time.Time) {
	if !t.IsZero() {
		m[key] = t.UTC().Format(time.RFC3339Nano)
	}
}
