package sensing

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMessage(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		want    Message
		wantErr bool
	}{
		{
			name: "connected",
			line: `{"type":"connected","capabilities":["ecg_on_demand","heart_rate"]}`,
			want: Message{Type: MessageConnected, Capabilities: []TrackerType{TrackerECGOnDemand, TrackerHeartRate}},
		},
		{
			name: "connect failed",
			line: `  {"type":"connect_failed","code":"old_platform","message":"upgrade","resolution":true}  `,
			want: Message{Type: MessageConnectFailed, Code: "old_platform", Text: "upgrade", Resolution: true},
		},
		{
			name: "data",
			line: `{"type":"data","tracker":"ecg_on_demand","points":[{"lead_off":0,"mv":0.5},{"lead_off":5,"mv":0}]}`,
			want: Message{Type: MessageData, Tracker: TrackerECGOnDemand, Points: []WirePoint{{MilliVolts: 0.5}, {LeadOff: 5}}},
		},
		{name: "plain text", line: "OK", wantErr: true},
		{name: "bad json", line: `{"type":`, wantErr: true},
		{name: "missing type", line: `{"code":"x"}`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseMessage(tt.line)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("ParseMessage mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestMessage_ConnectError(t *testing.T) {
	msg := Message{Type: MessageConnectFailed, Code: "not_installed", Text: "missing"}
	err := msg.ConnectError()
	assert.Equal(t, CodeNotInstalled, err.Code)
	assert.False(t, err.HasResolution())
	assert.Contains(t, err.Error(), "not_installed: missing")

	unknown := Message{Code: "mystery"}.ConnectError()
	assert.Equal(t, CodeUnknown, unknown.Code)
	assert.Equal(t, "sensing service connection failed: unknown", unknown.Error())
}

func TestMessage_DataPointsTimestamps(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	msg := Message{Points: []WirePoint{
		{LeadOff: 0, MilliVolts: 1.2, TimestampMs: now.Add(-time.Second).UnixMilli()},
		{LeadOff: NoContactCode, MilliVolts: 0},
	}}
	points := msg.DataPoints(now)
	require.Len(t, points, 2)
	assert.True(t, points[0].Timestamp.Equal(now.Add(-time.Second)))
	assert.Equal(t, 1.2, points[0].MilliVolts)
	assert.True(t, points[1].Timestamp.Equal(now))
	assert.Equal(t, NoContactCode, points[1].LeadOff)
}

func TestEncodeMessageRoundTrip(t *testing.T) {
	in := Message{Type: MessageTrackerError, Tracker: TrackerECGOnDemand, Error: "permission"}
	line, err := EncodeMessage(in)
	require.NoError(t, err)
	out, err := ParseMessage(line)
	require.NoError(t, err)
	assert.Equal(t, in, out)
	assert.Equal(t, TrackerErrorPermission, ParseTrackerError(out.Error))
}

func TestCodesAndErrors(t *testing.T) {
	for code, name := range codeNames {
		assert.Equal(t, code, ParseErrorCode(name))
		assert.Equal(t, name, code.String())
	}
	assert.Equal(t, "code(99)", ErrorCode(99).String())

	assert.Equal(t, TrackerErrorPolicy, ParseTrackerError("sdk_policy"))
	assert.Equal(t, TrackerErrorPolicy, ParseTrackerError("policy"))
	assert.Equal(t, TrackerErrorUnknown, ParseTrackerError("?"))
	assert.Equal(t, "sdk_policy", TrackerErrorPolicy.String())

	assert.Equal(t, "TRACK ecg_on_demand", TrackCommand(TrackerECGOnDemand))
	assert.Equal(t, "UNTRACK ecg_on_demand", UntrackCommand(TrackerECGOnDemand))
	assert.True(t, Supports([]TrackerType{TrackerSpO2, TrackerECGOnDemand}, TrackerECGOnDemand))
	assert.False(t, Supports(nil, TrackerECGOnDemand))
}
