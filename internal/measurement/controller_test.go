package measurement

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/ecg.report/internal/dispatch"
	"github.com/banshee-data/ecg.report/internal/monitoring"
	"github.com/banshee-data/ecg.report/internal/sensing"
)

type stubSource struct {
	tracker *sensing.FakeTracker
	err     error
}

func (s *stubSource) Tracker(t sensing.TrackerType) (sensing.Tracker, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.tracker, nil
}

type events struct {
	log      []string
	averages []float64
	finished []finish
}

type finish struct {
	success bool
	final   float64
}

func (e *events) OnLeadOff() { e.log = append(e.log, "lead_off") }
func (e *events) OnData(avg float64) {
	e.log = append(e.log, "data")
	e.averages = append(e.averages, avg)
}
func (e *events) OnErrorPermission() { e.log = append(e.log, "permission") }
func (e *events) OnErrorPolicy()     { e.log = append(e.log, "policy") }
func (e *events) OnFinished(success bool, final float64) {
	e.log = append(e.log, "finished")
	e.finished = append(e.finished, finish{success, final})
}

func points(leadOff int, mv ...float64) []sensing.DataPoint {
	out := make([]sensing.DataPoint, len(mv))
	for i, v := range mv {
		out[i] = sensing.DataPoint{LeadOff: leadOff, MilliVolts: v}
	}
	return out
}

func newController(t *testing.T) (*Controller, *sensing.FakeTracker, *events) {
	t.Helper()
	original := monitoring.Logf
	t.Cleanup(func() { monitoring.Logf = original })
	monitoring.SetLogger(nil)

	tracker := sensing.NewFakeTracker(sensing.TrackerECGOnDemand)
	c := New(&stubSource{tracker: tracker}, dispatch.Inline{})
	ev := &events{}
	require.NoError(t, c.Start(ev))
	return c, tracker, ev
}

func TestController_AveragesBatches(t *testing.T) {
	c, tracker, ev := newController(t)

	assert.True(t, c.IsRunning())
	assert.True(t, tracker.Listening())
	assert.Equal(t, sensing.TrackerECGOnDemand, c.TrackerType())

	tracker.Emit(points(0, 0.5, 1.0, 1.5)...)
	tracker.Emit(points(0, 2.0, 4.0)...)

	assert.Equal(t, []float64{1.0, 3.0}, ev.averages)
	assert.Equal(t, 3.0, c.CurrentAverage())
	assert.False(t, c.IsLeadOff())
}

func TestController_LeadOffAndRecovery(t *testing.T) {
	c, tracker, ev := newController(t)

	tracker.Emit(points(0, 1.0)...)
	tracker.Emit(points(sensing.NoContactCode, 0, 0)...)
	assert.True(t, c.IsLeadOff())
	assert.Equal(t, 1.0, c.CurrentAverage(), "lead-off batches are not averaged")

	tracker.Emit(points(0, 2.0)...)
	assert.False(t, c.IsLeadOff())
	assert.Equal(t, []string{"data", "lead_off", "data"}, ev.log)
}

func TestController_EmptyBatchIgnored(t *testing.T) {
	c, tracker, ev := newController(t)
	tracker.Emit()
	assert.Empty(t, ev.log)
	assert.Zero(t, c.CurrentAverage())
}

func TestController_TrackerErrors(t *testing.T) {
	_, tracker, ev := newController(t)

	tracker.Fail(sensing.TrackerErrorPermission)
	tracker.Fail(sensing.TrackerErrorPolicy)
	tracker.Fail(sensing.TrackerErrorUnknown)
	tracker.Flush()

	assert.Equal(t, []string{"permission", "policy"}, ev.log)
}

func TestController_FinishFromTimer(t *testing.T) {
	tests := []struct {
		name    string
		batches [][]sensing.DataPoint
		want    finish
	}{
		{"in contact", [][]sensing.DataPoint{points(0, 1.0, 3.0)}, finish{true, 2.0}},
		{"lead off at end", [][]sensing.DataPoint{points(0, 1.0), points(sensing.NoContactCode, 0)}, finish{false, 1.0}},
		{"no data", nil, finish{false, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, tracker, ev := newController(t)
			for _, b := range tt.batches {
				tracker.Emit(b...)
			}
			c.FinishFromTimer()
			c.FinishFromTimer()

			assert.Equal(t, []finish{tt.want}, ev.finished, "finished exactly once")
			assert.False(t, c.IsRunning())
			assert.False(t, tracker.Listening())
		})
	}
}

func TestController_StopDoesNotFinish(t *testing.T) {
	c, tracker, ev := newController(t)
	tracker.Emit(points(0, 1.0)...)

	c.Stop()
	c.Stop()
	c.FinishFromTimer()

	assert.False(t, c.IsRunning())
	assert.Empty(t, ev.finished)
	assert.Equal(t, 1, tracker.Unsets())
}

func TestController_StartErrors(t *testing.T) {
	notConnected := errors.New("not connected")
	c := New(&stubSource{err: notConnected}, nil)
	err := c.Start(&events{})
	assert.ErrorIs(t, err, notConnected)
	assert.False(t, c.IsRunning())

	c2, _, _ := newController(t)
	assert.ErrorIs(t, c2.Start(&events{}), ErrAlreadyRunning)
}

func TestController_StaleEventsDropped(t *testing.T) {
	original := monitoring.Logf
	defer func() { monitoring.Logf = original }()
	monitoring.SetLogger(nil)

	var queued []func()
	exec := postFunc(func(fn func()) bool { queued = append(queued, fn); return true })
	tracker := sensing.NewFakeTracker(sensing.TrackerECGOnDemand)
	c := New(&stubSource{tracker: tracker}, exec)
	ev := &events{}
	require.NoError(t, c.Start(ev))

	tracker.Emit(points(0, 1.0)...)
	require.Len(t, queued, 1)
	c.Stop()
	require.NoError(t, c.Start(ev))

	// the batch queued for the first activation must not reach the second
	queued[0]()
	assert.Empty(t, ev.log)
}

type postFunc func(fn func()) bool

func (f postFunc) Post(fn func()) bool { return f(fn) }
