// Package measurement drives an ECG on-demand tracker for one measurement at
// a time, turning raw data batches into lead-off, average and finish events.
package measurement

import (
	"errors"
	"fmt"
	"sync"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/ecg.report/internal/dispatch"
	"github.com/banshee-data/ecg.report/internal/monitoring"
	"github.com/banshee-data/ecg.report/internal/sensing"
)

var logf = monitoring.Component("measurement")

// ErrAlreadyRunning is returned by Start while a measurement is running.
var ErrAlreadyRunning = errors.New("measurement already running")

// Listener receives measurement events on the controller's executor.
type Listener interface {
	OnLeadOff()
	OnData(average float64)
	OnErrorPermission()
	OnErrorPolicy()
	OnFinished(success bool, final float64)
}

// TrackerSource hands out trackers from a live connection.
type TrackerSource interface {
	Tracker(t sensing.TrackerType) (sensing.Tracker, error)
}

// Controller is the measurement-session collaborator. Start, Stop and
// FinishFromTimer must be called on the executor's context; tracker events
// are posted onto it.
type Controller struct {
	source   TrackerSource
	executor dispatch.Executor
	kind     sensing.TrackerType

	mu         sync.Mutex
	running    bool
	leadOff    bool
	average    float64
	batches    int
	generation uint64
	tracker    sensing.Tracker
	listener   Listener
}

// New returns a Controller measuring with ECG on-demand trackers from source.
func New(source TrackerSource, executor dispatch.Executor) *Controller {
	if executor == nil {
		executor = dispatch.Inline{}
	}
	return &Controller{source: source, executor: executor, kind: sensing.TrackerECGOnDemand}
}

// TrackerType is the capability the controller needs.
func (c *Controller) TrackerType() sensing.TrackerType { return c.kind }

// Start acquires a tracker and begins streaming into l.
func (c *Controller) Start(l Listener) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	c.mu.Unlock()

	tr, err := c.source.Tracker(c.kind)
	if err != nil {
		return fmt.Errorf("failed to acquire %s tracker: %w", c.kind, err)
	}

	c.mu.Lock()
	c.generation++
	gen := c.generation
	c.running = true
	c.leadOff = false
	c.average = 0
	c.batches = 0
	c.tracker = tr
	c.listener = l
	c.mu.Unlock()

	tr.SetEventListener(&trackerLink{c: c, gen: gen})
	return nil
}

// Stop ends the measurement without reporting OnFinished.
func (c *Controller) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	tr := c.endLocked()
	c.mu.Unlock()
	release(tr)
}

// FinishFromTimer ends the measurement and reports OnFinished once. The
// measurement succeeds unless contact was lost when the timer ran out.
func (c *Controller) FinishFromTimer() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	success := !c.leadOff && c.batches > 0
	final := c.average
	l := c.listener
	tr := c.endLocked()
	c.mu.Unlock()

	release(tr)
	logf("finished from timer: success=%t average=%.3f", success, final)
	l.OnFinished(success, final)
}

func (c *Controller) endLocked() sensing.Tracker {
	tr := c.tracker
	c.running = false
	c.generation++
	c.tracker = nil
	c.listener = nil
	return tr
}

func (c *Controller) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *Controller) IsLeadOff() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.leadOff
}

// CurrentAverage is the mean of the most recent in-contact batch.
func (c *Controller) CurrentAverage() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.average
}

// live returns the listener when gen is the running activation.
func (c *Controller) live(gen uint64) (Listener, bool) {
	if gen != c.generation || !c.running {
		return nil, false
	}
	return c.listener, true
}

func (c *Controller) onData(gen uint64, points []sensing.DataPoint) {
	if len(points) == 0 {
		return
	}

	c.mu.Lock()
	l, ok := c.live(gen)
	if !ok {
		c.mu.Unlock()
		return
	}
	if points[0].LeadOff == sensing.NoContactCode {
		c.leadOff = true
		c.mu.Unlock()
		l.OnLeadOff()
		return
	}

	values := make([]float64, len(points))
	for i, p := range points {
		values[i] = p.MilliVolts
	}
	avg := stat.Mean(values, nil)
	c.leadOff = false
	c.average = avg
	c.batches++
	c.mu.Unlock()

	l.OnData(avg)
}

func (c *Controller) onError(gen uint64, err sensing.TrackerError) {
	c.mu.Lock()
	l, ok := c.live(gen)
	c.mu.Unlock()
	if !ok {
		return
	}

	switch err {
	case sensing.TrackerErrorPermission:
		l.OnErrorPermission()
	case sensing.TrackerErrorPolicy:
		l.OnErrorPolicy()
	default:
		logf("tracker error: %s", err)
	}
}

// release detaches from tr. Panics from the tracker are logged.
func release(tr sensing.Tracker) {
	if tr == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logf("panic while releasing tracker: %v", r)
		}
	}()
	tr.UnsetEventListener()
}

// trackerLink forwards tracker events for one activation onto the executor.
type trackerLink struct {
	c   *Controller
	gen uint64
}

func (t *trackerLink) OnDataReceived(points []sensing.DataPoint) {
	t.post(func() { t.c.onData(t.gen, points) })
}

func (t *trackerLink) OnFlushCompleted() {
	logf("tracker flush completed")
}

func (t *trackerLink) OnError(err sensing.TrackerError) {
	t.post(func() { t.c.onError(t.gen, err) })
}

func (t *trackerLink) post(fn func()) {
	if !t.c.executor.Post(fn) {
		logf("executor closed, dropping tracker event")
	}
}
