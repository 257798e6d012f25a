// Package session composes the connection manager, a countdown and the
// measurement collaborator into one start/stop measurement session, and
// publishes what happens as a stream of events.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/ecg.report/internal/connection"
	"github.com/banshee-data/ecg.report/internal/countdown"
	"github.com/banshee-data/ecg.report/internal/dispatch"
	"github.com/banshee-data/ecg.report/internal/monitoring"
	"github.com/banshee-data/ecg.report/internal/sensing"
	"github.com/banshee-data/ecg.report/internal/timeutil"
)

var logf = monitoring.Component("session")

const (
	shutdownTimeout = 5 * time.Second
	saveTimeout     = 10 * time.Second
)

// Deps are the orchestrator's collaborators. Results and Clock are optional.
type Deps struct {
	Loop        dispatch.Runner
	Connection  Connection
	Measurement Measurement
	Permissions PermissionResolver
	Formatter   StatusFormatter
	KeepAwake   KeepAwake
	Results     ResultSink
	Clock       timeutil.Clock
}

func (d Deps) validate() error {
	switch {
	case d.Loop == nil:
		return errors.New("session: loop is required")
	case d.Connection == nil:
		return errors.New("session: connection is required")
	case d.Measurement == nil:
		return errors.New("session: measurement is required")
	case d.Permissions == nil:
		return errors.New("session: permission resolver is required")
	case d.Formatter == nil:
		return errors.New("session: formatter is required")
	case d.KeepAwake == nil:
		return errors.New("session: keep-awake resource is required")
	}
	return nil
}

// active is the state of the one running session. It is only touched on
// the loop.
type active struct {
	id          string
	startedAt   time.Time
	timer       *countdown.Coordinator
	trace       []TracePoint
	average     float64
	secondsLeft int
	timerDone   bool
	connLost    bool
	lossShown   bool
}

// Orchestrator runs at most one measurement session. All state changes run
// on the loop; the exported methods marshal onto it.
type Orchestrator struct {
	cfg   countdown.Config
	deps  Deps
	loop  dispatch.Runner
	clock timeutil.Clock

	events *broker
	saves  sync.WaitGroup

	// loop-owned
	state             State
	sess              *active
	permissionPending bool
	down              bool

	statusMu sync.Mutex
	status   Status

	// fatal is closed once the connection fails fatally; fatalErr is the
	// failure. The orchestrator cannot measure again after that.
	fatalMu  sync.Mutex
	fatalErr error
	fatal    chan struct{}

	shutdownOnce sync.Once
}

// New validates cfg and returns an orchestrator registered as the
// connection's listener.
func New(cfg countdown.Config, deps Deps) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", countdown.ErrInvalidConfig, err)
	}
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if deps.Clock == nil {
		deps.Clock = timeutil.RealClock{}
	}
	o := &Orchestrator{
		cfg:    cfg,
		deps:   deps,
		loop:   deps.Loop,
		clock:  deps.Clock,
		events: newBroker(),
		fatal:  make(chan struct{}),
	}
	deps.Connection.SetListener(connListener{o})
	return o, nil
}

// Connect asks the connection manager to connect. The outcome arrives on
// the event stream. After a fatal connection failure Connect is refused
// with an error wrapping that failure. Safe from any goroutine.
func (o *Orchestrator) Connect() error {
	if err := o.FatalErr(); err != nil {
		return fmt.Errorf("connect refused: %w", err)
	}
	o.deps.Connection.Connect()
	return nil
}

// Fatal is closed when the connection fails fatally. The host should tear
// the orchestrator down and build a new one to measure again.
func (o *Orchestrator) Fatal() <-chan struct{} { return o.fatal }

// FatalErr returns the fatal connection failure, or nil.
func (o *Orchestrator) FatalErr() error {
	o.fatalMu.Lock()
	defer o.fatalMu.Unlock()
	return o.fatalErr
}

// Subscribe registers for events. The channel is closed by Unsubscribe or
// Shutdown.
func (o *Orchestrator) Subscribe(buffer int) (string, <-chan Event) {
	return o.events.subscribe(buffer)
}

// Unsubscribe removes a subscription.
func (o *Orchestrator) Unsubscribe(id string) { o.events.unsubscribe(id) }

// Status returns the latest snapshot.
func (o *Orchestrator) Status() Status {
	o.statusMu.Lock()
	defer o.statusMu.Unlock()
	st := o.status
	st.Connected = o.deps.Connection.IsConnected()
	return st
}

// State returns the session state. Safe from any goroutine.
func (o *Orchestrator) State() State { return o.Status().State }

// Toggle starts a session when none is active and stops the active one
// otherwise. Precondition failures return ErrNoPermission, ErrNoConnection
// or ErrTrackerUnsupported and change nothing.
func (o *Orchestrator) Toggle(ctx context.Context) error {
	var err error
	if doErr := o.loop.Do(ctx, func() { err = o.toggle() }); doErr != nil {
		return fmt.Errorf("toggle: %w", doErr)
	}
	return err
}

func (o *Orchestrator) toggle() error {
	if o.down {
		return ErrShutdown
	}
	if o.state.Active() {
		logf("stop requested in state %s", o.state)
		o.stop(ReasonCancelled)
		return nil
	}
	return o.start()
}

func (o *Orchestrator) start() error {
	token := o.deps.Permissions.ResolveRequiredPermission()
	if !o.deps.Permissions.IsGranted(token) {
		o.requestPermission(token)
		return o.precondition(ErrNoPermission)
	}
	if !o.deps.Connection.IsConnected() {
		return o.precondition(ErrNoConnection)
	}
	if !o.deps.Connection.IsTrackerSupported(o.deps.Measurement.TrackerType()) {
		return o.precondition(ErrTrackerUnsupported)
	}

	timer, err := countdown.New(o.cfg, o.clock, o.loop)
	if err != nil {
		return err
	}
	s := &active{
		id:          uuid.NewString(),
		startedAt:   o.clock.Now(),
		timer:       timer,
		secondsLeft: seconds(o.cfg.Duration),
	}

	o.deps.KeepAwake.Acquire()
	o.sess = s
	o.setState(StateRunning)

	if err := o.deps.Measurement.Start(measListener{o, s}); err != nil {
		o.sess = nil
		safely("keep-awake release", o.deps.KeepAwake.Release)
		o.setState(StateNotStarted)
		o.publish(Event{Type: EventError, Err: err})
		return fmt.Errorf("failed to start measurement: %w", err)
	}
	timer.Start(timerListener{o, s})

	logf("session %s started", s.id)
	o.publish(Event{Type: EventStateChange})
	return nil
}

func (o *Orchestrator) precondition(err error) error {
	o.publish(Event{Type: EventError, Err: err})
	return err
}

// stop is the user or teardown stop path: cancel the timer, stop the
// collaborator, release resources. OnFinished is not involved.
func (o *Orchestrator) stop(reason Reason) {
	s := o.sess
	if s == nil {
		return
	}
	s.timer.Cancel()
	safely("measurement stop", o.deps.Measurement.Stop)
	o.end(s, false, s.average, reason)
	o.publish(Event{Type: EventStateChange, Reason: reason, SessionID: s.id})
}

// end releases the session's resources and hands its record to the sink.
func (o *Orchestrator) end(s *active, success bool, average float64, reason Reason) {
	o.sess = nil
	safely("keep-awake release", o.deps.KeepAwake.Release)
	o.setState(StateNotStarted)

	now := o.clock.Now()
	rec := Record{
		ID:        s.id,
		StartedAt: s.startedAt,
		EndedAt:   now,
		Success:   success,
		Average:   average,
		Reason:    reason,
		Trace:     s.trace,
		Duration:  now.Sub(s.startedAt),
	}
	logf("session %s ended: reason=%s success=%t", s.id, reason, success)
	o.save(rec)
}

func (o *Orchestrator) save(rec Record) {
	sink := o.deps.Results
	if sink == nil {
		return
	}
	o.saves.Add(1)
	go func() {
		defer o.saves.Done()
		ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
		defer cancel()
		if err := sink.SaveMeasurement(ctx, rec); err != nil {
			logf("failed to save session %s: %v", rec.ID, err)
		}
	}()
}

func (o *Orchestrator) requestPermission(token string) {
	if o.permissionPending {
		return
	}
	o.permissionPending = true
	o.deps.Permissions.Request(token, func(granted bool) {
		o.loop.Post(func() {
			o.permissionPending = false
			o.publish(Event{Type: EventPermission, Granted: granted})
		})
	})
}

// Shutdown stops any session, cancels its timer and disconnects. It is safe
// to call more than once and never fails. Subscriber channels are closed.
func (o *Orchestrator) Shutdown() {
	o.shutdownOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := o.loop.Do(ctx, o.teardown); err != nil {
			logf("shutdown could not run on loop: %v", err)
			safely("disconnect", o.deps.Connection.Disconnect)
		}
		o.saves.Wait()
		o.events.close()
	})
}

func (o *Orchestrator) teardown() {
	o.down = true
	o.stop(ReasonCancelled)
	safely("disconnect", o.deps.Connection.Disconnect)
}

// surfaceLoss publishes the one failure event owed after the connection
// dropped mid-session.
func (o *Orchestrator) surfaceLoss(s *active) {
	if !s.connLost || s.lossShown {
		return
	}
	s.lossShown = true
	o.publish(Event{Type: EventFailure, Err: fmt.Errorf("session %s: %w", s.id, ErrNoConnection)})
}

func (o *Orchestrator) onTick(s *active, remaining time.Duration) {
	if o.sess != s {
		return
	}
	s.secondsLeft = seconds(remaining)
	o.surfaceLoss(s)

	leadOff := o.state == StateLeadOff
	s.trace = append(s.trace, TracePoint{
		SecondsLeft: s.secondsLeft,
		Average:     s.average,
		LeadOff:     leadOff,
		At:          o.clock.Now(),
	})

	if leadOff {
		o.publish(Event{Type: EventWarning, SecondsLeft: s.secondsLeft})
		return
	}
	o.publish(Event{
		Type:        EventProgress,
		SecondsLeft: s.secondsLeft,
		Average:     s.average,
		Text:        o.deps.Formatter.FormatProgress(s.secondsLeft, s.average),
	})
}

func (o *Orchestrator) onTimerFinish(s *active) {
	if o.sess != s {
		return
	}
	s.timerDone = true
	s.secondsLeft = 0
	o.setState(StateEnding)
	if !o.deps.Measurement.IsRunning() {
		logf("session %s: measurement not running at timer finish", s.id)
		o.abandon(s)
		return
	}
	safely("finish from timer", o.deps.Measurement.FinishFromTimer)

	// OnFinished is due by now, or queued ahead of this check.
	o.loop.Post(func() {
		if o.sess == s {
			logf("session %s: no result after timer finish", s.id)
			o.abandon(s)
		}
	})
}

// abandon ends s as failed when the collaborator did not report a result.
func (o *Orchestrator) abandon(s *active) {
	safely("measurement stop", o.deps.Measurement.Stop)
	o.end(s, false, s.average, ReasonFailed)
	o.publish(Event{
		Type:      EventFailure,
		Average:   s.average,
		Reason:    ReasonFailed,
		Err:       fmt.Errorf("session %s: %w", s.id, ErrMeasurementFailed),
		SessionID: s.id,
	})
}

func (o *Orchestrator) onLeadOff(s *active) {
	if o.sess != s || o.state != StateRunning {
		return
	}
	o.setState(StateLeadOff)
	o.publish(Event{Type: EventLeadOff})
}

func (o *Orchestrator) onData(s *active, average float64) {
	if o.sess != s {
		return
	}
	s.average = average
	o.surfaceLoss(s)
	if o.state == StateLeadOff {
		o.setState(StateRunning)
		o.publish(Event{Type: EventStateChange})
	}
}

func (o *Orchestrator) onSessionError(s *active, err error) {
	if o.sess != s {
		return
	}
	o.publish(Event{Type: EventError, Err: err})
}

func (o *Orchestrator) onFinished(s *active, success bool, final float64) {
	if o.sess != s {
		return
	}
	s.timer.Cancel()

	reason := ReasonFailed
	if s.timerDone {
		reason = ReasonTimer
	}
	cause := ErrMeasurementFailed
	switch {
	case s.connLost:
		// samples stopped when the link dropped
		success = false
		reason = ReasonFailed
		cause = fmt.Errorf("%w: %w", ErrMeasurementFailed, ErrNoConnection)
	case !success && o.deps.Measurement.IsLeadOff():
		reason = ReasonLeadOff
	}
	o.end(s, success, final, reason)

	if success {
		o.publish(Event{
			Type:      EventResult,
			Success:   true,
			Average:   final,
			Text:      o.deps.Formatter.FormatResult(final),
			Reason:    reason,
			SessionID: s.id,
		})
		return
	}
	o.publish(Event{
		Type:      EventFailure,
		Average:   final,
		Reason:    reason,
		Err:       fmt.Errorf("session %s: %w", s.id, cause),
		SessionID: s.id,
	})
}

func (o *Orchestrator) onConnected(caps []sensing.TrackerType) {
	o.publish(Event{Type: EventConnection, Connected: true})
	if need := o.deps.Measurement.TrackerType(); !sensing.Supports(caps, need) {
		o.publish(Event{Type: EventUnsupported, Err: fmt.Errorf("%w: %s", ErrTrackerUnsupported, need)})
	}
}

func (o *Orchestrator) onDisconnected() {
	if s := o.sess; s != nil {
		s.connLost = true
	}
	o.publish(Event{Type: EventConnection, Connected: false})
}

func (o *Orchestrator) onConnectionFailure(err error) {
	o.publish(Event{Type: EventError, Err: err})
}

func (o *Orchestrator) onFatal(err error) {
	o.fatalMu.Lock()
	if o.fatalErr == nil {
		o.fatalErr = err
		close(o.fatal)
	}
	o.fatalMu.Unlock()

	o.publish(Event{Type: EventError, Err: err})
	if s := o.sess; s != nil {
		o.stop(ReasonFailed)
		o.publish(Event{Type: EventFailure, Reason: ReasonFailed, Err: err, SessionID: s.id})
	}
}

func (o *Orchestrator) setState(st State) {
	if o.state == st {
		return
	}
	logf("state %s -> %s", o.state, st)
	o.state = st
	o.updateStatus()
}

func (o *Orchestrator) updateStatus() {
	st := Status{State: o.state}
	if s := o.sess; s != nil {
		st.SessionID = s.id
		st.SecondsLeft = s.secondsLeft
		st.Average = s.average
		st.StartedAt = s.startedAt
	}
	o.statusMu.Lock()
	text := o.status.Text
	o.status = st
	if o.sess != nil {
		o.status.Text = text
	}
	o.statusMu.Unlock()
}

// publish stamps e with the current state and session and fans it out.
func (o *Orchestrator) publish(e Event) {
	e.State = o.state
	if e.SessionID == "" && o.sess != nil {
		e.SessionID = o.sess.id
	}
	if e.Err != nil {
		e.Error = e.Err.Error()
	}
	e.At = o.clock.Now()

	o.updateStatus()
	if e.Text != "" {
		o.statusMu.Lock()
		o.status.Text = e.Text
		o.statusMu.Unlock()
	}
	o.events.publish(e)
}

// seconds rounds d up to whole seconds.
func seconds(d time.Duration) int {
	return int((d + time.Second - 1) / time.Second)
}

// safely runs a teardown step, logging instead of propagating panics.
func safely(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logf("%s panicked: %v", name, r)
		}
	}()
	fn()
}

// Listeners bound to one session; events for any other session are ignored.

type timerListener struct {
	o *Orchestrator
	s *active
}

func (l timerListener) OnTick(remaining time.Duration) { l.o.onTick(l.s, remaining) }
func (l timerListener) OnFinish()                      { l.o.onTimerFinish(l.s) }

type measListener struct {
	o *Orchestrator
	s *active
}

func (l measListener) OnLeadOff()             { l.o.onLeadOff(l.s) }
func (l measListener) OnData(average float64) { l.o.onData(l.s, average) }
func (l measListener) OnErrorPermission()     { l.o.onSessionError(l.s, ErrSessionPermission) }
func (l measListener) OnErrorPolicy()         { l.o.onSessionError(l.s, ErrSessionPolicy) }
func (l measListener) OnFinished(success bool, final float64) {
	l.o.onFinished(l.s, success, final)
}

type connListener struct{ o *Orchestrator }

var _ connection.Listener = connListener{}

func (l connListener) OnConnected(caps []sensing.TrackerType) { l.o.onConnected(caps) }
func (l connListener) OnDisconnected()                        { l.o.onDisconnected() }
func (l connListener) OnFailure(err error)                    { l.o.onConnectionFailure(err) }
func (l connListener) OnFatalError(err error)                 { l.o.onFatal(err) }
