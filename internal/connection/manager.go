// Package connection owns the lifecycle of the link to the external sensing
// service: connect, disconnect, failure classification, capability queries
// and tracker acquisition.
package connection

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/banshee-data/ecg.report/internal/dispatch"
	"github.com/banshee-data/ecg.report/internal/monitoring"
	"github.com/banshee-data/ecg.report/internal/sensing"
)

var logf = monitoring.Component("connection")

var (
	// ErrNotConnected is returned by Tracker when no live connection exists.
	ErrNotConnected = errors.New("not connected to sensing service")
	// ErrConnectionFatal marks a failure the manager cannot recover from.
	ErrConnectionFatal = errors.New("sensing service connection failed fatally")
	// ErrConnectionRecoverable marks an old-platform or not-installed
	// failure. The user should be told; a later Connect may succeed.
	ErrConnectionRecoverable = errors.New("sensing service unavailable on this platform")
	// ErrResolutionRequired marks a failure that an external action offered
	// by the service can resolve.
	ErrResolutionRequired = errors.New("sensing service connection requires resolution")
)

// State is the connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	// StateFailed is terminal: a fatal failure was reported and Connect is
	// refused for the rest of the manager's life.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Listener receives connection notifications on the manager's executor.
type Listener interface {
	OnConnected(caps []sensing.TrackerType)
	OnDisconnected()
	// OnFailure reports a non-fatal failure wrapping ErrConnectionRecoverable
	// or ErrResolutionRequired. The manager is Disconnected afterwards.
	OnFailure(err error)
	// OnFatalError is delivered at most once per manager.
	OnFatalError(err error)
}

// ListenerFuncs adapts funcs to Listener. Nil funcs are skipped.
type ListenerFuncs struct {
	Connected    func(caps []sensing.TrackerType)
	Disconnected func()
	Failure      func(err error)
	Fatal        func(err error)
}

func (f ListenerFuncs) OnConnected(caps []sensing.TrackerType) {
	if f.Connected != nil {
		f.Connected(caps)
	}
}

func (f ListenerFuncs) OnDisconnected() {
	if f.Disconnected != nil {
		f.Disconnected()
	}
}

func (f ListenerFuncs) OnFailure(err error) {
	if f.Failure != nil {
		f.Failure(err)
	}
}

func (f ListenerFuncs) OnFatalError(err error) {
	if f.Fatal != nil {
		f.Fatal(err)
	}
}

// Status is a point-in-time view of the manager for status endpoints.
type Status struct {
	State        string                `json:"state"`
	Connected    bool                  `json:"connected"`
	Capabilities []sensing.TrackerType `json:"capabilities,omitempty"`
	Attempts     int                   `json:"attempts"`
	LastError    string                `json:"last_error,omitempty"`
}

// Manager is the single owner of the sensing service connection.
//
// Service callbacks may arrive on any goroutine. They update the connected
// snapshot immediately and post listener notifications onto the executor.
// Each Connect dials a fresh service bound to its own link, so callbacks
// from a service the manager has since dropped are ignored.
type Manager struct {
	dial     sensing.Dialer
	executor dispatch.Executor

	connected atomic.Bool
	fatalSent atomic.Bool

	mu       sync.Mutex
	state    State
	svc      sensing.Service
	link     *link
	listener Listener
	attempts int
	lastErr  error
}

// NewManager returns a Disconnected manager. listener may be set later with
// SetListener.
func NewManager(dial sensing.Dialer, executor dispatch.Executor, listener Listener) *Manager {
	if executor == nil {
		executor = dispatch.Inline{}
	}
	if listener == nil {
		listener = ListenerFuncs{}
	}
	return &Manager{dial: dial, executor: executor, listener: listener}
}

// SetListener replaces the listener.
func (m *Manager) SetListener(l Listener) {
	if l == nil {
		l = ListenerFuncs{}
	}
	m.mu.Lock()
	m.listener = l
	m.mu.Unlock()
}

// Connect requests a connection. It returns immediately; the outcome is
// delivered to the listener. Calling Connect while connecting or connected
// has no effect. A failure to issue the request is fatal.
func (m *Manager) Connect() {
	m.mu.Lock()
	switch m.state {
	case StateConnecting, StateConnected:
		m.mu.Unlock()
		return
	case StateFailed:
		m.mu.Unlock()
		logf("connect refused: manager failed fatally")
		return
	}

	m.attempts++
	attempt := m.attempts
	l := &link{m: m}
	m.link = l
	svc, err := m.dial(l)
	if err != nil {
		m.mu.Unlock()
		m.fail(l, fmt.Errorf("%w: dial: %w", ErrConnectionFatal, err))
		return
	}
	m.svc = svc
	m.state = StateConnecting
	m.mu.Unlock()

	logf("connecting (attempt %d)", attempt)
	if err := svc.Connect(); err != nil {
		m.fail(l, fmt.Errorf("%w: connect request: %w", ErrConnectionFatal, err))
	}
}

// Disconnect tears the connection down and leaves the manager Disconnected,
// or Failed if it had failed fatally. It never fails; errors from the
// service are logged.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	svc := m.svc
	m.svc = nil
	m.link = nil
	if m.state != StateFailed {
		m.state = StateDisconnected
	}
	m.connected.Store(false)
	m.mu.Unlock()

	if svc != nil {
		teardown(svc)
	}
}

// IsConnected reports the connected snapshot. Safe from any goroutine.
func (m *Manager) IsConnected() bool { return m.connected.Load() }

// State returns the lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Capabilities returns the tracker types of the live connection, or nil.
func (m *Manager) Capabilities() []sensing.TrackerType {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateConnected || m.svc == nil {
		return nil
	}
	return m.svc.Capabilities()
}

// IsTrackerSupported is false when not connected, otherwise whether t is in
// the live connection's capability set.
func (m *Manager) IsTrackerSupported(t sensing.TrackerType) bool {
	return sensing.Supports(m.Capabilities(), t)
}

// Tracker returns the tracker for t from the live connection.
func (m *Manager) Tracker(t sensing.TrackerType) (sensing.Tracker, error) {
	m.mu.Lock()
	svc := m.svc
	live := m.state == StateConnected && svc != nil
	m.mu.Unlock()
	if !live {
		return nil, ErrNotConnected
	}
	tr, err := svc.Tracker(t)
	if errors.Is(err, sensing.ErrNotConnected) {
		return nil, fmt.Errorf("%w: %w", ErrNotConnected, err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s tracker: %w", t, err)
	}
	return tr, nil
}

// Status returns a snapshot for status reporting.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{
		State:     m.state.String(),
		Connected: m.connected.Load(),
		Attempts:  m.attempts,
	}
	if m.state == StateConnected && m.svc != nil {
		st.Capabilities = m.svc.Capabilities()
	}
	if m.lastErr != nil {
		st.LastError = m.lastErr.Error()
	}
	return st
}

func (m *Manager) current(l *link) bool { return l == m.link && l != nil }

func (m *Manager) onSuccess(l *link) {
	m.mu.Lock()
	if !m.current(l) || m.state != StateConnecting {
		m.mu.Unlock()
		return
	}
	m.state = StateConnected
	m.lastErr = nil
	m.connected.Store(true)
	caps := m.svc.Capabilities()
	listener := m.listener
	m.mu.Unlock()

	logf("connected, capabilities %v", caps)
	m.notify(func() { listener.OnConnected(caps) })
}

func (m *Manager) onEnded(l *link) {
	m.mu.Lock()
	if !m.current(l) || (m.state != StateConnected && m.state != StateConnecting) {
		m.mu.Unlock()
		return
	}
	m.state = StateDisconnected
	m.svc = nil
	m.link = nil
	m.connected.Store(false)
	listener := m.listener
	m.mu.Unlock()

	logf("connection ended")
	m.notify(listener.OnDisconnected)
}

func (m *Manager) onFailed(l *link, cerr *sensing.ConnectError) {
	if cerr == nil {
		cerr = &sensing.ConnectError{Code: sensing.CodeUnknown}
	}

	var err error
	switch {
	case cerr.Code == sensing.CodeOldPlatform, cerr.Code == sensing.CodeNotInstalled:
		err = fmt.Errorf("%w: %w", ErrConnectionRecoverable, cerr)
	case cerr.HasResolution():
		err = fmt.Errorf("%w: %w", ErrResolutionRequired, cerr)
	default:
		m.fail(l, fmt.Errorf("%w: %w", ErrConnectionFatal, cerr))
		return
	}

	m.mu.Lock()
	if !m.current(l) || m.state != StateConnecting {
		m.mu.Unlock()
		return
	}
	svc := m.svc
	m.state = StateDisconnected
	m.svc = nil
	m.link = nil
	m.lastErr = err
	m.connected.Store(false)
	listener := m.listener
	m.mu.Unlock()

	logf("connection failed: %v", err)
	teardown(svc)
	m.notify(func() { listener.OnFailure(err) })
}

// fail moves the manager to StateFailed and delivers OnFatalError once.
// Failures reported on a stale link are ignored.
func (m *Manager) fail(l *link, err error) {
	m.mu.Lock()
	if !m.current(l) {
		m.mu.Unlock()
		return
	}
	svc := m.svc
	m.state = StateFailed
	m.svc = nil
	m.link = nil
	m.lastErr = err
	m.connected.Store(false)
	listener := m.listener
	m.mu.Unlock()

	logf("fatal: %v", err)
	if svc != nil {
		teardown(svc)
	}
	if m.fatalSent.CompareAndSwap(false, true) {
		m.notify(func() { listener.OnFatalError(err) })
	}
}

func (m *Manager) notify(fn func()) {
	if !m.executor.Post(fn) {
		logf("executor closed, dropping notification")
	}
}

// teardown disconnects svc, logging errors and recovering panics.
func teardown(svc sensing.Service) {
	defer func() {
		if r := recover(); r != nil {
			logf("panic during disconnect: %v", r)
		}
	}()
	if err := svc.Disconnect(); err != nil {
		logf("disconnect: %v", err)
	}
}

// link is the ConnectionListener handed to one dialled service.
type link struct{ m *Manager }

func (l *link) OnConnectionSuccess()                       { l.m.onSuccess(l) }
func (l *link) OnConnectionEnded()                         { l.m.onEnded(l) }
func (l *link) OnConnectionFailed(e *sensing.ConnectError) { l.m.onFailed(l, e) }
