package sensing

import (
	"fmt"
	"slices"
	"sync"
)

// FakeDialer hands out FakeServices and remembers them so tests can drive
// connection events.
type FakeDialer struct {
	mu sync.Mutex

	// Capabilities is copied into each dialled service.
	Capabilities []TrackerType
	// ConnectErr is returned by Connect on each dialled service.
	ConnectErr error
	// DialErr fails Dial itself.
	DialErr error

	services []*FakeService
}

// NewFakeDialer returns a dialer whose services support caps.
func NewFakeDialer(caps ...TrackerType) *FakeDialer {
	return &FakeDialer{Capabilities: caps}
}

// Dial implements Dialer.
func (d *FakeDialer) Dial(l ConnectionListener) (Service, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.DialErr != nil {
		return nil, d.DialErr
	}
	svc := &FakeService{
		listener:   l,
		caps:       slices.Clone(d.Capabilities),
		connectErr: d.ConnectErr,
		trackers:   make(map[TrackerType]*FakeTracker),
	}
	d.services = append(d.services, svc)
	return svc, nil
}

// Dials returns the number of services dialled.
func (d *FakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.services)
}

// Last returns the most recently dialled service, or nil.
func (d *FakeDialer) Last() *FakeService {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.services) == 0 {
		return nil
	}
	return d.services[len(d.services)-1]
}

// Service returns the i-th dialled service.
func (d *FakeDialer) Service(i int) *FakeService {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.services[i]
}

// FakeService is a scripted Service. Connection outcomes are delivered by
// calling Succeed, Fail or End from the test.
type FakeService struct {
	listener ConnectionListener

	mu              sync.Mutex
	caps            []TrackerType
	connectErr      error
	connected       bool
	connectCalls    int
	disconnectCalls int
	trackers        map[TrackerType]*FakeTracker
}

var _ Service = (*FakeService)(nil)

func (s *FakeService) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connectCalls++
	return s.connectErr
}

func (s *FakeService) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnectCalls++
	s.connected = false
	return nil
}

func (s *FakeService) Capabilities() []TrackerType {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.caps)
}

func (s *FakeService) Tracker(t TrackerType) (Tracker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil, ErrNotConnected
	}
	if !Supports(s.caps, t) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedTracker, t)
	}
	tr, ok := s.trackers[t]
	if !ok {
		tr = NewFakeTracker(t)
		s.trackers[t] = tr
	}
	return tr, nil
}

// Succeed reports a successful connection.
func (s *FakeService) Succeed() {
	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()
	s.listener.OnConnectionSuccess()
}

// Fail reports a failed connection.
func (s *FakeService) Fail(err *ConnectError) {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
	s.listener.OnConnectionFailed(err)
}

// End reports that the connection was lost.
func (s *FakeService) End() {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
	s.listener.OnConnectionEnded()
}

// ConnectCalls returns how many times Connect was called.
func (s *FakeService) ConnectCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectCalls
}

// DisconnectCalls returns how many times Disconnect was called.
func (s *FakeService) DisconnectCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnectCalls
}

// TrackerOf returns the tracker of type t handed out so far, or nil.
func (s *FakeService) TrackerOf(t TrackerType) *FakeTracker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trackers[t]
}

// FakeTracker is a Tracker whose events are injected by the test.
type FakeTracker struct {
	typ TrackerType

	mu       sync.Mutex
	listener TrackerEventListener
	sets     int
	unsets   int
}

var _ Tracker = (*FakeTracker)(nil)

// NewFakeTracker returns an idle tracker of type t.
func NewFakeTracker(t TrackerType) *FakeTracker { return &FakeTracker{typ: t} }

func (t *FakeTracker) Type() TrackerType { return t.typ }

func (t *FakeTracker) SetEventListener(l TrackerEventListener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listener = l
	t.sets++
}

func (t *FakeTracker) UnsetEventListener() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listener = nil
	t.unsets++
}

// Listening reports whether a listener is installed.
func (t *FakeTracker) Listening() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.listener != nil
}

// Sets returns how many times SetEventListener was called.
func (t *FakeTracker) Sets() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sets
}

// Unsets returns how many times UnsetEventListener was called.
func (t *FakeTracker) Unsets() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.unsets
}

// Emit delivers points to the installed listener. It reports false when no
// listener is installed.
func (t *FakeTracker) Emit(points ...DataPoint) bool {
	l := t.current()
	if l == nil {
		return false
	}
	l.OnDataReceived(points)
	return true
}

// Flush delivers OnFlushCompleted.
func (t *FakeTracker) Flush() bool {
	l := t.current()
	if l == nil {
		return false
	}
	l.OnFlushCompleted()
	return true
}

// Fail delivers OnError.
func (t *FakeTracker) Fail(err TrackerError) bool {
	l := t.current()
	if l == nil {
		return false
	}
	l.OnError(err)
	return true
}

func (t *FakeTracker) current() TrackerEventListener {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.listener
}
