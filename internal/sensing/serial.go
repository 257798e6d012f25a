package sensing

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/banshee-data/ecg.report/internal/dispatch"
	"github.com/banshee-data/ecg.report/internal/monitoring"
	"github.com/banshee-data/ecg.report/internal/serialmux"
)

var logf = monitoring.Component("sensing")

// SerialService is a Service backed by a sensor bridge on a serial line.
// Listener callbacks run on the service's reader goroutine.
type SerialService struct {
	mux      serialmux.SerialMuxInterface
	listener ConnectionListener
	now      func() time.Time

	mu        sync.Mutex
	subID     string
	connected bool
	closed    bool
	caps      []TrackerType
	trackers  map[TrackerType]*serialTracker
	reading   sync.WaitGroup
	// writes sends tracker commands in order without blocking the caller.
	writes *dispatch.Loop
}

var _ Service = (*SerialService)(nil)

// NewSerialService returns a Service that reports to listener.
func NewSerialService(mux serialmux.SerialMuxInterface, listener ConnectionListener) *SerialService {
	return &SerialService{
		mux:      mux,
		listener: listener,
		now:      time.Now,
		trackers: make(map[TrackerType]*serialTracker),
	}
}

// NewSerialDialer returns a Dialer producing SerialServices over mux.
func NewSerialDialer(mux serialmux.SerialMuxInterface) Dialer {
	return func(l ConnectionListener) (Service, error) {
		if mux == nil {
			return nil, errors.New("serial mux is nil")
		}
		return NewSerialService(mux, l), nil
	}
}

// Connect performs the sensor handshake, starts reading device lines and
// asks the device to connect. The outcome arrives as a listener callback.
func (s *SerialService) Connect() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("serial service already disconnected")
	}
	if s.subID != "" {
		s.mu.Unlock()
		return errors.New("connect already issued")
	}
	s.mu.Unlock()

	if err := s.mux.Initialize(); err != nil {
		return fmt.Errorf("sensor handshake failed: %w", err)
	}

	id, ch := s.mux.Subscribe()
	s.mu.Lock()
	s.subID = id
	s.mu.Unlock()

	s.reading.Add(1)
	go s.read(ch)

	if err := s.mux.SendCommand(CommandConnect); err != nil {
		s.release()
		return fmt.Errorf("failed to send %s: %w", CommandConnect, err)
	}
	return nil
}

// Disconnect asks the device to drop the connection and stops reading.
// No OnConnectionEnded follows an explicit Disconnect.
func (s *SerialService) Disconnect() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	issued := s.subID != ""
	s.mu.Unlock()

	// queued tracker commands reach the device before DISCONNECT
	s.drainWrites()

	var err error
	if issued {
		if sendErr := s.mux.SendCommand(CommandDisconnect); sendErr != nil {
			err = fmt.Errorf("failed to send %s: %w", CommandDisconnect, sendErr)
		}
	}
	s.release()
	return err
}

// release marks the service closed and unsubscribes from the mux, which
// ends the reader goroutine.
func (s *SerialService) release() {
	s.mu.Lock()
	s.closed = true
	s.connected = false
	id := s.subID
	s.subID = ""
	s.mu.Unlock()

	if id != "" {
		s.mux.Unsubscribe(id)
	}
	s.drainWrites()
}

// sendLater queues cmd for the device. Commands are dropped once the
// service is closed.
func (s *SerialService) sendLater(cmd string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		logf("dropping %q: service disconnected", cmd)
		return
	}
	if s.writes == nil {
		s.writes = dispatch.NewLoop()
	}
	w := s.writes
	s.mu.Unlock()

	w.Post(func() {
		if err := s.mux.SendCommand(cmd); err != nil {
			logf("failed to send %q: %v", cmd, err)
		}
	})
}

// drainWrites sends whatever is queued and stops the writer.
func (s *SerialService) drainWrites() {
	s.mu.Lock()
	w := s.writes
	s.writes = nil
	s.mu.Unlock()
	if w != nil {
		w.Close()
	}
}

// Wait blocks until the reader goroutine has exited.
func (s *SerialService) Wait() { s.reading.Wait() }

func (s *SerialService) Capabilities() []TrackerType {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.caps)
}

func (s *SerialService) Tracker(t TrackerType) (Tracker, error) {
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
		tr = &serialTracker{svc: s, typ: t}
		s.trackers[t] = tr
	}
	return tr, nil
}

func (s *SerialService) read(ch <-chan string) {
	defer s.reading.Done()
	for line := range ch {
		s.handle(line)
	}

	// The channel closes on Unsubscribe or when the mux shuts down. Only the
	// latter is an unexpected end.
	s.mu.Lock()
	ended := s.connected && !s.closed
	s.connected = false
	s.mu.Unlock()
	if ended {
		s.listener.OnConnectionEnded()
	}
}

func (s *SerialService) handle(line string) {
	msg, err := ParseMessage(line)
	if err != nil {
		logf("ignoring device line: %v", err)
		return
	}

	switch msg.Type {
	case MessageConnected:
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		s.connected = true
		s.caps = slices.Clone(msg.Capabilities)
		s.mu.Unlock()
		s.listener.OnConnectionSuccess()

	case MessageConnectFailed:
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		s.connected = false
		s.mu.Unlock()
		s.listener.OnConnectionFailed(msg.ConnectError())

	case MessageEnded:
		s.mu.Lock()
		ended := s.connected && !s.closed
		s.connected = false
		s.mu.Unlock()
		if ended {
			s.listener.OnConnectionEnded()
		}

	case MessageData:
		if l := s.trackerListener(msg.Tracker); l != nil {
			l.OnDataReceived(msg.DataPoints(s.now()))
		}

	case MessageFlush:
		if l := s.trackerListener(msg.Tracker); l != nil {
			l.OnFlushCompleted()
		}

	case MessageTrackerError:
		if l := s.trackerListener(msg.Tracker); l != nil {
			l.OnError(ParseTrackerError(msg.Error))
		}

	default:
		logf("unknown device message type %q", msg.Type)
	}
}

func (s *SerialService) trackerListener(t TrackerType) TrackerEventListener {
	s.mu.Lock()
	tr, ok := s.trackers[t]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return tr.current()
}

type serialTracker struct {
	svc *SerialService
	typ TrackerType

	mu       sync.Mutex
	listener TrackerEventListener
}

func (t *serialTracker) Type() TrackerType { return t.typ }

func (t *serialTracker) current() TrackerEventListener {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.listener
}

// SetEventListener installs l and asks the device to start streaming. The
// command is written in the background.
func (t *serialTracker) SetEventListener(l TrackerEventListener) {
	t.mu.Lock()
	t.listener = l
	t.mu.Unlock()

	t.svc.sendLater(TrackCommand(t.typ))
}

// UnsetEventListener removes the listener and stops streaming.
func (t *serialTracker) UnsetEventListener() {
	t.mu.Lock()
	had := t.listener != nil
	t.listener = nil
	t.mu.Unlock()

	if had {
		t.svc.sendLater(UntrackCommand(t.typ))
	}
}
