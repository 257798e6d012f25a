package sensing

import (
	"bufio"
	"bytes"
	"io"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/ecg.report/internal/serialmux"
	"github.com/banshee-data/ecg.report/internal/timeutil"
)

// SimulatorOptions configures a Simulator.
type SimulatorOptions struct {
	// Capabilities reported on connect. Defaults to ECG on demand only.
	Capabilities []TrackerType
	// Failure, when set, is reported instead of a successful connection.
	Failure *ConnectError
	// Interval between data batches. Defaults to 200ms.
	Interval time.Duration
	// SampleRate in Hz. Defaults to 250.
	SampleRate int
	// HeartRate in beats per minute. Defaults to 72.
	HeartRate float64
	// LeadOffAfter and LeadOffFor describe a window, measured from the
	// start of tracking, during which the simulated electrode reports no
	// contact. A zero LeadOffFor disables it.
	LeadOffAfter time.Duration
	LeadOffFor   time.Duration
}

func (o SimulatorOptions) withDefaults() SimulatorOptions {
	if len(o.Capabilities) == 0 {
		o.Capabilities = []TrackerType{TrackerECGOnDemand}
	}
	if o.Interval <= 0 {
		o.Interval = 200 * time.Millisecond
	}
	if o.SampleRate <= 0 {
		o.SampleRate = 250
	}
	if o.HeartRate <= 0 {
		o.HeartRate = 72
	}
	return o
}

// Simulator is a serial port that behaves like an ECG sensor bridge. It
// answers the line protocol and streams a synthetic waveform while a
// tracker is active.
type Simulator struct {
	opts  SimulatorOptions
	clock timeutil.Clock

	pr *io.PipeReader
	pw *io.PipeWriter

	out     chan string
	done    chan struct{}
	closeMu sync.Once

	mu        sync.Mutex
	pending   bytes.Buffer
	connected bool
	streams   map[TrackerType]chan struct{}
	commands  []string
}

var _ serialmux.SerialPorter = (*Simulator)(nil)

// NewSimulator returns a running Simulator.
func NewSimulator(opts SimulatorOptions, clock timeutil.Clock) *Simulator {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	pr, pw := io.Pipe()
	s := &Simulator{
		opts:    opts.withDefaults(),
		clock:   clock,
		pr:      pr,
		pw:      pw,
		out:     make(chan string, 256),
		done:    make(chan struct{}),
		streams: make(map[TrackerType]chan struct{}),
	}
	go s.pump()
	return s
}

// NewSimulatedSerialMux wraps a new Simulator in a SerialMux.
func NewSimulatedSerialMux(opts SimulatorOptions) *serialmux.SerialMux[*Simulator] {
	return serialmux.NewSerialMux(NewSimulator(opts, nil))
}

func (s *Simulator) Read(p []byte) (int, error) { return s.pr.Read(p) }

// Write accepts host commands, one per line.
func (s *Simulator) Write(p []byte) (int, error) {
	select {
	case <-s.done:
		return 0, io.ErrClosedPipe
	default:
	}

	s.mu.Lock()
	s.pending.Write(p)
	var lines []string
	for {
		idx := bytes.IndexByte(s.pending.Bytes(), '\n')
		if idx < 0 {
			break
		}
		line := string(s.pending.Next(idx + 1))
		lines = append(lines, strings.TrimSpace(line))
	}
	s.mu.Unlock()

	for _, line := range lines {
		if line != "" {
			s.command(line)
		}
	}
	return len(p), nil
}

func (s *Simulator) Close() error {
	s.closeMu.Do(func() {
		close(s.done)
		s.mu.Lock()
		s.stopAllLocked()
		s.mu.Unlock()
		s.pw.Close()
	})
	return nil
}

// Commands returns the commands received so far.
func (s *Simulator) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// Drop simulates the sensor going away while connected.
func (s *Simulator) Drop() {
	s.mu.Lock()
	was := s.connected
	s.connected = false
	s.stopAllLocked()
	s.mu.Unlock()
	if was {
		s.emit(Message{Type: MessageEnded})
	}
}

func (s *Simulator) command(line string) {
	s.mu.Lock()
	s.commands = append(s.commands, line)
	s.mu.Unlock()

	verb, arg, _ := strings.Cut(line, " ")
	switch verb {
	case CommandConnect:
		if f := s.opts.Failure; f != nil {
			s.emit(Message{Type: MessageConnectFailed, Code: f.Code.String(), Text: f.Message, Resolution: f.Resolvable})
			return
		}
		s.mu.Lock()
		s.connected = true
		s.mu.Unlock()
		s.emit(Message{Type: MessageConnected, Capabilities: s.opts.Capabilities})

	case CommandDisconnect:
		s.mu.Lock()
		s.connected = false
		s.stopAllLocked()
		s.mu.Unlock()

	case CommandTrack:
		s.track(TrackerType(arg))

	case CommandUntrack:
		s.mu.Lock()
		if stop, ok := s.streams[TrackerType(arg)]; ok {
			close(stop)
			delete(s.streams, TrackerType(arg))
		}
		s.mu.Unlock()
		s.emit(Message{Type: MessageFlush, Tracker: TrackerType(arg)})
	}
	// SYNC, FORMAT and ECHO need no answer.
}

func (s *Simulator) track(t TrackerType) {
	if !Supports(s.opts.Capabilities, t) {
		s.emit(Message{Type: MessageTrackerError, Tracker: t, Error: TrackerErrorUnknown.String()})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return
	}
	if _, ok := s.streams[t]; ok {
		return
	}
	stop := make(chan struct{})
	s.streams[t] = stop
	go s.stream(t, stop)
}

func (s *Simulator) stopAllLocked() {
	for t, stop := range s.streams {
		close(stop)
		delete(s.streams, t)
	}
}

func (s *Simulator) stream(t TrackerType, stop <-chan struct{}) {
	ticker := s.clock.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	start := s.clock.Now()
	perBatch := int(float64(s.opts.SampleRate) * s.opts.Interval.Seconds())
	if perBatch < 1 {
		perBatch = 1
	}
	step := time.Second / time.Duration(s.opts.SampleRate)
	sample := 0

	for {
		select {
		case <-stop:
			return
		case <-s.done:
			return
		case <-ticker.C():
			points := make([]WirePoint, perBatch)
			for i := range points {
				offset := time.Duration(sample) * step
				sample++
				leadOff := 0
				if s.inLeadOffWindow(offset) {
					leadOff = NoContactCode
				}
				points[i] = WirePoint{
					LeadOff:     leadOff,
					MilliVolts:  s.waveform(offset),
					TimestampMs: start.Add(offset).UnixMilli(),
				}
			}
			s.emit(Message{Type: MessageData, Tracker: t, Points: points})
		}
	}
}

func (s *Simulator) inLeadOffWindow(offset time.Duration) bool {
	if s.opts.LeadOffFor <= 0 {
		return false
	}
	return offset >= s.opts.LeadOffAfter && offset < s.opts.LeadOffAfter+s.opts.LeadOffFor
}

// waveform returns a PQRST-shaped signal in millivolts.
func (s *Simulator) waveform(offset time.Duration) float64 {
	beat := 60 / s.opts.HeartRate
	phase := math.Mod(offset.Seconds(), beat) / beat
	gauss := func(center, width, amp float64) float64 {
		d := (phase - center) / width
		return amp * math.Exp(-d*d)
	}
	return gauss(0.18, 0.025, 0.12) + // P
		gauss(0.30, 0.008, -0.1) + // Q
		gauss(0.32, 0.010, 1.1) + // R
		gauss(0.34, 0.008, -0.2) + // S
		gauss(0.58, 0.05, 0.3) // T
}

func (s *Simulator) emit(msg Message) {
	line, err := EncodeMessage(msg)
	if err != nil {
		logf("simulator: failed to encode %s: %v", msg.Type, err)
		return
	}
	select {
	case s.out <- line:
	case <-s.done:
	}
}

// pump writes queued lines to the read side of the port.
func (s *Simulator) pump() {
	w := bufio.NewWriter(s.pw)
	for {
		select {
		case <-s.done:
			return
		case line := <-s.out:
			w.WriteString(line)
			w.WriteByte('\n')
			if err := w.Flush(); err != nil {
				return
			}
		}
	}
}
