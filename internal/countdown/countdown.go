// Package countdown implements a cancellable, tick-emitting countdown with a
// settling window during which ticks are suppressed.
package countdown

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/ecg.report/internal/dispatch"
	"github.com/banshee-data/ecg.report/internal/monitoring"
	"github.com/banshee-data/ecg.report/internal/timeutil"
)

var logf = monitoring.Component("countdown")

// State is the lifecycle state of a Coordinator.
type State int

const (
	StateIdle State = iota
	StateActive
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Listener receives countdown events. Both methods are invoked on the
// Coordinator's executor and never concurrently with each other.
type Listener interface {
	OnTick(remaining time.Duration)
	OnFinish()
}

// ListenerFuncs adapts a pair of funcs to Listener. Nil funcs are skipped.
type ListenerFuncs struct {
	Tick   func(remaining time.Duration)
	Finish func()
}

func (f ListenerFuncs) OnTick(remaining time.Duration) {
	if f.Tick != nil {
		f.Tick(remaining)
	}
}

func (f ListenerFuncs) OnFinish() {
	if f.Finish != nil {
		f.Finish()
	}
}

// Config holds the parameters fixed at construction.
type Config struct {
	// Duration is the total countdown length.
	Duration time.Duration
	// Tick is the interval between ticks.
	Tick time.Duration
	// IgnoreWindow is the leading part of the countdown during which ticks
	// are suppressed.
	IgnoreWindow time.Duration
}

// Validate checks 0 < Tick, 0 < Duration and 0 <= IgnoreWindow <= Duration.
func (c Config) Validate() error {
	if c.Duration <= 0 {
		return fmt.Errorf("duration must be positive, got %v", c.Duration)
	}
	if c.Tick <= 0 {
		return fmt.Errorf("tick must be positive, got %v", c.Tick)
	}
	if c.IgnoreWindow < 0 || c.IgnoreWindow > c.Duration {
		return fmt.Errorf("ignore window %v must be within [0, %v]", c.IgnoreWindow, c.Duration)
	}
	return nil
}

// ErrInvalidConfig wraps Config validation failures.
var ErrInvalidConfig = errors.New("invalid countdown config")

// Coordinator counts down from Duration in Tick steps. Each activation
// delivers exactly one OnFinish on natural expiry, or none if cancelled.
//
// Start and Cancel must be called on the executor's context. Timer
// callbacks are marshalled onto the executor and carry the activation
// generation, so a tick already queued when Cancel runs is discarded.
type Coordinator struct {
	cfg      Config
	clock    timeutil.Clock
	executor dispatch.Executor

	mu         sync.Mutex
	state      State
	generation uint64
	remaining  time.Duration
	timer      timeutil.Timer
	listener   Listener
}

// New returns an idle Coordinator.
func New(cfg Config, clock timeutil.Clock, executor dispatch.Executor) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if executor == nil {
		executor = dispatch.Inline{}
	}
	return &Coordinator{
		cfg:      cfg,
		clock:    clock,
		executor: executor,
	}, nil
}

// Config returns the construction parameters.
func (c *Coordinator) Config() Config { return c.cfg }

// State returns the current state. Safe from any goroutine.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Remaining returns the time left in the current activation; zero when idle
// or expired.
func (c *Coordinator) Remaining() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateActive {
		return 0
	}
	return c.remaining
}

// Start cancels any active countdown and begins a new one.
func (c *Coordinator) Start(listener Listener) {
	if listener == nil {
		listener = ListenerFuncs{}
	}

	c.mu.Lock()
	c.stopLocked()
	c.generation++
	c.state = StateActive
	c.remaining = c.cfg.Duration
	c.listener = listener
	c.scheduleLocked(c.generation)
	c.mu.Unlock()
}

// Cancel stops tick and finish delivery for the active countdown and
// returns to Idle without calling OnFinish. Cancel is idempotent.
func (c *Coordinator) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateActive {
		return
	}
	c.stopLocked()
	c.state = StateIdle
	c.remaining = 0
}

// stopLocked invalidates the current activation.
func (c *Coordinator) stopLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.generation++
	c.listener = nil
}

func (c *Coordinator) scheduleLocked(gen uint64) {
	delay := c.cfg.Tick
	if c.remaining < delay {
		delay = c.remaining
	}
	c.timer = c.clock.AfterFunc(delay, func() {
		if !c.executor.Post(func() { c.step(gen) }) {
			logf("executor closed, dropping step for activation %d", gen)
		}
	})
}

// step advances the activation identified by gen by one interval.
func (c *Coordinator) step(gen uint64) {
	c.mu.Lock()
	if gen != c.generation || c.state != StateActive {
		c.mu.Unlock()
		return
	}

	delay := c.cfg.Tick
	if c.remaining < delay {
		delay = c.remaining
	}
	c.remaining -= delay
	listener := c.listener

	if c.remaining <= 0 {
		c.remaining = 0
		c.state = StateExpired
		c.timer = nil
		c.listener = nil
		c.mu.Unlock()
		listener.OnFinish()
		return
	}

	emit := c.remaining <= c.cfg.Duration-c.cfg.IgnoreWindow
	remaining := c.remaining
	c.scheduleLocked(gen)
	c.mu.Unlock()

	if emit {
		listener.OnTick(remaining)
	}
}
