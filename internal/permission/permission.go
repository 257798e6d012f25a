// Package permission decides whether measurement may run. Decisions are
// persisted in a Store; undecided tokens are put to a Prompter.
package permission

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/ecg.report/internal/monitoring"
)

var logf = monitoring.Component("permission")

const (
	// TokenHealthData is the scoped health-data permission.
	TokenHealthData = "health.read_additional_data"
	// TokenBodySensors is the legacy body-sensors permission.
	TokenBodySensors = "body_sensors"
)

// DefaultPromptTimeout bounds how long a request waits for an answer.
const DefaultPromptTimeout = 5 * time.Minute

// ErrNoAnswer is returned by a Prompter that gave up waiting.
var ErrNoAnswer = errors.New("permission request not answered")

// Store persists grant decisions.
type Store interface {
	Granted(ctx context.Context, token string) (bool, error)
	SetGrant(ctx context.Context, token string, granted bool) error
}

// Prompter asks for a decision on token.
type Prompter interface {
	Prompt(ctx context.Context, token string) (bool, error)
}

// Options configures a Resolver.
type Options struct {
	// ScopedHealthData selects TokenHealthData over TokenBodySensors.
	ScopedHealthData bool
	// PromptTimeout bounds each Request; zero means DefaultPromptTimeout.
	PromptTimeout time.Duration
}

// Resolver implements the session's permission resolver over a Store and a
// Prompter. Decisions are cached so IsGranted never touches the store.
type Resolver struct {
	store   Store
	prompt  Prompter
	token   string
	timeout time.Duration

	mu     sync.Mutex
	grants map[string]bool
}

// NewResolver returns a Resolver. A nil store keeps decisions in memory.
func NewResolver(store Store, prompt Prompter, opts Options) *Resolver {
	if store == nil {
		store = NewMemoryStore()
	}
	if prompt == nil {
		prompt = Deny{}
	}
	token := TokenBodySensors
	if opts.ScopedHealthData {
		token = TokenHealthData
	}
	timeout := opts.PromptTimeout
	if timeout <= 0 {
		timeout = DefaultPromptTimeout
	}
	return &Resolver{
		store:   store,
		prompt:  prompt,
		token:   token,
		timeout: timeout,
		grants:  make(map[string]bool),
	}
}

// Load reads the stored decision for the required token into the cache.
// Call it once before serving; until then the token reads as not granted.
func (r *Resolver) Load(ctx context.Context) error {
	granted, err := r.store.Granted(ctx, r.token)
	if err != nil {
		return fmt.Errorf("failed to read grant for %s: %w", r.token, err)
	}
	r.remember(r.token, granted)
	return nil
}

func (r *Resolver) remember(token string, granted bool) {
	r.mu.Lock()
	r.grants[token] = granted
	r.mu.Unlock()
}

// ResolveRequiredPermission returns the token measurement needs.
func (r *Resolver) ResolveRequiredPermission() string { return r.token }

// IsGranted reports the cached decision for token.
func (r *Resolver) IsGranted(token string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.grants[token]
}

// Request prompts for token in the background and delivers the decision to
// result exactly once. A prompt error is delivered as a denial.
func (r *Resolver) Request(token string, result func(granted bool)) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()

		granted, err := r.prompt.Prompt(ctx, token)
		if err != nil {
			logf("permission request for %s failed: %v", token, err)
			granted = false
		} else {
			if err := r.store.SetGrant(ctx, token, granted); err != nil {
				logf("failed to store grant for %s: %v", token, err)
			}
			r.remember(token, granted)
		}
		logf("permission %s granted=%t", token, granted)
		result(granted)
	}()
}

// Grant records a decision directly, bypassing the prompter.
func (r *Resolver) Grant(ctx context.Context, token string, granted bool) error {
	if err := r.store.SetGrant(ctx, token, granted); err != nil {
		return err
	}
	r.remember(token, granted)
	return nil
}

// MemoryStore is a Store kept in memory.
type MemoryStore struct {
	mu     sync.Mutex
	grants map[string]bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{grants: make(map[string]bool)}
}

func (s *MemoryStore) Granted(_ context.Context, token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.grants[token], nil
}

func (s *MemoryStore) SetGrant(_ context.Context, token string, granted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grants[token] = granted
	return nil
}

// AutoGrant grants every request.
type AutoGrant struct{}

func (AutoGrant) Prompt(context.Context, string) (bool, error) { return true, nil }

// Deny refuses every request.
type Deny struct{}

func (Deny) Prompt(context.Context, string) (bool, error) { return false, nil }
