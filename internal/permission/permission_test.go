package permission

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/ecg.report/internal/monitoring"
	"github.com/banshee-data/ecg.report/internal/session"
)

var _ session.PermissionResolver = (*Resolver)(nil)

func quiet(t *testing.T) {
	t.Helper()
	original := monitoring.Logf
	t.Cleanup(func() { monitoring.Logf = original })
	monitoring.SetLogger(nil)
}

func awaitResult(t *testing.T, r *Resolver, token string) bool {
	t.Helper()
	results := make(chan bool, 2)
	r.Request(token, func(granted bool) { results <- granted })
	select {
	case granted := <-results:
		select {
		case <-results:
			t.Fatal("result delivered more than once")
		case <-time.After(20 * time.Millisecond):
		}
		return granted
	case <-time.After(2 * time.Second):
		t.Fatal("no result delivered")
		return false
	}
}

func TestResolveRequiredPermission(t *testing.T) {
	assert.Equal(t, TokenBodySensors, NewResolver(nil, nil, Options{}).ResolveRequiredPermission())
	assert.Equal(t, TokenHealthData, NewResolver(nil, nil, Options{ScopedHealthData: true}).ResolveRequiredPermission())
}

func TestRequest_PersistsDecision(t *testing.T) {
	quiet(t)
	tests := []struct {
		name   string
		prompt Prompter
		want   bool
	}{
		{"auto grant", AutoGrant{}, true},
		{"deny", Deny{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewMemoryStore()
			r := NewResolver(store, tt.prompt, Options{})
			token := r.ResolveRequiredPermission()

			assert.False(t, r.IsGranted(token))
			assert.Equal(t, tt.want, awaitResult(t, r, token))
			assert.Equal(t, tt.want, r.IsGranted(token))
		})
	}
}

type failingStore struct{ err error }

func (s failingStore) Granted(context.Context, string) (bool, error) { return false, s.err }
func (s failingStore) SetGrant(context.Context, string, bool) error  { return s.err }

func TestStoreErrors(t *testing.T) {
	quiet(t)
	r := NewResolver(failingStore{errors.New("disk full")}, AutoGrant{}, Options{})
	assert.ErrorContains(t, r.Load(context.Background()), "disk full")
	assert.False(t, r.IsGranted(TokenBodySensors))
	// the answer still reaches the caller and holds for this process
	assert.True(t, awaitResult(t, r, TokenBodySensors))
	assert.True(t, r.IsGranted(TokenBodySensors))
}

// blockingStore never answers reads until its context ends.
type blockingStore struct {
	*MemoryStore
	reads chan struct{}
}

func (s *blockingStore) Granted(ctx context.Context, _ string) (bool, error) {
	s.reads <- struct{}{}
	<-ctx.Done()
	return false, ctx.Err()
}

func TestLoad_CachesStoredGrant(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.SetGrant(context.Background(), TokenHealthData, true))
	r := NewResolver(store, nil, Options{ScopedHealthData: true})

	assert.False(t, r.IsGranted(TokenHealthData), "not granted before Load")
	require.NoError(t, r.Load(context.Background()))
	assert.True(t, r.IsGranted(TokenHealthData))
}

func TestIsGranted_DoesNotReadStore(t *testing.T) {
	store := &blockingStore{MemoryStore: NewMemoryStore(), reads: make(chan struct{}, 1)}
	r := NewResolver(store, nil, Options{})
	require.NoError(t, r.Grant(context.Background(), TokenBodySensors, true))

	done := make(chan bool, 1)
	go func() { done <- r.IsGranted(TokenBodySensors) }()
	select {
	case granted := <-done:
		assert.True(t, granted)
	case <-time.After(time.Second):
		t.Fatal("IsGranted blocked on the store")
	}
	assert.Empty(t, store.reads)
}

func TestQueue_Answer(t *testing.T) {
	quiet(t)
	q := NewQueue()
	r := NewResolver(nil, q, Options{})

	results := make(chan bool, 1)
	r.Request(TokenBodySensors, func(granted bool) { results <- granted })

	require.Eventually(t, func() bool { return len(q.Pending()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{TokenBodySensors}, q.Pending())
	assert.Equal(t, 1, q.Answer(TokenBodySensors, true))

	select {
	case granted := <-results:
		assert.True(t, granted)
	case <-time.After(2 * time.Second):
		t.Fatal("no result delivered")
	}
	assert.True(t, r.IsGranted(TokenBodySensors))
	assert.Empty(t, q.Pending())
	assert.Zero(t, q.Answer(TokenBodySensors, true))
}

func TestQueue_Timeout(t *testing.T) {
	quiet(t)
	q := NewQueue()
	r := NewResolver(nil, q, Options{PromptTimeout: 20 * time.Millisecond})

	assert.False(t, awaitResult(t, r, TokenHealthData))
	assert.Empty(t, q.Pending(), "timed out request is removed")
	assert.False(t, r.IsGranted(TokenHealthData))
}

func TestQueue_PromptContextError(t *testing.T) {
	q := NewQueue()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := q.Prompt(ctx, "x")
	assert.ErrorIs(t, err, ErrNoAnswer)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestResolver_Grant(t *testing.T) {
	r := NewResolver(nil, nil, Options{})
	require.NoError(t, r.Grant(context.Background(), TokenBodySensors, true))
	assert.True(t, r.IsGranted(TokenBodySensors))
}
