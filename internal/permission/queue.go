package permission

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Queue is a Prompter whose requests wait until an operator answers them,
// for example through the HTTP API.
type Queue struct {
	mu      sync.Mutex
	waiting map[string][]chan bool
}

func NewQueue() *Queue {
	return &Queue{waiting: make(map[string][]chan bool)}
}

// Prompt blocks until Answer is called for token or ctx is done.
func (q *Queue) Prompt(ctx context.Context, token string) (bool, error) {
	ch := make(chan bool, 1)
	q.mu.Lock()
	q.waiting[token] = append(q.waiting[token], ch)
	q.mu.Unlock()

	select {
	case granted := <-ch:
		return granted, nil
	case <-ctx.Done():
		q.remove(token, ch)
		return false, fmt.Errorf("%w: %w", ErrNoAnswer, ctx.Err())
	}
}

// Answer resolves every waiting request for token. It reports how many
// requests were waiting.
func (q *Queue) Answer(token string, granted bool) int {
	q.mu.Lock()
	waiting := q.waiting[token]
	delete(q.waiting, token)
	q.mu.Unlock()

	for _, ch := range waiting {
		ch <- granted
	}
	return len(waiting)
}

// Pending lists tokens with at least one waiting request.
func (q *Queue) Pending() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, 0, len(q.waiting))
	for token := range q.waiting {
		out = append(out, token)
	}
	sort.Strings(out)
	return out
}

func (q *Queue) remove(token string, ch chan bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	list := q.waiting[token]
	for i, c := range list {
		if c == ch {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(q.waiting, token)
		return
	}
	q.waiting[token] = list
}
