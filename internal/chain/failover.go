package chain

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// Failover spreads calls across RPC endpoints. It sticks to the current
// endpoint until failThreshold consecutive failures, and a single call tries
// each endpoint at most once.
type Failover[T any] struct {
	endpoints     []string
	clients       []T
	index         int
	failCount     int
	failThreshold int
	mu            sync.Mutex
}

func NewFailover[T any](endpoints []string, failThreshold int, dial func(endpoint string) (T, error)) (*Failover[T], error) {
	list := sanitizeEndpoints(endpoints)
	if len(list) == 0 {
		return nil, errors.New("rpc endpoints is empty")
	}
	if failThreshold <= 0 {
		failThreshold = 3
	}
	clients := make([]T, 0, len(list))
	for _, ep := range list {
		c, err := dial(ep)
		if err != nil {
			return nil, err
		}
		clients = append(clients, c)
	}
	return &Failover[T]{
		endpoints:     list,
		clients:       clients,
		failThreshold: failThreshold,
	}, nil
}

// Endpoint returns the endpoint currently in use.
func (f *Failover[T]) Endpoint() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.endpoints[f.index]
}

// Do runs fn against the current client, falling through the remaining
// endpoints on failure. The sticky endpoint only moves once it has failed
// failThreshold times in a row. Context errors and errors marked permanent
// by isPermanent stop the walk.
func (f *Failover[T]) Do(ctx context.Context, fn func(T) error, isPermanent func(error) bool) error {
	var lastErr error
	start := f.currentIndex()
	for i := 0; i < len(f.clients); i++ {
		idx := (start + i) % len(f.clients)
		err := fn(f.clients[idx])
		if err == nil {
			f.resetFailures(idx)
			return nil
		}
		lastErr = err
		if ctx.Err() != nil || (isPermanent != nil && isPermanent(err)) {
			return err
		}
		f.noteFailure(idx)
		if f.shouldRotate() {
			f.rotate(idx)
		}
	}
	return lastErr
}

func (f *Failover[T]) currentIndex() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.index
}

func (f *Failover[T]) resetFailures(idx int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.index == idx {
		f.failCount = 0
	}
}

func (f *Failover[T]) noteFailure(idx int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.index == idx {
		f.failCount++
	}
}

func (f *Failover[T]) shouldRotate() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failCount >= f.failThreshold
}

// rotate advances past idx unless another caller already did.
func (f *Failover[T]) rotate(idx int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.index != idx {
		return
	}
	f.index = (f.index + 1) % len(f.clients)
	f.failCount = 0
}

func sanitizeEndpoints(endpoints []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(endpoints))
	for _, ep := range endpoints {
		ep = strings.TrimSpace(ep)
		if ep == "" {
			continue
		}
		ep = strings.TrimRight(ep, "/")
		if _, ok := seen[ep]; ok {
			continue
		}
		seen[ep] = struct{}{}
		out = append(out, ep)
	}
	return out
}
