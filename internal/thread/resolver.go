// Package thread maps capture times to per-month webhook threads.
//
// A month's thread id is looked up in memory, then in the history store, and
// created remotely only when neither has it. The cache is write-through.
package thread

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// MonthLayout formats a month key, e.g. "2026-02".
const MonthLayout = "2006-01"

// Store persists month to thread id mappings.
type Store interface {
	GetThreadIDByMonth(ctx context.Context, month string) (string, bool, error)
	SaveThreadID(ctx context.Context, month, threadID string) error
}

// Creator creates a remote thread and returns its id.
type Creator interface {
	CreateThread(ctx context.Context, name string) (string, error)
}

// Resolver resolves and caches monthly thread ids. It is safe for
// concurrent use; no lock is held across a remote call.
type Resolver struct {
	store   Store
	creator Creator

	mu    sync.Mutex
	cache map[string]string
	group singleflight.Group
}

// NewResolver creates a Resolver.
func NewResolver(store Store, creator Creator) *Resolver {
	return &Resolver{
		store:   store,
		creator: creator,
		cache:   make(map[string]string),
	}
}

// MonthKey returns the month key for t in t's location.
func MonthKey(t time.Time) string {
	return t.Format(MonthLayout)
}

// Resolve returns the thread id for the month containing t, creating the
// thread if needed. Concurrent calls for the same uncached month share one
// lookup and at most one remote creation.
func (r *Resolver) Resolve(ctx context.Context, t time.Time) (string, error) {
	month := MonthKey(t)
	if id, ok := r.cached(month); ok {
		return id, nil
	}

	v, err, _ := r.group.Do(month, func() (any, error) {
		if id, ok := r.cached(month); ok {
			return id, nil
		}
		id, found, err := r.store.GetThreadIDByMonth(ctx, month)
		if err != nil {
			return "", fmt.Errorf("thread: lookup %s: %w", month, err)
		}
		if found {
			r.remember(month, id)
			return id, nil
		}

		id, err = r.creator.CreateThread(ctx, month)
		if err != nil {
			return "", fmt.Errorf("thread: create %s: %w", month, err)
		}
		if err := r.store.SaveThreadID(ctx, month, id); err != nil {
			// The thread exists remotely; keep using it for this process.
			log.Printf("thread: save %s (%s): %v", month, id, err)
		}
		r.remember(month, id)
		log.Printf("thread: using new thread %s for %s", id, month)
		return id, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// ClearCache empties the in-memory cache. The store is untouched.
func (r *Resolver) ClearCache() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.cache)
}

func (r *Resolver) cached(month string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.cache[month]
	return id, ok
}

func (r *Resolver) remember(month, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[month] = id
}
