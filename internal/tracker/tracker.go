// Package tracker manages the live script-hash subscriptions: it owns their
// Status objects, syncs them on tip and mempool changes over a bounded
// worker pool, and notifies the serving layer when a status hash moves.
package tracker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/klingon-exchange/klingwatch/internal/cache"
	"github.com/klingon-exchange/klingwatch/internal/index"
	"github.com/klingon-exchange/klingwatch/internal/mempool"
	"github.com/klingon-exchange/klingwatch/internal/metrics"
	"github.com/klingon-exchange/klingwatch/internal/status"
	"github.com/klingon-exchange/klingwatch/pkg/logging"
)

// Notification reports a changed subscription to the serving layer.
type Notification struct {
	ScriptHash index.ScriptHash

	// StatusHash is the new digest; HasStatus is false when the history
	// became empty.
	StatusHash index.StatusHash
	HasStatus  bool
}

// Config holds tracker configuration.
type Config struct {
	Index   *index.Index
	Mempool *mempool.Mempool
	Daemon  status.BlockFetcher
	Cache   *cache.Cache

	// Workers bounds concurrent subscription syncs. Zero means 4.
	Workers int

	// OnChange is invoked after a sync changed a subscription's status
	// hash. Called from worker goroutines.
	OnChange func(Notification)
}

// Tracker is the subscription registry.
type Tracker struct {
	index    *index.Index
	mempool  *mempool.Mempool
	daemon   status.BlockFetcher
	cache    *cache.Cache
	workers  int
	onChange func(Notification)

	mu   sync.Mutex
	subs map[index.ScriptHash]*subscription

	log *logging.Logger
}

// subscription pairs a Status with the lock serializing its syncs; a Status
// is only ever mutated by one worker at a time.
type subscription struct {
	mu     sync.Mutex
	status *status.Status
}

// New creates a tracker.
func New(cfg *Config) *Tracker {
	workers := cfg.Workers
	if workers == 0 {
		workers = 4
	}
	onChange := cfg.OnChange
	if onChange == nil {
		onChange = func(Notification) {}
	}
	return &Tracker{
		index:    cfg.Index,
		mempool:  cfg.Mempool,
		daemon:   cfg.Daemon,
		cache:    cfg.Cache,
		workers:  workers,
		onChange: onChange,
		subs:     make(map[index.ScriptHash]*subscription),
		log:      logging.GetDefault().Component("tracker"),
	}
}

// SetOnChange replaces the change callback. The serving layer is built
// after the tracker and wires itself in through this.
func (t *Tracker) SetOnChange(fn func(Notification)) {
	if fn == nil {
		fn = func(Notification) {}
	}
	t.onChange = fn
}

// Subscribe registers sh and runs its initial sync, returning the current
// status hash (ok=false when the script has no history). Subscribing twice
// is idempotent.
func (t *Tracker) Subscribe(ctx context.Context, sh index.ScriptHash) (index.StatusHash, bool, error) {
	t.mu.Lock()
	sub, ok := t.subs[sh]
	if !ok {
		sub = &subscription{status: status.New(sh)}
		t.subs[sh] = sub
		metrics.ActiveSubscriptions.Set(float64(len(t.subs)))
	}
	t.mu.Unlock()

	sub.mu.Lock()
	defer sub.mu.Unlock()
	if err := sub.status.Sync(ctx, t.index, t.mempool, t.daemon, t.cache); err != nil {
		return index.StatusHash{}, false, fmt.Errorf("failed initial sync of %s: %w", sh, err)
	}
	hash, has := sub.status.StatusHash()
	return hash, has, nil
}

// Unsubscribe drops sh. Dropping an unknown subscription is a no-op.
func (t *Tracker) Unsubscribe(sh index.ScriptHash) {
	t.mu.Lock()
	delete(t.subs, sh)
	metrics.ActiveSubscriptions.Set(float64(len(t.subs)))
	t.mu.Unlock()
}

// Get returns the subscription's Status under fn while holding its sync
// lock, so readers never observe a half-synced state.
func (t *Tracker) Get(sh index.ScriptHash, fn func(*status.Status)) bool {
	t.mu.Lock()
	sub, ok := t.subs[sh]
	t.mu.Unlock()
	if !ok {
		return false
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	fn(sub.status)
	return true
}

// SyncAll re-syncs every subscription over the worker pool, firing OnChange
// for each one whose status hash moved. Individual failures are logged and
// do not block the others; the first error is returned.
func (t *Tracker) SyncAll(ctx context.Context) error {
	t.mu.Lock()
	subs := make([]*subscription, 0, len(t.subs))
	for _, sub := range t.subs {
		subs = append(subs, sub)
	}
	t.mu.Unlock()

	var g errgroup.Group
	g.SetLimit(t.workers)
	for _, sub := range subs {
		sub := sub
		g.Go(func() error {
			sub.mu.Lock()
			defer sub.mu.Unlock()

			before, hadBefore := sub.status.StatusHash()
			started := time.Now()
			if err := sub.status.Sync(ctx, t.index, t.mempool, t.daemon, t.cache); err != nil {
				t.log.Error("subscription sync failed", "scripthash", sub.status.ScriptHash(), "error", err)
				return err
			}
			metrics.StatusSyncDuration.Observe(time.Since(started).Seconds())

			after, hasAfter := sub.status.StatusHash()
			if hadBefore == hasAfter && before == after {
				return nil
			}
			t.onChange(Notification{
				ScriptHash: sub.status.ScriptHash(),
				StatusHash: after,
				HasStatus:  hasAfter,
			})
			return nil
		})
	}
	return g.Wait()
}
