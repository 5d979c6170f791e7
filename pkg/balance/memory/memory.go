package memory

import (
	"context"
	"sync"
	"time"

	"tap-ledger/pkg/balance"
	"tap-ledger/pkg/ledger"
)

// Layer is an in-process balance layer with TTL expiry and optional LRU
// eviction.
type Layer struct {
	// data stores the cached snapshots
	data map[string]*entry

	// mu protects concurrent access to data
	mu sync.RWMutex

	config Config

	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	wg            sync.WaitGroup
	closeOnce     sync.Once
}

type entry struct {
	snap       ledger.Snapshot
	expiresAt  time.Time
	accessedAt time.Time
}

// Config holds configuration for the memory layer.
type Config struct {
	// Name is the layer identifier (default: "memory")
	Name string

	// MaxSize is the maximum number of accounts held (0 = unlimited)
	MaxSize int

	// TTL is how long a snapshot stays valid (default: 30s)
	TTL time.Duration

	// CleanupInterval is how often expired entries are removed (default: 1m)
	CleanupInterval time.Duration
}

var _ balance.Layer = (*Layer)(nil)

// New creates a memory layer and starts its cleanup goroutine.
func New(config Config) *Layer {
	if config.Name == "" {
		config.Name = "memory"
	}
	if config.TTL == 0 {
		config.TTL = 30 * time.Second
	}
	if config.CleanupInterval == 0 {
		config.CleanupInterval = time.Minute
	}

	l := &Layer{
		data:          make(map[string]*entry),
		config:        config,
		stopCleanup:   make(chan struct{}),
		cleanupTicker: time.NewTicker(config.CleanupInterval),
	}

	l.wg.Add(1)
	go l.cleanup()

	return l
}

// Get returns the snapshot for accountID or balance.ErrMiss.
func (l *Layer) Get(ctx context.Context, accountID string) (ledger.Snapshot, error) {
	if err := balance.ValidateKey(accountID); err != nil {
		return ledger.Snapshot{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.data[accountID]
	if !ok {
		return ledger.Snapshot{}, balance.ErrMiss
	}
	now := time.Now()
	if now.After(e.expiresAt) {
		delete(l.data, accountID)
		return ledger.Snapshot{}, balance.ErrMiss
	}
	e.accessedAt = now
	return e.snap, nil
}

// Set stores snap unless a live entry with an equal or newer version exists.
func (l *Layer) Set(ctx context.Context, snap ledger.Snapshot) error {
	if err := balance.ValidateKey(snap.AccountID); err != nil {
		return err
	}

	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if cur, ok := l.data[snap.AccountID]; ok {
		if now.Before(cur.expiresAt) && cur.snap.Version >= snap.Version {
			return nil
		}
	} else if l.config.MaxSize > 0 && len(l.data) >= l.config.MaxSize {
		l.evictLRU()
	}

	l.data[snap.AccountID] = &entry{
		snap:       snap,
		expiresAt:  now.Add(l.config.TTL),
		accessedAt: now,
	}
	return nil
}

// evictLRU removes the least recently used entry. Caller holds mu.
func (l *Layer) evictLRU() {
	var lruKey string
	var lruTime time.Time

	for k, e := range l.data {
		if lruKey == "" || e.accessedAt.Before(lruTime) {
			lruKey = k
			lruTime = e.accessedAt
		}
	}
	if lruKey != "" {
		delete(l.data, lruKey)
	}
}

// Delete removes accountID. Deleting an absent account is not an error.
func (l *Layer) Delete(ctx context.Context, accountID string) error {
	if err := balance.ValidateKey(accountID); err != nil {
		return err
	}

	l.mu.Lock()
	delete(l.data, accountID)
	l.mu.Unlock()
	return nil
}

// Name returns the layer name.
func (l *Layer) Name() string {
	return l.config.Name
}

// Close stops the cleanup goroutine and clears all data.
func (l *Layer) Close() error {
	l.closeOnce.Do(func() {
		l.cleanupTicker.Stop()
		close(l.stopCleanup)
		l.wg.Wait()

		l.mu.Lock()
		l.data = make(map[string]*entry)
		l.mu.Unlock()
	})
	return nil
}

func (l *Layer) cleanup() {
	defer l.wg.Done()

	for {
		select {
		case <-l.cleanupTicker.C:
			l.removeExpired()
		case <-l.stopCleanup:
			return
		}
	}
}

func (l *Layer) removeExpired() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	for key, e := range l.data {
		if now.After(e.expiresAt) {
			delete(l.data, key)
		}
	}
}

// Len returns the number of cached accounts, expired ones included until the
// next cleanup.
func (l *Layer) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.data)
}
