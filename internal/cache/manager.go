package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"careplan-service/internal/platform/metrics"
)

const DefaultTTL = 60 * time.Second

// RetryPolicy bounds synchronous invalidation retries.
type RetryPolicy struct {
	Attempts   int
	Backoff    time.Duration
	Multiplier float64
	MaxBackoff time.Duration
}

// DefaultRetryPolicy tries three times over roughly 150ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:   3,
		Backoff:    50 * time.Millisecond,
		Multiplier: 2.0,
		MaxBackoff: 500 * time.Millisecond,
	}
}

// StatusRecorder receives the outcome of every store interaction.
type StatusRecorder interface {
	Record(err error)
}

// Entry is what the manager stores under each key.
type Entry struct {
	Generation int64           `json:"generation"`
	CachedAt   time.Time       `json:"cached_at"`
	Snapshot   json.RawMessage `json:"snapshot"`
}

// Loader produces a fresh JSON snapshot from the source of truth.
type Loader func(ctx context.Context) ([]byte, error)

// InvalidationError is returned once every retry has failed.
type InvalidationError struct {
	Namespace string
	Attempts  int
	Err       error
}

func (e *InvalidationError) Error() string {
	return fmt.Sprintf("invalidate %s cache after %d attempt(s): %v", e.Namespace, e.Attempts, e.Err)
}

func (e *InvalidationError) Unwrap() error { return e.Err }

// Manager is the read-through cache. It holds no locks across store calls;
// concurrent misses for the same key and generation share one load.
type Manager struct {
	store   Store
	ttl     time.Duration
	retry   RetryPolicy
	group   singleflight.Group
	logger  *zap.Logger
	metrics *metrics.Metrics
	status  StatusRecorder
}

type Option func(*Manager)

func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

func WithStatus(s StatusRecorder) Option {
	return func(m *Manager) { m.status = s }
}

func WithRetryPolicy(p RetryPolicy) Option {
	return func(m *Manager) { m.retry = p }
}

func NewManager(store Store, ttl time.Duration, opts ...Option) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	m := &Manager{
		store:  store,
		ttl:    ttl,
		retry:  DefaultRetryPolicy(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.retry.Attempts < 1 {
		m.retry.Attempts = 1
	}
	return m
}

func entryKey(namespace, key string) string { return namespace + ":" + key }

func generationKey(namespace string) string { return namespace + ":generation" }

// Get serves the entry for key when it belongs to the current generation,
// otherwise loads, stores and returns a fresh snapshot. When the store is
// unreachable the loader is called directly.
func (m *Manager) Get(ctx context.Context, namespace, key string, load Loader) ([]byte, error) {
	gen, err := m.generation(ctx, namespace)
	if err != nil {
		return m.bypass(ctx, err, load)
	}

	full := entryKey(namespace, key)
	raw, err := m.store.Get(ctx, full)
	switch {
	case err == nil:
		var e Entry
		if jerr := json.Unmarshal(raw, &e); jerr == nil && e.Generation == gen {
			m.record(nil)
			m.metrics.CacheLookup("hit")
			return e.Snapshot, nil
		}
	case !errors.Is(err, ErrMiss):
		return m.bypass(ctx, err, load)
	}
	m.record(nil)
	m.metrics.CacheLookup("miss")

	// The shared load outlives any one reader; each reader stops waiting when
	// its own context ends.
	loadCtx := context.WithoutCancel(ctx)
	ch := m.group.DoChan(full+"@"+strconv.FormatInt(gen, 10), func() (interface{}, error) {
		snapshot, err := load(loadCtx)
		if err != nil {
			return nil, err
		}
		entry, err := json.Marshal(Entry{Generation: gen, CachedAt: time.Now().UTC(), Snapshot: snapshot})
		if err != nil {
			return nil, fmt.Errorf("encode cache entry: %w", err)
		}
		if err := m.store.Set(loadCtx, full, entry, m.ttl); err != nil {
			m.record(err)
			m.logger.Warn("cache populate failed", zap.String("key", full), zap.Error(err))
		}
		return snapshot, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) bypass(ctx context.Context, cause error, load Loader) ([]byte, error) {
	m.record(cause)
	m.metrics.CacheLookup("bypass")
	m.logger.Warn("cache unavailable, reading source of truth", zap.Error(cause))
	return load(ctx)
}

func (m *Manager) generation(ctx context.Context, namespace string) (int64, error) {
	raw, err := m.store.Get(ctx, generationKey(namespace))
	if errors.Is(err, ErrMiss) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt generation for %s: %w", namespace, err)
	}
	return n, nil
}

// Invalidate retires every entry of namespace by bumping its generation, then
// deletes the listed keys. Only the generation bump must succeed; it is
// retried per the RetryPolicy before an *InvalidationError is returned.
func (m *Manager) Invalidate(ctx context.Context, namespace string, keys ...string) error {
	delay := m.retry.Backoff
	var (
		lastErr error
		attempt int
	)
	for attempt = 1; attempt <= m.retry.Attempts; attempt++ {
		var gen int64
		gen, lastErr = m.store.Incr(ctx, generationKey(namespace))
		if lastErr == nil {
			m.record(nil)
			m.metrics.InvalidationAttempts(attempt)
			m.cleanup(ctx, namespace, keys)
			m.logger.Debug("cache invalidated",
				zap.String("namespace", namespace),
				zap.Int64("generation", gen),
				zap.Int("attempt", attempt))
			return nil
		}
		m.logger.Warn("cache invalidation attempt failed",
			zap.String("namespace", namespace),
			zap.Int("attempt", attempt),
			zap.Error(lastErr))
		if attempt == m.retry.Attempts {
			break
		}
		select {
		case <-ctx.Done():
			lastErr = ctx.Err()
			m.record(lastErr)
			return &InvalidationError{Namespace: namespace, Attempts: attempt, Err: lastErr}
		case <-time.After(delay):
		}
		delay = m.nextDelay(delay)
	}
	m.record(lastErr)
	m.metrics.InvalidationAttempts(m.retry.Attempts)
	return &InvalidationError{Namespace: namespace, Attempts: m.retry.Attempts, Err: lastErr}
}

func (m *Manager) cleanup(ctx context.Context, namespace string, keys []string) {
	if len(keys) == 0 {
		return
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = entryKey(namespace, k)
	}
	if err := m.store.Delete(ctx, full...); err != nil {
		m.logger.Debug("stale cache entries left for TTL expiry", zap.Strings("keys", full), zap.Error(err))
	}
}

func (m *Manager) nextDelay(d time.Duration) time.Duration {
	if m.retry.Multiplier > 1 {
		d = time.Duration(float64(d) * m.retry.Multiplier)
	}
	if m.retry.MaxBackoff > 0 && d > m.retry.MaxBackoff {
		d = m.retry.MaxBackoff
	}
	return d
}

// Ping checks the backing store.
func (m *Manager) Ping(ctx context.Context) error {
	return m.store.Ping(ctx)
}

func (m *Manager) record(err error) {
	if m.status != nil {
		m.status.Record(err)
	}
}
