package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyStore wraps a MemoryStore and fails selected operations.
type flakyStore struct {
	*MemoryStore
	getErr   error
	incrErr  error
	incrFail int32 // number of Incr calls to fail before succeeding; -1 fails forever
	incrs    int32
}

func (s *flakyStore) Get(ctx context.Context, key string) ([]byte, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	return s.MemoryStore.Get(ctx, key)
}

func (s *flakyStore) Incr(ctx context.Context, key string) (int64, error) {
	n := atomic.AddInt32(&s.incrs, 1)
	if s.incrFail < 0 || n <= s.incrFail {
		return 0, s.incrErr
	}
	return s.MemoryStore.Incr(ctx, key)
}

type recorder struct {
	mu   sync.Mutex
	errs []error
}

func (r *recorder) Record(err error) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
}

func (r *recorder) failures() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, err := range r.errs {
		if err != nil {
			n++
		}
	}
	return n
}

func fastRetry(attempts int) RetryPolicy {
	return RetryPolicy{Attempts: attempts, Backoff: time.Millisecond, Multiplier: 2, MaxBackoff: 4 * time.Millisecond}
}

func countingLoader(calls *int32, value string) Loader {
	return func(context.Context) ([]byte, error) {
		atomic.AddInt32(calls, 1)
		return []byte(value), nil
	}
}

func TestGetMissThenHit(t *testing.T) {
	m := NewManager(NewMemoryStore(), time.Minute)
	ctx := context.Background()
	var calls int32

	got, err := m.Get(ctx, "roster", "all", countingLoader(&calls, `["a"]`))
	require.NoError(t, err)
	assert.JSONEq(t, `["a"]`, string(got))

	got, err = m.Get(ctx, "roster", "all", countingLoader(&calls, `["b"]`))
	require.NoError(t, err)
	assert.JSONEq(t, `["a"]`, string(got))
	assert.EqualValues(t, 1, calls)
}

func TestInvalidateForcesReload(t *testing.T) {
	m := NewManager(NewMemoryStore(), time.Minute)
	ctx := context.Background()
	var calls int32

	_, err := m.Get(ctx, "roster", "all", countingLoader(&calls, `["a"]`))
	require.NoError(t, err)
	_, err = m.Get(ctx, "roster", "page:0:10", countingLoader(&calls, `["a"]`))
	require.NoError(t, err)

	require.NoError(t, m.Invalidate(ctx, "roster", "all"))

	// Both the deleted key and the untouched page key are retired.
	got, err := m.Get(ctx, "roster", "all", countingLoader(&calls, `["a","b"]`))
	require.NoError(t, err)
	assert.JSONEq(t, `["a","b"]`, string(got))
	got, err = m.Get(ctx, "roster", "page:0:10", countingLoader(&calls, `["a","b"]`))
	require.NoError(t, err)
	assert.JSONEq(t, `["a","b"]`, string(got))
	assert.EqualValues(t, 4, calls)
}

func TestSlowLoadDoesNotResurrectStaleSnapshot(t *testing.T) {
	m := NewManager(NewMemoryStore(), time.Minute)
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = m.Get(ctx, "roster", "all", func(context.Context) ([]byte, error) {
			close(started)
			<-release
			return []byte(`"stale"`), nil
		})
	}()

	<-started
	require.NoError(t, m.Invalidate(ctx, "roster", "all"))
	close(release)
	<-done

	var calls int32
	got, err := m.Get(ctx, "roster", "all", countingLoader(&calls, `"fresh"`))
	require.NoError(t, err)
	assert.JSONEq(t, `"fresh"`, string(got))
	assert.EqualValues(t, 1, calls)
}

func TestConcurrentMissesShareOneLoad(t *testing.T) {
	m := NewManager(NewMemoryStore(), time.Minute)
	ctx := context.Background()

	var calls int32
	release := make(chan struct{})
	load := func(context.Context) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return []byte(`[]`), nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := m.Get(ctx, "roster", "all", load)
			assert.NoError(t, err)
			assert.JSONEq(t, `[]`, string(got))
		}()
	}
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, calls)
}

func TestCancelledReaderDoesNotFailSharedLoad(t *testing.T) {
	m := NewManager(NewMemoryStore(), time.Minute)

	started := make(chan struct{})
	release := make(chan struct{})
	load := func(ctx context.Context) ([]byte, error) {
		close(started)
		<-release
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return []byte(`["a"]`), nil
	}

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := m.Get(first, "roster", "all", load)
		firstErr <- err
	}()
	<-started

	type result struct {
		b   []byte
		err error
	}
	second := make(chan result, 1)
	go func() {
		b, err := m.Get(context.Background(), "roster", "all", load)
		second <- result{b, err}
	}()
	time.Sleep(50 * time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	close(release)
	got := <-second
	require.NoError(t, got.err)
	assert.JSONEq(t, `["a"]`, string(got.b))

	var calls int32
	_, err := m.Get(context.Background(), "roster", "all", countingLoader(&calls, `[]`))
	require.NoError(t, err)
	assert.Zero(t, calls, "shared load populated the cache")
}

func TestLoaderErrorIsReturnedAndNotCached(t *testing.T) {
	m := NewManager(NewMemoryStore(), time.Minute)
	ctx := context.Background()
	boom := errors.New("db down")

	_, err := m.Get(ctx, "roster", "all", func(context.Context) ([]byte, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)

	var calls int32
	_, err = m.Get(ctx, "roster", "all", countingLoader(&calls, `[]`))
	require.NoError(t, err)
	assert.EqualValues(t, 1, calls)
}

func TestStoreDownBypassesToLoader(t *testing.T) {
	rec := &recorder{}
	store := &flakyStore{MemoryStore: NewMemoryStore(), getErr: errors.New("connection refused")}
	m := NewManager(store, time.Minute, WithStatus(rec))

	var calls int32
	for i := 0; i < 2; i++ {
		got, err := m.Get(context.Background(), "roster", "all", countingLoader(&calls, `["x"]`))
		require.NoError(t, err)
		assert.JSONEq(t, `["x"]`, string(got))
	}
	assert.EqualValues(t, 2, calls)
	assert.Equal(t, 2, rec.failures())
}

func TestInvalidateRetriesThenSucceeds(t *testing.T) {
	rec := &recorder{}
	store := &flakyStore{MemoryStore: NewMemoryStore(), incrErr: errors.New("timeout"), incrFail: 2}
	m := NewManager(store, time.Minute, WithRetryPolicy(fastRetry(3)), WithStatus(rec))

	require.NoError(t, m.Invalidate(context.Background(), "roster", "all"))
	assert.EqualValues(t, 3, atomic.LoadInt32(&store.incrs))
	assert.Zero(t, rec.failures())
}

func TestInvalidateExhaustsRetries(t *testing.T) {
	rec := &recorder{}
	cause := errors.New("timeout")
	store := &flakyStore{MemoryStore: NewMemoryStore(), incrErr: cause, incrFail: -1}
	m := NewManager(store, time.Minute, WithRetryPolicy(fastRetry(3)), WithStatus(rec))

	err := m.Invalidate(context.Background(), "roster", "all")
	require.Error(t, err)

	var inv *InvalidationError
	require.True(t, errors.As(err, &inv))
	assert.Equal(t, "roster", inv.Namespace)
	assert.Equal(t, 3, inv.Attempts)
	assert.ErrorIs(t, err, cause)
	assert.EqualValues(t, 3, atomic.LoadInt32(&store.incrs))
	assert.Equal(t, 1, rec.failures())
}

func TestInvalidateStopsOnCancelledContext(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore(), incrErr: errors.New("timeout"), incrFail: -1}
	m := NewManager(store, time.Minute, WithRetryPolicy(RetryPolicy{Attempts: 5, Backoff: time.Second}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := m.Invalidate(ctx, "roster")

	var inv *InvalidationError
	require.True(t, errors.As(err, &inv))
	assert.Equal(t, 1, inv.Attempts)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemoryStoreExpiry(t *testing.T) {
	s := NewMemoryStore()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", []byte("v"), time.Second))
	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", string(got))

	now = now.Add(time.Second)
	_, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	store, err := Open("redis://" + mr.Addr())
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	require.NoError(t, store.Ping(ctx))

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrMiss)

	require.NoError(t, store.Set(ctx, "k", []byte("v"), time.Second))
	got, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", string(got))

	mr.FastForward(2 * time.Second)
	_, err = store.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrMiss)

	n, err := store.Incr(ctx, "roster:generation")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestManagerOverRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	store, err := NewRedisStore("redis://" + mr.Addr())
	require.NoError(t, err)
	defer store.Close()

	m := NewManager(store, time.Minute, WithRetryPolicy(fastRetry(2)))
	ctx := context.Background()
	var calls int32

	_, err = m.Get(ctx, "roster", "all", countingLoader(&calls, `[1]`))
	require.NoError(t, err)
	_, err = m.Get(ctx, "roster", "all", countingLoader(&calls, `[1]`))
	require.NoError(t, err)
	assert.EqualValues(t, 1, calls)

	require.NoError(t, m.Invalidate(ctx, "roster", "all"))
	assert.False(t, mr.Exists("roster:all"))
	gen, err := mr.Get("roster:generation")
	require.NoError(t, err)
	assert.Equal(t, "1", gen)

	got, err := m.Get(ctx, "roster", "all", countingLoader(&calls, `[1,2]`))
	require.NoError(t, err)
	assert.JSONEq(t, `[1,2]`, string(got))

	// Redis going away turns reads into bypasses and invalidation into errors.
	mr.Close()
	got, err = m.Get(ctx, "roster", "all", countingLoader(&calls, `[1,2,3]`))
	require.NoError(t, err)
	assert.JSONEq(t, `[1,2,3]`, string(got))

	var inv *InvalidationError
	assert.True(t, errors.As(m.Invalidate(ctx, "roster"), &inv))
}

func TestOpenRejectsUnknownScheme(t *testing.T) {
	_, err := Open("memcached://localhost:11211")
	assert.Error(t, err)

	s, err := Open("memory://")
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)
}
