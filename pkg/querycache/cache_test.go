package querycache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	analyticstesting "github.com/edumesones/executive-sql-to-text/pkg/testing"
	"github.com/edumesones/executive-sql-to-text/pkg/querier"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

type mockStore struct {
	GetFunc   func(ctx context.Context, fp string) (*Entry, error)
	PutFunc   func(ctx context.Context, entry Entry) error
	TouchFunc func(ctx context.Context, fp string, at time.Time) error
}

func (m *mockStore) Get(ctx context.Context, fp string) (*Entry, error) {
	if m.GetFunc == nil {
		return nil, ErrNotFound
	}
	return m.GetFunc(ctx, fp)
}

func (m *mockStore) Put(ctx context.Context, entry Entry) error {
	if m.PutFunc == nil {
		return nil
	}
	return m.PutFunc(ctx, entry)
}

func (m *mockStore) Touch(ctx context.Context, fp string, at time.Time) error {
	if m.TouchFunc == nil {
		return nil
	}
	return m.TouchFunc(ctx, fp, at)
}

func newTestCache(t *testing.T, cfg Config) *Cache {
	t.Helper()
	cfg.Logger = analyticstesting.NewLogger(t)
	c, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func countResult(n int) *querier.Result {
	return &querier.Result{
		SQL:     "SELECT COUNT(*) AS total FROM loans",
		Columns: []querier.Column{{Name: "total", Kind: querier.KindNumeric}},
		Rows:    []querier.Row{{"total": int64(n)}},
		Count:   1,
	}
}

func TestAnalytics_QueryCache_Fingerprint(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		a, b string
		same bool
	}{
		{"whitespace and case", "SELECT grade, AVG(int_rate) FROM loans GROUP BY grade", "select  grade,avg(int_rate)\n from LOANS group by GRADE;", true},
		{"comments dropped", "SELECT 1 -- one", "/* lead */ SELECT 1", true},
		{"literal sensitive", "SELECT * FROM loans WHERE grade = 'A'", "SELECT * FROM loans WHERE grade = 'B'", false},
		{"literal case kept", "SELECT * FROM loans WHERE grade = 'a'", "SELECT * FROM loans WHERE grade = 'A'", false},
		{"quoted identifiers kept", `SELECT "Grade" FROM loans`, `SELECT "grade" FROM loans`, false},
		{"number literals kept", "SELECT * FROM loans LIMIT 10", "SELECT * FROM loans LIMIT 100", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			fa, fb := Fingerprint(tt.a), Fingerprint(tt.b)
			require.Len(t, fa, 64)
			if tt.same {
				require.Equal(t, fa, fb)
			} else {
				require.NotEqual(t, fa, fb)
			}
		})
	}
}

func TestAnalytics_QueryCache_QuestionKey(t *testing.T) {
	t.Parallel()

	require.Equal(t, QuestionKey("How many loans?", ""), QuestionKey("  how many   LOANS ", ""))
	require.NotEqual(t, QuestionKey("same but for grade B", "SELECT 1"), QuestionKey("same but for grade B", "SELECT 2"))
	require.Equal(t, QuestionKey("q", "SELECT 1"), QuestionKey("q", "select 1;"))
}

func TestAnalytics_QueryCache_StoreLookupIdempotent(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(start)
	c := newTestCache(t, Config{Clock: clock})
	ctx := context.Background()

	res := countResult(3)
	fp := Fingerprint("SELECT COUNT(*) AS total FROM loans")
	c.Store(ctx, fp, res.SQL, res)

	clock.Advance(time.Minute)
	entry, ok := c.Lookup(ctx, Fingerprint("select count(*) as total\n\tfrom loans;"))
	require.True(t, ok)
	require.Same(t, res, entry.Result)
	require.Equal(t, 1, entry.RowCount)
	require.Equal(t, start, entry.CreatedAt)
	require.Equal(t, start.Add(time.Minute), entry.LastAccessAt)
	require.Equal(t, int64(1), entry.AccessCount)

	entry, ok = c.Lookup(ctx, fp)
	require.True(t, ok)
	require.Equal(t, int64(2), entry.AccessCount)

	// A second store for the same fingerprint keeps the first snapshot.
	c.Store(ctx, fp, res.SQL, countResult(4))
	entry, ok = c.Lookup(ctx, fp)
	require.True(t, ok)
	require.Same(t, res, entry.Result)
	require.Equal(t, start, entry.CreatedAt)

	_, ok = c.Lookup(ctx, Fingerprint("SELECT 2"))
	require.False(t, ok)
}

func TestAnalytics_QueryCache_DoComputesOnceUnderContention(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, Config{})
	var calls atomic.Int32
	compute := func(ctx context.Context) (*querier.Result, error) {
		calls.Add(1)
		time.Sleep(50 * time.Millisecond)
		return countResult(3), nil
	}

	const n = 10
	var (
		wg       sync.WaitGroup
		start    = make(chan struct{})
		results  = make([]*querier.Result, n)
		outcomes = make([]Outcome, n)
		errs     = make([]error, n)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i], outcomes[i], errs[i] = c.Do(context.Background(), "SELECT COUNT(*) AS total FROM loans", compute)
		}(i)
	}
	close(start)
	wg.Wait()

	require.Equal(t, int32(1), calls.Load())
	misses := 0
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		require.Same(t, results[0], results[i])
		if outcomes[i] == OutcomeMiss {
			misses++
		}
	}
	require.Equal(t, 1, misses)
}

func TestAnalytics_QueryCache_FailuresAreNotCached(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, Config{})
	var calls atomic.Int32
	boom := errors.New("syntax error")
	compute := func(ctx context.Context) (*querier.Result, error) {
		calls.Add(1)
		return nil, boom
	}

	_, _, err := c.Do(context.Background(), "SELECT broken", compute)
	require.ErrorIs(t, err, boom)
	_, _, err = c.Do(context.Background(), "SELECT broken", compute)
	require.ErrorIs(t, err, boom)
	require.Equal(t, int32(2), calls.Load())
	require.False(t, c.Contains(Fingerprint("SELECT broken")))
}

func TestAnalytics_QueryCache_CanceledLeaderReleasesFingerprint(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, Config{})
	var calls atomic.Int32
	started := make(chan struct{})
	compute := func(ctx context.Context) (*querier.Result, error) {
		if calls.Add(1) == 1 {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return countResult(3), nil
	}

	leaderCtx, cancel := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, _, err := c.Do(leaderCtx, "SELECT COUNT(*) FROM loans", compute)
		leaderErr <- err
	}()
	<-started

	type outcome struct {
		res *querier.Result
		out Outcome
		err error
	}
	waiter := make(chan outcome, 1)
	go func() {
		res, out, err := c.Do(context.Background(), "SELECT COUNT(*) FROM loans", compute)
		waiter <- outcome{res, out, err}
	}()

	cancel()
	require.ErrorIs(t, <-leaderErr, context.Canceled)

	got := <-waiter
	require.NoError(t, got.err)
	require.Equal(t, OutcomeMiss, got.out)
	require.Equal(t, 1, got.res.Count)
	require.Equal(t, int32(2), calls.Load())
	require.True(t, c.Contains(Fingerprint("SELECT COUNT(*) FROM loans")))
}

func TestAnalytics_QueryCache_CanceledWaiterLeavesLeader(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, Config{})
	release := make(chan struct{})
	started := make(chan struct{})
	compute := func(ctx context.Context) (*querier.Result, error) {
		close(started)
		<-release
		return countResult(3), nil
	}

	leaderDone := make(chan error, 1)
	go func() {
		_, _, err := c.Do(context.Background(), "SELECT 1", compute)
		leaderDone <- err
	}()
	<-started

	waiterCtx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := c.Do(waiterCtx, "SELECT 1", compute)
	require.ErrorIs(t, err, context.Canceled)

	close(release)
	require.NoError(t, <-leaderDone)
	require.True(t, c.Contains(Fingerprint("SELECT 1")))
}

func TestAnalytics_QueryCache_PersistentTier(t *testing.T) {
	t.Parallel()

	stored := Entry{
		Fingerprint: Fingerprint("SELECT 1"),
		SQL:         "SELECT 1",
		Result:      countResult(1),
		RowCount:    1,
		CreatedAt:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	var (
		gets, touches atomic.Int32
		puts          []Entry
		mu            sync.Mutex
	)
	store := &mockStore{
		GetFunc: func(ctx context.Context, fp string) (*Entry, error) {
			gets.Add(1)
			if fp == stored.Fingerprint {
				e := stored
				return &e, nil
			}
			return nil, ErrNotFound
		},
		PutFunc: func(ctx context.Context, entry Entry) error {
			mu.Lock()
			defer mu.Unlock()
			puts = append(puts, entry)
			return nil
		},
		TouchFunc: func(ctx context.Context, fp string, at time.Time) error {
			touches.Add(1)
			return nil
		},
	}
	c := newTestCache(t, Config{Store: store})
	ctx := context.Background()

	entry, ok := c.Lookup(ctx, stored.Fingerprint)
	require.True(t, ok)
	require.Equal(t, stored.CreatedAt, entry.CreatedAt)
	require.True(t, c.Contains(stored.Fingerprint))

	// Served from memory now.
	_, ok = c.Lookup(ctx, stored.Fingerprint)
	require.True(t, ok)
	require.Equal(t, int32(1), gets.Load())
	require.Eventually(t, func() bool { return touches.Load() == 2 }, time.Second, 5*time.Millisecond)

	res, out, err := c.Do(ctx, "SELECT 2", func(ctx context.Context) (*querier.Result, error) {
		return countResult(2), nil
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeMiss, out)
	require.Equal(t, 1, res.Count)
	mu.Lock()
	require.Len(t, puts, 1)
	require.Equal(t, Fingerprint("SELECT 2"), puts[0].Fingerprint)
	mu.Unlock()
}

func TestAnalytics_QueryCache_MemoryHitDoesNotWaitOnStoreTouch(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	var (
		mu      sync.Mutex
		touched []string
	)
	store := &mockStore{
		TouchFunc: func(ctx context.Context, fp string, at time.Time) error {
			<-release
			mu.Lock()
			defer mu.Unlock()
			touched = append(touched, fp)
			return nil
		},
	}
	c, err := New(Config{Logger: analyticstesting.NewLogger(t), Store: store, TouchQueueSize: 2})
	require.NoError(t, err)

	ctx := context.Background()
	c.Store(ctx, Fingerprint("SELECT 1"), "SELECT 1", countResult(1))

	// The first touch blocks the worker, two fill the queue and the rest are
	// dropped; every lookup still returns at once.
	hits := make(chan bool, 5)
	go func() {
		for range 5 {
			_, ok := c.Lookup(ctx, Fingerprint("SELECT 1"))
			hits <- ok
		}
	}()
	for range 5 {
		select {
		case ok := <-hits:
			require.True(t, ok)
		case <-time.After(time.Second):
			t.Fatal("lookup blocked on the store")
		}
	}

	entry, ok := c.Lookup(ctx, Fingerprint("SELECT 1"))
	require.True(t, ok)
	require.EqualValues(t, 6, entry.AccessCount)

	close(release)
	c.Close()
	c.Close()

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(touched), 1)
	require.LessOrEqual(t, len(touched), 3)
	for _, fp := range touched {
		require.Equal(t, Fingerprint("SELECT 1"), fp)
	}
}

func TestAnalytics_QueryCache_StoreErrorsAreNonFatal(t *testing.T) {
	t.Parallel()

	store := &mockStore{
		GetFunc: func(ctx context.Context, fp string) (*Entry, error) {
			return nil, errors.New("connection refused")
		},
		PutFunc: func(ctx context.Context, entry Entry) error {
			return errors.New("connection refused")
		},
	}
	c := newTestCache(t, Config{Store: store})

	res, out, err := c.Do(context.Background(), "SELECT 1", func(ctx context.Context) (*querier.Result, error) {
		return countResult(1), nil
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeMiss, out)
	require.NotNil(t, res)

	_, out, err = c.Do(context.Background(), "SELECT 1", func(ctx context.Context) (*querier.Result, error) {
		t.Fatal("compute should not run on a memory hit")
		return nil, nil
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeHit, out)
}

func TestAnalytics_QueryCache_Replays(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, Config{})
	replays := NewReplays[[]string](c)
	t.Cleanup(replays.Close)
	ctx := context.Background()

	key := QuestionKey("How many loans are there?", "")
	fp := Fingerprint("SELECT COUNT(*) FROM loans")
	replays.Remember(key, fp, []string{"There are 3 loans."})

	// The result snapshot is not cached yet, so the replay is not served.
	_, _, ok := replays.Get(key)
	require.False(t, ok)

	replays.Remember(key, fp, []string{"There are 3 loans."})
	c.Store(ctx, fp, "SELECT COUNT(*) FROM loans", countResult(3))
	insights, entry, ok := replays.Get(key)
	require.True(t, ok)
	require.Equal(t, []string{"There are 3 loans."}, insights)
	require.Equal(t, int64(1), entry.AccessCount)

	_, _, ok = replays.Get(QuestionKey("something else", ""))
	require.False(t, ok)
}

func TestAnalytics_QueryCache_ConfigValidation(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.ErrorContains(t, err, "logger is required")

	_, err = NewPostgresStore(PostgresStoreConfig{Logger: analyticstesting.NewLogger(t)})
	require.ErrorContains(t, err, "pool is required")
}
