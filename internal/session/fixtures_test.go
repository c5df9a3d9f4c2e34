package session

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// testClock is a controllable time source.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(start time.Time) *testClock {
	if start.IsZero() {
		start = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	}
	return &testClock{now: start}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func (c *testClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	c.now = c.now.Add(d)
	updated := c.now
	c.mu.Unlock()
	return updated
}

// seqTokens yields deterministic tokens tok-1, tok-2, ...
func seqTokens() func() (string, error) {
	var mu sync.Mutex
	n := 0
	return func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("tok-%d", n), nil
	}
}

// alwaysVerified accepts every identity check.
var alwaysVerified = VerifierFunc(func(ctx context.Context, studentID, proof string) (bool, error) {
	return true, nil
})

// flakyStore wraps a Store and fails selected operations with a transient
// error until the remaining fail budget is spent.
type flakyStore struct {
	Store
	mu             sync.Mutex
	failGets       int
	failCreates    int
	getCalls       int
	createCalls    int
	recordFailures int
}

func (f *flakyStore) GetSession(ctx context.Context, token string) (Session, error) {
	f.mu.Lock()
	f.getCalls++
	fail := f.failGets > 0
	if fail {
		f.failGets--
	}
	f.mu.Unlock()
	if fail {
		return Session{}, fmt.Errorf("%w: connection reset", ErrStoreUnavailable)
	}
	return f.Store.GetSession(ctx, token)
}

func (f *flakyStore) CreateSession(ctx context.Context, s Session) error {
	f.mu.Lock()
	f.createCalls++
	fail := f.failCreates > 0
	if fail {
		f.failCreates--
	}
	f.mu.Unlock()
	if fail {
		return fmt.Errorf("%w: connection reset", ErrStoreUnavailable)
	}
	return f.Store.CreateSession(ctx, s)
}

func (f *flakyStore) CreateRecord(ctx context.Context, r Record) error {
	f.mu.Lock()
	fail := f.recordFailures > 0
	if fail {
		f.recordFailures--
	}
	f.mu.Unlock()
	if fail {
		return fmt.Errorf("%w: timeout", ErrStoreUnavailable)
	}
	return f.Store.CreateRecord(ctx, r)
}

// activeCount reports Active sessions the store currently holds for owner.
func activeCount(ctx context.Context, s Store, owner string) (int, error) {
	list, err := s.ListOwnerSessions(ctx, owner, 500, 0)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, sess := range list {
		if sess.State == StateActive {
			n++
		}
	}
	return n, nil
}
