package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"qrattend/internal/geo"
	"qrattend/internal/metrics"
	"qrattend/internal/notify"
	"qrattend/internal/token"
)

// IssuerConfig tunes the rotation loop. Zero values fall back to the
// defaults below.
type IssuerConfig struct {
	RotationInterval time.Duration
	ValidityWindow   time.Duration
	WriteRetries     int
	RetryBackoff     time.Duration
	Clock            Clock
	Tokens           token.Generator
}

const (
	defaultRotationInterval = 30 * time.Second
	defaultValidityWindow   = 5 * time.Minute
	defaultWriteRetries     = 3
	defaultRetryBackoff     = 200 * time.Millisecond
)

// Issuer mints sessions and keeps at most one rotation loop per lecturer.
// The loop is a supervised background goroutine owned by the service, not
// by any frontend, so attendance collection survives a closed browser tab.
type Issuer struct {
	store Store
	feed  notify.Feed
	cfg   IssuerConfig

	// startMu serializes StartIssuing/StopIssuing so two calls for one
	// owner can never race a second loop into existence.
	startMu    sync.Mutex
	mu         sync.Mutex
	activities map[string]*Activity
}

// NewIssuer creates an issuer over the given store and feed.
func NewIssuer(store Store, feed notify.Feed, cfg IssuerConfig) *Issuer {
	if cfg.RotationInterval <= 0 {
		cfg.RotationInterval = defaultRotationInterval
	}
	if cfg.ValidityWindow <= 0 {
		cfg.ValidityWindow = defaultValidityWindow
	}
	if cfg.WriteRetries <= 0 {
		cfg.WriteRetries = defaultWriteRetries
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaultRetryBackoff
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock()
	}
	if cfg.Tokens == nil {
		cfg.Tokens = token.Random
	}
	if feed == nil {
		feed = notify.NewInMemory()
	}
	return &Issuer{store: store, feed: feed, cfg: cfg, activities: make(map[string]*Activity)}
}

// Activity is one lecturer's live rotation loop.
type Activity struct {
	ownerID  string
	sessions chan Session
	errs     chan error
	cancel   context.CancelFunc
	done     chan struct{}

	mu      sync.Mutex
	current Session
}

// Sessions streams every session the loop mints, the initial one included.
// The channel closes when the activity stops.
func (a *Activity) Sessions() <-chan Session { return a.sessions }

// Err reports rotation failures that left the predecessor in place. The
// loop keeps running after sending; it retries on later ticks.
func (a *Activity) Err() <-chan error { return a.errs }

// Current returns the most recently minted session.
func (a *Activity) Current() Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

// Done closes when the loop has fully torn down.
func (a *Activity) Done() <-chan struct{} { return a.done }

func (a *Activity) setCurrent(s Session) {
	a.mu.Lock()
	a.current = s
	a.mu.Unlock()
}

// StartIssuing mints the first session for ownerID and begins rotating it
// every RotationInterval until StopIssuing is called or ctx is cancelled.
// If the owner already has a live activity it is stopped first, so one
// lecturer never has two loops issuing concurrently Active sessions.
func (i *Issuer) StartIssuing(ctx context.Context, ownerID, courseName string, loc *geo.Coordinate) (*Activity, error) {
	if ownerID == "" || courseName == "" {
		return nil, errors.New("owner and course required")
	}

	i.startMu.Lock()
	defer i.startMu.Unlock()
	if err := i.stop(ctx, ownerID); err != nil {
		return nil, fmt.Errorf("stop previous activity: %w", err)
	}

	first, err := i.mint(ctx, ownerID, courseName, loc)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	act := &Activity{
		ownerID:  ownerID,
		sessions: make(chan Session, 4),
		errs:     make(chan error, 4),
		cancel:   cancel,
		done:     make(chan struct{}),
		current:  first,
	}

	i.mu.Lock()
	i.activities[ownerID] = act
	i.mu.Unlock()
	metrics.ActiveIssuers.Inc()

	act.sessions <- first
	i.publish(runCtx, first)

	go i.rotate(runCtx, act, courseName, loc)

	return act, nil
}

// StopIssuing deactivates the owner's current session and halts the loop.
// It is idempotent: stopping an owner with no live activity is a no-op.
func (i *Issuer) StopIssuing(ctx context.Context, ownerID string) error {
	i.startMu.Lock()
	defer i.startMu.Unlock()
	return i.stop(ctx, ownerID)
}

// stop halts the owner's loop and waits for teardown. Caller holds startMu.
func (i *Issuer) stop(ctx context.Context, ownerID string) error {
	i.mu.Lock()
	act := i.activities[ownerID]
	i.mu.Unlock()
	if act == nil {
		return nil
	}
	act.cancel()
	select {
	case <-act.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Current returns the owner's live session, or false when the owner has no
// running activity.
func (i *Issuer) Current(ownerID string) (Session, bool) {
	i.mu.Lock()
	act := i.activities[ownerID]
	i.mu.Unlock()
	if act == nil {
		return Session{}, false
	}
	return act.Current(), true
}

// rotate runs until ctx is cancelled. On every tick it writes the
// successor first and only deactivates the predecessor once the successor
// is durably stored, so there is never an instant with zero Active
// sessions for the owner. A failed successor write leaves the predecessor
// untouched and is reported on the activity's error channel.
func (i *Issuer) rotate(ctx context.Context, act *Activity, courseName string, loc *geo.Coordinate) {
	defer close(act.done)
	defer close(act.sessions)
	defer close(act.errs)

	ticker := time.NewTicker(i.cfg.RotationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			succ, err := i.mint(ctx, act.ownerID, courseName, loc)
			if err != nil {
				metrics.RotationFailures.Inc()
				log.Printf("rotation for %s failed, keeping current token: %v", act.ownerID, err)
				select {
				case act.errs <- err:
				default:
				}
				continue
			}
			pred := act.Current()
			act.setCurrent(succ)
			select {
			case act.sessions <- succ:
			default:
			}
			i.publish(ctx, succ)
			i.deactivate(ctx, pred.Token)
			metrics.RotationsTotal.Inc()

		case <-ctx.Done():
			i.teardown(act)
			return
		}
	}
}

// teardown deactivates the final session and unregisters the activity.
// It runs before done closes, so a caller returning from StopIssuing
// observes the session already Deactivated and the owner idle. The loop's
// context is already cancelled here, so store calls run on a fresh
// short-lived context.
func (i *Issuer) teardown(act *Activity) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cur := act.Current()
	i.deactivate(ctx, cur.Token)
	_ = i.feed.Publish(ctx, notify.Update{OwnerID: act.ownerID, Stopped: true})

	i.mu.Lock()
	if i.activities[act.ownerID] == act {
		delete(i.activities, act.ownerID)
	}
	i.mu.Unlock()
	metrics.ActiveIssuers.Dec()
}

// mint creates one brand-new Active session. Tokens are never reused, so
// every rotation is a fresh entity with a fresh primary key.
func (i *Issuer) mint(ctx context.Context, ownerID, courseName string, loc *geo.Coordinate) (Session, error) {
	now := i.cfg.Clock.Now()
	tok, err := i.cfg.Tokens()
	if err != nil {
		return Session{}, err
	}
	s := Session{
		Token:      tok,
		CourseName: courseName,
		OwnerID:    ownerID,
		IssuedAt:   now,
		ExpiresAt:  now.Add(i.cfg.ValidityWindow),
		Location:   loc,
		State:      StateActive,
	}
	err = withRetry(ctx, i.cfg.WriteRetries, i.cfg.RetryBackoff, func() error {
		return i.store.CreateSession(ctx, s)
	})
	if err != nil {
		return Session{}, fmt.Errorf("write session: %w", err)
	}
	return s, nil
}

func (i *Issuer) deactivate(ctx context.Context, tok string) {
	if tok == "" {
		return
	}
	err := withRetry(ctx, i.cfg.WriteRetries, i.cfg.RetryBackoff, func() error {
		return i.store.DeactivateSession(ctx, tok, i.cfg.Clock.Now())
	})
	// ErrConflict means something else already closed it, e.g. the overdue
	// sweeper. The outcome is the same either way.
	if err != nil && !errors.Is(err, ErrConflict) {
		log.Printf("deactivate %s failed: %v", tok, err)
	}
}

func (i *Issuer) publish(ctx context.Context, s Session) {
	u := notify.Update{
		OwnerID:    s.OwnerID,
		Token:      s.Token,
		CourseName: s.CourseName,
		ExpiresAt:  s.ExpiresAt,
	}
	if err := i.feed.Publish(ctx, u); err != nil && ctx.Err() == nil {
		log.Printf("feed publish failed: %v", err)
	}
}

// withRetry re-runs fn after transient store failures with doubling
// backoff. Validation conflicts and not-found results pass through
// untouched; only ErrStoreUnavailable is eligible.
func withRetry(ctx context.Context, attempts int, backoff time.Duration, fn func() error) error {
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			metrics.StoreRetries.Inc()
			select {
			case <-time.After(backoff):
				backoff *= 2
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		err = fn()
		if err == nil || !errors.Is(err, ErrStoreUnavailable) {
			return err
		}
	}
	return err
}
