package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"qrattend/internal/geo"
	"qrattend/internal/metrics"
)

// Verifier is the external identity gate. The redeemer only consumes the
// yes/no result plus the verified principal id; proofing itself lives in a
// separate service.
type Verifier interface {
	Verify(ctx context.Context, studentID, proof string) (bool, error)
}

// VerifierFunc adapts a function to the Verifier interface.
type VerifierFunc func(ctx context.Context, studentID, proof string) (bool, error)

func (f VerifierFunc) Verify(ctx context.Context, studentID, proof string) (bool, error) {
	return f(ctx, studentID, proof)
}

// RedeemerConfig tunes validation. Zero values fall back to defaults.
type RedeemerConfig struct {
	SkewTolerance     time.Duration
	MaxDistanceMeters float64
	GeofenceEnabled   bool
	StoreRetries      int
	RetryBackoff      time.Duration
	Clock             Clock
}

const (
	defaultSkewTolerance = 5 * time.Second
	defaultMaxDistance   = 50.0
)

// Redeemer is the sole gate turning a scanned token into a durable
// attendance record.
type Redeemer struct {
	store    Store
	verifier Verifier
	cfg      RedeemerConfig
}

// NewRedeemer creates a redeemer over the given store and identity verifier.
func NewRedeemer(store Store, verifier Verifier, cfg RedeemerConfig) *Redeemer {
	if cfg.SkewTolerance <= 0 {
		cfg.SkewTolerance = defaultSkewTolerance
	}
	if cfg.MaxDistanceMeters <= 0 {
		cfg.MaxDistanceMeters = defaultMaxDistance
	}
	if cfg.StoreRetries <= 0 {
		cfg.StoreRetries = defaultWriteRetries
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaultRetryBackoff
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock()
	}
	return &Redeemer{store: store, verifier: verifier, cfg: cfg}
}

// Redeem validates a scanned token and, when every gate passes, records
// attendance for the student exactly once.
//
// Gates run in a fixed order so the most specific rejection wins: unknown
// token, closed session, time window, geofence, identity, and finally the
// conditional record write. The duplicate check is not a separate read;
// the store's uniqueness constraint on (token, student) is the gate, which
// is what makes concurrent redemptions of the same pair safe.
func (r *Redeemer) Redeem(ctx context.Context, tok, studentID, proof string, loc *geo.Coordinate) (Record, error) {
	if tok == "" || studentID == "" {
		return Record{}, ErrInvalidToken
	}

	var s Session
	err := withRetry(ctx, r.cfg.StoreRetries, r.cfg.RetryBackoff, func() error {
		var gerr error
		s, gerr = r.store.GetSession(ctx, tok)
		return gerr
	})
	switch {
	case errors.Is(err, ErrNotFound):
		return Record{}, r.reject(ErrInvalidToken)
	case err != nil:
		metrics.RedemptionsTotal.WithLabelValues(string(KindStoreUnavailable)).Inc()
		return Record{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if s.State != StateActive {
		return Record{}, r.reject(ErrSessionClosed)
	}

	now := r.cfg.Clock.Now()
	if now.Before(s.IssuedAt.Add(-r.cfg.SkewTolerance)) {
		return Record{}, r.reject(ErrTokenNotYetValid)
	}
	if now.After(s.ExpiresAt) {
		return Record{}, r.reject(ErrTokenExpired)
	}

	// Location-less sessions skip the geofence entirely.
	if r.cfg.GeofenceEnabled && s.Location != nil {
		if loc == nil {
			return Record{}, r.reject(outOfRange(0))
		}
		d := geo.Distance(*s.Location, *loc)
		if d > r.cfg.MaxDistanceMeters {
			return Record{}, r.reject(outOfRange(d))
		}
	}

	ok, err := r.verifier.Verify(ctx, studentID, proof)
	if err != nil {
		return Record{}, fmt.Errorf("identity verifier: %w", err)
	}
	if !ok {
		return Record{}, r.reject(ErrIdentityNotVerified)
	}

	rec := Record{
		SessionToken:    tok,
		StudentID:       studentID,
		CourseName:      s.CourseName,
		RecordedAt:      now,
		StudentLocation: loc,
	}
	err = withRetry(ctx, r.cfg.StoreRetries, r.cfg.RetryBackoff, func() error {
		return r.store.CreateRecord(ctx, rec)
	})
	switch {
	case errors.Is(err, ErrConflict):
		return Record{}, r.reject(ErrAlreadyRecorded)
	case err != nil:
		metrics.RedemptionsTotal.WithLabelValues(string(KindStoreUnavailable)).Inc()
		return Record{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	metrics.RedemptionsTotal.WithLabelValues("accepted").Inc()
	return rec, nil
}

func (r *Redeemer) reject(err *RedemptionError) error {
	metrics.RedemptionsTotal.WithLabelValues(string(err.Kind)).Inc()
	return err
}
