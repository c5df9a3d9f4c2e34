package session

import (
	"errors"
	"fmt"
)

// Kind identifies why a redemption was rejected. Every rejection maps to
// exactly one kind so callers can show an accurate message; kinds are
// never conflated.
type Kind string

const (
	KindInvalidToken        Kind = "invalid_token"
	KindSessionClosed       Kind = "session_closed"
	KindTokenExpired        Kind = "token_expired"
	KindTokenNotYetValid    Kind = "token_not_yet_valid"
	KindOutOfRange          Kind = "out_of_range"
	KindIdentityNotVerified Kind = "identity_not_verified"
	KindAlreadyRecorded     Kind = "already_recorded"
	KindStoreUnavailable    Kind = "store_unavailable"
)

// Sentinel rejections. All are terminal for the attempt except
// ErrStoreUnavailable, which is the only kind eligible for retry.
var (
	ErrInvalidToken        = &RedemptionError{Kind: KindInvalidToken, msg: "token does not name a known session"}
	ErrSessionClosed       = &RedemptionError{Kind: KindSessionClosed, msg: "session is no longer active"}
	ErrTokenExpired        = &RedemptionError{Kind: KindTokenExpired, msg: "token validity window has passed"}
	ErrTokenNotYetValid    = &RedemptionError{Kind: KindTokenNotYetValid, msg: "token is not valid yet"}
	ErrOutOfRange          = &RedemptionError{Kind: KindOutOfRange, msg: "student is outside the allowed distance"}
	ErrIdentityNotVerified = &RedemptionError{Kind: KindIdentityNotVerified, msg: "identity was not verified"}
	ErrAlreadyRecorded     = &RedemptionError{Kind: KindAlreadyRecorded, msg: "attendance already recorded for this session"}
	ErrStoreUnavailable    = errors.New("session store unavailable")
)

// RedemptionError is a tagged rejection. DistanceMeters is populated for
// out-of-range rejections so the caller can show how far off the student was.
type RedemptionError struct {
	Kind           Kind
	DistanceMeters float64
	msg            string
}

func (e *RedemptionError) Error() string {
	if e.Kind == KindOutOfRange && e.DistanceMeters > 0 {
		return fmt.Sprintf("%s (%.1fm away)", e.msg, e.DistanceMeters)
	}
	return e.msg
}

// Is matches by kind, so errors.Is(err, ErrOutOfRange) works for an
// out-of-range error carrying a concrete distance.
func (e *RedemptionError) Is(target error) bool {
	other, ok := target.(*RedemptionError)
	return ok && e.Kind == other.Kind
}

func outOfRange(distance float64) *RedemptionError {
	return &RedemptionError{Kind: KindOutOfRange, DistanceMeters: distance, msg: ErrOutOfRange.msg}
}

// Store-level sentinels, shared by all Store implementations.
var (
	// ErrNotFound is returned when a key does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a conditional write loses: creating a
	// key that exists, or transitioning a session that is already terminal.
	ErrConflict = errors.New("conflict")
)
