package session

import (
	"time"

	"qrattend/internal/geo"
)

// State tracks a session's lifecycle. The only allowed transition is
// Active -> Deactivated, enforced by the store's conditional write.
type State string

const (
	StateActive      State = "active"
	StateDeactivated State = "deactivated"
)

// Session is one issued, time-boxed attendance credential. Its token is
// the opaque string encoded in the QR code and is never reused, even
// across rotations of the same class period.
type Session struct {
	Token         string          `json:"token"`
	CourseName    string          `json:"course_name"`
	OwnerID       string          `json:"owner_id"`
	IssuedAt      time.Time       `json:"issued_at"`
	ExpiresAt     time.Time       `json:"expires_at"`
	Location      *geo.Coordinate `json:"location,omitempty"`
	State         State           `json:"state"`
	DeactivatedAt *time.Time      `json:"deactivated_at,omitempty"`
}

// Record is one successful redemption. (SessionToken, StudentID) is the
// composite identity; the store rejects a second insert for the same pair.
// Records are append-only.
type Record struct {
	SessionToken    string          `json:"session_token"`
	StudentID       string          `json:"student_id"`
	CourseName      string          `json:"course_name"`
	RecordedAt      time.Time       `json:"recorded_at"`
	StudentLocation *geo.Coordinate `json:"student_location,omitempty"`
}

// Clock abstracts the time source so expiry and rotation math is testable.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// SystemClock returns a wall-clock backed Clock.
func SystemClock() Clock { return systemClock{} }
