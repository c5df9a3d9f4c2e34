package session

import (
	"context"
	"time"
)

// Store is the durable keyed storage for sessions and attendance records.
// All mutation goes through single-key conditional writes; there is no
// application-level locking anywhere above it.
type Store interface {
	// CreateSession writes a new session and fails with ErrConflict when
	// the token already exists.
	CreateSession(ctx context.Context, s Session) error
	// GetSession returns the session named by token or ErrNotFound.
	GetSession(ctx context.Context, token string) (Session, error)
	// DeactivateSession transitions Active -> Deactivated. It returns
	// ErrConflict when the session is already deactivated and ErrNotFound
	// when the token is unknown. The transition never reverses.
	DeactivateSession(ctx context.Context, token string, at time.Time) error
	// CreateRecord writes an attendance record and fails with ErrConflict
	// when a record for (SessionToken, StudentID) already exists. This is
	// the exactly-once gate; callers must not pre-check with a read.
	CreateRecord(ctx context.Context, r Record) error

	// ListSessionRecords returns the roster for one session.
	ListSessionRecords(ctx context.Context, token string) ([]Record, error)
	// ListStudentRecords returns a student's attendance history, newest first.
	ListStudentRecords(ctx context.Context, studentID string, limit, offset int) ([]Record, error)
	// ListOwnerSessions returns a lecturer's issued sessions, newest first.
	ListOwnerSessions(ctx context.Context, ownerID string, limit, offset int) ([]Session, error)

	// ExpireOverdue deactivates every Active session whose ExpiresAt is
	// before now and reports how many it touched.
	ExpireOverdue(ctx context.Context, now time.Time) (int, error)
}
