package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"qrattend/internal/geo"
)

// Postgres persists sessions and attendance records. Every mutation is a
// single-row conditional write; the unique index on (session_token,
// student_id) is what enforces exactly-once recording under concurrency.
type Postgres struct {
	db *sql.DB
}

// NewPostgres creates a store over an open connection pool.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// EnsureSchema creates the tables when they do not exist yet. Statements
// run one at a time; the pgx stdlib driver rejects multi-statement strings.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			token          TEXT PRIMARY KEY,
			course_name    TEXT NOT NULL,
			owner_id       TEXT NOT NULL,
			issued_at      TIMESTAMPTZ NOT NULL,
			expires_at     TIMESTAMPTZ NOT NULL,
			latitude       DOUBLE PRECISION,
			longitude      DOUBLE PRECISION,
			state          TEXT NOT NULL,
			deactivated_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS sessions_owner_idx ON sessions (owner_id, issued_at DESC)`,
		`CREATE TABLE IF NOT EXISTS attendance_records (
			id                UUID PRIMARY KEY,
			session_token     TEXT NOT NULL REFERENCES sessions (token),
			student_id        TEXT NOT NULL,
			course_name       TEXT NOT NULL,
			recorded_at       TIMESTAMPTZ NOT NULL,
			student_latitude  DOUBLE PRECISION,
			student_longitude DOUBLE PRECISION,
			UNIQUE (session_token, student_id)
		)`,
		`CREATE INDEX IF NOT EXISTS records_student_idx ON attendance_records (student_id, recorded_at DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return unavailable(err)
		}
	}
	return nil
}

// CreateSession writes a new session; token reuse loses to the primary key.
func (p *Postgres) CreateSession(ctx context.Context, s Session) error {
	var lat, lng *float64
	if s.Location != nil {
		lat, lng = &s.Location.Latitude, &s.Location.Longitude
	}
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO sessions (token, course_name, owner_id, issued_at, expires_at, latitude, longitude, state, deactivated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (token) DO NOTHING
	`, s.Token, s.CourseName, s.OwnerID, s.IssuedAt, s.ExpiresAt, lat, lng, string(s.State), s.DeactivatedAt)
	if err != nil {
		return unavailable(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

// GetSession returns the session named by token.
func (p *Postgres) GetSession(ctx context.Context, token string) (Session, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT token, course_name, owner_id, issued_at, expires_at, latitude, longitude, state, deactivated_at
		FROM sessions WHERE token = $1
	`, token)
	s, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, unavailable(err)
	}
	return s, nil
}

// DeactivateSession transitions Active -> Deactivated via a conditional
// update. A zero-row result means the session was missing or already
// terminal; the follow-up read tells the two apart.
func (p *Postgres) DeactivateSession(ctx context.Context, token string, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE sessions SET state = $2, deactivated_at = $3
		WHERE token = $1 AND state = $4
	`, token, string(StateDeactivated), at, string(StateActive))
	if err != nil {
		return unavailable(err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var exists bool
	if err := p.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM sessions WHERE token = $1)`, token).Scan(&exists); err != nil {
		return unavailable(err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrConflict
}

// CreateRecord writes one attendance record. A (session_token, student_id)
// duplicate loses to the unique index and reports ErrConflict.
func (p *Postgres) CreateRecord(ctx context.Context, r Record) error {
	var lat, lng *float64
	if r.StudentLocation != nil {
		lat, lng = &r.StudentLocation.Latitude, &r.StudentLocation.Longitude
	}
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO attendance_records (id, session_token, student_id, course_name, recorded_at, student_latitude, student_longitude)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (session_token, student_id) DO NOTHING
	`, uuid.NewString(), r.SessionToken, r.StudentID, r.CourseName, r.RecordedAt, lat, lng)
	if err != nil {
		return unavailable(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

// ListSessionRecords returns the roster for one session.
func (p *Postgres) ListSessionRecords(ctx context.Context, token string) ([]Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT session_token, student_id, course_name, recorded_at, student_latitude, student_longitude
		FROM attendance_records WHERE session_token = $1
		ORDER BY recorded_at ASC
	`, token)
	if err != nil {
		return nil, unavailable(err)
	}
	return collectRecords(rows)
}

// ListStudentRecords returns a student's history, newest first.
func (p *Postgres) ListStudentRecords(ctx context.Context, studentID string, limit, offset int) ([]Record, error) {
	limit, offset = clampPage(limit, offset)
	rows, err := p.db.QueryContext(ctx, `
		SELECT session_token, student_id, course_name, recorded_at, student_latitude, student_longitude
		FROM attendance_records WHERE student_id = $1
		ORDER BY recorded_at DESC LIMIT $2 OFFSET $3
	`, studentID, limit, offset)
	if err != nil {
		return nil, unavailable(err)
	}
	return collectRecords(rows)
}

// ListOwnerSessions returns a lecturer's sessions, newest first.
func (p *Postgres) ListOwnerSessions(ctx context.Context, ownerID string, limit, offset int) ([]Session, error) {
	limit, offset = clampPage(limit, offset)
	rows, err := p.db.QueryContext(ctx, `
		SELECT token, course_name, owner_id, issued_at, expires_at, latitude, longitude, state, deactivated_at
		FROM sessions WHERE owner_id = $1
		ORDER BY issued_at DESC LIMIT $2 OFFSET $3
	`, ownerID, limit, offset)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()
	var out []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, unavailable(err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(err)
	}
	return out, nil
}

// ExpireOverdue closes every Active session past its expiry.
func (p *Postgres) ExpireOverdue(ctx context.Context, now time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE sessions SET state = $1, deactivated_at = $2
		WHERE state = $3 AND expires_at < $2
	`, string(StateDeactivated), now, string(StateActive))
	if err != nil {
		return 0, unavailable(err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var (
		s        Session
		state    string
		lat, lng sql.NullFloat64
		deactAt  sql.NullTime
	)
	if err := row.Scan(&s.Token, &s.CourseName, &s.OwnerID, &s.IssuedAt, &s.ExpiresAt, &lat, &lng, &state, &deactAt); err != nil {
		return Session{}, err
	}
	s.State = State(state)
	if lat.Valid && lng.Valid {
		s.Location = &geo.Coordinate{Latitude: lat.Float64, Longitude: lng.Float64}
	}
	if deactAt.Valid {
		t := deactAt.Time
		s.DeactivatedAt = &t
	}
	return s, nil
}

func collectRecords(rows *sql.Rows) ([]Record, error) {
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var (
			r        Record
			lat, lng sql.NullFloat64
		)
		if err := rows.Scan(&r.SessionToken, &r.StudentID, &r.CourseName, &r.RecordedAt, &lat, &lng); err != nil {
			return nil, unavailable(err)
		}
		if lat.Valid && lng.Valid {
			r.StudentLocation = &geo.Coordinate{Latitude: lat.Float64, Longitude: lng.Float64}
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(err)
	}
	return out, nil
}

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}
