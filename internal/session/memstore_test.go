package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestMemStore_CreateSessionRejectsTokenReuse(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	s := Session{Token: "tok-1", OwnerID: "lect-1", State: StateActive}
	if err := store.CreateSession(ctx, s); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if err := store.CreateSession(ctx, s); !errors.Is(err, ErrConflict) {
		t.Fatalf("token reuse: expected ErrConflict, got %v", err)
	}
}

func TestMemStore_StateIsMonotonic(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	if err := store.CreateSession(ctx, Session{Token: "tok-1", OwnerID: "lect-1", State: StateActive}); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := store.DeactivateSession(ctx, "tok-1", now); err != nil {
		t.Fatalf("first deactivate: %v", err)
	}
	if err := store.DeactivateSession(ctx, "tok-1", now.Add(time.Second)); !errors.Is(err, ErrConflict) {
		t.Fatalf("second deactivate: expected ErrConflict, got %v", err)
	}

	s, err := store.GetSession(ctx, "tok-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if s.State != StateDeactivated {
		t.Fatalf("state %s, want deactivated", s.State)
	}
	if s.DeactivatedAt == nil || !s.DeactivatedAt.Equal(now) {
		t.Fatalf("deactivated-at %v, want the first transition time %v", s.DeactivatedAt, now)
	}

	if err := store.DeactivateSession(ctx, "missing", now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown token: expected ErrNotFound, got %v", err)
	}
}

func TestMemStore_CreateRecordIsConditional(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	rec := Record{SessionToken: "tok-1", StudentID: "stu-1", RecordedAt: time.Now()}
	if err := store.CreateRecord(ctx, rec); err != nil {
		t.Fatalf("first record: %v", err)
	}
	if err := store.CreateRecord(ctx, rec); !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate pair: expected ErrConflict, got %v", err)
	}
	// Same student in another session and another student in the same
	// session are both fine.
	if err := store.CreateRecord(ctx, Record{SessionToken: "tok-2", StudentID: "stu-1"}); err != nil {
		t.Fatalf("other session: %v", err)
	}
	if err := store.CreateRecord(ctx, Record{SessionToken: "tok-1", StudentID: "stu-2"}); err != nil {
		t.Fatalf("other student: %v", err)
	}
}

func TestMemStore_ConcurrentRecordWritesAdmitOne(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	const writers = 32

	var wg sync.WaitGroup
	conflicts := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.CreateRecord(ctx, Record{SessionToken: "tok-1", StudentID: "stu-1"})
			if err != nil {
				conflicts <- err
			}
		}()
	}
	wg.Wait()
	close(conflicts)

	n := 0
	for err := range conflicts {
		if !errors.Is(err, ErrConflict) {
			t.Fatalf("unexpected error: %v", err)
		}
		n++
	}
	if n != writers-1 {
		t.Fatalf("%d conflicts, want %d", n, writers-1)
	}
}

func TestMemStore_ExpireOverdue(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	mustCreate := func(s Session) {
		t.Helper()
		if err := store.CreateSession(ctx, s); err != nil {
			t.Fatalf("create %s: %v", s.Token, err)
		}
	}
	mustCreate(Session{Token: "overdue", OwnerID: "lect-1", State: StateActive, ExpiresAt: now.Add(-time.Minute)})
	mustCreate(Session{Token: "live", OwnerID: "lect-1", State: StateActive, ExpiresAt: now.Add(time.Minute)})
	mustCreate(Session{Token: "closed", OwnerID: "lect-1", State: StateDeactivated, ExpiresAt: now.Add(-time.Hour)})

	n, err := store.ExpireOverdue(ctx, now)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if n != 1 {
		t.Fatalf("expired %d sessions, want 1", n)
	}
	s, _ := store.GetSession(ctx, "overdue")
	if s.State != StateDeactivated {
		t.Fatal("overdue session still active")
	}
	s, _ = store.GetSession(ctx, "live")
	if s.State != StateActive {
		t.Fatal("live session was swept early")
	}
}

func TestMemStore_ListsAndPagination(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	for i, tok := range []string{"t1", "t2", "t3"} {
		err := store.CreateSession(ctx, Session{Token: tok, OwnerID: "lect-1", State: StateActive, IssuedAt: base.Add(time.Duration(i) * time.Minute)})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	for i := 0; i < 3; i++ {
		err := store.CreateRecord(ctx, Record{SessionToken: "t1", StudentID: "stu-1", RecordedAt: base.Add(time.Duration(i) * time.Second)})
		if i == 0 && err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	sessions, err := store.ListOwnerSessions(ctx, "lect-1", 2, 0)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 2 || sessions[0].Token != "t3" {
		t.Fatalf("want 2 sessions newest first, got %+v", sessions)
	}

	page2, err := store.ListOwnerSessions(ctx, "lect-1", 2, 2)
	if err != nil {
		t.Fatalf("list page 2: %v", err)
	}
	if len(page2) != 1 || page2[0].Token != "t1" {
		t.Fatalf("want the oldest session on page 2, got %+v", page2)
	}

	history, err := store.ListStudentRecords(ctx, "stu-1", 10, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("duplicate-guarded history should hold 1 record, got %d", len(history))
	}
}
