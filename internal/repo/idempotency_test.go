package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tbourn/go-tuition-backend/internal/domain"
)

func TestFindIdempotency(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t, &domain.Idempotency{})
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	live := IdemKey{UserID: "sara@example.com", Scope: "pay", Key: "k-live"}
	old := IdemKey{UserID: "sara@example.com", Scope: "pay", Key: "k-old"}
	if _, err := SaveIdempotency(ctx, db, live, "sess-1", 201, time.Hour, now.Add(-time.Minute)); err != nil {
		t.Fatal(err)
	}
	if _, err := SaveIdempotency(ctx, db, old, "sess-0", 201, time.Hour, now.Add(-2*time.Hour)); err != nil {
		t.Fatal(err)
	}

	rec, err := FindIdempotency(ctx, db, live, now)
	if err != nil || rec.ResourceID != "sess-1" || rec.Status != 201 {
		t.Fatalf("live key: rec=%+v err=%v", rec, err)
	}

	for name, k := range map[string]IdemKey{
		"expired":     old,
		"unknown":     {UserID: live.UserID, Scope: "pay", Key: "nope"},
		"other user":  {UserID: "omar@example.com", Scope: "pay", Key: "k-live"},
		"other scope": {UserID: live.UserID, Scope: "refund", Key: "k-live"},
		"blank scope": {UserID: live.UserID, Scope: "  ", Key: "k-live"},
		"blank key":   {UserID: live.UserID, Scope: "pay"},
	} {
		if rec, err := FindIdempotency(ctx, db, k, now); rec != nil || !errors.Is(err, ErrNotFound) {
			t.Errorf("%s: rec=%+v err=%v", name, rec, err)
		}
	}
}

func TestSaveIdempotency(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t, &domain.Idempotency{})
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	k := IdemKey{UserID: "u9", Scope: "pay", Key: "k9"}

	rec, err := SaveIdempotency(ctx, db, k, "s9", 201, 90*time.Minute, now)
	if err != nil {
		t.Fatal(err)
	}
	if rec.ID == "" || rec.ResourceID != "s9" || !rec.ExpiresAt.Equal(now.Add(90*time.Minute)) {
		t.Fatalf("record = %+v", rec)
	}
	if _, err := SaveIdempotency(ctx, db, k, "sX", 201, time.Hour, now); err != ErrDuplicate {
		t.Fatalf("reused key: err = %v, want ErrDuplicate", err)
	}
	k.Scope = "refund"
	if _, err := SaveIdempotency(ctx, db, k, "s10", 201, time.Hour, now); err != nil {
		t.Fatalf("same key in another scope: %v", err)
	}

	bare := newTestDB(t)
	if _, err := SaveIdempotency(ctx, bare, k, "s", 201, time.Minute, now); err == nil || err == ErrDuplicate {
		t.Fatalf("missing table: err = %v", err)
	}
}

func TestPurgeExpiredIdempotency(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t, &domain.Idempotency{})
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i, ttl := range []time.Duration{time.Minute, time.Hour, 3 * time.Hour} {
		k := IdemKey{UserID: "u", Scope: "pay", Key: string(rune('a' + i))}
		if _, err := SaveIdempotency(ctx, db, k, "r", 201, ttl, now.Add(-time.Hour)); err != nil {
			t.Fatal(err)
		}
	}
	n, err := PurgeExpiredIdempotency(ctx, db, now)
	if err != nil || n != 2 {
		t.Fatalf("purge: n=%d err=%v", n, err)
	}
	var left int64
	db.Model(&domain.Idempotency{}).Count(&left)
	if left != 1 {
		t.Fatalf("%d records left, want 1", left)
	}
}
