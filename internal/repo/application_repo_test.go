package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/tbourn/go-tuition-backend/internal/domain"
)

func seedApplication(t *testing.T, db *gorm.DB, id, postID, tutor string, opts ...func(*domain.Application)) *domain.Application {
	t.Helper()
	a := &domain.Application{
		ID: id, PostID: postID, TutorEmail: tutor, TutorName: "T", StudentEmail: "s@example.com",
		Subject: "Math", Qualifications: "BSc", ExpectedSalary: decimal.NewFromInt(4000), StudentDemand: decimal.NewFromInt(5000),
		Status: domain.ReviewPending, PaymentStatus: domain.PaymentUnpaid,
	}
	for _, o := range opts {
		o(a)
	}
	if err := CreateApplication(context.Background(), db, a); err != nil {
		t.Fatalf("seed application %s: %v", id, err)
	}
	return a
}

func TestCreateApplication_DuplicatePerTutorAndPost(t *testing.T) {
	db := newMarketDB(t)
	ctx := context.Background()
	seedPost(t, db, "p1", "Math", "Dhaka", time.Now().UTC(), approved)
	seedApplication(t, db, "a1", "p1", "t1@example.com")

	dup := &domain.Application{
		PostID: "p1", TutorEmail: "t1@example.com", StudentEmail: "s@example.com",
		Qualifications: "x", ExpectedSalary: decimal.NewFromInt(1), StudentDemand: decimal.NewFromInt(1),
		Status: domain.ReviewPending, PaymentStatus: domain.PaymentUnpaid,
	}
	if err := CreateApplication(ctx, db, dup); err != ErrDuplicate {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	ok, err := ApplicationExists(ctx, db, "t1@example.com", "p1")
	if err != nil || !ok {
		t.Fatalf("ApplicationExists: %v %v", ok, err)
	}
	ok, _ = ApplicationExists(ctx, db, "t2@example.com", "p1")
	if ok {
		t.Fatalf("unexpected existing application for t2")
	}
}

func TestReviewAndPayApplication_Guards(t *testing.T) {
	db := newMarketDB(t)
	ctx := context.Background()
	seedPost(t, db, "p1", "Math", "Dhaka", time.Now().UTC(), approved)
	seedApplication(t, db, "a1", "p1", "t1@example.com")

	// Unreviewed applications cannot be paid.
	if n, _ := MarkApplicationPaid(ctx, db, "a1"); n != 0 {
		t.Fatalf("pending application must not become paid")
	}
	if n, err := ReviewApplication(ctx, db, "a1", domain.ReviewApproved); err != nil || n != 1 {
		t.Fatalf("ReviewApplication: n=%d err=%v", n, err)
	}
	// One-shot review.
	if n, _ := ReviewApplication(ctx, db, "a1", domain.ReviewRejected); n != 0 {
		t.Fatalf("second review must affect 0 rows")
	}
	if n, err := MarkApplicationPaid(ctx, db, "a1"); err != nil || n != 1 {
		t.Fatalf("MarkApplicationPaid: n=%d err=%v", n, err)
	}
	if n, _ := MarkApplicationPaid(ctx, db, "a1"); n != 0 {
		t.Fatalf("second MarkApplicationPaid must affect 0 rows")
	}
	// Edits only while pending.
	if n, _ := UpdatePendingApplication(ctx, db, "a1", "t1@example.com", map[string]any{"experience": "5y"}); n != 0 {
		t.Fatalf("edit after review must affect 0 rows")
	}
}

func TestReviewApplication_ApprovalNeedsOpenPost(t *testing.T) {
	db := newMarketDB(t)
	ctx := context.Background()
	seedPost(t, db, "p1", "Math", "Dhaka", time.Now().UTC(), approved)
	seedPost(t, db, "p2", "Physics", "Dhaka", time.Now().UTC())
	seedApplication(t, db, "a1", "p1", "t1@example.com")
	seedApplication(t, db, "a2", "p1", "t2@example.com")
	seedApplication(t, db, "a3", "p2", "t1@example.com")

	// The post is booked after a2 was read as pending on an open post.
	if n, err := BookPost(ctx, db, "p1", "a1"); err != nil || n != 1 {
		t.Fatalf("BookPost: n=%d err=%v", n, err)
	}
	cases := []struct {
		id     string
		status domain.ReviewStatus
		want   int64
	}{
		{"a2", domain.ReviewApproved, 0},
		{"a3", domain.ReviewApproved, 0},
		{"a2", domain.ReviewRejected, 1},
		{"a3", domain.ReviewRejected, 1},
	}
	for _, tc := range cases {
		if n, err := ReviewApplication(ctx, db, tc.id, tc.status); err != nil || n != tc.want {
			t.Errorf("ReviewApplication(%s, %s) = %d, %v; want %d", tc.id, tc.status, n, err, tc.want)
		}
	}
}

func TestDeleteApplication_WithGuards(t *testing.T) {
	db := newMarketDB(t)
	ctx := context.Background()
	seedPost(t, db, "p1", "Math", "Dhaka", time.Now().UTC(), approved)
	seedApplication(t, db, "a1", "p1", "t1@example.com", func(a *domain.Application) {
		a.Status = domain.ReviewApproved
		a.PaymentStatus = domain.PaymentPaid
	})
	seedApplication(t, db, "a2", "p1", "t2@example.com")

	if n, _ := DeleteApplication(ctx, db, "a1", StillUnpaid); n != 0 {
		t.Fatalf("paid application must survive StillUnpaid delete")
	}
	if n, _ := DeleteApplication(ctx, db, "a1", StillPending); n != 0 {
		t.Fatalf("reviewed application must survive StillPending delete")
	}
	if n, err := DeleteApplication(ctx, db, "a2", StillPending, StillUnpaid); err != nil || n != 1 {
		t.Fatalf("delete a2: n=%d err=%v", n, err)
	}
	if n, _ := DeleteApplication(ctx, db, "a2"); n != 0 {
		t.Fatalf("already deleted application must affect 0 rows")
	}
}

func TestListApplications_MarksMoot(t *testing.T) {
	db := newMarketDB(t)
	ctx := context.Background()
	seedPost(t, db, "p1", "Math", "Dhaka", time.Now().UTC(), approved)
	seedApplication(t, db, "a1", "p1", "t1@example.com", func(a *domain.Application) {
		a.Status = domain.ReviewApproved
	})
	seedApplication(t, db, "a2", "p1", "t2@example.com", func(a *domain.Application) {
		a.Status = domain.ReviewApproved
	})

	if _, err := MarkApplicationPaid(ctx, db, "a1"); err != nil {
		t.Fatalf("pay a1: %v", err)
	}
	if _, err := BookPost(ctx, db, "p1", "a1"); err != nil {
		t.Fatalf("book: %v", err)
	}

	apps, total, err := ListApplicationsByPost(ctx, db, "p1", 0, 10)
	if err != nil || total != 2 {
		t.Fatalf("ListApplicationsByPost: total=%d err=%v", total, err)
	}
	for _, a := range apps {
		if a.ID == "a1" && a.Moot {
			t.Fatalf("paid application must not be moot")
		}
		if a.ID == "a2" && !a.Moot {
			t.Fatalf("other application on booked post must be moot")
		}
	}

	got, err := GetApplication(ctx, db, "a2")
	if err != nil || !got.Moot || got.Post.ID != "p1" {
		t.Fatalf("GetApplication: %+v %v", got, err)
	}
	if _, err := GetApplication(ctx, db, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	mine, total, _ := ListApplicationsByTutor(ctx, db, "t2@example.com", 0, 10)
	if total != 1 || len(mine) != 1 || mine[0].ID != "a2" {
		t.Fatalf("ListApplicationsByTutor: %+v", mine)
	}
	recv, total, _ := ListApplicationsByStudent(ctx, db, "s@example.com", 0, 1)
	if total != 2 || len(recv) != 1 {
		t.Fatalf("ListApplicationsByStudent paging: total=%d len=%d", total, len(recv))
	}
}
