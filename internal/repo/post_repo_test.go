package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tbourn/go-tuition-backend/internal/domain"
	"github.com/tbourn/go-tuition-backend/internal/search"
)

func TestUsers_CreateGetDuplicate(t *testing.T) {
	db := newMarketDB(t)
	ctx := context.Background()

	u := &domain.User{Email: "t@example.com", Name: "Tariq", Role: domain.RoleTutor}
	if err := CreateUser(ctx, db, u); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if u.CreatedAt.IsZero() {
		t.Fatalf("CreatedAt not stamped")
	}
	if err := CreateUser(ctx, db, &domain.User{Email: "t@example.com", Name: "x", Role: domain.RoleStudent}); err != ErrDuplicate {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	got, err := GetUser(ctx, db, "t@example.com")
	if err != nil || got.Role != domain.RoleTutor {
		t.Fatalf("GetUser: %+v %v", got, err)
	}
	if _, err := GetUser(ctx, db, "nobody@example.com"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateAndGetPost(t *testing.T) {
	db := newMarketDB(t)
	ctx := context.Background()

	p := &domain.TuitionPost{
		StudentEmail: "s@example.com", Subject: "Math", Class: "10", Location: "Dhaka",
		Budget: decimal.NewFromInt(4000), ModerationStatus: domain.ModerationPending, FulfillmentStatus: domain.FulfillmentOpen,
	}
	if err := CreatePost(ctx, db, p); err != nil {
		t.Fatalf("CreatePost: %v", err)
	}
	if p.ID == "" || p.CreatedAt.IsZero() {
		t.Fatalf("expected id and timestamps, got %+v", p)
	}
	got, err := GetPost(ctx, db, p.ID)
	if err != nil || got.Class != "10" || !got.Budget.Equal(decimal.NewFromInt(4000)) {
		t.Fatalf("GetPost: %+v %v", got, err)
	}
	if _, err := GetPost(ctx, db, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateAndDeleteOpenPost_Guards(t *testing.T) {
	db := newMarketDB(t)
	ctx := context.Background()
	now := time.Now().UTC()
	seedPost(t, db, "open", "Math", "Dhaka", now)
	seedPost(t, db, "booked", "Math", "Dhaka", now, approved, func(p *domain.TuitionPost) {
		p.FulfillmentStatus = domain.FulfillmentBooked
	})

	n, err := UpdateOpenPost(ctx, db, "open", "s@example.com", map[string]any{"subject": "Higher Math"})
	if err != nil || n != 1 {
		t.Fatalf("owner update: n=%d err=%v", n, err)
	}
	if n, _ := UpdateOpenPost(ctx, db, "open", "other@example.com", map[string]any{"subject": "x"}); n != 0 {
		t.Fatalf("non-owner update should affect 0 rows")
	}
	if n, _ := UpdateOpenPost(ctx, db, "booked", "s@example.com", map[string]any{"subject": "x"}); n != 0 {
		t.Fatalf("booked post update should affect 0 rows")
	}
	if n, _ := DeleteOpenPost(ctx, db, "booked", "s@example.com"); n != 0 {
		t.Fatalf("booked post delete should affect 0 rows")
	}
	if n, err := DeleteOpenPost(ctx, db, "open", "s@example.com"); err != nil || n != 1 {
		t.Fatalf("owner delete: n=%d err=%v", n, err)
	}
}

func TestSetModeration_And_BookPost(t *testing.T) {
	db := newMarketDB(t)
	ctx := context.Background()
	seedPost(t, db, "p1", "Math", "Dhaka", time.Now().UTC())

	// Not yet approved -> cannot book.
	if n, _ := BookPost(ctx, db, "p1", "a1"); n != 0 {
		t.Fatalf("pending post must not be bookable")
	}
	if n, err := SetModeration(ctx, db, "p1", domain.ModerationApproved); err != nil || n != 1 {
		t.Fatalf("SetModeration: n=%d err=%v", n, err)
	}
	if n, err := BookPost(ctx, db, "p1", "a1"); err != nil || n != 1 {
		t.Fatalf("BookPost: n=%d err=%v", n, err)
	}
	// Second booking loses.
	if n, _ := BookPost(ctx, db, "p1", "a2"); n != 0 {
		t.Fatalf("second BookPost must affect 0 rows")
	}
	// Booked posts are frozen for moderation.
	if n, _ := SetModeration(ctx, db, "p1", domain.ModerationRejected); n != 0 {
		t.Fatalf("moderating a booked post must affect 0 rows")
	}
	got, _ := GetPost(ctx, db, "p1")
	if got.BookedApplicationID == nil || *got.BookedApplicationID != "a1" || got.FulfillmentStatus != domain.FulfillmentBooked {
		t.Fatalf("unexpected booked post: %+v", got)
	}
}

func TestListVisiblePosts_FilterSortPage(t *testing.T) {
	db := newMarketDB(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	seedPost(t, db, "a", "Physics", "Sylhet", base.Add(1*time.Hour), approved)
	seedPost(t, db, "b", "Mathematics", "Dhaka", base.Add(2*time.Hour), approved)
	seedPost(t, db, "c", "Chemistry", "Chittagong", base.Add(3*time.Hour), approved)
	seedPost(t, db, "d", "Math", "Dhaka", base.Add(4*time.Hour)) // pending
	seedPost(t, db, "e", "Math", "Barishal", base.Add(5*time.Hour), func(p *domain.TuitionPost) {
		p.ModerationStatus = domain.ModerationRejected
	})
	seedPost(t, db, "f", "100% Math", "Khulna", base.Add(6*time.Hour), approved)

	ids := func(ps []domain.TuitionPost) []string {
		out := make([]string, 0, len(ps))
		for _, p := range ps {
			out = append(out, p.ID)
		}
		return out
	}
	eq := func(a, b []string) bool {
		if len(a) != len(b) {
			return false
		}
		for i := range a {
			if a[i] != b[i] {
				return false
			}
		}
		return true
	}

	got, err := ListVisiblePosts(ctx, db, search.NewQuery("", "latest"), 0, 10)
	if err != nil || !eq(ids(got), []string{"f", "c", "b", "a"}) {
		t.Fatalf("latest: %v %v", ids(got), err)
	}
	got, _ = ListVisiblePosts(ctx, db, search.NewQuery("", "location"), 0, 10)
	if !eq(ids(got), []string{"c", "b", "f", "a"}) {
		t.Fatalf("location: %v", ids(got))
	}
	got, _ = ListVisiblePosts(ctx, db, search.NewQuery("", "subject"), 0, 10)
	if !eq(ids(got), []string{"f", "c", "b", "a"}) {
		t.Fatalf("subject: %v", ids(got))
	}

	// Case-insensitive substring over subject OR location.
	got, _ = ListVisiblePosts(ctx, db, search.NewQuery("MATH", ""), 0, 10)
	if !eq(ids(got), []string{"f", "b"}) {
		t.Fatalf("search math: %v", ids(got))
	}
	got, _ = ListVisiblePosts(ctx, db, search.NewQuery("sylh", ""), 0, 10)
	if !eq(ids(got), []string{"a"}) {
		t.Fatalf("search location: %v", ids(got))
	}
	// '%' is literal, not a wildcard.
	got, _ = ListVisiblePosts(ctx, db, search.NewQuery("0%", ""), 0, 10)
	if !eq(ids(got), []string{"f"}) {
		t.Fatalf("escaped search: %v", ids(got))
	}

	total, err := CountVisiblePosts(ctx, db, search.Query{})
	if err != nil || total != 4 {
		t.Fatalf("CountVisiblePosts: %d %v", total, err)
	}
	page2, _ := ListVisiblePosts(ctx, db, search.Query{}, 2, 2)
	if !eq(ids(page2), []string{"b", "a"}) {
		t.Fatalf("page 2: %v", ids(page2))
	}
}

func TestListPostsByStudent_And_Moderation(t *testing.T) {
	db := newMarketDB(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	seedPost(t, db, "p1", "Math", "Dhaka", base)
	seedPost(t, db, "p2", "Bio", "Dhaka", base.Add(time.Hour), approved)
	seedPost(t, db, "p3", "Art", "Dhaka", base.Add(2*time.Hour), func(p *domain.TuitionPost) {
		p.StudentEmail = "other@example.com"
	})

	mine, total, err := ListPostsByStudent(ctx, db, "s@example.com", 0, 10)
	if err != nil || total != 2 || len(mine) != 2 || mine[0].ID != "p2" {
		t.Fatalf("ListPostsByStudent: %+v total=%d err=%v", mine, total, err)
	}

	queue, total, err := ListPostsByModeration(ctx, db, domain.ModerationPending, 0, 10)
	if err != nil || total != 2 || queue[0].ID != "p1" || queue[1].ID != "p3" {
		t.Fatalf("ListPostsByModeration: %+v total=%d err=%v", queue, total, err)
	}
}
