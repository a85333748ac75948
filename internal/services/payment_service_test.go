package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/xuri/excelize/v2"

	"github.com/tbourn/go-tuition-backend/internal/domain"
	"github.com/tbourn/go-tuition-backend/internal/events"
	"github.com/tbourn/go-tuition-backend/internal/export"
	"github.com/tbourn/go-tuition-backend/internal/inflight"
	"github.com/tbourn/go-tuition-backend/internal/metrics"
	"github.com/tbourn/go-tuition-backend/internal/payment"
	"github.com/tbourn/go-tuition-backend/internal/repo"
	"github.com/tbourn/go-tuition-backend/internal/search"
)

// Scenario: post → moderation → two applications → approve one → pay →
// booked; the other application is moot and can no longer be approved.
func TestLifecycle_FirstPaymentBooksPost(t *testing.T) {
	m := newMarket(t)
	ctx := context.Background()

	p, err := m.posts.Create(ctx, student, postInput())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if p.ModerationStatus != domain.ModerationPending || p.FulfillmentStatus != domain.FulfillmentOpen {
		t.Fatalf("new post state %s/%s", p.ModerationStatus, p.FulfillmentStatus)
	}
	if p, err = m.posts.Moderate(ctx, admin, p.ID, domain.ModerationApproved); err != nil {
		t.Fatalf("Moderate: %v", err)
	}

	a1, err := m.apps.Apply(ctx, tutor1, p.ID, appInput(4500))
	if err != nil {
		t.Fatalf("Apply A1: %v", err)
	}
	a2, err := m.apps.Apply(ctx, tutor2, p.ID, appInput(4800))
	if err != nil {
		t.Fatalf("Apply A2: %v", err)
	}

	if a1, err = m.apps.Review(ctx, student, a1.ID, domain.ReviewApproved); err != nil {
		t.Fatalf("Review A1: %v", err)
	}
	init, err := m.payments.Initiate(ctx, student, a1.ID, "")
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if init.Session.Status != domain.SessionInitiated || init.Session.RedirectURL == "" {
		t.Fatalf("unexpected session %+v", init.Session)
	}
	if !init.Session.Amount.Equal(a1.ExpectedSalary) || init.Session.PayeeEmail != tutor1.Email {
		t.Fatalf("session must carry salary and parties: %+v", init.Session)
	}

	done, err := m.payments.Complete(ctx, student, init.Session.ID)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if done.Replayed || done.Record.TrackingID == "" || done.Record.TransactionID != "txn_"+init.Session.ID {
		t.Fatalf("unexpected record %+v", done)
	}

	a1, _ = m.apps.Get(ctx, student, a1.ID)
	if a1.PaymentStatus != domain.PaymentPaid || a1.Status != domain.ReviewApproved || a1.Moot {
		t.Fatalf("A1 after payment: %+v", a1)
	}
	post, _ := m.posts.Get(ctx, student, p.ID)
	if post.FulfillmentStatus != domain.FulfillmentBooked || post.BookedApplicationID == nil || *post.BookedApplicationID != a1.ID {
		t.Fatalf("post after payment: %+v", post)
	}

	items, _, _ := m.posts.Browse(ctx, tutor1, search.NewQuery("", ""), NewPage(1, 20))
	for _, it := range items {
		if it.ID == p.ID {
			t.Fatalf("booked post still visible")
		}
	}

	a2, _ = m.apps.Get(ctx, student, a2.ID)
	if a2.Status != domain.ReviewPending || a2.PaymentStatus != domain.PaymentUnpaid || !a2.Moot {
		t.Fatalf("A2 must stay pending/unpaid and be moot: %+v", a2)
	}
	_, err = m.apps.Review(ctx, student, a2.ID, domain.ReviewApproved)
	mustKind(t, err, ErrInvalidState)

	assertBookingInvariant(t, m)
	for _, typ := range []string{events.PaymentInitiated, events.PaymentCompleted, events.PostBooked} {
		if m.events.count(typ) != 1 {
			t.Fatalf("expected one %s, got %v", typ, m.events.types())
		}
	}
}

// assertBookingInvariant checks that every booked post has exactly one paid
// application and every paid application is approved on a booked post.
func assertBookingInvariant(t *testing.T, m *market) {
	t.Helper()
	var posts []domain.TuitionPost
	m.db.Find(&posts)
	for _, p := range posts {
		var paid int64
		m.db.Model(&domain.Application{}).Where("post_id = ? AND payment_status = ?", p.ID, domain.PaymentPaid).Count(&paid)
		if p.FulfillmentStatus == domain.FulfillmentBooked && paid != 1 {
			t.Fatalf("post %s booked with %d paid applications", p.ID, paid)
		}
		if p.FulfillmentStatus == domain.FulfillmentOpen && paid != 0 {
			t.Fatalf("post %s open with %d paid applications", p.ID, paid)
		}
	}
	var bad int64
	m.db.Model(&domain.Application{}).Where("payment_status = ? AND status <> ?", domain.PaymentPaid, domain.ReviewApproved).Count(&bad)
	if bad != 0 {
		t.Fatalf("%d paid applications are not approved", bad)
	}
}

func TestPaymentService_CompleteIsIdempotent(t *testing.T) {
	m := newMarket(t)
	ctx := context.Background()
	p := m.openPost(t)
	a := m.approvedApp(t, p, tutor1)
	init, _ := m.payments.Initiate(ctx, student, a.ID, "")

	replaysBefore := testutil.ToFloat64(metrics.PaymentReplays)

	first, err := m.payments.Complete(ctx, student, init.Session.ID)
	if err != nil {
		t.Fatalf("first Complete: %v", err)
	}
	second, err := m.payments.Complete(ctx, student, init.Session.ID)
	if err != nil {
		t.Fatalf("second Complete: %v", err)
	}
	if !second.Replayed || second.Record.ID != first.Record.ID || second.Record.TrackingID != first.Record.TrackingID {
		t.Fatalf("replay must return the same record: first=%+v second=%+v", first.Record, second.Record)
	}
	if n := countRecords(t, m, a.ID); n != 1 {
		t.Fatalf("expected exactly one record, got %d", n)
	}
	if m.gw.confirms != 1 {
		t.Fatalf("replay must not contact the gateway, confirms=%d", m.gw.confirms)
	}
	if got := testutil.ToFloat64(metrics.PaymentReplays) - replaysBefore; got != 1 {
		t.Fatalf("replay counter delta = %v", got)
	}
	if m.events.count(events.PaymentCompleted) != 1 {
		t.Fatalf("replay must not re-emit events: %v", m.events.types())
	}
	assertBookingInvariant(t, m)
}

func TestPaymentService_ConcurrentCompletionsProduceOneRecord(t *testing.T) {
	cases := []struct {
		name   string
		market func(*testing.T) *market
	}{
		{"single connection", newMarket},
		{"file database with pool", newFileMarket},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := tc.market(t)
			ctx := context.Background()
			p := m.openPost(t)
			a := m.approvedApp(t, p, tutor1)
			init, err := m.payments.Initiate(ctx, student, a.ID, "")
			if err != nil {
				t.Fatal(err)
			}
			body, sig := signed(t, m, WebhookPayload{SessionID: init.Session.ID, Status: "succeeded", TransactionID: "gw-1"})

			var (
				wg       sync.WaitGroup
				mu       sync.Mutex
				replayed int
				errs     []error
			)
			record := func(replay bool, err error) {
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					errs = append(errs, err)
					return
				}
				if replay {
					replayed++
				}
			}
			for i := 0; i < 6; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					if i%2 == 0 {
						res, err := m.payments.HandleWebhook(ctx, body, sig)
						record(err == nil && res.Replayed, err)
						return
					}
					res, err := m.payments.Complete(ctx, student, init.Session.ID)
					record(err == nil && res.Replayed, err)
				}(i)
			}
			wg.Wait()
			if len(errs) != 0 {
				t.Fatalf("unexpected errors: %v", errs)
			}
			if replayed != 5 {
				t.Fatalf("expected 5 replays, got %d", replayed)
			}
			if n := countRecords(t, m, a.ID); n != 1 {
				t.Fatalf("expected one record, got %d", n)
			}
			assertBookingInvariant(t, m)
		})
	}
}

func countRecords(t *testing.T, m *market, applicationID string) int64 {
	t.Helper()
	var n int64
	if err := m.db.Model(&domain.PaymentRecord{}).Where("application_id = ?", applicationID).Count(&n).Error; err != nil {
		t.Fatal(err)
	}
	return n
}

func TestPaymentService_InitiatePreconditions(t *testing.T) {
	m := newMarket(t)
	ctx := context.Background()
	p := m.openPost(t)
	pending, _ := m.apps.Apply(ctx, tutor1, p.ID, appInput(4500))

	_, err := m.payments.Initiate(ctx, student, pending.ID, "")
	mustKind(t, err, ErrInvalidState)
	if !errors.Is(err, ErrNotApproved) {
		t.Fatalf("expected ErrNotApproved, got %v", err)
	}
	_, err = m.payments.Initiate(ctx, student2, pending.ID, "")
	mustKind(t, err, ErrForbidden)
	_, err = m.payments.Initiate(ctx, tutor1, pending.ID, "")
	mustKind(t, err, ErrForbidden)
	_, err = m.payments.Initiate(ctx, student, "missing", "")
	mustKind(t, err, ErrNotFound)

	a := m.approvedApp(t, p, tutor2)
	init, _ := m.payments.Initiate(ctx, student, a.ID, "")
	if _, err := m.payments.Complete(ctx, student, init.Session.ID); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	_, err = m.payments.Initiate(ctx, student, a.ID, "")
	mustKind(t, err, ErrInvalidState)
	if !errors.Is(err, ErrAlreadyPaid) {
		t.Fatalf("expected ErrAlreadyPaid, got %v", err)
	}
	if m.gw.checkouts != 1 {
		t.Fatalf("rejected initiations must not reach the gateway, checkouts=%d", m.gw.checkouts)
	}
}

func TestPaymentService_InitiateReusesOpenSession(t *testing.T) {
	m := newMarket(t)
	ctx := context.Background()
	p := m.openPost(t)
	a := m.approvedApp(t, p, tutor1)

	first, err := m.payments.Initiate(ctx, student, a.ID, "")
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	second, err := m.payments.Initiate(ctx, student, a.ID, "")
	if err != nil {
		t.Fatalf("Initiate again: %v", err)
	}
	if second.Session.ID != first.Session.ID || m.gw.checkouts != 1 {
		t.Fatalf("expected reuse, got %s vs %s (checkouts=%d)", first.Session.ID, second.Session.ID, m.gw.checkouts)
	}
}

func TestPaymentService_InitiateInFlightIsRejected(t *testing.T) {
	m := newMarket(t)
	ctx := context.Background()
	p := m.openPost(t)
	a := m.approvedApp(t, p, tutor1)

	release, err := m.payments.Guard.Acquire(ctx, "payment:"+a.ID)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	_, err = m.payments.Initiate(ctx, student, a.ID, "")
	mustKind(t, err, ErrConflict)
	if !errors.Is(err, ErrPaymentInFlight) {
		t.Fatalf("expected ErrPaymentInFlight, got %v", err)
	}
	release()
	if _, err := m.payments.Initiate(ctx, student, a.ID, ""); err != nil {
		t.Fatalf("Initiate after release: %v", err)
	}
}

func TestPaymentService_InitiateIdempotencyKey(t *testing.T) {
	m := newMarket(t)
	ctx := context.Background()
	p := m.openPost(t)
	a := m.approvedApp(t, p, tutor1)
	b := m.approvedApp(t, p, tutor2)

	first, err := m.payments.Initiate(ctx, student, a.ID, "k-1")
	if err != nil || first.Replayed {
		t.Fatalf("first: %+v %v", first, err)
	}
	// Even after cancellation, the key keeps answering with its session.
	if _, err := m.payments.Cancel(ctx, student, first.Session.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	again, err := m.payments.Initiate(ctx, student, a.ID, "k-1")
	if err != nil || !again.Replayed || again.Session.ID != first.Session.ID {
		t.Fatalf("replay: %+v %v", again, err)
	}
	if m.gw.checkouts != 1 {
		t.Fatalf("replay must not reach the gateway")
	}

	_, err = m.payments.Initiate(ctx, student, b.ID, "k-1")
	mustKind(t, err, ErrConflict)

	fresh, err := m.payments.Initiate(ctx, student, a.ID, "k-2")
	if err != nil || fresh.Replayed || fresh.Session.ID == first.Session.ID {
		t.Fatalf("new key after cancel must open a new session: %+v %v", fresh, err)
	}
}

func TestPaymentService_GatewayFailureIsUnavailable(t *testing.T) {
	m := newMarket(t)
	ctx := context.Background()
	p := m.openPost(t)
	a := m.approvedApp(t, p, tutor1)

	before := testutil.ToFloat64(metrics.GatewayErrors.WithLabelValues("checkout"))
	m.gw.checkoutErr = payment.ErrGateway
	_, err := m.payments.Initiate(ctx, student, a.ID, "")
	mustKind(t, err, ErrUnavailable)
	if Kind(err) != "unavailable" {
		t.Fatalf("Kind = %q", Kind(err))
	}
	if got := testutil.ToFloat64(metrics.GatewayErrors.WithLabelValues("checkout")) - before; got != 1 {
		t.Fatalf("gateway error counter delta = %v", got)
	}
	if sessions, _ := repo.ListSessionsByApplication(ctx, m.db, a.ID); len(sessions) != 0 {
		t.Fatalf("failed checkout must not persist a session")
	}

	m.gw.checkoutErr = nil
	init, err := m.payments.Initiate(ctx, student, a.ID, "")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	m.gw.confirmErr = payment.ErrGateway
	_, err = m.payments.Complete(ctx, student, init.Session.ID)
	mustKind(t, err, ErrUnavailable)
	got, _ := m.payments.GetSession(ctx, student, init.Session.ID)
	if got.Status != domain.SessionInitiated {
		t.Fatalf("failed confirmation must leave the session initiated, got %s", got.Status)
	}
}

func TestPaymentService_CancelAndReinitiate(t *testing.T) {
	m := newMarket(t)
	ctx := context.Background()
	p := m.openPost(t)
	a := m.approvedApp(t, p, tutor1)
	init, _ := m.payments.Initiate(ctx, student, a.ID, "")

	_, err := m.payments.Cancel(ctx, student2, init.Session.ID)
	mustKind(t, err, ErrForbidden)

	sess, err := m.payments.Cancel(ctx, student, init.Session.ID)
	if err != nil || sess.Status != domain.SessionCancelled || sess.CancelledAt == nil {
		t.Fatalf("Cancel: %+v %v", sess, err)
	}
	if _, err := m.payments.Cancel(ctx, student, init.Session.ID); err != nil {
		t.Fatalf("repeat Cancel must be a no-op: %v", err)
	}
	if m.events.count(events.PaymentCancelled) != 1 {
		t.Fatalf("expected one payment.cancelled, got %v", m.events.types())
	}

	app, _ := m.apps.Get(ctx, student, a.ID)
	post, _ := m.posts.Get(ctx, student, p.ID)
	if app.Status != domain.ReviewApproved || app.PaymentStatus != domain.PaymentUnpaid || post.FulfillmentStatus != domain.FulfillmentOpen {
		t.Fatalf("cancel must not touch application or post: %+v %+v", app, post)
	}

	_, err = m.payments.Complete(ctx, student, init.Session.ID)
	mustKind(t, err, ErrInvalidState)

	again, err := m.payments.Initiate(ctx, student, a.ID, "")
	if err != nil || again.Session.ID == init.Session.ID {
		t.Fatalf("re-initiate: %+v %v", again, err)
	}
	if _, err := m.payments.Complete(ctx, student, again.Session.ID); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	_, err = m.payments.Cancel(ctx, student, again.Session.ID)
	mustKind(t, err, ErrInvalidState)

	sessions, err := m.payments.SessionsForApplication(ctx, tutor1, a.ID)
	if err != nil || len(sessions) != 2 {
		t.Fatalf("SessionsForApplication: %d %v", len(sessions), err)
	}
}

func TestPaymentService_CompleteNotSettledAtGateway(t *testing.T) {
	m := newMarket(t)
	ctx := context.Background()
	p := m.openPost(t)
	a := m.approvedApp(t, p, tutor1)
	init, _ := m.payments.Initiate(ctx, student, a.ID, "")

	m.gw.status = payment.StatusPending
	_, err := m.payments.Complete(ctx, student, init.Session.ID)
	if !errors.Is(err, ErrNotSettled) {
		t.Fatalf("expected ErrNotSettled, got %v", err)
	}

	m.gw.status = payment.StatusCancelled
	_, err = m.payments.Complete(ctx, student, init.Session.ID)
	mustKind(t, err, ErrInvalidState)
	got, _ := m.payments.GetSession(ctx, student, init.Session.ID)
	if got.Status != domain.SessionCancelled {
		t.Fatalf("gateway-cancelled session must be closed, got %s", got.Status)
	}
}

func TestPaymentService_SecondApprovedApplicationLosesRace(t *testing.T) {
	m := newMarket(t)
	ctx := context.Background()
	p := m.openPost(t)
	a1 := m.approvedApp(t, p, tutor1)
	a2 := m.approvedApp(t, p, tutor2)

	s1, _ := m.payments.Initiate(ctx, student, a1.ID, "")
	s2, _ := m.payments.Initiate(ctx, student, a2.ID, "")

	if _, err := m.payments.Complete(ctx, student, s1.Session.ID); err != nil {
		t.Fatalf("Complete s1: %v", err)
	}
	_, err := m.payments.Complete(ctx, student, s2.Session.ID)
	mustKind(t, err, ErrInvalidState)
	if !errors.Is(err, ErrPostBooked) {
		t.Fatalf("expected ErrPostBooked, got %v", err)
	}
	got, _ := m.payments.GetSession(ctx, student, s2.Session.ID)
	if got.Status != domain.SessionInitiated {
		t.Fatalf("losing session must be rolled back, got %s", got.Status)
	}
	app2, _ := m.apps.Get(ctx, student, a2.ID)
	if app2.PaymentStatus != domain.PaymentUnpaid || !app2.Moot {
		t.Fatalf("losing application: %+v", app2)
	}
	assertBookingInvariant(t, m)
}

func TestPaymentService_OutOfOrderCompletionRejected(t *testing.T) {
	m := newMarket(t)
	ctx := context.Background()
	p := m.openPost(t)
	a, _ := m.apps.Apply(ctx, tutor1, p.ID, appInput(4500))

	// A session that exists for an application that was never approved.
	sess := &domain.PaymentSession{
		ID: "cs_forged", ApplicationID: a.ID, PostID: p.ID, Amount: a.ExpectedSalary, Currency: "BDT",
		PayerEmail: student.Email, PayeeEmail: tutor1.Email,
	}
	if err := repo.CreateSession(ctx, m.db, sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	_, err := m.payments.Complete(ctx, student, sess.ID)
	mustKind(t, err, ErrInvalidState)
	if !errors.Is(err, ErrNotApproved) {
		t.Fatalf("expected ErrNotApproved, got %v", err)
	}
	got, _ := m.apps.Get(ctx, student, a.ID)
	if got.PaymentStatus != domain.PaymentUnpaid {
		t.Fatalf("out-of-order completion applied")
	}
}

func TestPaymentService_CompleteGuards(t *testing.T) {
	m := newMarket(t)
	ctx := context.Background()
	p := m.openPost(t)
	a := m.approvedApp(t, p, tutor1)
	init, _ := m.payments.Initiate(ctx, student, a.ID, "")

	_, err := m.payments.Complete(ctx, student, "missing")
	mustKind(t, err, ErrNotFound)
	_, err = m.payments.Complete(ctx, student2, init.Session.ID)
	mustKind(t, err, ErrForbidden)
	_, err = m.payments.Complete(ctx, tutor1, init.Session.ID)
	mustKind(t, err, ErrForbidden)

	_, err = m.payments.GetSession(ctx, student2, init.Session.ID)
	mustKind(t, err, ErrNotFound)
	if _, err := m.payments.GetSession(ctx, tutor1, init.Session.ID); err != nil {
		t.Fatalf("payee GetSession: %v", err)
	}
}

func signed(t *testing.T, m *market, v any) ([]byte, string) {
	t.Helper()
	body, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return body, payment.Sign(m.payments.WebhookSecret, body)
}

func TestPaymentService_Webhook(t *testing.T) {
	m := newMarket(t)
	ctx := context.Background()
	p := m.openPost(t)
	a := m.approvedApp(t, p, tutor1)
	init, _ := m.payments.Initiate(ctx, student, a.ID, "")

	body, sig := signed(t, m, WebhookPayload{SessionID: init.Session.ID, Status: "succeeded", TransactionID: "gw-77"})

	_, err := m.payments.HandleWebhook(ctx, body, "deadbeef")
	mustKind(t, err, ErrUnauthorized)

	res, err := m.payments.HandleWebhook(ctx, body, sig)
	if err != nil {
		t.Fatalf("HandleWebhook: %v", err)
	}
	if res.Status != domain.SessionSucceeded || res.Record == nil || res.Record.TransactionID != "gw-77" || res.Replayed {
		t.Fatalf("unexpected result %+v", res)
	}
	again, err := m.payments.HandleWebhook(ctx, body, sig)
	if err != nil || !again.Replayed || again.Record.ID != res.Record.ID {
		t.Fatalf("redelivery: %+v %v", again, err)
	}
	// The student's redirect arriving after the webhook is a replay too.
	done, err := m.payments.Complete(ctx, student, init.Session.ID)
	if err != nil || !done.Replayed {
		t.Fatalf("Complete after webhook: %+v %v", done, err)
	}
	if m.gw.confirms != 0 {
		t.Fatalf("webhook path must not call Confirm")
	}
	assertBookingInvariant(t, m)
}

func TestPaymentService_WebhookCancelAndValidation(t *testing.T) {
	m := newMarket(t)
	ctx := context.Background()
	p := m.openPost(t)
	a := m.approvedApp(t, p, tutor1)
	init, _ := m.payments.Initiate(ctx, student, a.ID, "")

	body, sig := signed(t, m, WebhookPayload{SessionID: init.Session.ID, Status: "cancelled"})
	res, err := m.payments.HandleWebhook(ctx, body, sig)
	if err != nil || res.Status != domain.SessionCancelled {
		t.Fatalf("cancel webhook: %+v %v", res, err)
	}

	body, sig = signed(t, m, WebhookPayload{SessionID: init.Session.ID, Status: "refunded"})
	_, err = m.payments.HandleWebhook(ctx, body, sig)
	mustKind(t, err, ErrValidation)

	body, sig = signed(t, m, WebhookPayload{Status: "succeeded"})
	_, err = m.payments.HandleWebhook(ctx, body, sig)
	mustKind(t, err, ErrValidation)

	body, sig = signed(t, m, WebhookPayload{SessionID: "unknown", Status: "succeeded"})
	_, err = m.payments.HandleWebhook(ctx, body, sig)
	mustKind(t, err, ErrNotFound)

	raw := []byte("{not json")
	_, err = m.payments.HandleWebhook(ctx, raw, payment.Sign(m.payments.WebhookSecret, raw))
	mustKind(t, err, ErrValidation)

	m.payments.WebhookSecret = nil
	body, sig = signed(t, m, WebhookPayload{SessionID: init.Session.ID, Status: "cancelled"})
	_, err = m.payments.HandleWebhook(ctx, body, sig)
	mustKind(t, err, ErrUnauthorized)
}

// payFor runs approve → initiate → complete for tutor on a fresh post owned
// by the default student.
func payFor(t *testing.T, m *market, tutorIdx int) *domain.PaymentRecord {
	t.Helper()
	ctx := context.Background()
	p := m.openPost(t)
	tutor := tutor1
	if tutorIdx == 2 {
		tutor = tutor2
	}
	a := m.approvedApp(t, p, tutor)
	init, err := m.payments.Initiate(ctx, student, a.ID, "")
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	res, err := m.payments.Complete(ctx, student, init.Session.ID)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	return res.Record
}

func TestPaymentService_History(t *testing.T) {
	m := newMarket(t)
	ctx := context.Background()
	payFor(t, m, 1)
	payFor(t, m, 1)
	payFor(t, m, 2)

	recs, total, err := m.payments.History(ctx, student, "", NewPage(1, 10))
	if err != nil || total != 3 || len(recs) != 3 {
		t.Fatalf("payer history: %d %v", total, err)
	}
	for _, r := range recs {
		if r.PayerEmail != student.Email {
			t.Fatalf("payer history leaked %+v", r)
		}
	}
	recs, total, err = m.payments.History(ctx, tutor1, "", NewPage(1, 10))
	if err != nil || total != 2 {
		t.Fatalf("payee history: %d %v", total, err)
	}
	for _, r := range recs {
		if r.PayeeEmail != tutor1.Email {
			t.Fatalf("payee history leaked %+v", r)
		}
	}
	if _, total, _ := m.payments.History(ctx, tutor2, AsPayer, NewPage(1, 10)); total != 0 {
		t.Fatalf("tutor as payer: %d", total)
	}
	if _, total, _ := m.payments.History(ctx, tutor2, AsAll, NewPage(1, 10)); total != 1 {
		t.Fatalf("tutor all: %d", total)
	}
	if _, total, _ := m.payments.History(ctx, admin, "", NewPage(1, 10)); total != 3 {
		t.Fatalf("admin ledger: %d", total)
	}
	_, _, err = m.payments.History(ctx, student, "bogus", NewPage(1, 10))
	mustKind(t, err, ErrValidation)
	_, _, err = m.payments.History(ctx, stranger, "", NewPage(1, 10))
	mustKind(t, err, ErrForbidden)

	// History is a pure projection.
	before, _, _ := m.payments.History(ctx, student, "", NewPage(1, 10))
	after, _, _ := m.payments.History(ctx, student, "", NewPage(1, 10))
	if len(before) != len(after) || before[0].ID != after[0].ID {
		t.Fatalf("history not stable")
	}
}

func TestPaymentService_ExportHistory(t *testing.T) {
	m := newMarket(t)
	ctx := context.Background()
	rec := payFor(t, m, 1)
	payFor(t, m, 2)

	var buf bytes.Buffer
	n, err := m.payments.ExportHistory(ctx, tutor1, "", &buf)
	if err != nil || n != 1 {
		t.Fatalf("ExportHistory: n=%d err=%v", n, err)
	}
	f, err := excelize.OpenReader(&buf)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer f.Close()
	rows, _ := f.GetRows(export.SheetName)
	if len(rows) != 2 || rows[1][1] != rec.TrackingID {
		t.Fatalf("unexpected rows %v", rows)
	}
}

func TestPaymentService_ExportHistoryRefusesOverLimit(t *testing.T) {
	m := newMarket(t)
	ctx := context.Background()
	payFor(t, m, 1)
	payFor(t, m, 2)
	m.payments.ExportLimit = 1

	var buf bytes.Buffer
	n, err := m.payments.ExportHistory(ctx, admin, AsAll, &buf)
	mustKind(t, err, ErrValidation)
	if n != 0 || buf.Len() != 0 {
		t.Fatalf("nothing may be written: n=%d bytes=%d", n, buf.Len())
	}
	// A view within the limit still exports.
	if n, err := m.payments.ExportHistory(ctx, tutor1, AsPayee, &buf); err != nil || n != 1 {
		t.Fatalf("narrowed export: n=%d err=%v", n, err)
	}
}

func TestPaymentService_GuardFailureIsUnavailable(t *testing.T) {
	m := newMarket(t)
	ctx := context.Background()
	m.payments.Guard = failingGuard{}
	_, err := m.payments.Initiate(ctx, student, "any", "")
	mustKind(t, err, ErrUnavailable)
}

type failingGuard struct{}

func (failingGuard) Acquire(context.Context, string) (inflight.Release, error) {
	return nil, errors.New("redis down")
}

func TestNewPaymentService_Defaults(t *testing.T) {
	s, err := NewPaymentService(nil, &fakeGateway{}, nil, nil, nil, "")
	if err != nil {
		t.Fatalf("NewPaymentService: %v", err)
	}
	if s.Guard == nil || s.IDs == nil || s.Currency != "BDT" || s.IdempotencyTTL <= 0 || s.ExportLimit != maxExportRows {
		t.Fatalf("defaults not applied: %+v", s)
	}
}
