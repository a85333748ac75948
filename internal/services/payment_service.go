// Package services – PaymentService
//
// PaymentService reconciles external checkouts with applications and posts.
//
//   - Initiate: the post owner opens a checkout for an approved, unpaid
//     application. Duplicate submissions are rejected by the in-flight guard
//     and a still-open session is reused rather than duplicated.
//   - Complete / webhook: marks the session succeeded, writes the
//     PaymentRecord, marks the application paid and books the post in one
//     transaction. A repeated completion returns the existing record.
//   - Cancel: closes the session; the application stays approved and unpaid
//     so the student may initiate again.
//
// The gateway is called outside database transactions. Its failures are
// reported as ErrUnavailable so clients know they may retry.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/tbourn/go-tuition-backend/internal/auth"
	"github.com/tbourn/go-tuition-backend/internal/domain"
	"github.com/tbourn/go-tuition-backend/internal/events"
	"github.com/tbourn/go-tuition-backend/internal/export"
	"github.com/tbourn/go-tuition-backend/internal/inflight"
	"github.com/tbourn/go-tuition-backend/internal/metrics"
	"github.com/tbourn/go-tuition-backend/internal/payment"
	"github.com/tbourn/go-tuition-backend/internal/repo"
)

// IdempotencyScope namespaces Idempotency-Key values of payment initiation.
const IdempotencyScope = "POST /applications/:id/payments"

func idemKey(actor auth.Actor, key string) repo.IdemKey {
	return repo.IdemKey{UserID: actor.Email, Scope: IdempotencyScope, Key: key}
}

// History views.
const (
	AsPayer = "payer"
	AsPayee = "payee"
	AsAll   = "all"
)

// maxExportRows bounds a single history export.
const maxExportRows = 10000

// errSettledElsewhere signals that a concurrent completion won the session.
var errSettledElsewhere = errors.New("session settled concurrently")

// InitiateResult is the outcome of Initiate.
type InitiateResult struct {
	Session  *domain.PaymentSession
	Replayed bool
}

// CompleteResult is the outcome of Complete and of a succeeded webhook.
type CompleteResult struct {
	Record   *domain.PaymentRecord
	Replayed bool
}

// WebhookPayload is the signed body the gateway posts back.
type WebhookPayload struct {
	SessionID     string `json:"session_id"`
	Status        string `json:"status"`
	TransactionID string `json:"transaction_id"`
}

// WebhookResult reports what a webhook delivery changed.
type WebhookResult struct {
	SessionID string                `json:"session_id"`
	Status    domain.SessionStatus  `json:"status"`
	Record    *domain.PaymentRecord `json:"record,omitempty"`
	Replayed  bool                  `json:"replayed"`
}

// PaymentService coordinates checkout sessions and payment records.
type PaymentService struct {
	DB       *gorm.DB
	Gateway  payment.Gateway
	Guard    inflight.Guard
	Events   events.Publisher
	IDs      *snowflake.Node
	Currency string

	// WebhookSecret signs gateway callbacks. Empty rejects every webhook.
	WebhookSecret []byte
	// IdempotencyTTL is how long an Idempotency-Key is remembered.
	IdempotencyTTL time.Duration
	// ExportLimit caps the records in one history export. Larger histories
	// are refused rather than cut short.
	ExportLimit int
}

// NewPaymentService returns a PaymentService using gw. A nil guard falls
// back to an in-process one; a nil node uses snowflake node 1.
func NewPaymentService(db *gorm.DB, gw payment.Gateway, guard inflight.Guard, pub events.Publisher, node *snowflake.Node, currency string) (*PaymentService, error) {
	if guard == nil {
		guard = inflight.NewMemoryGuard()
	}
	if node == nil {
		var err error
		if node, err = snowflake.NewNode(1); err != nil {
			return nil, err
		}
	}
	if currency == "" {
		currency = "BDT"
	}
	return &PaymentService{
		DB:             db,
		Gateway:        gw,
		Guard:          guard,
		Events:         pub,
		IDs:            node,
		Currency:       currency,
		IdempotencyTTL: 24 * time.Hour,
		ExportLimit:    maxExportRows,
	}, nil
}

// Initiate opens a checkout for an approved, unpaid application owned by the
// acting student. An already initiated session is returned as is. When key
// is set, a repeat of the same key returns the first session with Replayed
// set.
func (s *PaymentService) Initiate(ctx context.Context, actor auth.Actor, applicationID, key string) (*InitiateResult, error) {
	ctx, span := otel.Tracer("services/PaymentService").Start(ctx, "Initiate",
		trace.WithAttributes(attribute.String("application.id", applicationID), attribute.Bool("idempotency", key != "")))
	defer span.End()

	if err := requireRole(actor, domain.RoleStudent); err != nil {
		return nil, err
	}
	key = strings.TrimSpace(key)

	release, err := s.Guard.Acquire(ctx, "payment:"+applicationID)
	if errors.Is(err, inflight.ErrBusy) {
		return nil, ErrPaymentInFlight
	}
	if err != nil {
		return nil, unavailable("inflight guard", err)
	}
	defer release()

	if key != "" {
		if res, err := s.replay(ctx, actor, applicationID, key); res != nil || err != nil {
			return res, err
		}
	}

	// Validate before calling out so a bad request never reaches the gateway.
	var app *domain.Application
	var existing *domain.PaymentSession
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		if app, err = s.payableApplication(ctx, tx, actor, applicationID); err != nil {
			return err
		}
		existing, err = repo.FindInitiatedSession(ctx, tx, applicationID)
		if errors.Is(err, repo.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return s.remember(ctx, tx, actor, key, existing.ID)
	})
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return &InitiateResult{Session: existing}, nil
	}

	co, err := s.Gateway.CreateCheckout(ctx, payment.CheckoutRequest{
		ApplicationID:  app.ID,
		PostID:         app.PostID,
		Amount:         app.ExpectedSalary,
		Currency:       s.Currency,
		Subject:        app.Subject,
		PayerEmail:     actor.Email,
		PayerName:      actor.Name,
		PayeeEmail:     app.TutorEmail,
		PayeeName:      app.TutorName,
		IdempotencyKey: key,
	})
	if err != nil {
		metrics.GatewayErrors.WithLabelValues("checkout").Inc()
		logger(ctx).Error().Err(err).Str("application_id", applicationID).Msg("checkout failed")
		return nil, unavailable("payment gateway", err)
	}

	var sess *domain.PaymentSession
	reused := false
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		app, err := s.payableApplication(ctx, tx, actor, applicationID)
		if err != nil {
			return err
		}
		if open, err := repo.FindInitiatedSession(ctx, tx, applicationID); err == nil {
			sess, reused = open, true
			return s.remember(ctx, tx, actor, key, open.ID)
		} else if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		sess = &domain.PaymentSession{
			ID:             co.SessionID,
			ApplicationID:  app.ID,
			PostID:         app.PostID,
			Amount:         app.ExpectedSalary,
			Currency:       s.Currency,
			Subject:        app.Subject,
			PayerEmail:     actor.Email,
			PayerName:      actor.Name,
			PayeeEmail:     app.TutorEmail,
			PayeeName:      app.TutorName,
			Status:         domain.SessionInitiated,
			RedirectURL:    co.RedirectURL,
			GatewayPayload: datatypes.JSON(co.Raw),
		}
		if err := repo.CreateSession(ctx, tx, sess); err != nil {
			if errors.Is(err, repo.ErrDuplicate) {
				return unavailable("payment gateway", errors.New("gateway reused a session id"))
			}
			return err
		}
		return s.remember(ctx, tx, actor, key, sess.ID)
	})
	if err != nil {
		return nil, err
	}
	if reused {
		logger(ctx).Warn().Str("application_id", applicationID).Str("orphan_session", co.SessionID).Msg("checkout superseded by concurrent session")
		return &InitiateResult{Session: sess}, nil
	}

	metrics.Transition("session", string(domain.SessionInitiated))
	events.Emit(ctx, s.Events, events.New(events.PaymentInitiated, sess.PostID, actor.Email, map[string]string{
		"application_id": sess.ApplicationID,
		"session_id":     sess.ID,
		"amount":         sess.Amount.StringFixed(2),
	}))
	logger(ctx).Info().Str("application_id", applicationID).Str("session_id", sess.ID).Msg("payment initiated")
	return &InitiateResult{Session: sess}, nil
}

// replay answers a repeated Idempotency-Key. A nil result and nil error mean
// the key is new.
func (s *PaymentService) replay(ctx context.Context, actor auth.Actor, applicationID, key string) (*InitiateResult, error) {
	rec, err := repo.FindIdempotency(ctx, s.DB, idemKey(actor, key), nowUTC())
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sess, err := repo.GetSession(ctx, s.DB, rec.ResourceID)
	if err != nil {
		return nil, notFoundAs(err, ErrSessionNotFound)
	}
	if sess.ApplicationID != applicationID {
		return nil, ErrIdempotencyReuse
	}
	metrics.PaymentReplays.Inc()
	return &InitiateResult{Session: sess, Replayed: true}, nil
}

// remember stores key -> sessionID when a key was supplied.
func (s *PaymentService) remember(ctx context.Context, tx *gorm.DB, actor auth.Actor, key, sessionID string) error {
	if key == "" {
		return nil
	}
	_, err := repo.SaveIdempotency(ctx, tx, idemKey(actor, key), sessionID, 201, s.IdempotencyTTL, nowUTC())
	if repo.IsUniqueViolation(err) {
		return ErrIdempotencyReuse
	}
	return err
}

// payableApplication loads applicationID and checks that actor may pay it now.
func (s *PaymentService) payableApplication(ctx context.Context, tx *gorm.DB, actor auth.Actor, applicationID string) (*domain.Application, error) {
	app, err := repo.GetApplication(ctx, tx, applicationID)
	if err != nil {
		return nil, notFoundAs(err, ErrApplicationNotFound)
	}
	if app.StudentEmail != actor.Email {
		return nil, ErrNotOwner
	}
	switch {
	case app.PaymentStatus == domain.PaymentPaid:
		return nil, ErrAlreadyPaid
	case app.Status != domain.ReviewApproved:
		return nil, ErrNotApproved
	case app.Post.FulfillmentStatus == domain.FulfillmentBooked:
		return nil, ErrPostBooked
	case app.Post.ModerationStatus != domain.ModerationApproved:
		return nil, ErrPostNotOpen
	}
	return app, nil
}

// GetSession returns a session to its payer, its payee or an admin.
func (s *PaymentService) GetSession(ctx context.Context, actor auth.Actor, id string) (*domain.PaymentSession, error) {
	if err := requireRole(actor); err != nil {
		return nil, err
	}
	sess, err := repo.GetSession(ctx, s.DB, id)
	if err != nil {
		return nil, notFoundAs(err, ErrSessionNotFound)
	}
	if sess.PayerEmail != actor.Email && sess.PayeeEmail != actor.Email && !actor.IsAdmin() {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// SessionsForApplication lists every checkout opened for an application.
func (s *PaymentService) SessionsForApplication(ctx context.Context, actor auth.Actor, applicationID string) ([]domain.PaymentSession, error) {
	if err := requireRole(actor); err != nil {
		return nil, err
	}
	app, err := repo.GetApplication(ctx, s.DB, applicationID)
	if err != nil {
		return nil, notFoundAs(err, ErrApplicationNotFound)
	}
	if app.StudentEmail != actor.Email && app.TutorEmail != actor.Email && !actor.IsAdmin() {
		return nil, ErrApplicationNotFound
	}
	return repo.ListSessionsByApplication(ctx, s.DB, applicationID)
}

// Complete settles a session after the payer returns from the gateway. The
// gateway is asked to confirm the payment first. Completing a succeeded
// session again returns the existing record with Replayed set.
func (s *PaymentService) Complete(ctx context.Context, actor auth.Actor, sessionID string) (*CompleteResult, error) {
	ctx, span := otel.Tracer("services/PaymentService").Start(ctx, "Complete",
		trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()

	if err := requireRole(actor, domain.RoleStudent); err != nil {
		return nil, err
	}
	sess, err := repo.GetSession(ctx, s.DB, sessionID)
	if err != nil {
		return nil, notFoundAs(err, ErrSessionNotFound)
	}
	if sess.PayerEmail != actor.Email {
		return nil, ErrNotOwner
	}
	switch sess.Status {
	case domain.SessionSucceeded:
		return s.replayCompletion(ctx, sessionID)
	case domain.SessionCancelled:
		return nil, ErrSessionCancelled
	}

	conf, err := s.Gateway.Confirm(ctx, sessionID)
	if err != nil {
		metrics.GatewayErrors.WithLabelValues("confirm").Inc()
		logger(ctx).Error().Err(err).Str("session_id", sessionID).Msg("payment confirmation failed")
		return nil, unavailable("payment gateway", err)
	}
	switch conf.Status {
	case payment.StatusSucceeded:
		return s.settle(ctx, actor.Email, sessionID, conf.TransactionID)
	case payment.StatusCancelled:
		if _, err := s.cancel(ctx, actor.Email, sessionID); err != nil {
			return nil, err
		}
		return nil, ErrSessionCancelled
	}
	return nil, ErrNotSettled
}

func (s *PaymentService) replayCompletion(ctx context.Context, sessionID string) (*CompleteResult, error) {
	rec, err := repo.GetRecordBySession(ctx, s.DB, sessionID)
	if err != nil {
		return nil, err
	}
	metrics.PaymentReplays.Inc()
	logger(ctx).Info().Str("session_id", sessionID).Msg("payment completion replayed")
	return &CompleteResult{Record: rec, Replayed: true}, nil
}

// settle applies a successful payment: session succeeded, record written,
// application paid, post booked. All four happen in one transaction and each
// write is guarded so a lost race rolls everything back.
func (s *PaymentService) settle(ctx context.Context, actor, sessionID, transactionID string) (*CompleteResult, error) {
	var rec *domain.PaymentRecord
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sess, err := repo.GetSession(ctx, tx, sessionID)
		if err != nil {
			return notFoundAs(err, ErrSessionNotFound)
		}
		switch sess.Status {
		case domain.SessionSucceeded:
			return errSettledElsewhere
		case domain.SessionCancelled:
			return ErrSessionCancelled
		}

		app, err := repo.GetApplication(ctx, tx, sess.ApplicationID)
		if errors.Is(err, repo.ErrNotFound) {
			return ErrApplicationNotFound
		}
		if err != nil {
			return err
		}
		switch {
		case app.PaymentStatus == domain.PaymentPaid:
			return ErrAlreadyPaid
		case app.Status != domain.ReviewApproved:
			return ErrNotApproved
		case app.Post.FulfillmentStatus == domain.FulfillmentBooked:
			return ErrPostBooked
		}

		now := nowUTC()
		if n, err := repo.FinishSession(ctx, tx, sessionID, domain.SessionSucceeded, now); err != nil {
			return err
		} else if n == 0 {
			return errSettledElsewhere
		}
		if n, err := repo.MarkApplicationPaid(ctx, tx, app.ID); err != nil {
			return err
		} else if n == 0 {
			return ErrAlreadyPaid
		}
		if n, err := repo.BookPost(ctx, tx, app.PostID, app.ID); err != nil {
			return err
		} else if n == 0 {
			if app.Post.ModerationStatus != domain.ModerationApproved {
				return ErrPostNotOpen
			}
			return ErrPostBooked
		}

		tracking := s.IDs.Generate().String()
		if transactionID == "" {
			transactionID = "TXN-" + tracking
		}
		rec = &domain.PaymentRecord{
			SessionID:     sess.ID,
			TransactionID: transactionID,
			TrackingID:    tracking,
			ApplicationID: sess.ApplicationID,
			PostID:        sess.PostID,
			Amount:        sess.Amount,
			Currency:      sess.Currency,
			Subject:       sess.Subject,
			PayerEmail:    sess.PayerEmail,
			PayerName:     sess.PayerName,
			PayeeEmail:    sess.PayeeEmail,
			PayeeName:     sess.PayeeName,
			PaidAt:        now,
		}
		created, err := repo.InsertRecord(ctx, tx, rec)
		if err != nil {
			return err
		}
		if !created {
			return errSettledElsewhere
		}
		return nil
	})
	if errors.Is(err, errSettledElsewhere) {
		return s.replayCompletion(ctx, sessionID)
	}
	if err != nil {
		return nil, err
	}

	metrics.PaymentsCompleted.Inc()
	metrics.Transition("session", string(domain.SessionSucceeded))
	metrics.Transition("application", string(domain.PaymentPaid))
	metrics.Transition("post", string(domain.FulfillmentBooked))
	events.Emit(ctx, s.Events, events.New(events.PaymentCompleted, rec.PostID, actor, map[string]string{
		"application_id": rec.ApplicationID,
		"session_id":     rec.SessionID,
		"tracking_id":    rec.TrackingID,
		"transaction_id": rec.TransactionID,
	}))
	events.Emit(ctx, s.Events, events.New(events.PostBooked, rec.PostID, actor, map[string]string{
		"application_id": rec.ApplicationID,
	}))
	logger(ctx).Info().
		Str("session_id", sessionID).
		Str("application_id", rec.ApplicationID).
		Str("tracking_id", rec.TrackingID).
		Msg("payment completed")
	return &CompleteResult{Record: rec}, nil
}

// Cancel closes an initiated session. Cancelling a cancelled session is a
// no-op; a succeeded session cannot be cancelled.
func (s *PaymentService) Cancel(ctx context.Context, actor auth.Actor, sessionID string) (*domain.PaymentSession, error) {
	ctx, span := otel.Tracer("services/PaymentService").Start(ctx, "Cancel",
		trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()

	if err := requireRole(actor, domain.RoleStudent); err != nil {
		return nil, err
	}
	sess, err := repo.GetSession(ctx, s.DB, sessionID)
	if err != nil {
		return nil, notFoundAs(err, ErrSessionNotFound)
	}
	if sess.PayerEmail != actor.Email {
		return nil, ErrNotOwner
	}
	return s.cancel(ctx, actor.Email, sessionID)
}

func (s *PaymentService) cancel(ctx context.Context, actor, sessionID string) (*domain.PaymentSession, error) {
	n, err := repo.FinishSession(ctx, s.DB, sessionID, domain.SessionCancelled, nowUTC())
	if err != nil {
		return nil, err
	}
	sess, err := repo.GetSession(ctx, s.DB, sessionID)
	if err != nil {
		return nil, notFoundAs(err, ErrSessionNotFound)
	}
	if sess.Status == domain.SessionSucceeded {
		return nil, ErrSessionSettled
	}
	if n == 1 {
		metrics.Transition("session", string(domain.SessionCancelled))
		events.Emit(ctx, s.Events, events.New(events.PaymentCancelled, sess.PostID, actor, map[string]string{
			"application_id": sess.ApplicationID,
			"session_id":     sess.ID,
		}))
		logger(ctx).Info().Str("session_id", sessionID).Msg("payment cancelled")
	}
	return sess, nil
}

// HandleWebhook verifies and applies a gateway callback. The body must be
// signed with WebhookSecret.
func (s *PaymentService) HandleWebhook(ctx context.Context, body []byte, signature string) (*WebhookResult, error) {
	ctx, span := otel.Tracer("services/PaymentService").Start(ctx, "HandleWebhook")
	defer span.End()

	if !payment.VerifySignature(s.WebhookSecret, body, signature) {
		return nil, ErrBadSignature
	}
	var p WebhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, invalid("webhook body is not valid JSON")
	}
	p.SessionID = strings.TrimSpace(p.SessionID)
	if p.SessionID == "" {
		return nil, invalid("session_id is required")
	}
	span.SetAttributes(attribute.String("session.id", p.SessionID), attribute.String("status", p.Status))

	switch p.Status {
	case payment.StatusSucceeded:
		res, err := s.settle(ctx, "gateway", p.SessionID, strings.TrimSpace(p.TransactionID))
		if err != nil {
			return nil, err
		}
		return &WebhookResult{SessionID: p.SessionID, Status: domain.SessionSucceeded, Record: res.Record, Replayed: res.Replayed}, nil
	case payment.StatusCancelled:
		sess, err := s.cancel(ctx, "gateway", p.SessionID)
		if err != nil {
			return nil, err
		}
		return &WebhookResult{SessionID: sess.ID, Status: sess.Status}, nil
	}
	return nil, invalid("status must be %s or %s", payment.StatusSucceeded, payment.StatusCancelled)
}

// historyScope resolves the records view for actor. An empty view defaults
// to the side matching the actor's role.
func historyScope(actor auth.Actor, as string) (func(*gorm.DB) *gorm.DB, error) {
	if as == "" {
		switch actor.Role {
		case domain.RoleTutor:
			as = AsPayee
		case domain.RoleAdmin:
			as = AsAll
		default:
			as = AsPayer
		}
	}
	switch as {
	case AsPayer:
		return repo.PaidBy(actor.Email), nil
	case AsPayee:
		return repo.PaidTo(actor.Email), nil
	case AsAll:
		if actor.IsAdmin() {
			return func(tx *gorm.DB) *gorm.DB { return tx }, nil
		}
		return repo.InvolvingParty(actor.Email), nil
	}
	return nil, invalid("as must be payer, payee or all")
}

// History returns a page of the actor's payment records, newest first.
// Admins asking for "all" see the whole ledger.
func (s *PaymentService) History(ctx context.Context, actor auth.Actor, as string, pg Page) ([]domain.PaymentRecord, int64, error) {
	ctx, span := otel.Tracer("services/PaymentService").Start(ctx, "History",
		trace.WithAttributes(attribute.String("as", as), attribute.Int("page", pg.Number)))
	defer span.End()

	if err := requireRole(actor); err != nil {
		return nil, 0, err
	}
	scope, err := historyScope(actor, as)
	if err != nil {
		return nil, 0, err
	}
	return repo.ListRecords(ctx, s.DB, pg.Offset(), pg.Size, scope)
}

// ExportHistory writes the same view as History, unpaged, as an XLSX
// workbook. It returns the number of records written. A view larger than
// ExportLimit is a Validation error and nothing is written.
func (s *PaymentService) ExportHistory(ctx context.Context, actor auth.Actor, as string, w io.Writer) (int, error) {
	ctx, span := otel.Tracer("services/PaymentService").Start(ctx, "ExportHistory",
		trace.WithAttributes(attribute.String("as", as)))
	defer span.End()

	if err := requireRole(actor); err != nil {
		return 0, err
	}
	scope, err := historyScope(actor, as)
	if err != nil {
		return 0, err
	}
	limit := s.ExportLimit
	if limit <= 0 {
		limit = maxExportRows
	}
	recs, total, err := repo.ListRecords(ctx, s.DB, 0, limit, scope)
	if err != nil {
		return 0, err
	}
	if total > int64(limit) {
		return 0, invalid("history has %d records, exports are limited to %d; narrow the view with as", total, limit)
	}
	return len(recs), export.PaymentRecordsXLSX(w, recs)
}
