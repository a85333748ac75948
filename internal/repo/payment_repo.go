// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for payment
// sessions and the payment-record ledger.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-tuition-backend/internal/domain"
)

// CreateSession inserts s. The ID comes from the gateway.
func CreateSession(ctx context.Context, db *gorm.DB, s *domain.PaymentSession) error {
	now := time.Now().UTC()
	s.CreatedAt, s.UpdatedAt = now, now
	if s.Status == "" {
		s.Status = domain.SessionInitiated
	}
	return createOnce(db.WithContext(ctx), s)
}

// GetSession fetches a session by id or returns ErrNotFound.
func GetSession(ctx context.Context, db *gorm.DB, id string) (*domain.PaymentSession, error) {
	var s domain.PaymentSession
	if err := db.WithContext(ctx).Where("id = ?", id).First(&s).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

// FindInitiatedSession returns the newest still-initiated session for an
// application, or ErrNotFound.
func FindInitiatedSession(ctx context.Context, db *gorm.DB, applicationID string) (*domain.PaymentSession, error) {
	var s domain.PaymentSession
	err := db.WithContext(ctx).
		Where("application_id = ? AND status = ?", applicationID, domain.SessionInitiated).
		Order("created_at DESC").
		First(&s).Error
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// FinishSession moves an initiated session to a terminal status and stamps
// the matching timestamp. Zero rows means it was no longer initiated.
func FinishSession(ctx context.Context, db *gorm.DB, id string, to domain.SessionStatus, at time.Time) (int64, error) {
	fields := map[string]any{"status": to, "updated_at": at}
	switch to {
	case domain.SessionSucceeded:
		fields["completed_at"] = at
	case domain.SessionCancelled:
		fields["cancelled_at"] = at
	}
	res := db.WithContext(ctx).
		Model(&domain.PaymentSession{}).
		Where("id = ? AND status = ?", id, domain.SessionInitiated).
		Updates(fields)
	return res.RowsAffected, res.Error
}

// CancelOpenSessions cancels every initiated session matching scope, so a
// checkout for a deleted application can no longer complete.
func CancelOpenSessions(ctx context.Context, db *gorm.DB, at time.Time, scope func(*gorm.DB) *gorm.DB) (int64, error) {
	res := db.WithContext(ctx).
		Model(&domain.PaymentSession{}).
		Scopes(scope).
		Where("status = ?", domain.SessionInitiated).
		Updates(map[string]any{"status": domain.SessionCancelled, "cancelled_at": at, "updated_at": at})
	return res.RowsAffected, res.Error
}

// ForApplication scopes sessions to one application.
func ForApplication(id string) func(*gorm.DB) *gorm.DB {
	return func(tx *gorm.DB) *gorm.DB { return tx.Where("application_id = ?", id) }
}

// ForPost scopes sessions to every application of a post.
func ForPost(id string) func(*gorm.DB) *gorm.DB {
	return func(tx *gorm.DB) *gorm.DB { return tx.Where("post_id = ?", id) }
}

// InsertRecord writes rec unless a record for the same session exists.
// It reports whether a new row was created.
func InsertRecord(ctx context.Context, db *gorm.DB, rec *domain.PaymentRecord) (bool, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.CreatedAt = time.Now().UTC()
	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "session_id"}}, DoNothing: true}).
		Create(rec)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// GetRecordBySession returns the receipt of a succeeded session, or ErrNotFound.
func GetRecordBySession(ctx context.Context, db *gorm.DB, sessionID string) (*domain.PaymentRecord, error) {
	var r domain.PaymentRecord
	if err := db.WithContext(ctx).Where("session_id = ?", sessionID).First(&r).Error; err != nil {
		return nil, err
	}
	return &r, nil
}

// PaidBy scopes records to a payer.
func PaidBy(email string) func(*gorm.DB) *gorm.DB {
	return func(tx *gorm.DB) *gorm.DB { return tx.Where("payer_email = ?", email) }
}

// PaidTo scopes records to a payee.
func PaidTo(email string) func(*gorm.DB) *gorm.DB {
	return func(tx *gorm.DB) *gorm.DB { return tx.Where("payee_email = ?", email) }
}

// InvolvingParty scopes records to either side of the payment.
func InvolvingParty(email string) func(*gorm.DB) *gorm.DB {
	return func(tx *gorm.DB) *gorm.DB { return tx.Where("(payer_email = ? OR payee_email = ?)", email, email) }
}

// ListRecords returns a page of records, newest first, plus the total.
// A negative limit returns every matching row.
func ListRecords(ctx context.Context, db *gorm.DB, offset, limit int, scopes ...func(*gorm.DB) *gorm.DB) ([]domain.PaymentRecord, int64, error) {
	var (
		out   []domain.PaymentRecord
		total int64
	)
	if err := db.WithContext(ctx).Model(&domain.PaymentRecord{}).Scopes(scopes...).Count(&total).Error; err != nil {
		return nil, 0, err
	}
	q := db.WithContext(ctx).Scopes(scopes...).Order("paid_at DESC, id ASC")
	if limit >= 0 {
		q = q.Offset(offset).Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

// ListSessionsByApplication returns every session opened for an application,
// newest first.
func ListSessionsByApplication(ctx context.Context, db *gorm.DB, applicationID string) ([]domain.PaymentSession, error) {
	var out []domain.PaymentSession
	err := db.WithContext(ctx).
		Where("application_id = ?", applicationID).
		Order("created_at DESC, id ASC").
		Find(&out).Error
	return out, err
}
