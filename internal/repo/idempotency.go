package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-tuition-backend/internal/domain"
)

// IdemKey identifies one Idempotency-Key of one caller within a scope.
type IdemKey struct {
	UserID string
	Scope  string
	Key    string
}

func (k IdemKey) blank() bool {
	return strings.TrimSpace(k.Scope) == "" || strings.TrimSpace(k.Key) == ""
}

// FindIdempotency returns the live record for k, or ErrNotFound when k is
// blank, unknown or expired at now.
func FindIdempotency(ctx context.Context, db *gorm.DB, k IdemKey, now time.Time) (*domain.Idempotency, error) {
	if k.blank() {
		return nil, ErrNotFound
	}
	var rec domain.Idempotency
	err := db.WithContext(ctx).
		Where(map[string]any{"user_id": k.UserID, "scope": k.Scope, "key": k.Key}).
		Where("expires_at > ?", now).
		Take(&rec).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return nil, ErrNotFound
	case err != nil:
		return nil, err
	}
	return &rec, nil
}

// SaveIdempotency binds k to resourceID until now+ttl. Reusing a key that is
// still stored returns ErrDuplicate.
func SaveIdempotency(ctx context.Context, db *gorm.DB, k IdemKey, resourceID string, status int, ttl time.Duration, now time.Time) (*domain.Idempotency, error) {
	rec := &domain.Idempotency{
		ID:         uuid.NewString(),
		UserID:     k.UserID,
		Scope:      k.Scope,
		Key:        k.Key,
		ResourceID: resourceID,
		Status:     status,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
	}
	if err := createOnce(db.WithContext(ctx), rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// PurgeExpiredIdempotency deletes records expired at now and reports how many.
func PurgeExpiredIdempotency(ctx context.Context, db *gorm.DB, now time.Time) (int64, error) {
	res := db.WithContext(ctx).Where("expires_at <= ?", now).Delete(&domain.Idempotency{})
	return res.RowsAffected, res.Error
}
