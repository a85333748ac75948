// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for TuitionPost.
//
// Every state-changing function is a guarded UPDATE/DELETE whose WHERE clause
// restates the precondition (owner, fulfillment still open, ...). Callers read
// RowsAffected to learn whether the guard held, which lets services run the
// check-and-write as a single statement inside their transaction.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-tuition-backend/internal/domain"
	"github.com/tbourn/go-tuition-backend/internal/search"
)

// CreatePost assigns an ID and timestamps and inserts p.
func CreatePost(ctx context.Context, db *gorm.DB, p *domain.TuitionPost) error {
	now := time.Now().UTC()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.CreatedAt, p.UpdatedAt = now, now
	return db.WithContext(ctx).Create(p).Error
}

// GetPost fetches a post by id or returns ErrNotFound.
func GetPost(ctx context.Context, db *gorm.DB, id string) (*domain.TuitionPost, error) {
	var p domain.TuitionPost
	if err := db.WithContext(ctx).Where("id = ?", id).First(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

// UpdateOpenPost applies fields to a post owned by owner that is still open.
func UpdateOpenPost(ctx context.Context, db *gorm.DB, id, owner string, fields map[string]any) (int64, error) {
	fields["updated_at"] = time.Now().UTC()
	res := db.WithContext(ctx).
		Model(&domain.TuitionPost{}).
		Where("id = ? AND student_email = ? AND fulfillment_status = ?", id, owner, domain.FulfillmentOpen).
		Updates(fields)
	return res.RowsAffected, res.Error
}

// DeleteOpenPost removes a post owned by owner that is still open.
// Its applications are removed by the FK cascade.
func DeleteOpenPost(ctx context.Context, db *gorm.DB, id, owner string) (int64, error) {
	res := db.WithContext(ctx).
		Where("id = ? AND student_email = ? AND fulfillment_status = ?", id, owner, domain.FulfillmentOpen).
		Delete(&domain.TuitionPost{})
	return res.RowsAffected, res.Error
}

// DeleteApplicationsForPost removes all applications of a post. Used where
// FK cascades are not enforced by the driver.
func DeleteApplicationsForPost(ctx context.Context, db *gorm.DB, postID string) error {
	return db.WithContext(ctx).Where("post_id = ?", postID).Delete(&domain.Application{}).Error
}

// SetModeration records an admin decision on a post that is still open.
func SetModeration(ctx context.Context, db *gorm.DB, id string, status domain.ModerationStatus) (int64, error) {
	res := db.WithContext(ctx).
		Model(&domain.TuitionPost{}).
		Where("id = ? AND fulfillment_status = ?", id, domain.FulfillmentOpen).
		Updates(map[string]any{"moderation_status": status, "updated_at": time.Now().UTC()})
	return res.RowsAffected, res.Error
}

// BookPost flips an approved, open post to booked for applicationID.
// A zero row count means the post was already booked or not approved.
func BookPost(ctx context.Context, db *gorm.DB, id, applicationID string) (int64, error) {
	res := db.WithContext(ctx).
		Model(&domain.TuitionPost{}).
		Where("id = ? AND fulfillment_status = ? AND moderation_status = ?", id, domain.FulfillmentOpen, domain.ModerationApproved).
		Updates(map[string]any{
			"fulfillment_status":    domain.FulfillmentBooked,
			"booked_application_id": applicationID,
			"updated_at":            time.Now().UTC(),
		})
	return res.RowsAffected, res.Error
}

// visible scopes a query to posts tutors may see, filtered by q.Term.
func visible(q search.Query) func(*gorm.DB) *gorm.DB {
	return func(tx *gorm.DB) *gorm.DB {
		tx = tx.Where("moderation_status = ? AND fulfillment_status = ?", domain.ModerationApproved, domain.FulfillmentOpen)
		if pat := q.LikePattern(); pat != "" {
			tx = tx.Where(`(LOWER(subject) LIKE ? ESCAPE '\' OR LOWER(location) LIKE ? ESCAPE '\')`, pat, pat)
		}
		return tx
	}
}

// ListVisiblePosts returns a page of approved, open posts matching q in q's order.
func ListVisiblePosts(ctx context.Context, db *gorm.DB, q search.Query, offset, limit int) ([]domain.TuitionPost, error) {
	var out []domain.TuitionPost
	err := db.WithContext(ctx).
		Scopes(visible(q)).
		Order(q.OrderClause()).
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// CountVisiblePosts returns the total for ListVisiblePosts with the same q.
func CountVisiblePosts(ctx context.Context, db *gorm.DB, q search.Query) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Model(&domain.TuitionPost{}).Scopes(visible(q)).Count(&total).Error
	return total, err
}

// ListPostsByStudent returns a page of posts owned by email, newest first,
// plus the total.
func ListPostsByStudent(ctx context.Context, db *gorm.DB, email string, offset, limit int) ([]domain.TuitionPost, int64, error) {
	return listPosts(ctx, db, "created_at DESC, id ASC", offset, limit, "student_email = ?", email)
}

// ListPostsByModeration returns a page of posts in the given moderation state,
// oldest first so the queue drains in arrival order.
func ListPostsByModeration(ctx context.Context, db *gorm.DB, status domain.ModerationStatus, offset, limit int) ([]domain.TuitionPost, int64, error) {
	return listPosts(ctx, db, "created_at ASC, id ASC", offset, limit, "moderation_status = ?", status)
}

func listPosts(ctx context.Context, db *gorm.DB, order string, offset, limit int, where string, args ...any) ([]domain.TuitionPost, int64, error) {
	var (
		out   []domain.TuitionPost
		total int64
	)
	if err := db.WithContext(ctx).Model(&domain.TuitionPost{}).Where(where, args...).Count(&total).Error; err != nil {
		return nil, 0, err
	}
	err := db.WithContext(ctx).Where(where, args...).Order(order).Offset(offset).Limit(limit).Find(&out).Error
	return out, total, err
}
