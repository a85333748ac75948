package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-tuition-backend/internal/domain"
)

// CreateApplication assigns an ID and timestamps and inserts a. A second
// application by the same tutor on the same post returns ErrDuplicate.
func CreateApplication(ctx context.Context, db *gorm.DB, a *domain.Application) error {
	now := time.Now().UTC()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.CreatedAt, a.UpdatedAt = now, now
	return createOnce(db.WithContext(ctx).Omit("Post"), a)
}

// GetApplication fetches an application with its post loaded, or ErrNotFound.
func GetApplication(ctx context.Context, db *gorm.DB, id string) (*domain.Application, error) {
	var a domain.Application
	if err := db.WithContext(ctx).Preload("Post").Where("id = ?", id).First(&a).Error; err != nil {
		return nil, err
	}
	markMoot(&a)
	return &a, nil
}

// ApplicationExists reports whether tutor already applied to postID.
func ApplicationExists(ctx context.Context, db *gorm.DB, tutor, postID string) (bool, error) {
	var n int64
	err := db.WithContext(ctx).Model(&domain.Application{}).
		Where("tutor_email = ? AND post_id = ?", tutor, postID).
		Count(&n).Error
	return n > 0, err
}

// ListApplicationsByPost returns a page of applications on postID, oldest first.
func ListApplicationsByPost(ctx context.Context, db *gorm.DB, postID string, offset, limit int) ([]domain.Application, int64, error) {
	return listApplications(ctx, db, "applications.created_at ASC, applications.id ASC", offset, limit, "applications.post_id = ?", postID)
}

// ListApplicationsByTutor returns a page of a tutor's applications, newest first.
func ListApplicationsByTutor(ctx context.Context, db *gorm.DB, tutor string, offset, limit int) ([]domain.Application, int64, error) {
	return listApplications(ctx, db, "applications.created_at DESC, applications.id ASC", offset, limit, "applications.tutor_email = ?", tutor)
}

// ListApplicationsByStudent returns a page of applications received on a
// student's posts, newest first.
func ListApplicationsByStudent(ctx context.Context, db *gorm.DB, student string, offset, limit int) ([]domain.Application, int64, error) {
	return listApplications(ctx, db, "applications.created_at DESC, applications.id ASC", offset, limit, "applications.student_email = ?", student)
}

func listApplications(ctx context.Context, db *gorm.DB, order string, offset, limit int, where string, args ...any) ([]domain.Application, int64, error) {
	var (
		out   []domain.Application
		total int64
	)
	if err := db.WithContext(ctx).Model(&domain.Application{}).Where(where, args...).Count(&total).Error; err != nil {
		return nil, 0, err
	}
	err := db.WithContext(ctx).
		Preload("Post").
		Where(where, args...).
		Order(order).
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, 0, err
	}
	for i := range out {
		markMoot(&out[i])
	}
	return out, total, nil
}

// markMoot flags applications whose post was booked through another application.
func markMoot(a *domain.Application) {
	a.Moot = a.PaymentStatus != domain.PaymentPaid &&
		a.Post.FulfillmentStatus == domain.FulfillmentBooked
}

// UpdatePendingApplication applies fields to tutor's application while it is
// still pending review.
func UpdatePendingApplication(ctx context.Context, db *gorm.DB, id, tutor string, fields map[string]any) (int64, error) {
	fields["updated_at"] = time.Now().UTC()
	res := db.WithContext(ctx).
		Model(&domain.Application{}).
		Where("id = ? AND tutor_email = ? AND status = ?", id, tutor, domain.ReviewPending).
		Updates(fields)
	return res.RowsAffected, res.Error
}

// ReviewApplication records the student's one-shot decision on a pending
// application. An approval also requires the post to be approved and open
// at write time; a zero row count covers both failures.
func ReviewApplication(ctx context.Context, db *gorm.DB, id string, status domain.ReviewStatus) (int64, error) {
	tx := db.WithContext(ctx).
		Model(&domain.Application{}).
		Where("id = ? AND status = ?", id, domain.ReviewPending)
	if status == domain.ReviewApproved {
		open := db.WithContext(ctx).
			Model(&domain.TuitionPost{}).
			Select("id").
			Where("moderation_status = ? AND fulfillment_status = ?", domain.ModerationApproved, domain.FulfillmentOpen)
		tx = tx.Where("post_id IN (?)", open)
	}
	res := tx.Updates(map[string]any{"status": status, "updated_at": time.Now().UTC()})
	return res.RowsAffected, res.Error
}

// MarkApplicationPaid flips an approved, unpaid application to paid.
func MarkApplicationPaid(ctx context.Context, db *gorm.DB, id string) (int64, error) {
	res := db.WithContext(ctx).
		Model(&domain.Application{}).
		Where("id = ? AND status = ? AND payment_status = ?", id, domain.ReviewApproved, domain.PaymentUnpaid).
		Updates(map[string]any{"payment_status": domain.PaymentPaid, "updated_at": time.Now().UTC()})
	return res.RowsAffected, res.Error
}

// DeleteApplication removes id when every guard scope still holds.
func DeleteApplication(ctx context.Context, db *gorm.DB, id string, guards ...func(*gorm.DB) *gorm.DB) (int64, error) {
	res := db.WithContext(ctx).
		Scopes(guards...).
		Where("id = ?", id).
		Delete(&domain.Application{})
	return res.RowsAffected, res.Error
}

// StillPending guards a write on the application being unreviewed.
func StillPending(tx *gorm.DB) *gorm.DB {
	return tx.Where("status = ?", domain.ReviewPending)
}

// StillUnpaid guards a write on the application not being paid.
func StillUnpaid(tx *gorm.DB) *gorm.DB {
	return tx.Where("payment_status = ?", domain.PaymentUnpaid)
}
