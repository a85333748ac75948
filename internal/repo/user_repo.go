package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-tuition-backend/internal/domain"
)

// CreateUser inserts u. It returns ErrDuplicate if the email is taken.
func CreateUser(ctx context.Context, db *gorm.DB, u *domain.User) error {
	now := time.Now().UTC()
	u.CreatedAt, u.UpdatedAt = now, now
	return createOnce(db.WithContext(ctx), u)
}

// GetUser fetches a user by email or returns ErrNotFound.
func GetUser(ctx context.Context, db *gorm.DB, email string) (*domain.User, error) {
	var u domain.User
	if err := db.WithContext(ctx).Where("email = ?", email).First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}
