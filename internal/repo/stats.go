package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-tuition-backend/internal/domain"
	"github.com/tbourn/go-tuition-backend/internal/search"
)

// FeedVersion summarises the browse feed for one query. Moderation and
// booking both touch updated_at or remove a post from the feed, so any change
// a tutor could see changes Count or Latest.
type FeedVersion struct {
	Count  int64
	Latest time.Time
}

// VisiblePostsVersion returns the FeedVersion for q. An empty feed has a zero
// Latest.
func VisiblePostsVersion(ctx context.Context, db *gorm.DB, q search.Query) (FeedVersion, error) {
	var v FeedVersion
	n, err := CountVisiblePosts(ctx, db, q)
	if err != nil || n == 0 {
		return v, err
	}
	v.Count = n

	// ORDER BY instead of MAX(): SQLite hands MAX over a DATETIME back as TEXT.
	var newest domain.TuitionPost
	err = db.WithContext(ctx).
		Scopes(visible(q)).
		Select("updated_at").
		Order("updated_at DESC").
		Take(&newest).Error
	if err != nil {
		return FeedVersion{}, err
	}
	v.Latest = newest.UpdatedAt
	return v, nil
}
