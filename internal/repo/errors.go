package repo

import (
	"errors"
	"strings"

	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = gorm.ErrRecordNotFound

	// ErrDuplicate means a row with the same unique key already exists.
	ErrDuplicate = errors.New("duplicate")
)

// uniqueMarkers are the lowercase fragments glebarez/sqlite and Postgres put
// in unique index errors when TranslateError cannot map them.
var uniqueMarkers = []string{
	"unique constraint failed",
	"constraint failed: unique",
	"duplicate key",
}

// IsUniqueViolation reports whether err came from a unique index.
func IsUniqueViolation(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, gorm.ErrDuplicatedKey), errors.Is(err, ErrDuplicate):
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, m := range uniqueMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// createOnce inserts v and maps unique index failures to ErrDuplicate.
func createOnce(tx *gorm.DB, v any) error {
	err := tx.Create(v).Error
	if IsUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}
