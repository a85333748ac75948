package services

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/tbourn/go-tuition-backend/internal/auth"
	"github.com/tbourn/go-tuition-backend/internal/domain"
	"github.com/tbourn/go-tuition-backend/internal/repo"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// Page is a normalized 1-based page request.
type Page struct {
	Number int
	Size   int
}

// NewPage applies defaults to page and size: page < 1 becomes 1, size <= 0
// becomes 20 and size is capped at 100.
func NewPage(page, size int) Page {
	if page < 1 {
		page = 1
	}
	if size <= 0 {
		size = defaultPageSize
	}
	if size > maxPageSize {
		size = maxPageSize
	}
	return Page{Number: page, Size: size}
}

// Offset returns the row offset of the page.
func (p Page) Offset() int { return (p.Number - 1) * p.Size }

// requireRole checks identity, registration and, when roles are given, that
// the actor holds one of them.
func requireRole(a auth.Actor, roles ...domain.Role) error {
	if a.Email == "" {
		return ErrNoIdentity
	}
	if !a.Registered() {
		return ErrNotRegistered
	}
	if len(roles) == 0 {
		return nil
	}
	for _, r := range roles {
		if a.Is(r) {
			return nil
		}
	}
	return ErrWrongRole
}

// notFoundAs replaces a repository miss with the service-level error nf.
func notFoundAs(err, nf error) error {
	if errors.Is(err, repo.ErrNotFound) {
		return nf
	}
	return err
}

// nowUTC is the service clock.
var nowUTC = func() time.Time { return time.Now().UTC() }

// logger returns the request logger carried by ctx, or the global one.
func logger(ctx context.Context) *zerolog.Logger {
	if lg := zerolog.Ctx(ctx); lg.GetLevel() != zerolog.Disabled {
		return lg
	}
	return &log.Logger
}

var whitespaceRE = regexp.MustCompile(`\s+`)

// cleanLine trims s and collapses inner whitespace to single spaces.
func cleanLine(s string) string {
	return whitespaceRE.ReplaceAllString(strings.TrimSpace(s), " ")
}

// textField validates a cleaned single-line field.
func textField(name, v string, required bool, max int) (string, error) {
	v = cleanLine(v)
	if required && v == "" {
		return "", invalid("%s is required", name)
	}
	if utf8.RuneCountInString(v) > max {
		return "", invalid("%s must be at most %d characters", name, max)
	}
	return v, nil
}

// blockField validates multi-line free text, keeping line breaks.
func blockField(name, v string, required bool, max int) (string, error) {
	v = strings.TrimSpace(v)
	if required && v == "" {
		return "", invalid("%s is required", name)
	}
	if utf8.RuneCountInString(v) > max {
		return "", invalid("%s must be at most %d characters", name, max)
	}
	return v, nil
}

var maxAmount = decimal.NewFromInt(10_000_000_000)

// amountField requires a positive amount with at most two decimals that
// fits decimal(12,2).
func amountField(name string, d decimal.Decimal) (decimal.Decimal, error) {
	if !d.IsPositive() {
		return decimal.Zero, invalid("%s must be greater than zero", name)
	}
	if d.Exponent() < -2 && !d.Equal(d.Round(2)) {
		return decimal.Zero, invalid("%s must have at most two decimal places", name)
	}
	if d.GreaterThanOrEqual(maxAmount) {
		return decimal.Zero, invalid("%s is too large", name)
	}
	return d.Round(2), nil
}
