package repo

import (
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite (no CGO)
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-tuition-backend/internal/domain"
)

func newTestDB(t *testing.T, migrate ...any) *gorm.DB {
	t.Helper()
	// Unique DB per test to avoid schema leaking across tests.
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if len(migrate) > 0 {
		if err := db.AutoMigrate(migrate...); err != nil {
			t.Fatalf("automigrate: %v", err)
		}
	}
	return db
}

// newMarketDB migrates every marketplace table.
func newMarketDB(t *testing.T) *gorm.DB {
	t.Helper()
	db := newTestDB(t)
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

type postOpt func(*domain.TuitionPost)

func approved(p *domain.TuitionPost) { p.ModerationStatus = domain.ModerationApproved }

func seedPost(t *testing.T, db *gorm.DB, id, subject, location string, at time.Time, opts ...postOpt) *domain.TuitionPost {
	t.Helper()
	p := &domain.TuitionPost{
		ID: id, StudentEmail: "s@example.com", StudentName: "Sara",
		Subject: subject, Class: "9", Location: location, Budget: decimal.NewFromInt(5000),
		ModerationStatus: domain.ModerationPending, FulfillmentStatus: domain.FulfillmentOpen,
		CreatedAt: at, UpdatedAt: at,
	}
	for _, o := range opts {
		o(p)
	}
	if err := db.Create(p).Error; err != nil {
		t.Fatalf("seed post %s: %v", id, err)
	}
	return p
}
