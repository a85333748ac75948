// Package repo is the GORM persistence layer for users, posts,
// applications, payment sessions, payment records and idempotency keys.
package repo

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"

	"github.com/tbourn/go-tuition-backend/internal/config"
	"github.com/tbourn/go-tuition-backend/internal/domain"
)

// sqlitePragmas are applied to every pooled connection through the DSN.
var sqlitePragmas = []string{
	"journal_mode(WAL)",
	"synchronous(NORMAL)",
	"foreign_keys(1)",
	"busy_timeout(5000)",
}

// slowQuery is the threshold above which statements are logged as warnings.
const slowQuery = 250 * time.Millisecond

type pool struct {
	maxOpen  int
	idleTime time.Duration
	lifetime time.Duration
}

var (
	sqlitePool   = pool{maxOpen: 10, idleTime: 5 * time.Minute, lifetime: 30 * time.Minute}
	postgresPool = pool{maxOpen: 25, idleTime: 5 * time.Minute, lifetime: 30 * time.Minute}
)

// Open connects with the driver named by cfg, tunes the pool and installs
// OpenTelemetry query tracing.
func Open(cfg config.DBConfig) (*gorm.DB, error) {
	var (
		db  *gorm.DB
		err error
	)
	switch cfg.Driver {
	case "", "sqlite":
		db, err = OpenSQLite(cfg.Path)
	case "postgres":
		db, err = OpenPostgres(cfg.URL)
	default:
		return nil, fmt.Errorf("unsupported db driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := db.Use(tracing.NewPlugin(tracing.WithoutMetrics())); err != nil {
		return nil, fmt.Errorf("install tracing: %w", err)
	}
	return db, nil
}

// sqliteTxLock starts read-write transactions with BEGIN IMMEDIATE, so
// concurrent writers wait on busy_timeout instead of failing with
// SQLITE_BUSY_SNAPSHOT after a stale read.
const sqliteTxLock = "immediate"

// sqliteDSN appends the connection pragmas and the transaction lock mode to
// path.
func sqliteDSN(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	var b strings.Builder
	b.WriteString(path)
	for _, p := range sqlitePragmas {
		b.WriteString(sep)
		b.WriteString("_pragma=")
		b.WriteString(p)
		sep = "&"
	}
	b.WriteString("&_txlock=")
	b.WriteString(sqliteTxLock)
	return b.String()
}

// OpenSQLite opens or creates the database file at path. The parent
// directory must already exist.
func OpenSQLite(path string) (*gorm.DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if _, err := os.Stat(dir); err != nil {
			return nil, err
		}
	}
	db, err := gorm.Open(sqlite.Open(sqliteDSN(path)), gormConfig())
	if err != nil {
		return nil, err
	}
	return db, sqlitePool.apply(db)
}

// OpenPostgres connects with a libpq-style DSN or URL.
func OpenPostgres(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), gormConfig())
	if err != nil {
		return nil, err
	}
	return db, postgresPool.apply(db)
}

func gormConfig() *gorm.Config {
	return &gorm.Config{
		TranslateError: true,
		Logger: logger.New(zerologWriter{}, logger.Config{
			SlowThreshold:             slowQuery,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	}
}

// zerologWriter routes GORM's own log lines (slow queries, errors) into the
// process logger.
type zerologWriter struct{}

func (zerologWriter) Printf(format string, args ...any) {
	log.Warn().Str("component", "gorm").Msgf(format, args...)
}

func (p pool) apply(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	sqlDB.SetMaxOpenConns(p.maxOpen)
	sqlDB.SetMaxIdleConns(p.maxOpen)
	sqlDB.SetConnMaxIdleTime(p.idleTime)
	sqlDB.SetConnMaxLifetime(p.lifetime)
	return nil
}

// AutoMigrate creates or updates every table the service owns.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&domain.User{},
		&domain.TuitionPost{},
		&domain.Application{},
		&domain.PaymentSession{},
		&domain.PaymentRecord{},
		&domain.Idempotency{},
	)
}
