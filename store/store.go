// Package store persists sponsors, actions, redemptions and the payout
// journal with gorm, on SQLite or PostgreSQL.
package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"

	payload "github.com/microchipgnu/payload-exchange-sub000"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// oneTimeSettlementIndex allows a single completed, money-moving redemption
// per (action, user) for one-time actions, across every process sharing the database
const oneTimeSettlementIndex = `CREATE UNIQUE INDEX IF NOT EXISTS idx_redemptions_one_time_settlement
	ON redemptions (action_id, user_id)
	WHERE status = 'completed' AND one_time AND adopted_from = ''`

// Store implements payload.Store on a gorm database
type Store struct {
	db      *gorm.DB
	logger  *slog.Logger
	driver  string
	dsn     string
	tracing bool
	now     func() time.Time
}

// Option configures a Store
type Option func(*Store)

// WithDriver selects "sqlite" (default) or "postgres"
func WithDriver(driver string) Option {
	return func(s *Store) {
		s.driver = driver
	}
}

// WithDSN sets the connection string. An empty SQLite DSN opens a private
// in-memory database.
func WithDSN(dsn string) Option {
	return func(s *Store) {
		s.dsn = dsn
	}
}

// WithLogger sets the store's logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithTracing registers the OpenTelemetry gorm plugin
func WithTracing(enabled bool) Option {
	return func(s *Store) {
		s.tracing = enabled
	}
}

// New opens the database, applies migrations and returns the store
func New(opts ...Option) (*Store, error) {
	s := &Store{
		driver: DriverSQLite,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	s.logger = s.logger.With("component", "store", "driver", s.driver)

	dialector, err := s.dialector()
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:                 gormlogger.Discard,
		SkipDefaultTransaction: true,
		TranslateError:         true,
		NowFunc: func() time.Time {
			return s.now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", s.driver, err)
	}
	s.db = db

	if err := s.init(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) dialector() (gorm.Dialector, error) {
	switch s.driver {
	case DriverSQLite:
		dsn := s.dsn
		if dsn == "" {
			dsn = fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.New().String())
		}
		return sqlite.Open(dsn), nil
	case DriverPostgres:
		if s.dsn == "" {
			return nil, errors.New("postgres DSN is required")
		}
		return postgres.Open(s.dsn), nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", s.driver)
	}
}

func (s *Store) init() error {
	if s.driver == DriverSQLite {
		sqlDB, err := s.db.DB()
		if err != nil {
			return fmt.Errorf("get database handle: %w", err)
		}
		// SQLite allows one writer; serializing connections avoids lock errors
		sqlDB.SetMaxOpenConns(1)
	}
	if s.tracing {
		if err := s.db.Use(tracing.NewPlugin(tracing.WithoutMetrics())); err != nil {
			return err
		}
	}
	for _, model := range MigrateModels {
		s.logger.Debug(fmt.Sprintf("creating table: %T", model))
		if err := s.db.AutoMigrate(model); err != nil {
			return fmt.Errorf("failed to migrate %T: %w", model, err)
		}
	}
	if err := s.db.Exec(oneTimeSettlementIndex).Error; err != nil {
		return fmt.Errorf("failed to create settlement index: %w", err)
	}
	return nil
}

// DB returns the underlying gorm handle
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Close releases the database connection
func (s *Store) Close() error {
	db, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("get database handle: %w", err)
	}
	return db.Close()
}

// Ping checks the database connection
func (s *Store) Ping(ctx context.Context) error {
	db, err := s.db.DB()
	if err != nil {
		return err
	}
	return db.PingContext(ctx)
}

var _ payload.Store = (*Store)(nil)
