package db

import (
	"fmt"
	stdlog "log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/dreamforge/dreamforge-backend/internal/logger"
)

type Service struct {
	db  *gorm.DB
	log *logger.Logger
}

// New opens the database named by dbURL. Postgres URLs connect directly;
// an empty URL falls back to a local sqlite file so dev and tests run
// without infrastructure.
func New(dbURL string, log *logger.Logger) (*Service, error) {
	serviceLog := log.With("service", "DBService")

	gormLog := gormLogger.New(
		stdlog.New(os.Stdout, "\r\n", stdlog.LstdFlags),
		gormLogger.Config{
			SlowThreshold:             1 * time.Second,
			LogLevel:                  gormLogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	cfg := &gorm.Config{
		Logger:         gormLog,
		TranslateError: true,
	}

	var (
		db  *gorm.DB
		err error
	)
	switch {
	case dbURL == "":
		if mkErr := os.MkdirAll("db", 0o755); mkErr != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", mkErr)
		}
		path := filepath.Join("db", "dev.sqlite3")
		serviceLog.Warn("DF_DB_URL not set, falling back to local sqlite", "path", path)
		db, err = gorm.Open(sqlite.Open(path), cfg)
	case strings.HasPrefix(dbURL, "sqlite://"):
		db, err = gorm.Open(sqlite.Open(strings.TrimPrefix(dbURL, "sqlite://")), cfg)
	default:
		db, err = gorm.Open(postgres.Open(dbURL), cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return &Service{db: db, log: serviceLog}, nil
}

// NewTest opens an isolated in-memory sqlite database for tests. The pool
// is capped at one connection: every pool connection of an in-memory
// sqlite database would otherwise see its own empty schema.
func NewTest(log *logger.Logger) (*Service, error) {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger:         gormLogger.Default.LogMode(gormLogger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(0)
	return &Service{db: db, log: log.With("service", "DBService")}, nil
}

func (s *Service) DB() *gorm.DB { return s.db }

// Ping verifies connectivity for readiness checks.
func (s *Service) Ping() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}
