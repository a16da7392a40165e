package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var (
	// ErrEmptyDSN is returned when Connect receives no connection URL.
	ErrEmptyDSN = errors.New("database URL cannot be empty")
	// ErrNoSession is returned by Current before Connect succeeded.
	ErrNoSession = errors.New("database session is not initialised")
	// ErrUnsupportedDriver is returned for URL schemes without a dialect.
	ErrUnsupportedDriver = errors.New("unsupported database driver")
)

const (
	driverSQLite   = "sqlite"
	driverPostgres = "postgres"
)

// Session is the process-wide database handle.
type Session struct {
	db     *gorm.DB
	driver string

	closeOnce sync.Once
	closeErr  error
}

var (
	sessionMu sync.Mutex
	current   *Session
)

// Connect opens the shared session for dsn. While a session is open, Connect
// returns it as is, whatever dsn is passed.
func Connect(dsn string) (*Session, error) {
	sessionMu.Lock()
	defer sessionMu.Unlock()

	if current != nil {
		return current, nil
	}

	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrEmptyDSN
	}

	dialector, driver, err := dialectorFor(dsn)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", driver, err)
	}

	if driver == driverSQLite {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("access connection pool: %w", err)
		}
		// a single connection keeps :memory: databases alive and serialises writers
		sqlDB.SetMaxOpenConns(1)
	}

	current = &Session{db: db, driver: driver}
	return current, nil
}

// Current returns the open session.
func Current() (*Session, error) {
	sessionMu.Lock()
	defer sessionMu.Unlock()

	if current == nil {
		return nil, ErrNoSession
	}
	return current, nil
}

// DB exposes the underlying gorm handle.
func (s *Session) DB() *gorm.DB {
	return s.db
}

// Driver reports the dialect of the session, "sqlite" or "postgres".
func (s *Session) Driver() string {
	return s.driver
}

// Exec runs a raw SQL statement.
func (s *Session) Exec(ctx context.Context, query string, args ...any) error {
	return s.db.WithContext(ctx).Exec(query, args...).Error
}

// Ping checks that the database is reachable.
func (s *Session) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the connection pool and frees the shared slot, so the next
// Connect opens a new session. Closing twice is a no-op.
func (s *Session) Close() error {
	sessionMu.Lock()
	if current == s {
		current = nil
	}
	sessionMu.Unlock()

	s.closeOnce.Do(func() {
		sqlDB, err := s.db.DB()
		if err != nil {
			s.closeErr = err
			return
		}
		s.closeErr = sqlDB.Close()
	})
	return s.closeErr
}

func dialectorFor(dsn string) (gorm.Dialector, string, error) {
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, "", fmt.Errorf("parse database URL: %w", err)
	}

	switch strings.ToLower(parsed.Scheme) {
	case "sqlite", "sqlite3":
		path := parsed.Host + parsed.Path
		if parsed.Host == "" {
			path = strings.TrimPrefix(parsed.Path, "/")
		}
		if path == "" {
			return nil, "", fmt.Errorf("%w: sqlite file name", ErrEmptyDSN)
		}
		if parsed.RawQuery != "" {
			path += "?" + parsed.RawQuery
		}
		return sqlite.Open(path), driverSQLite, nil
	case "postgres", "postgresql":
		return postgres.Open(dsn), driverPostgres, nil
	default:
		return nil, "", fmt.Errorf("%w: %q", ErrUnsupportedDriver, parsed.Scheme)
	}
}
