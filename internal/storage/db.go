package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"  // PostgreSQL driver
	_ "modernc.org/sqlite" // SQLite driver
)

// Supported database drivers
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// DB wraps the database connection and provides health checks
type DB struct {
	conn   *sqlx.DB
	driver string
	enc    *Encryption // nil stores credentials in plaintext
}

// DBConfig holds database configuration
type DBConfig struct {
	Driver string // postgres or sqlite
	DSN    string

	// Pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration

	// Apply pending migrations when connecting
	AutoMigrate bool

	// Base64 AES key sealing upstream credentials; empty disables
	EncryptionKey string
}

// DefaultDBConfig returns default database configuration
func DefaultDBConfig() DBConfig {
	return DBConfig{
		Driver: DriverSQLite,
		DSN:    "./main.db",

		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 1 * time.Minute,

		AutoMigrate: true,
	}
}

// NewDB creates a new database connection
func NewDB(ctx context.Context, cfg DBConfig) (*DB, error) {
	switch cfg.Driver {
	case DriverPostgres, DriverSQLite:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	var enc *Encryption
	if cfg.EncryptionKey != "" {
		var err error
		if enc, err = NewEncryptionFromBase64(cfg.EncryptionKey); err != nil {
			return nil, fmt.Errorf("invalid encryption key: %w", err)
		}
	}

	conn, err := sqlx.ConnectContext(ctx, cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if cfg.Driver == DriverSQLite {
		// SQLite allows one writer; a single connection also keeps
		// ":memory:" databases from splitting across the pool.
		conn.SetMaxOpenConns(1)
		if _, err := conn.ExecContext(ctx, `PRAGMA journal_mode=WAL;`); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to enable WAL: %w", err)
		}
		if _, err := conn.ExecContext(ctx, `PRAGMA busy_timeout=5000;`); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to set busy timeout: %w", err)
		}
	} else {
		conn.SetMaxOpenConns(cfg.MaxOpenConns)
		conn.SetMaxIdleConns(cfg.MaxIdleConns)
		conn.SetConnMaxLifetime(cfg.ConnMaxLifetime)
		conn.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	db := &DB{conn: conn, driver: cfg.Driver, enc: enc}

	if cfg.AutoMigrate {
		if err := db.Migrate(ctx); err != nil {
			conn.Close()
			return nil, err
		}
	}

	return db, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// Driver returns the configured driver name
func (db *DB) Driver() string {
	return db.driver
}

// Ping checks if the database is reachable
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// Health returns the health status of the database
func (db *DB) Health(ctx context.Context) error {
	// Check connection
	if err := db.Ping(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	// Check if we can execute a simple query
	var result int
	err := db.conn.GetContext(ctx, &result, "SELECT 1")
	if err != nil {
		return fmt.Errorf("health check query failed: %w", err)
	}

	return nil
}

// Conn returns the underlying sqlx connection
// Use this for custom queries not covered by repositories
func (db *DB) Conn() *sqlx.DB {
	return db.conn
}

// rebind converts a query written with ? placeholders to the driver's style.
func (db *DB) rebind(query string) string {
	return db.conn.Rebind(query)
}

// Repository factory methods

// NewAccountRepository creates a new account repository
func (db *DB) NewAccountRepository() *AccountRepository {
	return NewAccountRepository(db)
}

// NewSubuserRepository creates a new subuser repository
func (db *DB) NewSubuserRepository() *SubuserRepository {
	return NewSubuserRepository(db)
}
