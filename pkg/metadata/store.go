// Package metadata persists users and their avatar history in PostgreSQL.
package metadata

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/platinummonkey/portrait/pkg/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Config holds connection pool settings
type Config struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration
}

// Store is the metadata store. Writes that touch more than one row go
// through WithTx.
type Store struct {
	db *sql.DB
}

// Open connects to PostgreSQL, applies pool settings and pings
func Open(ctx context.Context, cfg Config) (*Store, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return New(db), nil
}

// New wraps an existing handle
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close closes the underlying handle
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate applies the embedded migrations and returns the resulting version
func (s *Store) Migrate(ctx context.Context) (uint, error) {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return 0, fmt.Errorf("failed to load migrations: %w", err)
	}

	// A dedicated connection keeps m.Close from closing the shared pool
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to acquire migration connection: %w", err)
	}
	driver, err := migratepg.WithConnection(ctx, conn, &migratepg.Config{})
	if err != nil {
		conn.Close()
		return 0, fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		driver.Close()
		return 0, fmt.Errorf("failed to initialize migrations: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return 0, fmt.Errorf("failed to apply migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil {
		return 0, fmt.Errorf("failed to read migration version: %w", err)
	}
	if dirty {
		return version, fmt.Errorf("database is dirty at migration version %d", version)
	}
	return version, nil
}

// WithTx runs fn inside a transaction. fn's error or panic rolls back;
// a nil return commits. Begin and commit failures are reported as
// model.ErrMetadataTransactionFailed; errors from fn are returned as is.
func (s *Store) WithTx(ctx context.Context, fn func(*Tx) error) (err error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.E("metadata.WithTx", model.ErrMetadataTransactionFailed,
			fmt.Errorf("failed to start transaction: %w", err))
	}

	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
	}()

	if err := fn(&Tx{q: sqlTx}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return errors.Join(err, fmt.Errorf("failed to roll back transaction: %w", rbErr))
		}
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return model.E("metadata.WithTx", model.ErrMetadataTransactionFailed,
			fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// GetUser loads a user by id
func (s *Store) GetUser(ctx context.Context, userID string) (*model.User, error) {
	return getUser(ctx, s.db, userID)
}

// GetPasswordHash returns the stored bcrypt hash for userID
func (s *Store) GetPasswordHash(ctx context.Context, userID string) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx, `SELECT password_hash FROM users WHERE id = $1`, userID).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", model.E("metadata.GetPasswordHash", model.ErrNotFound, fmt.Errorf("user %s", userID))
	}
	if err != nil {
		return "", fmt.Errorf("failed to get password hash: %w", err)
	}
	return hash, nil
}

// ListHistory returns the user's history, newest first
func (s *Store) ListHistory(ctx context.Context, userID string) ([]model.HistoryRecord, error) {
	return listHistory(ctx, s.db, userID)
}

// CountRecentHistory counts records created within window of the database
// clock. Outside a transaction the result is advisory.
func (s *Store) CountRecentHistory(ctx context.Context, userID string, window time.Duration) (int, error) {
	return countRecentHistory(ctx, s.db, userID, window)
}

// SetActiveAsset points the user at url, or detaches when url is nil
func (s *Store) SetActiveAsset(ctx context.Context, userID string, url *string) error {
	return setActiveAsset(ctx, s.db, userID, url)
}

const referencedURLsQuery = `
	SELECT active_asset_url FROM users WHERE active_asset_url IS NOT NULL
	UNION
	SELECT asset_url FROM avatar_history
`

// ReferencedURLs streams every distinct asset URL referenced by a user's
// active pointer or by a history record
func (s *Store) ReferencedURLs(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		rows, err := s.db.QueryContext(ctx, referencedURLsQuery)
		if err != nil {
			yield("", fmt.Errorf("failed to query referenced urls: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var url string
			if err := rows.Scan(&url); err != nil {
				yield("", fmt.Errorf("failed to scan referenced url: %w", err))
				return
			}
			if !yield(url, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield("", fmt.Errorf("failed to iterate referenced urls: %w", err))
		}
	}
}

// CreateUser inserts an account row. Account management lives elsewhere;
// this exists for bootstrap tooling and tests.
func (s *Store) CreateUser(ctx context.Context, user *model.User) error {
	query := `
		INSERT INTO users (id, role, password_hash, active_asset_url)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at
	`
	err := s.db.QueryRowContext(ctx, query, user.ID, string(user.Role), user.PasswordHash, user.ActiveAssetURL).
		Scan(&user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}
