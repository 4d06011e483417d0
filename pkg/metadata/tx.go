package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/platinummonkey/portrait/pkg/model"
	"github.com/platinummonkey/portrait/pkg/retention"
)

// uniqueViolation is the SQLSTATE for unique_violation
const uniqueViolation = "23505"

// querier is satisfied by *sql.DB and *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Tx is the scope handed to WithTx callbacks
type Tx struct {
	q querier
}

// LockUser takes a row lock on the user for the rest of the transaction
func (t *Tx) LockUser(ctx context.Context, userID string) error {
	var id string
	err := t.q.QueryRowContext(ctx, `SELECT id FROM users WHERE id = $1 FOR UPDATE`, userID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.E("metadata.LockUser", model.ErrNotFound, fmt.Errorf("user %s", userID))
	}
	if err != nil {
		return fmt.Errorf("failed to lock user: %w", err)
	}
	return nil
}

// CountHistory counts all records for the user
func (t *Tx) CountHistory(ctx context.Context, userID string) (int, error) {
	var n int
	err := t.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM avatar_history WHERE user_id = $1`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count history: %w", err)
	}
	return n, nil
}

// CountRecentHistory counts records created within window of the
// database clock. Call it after LockUser so concurrent uploads see each
// other's commits.
func (t *Tx) CountRecentHistory(ctx context.Context, userID string, window time.Duration) (int, error) {
	return countRecentHistory(ctx, t.q, userID, window)
}

// InsertHistory appends a record and returns it with its id and timestamp
func (t *Tx) InsertHistory(ctx context.Context, userID, assetURL string, isOriginal bool) (model.HistoryRecord, error) {
	rec := model.HistoryRecord{UserID: userID, AssetURL: assetURL, IsOriginal: isOriginal}
	query := `
		INSERT INTO avatar_history (user_id, asset_url, is_original)
		VALUES ($1, $2, $3)
		RETURNING id, created_at
	`
	err := t.q.QueryRowContext(ctx, query, userID, assetURL, isOriginal).Scan(&rec.ID, &rec.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return rec, fmt.Errorf("user %s already has an original record: %w", userID, err)
		}
		return rec, fmt.Errorf("failed to insert history: %w", err)
	}
	return rec, nil
}

// SetActiveAsset points the user at url, or detaches when url is nil
func (t *Tx) SetActiveAsset(ctx context.Context, userID string, url *string) error {
	return setActiveAsset(ctx, t.q, userID, url)
}

// ListPurgeCandidates returns the records policy would purge, oldest first
func (t *Tx) ListPurgeCandidates(ctx context.Context, userID string, policy retention.Policy) ([]model.HistoryRecord, error) {
	records, err := listHistory(ctx, t.q, userID)
	if err != nil {
		return nil, err
	}
	return policy.PurgeSet(records), nil
}

// DeleteHistory removes one record
func (t *Tx) DeleteHistory(ctx context.Context, id int64) error {
	if _, err := t.q.ExecContext(ctx, `DELETE FROM avatar_history WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete history record %d: %w", id, err)
	}
	return nil
}

func getUser(ctx context.Context, q querier, userID string) (*model.User, error) {
	query := `
		SELECT id, role, password_hash, active_asset_url, created_at, updated_at
		FROM users
		WHERE id = $1
	`
	var (
		user   model.User
		role   string
		active sql.NullString
	)
	err := q.QueryRowContext(ctx, query, userID).Scan(
		&user.ID, &role, &user.PasswordHash, &active, &user.CreatedAt, &user.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.E("metadata.GetUser", model.ErrNotFound, fmt.Errorf("user %s", userID))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	user.Role = model.ParseRole(role)
	if active.Valid {
		user.ActiveAssetURL = &active.String
	}
	return &user, nil
}

func listHistory(ctx context.Context, q querier, userID string) ([]model.HistoryRecord, error) {
	query := `
		SELECT id, user_id, asset_url, is_original, created_at
		FROM avatar_history
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
	`
	rows, err := q.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	defer rows.Close()

	var records []model.HistoryRecord
	for rows.Next() {
		var r model.HistoryRecord
		if err := rows.Scan(&r.ID, &r.UserID, &r.AssetURL, &r.IsOriginal, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan history: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate history: %w", err)
	}
	return records, nil
}

// recentHistoryQuery compares against clock_timestamp(), the clock that
// stamps created_at, so application clock skew cannot shift the window
const recentHistoryQuery = `
	SELECT COUNT(*) FROM avatar_history
	WHERE user_id = $1 AND created_at >= clock_timestamp() - $2::bigint * interval '1 millisecond'
`

func countRecentHistory(ctx context.Context, q querier, userID string, window time.Duration) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, recentHistoryQuery, userID, window.Milliseconds()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count recent history: %w", err)
	}
	return n, nil
}

func setActiveAsset(ctx context.Context, q querier, userID string, url *string) error {
	res, err := q.ExecContext(ctx,
		`UPDATE users SET active_asset_url = $2, updated_at = now() WHERE id = $1`,
		userID, url,
	)
	if err != nil {
		return fmt.Errorf("failed to set active asset: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return model.E("metadata.SetActiveAsset", model.ErrNotFound, fmt.Errorf("user %s", userID))
	}
	return nil
}
