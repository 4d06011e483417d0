package avatar

import (
	"context"
	"time"

	"github.com/platinummonkey/portrait/pkg/metadata"
	"github.com/platinummonkey/portrait/pkg/model"
	"github.com/platinummonkey/portrait/pkg/retention"
)

// Tx is the transactional view of the metadata store used by Upload
type Tx interface {
	LockUser(ctx context.Context, userID string) error
	CountHistory(ctx context.Context, userID string) (int, error)
	CountRecentHistory(ctx context.Context, userID string, window time.Duration) (int, error)
	InsertHistory(ctx context.Context, userID, assetURL string, isOriginal bool) (model.HistoryRecord, error)
	SetActiveAsset(ctx context.Context, userID string, url *string) error
	ListPurgeCandidates(ctx context.Context, userID string, policy retention.Policy) ([]model.HistoryRecord, error)
	DeleteHistory(ctx context.Context, id int64) error
}

// Metadata is the metadata store as seen by the service
type Metadata interface {
	// InTx runs fn in a transaction that commits only when fn returns nil
	InTx(ctx context.Context, fn func(Tx) error) error
	// CountRecentHistory is an advisory read that lets Upload reject
	// before transforming; the transaction repeats the check under the row lock
	CountRecentHistory(ctx context.Context, userID string, window time.Duration) (int, error)
	SetActiveAsset(ctx context.Context, userID string, url *string) error
	ListHistory(ctx context.Context, userID string) ([]model.HistoryRecord, error)
	GetUser(ctx context.Context, userID string) (*model.User, error)
}

// PostgresMetadata adapts *metadata.Store to Metadata
type PostgresMetadata struct {
	*metadata.Store
}

// NewPostgresMetadata wraps store
func NewPostgresMetadata(store *metadata.Store) *PostgresMetadata {
	return &PostgresMetadata{Store: store}
}

// InTx implements Metadata
func (p *PostgresMetadata) InTx(ctx context.Context, fn func(Tx) error) error {
	return p.WithTx(ctx, func(tx *metadata.Tx) error {
		return fn(tx)
	})
}
