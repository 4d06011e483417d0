package avatar

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/portrait/pkg/assetkey"
	"github.com/platinummonkey/portrait/pkg/metadata"
	"github.com/platinummonkey/portrait/pkg/model"
	"github.com/platinummonkey/portrait/pkg/objectstore"
	"github.com/platinummonkey/portrait/pkg/retention"
	"github.com/platinummonkey/portrait/pkg/transform"
)

// recentQuery matches the rate limit count, which measures the window on
// the database clock
const recentQuery = `created_at >= clock_timestamp\(\) - \$2::bigint \* interval`

func newPostgresService(t *testing.T) (*Service, sqlmock.Sqlmock, *objectstore.MemoryStore) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := objectstore.NewMemoryStore()
	svc := NewService(Config{
		Metadata:    NewPostgresMetadata(metadata.New(db)),
		Objects:     store,
		Codec:       assetkey.NewCodec("", ""),
		Endpoint:    testEndpoint,
		Transformer: transform.New(32, 80, 0),
		Policy:      retention.NewPolicy(5),
		RateLimit:   DefaultRateLimit(),
		Now:         func() time.Time { return time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC) },
	})
	return svc, mock, store
}

func TestUpload_Postgres_FirstUpload(t *testing.T) {
	svc, mock, store := newPostgresService(t)
	created := time.Date(2026, 4, 1, 9, 0, 1, 0, time.UTC)

	mock.ExpectQuery(recentQuery).
		WithArgs("u1", int64(86400000)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM users WHERE id = \$1 FOR UPDATE`).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("u1"))
	mock.ExpectQuery(recentQuery).
		WithArgs("u1", int64(86400000)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM avatar_history WHERE user_id = \$1$`).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery(`INSERT INTO avatar_history`).
		WithArgs("u1", sqlmock.AnyArg(), true).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(int64(1), created))
	mock.ExpectExec(`UPDATE users SET active_asset_url = \$2`).
		WithArgs("u1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`FROM avatar_history\s+WHERE user_id = \$1\s+ORDER BY`).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "asset_url", "is_original", "created_at"}).
			AddRow(int64(1), "u1", "ignored", true, created))
	mock.ExpectCommit()

	res, err := svc.Upload(context.Background(), UploadRequest{UserID: "u1", Data: pngBytes(t)})
	require.NoError(t, err)
	assert.True(t, res.Record.IsOriginal)
	assert.Equal(t, int64(1), res.Record.ID)
	assert.Equal(t, created, res.Record.CreatedAt)
	assert.Len(t, store.Keys(), 1)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpload_Postgres_RollbackOnInsertFailure(t *testing.T) {
	svc, mock, store := newPostgresService(t)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM avatar_history`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("u1"))
	mock.ExpectQuery(recentQuery).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM avatar_history`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery(`INSERT INTO avatar_history`).
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	_, err := svc.Upload(context.Background(), UploadRequest{UserID: "u1", Data: pngBytes(t)})
	assert.ErrorIs(t, err, model.ErrMetadataTransactionFailed)
	assert.Len(t, store.Keys(), 1, "written object stays behind for the sweep")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpload_Postgres_RateLimitRecheckedUnderRowLock(t *testing.T) {
	svc, mock, store := newPostgresService(t)

	mock.ExpectQuery(recentQuery).
		WithArgs("u1", int64(86400000)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("u1"))
	// another replica committed between the two counts
	mock.ExpectQuery(recentQuery).
		WithArgs("u1", int64(86400000)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectRollback()

	_, err := svc.Upload(context.Background(), UploadRequest{UserID: "u1", Data: pngBytes(t)})
	assert.ErrorIs(t, err, model.ErrRateLimited)
	assert.Empty(t, store.Keys(), "rejected upload removes its object")
	require.NoError(t, mock.ExpectationsWereMet())
}
