package postgres

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smsterm/gateway/internal/gateway/domain"
)

func setupQueueTest(t *testing.T) (*PgQueueRepository, pgxmock.PgxPoolIface) {
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo := NewPgQueueRepository(mockPool, logger)
	return repo, mockPool
}

func TestPgQueueRepository_Save(t *testing.T) {
	t.Run("Created", func(t *testing.T) {
		repo, mockPool := setupQueueTest(t)
		defer mockPool.Close()

		item := &domain.QueueItem{
			Hash:    "abc",
			Type:    domain.ActivitySMS,
			Address: "08123456789",
			Data:    sql.NullString{String: "hello", Valid: true},
		}

		mockPool.ExpectQuery(`SELECT COUNT\(\*\) FROM gw_queue WHERE imsi = \$1 AND hash = \$2`).
			WithArgs("4101", "abc").
			WillReturnRows(mockPool.NewRows([]string{"count"}).AddRow(0))
		mockPool.ExpectQuery(`INSERT INTO gw_queue`).
			WithArgs("4101", "abc", domain.ActivitySMS, "08123456789", item.Data,
				domain.PriorityNormal, false, domain.StatusFail, sql.NullInt32{}, pgxmock.AnyArg()).
			WillReturnRows(mockPool.NewRows([]string{"id"}).AddRow(int64(7)))

		stored, err := repo.Save(context.Background(), "4101", item)
		require.NoError(t, err)
		require.NotNil(t, stored)
		assert.Equal(t, int64(7), stored.ID)
		assert.Equal(t, "4101", stored.IMSI)
		assert.Equal(t, domain.PriorityNormal, stored.Priority)
		assert.False(t, stored.Time.IsZero(), "save fills the timestamp")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("DuplicateIsNoop", func(t *testing.T) {
		repo, mockPool := setupQueueTest(t)
		defer mockPool.Close()

		mockPool.ExpectQuery(`SELECT COUNT\(\*\) FROM gw_queue WHERE imsi = \$1 AND hash = \$2`).
			WithArgs("4101", "abc").
			WillReturnRows(mockPool.NewRows([]string{"count"}).AddRow(1))

		stored, err := repo.Save(context.Background(), "4101", &domain.QueueItem{Hash: "abc", Type: domain.ActivitySMS})
		require.NoError(t, err)
		assert.Nil(t, stored)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("KeepsExplicitPriority", func(t *testing.T) {
		repo, mockPool := setupQueueTest(t)
		defer mockPool.Close()

		item := &domain.QueueItem{Hash: "p", Type: domain.ActivityUSSD, Address: "*888#", Priority: domain.PriorityAbove}

		mockPool.ExpectQuery(`SELECT COUNT\(\*\) FROM gw_queue`).
			WithArgs("4101", "p").
			WillReturnRows(mockPool.NewRows([]string{"count"}).AddRow(0))
		mockPool.ExpectQuery(`INSERT INTO gw_queue`).
			WithArgs("4101", "p", domain.ActivityUSSD, "*888#", sql.NullString{},
				domain.PriorityAbove, false, domain.StatusFail, sql.NullInt32{}, pgxmock.AnyArg()).
			WillReturnRows(mockPool.NewRows([]string{"id"}).AddRow(int64(8)))

		stored, err := repo.Save(context.Background(), "4101", item)
		require.NoError(t, err)
		assert.Equal(t, domain.PriorityAbove, stored.Priority)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestPgQueueRepository_FetchTerminalQueue(t *testing.T) {
	repo, mockPool := setupQueueTest(t)
	defer mockPool.Close()

	now := time.Now()
	rows := mockPool.NewRows([]string{"id", "imsi", "hash", "type", "address", "data", "priority", "processed", "status", "retry", "time"}).
		AddRow(int64(1), "4101", "h1", domain.ActivitySMS, "0812", sql.NullString{String: "hi", Valid: true},
			domain.PriorityNormal, false, domain.StatusFail, sql.NullInt32{}, now).
		AddRow(int64(2), "4101", "h2", domain.ActivitySMS, "0813", sql.NullString{},
			domain.PriorityNormal, true, domain.StatusFail, sql.NullInt32{Int32: 1, Valid: true}, now)

	mockPool.ExpectQuery(`SELECT (.+) FROM gw_queue\s+WHERE imsi = \$1`).
		WithArgs("4101", domain.ActivityCall, domain.ActivitySMS, domain.ActivityUSSD, domain.StatusFail, 3).
		WillReturnRows(rows)

	items, err := repo.FetchTerminalQueue(context.Background(), "4101", 3)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "h1", items[0].Hash)
	assert.True(t, items[1].Retry.Valid)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestPgQueueRepository_UpdateProcessed(t *testing.T) {
	t.Run("StatusOnly", func(t *testing.T) {
		repo, mockPool := setupQueueTest(t)
		defer mockPool.Close()

		mockPool.ExpectExec(`UPDATE gw_queue SET processed = TRUE, status = \$1 WHERE id = \$2`).
			WithArgs(int32(1), int64(9)).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		err := repo.UpdateProcessed(context.Background(), 9,
			sql.NullInt32{Int32: 1, Valid: true}, sql.NullInt32{})
		require.NoError(t, err)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("RetryOnly", func(t *testing.T) {
		repo, mockPool := setupQueueTest(t)
		defer mockPool.Close()

		mockPool.ExpectExec(`UPDATE gw_queue SET processed = TRUE, retry = \$1 WHERE id = \$2`).
			WithArgs(int32(2), int64(9)).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		err := repo.UpdateProcessed(context.Background(), 9,
			sql.NullInt32{}, sql.NullInt32{Int32: 2, Valid: true})
		require.NoError(t, err)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("Neither", func(t *testing.T) {
		repo, mockPool := setupQueueTest(t)
		defer mockPool.Close()

		mockPool.ExpectExec(`UPDATE gw_queue SET processed = TRUE WHERE id = \$1`).
			WithArgs(int64(9)).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		err := repo.UpdateProcessed(context.Background(), 9, sql.NullInt32{}, sql.NullInt32{})
		require.NoError(t, err)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("NotFound", func(t *testing.T) {
		repo, mockPool := setupQueueTest(t)
		defer mockPool.Close()

		mockPool.ExpectExec(`UPDATE gw_queue SET processed = TRUE WHERE id = \$1`).
			WithArgs(int64(404)).
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))

		err := repo.UpdateProcessed(context.Background(), 404, sql.NullInt32{}, sql.NullInt32{})
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestPgQueueRepository_ResetRetry(t *testing.T) {
	repo, mockPool := setupQueueTest(t)
	defer mockPool.Close()

	mockPool.ExpectExec(`UPDATE gw_queue SET processed = FALSE, retry = NULL WHERE id = \$1`).
		WithArgs(int64(3)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, repo.ResetRetry(context.Background(), 3))
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestPgQueueRepository_CountRecents(t *testing.T) {
	repo, mockPool := setupQueueTest(t)
	defer mockPool.Close()

	mockPool.ExpectQuery(`SELECT COUNT\(a\.id\) FROM gw_queue AS a`).
		WithArgs(domain.ActivitySMS, domain.ActivityInbox).
		WillReturnRows(mockPool.NewRows([]string{"count"}).AddRow(5))

	count, err := repo.CountRecents(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, count)
}

func TestPgQueueRepository_SaveDBError(t *testing.T) {
	repo, mockPool := setupQueueTest(t)
	defer mockPool.Close()

	dbErr := errors.New("connection reset")
	mockPool.ExpectQuery(`SELECT COUNT\(\*\) FROM gw_queue`).
		WithArgs("4101", "x").
		WillReturnError(dbErr)

	stored, err := repo.Save(context.Background(), "4101", &domain.QueueItem{Hash: "x"})
	require.Error(t, err)
	assert.Nil(t, stored)
}
