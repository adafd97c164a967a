package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/smsterm/gateway/internal/gateway/domain"
)

// DBTX is the subset of pgxpool.Pool the repositories use; pgxmock
// implements it for tests.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const queueColumns = "id, imsi, hash, type, address, data, priority, processed, status, retry, time"

type PgQueueRepository struct {
	db     DBTX
	logger *slog.Logger
}

func NewPgQueueRepository(db DBTX, logger *slog.Logger) *PgQueueRepository {
	return &PgQueueRepository{db: db, logger: logger}
}

func (r *PgQueueRepository) Save(ctx context.Context, imsi string, item *domain.QueueItem) (*domain.QueueItem, error) {
	var count int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM gw_queue WHERE imsi = $1 AND hash = $2`,
		imsi, item.Hash,
	).Scan(&count)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error checking queue item existence", "error", err, "imsi", imsi, "hash", item.Hash)
		return nil, err
	}
	if count > 0 {
		return nil, nil
	}

	item.IMSI = imsi
	item.Processed = false
	item.Status = domain.StatusFail
	if item.Priority == 0 {
		item.Priority = domain.PriorityNormal
	}
	if item.Time.IsZero() {
		item.Time = time.Now()
	}

	err = r.db.QueryRow(ctx, `
		INSERT INTO gw_queue (imsi, hash, type, address, data, priority, processed, status, retry, time)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id
	`, item.IMSI, item.Hash, item.Type, item.Address, item.Data, item.Priority,
		item.Processed, item.Status, item.Retry, item.Time,
	).Scan(&item.ID)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error creating queue item", "error", err, "imsi", imsi, "hash", item.Hash)
		return nil, err
	}
	r.logger.InfoContext(ctx, "Queue item created", "imsi", imsi, "hash", item.Hash, "type", item.Type.String())
	return item, nil
}

func (r *PgQueueRepository) FetchTerminalQueue(ctx context.Context, imsi string, maxRetry int) ([]*domain.QueueItem, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM gw_queue
		WHERE imsi = $1 AND (
			(processed = FALSE AND type IN ($2, $3, $4))
			OR
			(processed = TRUE AND type = $3 AND status = $5 AND retry < $6)
		)
		ORDER BY priority ASC, processed ASC, time ASC
	`, queueColumns)
	rows, err := r.db.Query(ctx, query,
		imsi, domain.ActivityCall, domain.ActivitySMS, domain.ActivityUSSD,
		domain.StatusFail, maxRetry,
	)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error fetching terminal queue", "error", err, "imsi", imsi)
		return nil, err
	}
	defer rows.Close()
	return scanQueueItems(rows)
}

func (r *PgQueueRepository) FetchActivityQueue(ctx context.Context) ([]*domain.QueueItem, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM gw_queue
		WHERE processed = FALSE AND type IN ($1, $2, $3)
		ORDER BY priority ASC, time ASC
	`, queueColumns)
	rows, err := r.db.Query(ctx, query,
		domain.ActivityRing, domain.ActivityInbox, domain.ActivityCUSD,
	)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error fetching activity queue", "error", err)
		return nil, err
	}
	defer rows.Close()
	return scanQueueItems(rows)
}

func (r *PgQueueRepository) UpdateProcessed(ctx context.Context, id int64, status, retry sql.NullInt32) error {
	var sb strings.Builder
	sb.WriteString("UPDATE gw_queue SET processed = TRUE")
	args := []any{}
	argn := 1
	if status.Valid {
		sb.WriteString(fmt.Sprintf(", status = $%d", argn))
		args = append(args, status.Int32)
		argn++
	}
	if retry.Valid {
		sb.WriteString(fmt.Sprintf(", retry = $%d", argn))
		args = append(args, retry.Int32)
		argn++
	}
	sb.WriteString(fmt.Sprintf(" WHERE id = $%d", argn))
	args = append(args, id)

	tag, err := r.db.Exec(ctx, sb.String(), args...)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error updating queue item", "error", err, "id", id)
		return err
	}
	if tag.RowsAffected() == 0 {
		r.logger.WarnContext(ctx, "Queue item not found for update", "id", id)
		return domain.ErrNotFound
	}
	return nil
}

func (r *PgQueueRepository) UpdateStatus(ctx context.Context, id int64, status int) error {
	tag, err := r.db.Exec(ctx, `UPDATE gw_queue SET status = $1 WHERE id = $2`, status, id)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error updating queue item status", "error", err, "id", id)
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *PgQueueRepository) ResetRetry(ctx context.Context, id int64) error {
	tag, err := r.db.Exec(ctx, `UPDATE gw_queue SET processed = FALSE, retry = NULL WHERE id = $1`, id)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error resetting queue item retry", "error", err, "id", id)
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *PgQueueRepository) CountByHash(ctx context.Context, hash string, t domain.ActivityType) (int, error) {
	var count int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM gw_queue WHERE hash = $1 AND type = $2`, hash, t,
	).Scan(&count)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error counting queue items by hash", "error", err, "hash", hash)
		return 0, err
	}
	return count, nil
}

func (r *PgQueueRepository) FindByHash(ctx context.Context, hash string, t domain.ActivityType) (*domain.QueueItem, error) {
	query := fmt.Sprintf(`SELECT %s FROM gw_queue WHERE hash = $1 AND type = $2`, queueColumns)
	item := &domain.QueueItem{}
	err := r.db.QueryRow(ctx, query, hash, t).Scan(
		&item.ID, &item.IMSI, &item.Hash, &item.Type, &item.Address, &item.Data,
		&item.Priority, &item.Processed, &item.Status, &item.Retry, &item.Time,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrNotFound
		}
		r.logger.ErrorContext(ctx, "Error finding queue item by hash", "error", err, "hash", hash)
		return nil, err
	}
	return item, nil
}

func (r *PgQueueRepository) CountRecents(ctx context.Context) (int, error) {
	query := `
		SELECT COUNT(a.id) FROM gw_queue AS a
		INNER JOIN (
			SELECT address, MAX(id) AS id FROM gw_queue
			WHERE type IN ($1, $2) GROUP BY address
		) AS b ON a.id = b.id
	`
	var count int
	err := r.db.QueryRow(ctx, query, domain.ActivitySMS, domain.ActivityInbox).Scan(&count)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error counting recents", "error", err)
		return 0, err
	}
	return count, nil
}

func (r *PgQueueRepository) Recents(ctx context.Context, offset, limit int) ([]*domain.QueueItem, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM gw_queue AS a
		INNER JOIN (
			SELECT address, MAX(id) AS id FROM gw_queue
			WHERE type IN ($1, $2) GROUP BY address
		) AS b ON a.id = b.id
		ORDER BY a.time DESC
		LIMIT $3 OFFSET $4
	`, prefixColumns("a", queueColumns))
	rows, err := r.db.Query(ctx, query, domain.ActivitySMS, domain.ActivityInbox, limit, offset)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error fetching recents", "error", err)
		return nil, err
	}
	defer rows.Close()
	return scanQueueItems(rows)
}

func scanQueueItems(rows pgx.Rows) ([]*domain.QueueItem, error) {
	var items []*domain.QueueItem
	for rows.Next() {
		item := &domain.QueueItem{}
		if err := rows.Scan(
			&item.ID, &item.IMSI, &item.Hash, &item.Type, &item.Address, &item.Data,
			&item.Priority, &item.Processed, &item.Status, &item.Retry, &item.Time,
		); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func prefixColumns(alias, columns string) string {
	parts := strings.Split(columns, ", ")
	for i, p := range parts {
		parts[i] = alias + "." + p
	}
	return strings.Join(parts, ", ")
}
