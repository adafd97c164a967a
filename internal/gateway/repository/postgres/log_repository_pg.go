package postgres

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"github.com/smsterm/gateway/internal/gateway/domain"
)

type PgLogRepository struct {
	db     DBTX
	logger *slog.Logger
}

func NewPgLogRepository(db DBTX, logger *slog.Logger) *PgLogRepository {
	return &PgLogRepository{db: db, logger: logger}
}

func (r *PgLogRepository) Save(ctx context.Context, imsi string, item *domain.QueueItem) error {
	var count int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM gw_log WHERE imsi = $1 AND hash = $2 AND type = $3`,
		imsi, item.Hash, item.Type,
	).Scan(&count)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error checking log entry existence", "error", err, "imsi", imsi, "hash", item.Hash)
		return err
	}
	if count > 0 {
		return nil
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO gw_log (imsi, hash, type, address, data, status, time)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, imsi, item.Hash, item.Type, item.Address, item.Data, item.Status, item.Time)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error creating log entry", "error", err, "imsi", imsi, "hash", item.Hash)
		return err
	}
	r.logger.InfoContext(ctx, "Log entry created", "imsi", imsi, "hash", item.Hash, "type", item.Type.String())
	return nil
}

func (r *PgLogRepository) UpdateReport(ctx context.Context, imsi string, report *domain.DeliveryReport) error {
	var count int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM gw_log WHERE imsi = $1 AND hash = $2 AND type = $3`,
		imsi, report.Hash, domain.ActivitySMS,
	).Scan(&count)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error checking log entry for report", "error", err, "imsi", imsi, "hash", report.Hash)
		return err
	}
	if count != 1 {
		r.logger.WarnContext(ctx, "No matching log entry for delivery report", "imsi", imsi, "hash", report.Hash, "count", count)
		return domain.ErrNotFound
	}

	_, err = r.db.Exec(ctx, `
		UPDATE gw_log SET code = $1, sent = $2, received = $3
		WHERE imsi = $4 AND hash = $5 AND type = $6
	`, report.Code, report.Sent, report.Received, imsi, report.Hash, domain.ActivitySMS)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error updating log entry with report", "error", err, "imsi", imsi, "hash", report.Hash)
		return err
	}
	r.logger.InfoContext(ctx, "Delivery report recorded", "imsi", imsi, "hash", report.Hash, "code", report.Code)
	return nil
}

func (r *PgLogRepository) Find(ctx context.Context, hash string, t domain.ActivityType) (*domain.LogEntry, error) {
	entry := &domain.LogEntry{}
	err := r.db.QueryRow(ctx, `
		SELECT id, imsi, hash, type, address, data, status, time, code, sent, received
		FROM gw_log WHERE hash = $1 AND type = $2
	`, hash, t).Scan(
		&entry.ID, &entry.IMSI, &entry.Hash, &entry.Type, &entry.Address, &entry.Data,
		&entry.Status, &entry.Time, &entry.Code, &entry.Sent, &entry.Received,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrNotFound
		}
		r.logger.ErrorContext(ctx, "Error finding log entry", "error", err, "hash", hash)
		return nil, err
	}
	return entry, nil
}
