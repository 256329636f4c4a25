package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/crabzie/Auction-Stack-Orchestrator/internal/core/domain"
	"github.com/crabzie/Auction-Stack-Orchestrator/internal/core/port"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

var ErrDeadLetterNotFound = errors.New("dead letter not found")

type deadLetterRepository struct {
	db  *pgxpool.Pool
	sb  squirrel.StatementBuilderType
	log *zap.Logger
}

// NewDeadLetterRepository creates the postgres-backed dead letter store.
func NewDeadLetterRepository(db *pgxpool.Pool, log *zap.Logger) port.DeadLetterRepository {
	return &deadLetterRepository{
		db:  db,
		sb:  squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
		log: log,
	}
}

func (r *deadLetterRepository) Save(ctx context.Context, dl *domain.DeadLetter) error {
	sql, args, err := r.sb.
		Insert("dead_letters").
		Columns("task_id", "name", "queue", "payload", "attempt_count", "last_error", "failed_at").
		Values(dl.TaskID, dl.Name, dl.Queue, []byte(dl.Payload), dl.AttemptCount, dl.LastError, dl.FailedAt).
		Suffix("ON CONFLICT (task_id) DO NOTHING").
		ToSql()
	if err != nil {
		return err
	}

	if _, err := r.db.Exec(ctx, sql, args...); err != nil {
		r.log.Error("Failed to save dead letter", zap.String("task_id", dl.TaskID), zap.Error(err))
		return err
	}
	return nil
}

func (r *deadLetterRepository) ListByQueue(ctx context.Context, queue string, limit int) ([]*domain.DeadLetter, error) {
	if limit <= 0 {
		limit = 50
	}
	sql, args, err := r.sb.
		Select("task_id", "name", "queue", "payload", "attempt_count", "last_error", "failed_at").
		From("dead_letters").
		Where(squirrel.Eq{"queue": queue}).
		OrderBy("failed_at DESC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.DeadLetter
	for rows.Next() {
		var dl domain.DeadLetter
		var payload []byte
		if err := rows.Scan(&dl.TaskID, &dl.Name, &dl.Queue, &payload, &dl.AttemptCount, &dl.LastError, &dl.FailedAt); err != nil {
			return nil, err
		}
		dl.Payload = payload
		out = append(out, &dl)
	}
	return out, rows.Err()
}

// Replay removes the dead letter and hands it back so the caller can
// re-enqueue the preserved payload.
func (r *deadLetterRepository) Replay(ctx context.Context, taskID string) (*domain.DeadLetter, error) {
	sql, args, err := r.sb.
		Delete("dead_letters").
		Where(squirrel.Eq{"task_id": taskID}).
		Suffix("RETURNING task_id, name, queue, payload, attempt_count, last_error, failed_at").
		ToSql()
	if err != nil {
		return nil, err
	}

	var dl domain.DeadLetter
	var payload []byte
	row := r.db.QueryRow(ctx, sql, args...)
	if err := row.Scan(&dl.TaskID, &dl.Name, &dl.Queue, &payload, &dl.AttemptCount, &dl.LastError, &dl.FailedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrDeadLetterNotFound, taskID)
		}
		return nil, err
	}
	dl.Payload = payload
	r.log.Info("Dead letter replayed", zap.String("task_id", dl.TaskID), zap.String("queue", dl.Queue))
	return &dl, nil
}
