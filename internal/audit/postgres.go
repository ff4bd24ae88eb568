package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// chainLockKey serializes appends so each entry sees the latest hash.
const chainLockKey = 720341

const logColumns = `id, actor_id, entity_type, entity_id, action, outcome, detail, request_id,
	created_at, previous_hash, hash`

// PostgresRepository implements Repository on PostgreSQL. Entries are
// ordered by a BIGSERIAL sequence column.
type PostgresRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresRepository creates a PostgresRepository.
func NewPostgresRepository(db *sql.DB, logger *slog.Logger) *PostgresRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresRepository{db: db, logger: logger}
}

func (r *PostgresRepository) rollback(tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		r.logger.Warn("failed to rollback audit transaction",
			slog.String("error", err.Error()))
	}
}

// Append inserts the entry under a transaction-scoped advisory lock.
func (r *PostgresRepository) Append(ctx context.Context, entry Entry) (*Log, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer r.rollback(tx)

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, chainLockKey); err != nil {
		return nil, fmt.Errorf("failed to lock audit chain: %w", err)
	}

	l := &Log{
		ID:         uuid.New().String(),
		ActorID:    entry.ActorID,
		EntityType: entry.EntityType,
		EntityID:   entry.EntityID,
		Action:     entry.Action,
		Outcome:    entry.Outcome,
		Detail:     entry.Detail,
		RequestID:  entry.RequestID,
		// Postgres keeps microseconds; truncate so the hash survives a round trip.
		CreatedAt: time.Now().UTC().Truncate(time.Microsecond),
	}
	err = tx.QueryRowContext(ctx, `SELECT hash FROM audit_logs ORDER BY seq DESC LIMIT 1`).Scan(&l.PreviousHash)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to read last audit hash: %w", err)
	}
	l.Hash = computeHash(l)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_logs (`+logColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		l.ID, l.ActorID, l.EntityType, l.EntityID, l.Action, l.Outcome, l.Detail, l.RequestID,
		l.CreatedAt, l.PreviousHash, l.Hash)
	if err != nil {
		r.logger.Error("failed to insert audit log",
			slog.String("action", l.Action),
			slog.String("error", err.Error()))
		return nil, fmt.Errorf("failed to insert audit log: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return l, nil
}

func (r *PostgresRepository) list(ctx context.Context, query string, args ...any) ([]*Log, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit logs: %w", err)
	}
	defer rows.Close()

	var out []*Log
	for rows.Next() {
		var l Log
		if err := rows.Scan(&l.ID, &l.ActorID, &l.EntityType, &l.EntityID, &l.Action, &l.Outcome,
			&l.Detail, &l.RequestID, &l.CreatedAt, &l.PreviousHash, &l.Hash); err != nil {
			return nil, fmt.Errorf("failed to scan audit log: %w", err)
		}
		l.CreatedAt = l.CreatedAt.UTC()
		out = append(out, &l)
	}
	return out, rows.Err()
}

func limitClause(limit int) string {
	if limit <= 0 {
		return ""
	}
	return fmt.Sprintf(" LIMIT %d", limit)
}

// QueryByEntity returns logs for one entity, newest first.
func (r *PostgresRepository) QueryByEntity(ctx context.Context, entityType, entityID string, limit int) ([]*Log, error) {
	return r.list(ctx, `SELECT `+logColumns+` FROM audit_logs
		WHERE entity_type = $1 AND entity_id = $2 ORDER BY seq DESC`+limitClause(limit), entityType, entityID)
}

// QueryByActor returns logs for one actor, newest first.
func (r *PostgresRepository) QueryByActor(ctx context.Context, actorID string, limit int) ([]*Log, error) {
	return r.list(ctx, `SELECT `+logColumns+` FROM audit_logs
		WHERE actor_id = $1 ORDER BY seq DESC`+limitClause(limit), actorID)
}

// VerifyChain reads the whole chain in order and recomputes every hash.
func (r *PostgresRepository) VerifyChain(ctx context.Context) (bool, error) {
	logs, err := r.list(ctx, `SELECT `+logColumns+` FROM audit_logs ORDER BY seq ASC`)
	if err != nil {
		return false, err
	}
	return verify(logs), nil
}
