package cluster

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/onnwee/civicq/internal/tracing"
)

// PostgresRepository implements Repository on PostgreSQL. Member lists are
// stored as an ordered uuid[] and every mutation locks the cluster row.
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
		r.logger.Warn("failed to rollback transaction",
			slog.String("error", err.Error()))
	}
}

// Create inserts a cluster.
func (r *PostgresRepository) Create(ctx context.Context, c *Cluster) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO clusters (id, contest_id, representative_question_id, member_question_ids, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		RETURNING created_at`,
		c.ID, c.ContestID, c.RepresentativeQuestionID, pq.Array(c.MemberQuestionIDs),
	).Scan(&c.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert cluster: %w", err)
	}
	return nil
}

func scanCluster(row interface{ Scan(...any) error }) (*Cluster, error) {
	var c Cluster
	if err := row.Scan(&c.ID, &c.ContestID, &c.RepresentativeQuestionID, pq.Array(&c.MemberQuestionIDs), &c.CreatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

// Get returns a cluster by id.
func (r *PostgresRepository) Get(ctx context.Context, id string) (*Cluster, error) {
	c, err := scanCluster(r.db.QueryRowContext(ctx, `
		SELECT id, contest_id, representative_question_id, member_question_ids, created_at
		FROM clusters WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrClusterNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cluster: %w", err)
	}
	return c, nil
}

// ListByContest returns a contest's clusters.
func (r *PostgresRepository) ListByContest(ctx context.Context, contestID string) ([]*Cluster, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, contest_id, representative_question_id, member_question_ids, created_at
		FROM clusters WHERE contest_id = $1 ORDER BY created_at ASC, id ASC`, contestID)
	if err != nil {
		return nil, fmt.Errorf("failed to list clusters: %w", err)
	}
	defer rows.Close()

	var out []*Cluster
	for rows.Next() {
		c, err := scanCluster(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan cluster: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// AddMember appends a member unless already present.
func (r *PostgresRepository) AddMember(ctx context.Context, clusterID, questionID string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE clusters SET member_question_ids = array_append(member_question_ids, $2::uuid)
		WHERE id = $1 AND NOT ($2::uuid = ANY(member_question_ids))`, clusterID, questionID)
	if err != nil {
		return fmt.Errorf("failed to add cluster member: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := r.Get(ctx, clusterID); err != nil {
			return err
		}
	}
	return nil
}

// ApplyMerges runs every merge in one transaction, locking involved rows.
func (r *PostgresRepository) ApplyMerges(ctx context.Context, merges []Merge) (_ map[string][]string, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "clusters", tracing.DBOperationTx)
	defer func() { endSpan(err) }()

	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer r.rollback(tx)

	out, err := ApplyMergesTx(ctx, tx, merges)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	r.logger.Debug("cluster merges applied", slog.Int("merges", len(merges)))
	return out, nil
}

// ApplyMergesTx applies merges inside a transaction owned by the caller and
// returns the resulting member list of every target cluster.
func ApplyMergesTx(ctx context.Context, tx *sql.Tx, merges []Merge) (map[string][]string, error) {
	out := make(map[string][]string, len(merges))
	for _, m := range merges {
		var members []string
		err := tx.QueryRowContext(ctx, `SELECT member_question_ids FROM clusters WHERE id = $1 FOR UPDATE`,
			m.IntoID).Scan(pq.Array(&members))
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrClusterNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("failed to lock cluster: %w", err)
		}

		for _, fromID := range m.FromIDs {
			if fromID == m.IntoID {
				continue
			}
			var fromMembers []string
			err := tx.QueryRowContext(ctx, `DELETE FROM clusters WHERE id = $1 RETURNING member_question_ids`,
				fromID).Scan(pq.Array(&fromMembers))
			if errors.Is(err, sql.ErrNoRows) {
				return nil, ErrClusterNotFound
			}
			if err != nil {
				return nil, fmt.Errorf("failed to remove merged cluster: %w", err)
			}
			for _, id := range fromMembers {
				if !slices.Contains(members, id) {
					members = append(members, id)
				}
			}
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE clusters SET member_question_ids = $2,
				representative_question_id = COALESCE(NULLIF($3, '')::uuid, representative_question_id)
			WHERE id = $1`, m.IntoID, pq.Array(members), m.Representative); err != nil {
			return nil, fmt.Errorf("failed to update merged cluster: %w", err)
		}
		out[m.IntoID] = members
	}
	return out, nil
}

// SetRepresentative updates a cluster's representative.
func (r *PostgresRepository) SetRepresentative(ctx context.Context, clusterID, questionID string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE clusters SET representative_question_id = $2 WHERE id = $1`, clusterID, questionID)
	if err != nil {
		return fmt.Errorf("failed to set representative: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrClusterNotFound
	}
	return nil
}
