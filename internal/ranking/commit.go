package ranking

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/onnwee/civicq/internal/cluster"
	"github.com/onnwee/civicq/internal/question"
	"github.com/onnwee/civicq/internal/tracing"
)

// CommitPlan is the storage side of one recompute.
type CommitPlan struct {
	// Updates carries rank scores, merge statuses and the cluster ids implied
	// by the planned merges.
	Updates []question.RankUpdate
	Merges  []cluster.Merge
	// Reconcile returns cluster id fixes for questions the merges moved that
	// Updates did not cover, such as duplicates attached after the recompute
	// read the contest. May be nil.
	Reconcile func(members map[string][]string) []question.RankUpdate
}

// Committer applies a CommitPlan.
type Committer interface {
	Commit(ctx context.Context, plan CommitPlan) error
}

// StoreCommitter applies a plan through the question and cluster stores.
// Question updates are written first: when the merge step fails every
// question still points at an existing cluster, and the next recompute
// plans the same merges again from the stored statuses.
type StoreCommitter struct {
	Questions QuestionStore
	Clusters  ClusterStore
}

// Commit applies the plan.
func (c StoreCommitter) Commit(ctx context.Context, plan CommitPlan) error {
	if err := c.Questions.ApplyRanking(ctx, plan.Updates); err != nil {
		return fmt.Errorf("apply rank updates: %w", err)
	}
	if len(plan.Merges) == 0 {
		return nil
	}
	members, err := c.Clusters.ApplyMerges(ctx, plan.Merges)
	if err != nil {
		return fmt.Errorf("apply cluster merges: %w", err)
	}
	if plan.Reconcile == nil {
		return nil
	}
	if fixes := plan.Reconcile(members); len(fixes) > 0 {
		if err := c.Questions.ApplyRanking(ctx, fixes); err != nil {
			return fmt.Errorf("reconcile cluster ids: %w", err)
		}
	}
	return nil
}

// PostgresCommitter applies a plan in one transaction spanning the
// questions and clusters tables.
type PostgresCommitter struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresCommitter creates a PostgresCommitter.
func NewPostgresCommitter(db *sql.DB, logger *slog.Logger) *PostgresCommitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresCommitter{db: db, logger: logger}
}

// Commit applies the plan or nothing.
func (c *PostgresCommitter) Commit(ctx context.Context, plan CommitPlan) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "questions", tracing.DBOperationTx)
	defer func() { endSpan(err) }()

	tx, err := c.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			c.logger.Warn("failed to rollback transaction",
				slog.String("error", err.Error()))
		}
	}()

	if err := question.ApplyRankingTx(ctx, tx, plan.Updates); err != nil {
		return fmt.Errorf("apply rank updates: %w", err)
	}
	if len(plan.Merges) > 0 {
		members, err := cluster.ApplyMergesTx(ctx, tx, plan.Merges)
		if err != nil {
			return fmt.Errorf("apply cluster merges: %w", err)
		}
		if plan.Reconcile != nil {
			if err := question.ApplyRankingTx(ctx, tx, plan.Reconcile(members)); err != nil {
				return fmt.Errorf("reconcile cluster ids: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
