package vote

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/onnwee/civicq/internal/tracing"
)

const voteColumns = `id, user_id, question_id, contest_id, value, weight, risk_score, metadata, verified,
	override_weight, created_at, updated_at`

// PostgresRepository implements Repository on PostgreSQL. Uniqueness of
// (user_id, question_id) is enforced by a unique index and INSERT ... ON CONFLICT.
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

func scanVote(row interface{ Scan(...any) error }) (*Vote, error) {
	var (
		v        Vote
		meta     []byte
		override sql.NullFloat64
	)
	err := row.Scan(&v.ID, &v.UserID, &v.QuestionID, &v.ContestID, &v.Value, &v.Weight, &v.RiskScore,
		&meta, &v.Verified, &override, &v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &v.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode vote metadata: %w", err)
		}
	}
	if override.Valid {
		v.Override = &override.Float64
	}
	return &v, nil
}

// Upsert inserts or updates the (user, question) vote in a single statement.
func (r *PostgresRepository) Upsert(ctx context.Context, v *Vote) (_ bool, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "votes", tracing.DBOperationUpsert)
	defer func() { endSpan(err) }()

	if !ValidValue(v.Value) {
		return false, ErrInvalidValue
	}
	if v.ID == "" {
		v.ID = uuid.New().String()
	}
	meta, err := json.Marshal(v.Metadata)
	if err != nil {
		return false, fmt.Errorf("failed to encode vote metadata: %w", err)
	}

	var (
		inserted bool
		override sql.NullFloat64
	)
	err = r.db.QueryRowContext(ctx, `
		INSERT INTO votes (id, user_id, question_id, contest_id, value, weight, risk_score, metadata, verified, created_at, updated_at)
		SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW()
		WHERE NOT EXISTS (SELECT 1 FROM frozen_contests WHERE contest_id = $4)
		ON CONFLICT (user_id, question_id) DO UPDATE SET
			value = EXCLUDED.value,
			weight = EXCLUDED.weight,
			risk_score = EXCLUDED.risk_score,
			metadata = EXCLUDED.metadata,
			verified = EXCLUDED.verified,
			updated_at = NOW()
		RETURNING id, created_at, updated_at, override_weight, (xmax = 0) AS inserted`,
		v.ID, v.UserID, v.QuestionID, v.ContestID, v.Value, v.Weight, v.RiskScore, meta, v.Verified,
	).Scan(&v.ID, &v.CreatedAt, &v.UpdatedAt, &override, &inserted)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrContestFrozen
	}
	if err != nil {
		r.logger.Error("failed to upsert vote",
			slog.String("error", err.Error()),
			slog.String("question_id", v.QuestionID))
		return false, fmt.Errorf("failed to upsert vote: %w", err)
	}
	v.Override = nil
	if override.Valid {
		v.Override = &override.Float64
	}
	return inserted, nil
}

// Get returns the vote of a user on a question.
func (r *PostgresRepository) Get(ctx context.Context, userID, questionID string) (*Vote, error) {
	v, err := scanVote(r.db.QueryRowContext(ctx, `SELECT `+voteColumns+` FROM votes
		WHERE user_id = $1 AND question_id = $2`, userID, questionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrVoteNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get vote: %w", err)
	}
	return v, nil
}

func (r *PostgresRepository) list(ctx context.Context, where string, args ...any) ([]*Vote, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+voteColumns+` FROM votes WHERE `+where+
		` ORDER BY created_at ASC, id ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list votes: %w", err)
	}
	defer rows.Close()

	var out []*Vote
	for rows.Next() {
		v, err := scanVote(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan vote: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// ListByQuestion returns a question's votes.
func (r *PostgresRepository) ListByQuestion(ctx context.Context, questionID string) ([]*Vote, error) {
	return r.list(ctx, `question_id = $1`, questionID)
}

// ListByContest returns a contest's votes.
func (r *PostgresRepository) ListByContest(ctx context.Context, contestID string) ([]*Vote, error) {
	return r.list(ctx, `contest_id = $1`, contestID)
}

// ListByUser returns a user's votes in a contest updated since the given time.
func (r *PostgresRepository) ListByUser(ctx context.Context, contestID, userID string, since time.Time) ([]*Vote, error) {
	return r.list(ctx, `contest_id = $1 AND user_id = $2 AND updated_at >= $3`, contestID, userID, since)
}

// UpdateScores writes recomputed scores with a single array update.
func (r *PostgresRepository) UpdateScores(ctx context.Context, scores []Score) error {
	if len(scores) == 0 {
		return nil
	}
	ids := make([]string, len(scores))
	risks := make([]float64, len(scores))
	weights := make([]float64, len(scores))
	for i, s := range scores {
		ids[i] = s.VoteID
		risks[i] = s.RiskScore
		weights[i] = s.Weight
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE votes AS v SET risk_score = s.risk, weight = s.weight
		FROM unnest($1::uuid[], $2::float8[], $3::float8[]) AS s(id, risk, weight)
		WHERE v.id = s.id`,
		pq.Array(ids), pq.Array(risks), pq.Array(weights))
	if err != nil {
		return fmt.Errorf("failed to update vote scores: %w", err)
	}
	return nil
}

// SetOverride sets or clears a moderator override.
func (r *PostgresRepository) SetOverride(ctx context.Context, userID, questionID string, weight *float64) error {
	if weight != nil && (*weight < 0 || *weight > 1) {
		return ErrInvalidWeight
	}
	var arg sql.NullFloat64
	if weight != nil {
		arg = sql.NullFloat64{Float64: *weight, Valid: true}
	}
	res, err := r.db.ExecContext(ctx, `UPDATE votes SET override_weight = $3, updated_at = NOW()
		WHERE user_id = $1 AND question_id = $2`, userID, questionID, arg)
	if err != nil {
		return fmt.Errorf("failed to set vote override: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrVoteNotFound
	}
	return nil
}

// Tally sums live votes and the frozen aggregate.
func (r *PostgresRepository) Tally(ctx context.Context, questionID string) (Tally, error) {
	var t Tally
	err := r.db.QueryRowContext(ctx, `
		SELECT
			COALESCE((SELECT COUNT(*) FROM votes WHERE question_id = $1 AND value > 0), 0)
				+ COALESCE((SELECT upvotes FROM vote_aggregates WHERE question_id = $1), 0),
			COALESCE((SELECT COUNT(*) FROM votes WHERE question_id = $1 AND value < 0), 0)
				+ COALESCE((SELECT downvotes FROM vote_aggregates WHERE question_id = $1), 0),
			COALESCE((SELECT SUM(COALESCE(override_weight, weight)) FROM votes WHERE question_id = $1 AND value > 0), 0)
				+ COALESCE((SELECT weighted_up FROM vote_aggregates WHERE question_id = $1), 0),
			COALESCE((SELECT SUM(COALESCE(override_weight, weight)) FROM votes WHERE question_id = $1 AND value < 0), 0)
				+ COALESCE((SELECT weighted_down FROM vote_aggregates WHERE question_id = $1), 0)`,
		questionID).Scan(&t.Upvotes, &t.Downvotes, &t.WeightedUp, &t.WeightedDown)
	if err != nil {
		return Tally{}, fmt.Errorf("failed to tally votes: %w", err)
	}
	return t, nil
}

// Freeze aggregates and deletes the contest's vote rows in a serializable
// transaction so no vote slips in between aggregation and deletion.
func (r *PostgresRepository) Freeze(ctx context.Context, contestID string) (_ []Aggregate, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "vote_aggregates", tracing.DBOperationTx)
	defer func() { endSpan(err) }()

	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			r.logger.Warn("failed to rollback freeze transaction",
				slog.String("error", err.Error()))
		}
	}()

	if _, err := tx.ExecContext(ctx, `INSERT INTO frozen_contests (contest_id, frozen_at) VALUES ($1, NOW())
		ON CONFLICT (contest_id) DO NOTHING`, contestID); err != nil {
		return nil, fmt.Errorf("failed to mark contest frozen: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `
		INSERT INTO vote_aggregates (question_id, contest_id, weighted_up, weighted_down, upvotes, downvotes, frozen_at)
		SELECT question_id, contest_id,
			COALESCE(SUM(COALESCE(override_weight, weight)) FILTER (WHERE value > 0), 0),
			COALESCE(SUM(COALESCE(override_weight, weight)) FILTER (WHERE value < 0), 0),
			COUNT(*) FILTER (WHERE value > 0),
			COUNT(*) FILTER (WHERE value < 0),
			NOW()
		FROM votes WHERE contest_id = $1
		GROUP BY question_id, contest_id
		ON CONFLICT (question_id) DO UPDATE SET
			weighted_up = vote_aggregates.weighted_up + EXCLUDED.weighted_up,
			weighted_down = vote_aggregates.weighted_down + EXCLUDED.weighted_down,
			upvotes = vote_aggregates.upvotes + EXCLUDED.upvotes,
			downvotes = vote_aggregates.downvotes + EXCLUDED.downvotes,
			frozen_at = EXCLUDED.frozen_at
		RETURNING question_id, contest_id, weighted_up, weighted_down, upvotes, downvotes, frozen_at`, contestID)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate votes: %w", err)
	}
	out, err := scanAggregates(rows)
	if err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM votes WHERE contest_id = $1`, contestID)
	if err != nil {
		return nil, fmt.Errorf("failed to delete frozen votes: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	deleted, _ := res.RowsAffected()
	r.logger.Info("contest votes frozen",
		slog.String("contest_id", contestID),
		slog.Int64("votes_aggregated", deleted),
		slog.Int("questions", len(out)))
	sortAggregates(out)
	return out, nil
}

func scanAggregates(rows *sql.Rows) ([]Aggregate, error) {
	defer rows.Close()
	var out []Aggregate
	for rows.Next() {
		var a Aggregate
		if err := rows.Scan(&a.QuestionID, &a.ContestID, &a.WeightedUp, &a.WeightedDown,
			&a.Upvotes, &a.Downvotes, &a.FrozenAt); err != nil {
			return nil, fmt.Errorf("failed to scan aggregate: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Aggregates returns a contest's frozen aggregates.
func (r *PostgresRepository) Aggregates(ctx context.Context, contestID string) ([]Aggregate, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT question_id, contest_id, weighted_up, weighted_down, upvotes, downvotes, frozen_at
		FROM vote_aggregates WHERE contest_id = $1 ORDER BY question_id`, contestID)
	if err != nil {
		return nil, fmt.Errorf("failed to list aggregates: %w", err)
	}
	return scanAggregates(rows)
}

// IsFrozen reports whether a contest is frozen.
func (r *PostgresRepository) IsFrozen(ctx context.Context, contestID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM frozen_contests WHERE contest_id = $1)`,
		contestID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check frozen contest: %w", err)
	}
	return exists, nil
}
