package question

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/onnwee/civicq/internal/tracing"
)

// pqUniqueViolation is the PostgreSQL SQLSTATE for unique_violation.
const pqUniqueViolation = "23505"

const questionColumns = `id, contest_id, author_id, current_version_id, text, issue_tags, embedding,
	cluster_id, status, merged_into, upvotes, downvotes, rank_score, is_flagged, created_at, updated_at`

// PostgresRepository implements Repository on PostgreSQL.
// Version numbering is linearized with SELECT ... FOR UPDATE on the question
// row and backed by UNIQUE (question_id, version_number).
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQuestion(row rowScanner) (*Question, error) {
	var (
		q          Question
		authorID   sql.NullString
		versionID  sql.NullString
		clusterID  sql.NullString
		mergedInto sql.NullString
		status     string
		embedding  []float32
	)
	err := row.Scan(&q.ID, &q.ContestID, &authorID, &versionID, &q.Text, pq.Array(&q.IssueTags),
		pq.Array(&embedding), &clusterID, &status, &mergedInto, &q.Upvotes, &q.Downvotes,
		&q.RankScore, &q.IsFlagged, &q.CreatedAt, &q.UpdatedAt)
	if err != nil {
		return nil, err
	}
	q.Status = Status(status)
	q.Embedding = embedding
	q.CurrentVersionID = versionID.String
	q.ClusterID = clusterID.String
	if authorID.Valid {
		q.AuthorID = &authorID.String
	}
	if mergedInto.Valid {
		q.MergedInto = &mergedInto.String
	}
	return &q, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullablePtr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return nullable(*s)
}

// rollback is deferred after BeginTx; it is a no-op after Commit.
func (r *PostgresRepository) rollback(tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		r.logger.Warn("failed to rollback transaction",
			slog.String("error", err.Error()))
	}
}

// Create inserts the question and version 1 in one transaction.
func (r *PostgresRepository) Create(ctx context.Context, q *Question, editorID string) (*Version, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, ErrEmptyText
	}
	if q.ID == "" {
		q.ID = uuid.New().String()
	}
	if q.Status == "" {
		q.Status = StatusPending
	}
	if q.CreatedAt.IsZero() {
		q.CreatedAt = time.Now().UTC()
	}

	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer r.rollback(tx)

	err = tx.QueryRowContext(ctx, `
		INSERT INTO questions (id, contest_id, author_id, text, issue_tags, embedding, cluster_id, status, merged_into, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		RETURNING created_at, updated_at`,
		q.ID, q.ContestID, nullablePtr(q.AuthorID), q.Text, pq.Array(q.IssueTags), pq.Array(q.Embedding),
		nullable(q.ClusterID), string(q.Status), nullablePtr(q.MergedInto), q.CreatedAt,
	).Scan(&q.CreatedAt, &q.UpdatedAt)
	if err != nil {
		r.logger.Error("failed to insert question",
			slog.String("error", err.Error()),
			slog.String("contest_id", q.ContestID))
		return nil, fmt.Errorf("failed to insert question: %w", err)
	}

	v := &Version{
		ID:            uuid.New().String(),
		QuestionID:    q.ID,
		VersionNumber: 1,
		Text:          q.Text,
		EditAuthorID:  editorID,
		EditReason:    "initial submission",
	}
	if err := insertVersion(ctx, tx, v); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE questions SET current_version_id = $2 WHERE id = $1`, q.ID, v.ID); err != nil {
		return nil, fmt.Errorf("failed to set current version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	q.CurrentVersionID = v.ID
	return v, nil
}

func insertVersion(ctx context.Context, tx *sql.Tx, v *Version) error {
	err := tx.QueryRowContext(ctx, `
		INSERT INTO question_versions (id, question_id, version_number, text, edit_author_id, edit_reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		RETURNING created_at`,
		v.ID, v.QuestionID, v.VersionNumber, v.Text, v.EditAuthorID, v.EditReason,
	).Scan(&v.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
			return ErrVersionConflict
		}
		return fmt.Errorf("failed to insert version: %w", err)
	}
	return nil
}

// Get returns a question by id.
func (r *PostgresRepository) Get(ctx context.Context, id string) (*Question, error) {
	q, err := scanQuestion(r.db.QueryRowContext(ctx, `SELECT `+questionColumns+` FROM questions WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrQuestionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get question: %w", err)
	}
	return q, nil
}

// ListByContest returns all questions in a contest.
func (r *PostgresRepository) ListByContest(ctx context.Context, contestID string) ([]*Question, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+questionColumns+` FROM questions
		WHERE contest_id = $1 ORDER BY created_at ASC, id ASC`, contestID)
	if err != nil {
		return nil, fmt.Errorf("failed to list questions: %w", err)
	}
	defer rows.Close()

	var out []*Question
	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan question: %w", err)
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// ListContests returns every contest id with questions.
func (r *PostgresRepository) ListContests(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT DISTINCT contest_id FROM questions ORDER BY contest_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list contests: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) exec(ctx context.Context, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update question: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrQuestionNotFound
	}
	return nil
}

// UpdateStatus changes status after checking the transition under a row lock.
func (r *PostgresRepository) UpdateStatus(ctx context.Context, id string, status Status, mergedInto *string) error {
	if !status.Valid() {
		return ErrInvalidTransition
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer r.rollback(tx)

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM questions WHERE id = $1 FOR UPDATE`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrQuestionNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to lock question: %w", err)
	}
	if !CanTransition(Status(current), status) {
		return ErrInvalidTransition
	}
	if _, err := tx.ExecContext(ctx, `UPDATE questions SET status = $2, merged_into = $3, updated_at = NOW() WHERE id = $1`,
		id, string(status), nullablePtr(mergedInto)); err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}
	return tx.Commit()
}

// SetFlagged records the moderation flag count.
func (r *PostgresRepository) SetFlagged(ctx context.Context, id string, flagged int) error {
	return r.exec(ctx, `UPDATE questions SET is_flagged = $2, updated_at = NOW() WHERE id = $1`, id, flagged)
}

// SetEmbedding stores the embedding; nil clears it.
func (r *PostgresRepository) SetEmbedding(ctx context.Context, id string, embedding []float32) error {
	return r.exec(ctx, `UPDATE questions SET embedding = $2, updated_at = NOW() WHERE id = $1`, id, pq.Array(embedding))
}

// SetCluster assigns the cluster id.
func (r *PostgresRepository) SetCluster(ctx context.Context, id, clusterID string) error {
	return r.exec(ctx, `UPDATE questions SET cluster_id = $2, updated_at = NOW() WHERE id = $1`, id, nullable(clusterID))
}

// SetTally stores vote counts.
func (r *PostgresRepository) SetTally(ctx context.Context, id string, upvotes, downvotes int) error {
	return r.exec(ctx, `UPDATE questions SET upvotes = $2, downvotes = $3, updated_at = NOW() WHERE id = $1`, id, upvotes, downvotes)
}

// ApplyRanking writes all updates in a single transaction.
func (r *PostgresRepository) ApplyRanking(ctx context.Context, updates []RankUpdate) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "questions", tracing.DBOperationTx)
	defer func() { endSpan(err) }()

	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer r.rollback(tx)

	if err := ApplyRankingTx(ctx, tx, updates); err != nil {
		r.logger.Error("failed to apply ranking updates",
			slog.Int("updates", len(updates)),
			slog.String("error", err.Error()))
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ApplyRankingTx applies rank updates inside a transaction owned by the
// caller.
func ApplyRankingTx(ctx context.Context, tx *sql.Tx, updates []RankUpdate) error {
	for _, u := range updates {
		var (
			res sql.Result
			err error
		)
		if u.Status != "" {
			res, err = tx.ExecContext(ctx, `
				UPDATE questions SET rank_score = $2, cluster_id = COALESCE($3, cluster_id),
					status = $4, merged_into = $5, updated_at = NOW()
				WHERE id = $1`,
				u.QuestionID, u.RankScore, nullable(u.ClusterID), string(u.Status), nullablePtr(u.MergedInto))
		} else {
			res, err = tx.ExecContext(ctx, `
				UPDATE questions SET rank_score = $2, cluster_id = COALESCE($3, cluster_id), updated_at = NOW()
				WHERE id = $1`,
				u.QuestionID, u.RankScore, nullable(u.ClusterID))
		}
		if err != nil {
			return fmt.Errorf("failed to apply ranking update for %s: %w", u.QuestionID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrQuestionNotFound
		}
	}
	return nil
}

// CreateVersion locks the question row, appends max+1 and updates the
// question's current version in the same transaction.
func (r *PostgresRepository) CreateVersion(ctx context.Context, questionID, text, editorID, reason string) (_ *Version, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "question_versions", tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyText
	}

	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer r.rollback(tx)

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM questions WHERE id = $1 FOR UPDATE`, questionID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrQuestionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock question: %w", err)
	}
	if Status(status) == StatusRemoved {
		return nil, ErrQuestionNotEditable
	}

	var next int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version_number), 0) + 1 FROM question_versions WHERE question_id = $1`,
		questionID).Scan(&next); err != nil {
		return nil, fmt.Errorf("failed to compute version number: %w", err)
	}

	v := &Version{
		ID:            uuid.New().String(),
		QuestionID:    questionID,
		VersionNumber: next,
		Text:          text,
		EditAuthorID:  editorID,
		EditReason:    reason,
	}
	if err := insertVersion(ctx, tx, v); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE questions SET current_version_id = $2, text = $3, updated_at = NOW() WHERE id = $1`,
		questionID, v.ID, text); err != nil {
		return nil, fmt.Errorf("failed to update current version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	r.logger.Info("question version created",
		slog.String("question_id", questionID),
		slog.Int("version_number", next))
	return v, nil
}

const versionColumns = `id, question_id, version_number, text, edit_author_id, edit_reason, created_at`

func scanVersion(row rowScanner) (*Version, error) {
	var v Version
	if err := row.Scan(&v.ID, &v.QuestionID, &v.VersionNumber, &v.Text, &v.EditAuthorID, &v.EditReason, &v.CreatedAt); err != nil {
		return nil, err
	}
	return &v, nil
}

// GetVersionAt returns version number n.
func (r *PostgresRepository) GetVersionAt(ctx context.Context, questionID string, number int) (*Version, error) {
	v, err := scanVersion(r.db.QueryRowContext(ctx, `SELECT `+versionColumns+` FROM question_versions
		WHERE question_id = $1 AND version_number = $2`, questionID, number))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrVersionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get version: %w", err)
	}
	return v, nil
}

// GetVersionByID returns a version by id.
func (r *PostgresRepository) GetVersionByID(ctx context.Context, versionID string) (*Version, error) {
	v, err := scanVersion(r.db.QueryRowContext(ctx, `SELECT `+versionColumns+` FROM question_versions WHERE id = $1`, versionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrVersionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get version: %w", err)
	}
	return v, nil
}

// ListVersions returns all versions of a question.
func (r *PostgresRepository) ListVersions(ctx context.Context, questionID string) ([]*Version, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+versionColumns+` FROM question_versions
		WHERE question_id = $1 ORDER BY version_number ASC`, questionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list versions: %w", err)
	}
	defer rows.Close()

	var out []*Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		if _, err := r.Get(ctx, questionID); err != nil {
			return nil, err
		}
	}
	return out, nil
}
