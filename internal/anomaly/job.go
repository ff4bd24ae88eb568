package anomaly

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/onnwee/civicq/internal/vote"
)

// JobTypeLockstepScan labels batch rescoring in background job metrics.
const JobTypeLockstepScan = "lockstep_scan"

// JobMetrics provides centralized background job metrics tracking.
type JobMetrics interface {
	IncJobsTotal(jobType, status string)
	ObserveJobDuration(jobType string, seconds float64)
	IncJobErrors(jobType, errorType string)
}

// ContestSource lists contests to scan.
type ContestSource interface {
	ListContests(ctx context.Context) ([]string, error)
}

// VoteStore is the vote storage used by batch rescoring.
type VoteStore interface {
	ListByContest(ctx context.Context, contestID string) ([]*vote.Vote, error)
	UpdateScores(ctx context.Context, scores []vote.Score) error
}

// LockstepJobConfig configures the batch rescoring job.
type LockstepJobConfig struct {
	Logger     *slog.Logger
	JobMetrics JobMetrics
	Timeout    time.Duration
	// OnChanged is called for each contest whose vote weights changed, so
	// the next ranking recompute picks them up. Published rankings are not
	// rewritten.
	OnChanged func(contestID string)
}

// DefaultLockstepTimeout bounds one scan over all contests.
const DefaultLockstepTimeout = 5 * time.Minute

// weightEpsilon ignores float noise when comparing weights.
const weightEpsilon = 1e-9

// LockstepJob periodically rescores every vote with all signals,
// including lockstep correlation. It is triggered by the scheduler.
type LockstepJob struct {
	config   LockstepJobConfig
	scorer   *Scorer
	contests ContestSource
	votes    VoteStore
}

// NewLockstepJob creates a batch rescoring job.
func NewLockstepJob(config LockstepJobConfig, scorer *Scorer, contests ContestSource, votes VoteStore) *LockstepJob {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultLockstepTimeout
	}
	return &LockstepJob{config: config, scorer: scorer, contests: contests, votes: votes}
}

// Name identifies the job to the scheduler.
func (j *LockstepJob) Name() string {
	return JobTypeLockstepScan
}

// Run rescores every contest once.
func (j *LockstepJob) Run(parentCtx context.Context) error {
	ctx, cancel := context.WithTimeout(parentCtx, j.config.Timeout)
	defer cancel()

	start := time.Now()
	contests, err := j.contests.ListContests(ctx)
	if err != nil {
		j.finish(start, "storage_error")
		return err
	}

	var errs []error
	for _, contestID := range contests {
		if err := ctx.Err(); err != nil {
			j.config.Logger.Error("lockstep scan timeout exceeded",
				slog.String("contest_id", contestID),
				slog.Duration("timeout", j.config.Timeout))
			j.finish(start, "timeout")
			return err
		}
		if err := j.RescoreContest(ctx, contestID); err != nil {
			j.config.Logger.Error("failed to rescore contest votes",
				slog.String("contest_id", contestID),
				slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		j.finish(start, "storage_error")
		return errors.Join(errs...)
	}
	j.finish(start, "")
	return nil
}

// RescoreContest recomputes and stores scores for one contest. Only votes
// whose weight or risk changed are written.
func (j *LockstepJob) RescoreContest(ctx context.Context, contestID string) error {
	votes, err := j.votes.ListByContest(ctx, contestID)
	if err != nil {
		return err
	}
	if len(votes) == 0 {
		return nil
	}

	scores, groups := j.scorer.Rescore(votes)
	current := make(map[string]*vote.Vote, len(votes))
	for _, v := range votes {
		current[v.ID] = v
	}

	var changed []vote.Score
	for _, s := range scores {
		v := current[s.VoteID]
		if math.Abs(v.Weight-s.Weight) > weightEpsilon || math.Abs(v.RiskScore-s.RiskScore) > weightEpsilon {
			changed = append(changed, s)
		}
	}

	j.scorer.metrics.addLockstepGroups(groups)
	if len(changed) == 0 {
		return nil
	}
	if err := j.votes.UpdateScores(ctx, changed); err != nil {
		return err
	}
	j.scorer.metrics.addRescored(len(changed))

	j.config.Logger.Info("contest votes rescored",
		slog.String("contest_id", contestID),
		slog.Int("votes", len(votes)),
		slog.Int("changed", len(changed)),
		slog.Int("lockstep_groups", groups))

	if j.config.OnChanged != nil {
		j.config.OnChanged(contestID)
	}
	return nil
}

func (j *LockstepJob) finish(start time.Time, errorType string) {
	if j.config.JobMetrics == nil {
		return
	}
	duration := time.Since(start).Seconds()
	status := "success"
	if errorType != "" {
		status = "failure"
		j.config.JobMetrics.IncJobErrors(JobTypeLockstepScan, errorType)
	}
	j.config.JobMetrics.IncJobsTotal(JobTypeLockstepScan, status)
	j.config.JobMetrics.ObserveJobDuration(JobTypeLockstepScan, duration)
}
