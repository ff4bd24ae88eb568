package ranking

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// JobTypeRankingRecompute labels recompute runs in background job metrics.
const JobTypeRankingRecompute = "ranking_recompute"

// RecomputeJobConfig configures the ranking recompute job.
type RecomputeJobConfig struct {
	// Interval is the duration between recompute cycles.
	Interval time.Duration
	// MinInterval is the minimum spacing between attempts for one contest,
	// so a failing dependency is not retried faster than the normal cadence.
	MinInterval time.Duration
	// BurstThreshold triggers an immediate recompute once a contest has
	// received this many votes since its last run. Zero disables bursts.
	BurstThreshold int
	// Logger for job activity.
	Logger *slog.Logger
	// JobMetrics for centralized background job tracking.
	JobMetrics JobMetrics
	// Timeout for each recompute cycle.
	Timeout time.Duration
}

// JobMetrics provides centralized background job metrics tracking.
type JobMetrics interface {
	IncJobsTotal(jobType, status string)
	ObserveJobDuration(jobType string, seconds float64)
	IncJobErrors(jobType, errorType string)
}

// DefaultRecomputeInterval is the default interval between recompute cycles.
const DefaultRecomputeInterval = 30 * time.Second

// DefaultRecomputeTimeout is the default timeout for a single recompute cycle.
const DefaultRecomputeTimeout = 5 * time.Minute

// RecomputeJob periodically recomputes rankings for dirty contests.
type RecomputeJob struct {
	config      RecomputeJobConfig
	dirty       *DirtyTracker
	coordinator *Coordinator

	mu          sync.Mutex
	running     bool
	stopCh      chan struct{}
	doneCh      chan struct{}
	lastAttempt map[string]time.Time
}

// NewRecomputeJob creates a new ranking recompute job.
func NewRecomputeJob(config RecomputeJobConfig, dirty *DirtyTracker, coordinator *Coordinator) *RecomputeJob {
	if config.Interval == 0 {
		config.Interval = DefaultRecomputeInterval
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultRecomputeTimeout
	}

	return &RecomputeJob{
		config:      config,
		dirty:       dirty,
		coordinator: coordinator,
		lastAttempt: make(map[string]time.Time),
	}
}

// Start begins the periodic recompute job.
// Returns immediately; the job runs in a background goroutine.
func (j *RecomputeJob) Start(ctx context.Context) error {
	j.mu.Lock()
	if j.running {
		j.mu.Unlock()
		return nil
	}
	j.running = true
	j.stopCh = make(chan struct{})
	j.doneCh = make(chan struct{})
	j.mu.Unlock()

	go j.run(ctx)
	return nil
}

// Stop signals the recompute job to stop and waits for it to finish.
func (j *RecomputeJob) Stop() {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return
	}
	stopCh := j.stopCh
	doneCh := j.doneCh
	j.mu.Unlock()

	close(stopCh)
	<-doneCh

	j.mu.Lock()
	j.running = false
	j.mu.Unlock()
}

// IsRunning returns whether the job is currently running.
func (j *RecomputeJob) IsRunning() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.running
}

func (j *RecomputeJob) run(ctx context.Context) {
	defer close(j.doneCh)

	ticker := time.NewTicker(j.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.config.Logger.Info("ranking recompute job stopping due to context cancellation")
			return
		case <-j.stopCh:
			j.config.Logger.Info("ranking recompute job stopping due to stop signal")
			return
		case <-ticker.C:
			j.recomputeDirtyContests(ctx)
		}
	}
}

// NotifyChange marks a contest dirty after a submission or moderation change.
func (j *RecomputeJob) NotifyChange(contestID string) {
	j.dirty.MarkDirty(contestID)
}

// NotifyVote records a vote and starts an immediate recompute once the
// contest reaches BurstThreshold votes since its last run.
func (j *RecomputeJob) NotifyVote(ctx context.Context, contestID string) {
	count := j.dirty.RecordVote(contestID)
	if j.config.BurstThreshold <= 0 || count < j.config.BurstThreshold {
		return
	}
	if !j.claim(contestID, time.Now()) {
		return
	}
	startedAt := time.Now()
	j.config.Logger.Debug("vote burst threshold reached, triggering recompute",
		slog.String("contest_id", contestID),
		slog.Int("votes", count))
	go func() {
		if err := j.coordinator.Recompute(context.WithoutCancel(ctx), contestID); err == nil {
			j.dirty.ClearDirty(contestID, startedAt)
		}
	}()
}

// claim records an attempt for the contest unless one happened within MinInterval.
func (j *RecomputeJob) claim(contestID string, now time.Time) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if last, ok := j.lastAttempt[contestID]; ok && now.Sub(last) < j.config.MinInterval {
		return false
	}
	j.lastAttempt[contestID] = now
	return true
}

// recomputeDirtyContests processes all dirty contests.
func (j *RecomputeJob) recomputeDirtyContests(parentCtx context.Context) {
	contests := j.dirty.GetDirtyContests()
	if len(contests) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(parentCtx, j.config.Timeout)
	defer cancel()

	startTime := time.Now()
	var successCount, skipped int
	var lastErr error

	j.config.Logger.Info("recomputing contest rankings",
		slog.Int("dirty_count", len(contests)))

	for i, contestID := range contests {
		if err := ctx.Err(); err != nil {
			j.config.Logger.Error("ranking recompute timeout exceeded",
				slog.Int("processed", i),
				slog.Int("total", len(contests)),
				slog.Duration("timeout", j.config.Timeout))
			j.finish(startTime, "failure", "timeout")
			return
		}
		if !j.claim(contestID, time.Now()) {
			skipped++
			continue
		}

		startedAt := time.Now()
		if err := j.coordinator.Recompute(ctx, contestID); err != nil {
			lastErr = err
			continue
		}
		j.dirty.ClearDirty(contestID, startedAt)
		successCount++
	}

	status := "success"
	errorType := ""
	if attempted := len(contests) - skipped; successCount < attempted {
		status = "failure"
		errorType = "recompute_error"
		var stageErr *StageError
		if errors.As(lastErr, &stageErr) {
			errorType = stageErr.Stage
		}
	}
	j.finish(startTime, status, errorType)

	j.config.Logger.Info("ranking recompute completed",
		slog.Float64("duration_seconds", time.Since(startTime).Seconds()),
		slog.Int("contests_processed", successCount),
		slog.Int("contests_failed", len(contests)-skipped-successCount),
		slog.Int("contests_deferred", skipped))
}

func (j *RecomputeJob) finish(start time.Time, status, errorType string) {
	if j.config.JobMetrics == nil {
		return
	}
	if errorType != "" {
		j.config.JobMetrics.IncJobErrors(JobTypeRankingRecompute, errorType)
	}
	j.config.JobMetrics.IncJobsTotal(JobTypeRankingRecompute, status)
	j.config.JobMetrics.ObserveJobDuration(JobTypeRankingRecompute, time.Since(start).Seconds())
}

// RecomputeNow immediately recomputes all dirty contests without waiting for the ticker.
// This is useful for testing or forcing immediate updates.
func (j *RecomputeJob) RecomputeNow() {
	j.recomputeDirtyContests(context.Background())
}
