package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/onnwee/civicq/internal/jobs"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type countingJob struct {
	name string
	runs atomic.Int32
	err  error
}

func (j *countingJob) Name() string { return j.name }

func (j *countingJob) Run(ctx context.Context) error {
	j.runs.Add(1)
	return j.err
}

func TestAdd_InvalidSpec(t *testing.T) {
	s := New(Config{Logger: testLogger()})
	if err := s.Add("every ten minutes", &countingJob{name: "lockstep_scan"}); err == nil {
		t.Fatal("Add() accepted an invalid spec")
	}
	if !s.Next("lockstep_scan").IsZero() {
		t.Error("invalid job was scheduled")
	}
}

func TestAdd_ReplacesByName(t *testing.T) {
	s := New(Config{Logger: testLogger()})
	first := &countingJob{name: "index_rebuild"}
	second := &countingJob{name: "index_rebuild"}
	if err := s.Add("@every 1h", first); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if err := s.Add("@every 2h", second); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if n := len(s.cron.Entries()); n != 1 {
		t.Fatalf("entries = %d, want 1", n)
	}
	if err := s.RunNow(context.Background(), "index_rebuild"); err != nil {
		t.Fatalf("RunNow() error = %v", err)
	}
	if first.runs.Load() != 0 || second.runs.Load() != 1 {
		t.Errorf("runs = %d/%d, want replaced job only", first.runs.Load(), second.runs.Load())
	}
}

func TestRunNow(t *testing.T) {
	s := New(Config{Logger: testLogger()})
	if err := s.RunNow(context.Background(), "missing"); !errors.Is(err, ErrUnknownJob) {
		t.Errorf("RunNow(missing) error = %v, want ErrUnknownJob", err)
	}

	boom := errors.New("rebuild failed")
	job := &countingJob{name: "lockstep_scan", err: boom}
	if err := s.Add("@every 10m", job); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if err := s.RunNow(context.Background(), "lockstep_scan"); !errors.Is(err, boom) {
		t.Errorf("RunNow() error = %v, want %v", err, boom)
	}
}

func TestFuncJob_RecordsMetrics(t *testing.T) {
	metrics := jobs.NewMetrics()
	reg := prometheus.NewRegistry()
	if err := metrics.Register(reg); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	calls := 0
	job := NewFuncJob(jobs.JobTypeIndexRebuild, func(ctx context.Context) error {
		calls++
		if calls == 2 {
			return errors.New("graph build failed")
		}
		return nil
	}, metrics)

	_ = job.Run(context.Background())
	_ = job.Run(context.Background())

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	byStatus := map[string]float64{}
	for _, f := range families {
		if f.GetName() != jobs.MetricBackgroundJobsTotal {
			continue
		}
		for _, m := range f.GetMetric() {
			if labelValue(m, "job_type") == jobs.JobTypeIndexRebuild {
				byStatus[labelValue(m, "status")] = m.GetCounter().GetValue()
			}
		}
	}
	if byStatus[jobs.StatusSuccess] != 1 || byStatus[jobs.StatusFailure] != 1 {
		t.Errorf("jobs by status = %v, want one success and one failure", byStatus)
	}
}

func labelValue(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}

func TestStartStop(t *testing.T) {
	s := New(Config{Logger: testLogger()})
	job := &countingJob{name: "lockstep_scan"}
	if err := s.Add("@every 1s", job); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	s.Start()
	s.Start()
	if !s.IsRunning() {
		t.Fatal("scheduler not running after Start")
	}
	if s.Next("lockstep_scan").IsZero() {
		t.Error("Next() is zero for a scheduled job")
	}

	deadline := time.Now().Add(3 * time.Second)
	for job.runs.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if job.runs.Load() == 0 {
		t.Fatal("job never ran")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if s.IsRunning() {
		t.Error("scheduler running after Stop")
	}
	s.Start()
	if s.IsRunning() {
		t.Error("stopped scheduler restarted")
	}
}

func TestStop_NotStarted(t *testing.T) {
	s := New(Config{Logger: testLogger()})
	if err := s.Stop(context.Background()); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
}
