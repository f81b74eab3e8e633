package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/fitstream-app/fitstream-backend/pkg/config"
	"github.com/fitstream-app/fitstream-backend/pkg/db/models"
	"github.com/fitstream-app/fitstream-backend/pkg/enums"
	pkgerrors "github.com/fitstream-app/fitstream-backend/pkg/errors"
	"github.com/fitstream-app/fitstream-backend/pkg/logger"
	"github.com/fitstream-app/fitstream-backend/pkg/metrics"
)

type staleJobsRepository interface {
	ListStaleProcessing(ctx context.Context, cutoff time.Time) ([]models.TranscodeJob, error)
	MarkFailed(ctx context.Context, id uuid.UUID, reason string, retryable bool, maxAttempts int, delay time.Duration) (bool, error)
	CountByStatus(ctx context.Context, status enums.JobStatus) (int64, error)
}

type staleUploadsRepository interface {
	ListStuckReceiving(ctx context.Context, cutoff time.Time) ([]models.UploadTask, error)
	ListStalledIngest(ctx context.Context, cutoff time.Time) ([]models.UploadTask, error)
	MarkFailed(ctx context.Context, id uuid.UUID, reason pkgerrors.Code, message string) error
	CountByStatus(ctx context.Context, status enums.UploadStatus) (int64, error)
}

// sweepLocker is the distributed lock so only one worker instance sweeps per
// interval.
type sweepLocker interface {
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	LockKey(name string) string
}

// Sweeper is the crash-recovery loop. A job whose worker died stops
// heartbeating; the sweeper fails the attempt as a timeout so the normal
// retry budget applies. It also feeds the queue depth gauges.
type Sweeper struct {
	jobs       staleJobsRepository
	uploads    staleUploadsRepository
	locker     sweepLocker
	log        *logger.Logger
	metrics    *metrics.PipelineMetrics
	cfg        config.PipelineConfig
	instanceID string
}

// NewSweeper validates wiring. The locker may be nil; sweeping then assumes a
// single worker instance. Metrics may be nil.
func NewSweeper(jobs staleJobsRepository, uploads staleUploadsRepository, locker sweepLocker, log *logger.Logger, pipelineMetrics *metrics.PipelineMetrics, cfg config.PipelineConfig, instanceID string) (*Sweeper, error) {
	if jobs == nil {
		return nil, errors.New("jobs repository required")
	}
	if uploads == nil {
		return nil, errors.New("uploads repository required")
	}
	if log == nil {
		return nil, errors.New("logger required")
	}
	return &Sweeper{
		jobs:       jobs,
		uploads:    uploads,
		locker:     locker,
		log:        log,
		metrics:    pipelineMetrics,
		cfg:        cfg,
		instanceID: instanceID,
	}, nil
}

// Run blocks until ctx is done. It sweeps once immediately, recovering work
// orphaned by a previous crash, then once per interval.
func (s *Sweeper) Run(ctx context.Context) error {
	if err := s.Sweep(ctx); err != nil {
		s.log.Error(ctx, "sweep pass failed", err)
	}
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				s.log.Error(ctx, "sweep pass failed", err)
			}
		}
	}
}

// Sweep performs one pass. Individual row failures do not stop the pass; they
// are collected and returned together.
func (s *Sweeper) Sweep(ctx context.Context) error {
	if s.locker != nil {
		acquired, err := s.locker.SetNX(ctx, s.locker.LockKey("sweeper"), s.instanceID, s.cfg.SweepInterval)
		if err != nil {
			return err
		}
		if !acquired {
			return nil
		}
	}

	var errs error
	errs = multierr.Append(errs, s.sweepStaleJobs(ctx))
	errs = multierr.Append(errs, s.sweepIdleUploads(ctx))
	errs = multierr.Append(errs, s.sweepStalledIngest(ctx))
	s.updateGauges(ctx)
	return errs
}

func (s *Sweeper) sweepStaleJobs(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-s.cfg.HeartbeatExpiry)
	stale, err := s.jobs.ListStaleProcessing(ctx, cutoff)
	if err != nil {
		return err
	}

	var errs error
	for _, job := range stale {
		jobCtx := s.log.WithJobID(ctx, job.ID.String())
		delay := retryDelay(s.cfg.BackoffBase, s.cfg.BackoffCap, job.AttemptCount)
		terminal, err := s.jobs.MarkFailed(ctx, job.ID, string(pkgerrors.CodeTimeout), true, s.cfg.MaxAttempts, delay)
		if err != nil {
			// another sweeper or the returning worker got there first
			if typed := pkgerrors.As(err); typed != nil && typed.Code() == pkgerrors.CodeStateConflict {
				continue
			}
			errs = multierr.Append(errs, err)
			continue
		}
		if terminal {
			s.metrics.IncFailure("transcode", string(job.Quality), string(pkgerrors.CodeTimeout))
			s.log.Warn(jobCtx, "stale job exhausted its attempt budget")
		} else {
			s.metrics.IncRetry("transcode")
			s.log.Warn(jobCtx, "stale job requeued with backoff")
		}
	}
	return errs
}

func (s *Sweeper) sweepIdleUploads(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-s.cfg.UploadIdleCutoff)
	stuck, err := s.uploads.ListStuckReceiving(ctx, cutoff)
	if err != nil {
		return err
	}
	return s.failUploads(ctx, stuck, "upload idle past deadline", "idle upload failed by sweeper")
}

// sweepStalledIngest fails uploads whose owning worker died between the
// assembly claim and completion. The row would otherwise sit mid-pipeline
// forever since nothing else touches a claimed upload.
func (s *Sweeper) sweepStalledIngest(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-s.cfg.IngestStallCutoff)
	stalled, err := s.uploads.ListStalledIngest(ctx, cutoff)
	if err != nil {
		return err
	}
	return s.failUploads(ctx, stalled, "ingest interrupted by worker crash", "stalled ingest failed by sweeper")
}

func (s *Sweeper) failUploads(ctx context.Context, tasks []models.UploadTask, message, logMsg string) error {
	var errs error
	for _, task := range tasks {
		taskCtx := s.log.WithUploadID(ctx, task.ID.String())
		err := s.uploads.MarkFailed(ctx, task.ID, pkgerrors.CodeTimeout, message)
		if err != nil {
			// the task moved on or another sweeper got there first
			if typed := pkgerrors.As(err); typed != nil && typed.Code() == pkgerrors.CodeStateConflict {
				continue
			}
			errs = multierr.Append(errs, err)
			continue
		}
		s.log.Warn(taskCtx, logMsg)
	}
	return errs
}

func (s *Sweeper) updateGauges(ctx context.Context) {
	if queued, err := s.jobs.CountByStatus(ctx, enums.JobStatusQueued); err == nil {
		s.metrics.SetQueueDepth("transcode", int(queued))
	}
	if receiving, err := s.uploads.CountByStatus(ctx, enums.UploadStatusReceiving); err == nil {
		s.metrics.SetQueueDepth("assembly", int(receiving))
	}
}
