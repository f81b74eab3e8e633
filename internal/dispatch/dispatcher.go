package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/fitstream-app/fitstream-backend/internal/transcode"
	"github.com/fitstream-app/fitstream-backend/pkg/config"
	"github.com/fitstream-app/fitstream-backend/pkg/db/models"
	"github.com/fitstream-app/fitstream-backend/pkg/enums"
	pkgerrors "github.com/fitstream-app/fitstream-backend/pkg/errors"
	"github.com/fitstream-app/fitstream-backend/pkg/logger"
	"github.com/fitstream-app/fitstream-backend/pkg/metrics"
	"github.com/fitstream-app/fitstream-backend/pkg/outbox"
	"github.com/fitstream-app/fitstream-backend/pkg/outbox/payloads"
)

type uploadsClaimer interface {
	ClaimForAssembly(ctx context.Context) (*models.UploadTask, error)
}

type ingestPipeline interface {
	Process(ctx context.Context, task *models.UploadTask) error
}

type jobsRepository interface {
	ClaimNext(ctx context.Context) (*models.TranscodeJob, error)
	UpdateProgress(ctx context.Context, id uuid.UUID, pct int) error
	Heartbeat(ctx context.Context, id uuid.UUID) (bool, error)
	MarkCompleted(ctx context.Context, id uuid.UUID, output *transcode.Output) error
	MarkFailed(ctx context.Context, id uuid.UUID, reason string, retryable bool, maxAttempts int, delay time.Duration) (bool, error)
}

type jobExecutor interface {
	Execute(ctx context.Context, job *models.TranscodeJob, onProgress func(int)) (*transcode.Output, error)
}

type successRecorder interface {
	RecordSuccess(ctx context.Context, input RecordSuccessInput) error
}

// RecordSuccessInput mirrors the catalog's input so the dispatcher does not
// import it directly.
type RecordSuccessInput struct {
	AssetID    uuid.UUID
	JobID      uuid.UUID
	Quality    enums.Quality
	Path       string
	SizeBytes  int64
	Resolution string
	Bitrate    int64
}

type eventEmitter interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Params wires the dispatcher.
type Params struct {
	Uploads  uploadsClaimer
	Pipeline ingestPipeline
	Jobs     jobsRepository
	Executor jobExecutor
	Catalog  successRecorder
	Outbox   eventEmitter
	Tx       txRunner
	Logger   *logger.Logger
	Metrics  *metrics.PipelineMetrics
	Config   config.PipelineConfig
	Producer string
}

// heartbeatMissLimit is how many consecutive heartbeat failures a running job
// tolerates before its attempt is aborted. One flaky query must not kill a
// healthy codec run.
const heartbeatMissLimit = 3

// Dispatcher runs the worker pools: a bounded assembly pool claiming complete
// uploads and a bounded transcode pool claiming due jobs. Pools are sized
// independently and share nothing but the database.
type Dispatcher struct {
	params Params
}

// New validates wiring. Metrics may be nil.
func New(params Params) (*Dispatcher, error) {
	if params.Uploads == nil {
		return nil, errors.New("uploads claimer required")
	}
	if params.Pipeline == nil {
		return nil, errors.New("ingest pipeline required")
	}
	if params.Jobs == nil {
		return nil, errors.New("jobs repository required")
	}
	if params.Executor == nil {
		return nil, errors.New("job executor required")
	}
	if params.Catalog == nil {
		return nil, errors.New("success recorder required")
	}
	if params.Outbox == nil {
		return nil, errors.New("outbox emitter required")
	}
	if params.Tx == nil {
		return nil, errors.New("transaction runner required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger required")
	}
	if params.Config.AssemblyWorkers < 1 || params.Config.TranscodeWorkers < 1 {
		return nil, errors.New("worker pools must have at least one worker")
	}
	return &Dispatcher{params: params}, nil
}

// Run blocks until ctx is done and every worker has drained.
func (d *Dispatcher) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < d.params.Config.AssemblyWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.workLoop(ctx, d.assembleOne)
		}()
	}
	for i := 0; i < d.params.Config.TranscodeWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.workLoop(ctx, d.transcodeOne)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

// workLoop drains available work, then idles on the poll interval.
func (d *Dispatcher) workLoop(ctx context.Context, claimAndRun func(ctx context.Context) bool) {
	ticker := time.NewTicker(d.params.Config.PollInterval)
	defer ticker.Stop()
	for {
		for claimAndRun(ctx) {
			if ctx.Err() != nil {
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *Dispatcher) assembleOne(ctx context.Context) bool {
	task, err := d.params.Uploads.ClaimForAssembly(ctx)
	if err != nil {
		if ctx.Err() == nil {
			d.params.Logger.Error(ctx, "assembly claim failed", err)
		}
		return false
	}
	if task == nil {
		return false
	}
	// Process reports hard stops through the task row and outbox
	_ = d.params.Pipeline.Process(ctx, task)
	return true
}

func (d *Dispatcher) transcodeOne(ctx context.Context) bool {
	job, err := d.params.Jobs.ClaimNext(ctx)
	if err != nil {
		if ctx.Err() == nil {
			d.params.Logger.Error(ctx, "transcode claim failed", err)
		}
		return false
	}
	if job == nil {
		return false
	}
	d.executeJob(ctx, job)
	return true
}

// executeJob owns one claimed job end to end: heartbeats, the codec
// invocation with its wall-clock ceiling, and the terminal bookkeeping.
func (d *Dispatcher) executeJob(ctx context.Context, job *models.TranscodeJob) {
	logCtx := d.params.Logger.WithJobID(ctx, job.ID.String())
	logCtx = d.params.Logger.WithAssetID(logCtx, job.AssetID.String())
	started := time.Now()

	jobCtx, cancel := context.WithTimeout(ctx, d.params.Config.JobTimeout)
	defer cancel()

	var cancelRequested atomic.Bool
	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		ticker := time.NewTicker(d.params.Config.HeartbeatPeriod)
		defer ticker.Stop()
		misses := 0
		for {
			select {
			case <-jobCtx.Done():
				return
			case <-ticker.C:
				wantsCancel, err := d.params.Jobs.Heartbeat(ctx, job.ID)
				if err != nil {
					// the row genuinely left processing; another owner has it
					if typed := pkgerrors.As(err); typed != nil && typed.Code() == pkgerrors.CodeStateConflict {
						cancel()
						return
					}
					// transient store trouble; keep the codec alive for a few ticks
					misses++
					if misses >= heartbeatMissLimit {
						d.params.Logger.Error(logCtx, "heartbeat lost, aborting attempt", err)
						cancel()
						return
					}
					continue
				}
				misses = 0
				if wantsCancel {
					cancelRequested.Store(true)
					cancel()
					return
				}
			}
		}
	}()

	output, execErr := d.params.Executor.Execute(jobCtx, job, func(pct int) {
		_ = d.params.Jobs.UpdateProgress(ctx, job.ID, pct)
	})
	cancel()
	<-heartbeatDone

	if execErr == nil {
		d.finishJob(logCtx, job, output, started)
		return
	}
	d.failJob(logCtx, job, execErr, cancelRequested.Load())
}

func (d *Dispatcher) finishJob(ctx context.Context, job *models.TranscodeJob, output *transcode.Output, started time.Time) {
	if err := d.params.Jobs.MarkCompleted(ctx, job.ID, output); err != nil {
		d.params.Logger.Error(ctx, "failed to complete job", err)
		return
	}
	if err := d.params.Catalog.RecordSuccess(ctx, RecordSuccessInput{
		AssetID:    job.AssetID,
		JobID:      job.ID,
		Quality:    job.Quality,
		Path:       output.Path,
		SizeBytes:  output.SizeBytes,
		Resolution: output.Resolution,
		Bitrate:    output.Bitrate,
	}); err != nil {
		d.params.Logger.Error(ctx, "failed to record variant", err)
		return
	}
	d.params.Metrics.ObserveDuration("transcode", string(job.Quality), time.Since(started))
	d.params.Metrics.IncSuccess("transcode", string(job.Quality))
	d.params.Logger.Info(ctx, "transcode job completed")
}

func (d *Dispatcher) failJob(ctx context.Context, job *models.TranscodeJob, execErr error, wasCancelled bool) {
	reason := pkgerrors.CodeTranscodeFailed
	if typed := pkgerrors.As(execErr); typed != nil {
		reason = typed.Code()
	}
	switch {
	case wasCancelled && reason != pkgerrors.CodeTimeout:
		reason = pkgerrors.CodeCancelled
	case !wasCancelled && reason == pkgerrors.CodeCancelled:
		// aborted without an operator cancel (lost heartbeat, shutdown); the
		// job is still healthy, so the attempt stays retryable
		reason = pkgerrors.CodeTranscodeFailed
	}
	retryable := pkgerrors.Retryable(pkgerrors.New(reason, ""))

	delay := retryDelay(d.params.Config.BackoffBase, d.params.Config.BackoffCap, job.AttemptCount)
	terminal, err := d.params.Jobs.MarkFailed(ctx, job.ID, string(reason), retryable, d.params.Config.MaxAttempts, delay)
	if err != nil {
		d.params.Logger.Error(ctx, "failed to record job failure", err)
		return
	}
	d.params.Logger.Error(ctx, "transcode attempt failed", execErr)

	if !terminal {
		d.params.Metrics.IncRetry("transcode")
		return
	}
	d.params.Metrics.IncFailure("transcode", string(job.Quality), string(reason))

	emitErr := d.params.Tx.WithTx(ctx, func(tx *gorm.DB) error {
		return d.params.Outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventTranscodeFailed,
			AggregateType: enums.AggregateTranscodeJob,
			AggregateID:   job.ID,
			Producer:      d.params.Producer,
			Data: payloads.TranscodeFailedEvent{
				AssetID:      job.AssetID,
				JobID:        job.ID,
				Quality:      job.Quality,
				Reason:       string(reason),
				Message:      execErr.Error(),
				AttemptCount: job.AttemptCount,
			},
			Version: 1,
		})
	})
	if emitErr != nil {
		d.params.Logger.Error(ctx, "failed to queue transcode_failed event", emitErr)
	}
}
