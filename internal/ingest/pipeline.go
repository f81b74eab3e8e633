package ingest

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/fitstream-app/fitstream-backend/pkg/db/models"
	"github.com/fitstream-app/fitstream-backend/pkg/enums"
	pkgerrors "github.com/fitstream-app/fitstream-backend/pkg/errors"
	"github.com/fitstream-app/fitstream-backend/pkg/ffmpeg"
	"github.com/fitstream-app/fitstream-backend/pkg/logger"
	"github.com/fitstream-app/fitstream-backend/pkg/metrics"
	"github.com/fitstream-app/fitstream-backend/pkg/outbox"
	"github.com/fitstream-app/fitstream-backend/pkg/outbox/payloads"
)

type uploadsRepository interface {
	Transition(ctx context.Context, id uuid.UUID, from, to enums.UploadStatus) error
	TransitionTx(tx *gorm.DB, id uuid.UUID, from, to enums.UploadStatus) error
	MarkFailedTx(tx *gorm.DB, id uuid.UUID, reason pkgerrors.Code, message string) error
	RecordAssembled(ctx context.Context, id uuid.UUID, sourcePath string) error
	RecordChecksum(ctx context.Context, id uuid.UUID, computed string) error
	LinkAssetTx(tx *gorm.DB, id, assetID uuid.UUID) error
}

type sourceAssembler interface {
	Assemble(uploadID uuid.UUID, filename string, totalChunks int) (string, int64, error)
}

type checksumVerifier interface {
	Verify(path, declared string) (string, error)
}

// Prober extracts source metadata. Production uses ffprobe; tests fake it.
type Prober interface {
	Probe(ctx context.Context, path string) (*ffmpeg.ProbeResult, error)
}

type jobsFanOut interface {
	CreateFanOutTx(tx *gorm.DB, asset *models.Asset, qualities []enums.Quality) ([]models.TranscodeJob, error)
}

type eventEmitter interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
	EmitIfNotExists(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// FFprobeProber runs the real ffprobe binary.
type FFprobeProber struct{}

// Probe implements Prober.
func (FFprobeProber) Probe(ctx context.Context, path string) (*ffmpeg.ProbeResult, error) {
	return ffmpeg.Probe(ctx, path)
}

// PipelineParams wires the ingest pipeline.
type PipelineParams struct {
	Uploads   uploadsRepository
	Assembler sourceAssembler
	Verifier  checksumVerifier
	Prober    Prober
	Jobs      jobsFanOut
	Outbox    eventEmitter
	Tx        txRunner
	Logger    *logger.Logger
	Metrics   *metrics.PipelineMetrics
	Qualities []enums.Quality
	Producer  string
}

// Pipeline drives one claimed upload from assembly through job fan-out. Hard
// stops terminalize the task and emit upload_failed; no transcode job is ever
// created for a failed ingest.
type Pipeline struct {
	params PipelineParams
}

// NewPipeline validates wiring. Metrics may be nil.
func NewPipeline(params PipelineParams) (*Pipeline, error) {
	if params.Uploads == nil {
		return nil, errors.New("uploads repository required")
	}
	if params.Assembler == nil {
		return nil, errors.New("assembler required")
	}
	if params.Verifier == nil {
		return nil, errors.New("verifier required")
	}
	if params.Prober == nil {
		return nil, errors.New("prober required")
	}
	if params.Jobs == nil {
		return nil, errors.New("jobs repository required")
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
	if len(params.Qualities) == 0 {
		return nil, errors.New("at least one quality required")
	}
	return &Pipeline{params: params}, nil
}

// Process runs the assembled-to-fanned-out stages for a task the caller has
// already claimed into assembling. The returned error is the hard stop that
// terminated the task, or nil on success.
func (p *Pipeline) Process(ctx context.Context, task *models.UploadTask) error {
	ctx = p.params.Logger.WithUploadID(ctx, task.ID.String())
	started := time.Now()

	asset, err := p.run(ctx, task)
	if err != nil {
		reason := failureReason(err)
		p.params.Metrics.IncFailure("ingest", "", string(reason))
		p.params.Logger.Error(ctx, "ingest pipeline failed", err)
		if failErr := p.failTask(ctx, task, reason, err); failErr != nil {
			p.params.Logger.Error(ctx, "failed to terminalize upload task", failErr)
		}
		return err
	}

	p.params.Metrics.ObserveDuration("ingest", "", time.Since(started))
	p.params.Metrics.IncSuccess("ingest", "")
	ctx = p.params.Logger.WithAssetID(ctx, asset.ID.String())
	p.params.Logger.Info(ctx, "ingest pipeline completed")
	return nil
}

func (p *Pipeline) run(ctx context.Context, task *models.UploadTask) (*models.Asset, error) {
	sourcePath, sourceSize, err := p.params.Assembler.Assemble(task.ID, task.OriginalFilename, task.TotalChunks)
	if err != nil {
		return nil, err
	}
	if err := p.params.Uploads.RecordAssembled(ctx, task.ID, sourcePath); err != nil {
		return nil, err
	}
	if err := p.params.Uploads.Transition(ctx, task.ID, enums.UploadStatusAssembling, enums.UploadStatusVerifying); err != nil {
		return nil, err
	}

	declared := ""
	if task.DeclaredChecksum != nil {
		declared = *task.DeclaredChecksum
	}
	computed, verifyErr := p.params.Verifier.Verify(sourcePath, declared)
	if computed != "" {
		if err := p.params.Uploads.RecordChecksum(ctx, task.ID, computed); err != nil {
			return nil, err
		}
	}
	if verifyErr != nil {
		return nil, verifyErr
	}
	if err := p.params.Uploads.Transition(ctx, task.ID, enums.UploadStatusVerifying, enums.UploadStatusProbing); err != nil {
		return nil, err
	}

	probe, err := p.params.Prober.Probe(ctx, sourcePath)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeUnreadableMedia, err, "source is not decodable media")
	}
	if !probe.HasVideo() {
		return nil, pkgerrors.New(pkgerrors.CodeUnreadableMedia, "source has no video stream")
	}
	if err := p.params.Uploads.Transition(ctx, task.ID, enums.UploadStatusProbing, enums.UploadStatusFanningOut); err != nil {
		return nil, err
	}

	asset := &models.Asset{
		ID:           uuid.New(),
		UploadTaskID: task.ID,
		Title:        task.OriginalFilename,
		SourcePath:   sourcePath,
		SizeBytes:    sourceSize,
		DurationS:    int(math.Round(probe.Duration)),
		Resolution:   probe.Resolution(),
		Bitrate:      probe.Bitrate,
		Format:       probe.FormatName,
	}

	err = p.params.Tx.WithTx(ctx, func(tx *gorm.DB) error {
		if err := tx.Create(asset).Error; err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "create asset")
		}
		if err := p.params.Uploads.LinkAssetTx(tx, task.ID, asset.ID); err != nil {
			return err
		}
		if _, err := p.params.Jobs.CreateFanOutTx(tx, asset, p.params.Qualities); err != nil {
			return err
		}
		if err := p.params.Outbox.EmitIfNotExists(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventAssetReady,
			AggregateType: enums.AggregateAsset,
			AggregateID:   asset.ID,
			Producer:      p.params.Producer,
			Data: payloads.AssetReadyEvent{
				AssetID:   asset.ID,
				UploadID:  task.ID,
				DurationS: probe.Duration,
				Qualities: p.params.Qualities,
			},
			Version: 1,
		}); err != nil {
			return err
		}
		return p.params.Uploads.TransitionTx(tx, task.ID, enums.UploadStatusFanningOut, enums.UploadStatusCompleted)
	})
	if err != nil {
		return nil, err
	}
	return asset, nil
}

// failTask terminalizes the task and queues the upload_failed event in one
// transaction so downstream consumers never miss a terminal ingest.
func (p *Pipeline) failTask(ctx context.Context, task *models.UploadTask, reason pkgerrors.Code, cause error) error {
	message := ""
	if typed := pkgerrors.As(cause); typed != nil {
		message = typed.Message()
	} else if cause != nil {
		message = cause.Error()
	}
	return p.params.Tx.WithTx(ctx, func(tx *gorm.DB) error {
		if err := p.params.Uploads.MarkFailedTx(tx, task.ID, reason, message); err != nil {
			return err
		}
		return p.params.Outbox.EmitIfNotExists(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventUploadFailed,
			AggregateType: enums.AggregateUpload,
			AggregateID:   task.ID,
			Producer:      p.params.Producer,
			Data: payloads.UploadFailedEvent{
				UploadID: task.ID,
				Filename: task.OriginalFilename,
				Reason:   string(reason),
				Message:  message,
				FailedAt: time.Now().UTC(),
			},
			Version: 1,
		})
	})
}

func failureReason(err error) pkgerrors.Code {
	if typed := pkgerrors.As(err); typed != nil {
		return typed.Code()
	}
	return pkgerrors.CodeInternal
}
