package upload

import (
	"context"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/fitstream-app/fitstream-backend/pkg/db/models"
	"github.com/fitstream-app/fitstream-backend/pkg/enums"
	pkgerrors "github.com/fitstream-app/fitstream-backend/pkg/errors"
	"github.com/fitstream-app/fitstream-backend/pkg/logger"
	"github.com/fitstream-app/fitstream-backend/pkg/metrics"
)

type uploadsRepository interface {
	Create(ctx context.Context, task *models.UploadTask) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.UploadTask, error)
	MarkChunkReceived(ctx context.Context, id uuid.UUID) error
}

type chunkWriter interface {
	Write(uploadID uuid.UUID, index int, r io.Reader) (isNew bool, size int64, err error)
}

// Service exposes upload task creation, chunk receipt, and status reads.
type Service interface {
	CreateTask(ctx context.Context, input CreateTaskInput) (*models.UploadTask, error)
	ReceiveChunk(ctx context.Context, uploadID uuid.UUID, index int, r io.Reader) (*ChunkReceipt, error)
	GetTask(ctx context.Context, uploadID uuid.UUID) (*models.UploadTask, error)
}

type service struct {
	repo    uploadsRepository
	chunks  chunkWriter
	log     *logger.Logger
	metrics *metrics.PipelineMetrics
}

// NewService builds the upload service. Metrics may be nil.
func NewService(repo uploadsRepository, chunks chunkWriter, log *logger.Logger, pipelineMetrics *metrics.PipelineMetrics) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("upload repository required")
	}
	if chunks == nil {
		return nil, fmt.Errorf("chunk writer required")
	}
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &service{repo: repo, chunks: chunks, log: log, metrics: pipelineMetrics}, nil
}

func (s *service) CreateTask(ctx context.Context, input CreateTaskInput) (*models.UploadTask, error) {
	if input.Filename == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "filename is required")
	}
	if input.TotalChunks < 1 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "total_chunks must be at least 1")
	}
	if input.SizeBytes < 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "size_bytes must not be negative")
	}

	task := &models.UploadTask{
		ID:               uuid.New(),
		OriginalFilename: input.Filename,
		DeclaredSize:     input.SizeBytes,
		TotalChunks:      input.TotalChunks,
		Status:           enums.UploadStatusReceiving,
	}
	if input.Checksum != "" {
		checksum := input.Checksum
		task.DeclaredChecksum = &checksum
	}
	if err := s.repo.Create(ctx, task); err != nil {
		return nil, err
	}

	ctx = s.log.WithUploadID(ctx, task.ID.String())
	s.log.Info(ctx, "upload task created")
	return task, nil
}

func (s *service) ReceiveChunk(ctx context.Context, uploadID uuid.UUID, index int, r io.Reader) (*ChunkReceipt, error) {
	ctx = s.log.WithUploadID(ctx, uploadID.String())

	task, err := s.repo.FindByID(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	if task.Status != enums.UploadStatusReceiving {
		return nil, pkgerrors.New(pkgerrors.CodeTooLate, "upload is no longer accepting chunks").
			WithDetails(map[string]string{"status": task.Status.String()})
	}
	if index < 0 || index >= task.TotalChunks {
		return nil, pkgerrors.New(pkgerrors.CodeValidation,
			fmt.Sprintf("chunk index %d outside 0..%d", index, task.TotalChunks-1))
	}

	isNew, size, err := s.chunks.Write(uploadID, index, r)
	if err != nil {
		return nil, err
	}
	s.metrics.AddChunkBytes(size)

	if isNew {
		if err := s.repo.MarkChunkReceived(ctx, uploadID); err != nil {
			// the task left receiving between the status read and the counter bump
			if typed := pkgerrors.As(err); typed != nil && typed.Code() == pkgerrors.CodeStateConflict {
				return nil, pkgerrors.New(pkgerrors.CodeTooLate, "upload is no longer accepting chunks")
			}
			return nil, err
		}
		// re-read for an accurate receipt under concurrent chunk writes
		task, err = s.repo.FindByID(ctx, uploadID)
		if err != nil {
			return nil, err
		}
	}

	receipt := &ChunkReceipt{
		UploadID:       uploadID.String(),
		ChunkIndex:     index,
		ReceivedChunks: task.ReceivedChunks,
		TotalChunks:    task.TotalChunks,
		Complete:       task.ReceivedChunks == task.TotalChunks,
	}
	if receipt.Complete {
		s.log.Info(ctx, "upload received all chunks")
	}
	return receipt, nil
}

func (s *service) GetTask(ctx context.Context, uploadID uuid.UUID) (*models.UploadTask, error) {
	return s.repo.FindByID(ctx, uploadID)
}
