package upload

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/fitstream-app/fitstream-backend/pkg/db/models"
	"github.com/fitstream-app/fitstream-backend/pkg/enums"
	pkgerrors "github.com/fitstream-app/fitstream-backend/pkg/errors"
)

const claimRetries = 4

// Repository persists upload tasks. Status moves only through compare-and-set
// updates so concurrent workers and the API never clobber each other.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Create(ctx context.Context, task *models.UploadTask) error {
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}
	if task.Status == "" {
		task.Status = enums.UploadStatusReceiving
	}
	if err := r.db.WithContext(ctx).Create(task).Error; err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "create upload task")
	}
	return nil
}

func (r *Repository) FindByID(ctx context.Context, id uuid.UUID) (*models.UploadTask, error) {
	var task models.UploadTask
	err := r.db.WithContext(ctx).First(&task, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "upload task not found")
	}
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "find upload task")
	}
	return &task, nil
}

// MarkChunkReceived bumps received_chunks by one, atomically and only while
// the task is still receiving. The counter is charged once per distinct index
// by the caller; this method never reads the current value first.
func (r *Repository) MarkChunkReceived(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).
		Model(&models.UploadTask{}).
		Where("id = ? AND status = ? AND received_chunks < total_chunks", id, enums.UploadStatusReceiving).
		Update("received_chunks", gorm.Expr("received_chunks + 1"))
	if result.Error != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, result.Error, "increment received chunks")
	}
	if result.RowsAffected == 0 {
		return pkgerrors.New(pkgerrors.CodeStateConflict, "upload is not accepting chunks")
	}
	return nil
}

// ClaimForAssembly claims the oldest complete task, moving it from receiving
// to assembling. Returns nil with no error when nothing is ready. The
// compare-and-set makes a second claimer for the same upload fail fast.
func (r *Repository) ClaimForAssembly(ctx context.Context) (*models.UploadTask, error) {
	for attempt := 0; attempt < claimRetries; attempt++ {
		var candidate models.UploadTask
		err := r.db.WithContext(ctx).
			Where("status = ? AND received_chunks = total_chunks", enums.UploadStatusReceiving).
			Order("created_at ASC, id ASC").
			First(&candidate).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "find assemblable upload")
		}

		result := r.db.WithContext(ctx).
			Model(&models.UploadTask{}).
			Where("id = ? AND status = ?", candidate.ID, enums.UploadStatusReceiving).
			Update("status", enums.UploadStatusAssembling)
		if result.Error != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, result.Error, "claim upload for assembly")
		}
		if result.RowsAffected == 1 {
			candidate.Status = enums.UploadStatusAssembling
			return &candidate, nil
		}
		// lost the race, try the next candidate
	}
	return nil, nil
}

// Transition moves the task from one status to its successor via
// compare-and-set. Illegal edges are rejected before touching the row.
func (r *Repository) Transition(ctx context.Context, id uuid.UUID, from, to enums.UploadStatus) error {
	return r.transition(r.db.WithContext(ctx), id, from, to)
}

// TransitionTx is Transition inside a caller-owned transaction.
func (r *Repository) TransitionTx(tx *gorm.DB, id uuid.UUID, from, to enums.UploadStatus) error {
	if tx == nil {
		return pkgerrors.New(pkgerrors.CodeInternal, "transaction handle is required")
	}
	return r.transition(tx, id, from, to)
}

func (r *Repository) transition(db *gorm.DB, id uuid.UUID, from, to enums.UploadStatus) error {
	if !from.CanTransitionTo(to) {
		return pkgerrors.New(pkgerrors.CodeStateConflict, "upload status transition disallowed").
			WithDetails(map[string]string{"from": from.String(), "to": to.String()})
	}
	result := db.
		Model(&models.UploadTask{}).
		Where("id = ? AND status = ?", id, from).
		Update("status", to)
	if result.Error != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, result.Error, "transition upload status")
	}
	if result.RowsAffected == 0 {
		return pkgerrors.New(pkgerrors.CodeStateConflict, "upload status changed concurrently")
	}
	return nil
}

// MarkFailed terminalizes the task with a reason. No-op error when the task is
// already terminal; terminal states are immutable.
func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID, reason pkgerrors.Code, message string) error {
	return r.markFailed(r.db.WithContext(ctx), id, reason, message)
}

// MarkFailedTx is MarkFailed inside a caller-owned transaction.
func (r *Repository) MarkFailedTx(tx *gorm.DB, id uuid.UUID, reason pkgerrors.Code, message string) error {
	if tx == nil {
		return pkgerrors.New(pkgerrors.CodeInternal, "transaction handle is required")
	}
	return r.markFailed(tx, id, reason, message)
}

func (r *Repository) markFailed(db *gorm.DB, id uuid.UUID, reason pkgerrors.Code, message string) error {
	errorMessage := string(reason)
	if message != "" {
		errorMessage = string(reason) + ": " + message
	}
	result := db.
		Model(&models.UploadTask{}).
		Where("id = ? AND status NOT IN ?", id, []enums.UploadStatus{enums.UploadStatusCompleted, enums.UploadStatusFailed}).
		Updates(map[string]any{
			"status":        enums.UploadStatusFailed,
			"error_message": errorMessage,
		})
	if result.Error != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, result.Error, "mark upload failed")
	}
	if result.RowsAffected == 0 {
		return pkgerrors.New(pkgerrors.CodeStateConflict, "upload already terminal")
	}
	return nil
}

// RecordAssembled stores where the assembled source file landed.
func (r *Repository) RecordAssembled(ctx context.Context, id uuid.UUID, sourcePath string) error {
	err := r.db.WithContext(ctx).
		Model(&models.UploadTask{}).
		Where("id = ?", id).
		Update("source_path", sourcePath).Error
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "record assembled source path")
	}
	return nil
}

// RecordChecksum stores the digest computed during verification.
func (r *Repository) RecordChecksum(ctx context.Context, id uuid.UUID, computed string) error {
	err := r.db.WithContext(ctx).
		Model(&models.UploadTask{}).
		Where("id = ?", id).
		Update("computed_checksum", computed).Error
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "record computed checksum")
	}
	return nil
}

// LinkAssetTx points the task at its created asset. Called in the same
// transaction that creates the asset row.
func (r *Repository) LinkAssetTx(tx *gorm.DB, id, assetID uuid.UUID) error {
	if tx == nil {
		return pkgerrors.New(pkgerrors.CodeInternal, "transaction handle is required")
	}
	err := tx.
		Model(&models.UploadTask{}).
		Where("id = ?", id).
		Update("asset_id", assetID).Error
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "link upload to asset")
	}
	return nil
}

// CountByStatus feeds the queue depth gauge.
func (r *Repository) CountByStatus(ctx context.Context, status enums.UploadStatus) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.UploadTask{}).
		Where("status = ?", status).
		Count(&count).Error
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "count upload tasks")
	}
	return count, nil
}

// ListStuckReceiving returns receiving tasks idle past the cutoff. The sweeper
// fails them so staging space is reclaimed.
func (r *Repository) ListStuckReceiving(ctx context.Context, cutoff time.Time) ([]models.UploadTask, error) {
	var tasks []models.UploadTask
	err := r.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", enums.UploadStatusReceiving, cutoff).
		Order("updated_at ASC").
		Find(&tasks).Error
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list stuck uploads")
	}
	return tasks, nil
}

// ingestStates are the statuses a worker holds while it owns an upload. Each
// pipeline transition refreshes updated_at, so a row sitting in one of these
// past the stall cutoff belongs to a worker that died mid-ingest.
var ingestStates = []enums.UploadStatus{
	enums.UploadStatusAssembling,
	enums.UploadStatusVerifying,
	enums.UploadStatusProbing,
	enums.UploadStatusFanningOut,
}

// ListStalledIngest returns tasks abandoned mid-pipeline before the cutoff.
func (r *Repository) ListStalledIngest(ctx context.Context, cutoff time.Time) ([]models.UploadTask, error) {
	var tasks []models.UploadTask
	err := r.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", ingestStates, cutoff).
		Order("updated_at ASC").
		Find(&tasks).Error
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list stalled uploads")
	}
	return tasks, nil
}
