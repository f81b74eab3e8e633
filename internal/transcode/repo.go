package transcode

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	dbpkg "github.com/fitstream-app/fitstream-backend/pkg/db"
	"github.com/fitstream-app/fitstream-backend/pkg/db/models"
	"github.com/fitstream-app/fitstream-backend/pkg/enums"
	pkgerrors "github.com/fitstream-app/fitstream-backend/pkg/errors"
)

// claimRetries bounds how many CAS losses one ClaimNext call absorbs before
// reporting an empty queue.
const claimRetries = 4

// Repository owns transcode_jobs persistence. Scheduling fields move only
// through compare-and-set updates so concurrent workers never double-claim.
type Repository struct {
	db *gorm.DB
}

// NewRepository constructs a job repository bound to the provided GORM DB.
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// CreateFanOutTx inserts one queued job per quality for the asset inside the
// caller's transaction. Existing (asset, quality) rows are left untouched;
// the unique index backstops concurrent fan-out attempts.
func (r *Repository) CreateFanOutTx(tx *gorm.DB, asset *models.Asset, qualities []enums.Quality) ([]models.TranscodeJob, error) {
	if tx == nil {
		return nil, errors.New("transaction required")
	}
	now := time.Now().UTC()
	created := make([]models.TranscodeJob, 0, len(qualities))
	for _, quality := range qualities {
		var count int64
		if err := tx.Model(&models.TranscodeJob{}).
			Where("asset_id = ? AND quality = ?", asset.ID, quality).
			Count(&count).Error; err != nil {
			return nil, err
		}
		if count > 0 {
			continue
		}
		job := models.TranscodeJob{
			ID:              uuid.New(),
			AssetID:         asset.ID,
			Quality:         quality,
			Status:          enums.JobStatusQueued,
			InputPath:       asset.SourcePath,
			InputFormat:     asset.Format,
			InputDurationS:  asset.DurationS,
			InputResolution: asset.Resolution,
			InputBitrate:    asset.Bitrate,
			NextAttemptAt:   now,
		}
		if err := tx.Create(&job).Error; err != nil {
			if dbpkg.IsUniqueViolation(err, "ux_transcode_jobs_asset_quality") {
				continue
			}
			return nil, err
		}
		created = append(created, job)
	}
	return created, nil
}

// ClaimNext atomically moves the oldest due queued job to processing and
// charges one attempt. Returns nil when no job is due.
func (r *Repository) ClaimNext(ctx context.Context) (*models.TranscodeJob, error) {
	for i := 0; i < claimRetries; i++ {
		now := time.Now().UTC()
		var job models.TranscodeJob
		err := r.db.WithContext(ctx).
			Where("status = ? AND next_attempt_at <= ?", enums.JobStatusQueued, now).
			Order("created_at ASC").
			Order("id ASC").
			First(&job).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}

		res := r.db.WithContext(ctx).Model(&models.TranscodeJob{}).
			Where("id = ? AND status = ?", job.ID, enums.JobStatusQueued).
			Updates(map[string]any{
				"status":        enums.JobStatusProcessing,
				"attempt_count": gorm.Expr("attempt_count + 1"),
				"progress":      0,
				"started_at":    now,
				"heartbeat_at":  now,
			})
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 1 {
			return r.FindByID(ctx, job.ID)
		}
		// lost the race, try the next candidate
	}
	return nil, nil
}

// FindByID loads one job.
func (r *Repository) FindByID(ctx context.Context, id uuid.UUID) (*models.TranscodeJob, error) {
	var job models.TranscodeJob
	if err := r.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "transcode job not found")
		}
		return nil, err
	}
	return &job, nil
}

// ListByAsset returns all jobs for an asset, newest quality fan-out first.
func (r *Repository) ListByAsset(ctx context.Context, assetID uuid.UUID) ([]models.TranscodeJob, error) {
	var jobs []models.TranscodeJob
	err := r.db.WithContext(ctx).
		Where("asset_id = ?", assetID).
		Order("created_at ASC").
		Find(&jobs).Error
	return jobs, err
}

// UpdateProgress records a progress percentage. The guard keeps progress
// monotone and ignores updates that arrive after the job left processing.
func (r *Repository) UpdateProgress(ctx context.Context, id uuid.UUID, pct int) error {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	return r.db.WithContext(ctx).Model(&models.TranscodeJob{}).
		Where("id = ? AND status = ? AND progress < ?", id, enums.JobStatusProcessing, pct).
		Update("progress", pct).Error
}

// Heartbeat refreshes liveness for a processing job and reports whether an
// operator requested cancellation.
func (r *Repository) Heartbeat(ctx context.Context, id uuid.UUID) (cancelRequested bool, err error) {
	now := time.Now().UTC()
	res := r.db.WithContext(ctx).Model(&models.TranscodeJob{}).
		Where("id = ? AND status = ?", id, enums.JobStatusProcessing).
		Update("heartbeat_at", now)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, pkgerrors.New(pkgerrors.CodeStateConflict, "job is no longer processing")
	}
	var job models.TranscodeJob
	if err := r.db.WithContext(ctx).Select("cancel_requested").First(&job, "id = ?", id).Error; err != nil {
		return false, err
	}
	return job.CancelRequested, nil
}

// MarkCompleted moves a processing job to its success-terminal state and
// records the output descriptor.
func (r *Repository) MarkCompleted(ctx context.Context, id uuid.UUID, output *Output) error {
	now := time.Now().UTC()
	job, err := r.FindByID(ctx, id)
	if err != nil {
		return err
	}
	updates := map[string]any{
		"status":            enums.JobStatusCompleted,
		"progress":          100,
		"output_path":       output.Path,
		"output_size":       output.SizeBytes,
		"output_resolution": output.Resolution,
		"output_bitrate":    output.Bitrate,
		"completed_at":      now,
		"last_error":        nil,
	}
	if job.StartedAt != nil {
		updates["processing_time_s"] = int(now.Sub(*job.StartedAt).Seconds())
	}
	res := r.db.WithContext(ctx).Model(&models.TranscodeJob{}).
		Where("id = ? AND status = ?", id, enums.JobStatusProcessing).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return pkgerrors.New(pkgerrors.CodeStateConflict, "job is no longer processing")
	}
	return nil
}

// MarkFailed closes one processing attempt. Retryable failures with budget
// left go back to queued with a delay; everything else is terminal. Reports
// whether the job ended terminal.
func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID, reason string, retryable bool, maxAttempts int, delay time.Duration) (bool, error) {
	now := time.Now().UTC()
	job, err := r.FindByID(ctx, id)
	if err != nil {
		return false, err
	}

	terminal := !retryable || job.AttemptCount >= maxAttempts
	updates := map[string]any{
		"last_error":   reason,
		"heartbeat_at": nil,
	}
	if terminal {
		updates["status"] = enums.JobStatusFailed
		updates["completed_at"] = now
	} else {
		updates["status"] = enums.JobStatusQueued
		updates["next_attempt_at"] = now.Add(delay)
		updates["started_at"] = nil
		updates["progress"] = 0
	}

	res := r.db.WithContext(ctx).Model(&models.TranscodeJob{}).
		Where("id = ? AND status = ?", id, enums.JobStatusProcessing).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, pkgerrors.New(pkgerrors.CodeStateConflict, "job is no longer processing")
	}
	return terminal, nil
}

// RequestCancel flags a running job for cancellation. Queued jobs fail
// immediately; processing jobs are killed by their executor on the next
// heartbeat tick.
func (r *Repository) RequestCancel(ctx context.Context, id uuid.UUID) error {
	job, err := r.FindByID(ctx, id)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	switch job.Status {
	case enums.JobStatusQueued:
		res := r.db.WithContext(ctx).Model(&models.TranscodeJob{}).
			Where("id = ? AND status = ?", id, enums.JobStatusQueued).
			Updates(map[string]any{
				"status":           enums.JobStatusFailed,
				"last_error":       string(pkgerrors.CodeCancelled),
				"cancel_requested": true,
				"completed_at":     now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "job state changed during cancel")
		}
		return nil
	case enums.JobStatusProcessing:
		return r.db.WithContext(ctx).Model(&models.TranscodeJob{}).
			Where("id = ? AND status = ?", id, enums.JobStatusProcessing).
			Update("cancel_requested", true).Error
	default:
		return pkgerrors.New(pkgerrors.CodeStateConflict, "job already terminal")
	}
}

// Resubmit re-opens a terminally failed job with a fresh attempt budget.
func (r *Repository) Resubmit(ctx context.Context, id uuid.UUID) error {
	now := time.Now().UTC()
	res := r.db.WithContext(ctx).Model(&models.TranscodeJob{}).
		Where("id = ? AND status = ?", id, enums.JobStatusFailed).
		Updates(map[string]any{
			"status":           enums.JobStatusQueued,
			"attempt_count":    0,
			"progress":         0,
			"last_error":       nil,
			"cancel_requested": false,
			"next_attempt_at":  now,
			"started_at":       nil,
			"completed_at":     nil,
			"heartbeat_at":     nil,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return pkgerrors.New(pkgerrors.CodeStateConflict, "only terminally failed jobs can be resubmitted")
	}
	return nil
}

// ListStaleProcessing returns processing jobs whose heartbeat predates the
// cutoff, for the crash-recovery sweeper.
func (r *Repository) ListStaleProcessing(ctx context.Context, cutoff time.Time) ([]models.TranscodeJob, error) {
	var jobs []models.TranscodeJob
	err := r.db.WithContext(ctx).
		Where("status = ? AND heartbeat_at IS NOT NULL AND heartbeat_at < ?", enums.JobStatusProcessing, cutoff).
		Order("heartbeat_at ASC").
		Find(&jobs).Error
	return jobs, err
}

// CountByStatus reports queue depth for metrics.
func (r *Repository) CountByStatus(ctx context.Context, status enums.JobStatus) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.TranscodeJob{}).
		Where("status = ?", status).
		Count(&count).Error
	return count, err
}
