package controllers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/fitstream-app/fitstream-backend/api/responses"
	"github.com/fitstream-app/fitstream-backend/pkg/db/models"
	pkgerrors "github.com/fitstream-app/fitstream-backend/pkg/errors"
	"github.com/fitstream-app/fitstream-backend/pkg/logger"
)

type jobsRepository interface {
	FindByID(ctx context.Context, id uuid.UUID) (*models.TranscodeJob, error)
	RequestCancel(ctx context.Context, id uuid.UUID) error
	Resubmit(ctx context.Context, id uuid.UUID) error
}

type jobResponse struct {
	ID              string     `json:"id"`
	AssetID         string     `json:"asset_id"`
	Quality         string     `json:"quality"`
	Status          string     `json:"status"`
	Progress        int        `json:"progress"`
	AttemptCount    int        `json:"attempt_count"`
	LastError       *string    `json:"last_error,omitempty"`
	OutputPath      *string    `json:"output_path,omitempty"`
	NextAttemptAt   time.Time  `json:"next_attempt_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	ProcessingTimeS *int       `json:"processing_time_s,omitempty"`
}

func newJobResponse(job *models.TranscodeJob) jobResponse {
	return jobResponse{
		ID:              job.ID.String(),
		AssetID:         job.AssetID.String(),
		Quality:         job.Quality.String(),
		Status:          job.Status.String(),
		Progress:        job.Progress,
		AttemptCount:    job.AttemptCount,
		LastError:       job.LastError,
		OutputPath:      job.OutputPath,
		NextAttemptAt:   job.NextAttemptAt,
		StartedAt:       job.StartedAt,
		CompletedAt:     job.CompletedAt,
		ProcessingTimeS: job.ProcessingTimeS,
	}
}

func parseJobID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		return uuid.Nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid job id")
	}
	return id, nil
}

// GetJob returns one job snapshot.
func GetJob(repo jobsRepository, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := parseJobID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		job, err := repo.FindByID(r.Context(), id)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, newJobResponse(job))
	}
}

// CancelJob requests cancellation. Queued jobs fail immediately; a running
// codec is killed on the executor's next heartbeat tick.
func CancelJob(repo jobsRepository, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := parseJobID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if err := repo.RequestCancel(r.Context(), id); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		job, err := repo.FindByID(r.Context(), id)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusAccepted, newJobResponse(job))
	}
}

// ResubmitJob re-opens a terminally failed job with a fresh attempt budget.
func ResubmitJob(repo jobsRepository, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := parseJobID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if err := repo.Resubmit(r.Context(), id); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		job, err := repo.FindByID(r.Context(), id)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusAccepted, newJobResponse(job))
	}
}
