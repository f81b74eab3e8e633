package controllers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/fitstream-app/fitstream-backend/api/responses"
	"github.com/fitstream-app/fitstream-backend/api/validators"
	"github.com/fitstream-app/fitstream-backend/internal/upload"
	"github.com/fitstream-app/fitstream-backend/pkg/db/models"
	pkgerrors "github.com/fitstream-app/fitstream-backend/pkg/errors"
	"github.com/fitstream-app/fitstream-backend/pkg/logger"
)

type jobsByAssetLister interface {
	ListByAsset(ctx context.Context, assetID uuid.UUID) ([]models.TranscodeJob, error)
}

type createUploadRequest struct {
	Filename    string `json:"filename" validate:"required,max=255"`
	TotalChunks int    `json:"total_chunks" validate:"required,min=1,max=10000"`
	SizeBytes   int64  `json:"size_bytes" validate:"required,min=1"`
	Checksum    string `json:"checksum,omitempty" validate:"omitempty,len=32,hexadecimal"`
}

type uploadTaskResponse struct {
	ID               string             `json:"id"`
	Filename         string             `json:"filename"`
	Status           string             `json:"status"`
	DeclaredSize     int64              `json:"declared_size"`
	TotalChunks      int                `json:"total_chunks"`
	ReceivedChunks   int                `json:"received_chunks"`
	DeclaredChecksum *string            `json:"declared_checksum,omitempty"`
	ComputedChecksum *string            `json:"computed_checksum,omitempty"`
	ErrorMessage     *string            `json:"error_message,omitempty"`
	AssetID          *string            `json:"asset_id,omitempty"`
	Jobs             []jobResponse      `json:"jobs,omitempty"`
	CreatedAt        time.Time          `json:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at"`
}

func newUploadTaskResponse(task *models.UploadTask, jobs []models.TranscodeJob) uploadTaskResponse {
	resp := uploadTaskResponse{
		ID:               task.ID.String(),
		Filename:         task.OriginalFilename,
		Status:           task.Status.String(),
		DeclaredSize:     task.DeclaredSize,
		TotalChunks:      task.TotalChunks,
		ReceivedChunks:   task.ReceivedChunks,
		DeclaredChecksum: task.DeclaredChecksum,
		ComputedChecksum: task.ComputedChecksum,
		ErrorMessage:     task.ErrorMessage,
		CreatedAt:        task.CreatedAt,
		UpdatedAt:        task.UpdatedAt,
	}
	if task.AssetID != nil {
		id := task.AssetID.String()
		resp.AssetID = &id
	}
	for _, job := range jobs {
		resp.Jobs = append(resp.Jobs, newJobResponse(&job))
	}
	return resp
}

// CreateUpload declares an upload task ahead of its chunks.
func CreateUpload(svc upload.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload createUploadRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		task, err := svc.CreateTask(r.Context(), upload.CreateTaskInput{
			Filename:    payload.Filename,
			TotalChunks: payload.TotalChunks,
			SizeBytes:   payload.SizeBytes,
			Checksum:    payload.Checksum,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, newUploadTaskResponse(task, nil))
	}
}

// ReceiveChunk stores one raw chunk body. Resending an index is a no-op on
// the final output.
func ReceiveChunk(svc upload.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uploadID, err := uuid.Parse(chi.URLParam(r, "uploadID"))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid upload id"))
			return
		}
		index, err := strconv.Atoi(chi.URLParam(r, "index"))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid chunk index"))
			return
		}

		receipt, err := svc.ReceiveChunk(r.Context(), uploadID, index, r.Body)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, receipt)
	}
}

// GetUpload returns the task snapshot, with job snapshots once fanned out.
func GetUpload(svc upload.Service, jobs jobsByAssetLister, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uploadID, err := uuid.Parse(chi.URLParam(r, "uploadID"))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid upload id"))
			return
		}

		task, err := svc.GetTask(r.Context(), uploadID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var jobRows []models.TranscodeJob
		if task.AssetID != nil && jobs != nil {
			jobRows, err = jobs.ListByAsset(r.Context(), *task.AssetID)
			if err != nil {
				responses.WriteError(r.Context(), logg, w, err)
				return
			}
		}
		responses.WriteSuccess(w, newUploadTaskResponse(task, jobRows))
	}
}
