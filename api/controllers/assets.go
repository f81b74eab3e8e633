package controllers

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/fitstream-app/fitstream-backend/api/responses"
	"github.com/fitstream-app/fitstream-backend/api/validators"
	"github.com/fitstream-app/fitstream-backend/internal/catalog"
	"github.com/fitstream-app/fitstream-backend/pkg/db/models"
	"github.com/fitstream-app/fitstream-backend/pkg/enums"
	pkgerrors "github.com/fitstream-app/fitstream-backend/pkg/errors"
	"github.com/fitstream-app/fitstream-backend/pkg/logger"
	pkgpagination "github.com/fitstream-app/fitstream-backend/pkg/pagination"
)

type assetResponse struct {
	ID         string            `json:"id"`
	Title      string            `json:"title"`
	DurationS  int               `json:"duration_s"`
	Resolution string            `json:"resolution"`
	Bitrate    int64             `json:"bitrate"`
	Format     string            `json:"format"`
	SizeBytes  int64             `json:"size_bytes"`
	Published  bool              `json:"published"`
	Variants   []variantResponse `json:"variants"`
	Jobs       []jobResponse     `json:"jobs,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

type variantResponse struct {
	Quality    string `json:"quality"`
	Resolution string `json:"resolution"`
	Bitrate    int64  `json:"bitrate"`
	SizeBytes  int64  `json:"size_bytes"`
}

func newAssetResponse(asset *models.Asset, variants []models.AssetVariant, jobs []models.TranscodeJob) assetResponse {
	resp := assetResponse{
		ID:         asset.ID.String(),
		Title:      asset.Title,
		DurationS:  asset.DurationS,
		Resolution: asset.Resolution,
		Bitrate:    asset.Bitrate,
		Format:     asset.Format,
		SizeBytes:  asset.SizeBytes,
		Published:  asset.Published,
		Variants:   []variantResponse{},
		CreatedAt:  asset.CreatedAt,
	}
	for _, variant := range variants {
		resp.Variants = append(resp.Variants, variantResponse{
			Quality:    variant.Quality,
			Resolution: variant.Resolution,
			Bitrate:    variant.Bitrate,
			SizeBytes:  variant.SizeBytes,
		})
	}
	for _, job := range jobs {
		resp.Jobs = append(resp.Jobs, newJobResponse(&job))
	}
	return resp
}

func parseAssetID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "assetID"))
	if err != nil {
		return uuid.Nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid asset id")
	}
	return id, nil
}

// GetAsset returns the catalog entry plus outstanding job snapshots.
func GetAsset(svc catalog.Service, jobs jobsByAssetLister, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := parseAssetID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		entry, err := svc.GetEntry(r.Context(), id)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var jobRows []models.TranscodeJob
		if jobs != nil {
			jobRows, err = jobs.ListByAsset(r.Context(), id)
			if err != nil {
				responses.WriteError(r.Context(), logg, w, err)
				return
			}
		}
		responses.WriteSuccess(w, newAssetResponse(entry.Asset, entry.Variants, jobRows))
	}
}

// ListAssets pages the catalog newest-first.
func ListAssets(svc catalog.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, err := validators.ParseQueryInt(r, "limit", pkgpagination.DefaultLimit, 1, pkgpagination.MaxLimit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		result, err := svc.ListAssets(r.Context(), pkgpagination.Params{
			Limit:  limit,
			Cursor: r.URL.Query().Get("cursor"),
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		items := make([]assetResponse, 0, len(result.Assets))
		for i := range result.Assets {
			items = append(items, newAssetResponse(&result.Assets[i], nil, nil))
		}
		responses.WriteSuccess(w, map[string]any{
			"items":       items,
			"next_cursor": result.NextCursor,
		})
	}
}

// PlayAsset resolves the playback URL for one quality and counts the play.
func PlayAsset(svc catalog.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := parseAssetID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		quality, err := enums.ParseQuality(strings.TrimSpace(r.URL.Query().Get("quality")))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid quality"))
			return
		}

		info, err := svc.PlayURL(r.Context(), id, quality)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, map[string]any{
			"asset_id":            id.String(),
			"quality":             info.Quality,
			"url":                 info.URL,
			"available_qualities": info.Available,
		})
	}
}
