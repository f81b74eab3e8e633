package payloads

import (
	"time"

	"github.com/google/uuid"

	"github.com/fitstream-app/fitstream-backend/pkg/enums"
)

// UploadFailedEvent reports an ingest pipeline that terminated before
// producing an asset.
type UploadFailedEvent struct {
	UploadID uuid.UUID `json:"upload_id"`
	Filename string    `json:"filename"`
	Reason   string    `json:"reason"`
	Message  string    `json:"message,omitempty"`
	FailedAt time.Time `json:"failed_at"`
}

// AssetReadyEvent signals that source ingest finished and transcode jobs
// were fanned out for the asset.
type AssetReadyEvent struct {
	AssetID   uuid.UUID       `json:"asset_id"`
	UploadID  uuid.UUID       `json:"upload_id"`
	DurationS float64         `json:"duration_s"`
	Qualities []enums.Quality `json:"qualities"`
}

// AssetVariantReadyEvent is emitted once per completed transcode output.
type AssetVariantReadyEvent struct {
	AssetID    uuid.UUID     `json:"asset_id"`
	JobID      uuid.UUID     `json:"job_id"`
	Quality    enums.Quality `json:"quality"`
	Path       string        `json:"path"`
	SizeBytes  int64         `json:"size_bytes"`
	Resolution string        `json:"resolution"`
	Bitrate    int           `json:"bitrate"`
}

// AssetPublishedEvent signals the asset satisfied the publish policy and is
// now playable.
type AssetPublishedEvent struct {
	AssetID     uuid.UUID       `json:"asset_id"`
	Qualities   []enums.Quality `json:"qualities"`
	PublishedAt time.Time       `json:"published_at"`
}

// TranscodeFailedEvent reports a job that exhausted its retry budget or hit
// a non-retryable failure.
type TranscodeFailedEvent struct {
	AssetID      uuid.UUID     `json:"asset_id"`
	JobID        uuid.UUID     `json:"job_id"`
	Quality      enums.Quality `json:"quality"`
	Reason       string        `json:"reason"`
	Message      string        `json:"message,omitempty"`
	AttemptCount int           `json:"attempt_count"`
}
