package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/fitstream-app/fitstream-backend/pkg/enums"
)

// TranscodeJob tracks one (asset, quality) transcode attempt chain. The
// dispatcher owns scheduling fields (status, attempts, next_attempt_at,
// heartbeat) while the executing worker owns progress and result fields.
type TranscodeJob struct {
	ID           uuid.UUID       `gorm:"column:id;type:uuid;primaryKey"`
	AssetID      uuid.UUID       `gorm:"column:asset_id;type:uuid;not null;uniqueIndex:ux_transcode_jobs_asset_quality"`
	Quality      enums.Quality   `gorm:"column:quality;not null;uniqueIndex:ux_transcode_jobs_asset_quality"`
	Status       enums.JobStatus `gorm:"column:status;not null;index"`
	Progress     int             `gorm:"column:progress;not null;default:0"`
	AttemptCount int             `gorm:"column:attempt_count;not null;default:0"`
	LastError    *string         `gorm:"column:last_error"`

	InputPath       string `gorm:"column:input_path;not null"`
	InputFormat     string `gorm:"column:input_format"`
	InputDurationS  int    `gorm:"column:input_duration_s"`
	InputResolution string `gorm:"column:input_resolution"`
	InputBitrate    int64  `gorm:"column:input_bitrate"`

	OutputPath       *string `gorm:"column:output_path"`
	OutputSize       *int64  `gorm:"column:output_size"`
	OutputResolution string  `gorm:"column:output_resolution"`
	OutputBitrate    int64   `gorm:"column:output_bitrate"`

	NextAttemptAt   time.Time  `gorm:"column:next_attempt_at;not null;index"`
	HeartbeatAt     *time.Time `gorm:"column:heartbeat_at"`
	CancelRequested bool       `gorm:"column:cancel_requested;not null;default:false"`
	StartedAt       *time.Time `gorm:"column:started_at"`
	CompletedAt     *time.Time `gorm:"column:completed_at"`
	ProcessingTimeS *int       `gorm:"column:processing_time_s"`

	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}
