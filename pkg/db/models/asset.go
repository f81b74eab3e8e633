package models

import (
	"time"

	"github.com/google/uuid"
)

// Asset is the logical media item created once assembly, verification, and
// probing succeed. Variants are appended by successful transcode jobs; this
// row is the single writer-of-record for published qualities.
type Asset struct {
	ID           uuid.UUID `gorm:"column:id;type:uuid;primaryKey"`
	UploadTaskID uuid.UUID `gorm:"column:upload_task_id;type:uuid;not null;uniqueIndex"`
	Title        string    `gorm:"column:title;not null"`
	SourcePath   string    `gorm:"column:source_path;not null"`
	SizeBytes    int64     `gorm:"column:size_bytes;not null"`
	DurationS    int       `gorm:"column:duration_s;not null"`
	Resolution   string    `gorm:"column:resolution;not null"`
	Bitrate      int64     `gorm:"column:bitrate;not null"`
	Format       string    `gorm:"column:format;not null"`
	Published    bool      `gorm:"column:published;not null;default:false"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// AssetVariant is one transcoded rendition of an asset. A row exists only for
// jobs that reached the success-terminal state.
type AssetVariant struct {
	ID         uuid.UUID `gorm:"column:id;type:uuid;primaryKey"`
	AssetID    uuid.UUID `gorm:"column:asset_id;type:uuid;not null;uniqueIndex:ux_asset_variants_asset_quality"`
	Quality    string    `gorm:"column:quality;not null;uniqueIndex:ux_asset_variants_asset_quality"`
	Path       string    `gorm:"column:path;not null"`
	SizeBytes  int64     `gorm:"column:size_bytes;not null"`
	Resolution string    `gorm:"column:resolution;not null"`
	Bitrate    int64     `gorm:"column:bitrate;not null"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
}
