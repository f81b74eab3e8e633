package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/fitstream-app/fitstream-backend/pkg/enums"
)

// UploadTask tracks one logical upload from chunk receipt through asset
// creation. Chunk bookkeeping is owned exclusively by this row; readers get a
// point-in-time snapshot.
type UploadTask struct {
	ID               uuid.UUID          `gorm:"column:id;type:uuid;primaryKey"`
	OriginalFilename string             `gorm:"column:original_filename;not null"`
	DeclaredSize     int64              `gorm:"column:declared_size;not null"`
	DeclaredChecksum *string            `gorm:"column:declared_checksum"`
	ComputedChecksum *string            `gorm:"column:computed_checksum"`
	TotalChunks      int                `gorm:"column:total_chunks;not null"`
	ReceivedChunks   int                `gorm:"column:received_chunks;not null;default:0"`
	Status           enums.UploadStatus `gorm:"column:status;not null"`
	ErrorMessage     *string            `gorm:"column:error_message"`
	SourcePath       *string            `gorm:"column:source_path"`
	AssetID          *uuid.UUID         `gorm:"column:asset_id;type:uuid"`
	CreatedAt        time.Time          `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt        time.Time          `gorm:"column:updated_at;autoUpdateTime"`
}
