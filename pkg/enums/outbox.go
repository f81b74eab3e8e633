package enums

import "fmt"

// OutboxAggregateType maps to the aggregate_type enum in Postgres.
type OutboxAggregateType string

const (
	AggregateUpload       OutboxAggregateType = "upload_task"
	AggregateAsset        OutboxAggregateType = "asset"
	AggregateTranscodeJob OutboxAggregateType = "transcode_job"
)

var validAggregateTypes = []OutboxAggregateType{
	AggregateUpload,
	AggregateAsset,
	AggregateTranscodeJob,
}

// IsValid reports whether the value matches the canonical aggregate_type enum.
func (a OutboxAggregateType) IsValid() bool {
	for _, candidate := range validAggregateTypes {
		if candidate == a {
			return true
		}
	}
	return false
}

// ParseOutboxAggregateType converts raw input into OutboxAggregateType.
func ParseOutboxAggregateType(value string) (OutboxAggregateType, error) {
	for _, candidate := range validAggregateTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid aggregate type %q", value)
}

// OutboxEventType maps to the event_type enum in Postgres.
type OutboxEventType string

const (
	EventUploadFailed      OutboxEventType = "upload_failed"
	EventAssetReady        OutboxEventType = "asset_ready"
	EventAssetVariantReady OutboxEventType = "asset_variant_ready"
	EventAssetPublished    OutboxEventType = "asset_published"
	EventTranscodeFailed   OutboxEventType = "transcode_failed"
)

var validOutboxEventTypes = []OutboxEventType{
	EventUploadFailed,
	EventAssetReady,
	EventAssetVariantReady,
	EventAssetPublished,
	EventTranscodeFailed,
}

// IsValid reports whether the value matches the canonical event_type enum.
func (e OutboxEventType) IsValid() bool {
	for _, candidate := range validOutboxEventTypes {
		if candidate == e {
			return true
		}
	}
	return false
}

// ParseOutboxEventType converts raw input into OutboxEventType.
func ParseOutboxEventType(value string) (OutboxEventType, error) {
	for _, candidate := range validOutboxEventTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid event type %q", value)
}
