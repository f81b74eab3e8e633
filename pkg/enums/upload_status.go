package enums

import "fmt"

// UploadStatus captures the lifecycle of an upload task from first chunk to
// published asset.
type UploadStatus string

const (
	UploadStatusReceiving  UploadStatus = "receiving"
	UploadStatusAssembling UploadStatus = "assembling"
	UploadStatusVerifying  UploadStatus = "verifying"
	UploadStatusProbing    UploadStatus = "probing"
	UploadStatusFanningOut UploadStatus = "fanning_out"
	UploadStatusCompleted  UploadStatus = "completed"
	UploadStatusFailed     UploadStatus = "failed"
)

var validUploadStatuses = []UploadStatus{
	UploadStatusReceiving,
	UploadStatusAssembling,
	UploadStatusVerifying,
	UploadStatusProbing,
	UploadStatusFanningOut,
	UploadStatusCompleted,
	UploadStatusFailed,
}

// uploadSuccessors lists the allowed forward transitions. Failed is reachable
// from every non-terminal state and terminal states have no successors.
var uploadSuccessors = map[UploadStatus][]UploadStatus{
	UploadStatusReceiving:  {UploadStatusAssembling, UploadStatusFailed},
	UploadStatusAssembling: {UploadStatusVerifying, UploadStatusFailed},
	UploadStatusVerifying:  {UploadStatusProbing, UploadStatusFailed},
	UploadStatusProbing:    {UploadStatusFanningOut, UploadStatusFailed},
	UploadStatusFanningOut: {UploadStatusCompleted, UploadStatusFailed},
	UploadStatusCompleted:  {},
	UploadStatusFailed:     {},
}

// String implements fmt.Stringer.
func (u UploadStatus) String() string {
	return string(u)
}

// IsValid reports whether the value matches a known UploadStatus.
func (u UploadStatus) IsValid() bool {
	for _, candidate := range validUploadStatuses {
		if candidate == u {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further automatic transition may occur.
func (u UploadStatus) IsTerminal() bool {
	return u == UploadStatusCompleted || u == UploadStatusFailed
}

// CanTransitionTo reports whether next is an allowed successor of u.
func (u UploadStatus) CanTransitionTo(next UploadStatus) bool {
	for _, candidate := range uploadSuccessors[u] {
		if candidate == next {
			return true
		}
	}
	return false
}

// ParseUploadStatus converts raw input into an UploadStatus.
func ParseUploadStatus(value string) (UploadStatus, error) {
	for _, candidate := range validUploadStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid upload status %q", value)
}
