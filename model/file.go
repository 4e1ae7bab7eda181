package model

import (
	"time"

	"github.com/google/uuid"
)

// RetryType distinguishes what a scheduled RetryInfo is waiting on.
type RetryType string

const (
	RetryTypeSpace   RetryType = "space"
	RetryTypeNetwork RetryType = "network"
)

// RetryInfo describes a retry scheduled for a record (spec.md §3, I5).
type RetryInfo struct {
	Reason      string    `json:"reason"`
	RetryType   RetryType `json:"retry_type"`
	ScheduledAt time.Time `json:"scheduled_at"`
}

// TrackedFile is the central entity of the lifecycle (spec.md §3).
//
// A TrackedFile must only be mutated through the state machine; callers that
// obtain one from the repository hold a snapshot and must not retain it
// across suspension points (spec.md §4.1 Ownership).
type TrackedFile struct {
	ID       uuid.UUID `json:"id"`
	FilePath string    `json:"file_path"`
	Status   Status    `json:"status"`

	FileSize int64 `json:"file_size"`

	// Growth-tracking fields, mutated only by the growth classifier.
	PreviousFileSize  int64      `json:"previous_file_size"`
	GrowthRateMbps    float64    `json:"growth_rate_mbps"`
	FirstSeenSize     int64      `json:"first_seen_size"`
	GrowthStableSince *time.Time `json:"growth_stable_since,omitempty"`
	LastGrowthCheck   *time.Time `json:"last_growth_check,omitempty"`

	BytesCopied   int64   `json:"bytes_copied"`
	CopyProgress  float64 `json:"copy_progress"`
	CopySpeedMbps float64 `json:"copy_speed_mbps"`

	DiscoveredAt     time.Time  `json:"discovered_at"`
	StartedCopyingAt *time.Time `json:"started_copying_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	SpaceErrorAt     *time.Time `json:"space_error_at,omitempty"`

	RetryCount int        `json:"retry_count"`
	RetryInfo  *RetryInfo `json:"retry_info,omitempty"`

	ErrorMessage string `json:"error_message,omitempty"`
}

// Clone returns a deep-enough copy of f suitable for handing to a caller that
// must not observe subsequent mutation (spec.md §4.1).
func (f *TrackedFile) Clone() *TrackedFile {
	if f == nil {
		return nil
	}
	clone := *f
	if f.GrowthStableSince != nil {
		t := *f.GrowthStableSince
		clone.GrowthStableSince = &t
	}
	if f.LastGrowthCheck != nil {
		t := *f.LastGrowthCheck
		clone.LastGrowthCheck = &t
	}
	if f.StartedCopyingAt != nil {
		t := *f.StartedCopyingAt
		clone.StartedCopyingAt = &t
	}
	if f.CompletedAt != nil {
		t := *f.CompletedAt
		clone.CompletedAt = &t
	}
	if f.SpaceErrorAt != nil {
		t := *f.SpaceErrorAt
		clone.SpaceErrorAt = &t
	}
	if f.RetryInfo != nil {
		ri := *f.RetryInfo
		clone.RetryInfo = &ri
	}
	return &clone
}

// NewDiscovered creates a freshly discovered record for path at size bytes.
func NewDiscovered(path string, size int64, now time.Time) *TrackedFile {
	return &TrackedFile{
		ID:            uuid.New(),
		FilePath:      path,
		Status:        StatusDiscovered,
		FileSize:      size,
		FirstSeenSize: size,
		DiscoveredAt:  now,
	}
}
