package model

import (
	"time"

	"github.com/google/uuid"
)

// Event is the marker interface implemented by every domain event published
// on the bus (spec.md §3 Event log).
type Event interface {
	eventName() string
}

// FileStatusChangedEvent is emitted on every validated state transition.
type FileStatusChangedEvent struct {
	FileID    uuid.UUID `json:"file_id"`
	FilePath  string    `json:"file_path"`
	OldStatus Status    `json:"old_status"`
	NewStatus Status    `json:"new_status"`
	Timestamp time.Time `json:"timestamp"`
}

func (FileStatusChangedEvent) eventName() string { return "file_update" }

// FileCopyProgressEvent reports copy progress. A normal copy emits it when
// the integer copy percentage crosses the configured granularity (spec.md
// §4.5 step 5); a growing copy emits it after every chunk it writes.
type FileCopyProgressEvent struct {
	FileID        uuid.UUID `json:"file_id"`
	BytesCopied   int64     `json:"bytes_copied"`
	TotalBytes    int64     `json:"total_bytes"`
	CopySpeedMbps float64   `json:"copy_speed_mbps"`
	Timestamp     time.Time `json:"timestamp"`
}

func (FileCopyProgressEvent) eventName() string { return "file_progress_update" }

// StorageStatusChangedEvent is emitted by the Storage Monitor on any status
// change to either the source or destination directory.
type StorageStatusChangedEvent struct {
	Kind      StorageKind `json:"kind"`
	OldStatus StorageStatus `json:"old_status"`
	NewStatus StorageStatus `json:"new_status"`
	Info      StorageInfo   `json:"info"`
	Timestamp time.Time     `json:"timestamp"`
}

func (StorageStatusChangedEvent) eventName() string { return "storage_update" }

// MountAttemptPhase enumerates the phases of a mount attempt.
type MountAttemptPhase string

const (
	MountAttempting   MountAttemptPhase = "attempting"
	MountSucceeded    MountAttemptPhase = "succeeded"
	MountFailed       MountAttemptPhase = "failed"
	MountNotConfigured MountAttemptPhase = "not_configured"
)

// MountStatusChangedEvent is emitted by the Storage Monitor around a mount
// attempt (spec.md §4.8).
type MountStatusChangedEvent struct {
	Phase     MountAttemptPhase `json:"phase"`
	Platform  string            `json:"platform"`
	Message   string            `json:"message,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

func (MountStatusChangedEvent) eventName() string { return "mount_status" }

// ScannerStatusChangedEvent is emitted when the Scanner is paused or resumed.
type ScannerStatusChangedEvent struct {
	Paused    bool      `json:"paused"`
	Timestamp time.Time `json:"timestamp"`
}

func (ScannerStatusChangedEvent) eventName() string { return "scanner_status" }
