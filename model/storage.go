package model

import "time"

// StorageStatus classifies the health of a monitored directory (spec.md §3).
type StorageStatus int

const (
	StorageUnknown StorageStatus = iota
	StorageOK
	StorageWarning
	StorageError
	StorageCritical
)

func (s StorageStatus) String() string {
	switch s {
	case StorageOK:
		return "OK"
	case StorageWarning:
		return "WARNING"
	case StorageError:
		return "ERROR"
	case StorageCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

func (s StorageStatus) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// StorageKind distinguishes the source tree from the destination share.
type StorageKind string

const (
	StorageKindSource      StorageKind = "source"
	StorageKindDestination StorageKind = "destination"
)

// StorageInfo is the cached health snapshot the Storage Monitor publishes
// (spec.md §3).
type StorageInfo struct {
	Path              string        `json:"path"`
	IsAccessible      bool          `json:"is_accessible"`
	HasWriteAccess    bool          `json:"has_write_access"`
	FreeSpaceGB       float64       `json:"free_space_gb"`
	TotalSpaceGB      float64       `json:"total_space_gb"`
	UsedSpaceGB       float64       `json:"used_space_gb"`
	Status            StorageStatus `json:"status"`
	WarningThreshold  float64       `json:"warning_threshold_gb"`
	CriticalThreshold float64       `json:"critical_threshold_gb"`
	LastChecked       time.Time     `json:"last_checked"`
	ErrorMessage      string        `json:"error_message,omitempty"`
}

// SpaceCheckResult is the Space Arbiter's verdict for one candidate copy
// (spec.md §3, §4.6).
type SpaceCheckResult struct {
	HasSpace         bool   `json:"has_space"`
	AvailableBytes   int64  `json:"available_bytes"`
	RequiredBytes    int64  `json:"required_bytes"`
	FileSizeBytes    int64  `json:"file_size_bytes"`
	SafetyMarginByte int64  `json:"safety_margin_bytes"`
	Reason           string `json:"reason,omitempty"`
}
