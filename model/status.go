package model

// Status is a state in the tracked-file lifecycle (spec.md §4.2).
type Status int

const (
	StatusUnknown Status = iota
	StatusDiscovered
	StatusGrowing
	StatusReadyToStartGrowing
	StatusReady
	StatusInQueue
	StatusCopying
	StatusGrowingCopy
	StatusWaitingForSpace
	StatusWaitingForNetwork
	StatusSpaceError
	StatusCompleted
	StatusFailed
	StatusRemoved
)

var statusNames = map[Status]string{
	StatusDiscovered:          "DISCOVERED",
	StatusGrowing:             "GROWING",
	StatusReadyToStartGrowing: "READY_TO_START_GROWING",
	StatusReady:               "READY",
	StatusInQueue:             "IN_QUEUE",
	StatusCopying:             "COPYING",
	StatusGrowingCopy:         "GROWING_COPY",
	StatusWaitingForSpace:     "WAITING_FOR_SPACE",
	StatusWaitingForNetwork:   "WAITING_FOR_NETWORK",
	StatusSpaceError:          "SPACE_ERROR",
	StatusCompleted:           "COMPLETED",
	StatusFailed:              "FAILED",
	StatusRemoved:             "REMOVED",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return "UNKNOWN"
}

// MarshalJSON renders the status as its spec name, for the presentation layer.
func (s Status) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// IsActive reports whether s is anything other than a terminal state.
func (s Status) IsActive() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusRemoved:
		return false
	default:
		return true
	}
}

// IsTerminal reports whether no further transitions occur from s.
func (s Status) IsTerminal() bool {
	return !s.IsActive()
}
