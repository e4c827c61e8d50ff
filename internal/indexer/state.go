package indexer

import (
	"time"

	kerr "github.com/hyperjump/kensaku/pkg/errors"
)

// FileState is the ingestion state of one file.
type FileState int

const (
	StateUnseen FileState = iota
	StateIndexed
	StateStale
	StateRemoved
)

func (s FileState) String() string {
	switch s {
	case StateUnseen:
		return "unseen"
	case StateIndexed:
		return "indexed"
	case StateStale:
		return "stale"
	case StateRemoved:
		return "removed"
	default:
		return "invalid"
	}
}

// MarshalText renders the state by name in JSON responses.
func (s FileState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// transitions lists the legal successors of each state. A stale file may go stale again
// when a retry follows a failed pass.
var transitions = map[FileState][]FileState{
	StateUnseen:  {StateStale},
	StateIndexed: {StateStale, StateRemoved},
	StateStale:   {StateIndexed, StateStale, StateRemoved},
	StateRemoved: {StateStale},
}

// CanTransition reports whether from -> to is a legal transition.
func CanTransition(from, to FileState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func transition(path string, from, to FileState) error {
	if CanTransition(from, to) {
		return nil
	}
	return kerr.New(kerr.CodeStateTransitionCorrupt, "illegal file state transition",
		kerr.FieldPath(path), kerr.Field("from", from.String()), kerr.Field("to", to.String()))
}

// FileStatus is the pipeline's view of one file.
type FileStatus struct {
	Path         string    `json:"path"`
	State        FileState `json:"state"`
	Version      uint64    `json:"version"`
	Spans        int       `json:"spans"`
	SkippedSpans int       `json:"skipped_spans"`
	LastError    string    `json:"last_error,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// FullyIndexed reports whether the last pass indexed every span of the file.
func (s FileStatus) FullyIndexed() bool {
	return s.State == StateIndexed && s.SkippedSpans == 0 && s.LastError == ""
}
