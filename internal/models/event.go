package models

// EventType is the kind of file-change notification.
type EventType string

const (
	EventFileChanged EventType = "changed"
	EventFileRemoved EventType = "removed"
)

// FileEvent is a change notification consumed by the ingestion pipeline. Spans are only
// meaningful for EventFileChanged and come from the external span extractor.
type FileEvent struct {
	Type  EventType   `json:"type"`
	File  ProjectFile `json:"file"`
	Spans []CodeSpan  `json:"spans,omitempty"`
}

// FileChanged builds a change event for file with the given spans.
func FileChanged(file ProjectFile, spans []CodeSpan) FileEvent {
	return FileEvent{Type: EventFileChanged, File: file, Spans: spans}
}

// FileRemoved builds a removal event for path.
func FileRemoved(path string) FileEvent {
	return FileEvent{Type: EventFileRemoved, File: ProjectFile{Path: path}}
}
