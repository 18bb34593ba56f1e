package audtext

import (
	"io"
	"time"
)

// Upload is the unit of work handed to Submit: one audio file.
type Upload struct {
	// Filename is sent as the multipart file name; the service validates its extension.
	Filename string
	// Body is streamed to the service exactly once.
	Body io.Reader
}

// StatusUpdate is one progress record, received from a status poll or the live channel.
type StatusUpdate struct {
	TaskID         string  `json:"task_id"`
	Status         Status  `json:"status"`
	Progress       float64 `json:"progress"`
	Message        string  `json:"message"`
	CurrentSegment *int    `json:"current_segment,omitempty"`
	TotalSegments  *int    `json:"total_segments,omitempty"`
}

// Segment is a timestamped slice of the transcript.
type Segment struct {
	ID    int     `json:"id"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Result is the final transcription of a completed task.
type Result struct {
	TaskID   string    `json:"task_id"`
	Status   Status    `json:"status"`
	Progress float64   `json:"progress"`
	Message  string    `json:"message"`
	Language string    `json:"language,omitempty"`
	Duration *float64  `json:"duration,omitempty"`
	Segments []Segment `json:"segments"`
	FullText string    `json:"full_text,omitempty"`
}

// Event is the normalized lifecycle snapshot delivered to subscribers.
// Fields outside the current State are zero: Result is only set when
// completed, FailureKind and FailureReason only when failed.
type Event struct {
	TaskID        string    `json:"task_id,omitempty"`
	Filename      string    `json:"filename,omitempty"`
	State         State     `json:"state"`
	Progress      float64   `json:"progress"`
	Message       string    `json:"message,omitempty"`
	Result        *Result   `json:"result,omitempty"`
	FailureKind   ErrorKind `json:"failure_kind,omitempty"`
	FailureReason string    `json:"failure_reason,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// SummaryStyle selects how the service summarizes a transcript.
type SummaryStyle string

const (
	SummaryConcise      SummaryStyle = "concise"
	SummaryDetailed     SummaryStyle = "detailed"
	SummaryBulletPoints SummaryStyle = "bullet_points"
)

// Summary is the response of the summarize endpoint.
type Summary struct {
	TaskID  string       `json:"task_id"`
	Summary string       `json:"summary"`
	Style   SummaryStyle `json:"style"`
}

// Health reports whether the summarization backend is usable.
type Health struct {
	Status  string `json:"status"`
	Model   string `json:"model"`
	Message string `json:"message"`
}

// Healthy reports whether the service considers its LLM backend ready.
func (h Health) Healthy() bool { return h.Status == "healthy" }

// ExportFormat is a transcript download format.
type ExportFormat string

const (
	ExportTXT  ExportFormat = "txt"
	ExportSRT  ExportFormat = "srt"
	ExportVTT  ExportFormat = "vtt"
	ExportJSON ExportFormat = "json"
)

// AllExportFormats lists every supported export format.
var AllExportFormats = []ExportFormat{ExportTXT, ExportSRT, ExportVTT, ExportJSON}
