package audtext

import (
	"fmt"
	"math"
)

// Wire shapes are decoded loosely and then validated, so a bad payload turns
// into ErrMalformedResponse instead of a half-filled value.

type wireStatus struct {
	TaskID         string   `json:"task_id"`
	Status         string   `json:"status"`
	Progress       *float64 `json:"progress"`
	Message        string   `json:"message"`
	CurrentSegment *int     `json:"current_segment"`
	TotalSegments  *int     `json:"total_segments"`
}

type wireResult struct {
	TaskID   string    `json:"task_id"`
	Status   string    `json:"status"`
	Progress *float64  `json:"progress"`
	Message  string    `json:"message"`
	Language *string   `json:"language"`
	Duration *float64  `json:"duration"`
	Segments []Segment `json:"segments"`
	FullText *string   `json:"full_text"`
}

type wireUpload struct {
	TaskID   string `json:"task_id"`
	Filename string `json:"filename"`
	Message  string `json:"message"`
}

type wireDetail struct {
	Detail any `json:"detail"`
}

type wireSummarize struct {
	TaskID string       `json:"task_id"`
	Style  SummaryStyle `json:"style"`
}

func validProgress(p float64) bool {
	return !math.IsNaN(p) && p >= 0 && p <= 100
}

func decodeStatus(enc Encoder, data []byte) (StatusUpdate, error) {
	var w wireStatus
	if err := enc.Decode(data, &w); err != nil {
		return StatusUpdate{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	st, err := ParseStatus(w.Status)
	if err != nil {
		return StatusUpdate{}, fmt.Errorf("%w: status %q: %w", ErrMalformedResponse, w.Status, err)
	}
	out := StatusUpdate{
		TaskID:         w.TaskID,
		Status:         st,
		Message:        w.Message,
		CurrentSegment: w.CurrentSegment,
		TotalSegments:  w.TotalSegments,
	}
	if w.Progress != nil {
		if !validProgress(*w.Progress) {
			return StatusUpdate{}, fmt.Errorf("%w: %v: %w", ErrMalformedResponse, *w.Progress, ErrInvalidProgress)
		}
		out.Progress = *w.Progress
	}
	return out, nil
}

func decodeResult(enc Encoder, data []byte) (*Result, error) {
	var w wireResult
	if err := enc.Decode(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	st, err := ParseStatus(w.Status)
	if err != nil {
		return nil, fmt.Errorf("%w: status %q: %w", ErrMalformedResponse, w.Status, err)
	}
	res := &Result{
		TaskID:   w.TaskID,
		Status:   st,
		Message:  w.Message,
		Duration: w.Duration,
		Segments: w.Segments,
	}
	if w.Progress != nil {
		if !validProgress(*w.Progress) {
			return nil, fmt.Errorf("%w: %v: %w", ErrMalformedResponse, *w.Progress, ErrInvalidProgress)
		}
		res.Progress = *w.Progress
	}
	if w.Language != nil {
		res.Language = *w.Language
	}
	if w.FullText != nil {
		res.FullText = *w.FullText
	}
	for _, s := range res.Segments {
		if s.End < s.Start {
			return nil, fmt.Errorf("%w: segment %d ends before it starts", ErrMalformedResponse, s.ID)
		}
	}
	return res, nil
}

// decodeDetail extracts the service-provided error detail: a string for most
// errors, a list of objects for request validation errors.
func decodeDetail(enc Encoder, data []byte) string {
	var w wireDetail
	if err := enc.Decode(data, &w); err != nil || w.Detail == nil {
		return ""
	}
	if s, ok := w.Detail.(string); ok {
		return s
	}
	raw, err := enc.Encode(w.Detail)
	if err != nil {
		return ""
	}
	return string(raw)
}
