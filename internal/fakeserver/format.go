package fakeserver

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

func joinSegments(segs []Segment) string {
	parts := make([]string, 0, len(segs))
	for _, s := range segs {
		if t := strings.TrimSpace(s.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}

// timestamp renders seconds as HH:MM:SS<sep>mmm.
func timestamp(seconds float64, sep string) string {
	ms := int64(math.Round(seconds * 1000))
	h := ms / 3_600_000
	m := ms % 3_600_000 / 60_000
	s := ms % 60_000 / 1000
	return fmt.Sprintf("%02d:%02d:%02d%s%03d", h, m, s, sep, ms%1000)
}

func formatSRT(segs []Segment) string {
	lines := make([]string, 0, 4*len(segs))
	for i, s := range segs {
		lines = append(lines, strconv.Itoa(i+1), timestamp(s.Start, ",")+" --> "+timestamp(s.End, ","), strings.TrimSpace(s.Text), "")
	}
	return strings.Join(lines, "\n")
}

func formatVTT(segs []Segment) string {
	lines := make([]string, 0, 2+3*len(segs))
	lines = append(lines, "WEBVTT", "")
	for _, s := range segs {
		lines = append(lines, timestamp(s.Start, ".")+" --> "+timestamp(s.End, "."), strings.TrimSpace(s.Text), "")
	}
	return strings.Join(lines, "\n")
}

func summarize(t task, style string) string {
	switch style {
	case "bullet_points":
		var b strings.Builder
		for i, s := range t.Segments {
			if i > 0 {
				b.WriteByte('\n')
			}
			b.WriteString("- " + strings.TrimSpace(s.Text))
		}
		return b.String()
	case "detailed":
		return fmt.Sprintf("The recording (%d segments) says: %s", len(t.Segments), *t.FullText)
	default:
		words := strings.Fields(*t.FullText)
		if len(words) > 12 {
			words = append(words[:12], "...")
		}
		return strings.Join(words, " ")
	}
}
