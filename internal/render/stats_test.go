package render

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHistogram(t *testing.T) {
	var buf bytes.Buffer
	Histogram(&buf, map[string]int64{"b-bucket": 1, "a-bucket": 3})
	out := buf.String()

	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	// Title, blank, three bar rows, separator, labels.
	assert.Len(t, lines, 7)
	assert.Less(t, strings.Index(out, "a-bucket (3)"), strings.Index(out, "b-bucket (1)"))
	assert.Equal(t, 1, strings.Count(lines[2], "█"))
	assert.Equal(t, 2, strings.Count(lines[4], "█"))
}

func TestHistogram_ScalesTallBars(t *testing.T) {
	var buf bytes.Buffer
	Histogram(&buf, map[string]int64{"x": 1000, "y": 1})
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	assert.Len(t, lines, 2+histogramMaxHeight+2)
	// Non-zero buckets always show at least one cell.
	assert.Equal(t, 2, strings.Count(lines[2+histogramMaxHeight-1], "█"))
}

func TestHistogram_TruncatesLabels(t *testing.T) {
	var buf bytes.Buffer
	Histogram(&buf, map[string]int64{strings.Repeat("l", 40): 1})
	assert.Contains(t, buf.String(), strings.Repeat("l", histogramColumnWidth)+" (1)")
	assert.NotContains(t, buf.String(), strings.Repeat("l", histogramColumnWidth+1))
}

func TestHistogram_Empty(t *testing.T) {
	var buf bytes.Buffer
	Histogram(&buf, nil)
	assert.Contains(t, buf.String(), "No histogram data available.")
}

func TestFacets(t *testing.T) {
	var buf bytes.Buffer
	Facets(&buf, map[string]map[string]int64{
		"routing.event_type": {"NEW_PROCESS": 3},
		"event.COMMAND_LINE": {"taskhostw.exe is evil": 1, "taskhostw.exe": 2},
	})
	want := "Facets\n\n" +
		"* event.COMMAND_LINE:\n" +
		"  - taskhostw.exe: 2\n" +
		"  - taskhostw.exe is evil: 1\n" +
		"* routing.event_type:\n" +
		"  - NEW_PROCESS: 3\n\n"
	assert.Equal(t, want, buf.String())
}

func TestFacets_Empty(t *testing.T) {
	var buf bytes.Buffer
	Facets(&buf, nil)
	assert.Contains(t, buf.String(), "No facets available.")
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{0, "0s"},
		{45.9, "45s"},
		{65, "1m 5s"},
		{3599, "59m 59s"},
		{3600, "1h 0m"},
		{5000, "1h 23m"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatDuration(tt.in), "FormatDuration(%v)", tt.in)
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0 bytes"},
		{1023, "1023 bytes"},
		{1024, "1.00 KB"},
		{1536, "1.50 KB"},
		{5 << 20, "5.00 MB"},
		{3 << 29, "1.50 GB"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatBytes(tt.in), "FormatBytes(%d)", tt.in)
	}
}

func TestFormatCount(t *testing.T) {
	assert.Equal(t, "0", FormatCount(0))
	assert.Equal(t, "999", FormatCount(999))
	assert.Equal(t, "1,000", FormatCount(1000))
	assert.Equal(t, "1,234,567", FormatCount(1234567))
	assert.Equal(t, "-12,345", FormatCount(-12345))
}
