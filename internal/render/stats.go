package render

import (
	"fmt"
	"io"
	"sort"
	"strings"
)

const (
	histogramColumnWidth = 25
	histogramMaxHeight   = 20
)

// Histogram prints a vertical bar chart, one column per bucket in sorted key order.
// Tall charts are scaled down to histogramMaxHeight rows.
func Histogram(w io.Writer, hist map[string]int64) {
	fmt.Fprint(w, "Histogram\n\n")
	if len(hist) == 0 {
		fmt.Fprintln(w, "No histogram data available.")
		return
	}

	keys := sortedKeys(hist)
	var maxCount int64
	for _, k := range keys {
		maxCount = max(maxCount, hist[k])
	}
	if maxCount <= 0 {
		fmt.Fprintln(w, "No histogram data available.")
		return
	}

	height := min(maxCount, histogramMaxHeight)
	for level := height; level > 0; level-- {
		var b strings.Builder
		for _, k := range keys {
			// Bar height rounded up so any non-zero bucket shows at least one cell.
			bar := (hist[k]*height + maxCount - 1) / maxCount
			cell := " "
			if bar >= level {
				cell = "█"
			}
			b.WriteString(" " + center(cell, histogramColumnWidth) + " ")
		}
		fmt.Fprintln(w, strings.TrimRight(b.String(), " "))
	}

	var sep, labels strings.Builder
	for _, k := range keys {
		sep.WriteString(" " + strings.Repeat("-", histogramColumnWidth) + " ")
		label := k
		if r := []rune(label); len(r) > histogramColumnWidth {
			label = string(r[:histogramColumnWidth])
		}
		labels.WriteString(" " + center(fmt.Sprintf("%s (%d)", label, hist[k]), histogramColumnWidth) + " ")
	}
	fmt.Fprintln(w, strings.TrimRight(sep.String(), " "))
	fmt.Fprintln(w, strings.TrimRight(labels.String(), " "))
}

// Facets prints each facet with its value counts, both in sorted order.
func Facets(w io.Writer, facets map[string]map[string]int64) {
	fmt.Fprint(w, "Facets\n\n")
	if len(facets) == 0 {
		fmt.Fprintln(w, "No facets available.")
		return
	}

	names := make([]string, 0, len(facets))
	for name := range facets {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		fmt.Fprintf(w, "* %s:\n", name)
		values := facets[name]
		for _, v := range sortedKeys(values) {
			fmt.Fprintf(w, "  - %s: %d\n", v, values[v])
		}
	}
	fmt.Fprintln(w)
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func center(s string, width int) string {
	n := len([]rune(s))
	if n >= width {
		return s
	}
	left := (width - n) / 2
	return strings.Repeat(" ", left) + s + strings.Repeat(" ", width-n-left)
}

// FormatDuration renders seconds as "45s", "1m 5s" or "1h 23m".
func FormatDuration(seconds float64) string {
	s := int64(seconds)
	switch {
	case seconds < 60:
		return fmt.Sprintf("%ds", s)
	case seconds < 3600:
		return fmt.Sprintf("%dm %ds", s/60, s%60)
	default:
		return fmt.Sprintf("%dh %dm", s/3600, (s%3600)/60)
	}
}

// FormatBytes renders a byte count with binary units and two decimals.
func FormatBytes(n int64) string {
	const (
		kb = 1 << 10
		mb = 1 << 20
		gb = 1 << 30
	)
	switch {
	case n >= gb:
		return fmt.Sprintf("%.2f GB", float64(n)/gb)
	case n >= mb:
		return fmt.Sprintf("%.2f MB", float64(n)/mb)
	case n >= kb:
		return fmt.Sprintf("%.2f KB", float64(n)/kb)
	default:
		return fmt.Sprintf("%d bytes", n)
	}
}

// FormatCount renders an integer with thousands separators.
func FormatCount(n int64) string {
	s := fmt.Sprintf("%d", n)
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	var b strings.Builder
	for i, r := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	if neg {
		return "-" + b.String()
	}
	return b.String()
}
