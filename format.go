package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/tonimelisma/dracoon-go/internal/transfer"
)

// statusf prints a status message to stderr unless --quiet is set.
func statusf(format string, args ...any) {
	if !flagQuiet {
		fmt.Fprintf(os.Stderr, format, args...)
	}
}

const (
	sizeKB = 1024
	sizeMB = 1024 * 1024
	sizeGB = 1024 * 1024 * 1024
	sizeTB = 1024 * 1024 * 1024 * 1024
)

// formatSize returns a human-readable size string (e.g. "1.2 MB").
func formatSize(bytes int64) string {
	switch {
	case bytes >= sizeTB:
		return fmt.Sprintf("%.1f TB", float64(bytes)/float64(sizeTB))
	case bytes >= sizeGB:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(sizeGB))
	case bytes >= sizeMB:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(sizeMB))
	case bytes >= sizeKB:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(sizeKB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

// formatTime returns a compact timestamp for display. Zero times render
// as "-".
func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}

	if t.Year() == time.Now().Year() {
		return t.Format("Jan _2 15:04")
	}

	return t.Format("Jan _2  2006")
}

// printTable writes aligned columns. headers and each row must have the
// same length.
func printTable(w io.Writer, headers []string, rows [][]string) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}

	for _, row := range rows {
		for i, cell := range row {
			widths[i] = max(widths[i], len(cell))
		}
	}

	printRow(w, headers, widths)

	for _, row := range rows {
		printRow(w, row, widths)
	}
}

func printRow(w io.Writer, cells []string, widths []int) {
	parts := make([]string, len(cells))
	for i, cell := range cells {
		parts[i] = fmt.Sprintf("%-*s", widths[i], cell)
	}

	fmt.Fprintln(w, strings.TrimRight(strings.Join(parts, "  "), " "))
}

// printJSON writes v as indented JSON to stdout.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	return enc.Encode(v)
}

// progressLine renders transfer progress on a single rewritten line.
type progressLine struct {
	mu    sync.Mutex
	w     io.Writer
	verb  string
	wrote bool
}

// newProgressObserver returns an observer that draws progress to stderr, or
// nil when stderr is not a terminal or --quiet is set.
func newProgressObserver(verb string) (transfer.Observer, func()) {
	if flagQuiet || !isatty.IsTerminal(os.Stderr.Fd()) {
		return nil, func() {}
	}

	p := &progressLine{w: os.Stderr, verb: verb}

	return p.observe, p.finish
}

func (p *progressLine) observe(ev transfer.ProgressEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintf(p.w, "\r%s", formatProgress(p.verb, ev))
	p.wrote = true
}

// finish ends the progress line so later output starts on a fresh line.
func (p *progressLine) finish() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.wrote {
		fmt.Fprintln(p.w)
	}
}

func formatProgress(verb string, ev transfer.ProgressEvent) string {
	pct := 100.0
	if ev.Total > 0 {
		pct = float64(ev.Bytes) * 100 / float64(ev.Total)
	}

	return fmt.Sprintf("%s: %s / %s (%.0f%%)", verb, formatSize(ev.Bytes), formatSize(ev.Total), pct)
}
