package shell

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// DefaultHistorySize bounds the number of remembered lines.
const DefaultHistorySize = 1000

// History is the line history of the shell. It satisfies the history
// interface of golang.org/x/term, where At(0) is the most recent entry.
type History struct {
	mu      sync.Mutex
	path    string
	max     int
	entries []string // oldest first
}

// NewHistory creates an empty history persisted at path. An empty path keeps
// history in memory only.
func NewHistory(path string, max int) *History {
	if max <= 0 {
		max = DefaultHistorySize
	}
	return &History{path: path, max: max}
}

// Load reads the history file. A missing file is not an error.
func (h *History) Load() error {
	if h.path == "" {
		return nil
	}
	f, err := os.Open(h.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("opening history: %w", err)
	}
	defer f.Close()

	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = h.entries[:0]
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		if line := sc.Text(); strings.TrimSpace(line) != "" {
			h.entries = append(h.entries, line)
		}
	}
	h.trim()
	return sc.Err()
}

// Save writes the history file with owner-only permissions.
func (h *History) Save() error {
	if h.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(h.path), 0o700); err != nil {
		return fmt.Errorf("creating history dir: %w", err)
	}

	h.mu.Lock()
	data := strings.Join(h.entries, "\n")
	h.mu.Unlock()
	if data != "" {
		data += "\n"
	}

	tmp := h.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(data), 0o600); err != nil {
		return fmt.Errorf("writing history: %w", err)
	}
	if err := os.Rename(tmp, h.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("writing history: %w", err)
	}
	return nil
}

// Add appends entry unless it is blank or repeats the previous line.
func (h *History) Add(entry string) {
	if strings.TrimSpace(entry) == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if n := len(h.entries); n > 0 && h.entries[n-1] == entry {
		return
	}
	h.entries = append(h.entries, entry)
	h.trim()
}

func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}

// At returns the idx-th most recent entry. It panics when idx is out of range.
func (h *History) At(idx int) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.entries[len(h.entries)-1-idx]
}

func (h *History) trim() {
	if over := len(h.entries) - h.max; over > 0 {
		h.entries = append(h.entries[:0], h.entries[over:]...)
	}
}
