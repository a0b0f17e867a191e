package shell

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"golang.org/x/term"
)

// LineReader supplies input lines to the shell. ReadLine returns io.EOF when
// the user ends the session.
type LineReader interface {
	ReadLine() (string, error)
	Close() error
}

// CompleteFunc follows the AutoCompleteCallback contract of x/term.
type CompleteFunc func(line string, pos int, key rune) (string, int, bool)

// TerminalReader is a line editor on a raw-mode terminal.
type TerminalReader struct {
	fd    int
	state *term.State
	term  *term.Terminal
}

// NewTerminalReader switches in to raw mode and returns an editor with
// history and completion. Output for the user must go through Writer so
// newlines are translated while the terminal is raw.
func NewTerminalReader(in *os.File, out io.Writer, prompt string, history *History, complete CompleteFunc) (*TerminalReader, error) {
	fd := int(in.Fd())
	state, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("entering raw mode: %w", err)
	}

	t := term.NewTerminal(struct {
		io.Reader
		io.Writer
	}{in, out}, prompt)
	if history != nil {
		t.History = history
	}
	if complete != nil {
		t.AutoCompleteCallback = complete
	}
	if w, h, err := term.GetSize(fd); err == nil {
		_ = t.SetSize(w, h)
	}
	return &TerminalReader{fd: fd, state: state, term: t}, nil
}

func (r *TerminalReader) ReadLine() (string, error) {
	return r.term.ReadLine()
}

// Writer returns the terminal as an output stream.
func (r *TerminalReader) Writer() io.Writer {
	return r.term
}

// Close restores the terminal state. It is safe to call more than once.
func (r *TerminalReader) Close() error {
	if r.state == nil {
		return nil
	}
	err := term.Restore(r.fd, r.state)
	r.state = nil
	return err
}

// ScanReader reads lines from a non-interactive stream such as a pipe.
type ScanReader struct {
	sc     *bufio.Scanner
	out    io.Writer
	prompt string
	hist   *History
}

// NewScanReader reads from in, writing prompt to out before each line when
// out is non-nil.
func NewScanReader(in io.Reader, out io.Writer, prompt string, history *History) *ScanReader {
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	return &ScanReader{sc: sc, out: out, prompt: prompt, hist: history}
}

func (r *ScanReader) ReadLine() (string, error) {
	if r.out != nil {
		fmt.Fprint(r.out, r.prompt)
	}
	if !r.sc.Scan() {
		if err := r.sc.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	line := r.sc.Text()
	if r.hist != nil {
		r.hist.Add(line)
	}
	return line, nil
}

func (r *ScanReader) Close() error { return nil }

// IsTerminal reports whether f is an interactive terminal.
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}
