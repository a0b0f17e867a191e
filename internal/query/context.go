package query

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
)

// Stream selects which event stream a query reads. It implements pflag.Value.
type Stream string

const (
	StreamEvent  Stream = "event"
	StreamAudit  Stream = "audit"
	StreamDetect Stream = "detect"
)

var _ pflag.Value = (*Stream)(nil)

func (s *Stream) String() string {
	return string(*s)
}

func (s *Stream) Set(v string) error {
	parsed, err := ParseStream(v)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

func (s *Stream) Type() string {
	return "stream"
}

// ParseStream validates a stream name.
func ParseStream(v string) (Stream, error) {
	switch st := Stream(strings.ToLower(strings.TrimSpace(v))); st {
	case StreamEvent, StreamAudit, StreamDetect:
		return st, nil
	}
	return "", fmt.Errorf("invalid stream %q: must be event, audit or detect", v)
}

// Context is the mutable query state of a session. Selectors are passed to
// the service verbatim.
type Context struct {
	TimeFrame   string
	Sensors     string
	Events      string
	Stream      Stream
	LimitEvents int
	LimitEvals  int
}

// DefaultContext returns the context a new session starts with.
func DefaultContext() Context {
	return Context{
		TimeFrame: "-10m",
		Sensors:   "*",
		Events:    "*",
		Stream:    StreamEvent,
	}
}

// Build assembles the full query string for a fragment.
func (c Context) Build(fragment string) string {
	return fmt.Sprintf("%s | %s | %s | %s", c.TimeFrame, c.Sensors, c.Events, fragment)
}

// cacheKey identifies a query for the one-slot result cache. It is a struct
// rather than a concatenated string so adjacent fields cannot run together.
type cacheKey struct {
	ctx      Context
	fragment string
	paged    bool
}
