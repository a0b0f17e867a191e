package query

import (
	"errors"
	"fmt"
)

// Sentinel errors for typed error checking.
var (
	ErrQueryFailed = errors.New("query failed")
	ErrNoMorePages = errors.New("no more pages")
)

// QueryError carries the message the service (or transport) reported for a failed query.
type QueryError struct {
	Query   string
	Message string
	Err     error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("query failed: %s", e.Message)
}

func (e *QueryError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrQueryFailed}
	}
	return []error{ErrQueryFailed, e.Err}
}

// IsQueryFailed returns true if err is a failed remote query.
func IsQueryFailed(err error) bool {
	return errors.Is(err, ErrQueryFailed)
}

// IsNoMorePages returns true if err means the cursor is exhausted.
func IsNoMorePages(err error) bool {
	return errors.Is(err, ErrNoMorePages)
}
