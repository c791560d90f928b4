package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// ErrTimeout is reported when a call exceeds its budget.
var ErrTimeout = errors.New("backend: request timed out")

// StatusError is a non-2xx answer from the backend.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Detail     string
}

func (e *StatusError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("backend: %s %s returned %d", e.Method, e.Path, e.StatusCode)
	}
	return fmt.Sprintf("backend: %s %s returned %d: %s", e.Method, e.Path, e.StatusCode, e.Detail)
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == code
}

func newStatusError(method, path string, code int, body []byte) *StatusError {
	se := &StatusError{Method: method, Path: path, StatusCode: code}
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err == nil && len(eb.Detail) > 0 {
		var s string
		if json.Unmarshal(eb.Detail, &s) == nil {
			se.Detail = s
		} else {
			se.Detail = string(eb.Detail)
		}
		return se
	}
	se.Detail = strings.TrimSpace(string(body))
	if len(se.Detail) > 200 {
		se.Detail = se.Detail[:200]
	}
	return se
}

// classify turns an exceeded budget into ErrTimeout and wraps everything else.
func classify(ctx context.Context, err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(context.Cause(ctx), ErrTimeout) {
		return errors.Wrap(ErrTimeout, op)
	}
	var se *StatusError
	if errors.As(err, &se) {
		return err
	}
	return errors.Wrap(err, op)
}
