package clockdb

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by Get when a document is absent or deleted.
	ErrNotFound = errors.New("clockdb: not found")

	// ErrCommitFailed is returned when the log engine fails to produce a new
	// head; the store's clock is left unchanged.
	ErrCommitFailed = errors.New("clockdb: commit failed")

	// ErrInvalidComparison is returned when a definite numeric reference is
	// compared against a NaN reference on the right side.
	ErrInvalidComparison = errors.New("clockdb: comparison against NaN reference")

	// ErrReadOnly is returned by mutations on a snapshot.
	ErrReadOnly = errors.New("clockdb: read-only snapshot")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("clockdb: store closed")
)

// ValidationError is returned when the validation hook rejects a pending put
// or delete. No blocks have been written.
type ValidationError struct {
	ID  string
	Err error
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("clockdb: validation rejected %q: %v", e.ID, e.Err)
}

// MissingMapFnError is returned when an index update runs without a live map
// function attached. The stored source text is echoed to aid diagnosis;
// attach a matching function with AttachMap and retry.
type MissingMapFnError struct {
	Name string
	Code string
}

func (e *MissingMapFnError) Error() string {
	return fmt.Sprintf("clockdb: index %q has no map function attached (stored code: %s); attach it with AttachMap before updating", e.Name, e.Code)
}

// DataError reports undecodable persisted data, with a truncated hex dump.
type DataError struct {
	Data []byte
	Off  int
	Err  error
	Msg  string
}

func dataErrf(data []byte, off int, err error, format string, args ...any) error {
	return &DataError{data, off, err, fmt.Sprintf(format, args...)}
}

func (e *DataError) Unwrap() error {
	return e.Err
}

func (e *DataError) Error() string {
	const prefixLen = 64
	const suffixLen = 32
	n := len(e.Data)
	if n <= prefixLen+suffixLen {
		if e.Err != nil {
			return fmt.Sprintf("%s: %v: (%d) %x", e.Msg, e.Err, n, e.Data)
		} else {
			return fmt.Sprintf("%s: (%d) %x", e.Msg, n, e.Data)
		}
	} else {
		p, s := e.Data[:prefixLen], e.Data[n-suffixLen:]
		if e.Err != nil {
			return fmt.Sprintf("%s: %v: (%d) %x...%x", e.Msg, e.Err, n, p, s)
		} else {
			return fmt.Sprintf("%s: (%d) %x...%x", e.Msg, n, p, s)
		}
	}
}
