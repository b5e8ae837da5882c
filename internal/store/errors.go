package store

import (
	"github.com/cockroachdb/errors"
)

// Sentinel errors. Backend errors are marked with one of these so callers
// can use errors.Is regardless of how deeply they were wrapped.
var (
	// ErrNotFound means the backend answered and holds no record for the key
	ErrNotFound = errors.New("record not found")

	// ErrBackendUnavailable means the backend could not answer
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrSerialization means a record could not be encoded or decoded
	ErrSerialization = errors.New("record serialization failed")

	// ErrRecordFinal means the durable record is already terminal and
	// rejected the write
	ErrRecordFinal = errors.New("record already final")
)

func unavailable(err error, msg string) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.Wrap(err, msg), ErrBackendUnavailable)
}

func serialization(err error, msg string) error {
	return errors.Mark(errors.Wrap(err, msg), ErrSerialization)
}

// IsNotFound reports whether err means the record does not exist
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsFinal reports whether err means a terminal record refused a write
func IsFinal(err error) bool {
	return errors.Is(err, ErrRecordFinal)
}

// IsUnavailable reports whether err means a backend could not answer
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrBackendUnavailable)
}
