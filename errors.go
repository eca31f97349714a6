package modelcache

import (
	"errors"
	"fmt"
)

// Sentinel errors for cache operations.
// Use errors.Is() to check for specific error conditions.
var (
	// ErrStorage indicates the persistence layer rejected a read, write or delete.
	ErrStorage = errors.New("modelcache: storage error")

	// ErrNetwork indicates a non-success HTTP status, an aborted stream, or a
	// byte count that does not match the declared length.
	ErrNetwork = errors.New("modelcache: network error")

	// ErrInvalidSelection indicates an attempt to activate an asset that is not stored.
	ErrInvalidSelection = errors.New("modelcache: asset is not stored and cannot be activated")

	// ErrConcurrencyRejected indicates a download was requested while another is in flight.
	ErrConcurrencyRejected = errors.New("modelcache: another download is in progress")

	// ErrNotStored indicates the asset is not present in the local store.
	ErrNotStored = errors.New("modelcache: asset not stored")

	// ErrUnknownModel indicates the key is not in the catalog and no source URL was given.
	ErrUnknownModel = errors.New("modelcache: model not found in catalog")

	// ErrInvalidKey indicates a malformed asset key.
	ErrInvalidKey = errors.New("modelcache: invalid asset key")

	// ErrStalled indicates the download stream produced no data within the idle timeout.
	ErrStalled = errors.New("modelcache: download stalled")

	// ErrCanceled indicates the in-flight download was canceled through CancelDownload.
	ErrCanceled = errors.New("modelcache: download canceled")
)

// NetworkError describes a failed download request.
// It matches ErrNetwork with errors.Is.
type NetworkError struct {
	// Op is the failing step, e.g. "request", "status", "read", "length".
	Op string

	// URL is the source that was being fetched.
	URL string

	// StatusCode is the HTTP status, or 0 if no response was received.
	StatusCode int

	// Err is the underlying cause. May be nil for status failures.
	Err error
}

func (e *NetworkError) Error() string {
	msg := fmt.Sprintf("%s: %s %s", ErrNetwork.Error(), e.Op, e.URL)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(": status %d", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrNetwork.
func (e *NetworkError) Is(target error) bool {
	return target == ErrNetwork
}
