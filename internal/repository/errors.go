package repository

import "errors"

// Sentinel errors returned by repository implementations. The service layer
// maps these onto the API error codes.
var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("repository: not found")

	// ErrDuplicate indicates a uniqueness violation, e.g. two concurrent
	// inserts of the same (user, scope, agent, content_hash).
	ErrDuplicate = errors.New("repository: duplicate")

	// ErrStale indicates the row changed under a lineage mutation, e.g. the
	// predecessor of a supersession was retired by a concurrent writer.
	ErrStale = errors.New("repository: stale row")

	// ErrUnavailable indicates the store could not be reached. Callers may
	// retry the whole operation.
	ErrUnavailable = errors.New("repository: store unavailable")
)

// IsNotFound reports whether err is a missing-row error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsDuplicate reports whether err is a uniqueness violation.
func IsDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicate)
}

// IsConflict reports whether err is a write conflict the caller may retry.
func IsConflict(err error) bool {
	return errors.Is(err, ErrDuplicate) || errors.Is(err, ErrStale)
}

// IsUnavailable reports whether err is a transient connectivity failure.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
