package stream

import "errors"

var (
	// ErrAlreadyActive reports an admission conflict: a job for the same id
	// is currently streaming. Surfaced to callers as a conflict, not a fault.
	ErrAlreadyActive = errors.New("stream already active")
	// ErrSourceMissing reports that the backing media file is absent on disk.
	ErrSourceMissing = errors.New("source file missing")
	// ErrInvalidTarget reports a malformed RTMP URL or an undersized stream key.
	ErrInvalidTarget = errors.New("invalid rtmp target")
	// ErrNotFound reports that no persisted record exists for the id.
	ErrNotFound = errors.New("record not found")
)
