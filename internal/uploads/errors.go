package uploads

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidSize is returned when the declared upload size is zero,
	// negative, or above the configured ceiling.
	ErrInvalidSize = errors.New("invalid upload size")
	// ErrInvalidSession is returned when the session does not exist or is not
	// in a state that allows the requested operation.
	ErrInvalidSession = errors.New("invalid upload session")
	// ErrInvalidPart is returned when the part number is out of range.
	ErrInvalidPart = errors.New("invalid part number")
)

// IncompleteUploadError reports exactly which parts block completion so the
// client can re-upload them instead of restarting the whole transfer.
type IncompleteUploadError struct {
	Missing    []int
	Undersized []int
}

func (e *IncompleteUploadError) Error() string {
	return fmt.Sprintf("incomplete upload: %d missing part(s), %d undersized part(s)", len(e.Missing), len(e.Undersized))
}
