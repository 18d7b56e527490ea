package persister

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("no server file mapped for project")
	ErrSaveFailed    = errors.New("project save failed")
	ErrQuotaExceeded = errors.New("storage quota exceeded")
	ErrDeleteFailed  = errors.New("project delete failed")
)

// QuotaExceededError carries the server's quota message verbatim.
type QuotaExceededError struct {
	Message string
}

func (e *QuotaExceededError) Error() string {
	if e.Message == "" {
		return ErrQuotaExceeded.Error()
	}
	return e.Message
}

func (e *QuotaExceededError) Is(target error) bool { return target == ErrQuotaExceeded }

// SaveFailedError is a save rejected by the server or lost in transit.
// StatusCode is 0 for transport failures and for 2xx bodies reporting
// success:false.
type SaveFailedError struct {
	StatusCode int
	Message    string
	Cause      error
}

func (e *SaveFailedError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Message != "":
		return fmt.Sprintf("save failed: HTTP %d: %s", e.StatusCode, e.Message)
	case e.StatusCode != 0:
		return fmt.Sprintf("save failed: HTTP %d", e.StatusCode)
	case e.Message != "":
		return "save failed: " + e.Message
	case e.Cause != nil:
		return "save failed: " + e.Cause.Error()
	default:
		return ErrSaveFailed.Error()
	}
}

func (e *SaveFailedError) Unwrap() error { return e.Cause }

func (e *SaveFailedError) Is(target error) bool { return target == ErrSaveFailed }
