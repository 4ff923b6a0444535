package browser

import (
	"errors"

	hosterrors "github.com/odvcencio/browserhost/pkg/errors"
)

var (
	ErrUnavailable   = errors.New("browser runtime unavailable")
	ErrNotConnected  = errors.New("worker connection not established")
	ErrSessionClosed = errors.New("browser session closed")
)

// IsConnectionError returns true if the error indicates the worker channel
// is unreachable or was lost.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnavailable) || errors.Is(err, ErrNotConnected) {
		return true
	}
	var structured *hosterrors.Error
	if errors.As(err, &structured) {
		return structured.Code == hosterrors.ErrCodeServiceNotAvailable
	}
	return false
}
