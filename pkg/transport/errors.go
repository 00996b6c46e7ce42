package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned when a call is attempted without a live
	// backend connection, or when the connection drops while a call waits.
	ErrNotConnected = errors.New("onebot: not connected")
	// ErrTimeout is returned when no response arrives before the call deadline.
	ErrTimeout = errors.New("onebot: call timed out")
)

// RemoteError is a business-level failure reported by the backend
// (status "failed"), as opposed to a transport failure.
type RemoteError struct {
	Action  string
	RetCode int64
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("onebot: %s failed: %s (retcode=%d)", e.Action, e.Message, e.RetCode)
}
