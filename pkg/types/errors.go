package types

import "errors"

// Error taxonomy shared by every component. Callers classify with errors.Is.
var (
	ErrDeviceNotFound = errors.New("device not found")
	ErrHostNotFound   = errors.New("host not found")
	ErrPathNotFound   = errors.New("path not found")
	ErrNoMemory       = errors.New("resource limit reached")
	ErrInvalidParam   = errors.New("invalid parameter")
	ErrBufferTooSmall = errors.New("buffer too small")
	ErrCopyError      = errors.New("parameter copy failed")

	// ErrNotifyFailed is non-fatal: the path switch proceeds regardless.
	ErrNotifyFailed = errors.New("failover notification failed")

	// ErrTargetUnreachable is surfaced for commands that exhausted MaxRetriesPerIo.
	ErrTargetUnreachable = errors.New("target unreachable")
)

// IsNotFound reports whether err is one of the lookup failures.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrDeviceNotFound) ||
		errors.Is(err, ErrHostNotFound) ||
		errors.Is(err, ErrPathNotFound)
}
