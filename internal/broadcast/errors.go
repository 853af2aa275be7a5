package broadcast

import "errors"

var (
	// ErrMessageNotFound means the message reference resolved nowhere.
	ErrMessageNotFound = errors.New("message not found")
	// ErrInvalidSchedule means fireAt is malformed or not strictly in the future.
	ErrInvalidSchedule = errors.New("invalid schedule")
	// ErrGroupNotFound means the role does not exist in the directory.
	ErrGroupNotFound = errors.New("group not found")
	// ErrDirectoryUnavailable means the membership directory could not be read.
	ErrDirectoryUnavailable = errors.New("directory unavailable")
	// ErrTransportUnavailable means the content store or transport failed transiently.
	ErrTransportUnavailable = errors.New("transport unavailable")
)
