package client

import "errors"

var (
	// ErrDaemonNotRunning is returned when no session is serving the socket
	ErrDaemonNotRunning = errors.New("no running session (is `mvc run` active?)")

	// ErrPermissionDenied is returned when the user may not open the socket
	ErrPermissionDenied = errors.New("permission denied")

	// ErrNotFound is returned when 404 is returned from the session
	ErrNotFound = errors.New("404 not found")
)
