package monitoggle

import (
	"errors"
	"fmt"
)

var (
	ErrNoModesAvailable        = errors.New("output has no display modes")
	ErrUnknownMonitorSerial    = errors.New("unknown monitor")
	ErrCannotDisablePrimary    = errors.New("cannot disable the primary monitor")
	ErrWouldDisableAllMonitors = errors.New("would disable all monitors")

	ErrStaleSerial      = errors.New("configuration serial is stale")
	ErrServiceError     = errors.New("configuration service rejected the request")
	ErrTransportFailure = errors.New("configuration service unreachable")
	ErrQueryFailed      = errors.New("query current state")

	ErrConcurrentModification = errors.New("display configuration changed concurrently")
	ErrBusy                   = errors.New("another display change is in progress")
)

// ServiceError is a well-formed rejection from the configuration service,
// e.g. a mode id that vanished between Query and Apply.
type ServiceError struct {
	Name    string
	Message string
}

func (e *ServiceError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("service error: %s", e.Message)
	}
	return fmt.Sprintf("service error %s: %s", e.Name, e.Message)
}

func (e *ServiceError) Is(target error) bool {
	return target == ErrServiceError
}
