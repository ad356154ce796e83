package mutter

import (
	"codeberg.org/miketth/monitoggle/pkg/monitoggle"
	"context"
	"errors"
	"fmt"
	"github.com/godbus/dbus/v5"
	"regexp"
)

type errorMapping struct {
	name    *regexp.Regexp
	message *regexp.Regexp
	err     error
}

// errorMapper is checked in order; the first match wins. Anything else the
// service replies with is a *monitoggle.ServiceError.
var errorMapper = []errorMapping{
	{
		name:    regexp.MustCompile(`^org\.freedesktop\.DBus\.Error\.AccessDenied$`),
		message: regexp.MustCompile(`(?i)stale`),
		err:     monitoggle.ErrStaleSerial,
	},
	{
		name:    regexp.MustCompile(`^org\.freedesktop\.DBus\.Error\.(NoReply|ServiceUnknown|NameHasNoOwner|Disconnected|NoServer|Timeout|TimedOut)$`),
		message: regexp.MustCompile(`.*`),
		err:     monitoggle.ErrTransportFailure,
	},
}

func classifyError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %w", monitoggle.ErrTransportFailure, err)
	}

	var dbusErr dbus.Error
	if errors.As(err, &dbusErr) {
		return mapDBusError(dbusErr)
	}
	var dbusErrPtr *dbus.Error
	if errors.As(err, &dbusErrPtr) && dbusErrPtr != nil {
		return mapDBusError(*dbusErrPtr)
	}

	return fmt.Errorf("%w: %w", monitoggle.ErrTransportFailure, err)
}

func mapDBusError(e dbus.Error) error {
	msg := e.Error()
	for _, m := range errorMapper {
		if m.name.MatchString(e.Name) && m.message.MatchString(msg) {
			return fmt.Errorf("%w: %s", m.err, msg)
		}
	}
	return &monitoggle.ServiceError{Name: e.Name, Message: msg}
}
