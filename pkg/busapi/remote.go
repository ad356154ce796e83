package busapi

import (
	"codeberg.org/miketth/monitoggle/pkg/monitoggle"
	"context"
	"errors"
	"fmt"
	"github.com/godbus/dbus/v5"
	"strings"
)

// Remote calls a running daemon over the bus.
type Remote struct {
	obj dbus.BusObject
}

// DialRemote returns a Remote when some process owns BusName, and
// ok=false when nobody does.
func DialRemote(ctx context.Context, conn *dbus.Conn) (remote *Remote, ok bool, err error) {
	var owned bool
	err = conn.BusObject().CallWithContext(ctx, "org.freedesktop.DBus.NameHasOwner", 0, BusName).Store(&owned)
	if err != nil {
		return nil, false, fmt.Errorf("%w: look up %s: %w", monitoggle.ErrTransportFailure, BusName, err)
	}
	if !owned {
		return nil, false, nil
	}

	return &Remote{obj: conn.Object(BusName, ObjectPath)}, true, nil
}

func (r *Remote) ListMonitors(ctx context.Context) ([]monitoggle.MonitorInfo, error) {
	var monitors []Monitor
	if err := r.call(ctx, "ListMonitors").Store(&monitors); err != nil {
		return nil, fromDBusError(err)
	}

	out := make([]monitoggle.MonitorInfo, 0, len(monitors))
	for _, m := range monitors {
		out = append(out, monitoggle.MonitorInfo{
			Key:         m.Key,
			Label:       m.Label,
			Connector:   m.Connector,
			Active:      m.Active,
			Primary:     m.Primary,
			Width:       int(m.Width),
			Height:      int(m.Height),
			RefreshRate: m.RefreshRate,
		})
	}
	return out, nil
}

func (r *Remote) ToggleMonitor(ctx context.Context, key string) (monitoggle.Result, error) {
	res := monitoggle.Result{Operation: "toggle", Targets: []string{key}}
	if err := r.call(ctx, "Toggle", key).Store(&res.Serial); err != nil {
		return res, fromDBusError(err)
	}
	return res, nil
}

func (r *Remote) EnableAllMonitors(ctx context.Context) (monitoggle.Result, error) {
	res := monitoggle.Result{Operation: "enable-all"}

	var skipped []string
	if err := r.call(ctx, "EnableAll").Store(&res.Serial, &skipped); err != nil {
		return res, fromDBusError(err)
	}
	for _, key := range skipped {
		if res.Skipped == nil {
			res.Skipped = make(map[string]error)
		}
		res.Skipped[key] = monitoggle.ErrNoModesAvailable
	}
	return res, nil
}

func (r *Remote) DisableAllExceptPrimary(ctx context.Context) (monitoggle.Result, error) {
	res := monitoggle.Result{Operation: "disable-others"}
	if err := r.call(ctx, "DisableAllButPrimary").Store(&res.Serial); err != nil {
		return res, fromDBusError(err)
	}
	return res, nil
}

func (r *Remote) call(ctx context.Context, method string, args ...interface{}) *dbus.Call {
	return r.obj.CallWithContext(ctx, InterfaceName+"."+method, 0, args...)
}

// fromDBusError turns the daemon's error names back into the sentinels they
// were made from.
func fromDBusError(err error) error {
	var dErr dbus.Error
	switch {
	case errors.As(err, &dErr):
	default:
		var p *dbus.Error
		if !errors.As(err, &p) || p == nil {
			return fmt.Errorf("%w: %w", monitoggle.ErrTransportFailure, err)
		}
		dErr = *p
	}

	msg := dErr.Error()
	if !strings.HasPrefix(dErr.Name, errorPrefix) {
		return fmt.Errorf("%w: %w", monitoggle.ErrTransportFailure, err)
	}

	short := strings.TrimPrefix(dErr.Name, errorPrefix)
	if short == "ServiceError" {
		return &monitoggle.ServiceError{Name: dErr.Name, Message: msg}
	}
	for _, e := range errorNames {
		if e.name == short {
			return fmt.Errorf("%w: %s", e.err, msg)
		}
	}
	return errors.New(msg)
}
