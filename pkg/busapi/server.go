// Package busapi exports the monitor operations on the session bus so
// keybindings and panel applets can drive them without spawning the CLI.
package busapi

import (
	"codeberg.org/miketth/monitoggle/pkg/monitoggle"
	"context"
	"errors"
	"fmt"
	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"go.uber.org/zap"
	"sort"
	"time"
)

const (
	BusName       = "dev.miketth.Monitoggle"
	ObjectPath    = dbus.ObjectPath("/dev/miketth/Monitoggle")
	InterfaceName = "dev.miketth.Monitoggle1"

	errorPrefix = "dev.miketth.Monitoggle1.Error."
)

var ErrNameTaken = errors.New("bus name already owned")

// Controller is the part of the reconciler the bus object forwards to.
type Controller interface {
	ListMonitors() []monitoggle.MonitorInfo
	ToggleMonitor(ctx context.Context, key string) (monitoggle.Result, error)
	EnableAllMonitors(ctx context.Context) (monitoggle.Result, error)
	DisableAllExceptPrimary(ctx context.Context) (monitoggle.Result, error)
}

// Monitor is the wire form of monitoggle.MonitorInfo, (sssbbiid).
type Monitor struct {
	Key         string
	Label       string
	Connector   string
	Active      bool
	Primary     bool
	Width       int32
	Height      int32
	RefreshRate float64
}

func outArg(name, sig string) introspect.Arg {
	return introspect.Arg{Name: name, Type: sig, Direction: "out"}
}

var node = &introspect.Node{
	Name: string(ObjectPath),
	Interfaces: []introspect.Interface{
		introspect.IntrospectData,
		{
			Name: InterfaceName,
			Methods: []introspect.Method{
				{Name: "ListMonitors", Args: []introspect.Arg{outArg("monitors", "a(sssbbiid)")}},
				{Name: "Toggle", Args: []introspect.Arg{
					{Name: "key", Type: "s", Direction: "in"},
					outArg("serial", "u"),
				}},
				{Name: "EnableAll", Args: []introspect.Arg{outArg("serial", "u"), outArg("skipped", "as")}},
				{Name: "DisableAllButPrimary", Args: []introspect.Arg{outArg("serial", "u")}},
			},
		},
	},
}

// Server holds the exported object. Only its exported methods with a
// trailing *dbus.Error are visible on the bus.
type Server struct {
	ctrl    Controller
	log     *zap.SugaredLogger
	timeout time.Duration
}

func NewServer(ctrl Controller, timeout time.Duration, log *zap.SugaredLogger) *Server {
	return &Server{ctrl: ctrl, timeout: timeout, log: log}
}

// Export publishes the object on conn and claims BusName. The returned
// function undoes both.
func (s *Server) Export(conn *dbus.Conn) (func(), error) {
	if err := conn.Export(s, ObjectPath, InterfaceName); err != nil {
		return nil, fmt.Errorf("export object: %w", err)
	}

	if err := conn.Export(introspect.NewIntrospectable(node), ObjectPath, "org.freedesktop.DBus.Introspectable"); err != nil {
		return nil, fmt.Errorf("export introspection: %w", err)
	}

	reply, err := conn.RequestName(BusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return nil, fmt.Errorf("request name %s: %w", BusName, err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return nil, fmt.Errorf("%w: %s", ErrNameTaken, BusName)
	}

	return func() {
		_, _ = conn.ReleaseName(BusName)
		_ = conn.Export(nil, ObjectPath, InterfaceName)
		_ = conn.Export(nil, ObjectPath, "org.freedesktop.DBus.Introspectable")
	}, nil
}

func (s *Server) ListMonitors() ([]Monitor, *dbus.Error) {
	infos := s.ctrl.ListMonitors()
	out := make([]Monitor, 0, len(infos))
	for _, info := range infos {
		out = append(out, Monitor{
			Key:         info.Key,
			Label:       info.Label,
			Connector:   info.Connector,
			Active:      info.Active,
			Primary:     info.Primary,
			Width:       int32(info.Width),
			Height:      int32(info.Height),
			RefreshRate: info.RefreshRate,
		})
	}
	return out, nil
}

func (s *Server) Toggle(key string) (uint32, *dbus.Error) {
	ctx, cancel := s.callContext()
	defer cancel()

	res, err := s.ctrl.ToggleMonitor(ctx, key)
	if err != nil {
		return 0, s.toDBusError("Toggle", err)
	}
	return res.Serial, nil
}

func (s *Server) EnableAll() (uint32, []string, *dbus.Error) {
	ctx, cancel := s.callContext()
	defer cancel()

	res, err := s.ctrl.EnableAllMonitors(ctx)
	if err != nil {
		return 0, nil, s.toDBusError("EnableAll", err)
	}

	skipped := make([]string, 0, len(res.Skipped))
	for key := range res.Skipped {
		skipped = append(skipped, key)
	}
	sort.Strings(skipped)
	return res.Serial, skipped, nil
}

func (s *Server) DisableAllButPrimary() (uint32, *dbus.Error) {
	ctx, cancel := s.callContext()
	defer cancel()

	res, err := s.ctrl.DisableAllExceptPrimary(ctx)
	if err != nil {
		return 0, s.toDBusError("DisableAllButPrimary", err)
	}
	return res.Serial, nil
}

func (s *Server) callContext() (context.Context, context.CancelFunc) {
	// a cycle is up to two query/apply rounds plus the final refresh
	return context.WithTimeout(context.Background(), 5*s.timeout)
}

var errorNames = []struct {
	err  error
	name string
}{
	{monitoggle.ErrBusy, "Busy"},
	{monitoggle.ErrUnknownMonitorSerial, "UnknownMonitor"},
	{monitoggle.ErrCannotDisablePrimary, "CannotDisablePrimary"},
	{monitoggle.ErrWouldDisableAllMonitors, "WouldDisableAllMonitors"},
	{monitoggle.ErrNoModesAvailable, "NoModesAvailable"},
	{monitoggle.ErrConcurrentModification, "ConcurrentModification"},
	{monitoggle.ErrServiceError, "ServiceError"},
	{monitoggle.ErrTransportFailure, "Unreachable"},
	{monitoggle.ErrQueryFailed, "Unreachable"},
}

func (s *Server) toDBusError(method string, err error) *dbus.Error {
	name := errorPrefix + "Failed"
	for _, e := range errorNames {
		if errors.Is(err, e.err) {
			name = errorPrefix + e.name
			break
		}
	}

	s.log.Debugw("bus call failed", "method", method, "error", err)
	return dbus.NewError(name, []interface{}{err.Error()})
}
