package mutter

import (
	"codeberg.org/miketth/monitoggle/pkg/monitoggle"
	"context"
	"errors"
	"fmt"
	"github.com/godbus/dbus/v5"
	"time"
)

const (
	busName       = "org.gnome.Mutter.DisplayConfig"
	objectPath    = dbus.ObjectPath("/org/gnome/Mutter/DisplayConfig")
	interfaceName = "org.gnome.Mutter.DisplayConfig"

	methodGetCurrentState     = interfaceName + ".GetCurrentState"
	methodApplyMonitorsConfig = interfaceName + ".ApplyMonitorsConfig"
	signalMonitorsChanged     = interfaceName + ".MonitorsChanged"
)

var ErrNotRunning = errors.New("mutter display config service might not be running")

// Client talks to mutter's DisplayConfig service on the session bus.
type Client struct {
	conn    *dbus.Conn
	obj     dbus.BusObject
	timeout time.Duration
	owned   bool
}

// Connect opens a private session bus connection. timeout bounds each call
// that has no deadline of its own; zero disables it.
func Connect(timeout time.Duration) (*Client, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("connect session bus: %w, %w", err, ErrNotRunning)
	}

	c := NewClient(conn, timeout)
	c.owned = true
	return c, nil
}

// NewClient wraps an existing connection, which stays owned by the caller.
func NewClient(conn *dbus.Conn, timeout time.Duration) *Client {
	return &Client{
		conn:    conn,
		obj:     conn.Object(busName, objectPath),
		timeout: timeout,
	}
}

func (c *Client) Conn() *dbus.Conn {
	return c.conn
}

func (c *Client) Close() error {
	if !c.owned {
		return nil
	}
	return c.conn.Close()
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

func (c *Client) Query(ctx context.Context) (*monitoggle.Snapshot, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var state currentState
	err := c.obj.CallWithContext(ctx, methodGetCurrentState, 0).
		Store(&state.Serial, &state.Monitors, &state.LogicalMonitors, &state.Properties)
	if err != nil {
		return nil, fmt.Errorf("get current state: %w", classifyError(err))
	}

	snap, err := state.ToSnapshot()
	if err != nil {
		return nil, fmt.Errorf("decode current state: %w", err)
	}
	return snap, nil
}

func (c *Client) Apply(ctx context.Context, req monitoggle.ApplyRequest) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	call := c.obj.CallWithContext(ctx, methodApplyMonitorsConfig, 0,
		req.Serial,
		uint32(req.Method),
		toApplyLogicalMonitors(req.LogicalMonitors),
		applyProperties(req.Properties),
	)
	if call.Err != nil {
		return fmt.Errorf("apply monitors config: %w", classifyError(call.Err))
	}

	return nil
}

// Subscribe forwards MonitorsChanged signals. Bursts are coalesced: a
// notification only means the cached snapshot may be stale.
func (c *Client) Subscribe(ctx context.Context) (<-chan struct{}, error) {
	match := []dbus.MatchOption{
		dbus.WithMatchObjectPath(objectPath),
		dbus.WithMatchInterface(interfaceName),
		dbus.WithMatchMember("MonitorsChanged"),
	}
	if err := c.conn.AddMatchSignalContext(ctx, match...); err != nil {
		return nil, fmt.Errorf("add signal match: %w", classifyError(err))
	}

	signals := make(chan *dbus.Signal, 16)
	c.conn.Signal(signals)

	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		defer func() {
			c.conn.RemoveSignal(signals)
			_ = c.conn.RemoveMatchSignal(match...)
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case sig, ok := <-signals:
				if !ok {
					return
				}
				if !isMonitorsChanged(sig) {
					continue
				}
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()

	return out, nil
}

func isMonitorsChanged(sig *dbus.Signal) bool {
	return sig != nil && sig.Path == objectPath && sig.Name == signalMonitorsChanged
}
