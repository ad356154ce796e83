package mutter

import (
	"codeberg.org/miketth/monitoggle/pkg/monitoggle"
	"fmt"
	"github.com/godbus/dbus/v5"
)

// Wire layout of org.gnome.Mutter.DisplayConfig.GetCurrentState:
//
//	u                          serial
//	a((ssss)a(siiddada{sv})a{sv}) monitors
//	a(iiduba(ssss)a{sv})       logical monitors
//	a{sv}                      properties

type monitorSpec struct {
	Connector string
	Vendor    string
	Product   string
	Serial    string
}

type mode struct {
	ID              string
	Width           int32
	Height          int32
	RefreshRate     float64
	PreferredScale  float64
	SupportedScales []float64
	Properties      map[string]dbus.Variant
}

type monitor struct {
	Spec       monitorSpec
	Modes      []mode
	Properties map[string]dbus.Variant
}

type logicalMonitor struct {
	X          int32
	Y          int32
	Scale      float64
	Transform  uint32
	Primary    bool
	Monitors   []monitorSpec
	Properties map[string]dbus.Variant
}

type currentState struct {
	Serial          uint32
	Monitors        []monitor
	LogicalMonitors []logicalMonitor
	Properties      map[string]dbus.Variant
}

// Wire layout of ApplyMonitorsConfig's logical monitors: a(iiduba(ssa{sv})).

type applyMonitor struct {
	Connector  string
	ModeID     string
	Properties map[string]dbus.Variant
}

type applyLogicalMonitor struct {
	X         int32
	Y         int32
	Scale     float64
	Transform uint32
	Primary   bool
	Monitors  []applyMonitor
}

func (m mode) ToDisplayMode() monitoggle.DisplayMode {
	var flags monitoggle.ModeFlags
	if boolProp(m.Properties, "is-current") {
		flags |= monitoggle.ModeCurrent
	}
	if boolProp(m.Properties, "is-preferred") {
		flags |= monitoggle.ModePreferred
	}

	return monitoggle.DisplayMode{
		ID:             m.ID,
		Width:          int(m.Width),
		Height:         int(m.Height),
		RefreshRate:    m.RefreshRate,
		PreferredScale: m.PreferredScale,
		Flags:          flags,
	}
}

func (m monitor) ToPhysicalOutput() monitoggle.PhysicalOutput {
	out := monitoggle.PhysicalOutput{
		Connector:   m.Spec.Connector,
		Vendor:      m.Spec.Vendor,
		Product:     m.Spec.Product,
		Serial:      m.Spec.Serial,
		DisplayName: stringProp(m.Properties, "display-name"),
		Builtin:     boolProp(m.Properties, "is-builtin"),
		Modes:       make([]monitoggle.DisplayMode, 0, len(m.Modes)),
	}
	for _, md := range m.Modes {
		out.Modes = append(out.Modes, md.ToDisplayMode())
	}
	return out
}

// ToSnapshot is the single place the positional wire records become typed
// core records.
func (s currentState) ToSnapshot() (*monitoggle.Snapshot, error) {
	snap := &monitoggle.Snapshot{
		Serial:     s.Serial,
		Outputs:    make([]monitoggle.PhysicalOutput, 0, len(s.Monitors)),
		Properties: fromVariants(s.Properties),
	}

	serials := make(map[string]int)
	for _, m := range s.Monitors {
		serials[m.Spec.Serial]++
	}

	seen := make(map[string]string)
	for _, m := range s.Monitors {
		out := m.ToPhysicalOutput()
		out.SharedSerial = out.Serial != "" && serials[out.Serial] > 1
		if other, dup := seen[out.Key()]; dup {
			return nil, fmt.Errorf("monitors %s and %s share key %q", other, out.Connector, out.Key())
		}
		seen[out.Key()] = out.Connector
		snap.Outputs = append(snap.Outputs, out)
	}

	for _, lm := range s.LogicalMonitors {
		transform := monitoggle.Transform(lm.Transform)
		if !transform.Valid() {
			return nil, fmt.Errorf("logical monitor at %d,%d: invalid transform %d", lm.X, lm.Y, lm.Transform)
		}

		decoded := monitoggle.LogicalMonitor{
			X:         int(lm.X),
			Y:         int(lm.Y),
			Scale:     lm.Scale,
			Transform: transform,
			Primary:   lm.Primary,
		}
		for _, spec := range lm.Monitors {
			b := monitoggle.Backing{Connector: spec.Connector}
			if out, ok := snap.OutputByConnector(spec.Connector); ok {
				if md, err := monitoggle.SelectMode(out); err == nil {
					b.ModeID = md.ID
				}
			}
			decoded.Backing = append(decoded.Backing, b)
		}
		snap.LogicalMonitors = append(snap.LogicalMonitors, decoded)
	}

	return snap, nil
}

func toApplyLogicalMonitors(lms []monitoggle.LogicalMonitor) []applyLogicalMonitor {
	out := make([]applyLogicalMonitor, 0, len(lms))
	for _, lm := range lms {
		alm := applyLogicalMonitor{
			X:         int32(lm.X),
			Y:         int32(lm.Y),
			Scale:     lm.Scale,
			Transform: uint32(lm.Transform),
			Primary:   lm.Primary,
			Monitors:  make([]applyMonitor, 0, len(lm.Backing)),
		}
		for _, b := range lm.Backing {
			alm.Monitors = append(alm.Monitors, applyMonitor{
				Connector:  b.Connector,
				ModeID:     b.ModeID,
				Properties: toVariants(b.Properties),
			})
		}
		out = append(out, alm)
	}
	return out
}

// applyProperties keeps the snapshot properties ApplyMonitorsConfig accepts.
// Mutter rejects layout-mode when it cannot change it.
func applyProperties(props map[string]any) map[string]dbus.Variant {
	out := make(map[string]dbus.Variant)
	if supported, _ := props["supports-changing-layout-mode"].(bool); !supported {
		return out
	}
	if layoutMode, ok := props[monitoggle.PropertyLayoutMode].(uint32); ok {
		out[monitoggle.PropertyLayoutMode] = dbus.MakeVariant(layoutMode)
	}
	return out
}

func fromVariants(in map[string]dbus.Variant) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v.Value()
	}
	return out
}

func toVariants(in map[string]any) map[string]dbus.Variant {
	out := make(map[string]dbus.Variant, len(in))
	for k, v := range in {
		out[k] = dbus.MakeVariant(v)
	}
	return out
}

func boolProp(props map[string]dbus.Variant, key string) bool {
	v, ok := props[key]
	if !ok {
		return false
	}
	b, _ := v.Value().(bool)
	return b
}

func stringProp(props map[string]dbus.Variant, key string) string {
	v, ok := props[key]
	if !ok {
		return ""
	}
	s, _ := v.Value().(string)
	return s
}
