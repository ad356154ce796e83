package monitoggle

import "fmt"

type ModeFlags uint8

const (
	ModeCurrent ModeFlags = 1 << iota
	ModePreferred
)

type DisplayMode struct {
	ID             string
	Width          int
	Height         int
	RefreshRate    float64
	PreferredScale float64
	Flags          ModeFlags
}

func (m DisplayMode) IsCurrent() bool   { return m.Flags&ModeCurrent != 0 }
func (m DisplayMode) IsPreferred() bool { return m.Flags&ModePreferred != 0 }

func (m DisplayMode) String() string {
	return fmt.Sprintf("%dx%d@%.3f", m.Width, m.Height, m.RefreshRate)
}

// PhysicalOutput is one connected monitor as reported by the configuration service.
type PhysicalOutput struct {
	Connector   string
	Vendor      string
	Product     string
	Serial      string
	DisplayName string
	Builtin     bool
	Modes       []DisplayMode

	// SharedSerial is set when another connected output reports the same
	// serial, as identical panels with a placeholder serial do.
	SharedSerial bool
}

// Key returns the identifier used to name the output across refreshes.
// Some hardware reports an empty serial, in which case the connector is used;
// a serial shared with another output is qualified by the connector.
func (o PhysicalOutput) Key() string {
	switch {
	case o.Serial == "":
		return o.Connector
	case o.SharedSerial:
		return o.Connector + ":" + o.Serial
	}
	return o.Serial
}

func (o PhysicalOutput) Label() string {
	switch {
	case o.DisplayName != "":
		return o.DisplayName
	case o.Vendor != "" || o.Product != "":
		return fmt.Sprintf("%s %s (%s)", o.Vendor, o.Product, o.Connector)
	default:
		return o.Connector
	}
}

func (o PhysicalOutput) mode(id string) (DisplayMode, bool) {
	for _, m := range o.Modes {
		if m.ID == id {
			return m, true
		}
	}
	return DisplayMode{}, false
}

type Transform uint32

const (
	TransformNormal Transform = iota
	TransformRotated90
	TransformRotated180
	TransformRotated270
	TransformFlipped
	TransformFlipped90
	TransformFlipped180
	TransformFlipped270
)

var transformNames = [...]string{
	"normal", "rotated90", "rotated180", "rotated270",
	"flipped", "flipped90", "flipped180", "flipped270",
}

func (t Transform) String() string {
	if int(t) < len(transformNames) {
		return transformNames[t]
	}
	return fmt.Sprintf("transform(%d)", uint32(t))
}

func (t Transform) Valid() bool { return int(t) < len(transformNames) }

// SwapsAxes reports whether the transform turns the output by a quarter turn.
func (t Transform) SwapsAxes() bool {
	switch t {
	case TransformRotated90, TransformRotated270, TransformFlipped90, TransformFlipped270:
		return true
	}
	return false
}

// Backing names a physical output that renders a logical monitor and the mode it uses.
type Backing struct {
	Connector  string
	ModeID     string
	Properties map[string]any
}

type LogicalMonitor struct {
	X         int
	Y         int
	Scale     float64
	Transform Transform
	Primary   bool
	Backing   []Backing
}

func (lm LogicalMonitor) clone() LogicalMonitor {
	out := lm
	out.Backing = make([]Backing, len(lm.Backing))
	copy(out.Backing, lm.Backing)
	return out
}

type LayoutMode uint32

const (
	LayoutModeUnknown  LayoutMode = 0
	LayoutModeLogical  LayoutMode = 1
	LayoutModePhysical LayoutMode = 2
)

// PropertyLayoutMode is the snapshot property carrying the service's LayoutMode.
const PropertyLayoutMode = "layout-mode"

// Snapshot is what the configuration service reported in one Query. It is
// never mutated after construction; every refresh replaces it wholesale.
type Snapshot struct {
	Serial          uint32
	Outputs         []PhysicalOutput
	LogicalMonitors []LogicalMonitor
	Properties      map[string]any
}

func (s *Snapshot) Output(key string) (PhysicalOutput, bool) {
	for _, o := range s.Outputs {
		if o.Key() == key {
			return o, true
		}
	}
	return PhysicalOutput{}, false
}

func (s *Snapshot) OutputByConnector(connector string) (PhysicalOutput, bool) {
	for _, o := range s.Outputs {
		if o.Connector == connector {
			return o, true
		}
	}
	return PhysicalOutput{}, false
}

// ActiveKeys returns the keys of outputs backing a logical monitor, in output order.
func (s *Snapshot) ActiveKeys() []string {
	backed := make(map[string]bool)
	for _, lm := range s.LogicalMonitors {
		for _, b := range lm.Backing {
			backed[b.Connector] = true
		}
	}

	var keys []string
	for _, o := range s.Outputs {
		if backed[o.Connector] {
			keys = append(keys, o.Key())
		}
	}
	return keys
}

func (s *Snapshot) IsActive(key string) bool {
	for _, k := range s.ActiveKeys() {
		if k == key {
			return true
		}
	}
	return false
}

// PrimaryBacking returns the first output backing the primary logical monitor.
func (s *Snapshot) PrimaryBacking() (connector, key string, ok bool) {
	for _, lm := range s.LogicalMonitors {
		if !lm.Primary || len(lm.Backing) == 0 {
			continue
		}
		connector = lm.Backing[0].Connector
		key = connector
		if o, found := s.OutputByConnector(connector); found {
			key = o.Key()
		}
		return connector, key, true
	}
	return "", "", false
}

func (s *Snapshot) primaryKeys() map[string]bool {
	keys := make(map[string]bool)
	for _, lm := range s.LogicalMonitors {
		if !lm.Primary {
			continue
		}
		for _, b := range lm.Backing {
			keys[s.keyOf(b.Connector)] = true
		}
	}
	return keys
}

func (s *Snapshot) keyOf(connector string) string {
	if o, ok := s.OutputByConnector(connector); ok {
		return o.Key()
	}
	return connector
}

func (s *Snapshot) LayoutMode() LayoutMode {
	switch v := s.Properties[PropertyLayoutMode].(type) {
	case uint32:
		return LayoutMode(v)
	case LayoutMode:
		return v
	case int:
		return LayoutMode(v)
	}
	return LayoutModeUnknown
}

// WithLogicalMonitors returns a copy of s with its logical monitors replaced.
// The serial is kept; it still names the state the layout was derived from.
func (s *Snapshot) WithLogicalMonitors(lms []LogicalMonitor) *Snapshot {
	out := *s
	out.LogicalMonitors = make([]LogicalMonitor, len(lms))
	for i, lm := range lms {
		out.LogicalMonitors[i] = lm.clone()
	}
	return &out
}
