package monitoggle

import (
	"fmt"
	"math"
	"strings"
)

type Operation int

const (
	Enable Operation = iota
	Disable
)

func (op Operation) String() string {
	switch op {
	case Enable:
		return "enable"
	case Disable:
		return "disable"
	}
	return fmt.Sprintf("operation(%d)", int(op))
}

// Placement is what an output last looked like while it was active.
type Placement struct {
	ModeID    string
	Scale     float64
	Transform Transform
}

type BuildOptions struct {
	// ReassignPrimary lets a disable drop the primary monitor; the first
	// remaining monitor becomes primary instead.
	ReassignPrimary bool

	// Remembered holds last-known placements by output key. Newly enabled
	// outputs found here get their old mode, scale and transform back.
	Remembered map[string]Placement
}

type Layout struct {
	Monitors []LogicalMonitor

	// Skipped lists enable targets left out because they could not be
	// configured, keyed by output key.
	Skipped map[string]error
}

// Build computes the logical monitors that result from enabling or disabling
// targets in snap. snap itself is left untouched.
func Build(snap *Snapshot, op Operation, targets []string, opts BuildOptions) (Layout, error) {
	for _, key := range targets {
		if _, ok := snap.Output(key); !ok {
			return Layout{}, fmt.Errorf("%w: %q", ErrUnknownMonitorSerial, key)
		}
	}

	switch op {
	case Enable:
		return buildEnable(snap, targets, opts)
	case Disable:
		return buildDisable(snap, targets, opts)
	}

	return Layout{}, fmt.Errorf("unknown operation: %s", op)
}

func buildDisable(snap *Snapshot, targets []string, opts BuildOptions) (Layout, error) {
	drop := make(map[string]bool, len(targets))
	for _, key := range targets {
		drop[key] = true
	}

	var kept []LogicalMonitor
	droppedPrimary, keptPrimary := false, false
	for _, lm := range snap.LogicalMonitors {
		if backedByAny(snap, lm, drop) {
			droppedPrimary = droppedPrimary || lm.Primary
			continue
		}
		keptPrimary = keptPrimary || lm.Primary
		kept = append(kept, lm.clone())
	}

	if droppedPrimary && !keptPrimary && !opts.ReassignPrimary {
		return Layout{}, ErrCannotDisablePrimary
	}
	if len(kept) == 0 {
		return Layout{}, ErrWouldDisableAllMonitors
	}
	ensurePrimary(kept)

	return Layout{Monitors: kept}, nil
}

// ensurePrimary marks the first monitor primary when none is. Enabling into
// an empty arrangement is the only way an enable reaches this.
func ensurePrimary(lms []LogicalMonitor) {
	for _, lm := range lms {
		if lm.Primary {
			return
		}
	}
	if len(lms) > 0 {
		lms[0].Primary = true
	}
}

func backedByAny(snap *Snapshot, lm LogicalMonitor, keys map[string]bool) bool {
	for _, b := range lm.Backing {
		if keys[snap.keyOf(b.Connector)] {
			return true
		}
	}
	return false
}

func buildEnable(snap *Snapshot, targets []string, opts BuildOptions) (Layout, error) {
	active := make(map[string]bool)
	for _, key := range snap.ActiveKeys() {
		active[key] = true
	}

	var pending []PhysicalOutput
	seen := make(map[string]bool)
	for _, key := range targets {
		if seen[key] || active[key] {
			continue
		}
		seen[key] = true
		out, _ := snap.Output(key)
		pending = append(pending, out)
	}

	monitors := make([]LogicalMonitor, 0, len(snap.LogicalMonitors)+len(pending))
	for _, lm := range snap.LogicalMonitors {
		monitors = append(monitors, lm.clone())
	}

	layout := Layout{}
	layoutMode := snap.LayoutMode()
	x := rightEdge(snap)
	for _, out := range pending {
		lm, width, err := placeOutput(out, x, layoutMode, opts.Remembered)
		if err != nil {
			if len(pending) == 1 {
				return Layout{}, err
			}
			if layout.Skipped == nil {
				layout.Skipped = make(map[string]error)
			}
			layout.Skipped[out.Key()] = err
			continue
		}
		monitors = append(monitors, lm)
		x += width
	}

	if len(pending) > 0 && len(layout.Skipped) == len(pending) {
		keys := make([]string, 0, len(pending))
		for _, out := range pending {
			keys = append(keys, out.Key())
		}
		return Layout{}, fmt.Errorf("%w: none of %s", ErrNoModesAvailable, strings.Join(keys, ", "))
	}

	ensurePrimary(monitors)
	layout.Monitors = monitors
	return layout, nil
}

func placeOutput(out PhysicalOutput, x int, layoutMode LayoutMode, remembered map[string]Placement) (LogicalMonitor, int, error) {
	mode, err := SelectMode(out)
	if err != nil {
		return LogicalMonitor{}, 0, err
	}

	scale, transform := 1.0, TransformNormal
	if p, ok := remembered[out.Key()]; ok {
		if m, found := out.mode(p.ModeID); found {
			mode = m
		}
		if p.Scale > 0 {
			scale = p.Scale
		}
		if p.Transform.Valid() {
			transform = p.Transform
		}
	}

	lm := LogicalMonitor{
		X:         x,
		Y:         0,
		Scale:     scale,
		Transform: transform,
		Primary:   false,
		Backing:   []Backing{{Connector: out.Connector, ModeID: mode.ID}},
	}
	return lm, extent(mode, scale, transform, layoutMode), nil
}

// rightEdge is where the next monitor goes: past the rightmost existing one.
func rightEdge(snap *Snapshot) int {
	edge := 0
	for _, lm := range snap.LogicalMonitors {
		if e := lm.X + monitorWidth(snap, lm); e > edge {
			edge = e
		}
	}
	return edge
}

func monitorWidth(snap *Snapshot, lm LogicalMonitor) int {
	for _, b := range lm.Backing {
		out, ok := snap.OutputByConnector(b.Connector)
		if !ok {
			continue
		}
		mode, found := out.mode(b.ModeID)
		if !found {
			var err error
			if mode, err = SelectMode(out); err != nil {
				continue
			}
		}
		return extent(mode, lm.Scale, lm.Transform, snap.LayoutMode())
	}
	return 0
}

func extent(mode DisplayMode, scale float64, t Transform, layoutMode LayoutMode) int {
	w := mode.Width
	if t.SwapsAxes() {
		w = mode.Height
	}
	if layoutMode == LayoutModeLogical && scale > 0 {
		w = int(math.Round(float64(w) / scale))
	}
	return w
}
