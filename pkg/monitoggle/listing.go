package monitoggle

// MonitorInfo is a read-only view of one output for presentation.
type MonitorInfo struct {
	Key         string  `json:"key" yaml:"key"`
	Label       string  `json:"label" yaml:"label"`
	Connector   string  `json:"connector" yaml:"connector"`
	Active      bool    `json:"active" yaml:"active"`
	Primary     bool    `json:"primary" yaml:"primary"`
	Width       int     `json:"width" yaml:"width"`
	Height      int     `json:"height" yaml:"height"`
	RefreshRate float64 `json:"refreshRate" yaml:"refreshRate"`
}

// ListMonitors projects the latest snapshot; it is empty before the first refresh.
func (r *Reconciler) ListMonitors() []MonitorInfo {
	snap := r.state.Current()
	if snap == nil {
		return nil
	}
	return ListMonitors(snap)
}

func ListMonitors(snap *Snapshot) []MonitorInfo {
	inUse := make(map[string]string)
	for _, lm := range snap.LogicalMonitors {
		for _, b := range lm.Backing {
			inUse[b.Connector] = b.ModeID
		}
	}
	primary := snap.primaryKeys()

	out := make([]MonitorInfo, 0, len(snap.Outputs))
	for _, o := range snap.Outputs {
		modeID, active := inUse[o.Connector]
		info := MonitorInfo{
			Key:       o.Key(),
			Label:     o.Label(),
			Connector: o.Connector,
			Active:    active,
			Primary:   active && primary[o.Key()],
		}

		mode, found := o.mode(modeID)
		if !found {
			var err error
			mode, err = SelectMode(o)
			found = err == nil
		}
		if found {
			info.Width, info.Height, info.RefreshRate = mode.Width, mode.Height, mode.RefreshRate
		}

		out = append(out, info)
	}
	return out
}
