package monitoggle

import (
	"context"
	"sync"
)

// fakeService emulates the configuration service: Apply only succeeds
// against the current serial and bumps it, like the real thing.
type fakeService struct {
	mu       sync.Mutex
	snap     *Snapshot
	queries  int
	applies  []ApplyRequest
	queryErr error

	// applyErrs are returned by successive Apply calls before the fake
	// starts accepting requests.
	applyErrs []error

	// beforeApply runs at the top of Apply, e.g. to simulate a cable being
	// plugged in while a change is in flight.
	beforeApply func(f *fakeService)

	// beforeQuery runs once, outside the lock, before a Query reads the
	// snapshot.
	beforeQuery func()
}

func newFakeService(snap *Snapshot) *fakeService {
	return &fakeService{snap: snap}
}

func (f *fakeService) Query(_ context.Context) (*Snapshot, error) {
	f.mu.Lock()
	hook := f.beforeQuery
	f.beforeQuery = nil
	f.mu.Unlock()
	if hook != nil {
		hook()
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.queries++
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return f.snap.WithLogicalMonitors(f.snap.LogicalMonitors), nil
}

func (f *fakeService) Apply(_ context.Context, req ApplyRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.applies = append(f.applies, req)
	if f.beforeApply != nil {
		hook := f.beforeApply
		f.beforeApply = nil
		hook(f)
	}

	if len(f.applyErrs) > 0 {
		err := f.applyErrs[0]
		f.applyErrs = f.applyErrs[1:]
		return err
	}
	if req.Serial != f.snap.Serial {
		return ErrStaleSerial
	}

	next := f.snap.WithLogicalMonitors(req.LogicalMonitors)
	next.Serial++
	f.snap = next
	return nil
}

// externalChange bumps the serial the way an unrelated hotplug would.
func (f *fakeService) externalChange() {
	next := f.snap.WithLogicalMonitors(f.snap.LogicalMonitors)
	next.Serial++
	f.snap = next
}

func (f *fakeService) applyCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.applies)
}

func (f *fakeService) current() *Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

// twoOutputSnapshot has A active and primary at the origin and B connected
// but off.
func twoOutputSnapshot() *Snapshot {
	return &Snapshot{
		Serial: 7,
		Outputs: []PhysicalOutput{
			{
				Connector: "DP-1", Vendor: "DEL", Product: "U2720Q", Serial: "A",
				Modes: []DisplayMode{
					{ID: "m1", Width: 1920, Height: 1080, RefreshRate: 60, Flags: ModeCurrent},
					{ID: "m1b", Width: 1280, Height: 720, RefreshRate: 60},
				},
			},
			{
				Connector: "HDMI-1", Vendor: "GSM", Product: "LG", Serial: "B",
				Modes: []DisplayMode{
					{ID: "m2", Width: 1440, Height: 900, RefreshRate: 60, Flags: ModePreferred},
					{ID: "m2b", Width: 1024, Height: 768, RefreshRate: 60},
				},
			},
		},
		LogicalMonitors: []LogicalMonitor{
			{X: 0, Y: 0, Scale: 1, Primary: true, Backing: []Backing{{Connector: "DP-1", ModeID: "m1"}}},
		},
		Properties: map[string]any{"supports-mirroring": true},
	}
}

func threeOutputSnapshot() *Snapshot {
	snap := twoOutputSnapshot()
	snap.Outputs = append(snap.Outputs, PhysicalOutput{
		Connector: "eDP-1", Vendor: "BOE", Product: "0x095f", Serial: "",
		Builtin: true,
		Modes: []DisplayMode{
			{ID: "m3", Width: 2256, Height: 1504, RefreshRate: 60, Flags: ModePreferred},
		},
	})
	return snap
}
