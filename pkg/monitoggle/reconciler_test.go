package monitoggle

import (
	"context"
	"errors"
	"fmt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"sync"
	"testing"
	"time"
)

type fakeJournal struct {
	mu      sync.Mutex
	entries []JournalEntry
}

func (j *fakeJournal) Record(_ context.Context, entry JournalEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, entry)
	return nil
}

func (j *fakeJournal) Recent(_ context.Context, limit int) ([]JournalEntry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if limit > len(j.entries) {
		limit = len(j.entries)
	}
	return append([]JournalEntry(nil), j.entries[len(j.entries)-limit:]...), nil
}

type fakeRecorder struct {
	mu       sync.Mutex
	outcomes []string
	retries  int
	serials  []uint32
}

func (f *fakeRecorder) CycleFinished(operation, outcome string, _ time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes = append(f.outcomes, operation+":"+outcome)
}

func (f *fakeRecorder) StaleRetry(string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retries++
}

func (f *fakeRecorder) SnapshotRefreshed(serial uint32, _ int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.serials = append(f.serials, serial)
}

type fakeSubscriber struct {
	ch chan struct{}
}

func (f *fakeSubscriber) Subscribe(ctx context.Context) (<-chan struct{}, error) {
	return f.ch, nil
}

func newTestReconciler(t *testing.T, svc *fakeService, opts Options) *Reconciler {
	t.Helper()
	if opts.Method == ApplyVerify {
		opts.Method = ApplyTemporary
	}
	return NewReconciler(svc, zaptest.NewLogger(t).Sugar(), opts)
}

func TestReconciler_toggleEnablesInactiveMonitor(t *testing.T) {
	svc := newFakeService(twoOutputSnapshot())
	r := newTestReconciler(t, svc, Options{})

	res, err := r.ToggleMonitor(context.Background(), "B")
	require.NoError(t, err)
	assert.Equal(t, []string{"B"}, res.Targets)
	assert.Equal(t, uint32(7), res.Serial)
	assert.Equal(t, 1, res.Attempts)
	assert.False(t, res.NoOp)

	require.Equal(t, 1, svc.applyCount())
	req := svc.applies[0]
	assert.Equal(t, uint32(7), req.Serial)
	assert.Equal(t, ApplyTemporary, req.Method)
	assert.Equal(t, map[string]any{"supports-mirroring": true}, req.Properties)

	assert.Equal(t, []LogicalMonitor{
		{X: 0, Y: 0, Scale: 1, Primary: true, Backing: []Backing{{Connector: "DP-1", ModeID: "m1"}}},
		{X: 1920, Y: 0, Scale: 1, Primary: false, Backing: []Backing{{Connector: "HDMI-1", ModeID: "m2"}}},
	}, req.LogicalMonitors)

	// The engine re-reads the service after applying.
	assert.Equal(t, uint32(8), r.State().Current().Serial)
	assert.True(t, r.State().IsActive("B"))
	assert.Equal(t, Idle, r.Phase())
}

func TestReconciler_toggleTwiceRestoresLayout(t *testing.T) {
	original := twoOutputSnapshot()
	svc := newFakeService(twoOutputSnapshot())
	r := newTestReconciler(t, svc, Options{})

	_, err := r.ToggleMonitor(context.Background(), "B")
	require.NoError(t, err)
	_, err = r.ToggleMonitor(context.Background(), "B")
	require.NoError(t, err)

	assert.Equal(t, original.LogicalMonitors, svc.current().LogicalMonitors)
	assert.False(t, r.State().IsActive("B"))
}

func TestReconciler_toggleSolePrimaryIssuesNoApply(t *testing.T) {
	svc := newFakeService(twoOutputSnapshot())
	r := newTestReconciler(t, svc, Options{})

	_, err := r.ToggleMonitor(context.Background(), "A")
	require.ErrorIs(t, err, ErrCannotDisablePrimary)
	assert.Equal(t, 0, svc.applyCount())
}

func TestReconciler_toggleSolePrimaryWithReassignment(t *testing.T) {
	svc := newFakeService(twoOutputSnapshot())
	r := newTestReconciler(t, svc, Options{ReassignPrimary: true})

	_, err := r.ToggleMonitor(context.Background(), "A")
	require.ErrorIs(t, err, ErrWouldDisableAllMonitors)
	assert.Equal(t, 0, svc.applyCount())
}

func TestReconciler_toggleUnknownMonitor(t *testing.T) {
	svc := newFakeService(twoOutputSnapshot())
	r := newTestReconciler(t, svc, Options{})

	_, err := r.ToggleMonitor(context.Background(), "missing")
	require.ErrorIs(t, err, ErrUnknownMonitorSerial)
	assert.Equal(t, 0, svc.applyCount())
}

func TestReconciler_togglesTwinsWithSharedSerialSeparately(t *testing.T) {
	snap := twoOutputSnapshot()
	for _, connector := range []string{"DP-2", "DP-3"} {
		snap.Outputs = append(snap.Outputs, PhysicalOutput{
			Connector: connector, Vendor: "DEL", Product: "P2419H", Serial: "0x00000000",
			SharedSerial: true,
			Modes: []DisplayMode{
				{ID: "m4", Width: 1920, Height: 1080, RefreshRate: 60, Flags: ModePreferred},
			},
		})
	}
	svc := newFakeService(snap)
	r := newTestReconciler(t, svc, Options{})
	ctx := context.Background()

	_, err := r.ToggleMonitor(ctx, "DP-3:0x00000000")
	require.NoError(t, err)
	assert.Equal(t, []string{"DP-1", "DP-3"}, connectors(svc.current().LogicalMonitors))

	_, err = r.ToggleMonitor(ctx, "DP-2:0x00000000")
	require.NoError(t, err)
	assert.Equal(t, []string{"DP-1", "DP-3", "DP-2"}, connectors(svc.current().LogicalMonitors))

	_, err = r.ToggleMonitor(ctx, "DP-3:0x00000000")
	require.NoError(t, err)
	assert.Equal(t, []string{"DP-1", "DP-2"}, connectors(svc.current().LogicalMonitors))
	assert.False(t, r.State().IsActive("DP-3:0x00000000"))
	assert.True(t, r.State().IsActive("DP-2:0x00000000"))
}

func TestReconciler_staleSerialIsRetriedOnce(t *testing.T) {
	plain := newFakeService(twoOutputSnapshot())
	_, err := newTestReconciler(t, plain, Options{}).ToggleMonitor(context.Background(), "B")
	require.NoError(t, err)

	rec := &fakeRecorder{}
	raced := newFakeService(twoOutputSnapshot())
	raced.beforeApply = func(f *fakeService) { f.externalChange() }
	r := newTestReconciler(t, raced, Options{Recorder: rec})

	res, err := r.ToggleMonitor(context.Background(), "B")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, uint32(8), res.Serial)
	assert.Equal(t, 2, raced.applyCount())
	assert.Equal(t, 1, rec.retries)

	assert.Equal(t, plain.current().LogicalMonitors, raced.current().LogicalMonitors)
}

func TestReconciler_staleRetryRedecidesToggle(t *testing.T) {
	svc := newFakeService(twoOutputSnapshot())
	svc.beforeApply = func(f *fakeService) {
		// Someone else enabled B while our enable was in flight.
		next := f.snap.WithLogicalMonitors(append(f.snap.LogicalMonitors, LogicalMonitor{
			X: 1920, Scale: 1, Backing: []Backing{{Connector: "HDMI-1", ModeID: "m2"}},
		}))
		next.Serial++
		f.snap = next
	}
	r := newTestReconciler(t, svc, Options{})

	_, err := r.ToggleMonitor(context.Background(), "B")
	require.NoError(t, err)

	require.Equal(t, 2, svc.applyCount())
	assert.Len(t, svc.applies[1].LogicalMonitors, 1, "retry must re-decide and disable B")
	assert.False(t, r.State().IsActive("B"))
}

func TestReconciler_secondStaleSerialIsConcurrentModification(t *testing.T) {
	svc := newFakeService(twoOutputSnapshot())
	svc.applyErrs = []error{ErrStaleSerial, ErrStaleSerial}
	journal := &fakeJournal{}
	r := newTestReconciler(t, svc, Options{Journal: journal})

	_, err := r.ToggleMonitor(context.Background(), "B")
	require.ErrorIs(t, err, ErrConcurrentModification)
	assert.ErrorIs(t, err, ErrStaleSerial)
	assert.Equal(t, 2, svc.applyCount())

	require.Len(t, journal.entries, 1)
	assert.Equal(t, "conflict", journal.entries[0].Outcome)
	assert.Equal(t, 2, journal.entries[0].Attempts)
}

func TestReconciler_nonStaleFailuresAreNotRetried(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		want    error
		outcome string
	}{
		{
			name:    "service error",
			err:     &ServiceError{Name: "org.freedesktop.DBus.Error.InvalidArgs", Message: "Invalid mode 'm2'"},
			want:    ErrServiceError,
			outcome: "rejected",
		},
		{
			name:    "transport failure",
			err:     fmt.Errorf("%w: no reply", ErrTransportFailure),
			want:    ErrTransportFailure,
			outcome: "unreachable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newFakeService(twoOutputSnapshot())
			svc.applyErrs = []error{tt.err}
			journal := &fakeJournal{}
			r := newTestReconciler(t, svc, Options{Journal: journal})

			_, err := r.ToggleMonitor(context.Background(), "B")
			require.ErrorIs(t, err, tt.want)
			assert.Equal(t, 1, svc.applyCount())

			// State stays at the last snapshot refreshed before the attempt.
			assert.Equal(t, uint32(7), r.State().Current().Serial)
			assert.False(t, r.State().IsActive("B"))

			require.Len(t, journal.entries, 1)
			assert.Equal(t, tt.outcome, journal.entries[0].Outcome)
			assert.NotEmpty(t, journal.entries[0].Error)
		})
	}
}

func TestReconciler_queryFailureAbortsBeforeApply(t *testing.T) {
	svc := newFakeService(twoOutputSnapshot())
	svc.queryErr = fmt.Errorf("%w: service unknown", ErrTransportFailure)
	r := newTestReconciler(t, svc, Options{})

	_, err := r.EnableAllMonitors(context.Background())
	require.ErrorIs(t, err, ErrQueryFailed)
	assert.ErrorIs(t, err, ErrTransportFailure)
	assert.Equal(t, 0, svc.applyCount())
}

func TestReconciler_enableAllInOneApply(t *testing.T) {
	svc := newFakeService(threeOutputSnapshot())
	r := newTestReconciler(t, svc, Options{})

	res, err := r.EnableAllMonitors(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"B", "eDP-1"}, res.Targets)
	require.Equal(t, 1, svc.applyCount())

	lms := svc.current().LogicalMonitors
	require.Len(t, lms, 3)
	assert.Equal(t, 1920, lms[1].X)
	assert.Equal(t, 1920+1440, lms[2].X)

	res, err = r.EnableAllMonitors(context.Background())
	require.NoError(t, err)
	assert.True(t, res.NoOp)
	assert.Equal(t, 1, svc.applyCount())
}

func TestReconciler_enableAllMatchesSequentialToggles(t *testing.T) {
	together := newFakeService(threeOutputSnapshot())
	_, err := newTestReconciler(t, together, Options{}).EnableAllMonitors(context.Background())
	require.NoError(t, err)

	oneByOne := newFakeService(threeOutputSnapshot())
	r := newTestReconciler(t, oneByOne, Options{})
	_, err = r.ToggleMonitor(context.Background(), "B")
	require.NoError(t, err)
	_, err = r.ToggleMonitor(context.Background(), "eDP-1")
	require.NoError(t, err)

	assert.Equal(t, together.current().LogicalMonitors, oneByOne.current().LogicalMonitors)
}

func TestReconciler_disableAllExceptPrimaryIsIdempotent(t *testing.T) {
	svc := newFakeService(threeOutputSnapshot())
	r := newTestReconciler(t, svc, Options{})
	_, err := r.EnableAllMonitors(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, svc.applyCount())

	res, err := r.DisableAllExceptPrimary(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"B", "eDP-1"}, res.Targets)
	assert.Equal(t, 2, svc.applyCount())

	res, err = r.DisableAllExceptPrimary(context.Background())
	require.NoError(t, err)
	assert.True(t, res.NoOp)
	assert.Equal(t, 2, svc.applyCount())

	assert.Equal(t, []string{"A"}, svc.current().ActiveKeys())
}

func TestReconciler_restoresOrientationWhenConfigured(t *testing.T) {
	snap := twoOutputSnapshot()
	snap.LogicalMonitors = append(snap.LogicalMonitors, LogicalMonitor{
		X: 1920, Scale: 1, Transform: TransformRotated90,
		Backing: []Backing{{Connector: "HDMI-1", ModeID: "m2b"}},
	})

	for _, restore := range []bool{false, true} {
		t.Run(fmt.Sprintf("restore=%v", restore), func(t *testing.T) {
			svc := newFakeService(snap.WithLogicalMonitors(snap.LogicalMonitors))
			r := newTestReconciler(t, svc, Options{RestoreOrientation: restore})

			_, err := r.ToggleMonitor(context.Background(), "B")
			require.NoError(t, err)
			_, err = r.ToggleMonitor(context.Background(), "B")
			require.NoError(t, err)

			lm := svc.current().LogicalMonitors[1]
			if restore {
				assert.Equal(t, TransformRotated90, lm.Transform)
				assert.Equal(t, "m2b", lm.Backing[0].ModeID)
			} else {
				assert.Equal(t, TransformNormal, lm.Transform)
				assert.Equal(t, "m2", lm.Backing[0].ModeID)
			}
		})
	}
}

func TestReconciler_rejectsOverlappingCycles(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})

	svc := newFakeService(twoOutputSnapshot())
	svc.beforeApply = func(*fakeService) {
		close(entered)
		<-release
	}
	rec := &fakeRecorder{}
	r := newTestReconciler(t, svc, Options{Recorder: rec})

	done := make(chan error, 1)
	go func() {
		_, err := r.ToggleMonitor(context.Background(), "B")
		done <- err
	}()

	<-entered
	assert.Equal(t, Applying, r.Phase())

	_, err := r.EnableAllMonitors(context.Background())
	require.ErrorIs(t, err, ErrBusy)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, Idle, r.Phase())
	assert.Equal(t, 1, svc.applyCount())
	assert.Contains(t, rec.outcomes, "enable-all:busy")
	assert.Contains(t, rec.outcomes, "toggle:applied")
}

func TestReconciler_operationWaitsForNotificationRefresh(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})

	svc := newFakeService(twoOutputSnapshot())
	svc.beforeQuery = func() {
		close(entered)
		<-release
	}
	rec := &fakeRecorder{}
	r := newTestReconciler(t, svc, Options{Recorder: rec})

	refreshed := make(chan error, 1)
	go func() { refreshed <- r.Refresh(context.Background()) }()
	<-entered
	assert.Equal(t, Refreshing, r.Phase())

	toggled := make(chan error, 1)
	go func() {
		_, err := r.ToggleMonitor(context.Background(), "B")
		toggled <- err
	}()

	require.Never(t, func() bool { return len(toggled) > 0 }, 50*time.Millisecond, 5*time.Millisecond)

	close(release)
	require.NoError(t, <-refreshed)
	require.NoError(t, <-toggled)
	assert.Equal(t, 1, svc.applyCount())
	assert.NotContains(t, rec.outcomes, "toggle:busy")
	assert.True(t, r.State().IsActive("B"))
}

func TestReconciler_operationWaitingOnRefreshHonorsContext(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	defer close(release)

	svc := newFakeService(twoOutputSnapshot())
	svc.beforeQuery = func() {
		close(entered)
		<-release
	}
	r := newTestReconciler(t, svc, Options{})

	go func() { _ = r.Refresh(context.Background()) }()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := r.ToggleMonitor(ctx, "B")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, svc.applyCount())
}

func TestReconciler_watchRefreshesOnNotification(t *testing.T) {
	svc := newFakeService(twoOutputSnapshot())
	r := newTestReconciler(t, svc, Options{})
	sub := &fakeSubscriber{ch: make(chan struct{}, 1)}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Watch(ctx, sub) }()

	svc.mu.Lock()
	svc.externalChange()
	svc.mu.Unlock()
	sub.ch <- struct{}{}

	require.Eventually(t, func() bool {
		snap := r.State().Current()
		return snap != nil && snap.Serial == 8
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, svc.applyCount())

	cancel()
	assert.True(t, errors.Is(<-done, context.Canceled))
}

func TestReconciler_watchReportsClosedSubscription(t *testing.T) {
	r := newTestReconciler(t, newFakeService(twoOutputSnapshot()), Options{})
	sub := &fakeSubscriber{ch: make(chan struct{})}
	close(sub.ch)

	err := r.Watch(context.Background(), sub)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "closed")
}

func TestReconciler_journalsNoOps(t *testing.T) {
	journal := &fakeJournal{}
	r := newTestReconciler(t, newFakeService(twoOutputSnapshot()), Options{Journal: journal})

	res, err := r.DisableAllExceptPrimary(context.Background())
	require.NoError(t, err)
	assert.True(t, res.NoOp)

	entries, err := journal.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "disable-others", entries[0].Operation)
	assert.Equal(t, "noop", entries[0].Outcome)
	assert.Equal(t, uint32(7), entries[0].Serial)
}
