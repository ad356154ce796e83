package monitoggle

import (
	"context"
	"errors"
	"fmt"
	"go.uber.org/zap"
	"sync"
	"sync/atomic"
	"time"
)

type Phase int32

const (
	Idle Phase = iota
	Refreshing
	Applying
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Refreshing:
		return "refreshing"
	case Applying:
		return "applying"
	}
	return fmt.Sprintf("phase(%d)", int32(p))
}

// maxAttempts bounds how often one operation is decided and applied when the
// service keeps reporting a stale serial.
const maxAttempts = 2

type Options struct {
	Method             ApplyMethod
	ReassignPrimary    bool
	RestoreOrientation bool

	Journal  Journal
	Recorder Recorder
}

type Result struct {
	Operation string
	Targets   []string
	// Serial is the configuration serial the change was decided and applied
	// against.
	Serial    uint32
	Attempts  int
	NoOp      bool
	Skipped   map[string]error
}

// decideFunc turns a fresh snapshot into the change an operation wants.
// No targets means there is nothing to do.
type decideFunc func(snap *Snapshot) (Operation, []string, error)

// Reconciler runs one display change at a time against the configuration
// service: refresh, decide, build, apply, refresh.
type Reconciler struct {
	state   *State
	service ConfigService
	opts    Options
	log     *zap.SugaredLogger

	cycle chan struct{}
	phase atomic.Int32

	// refreshDone is closed when the refresh holding cycle lets go of it;
	// nil while no standalone refresh runs.
	refreshMu   sync.Mutex
	refreshDone chan struct{}
}

func NewReconciler(service ConfigService, log *zap.SugaredLogger, opts Options) *Reconciler {
	return &Reconciler{
		state:   NewState(service),
		service: service,
		opts:    opts,
		log:     log,
		cycle:   make(chan struct{}, 1),
	}
}

func (r *Reconciler) State() *State { return r.state }

func (r *Reconciler) Phase() Phase { return Phase(r.phase.Load()) }

func (r *Reconciler) setPhase(p Phase) { r.phase.Store(int32(p)) }

// ToggleMonitor disables the monitor named by key if it is active and enables
// it otherwise.
func (r *Reconciler) ToggleMonitor(ctx context.Context, key string) (Result, error) {
	return r.run(ctx, "toggle", func(snap *Snapshot) (Operation, []string, error) {
		if _, ok := snap.Output(key); !ok {
			return Enable, nil, fmt.Errorf("%w: %q", ErrUnknownMonitorSerial, key)
		}
		if snap.IsActive(key) {
			return Disable, []string{key}, nil
		}
		return Enable, []string{key}, nil
	})
}

// EnableAllMonitors enables every inactive monitor in one configuration change.
func (r *Reconciler) EnableAllMonitors(ctx context.Context) (Result, error) {
	return r.run(ctx, "enable-all", func(snap *Snapshot) (Operation, []string, error) {
		active := make(map[string]bool)
		for _, key := range snap.ActiveKeys() {
			active[key] = true
		}

		var targets []string
		for _, o := range snap.Outputs {
			if !active[o.Key()] {
				targets = append(targets, o.Key())
			}
		}
		return Enable, targets, nil
	})
}

// DisableAllExceptPrimary disables every active monitor that does not back
// the primary logical monitor.
func (r *Reconciler) DisableAllExceptPrimary(ctx context.Context) (Result, error) {
	return r.run(ctx, "disable-others", func(snap *Snapshot) (Operation, []string, error) {
		primary := snap.primaryKeys()

		var targets []string
		for _, key := range snap.ActiveKeys() {
			if !primary[key] {
				targets = append(targets, key)
			}
		}
		return Disable, targets, nil
	})
}

// Refresh re-reads the topology. Unlike the operations it waits for a running
// cycle to finish instead of failing with ErrBusy.
func (r *Reconciler) Refresh(ctx context.Context) error {
	select {
	case r.cycle <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	done := make(chan struct{})
	r.refreshMu.Lock()
	r.refreshDone = done
	r.refreshMu.Unlock()

	defer func() {
		r.setPhase(Idle)
		<-r.cycle

		r.refreshMu.Lock()
		if r.refreshDone == done {
			r.refreshDone = nil
		}
		r.refreshMu.Unlock()
		close(done)
	}()

	r.setPhase(Refreshing)
	_, err := r.refresh(ctx)
	return err
}

// acquire takes the cycle slot for an operation. A standalone refresh is
// waited out; a running operation makes this fail with ErrBusy.
func (r *Reconciler) acquire(ctx context.Context) error {
	for {
		select {
		case r.cycle <- struct{}{}:
			return nil
		default:
		}

		r.refreshMu.Lock()
		done := r.refreshDone
		r.refreshMu.Unlock()
		if done == nil {
			return ErrBusy
		}

		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Watch refreshes the topology on every change notification until ctx is done.
func (r *Reconciler) Watch(ctx context.Context, sub ChangeSubscriber) error {
	changes, err := sub.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("subscribe to changes: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-changes:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return errors.New("change subscription closed")
			}

			r.log.Debug("topology changed, refreshing")
			if err := r.Refresh(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				r.log.Warnw("refresh after change notification failed", "error", err)
			}
		}
	}
}

func (r *Reconciler) run(ctx context.Context, op string, decide decideFunc) (Result, error) {
	if err := r.acquire(ctx); err != nil {
		if errors.Is(err, ErrBusy) {
			r.observe(op, "busy", 0)
		}
		return Result{Operation: op}, err
	}
	defer func() {
		r.setPhase(Idle)
		<-r.cycle
	}()

	start := time.Now()
	res, err := r.runCycle(ctx, op, decide)
	outcome := outcomeOf(res, err)

	r.observe(op, outcome, time.Since(start))
	r.record(ctx, res, outcome, err)

	if err != nil {
		r.log.Debugw("display change failed", "operation", op, "outcome", outcome, "error", err)
	} else {
		r.log.Debugw("display change done", "operation", op, "outcome", outcome, "targets", res.Targets)
	}

	return res, err
}

func (r *Reconciler) runCycle(ctx context.Context, op string, decide decideFunc) (Result, error) {
	res := Result{Operation: op}

	for attempt := 1; ; attempt++ {
		res.Attempts = attempt

		r.setPhase(Refreshing)
		snap, err := r.refresh(ctx)
		if err != nil {
			return res, err
		}

		kind, targets, err := decide(snap)
		if err != nil {
			return res, err
		}
		res.Targets, res.Serial = targets, snap.Serial
		if len(targets) == 0 {
			res.NoOp = true
			return res, nil
		}

		layout, err := Build(snap, kind, targets, r.buildOptions())
		if err != nil {
			return res, fmt.Errorf("build %s layout: %w", kind, err)
		}
		res.Skipped = layout.Skipped
		for key, skipErr := range layout.Skipped {
			r.log.Warnw("leaving monitor out of layout", "monitor", key, "error", skipErr)
		}

		r.setPhase(Applying)
		err = r.service.Apply(ctx, ApplyRequest{
			Serial:          snap.Serial,
			Method:          r.opts.Method,
			LogicalMonitors: layout.Monitors,
			Properties:      snap.Properties,
		})

		switch {
		case err == nil:
			r.setPhase(Refreshing)
			if _, err := r.refresh(ctx); err != nil {
				return res, fmt.Errorf("refresh after apply: %w", err)
			}
			return res, nil

		case errors.Is(err, ErrStaleSerial) && attempt < maxAttempts:
			r.log.Warnw("configuration serial went stale, retrying", "operation", op, "serial", snap.Serial)
			if r.opts.Recorder != nil {
				r.opts.Recorder.StaleRetry(op)
			}

		case errors.Is(err, ErrStaleSerial):
			return res, fmt.Errorf("%w: %w", ErrConcurrentModification, err)

		default:
			return res, fmt.Errorf("apply %s layout: %w", kind, err)
		}
	}
}

func (r *Reconciler) refresh(ctx context.Context) (*Snapshot, error) {
	snap, err := r.state.Refresh(ctx)
	if err != nil {
		return nil, err
	}
	if r.opts.Recorder != nil {
		r.opts.Recorder.SnapshotRefreshed(snap.Serial, len(snap.ActiveKeys()))
	}
	return snap, nil
}

func (r *Reconciler) buildOptions() BuildOptions {
	opts := BuildOptions{ReassignPrimary: r.opts.ReassignPrimary}
	if r.opts.RestoreOrientation {
		opts.Remembered = r.state.Remembered()
	}
	return opts
}

func (r *Reconciler) observe(op, outcome string, took time.Duration) {
	if r.opts.Recorder != nil {
		r.opts.Recorder.CycleFinished(op, outcome, took)
	}
}

func (r *Reconciler) record(ctx context.Context, res Result, outcome string, cycleErr error) {
	if r.opts.Journal == nil {
		return
	}

	entry := JournalEntry{
		Time:      time.Now(),
		Operation: res.Operation,
		Targets:   res.Targets,
		Serial:    res.Serial,
		Attempts:  res.Attempts,
		Outcome:   outcome,
	}
	if cycleErr != nil {
		entry.Error = cycleErr.Error()
	}

	if err := r.opts.Journal.Record(context.WithoutCancel(ctx), entry); err != nil {
		r.log.Warnw("could not record display change", "operation", res.Operation, "error", err)
	}
}

func outcomeOf(res Result, err error) string {
	switch {
	case err == nil && res.NoOp:
		return "noop"
	case err == nil:
		return "applied"
	case errors.Is(err, ErrConcurrentModification):
		return "conflict"
	case errors.Is(err, ErrServiceError):
		return "rejected"
	case errors.Is(err, ErrTransportFailure), errors.Is(err, ErrQueryFailed):
		return "unreachable"
	case errors.Is(err, ErrCannotDisablePrimary),
		errors.Is(err, ErrWouldDisableAllMonitors),
		errors.Is(err, ErrUnknownMonitorSerial),
		errors.Is(err, ErrNoModesAvailable):
		return "refused"
	}
	return "failed"
}
