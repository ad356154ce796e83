package monitoggle

import (
	"context"
	"time"
)

type ApplyMethod uint32

const (
	ApplyVerify ApplyMethod = iota
	ApplyTemporary
	ApplyPersistent
)

func (m ApplyMethod) String() string {
	switch m {
	case ApplyVerify:
		return "verify"
	case ApplyTemporary:
		return "temporary"
	case ApplyPersistent:
		return "persistent"
	}
	return "unknown"
}

type ApplyRequest struct {
	Serial          uint32
	Method          ApplyMethod
	LogicalMonitors []LogicalMonitor
	Properties      map[string]any
}

// ConfigService is the display configuration service. Apply errors must match
// one of ErrStaleSerial, ErrServiceError or ErrTransportFailure; Query errors
// are treated as transport failures.
type ConfigService interface {
	Query(ctx context.Context) (*Snapshot, error)
	Apply(ctx context.Context, req ApplyRequest) error
}

// ChangeSubscriber delivers a value whenever the topology changed for any
// reason. The channel is closed when ctx is done.
type ChangeSubscriber interface {
	Subscribe(ctx context.Context) (<-chan struct{}, error)
}

type JournalEntry struct {
	Time      time.Time
	Operation string
	Targets   []string
	Serial    uint32
	Attempts  int
	Outcome   string
	Error     string
}

type Journal interface {
	Record(ctx context.Context, entry JournalEntry) error
	Recent(ctx context.Context, limit int) ([]JournalEntry, error)
}

type Recorder interface {
	CycleFinished(operation, outcome string, took time.Duration)
	StaleRetry(operation string)
	SnapshotRefreshed(serial uint32, active int)
}
