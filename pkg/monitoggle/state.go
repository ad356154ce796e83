package monitoggle

import (
	"context"
	"fmt"
	"sync"
)

// State caches what the configuration service last reported. It only changes
// on a successful Refresh.
type State struct {
	service ConfigService

	mu        sync.RWMutex
	current   *Snapshot
	baseline  *Snapshot
	lastKnown map[string]Placement
}

func NewState(service ConfigService) *State {
	return &State{
		service:   service,
		lastKnown: make(map[string]Placement),
	}
}

func (s *State) Refresh(ctx context.Context) (*Snapshot, error) {
	snap, err := s.service.Query(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrQueryFailed, err)
	}
	if snap == nil {
		return nil, fmt.Errorf("%w: empty reply", ErrQueryFailed)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.current = snap
	if s.baseline == nil {
		s.baseline = snap
	}
	s.rememberPlacements(snap)

	return snap, nil
}

func (s *State) rememberPlacements(snap *Snapshot) {
	for _, lm := range snap.LogicalMonitors {
		for _, b := range lm.Backing {
			s.lastKnown[snap.keyOf(b.Connector)] = Placement{
				ModeID:    b.ModeID,
				Scale:     lm.Scale,
				Transform: lm.Transform,
			}
		}
	}
}

// Current returns the latest snapshot, or nil before the first refresh.
func (s *State) Current() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Baseline returns the first snapshot ever refreshed.
func (s *State) Baseline() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.baseline
}

func (s *State) IsActive(key string) bool {
	snap := s.Current()
	return snap != nil && snap.IsActive(key)
}

func (s *State) PrimaryBacking() (connector, key string, ok bool) {
	snap := s.Current()
	if snap == nil {
		return "", "", false
	}
	return snap.PrimaryBacking()
}

// Remembered returns a copy of the last-known placement of every output that
// has been active since the state was created.
func (s *State) Remembered() map[string]Placement {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]Placement, len(s.lastKnown))
	for k, v := range s.lastKnown {
		out[k] = v
	}
	return out
}
