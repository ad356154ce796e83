package memory

import (
	"codeberg.org/miketth/monitoggle/pkg/monitoggle"
	"context"
	"sync"
)

const DefaultCapacity = 256

// Journal keeps the most recent entries in memory. Older entries are dropped
// once capacity is reached.
type Journal struct {
	lock     sync.Mutex
	entries  []monitoggle.JournalEntry
	capacity int
}

func NewJournal(capacity int) *Journal {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Journal{capacity: capacity}
}

func (j *Journal) Record(_ context.Context, entry monitoggle.JournalEntry) error {
	j.lock.Lock()
	defer j.lock.Unlock()

	entry.Targets = append([]string(nil), entry.Targets...)
	j.entries = append(j.entries, entry)
	if len(j.entries) > j.capacity {
		j.entries = append([]monitoggle.JournalEntry(nil), j.entries[len(j.entries)-j.capacity:]...)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (j *Journal) Recent(_ context.Context, limit int) ([]monitoggle.JournalEntry, error) {
	j.lock.Lock()
	defer j.lock.Unlock()

	if limit <= 0 || limit > len(j.entries) {
		limit = len(j.entries)
	}

	out := make([]monitoggle.JournalEntry, 0, limit)
	for i := len(j.entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, j.entries[i])
	}
	return out, nil
}
