// Package progress holds the latest known snapshot of every live task.
// The engine is the single writer per task; delivery endpoints read value
// copies, so a concurrent read observes either the prior or the new snapshot,
// never a torn one.
package progress

import (
	"fmt"
	"sync"
	"time"

	"github.com/sprintlens/sprintlens/pkg/types"
)

// DefaultRetention is how long a terminal snapshot stays readable before the
// janitor sweeps it. Non-terminal snapshots are never evicted.
const DefaultRetention = 15 * time.Minute

const sweepInterval = time.Minute

// Store manages task snapshots in memory.
type Store struct {
	mu        sync.RWMutex
	snapshots map[string]types.Snapshot
	expiry    map[string]time.Time
	listeners map[string][]chan types.Snapshot
	retention time.Duration
	done      chan struct{}
	closeOnce sync.Once
}

// NewStore creates a store and starts its janitor. retention <= 0 uses
// DefaultRetention.
func NewStore(retention time.Duration) *Store {
	if retention <= 0 {
		retention = DefaultRetention
	}
	s := &Store{
		snapshots: make(map[string]types.Snapshot),
		expiry:    make(map[string]time.Time),
		listeners: make(map[string][]chan types.Snapshot),
		retention: retention,
		done:      make(chan struct{}),
	}
	go s.janitor()
	return s
}

// Put replaces the task's snapshot. Progress never moves backward: a percent
// below the stored one is clamped up, and a terminal snapshot is never
// overwritten by a later write.
func (s *Store) Put(taskID string, snapshot types.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, exists := s.snapshots[taskID]
	if exists {
		if prev.Terminal() {
			return fmt.Errorf("task %s already reached %s", taskID, prev.Phase)
		}
		if snapshot.Percent < prev.Percent {
			snapshot.Percent = prev.Percent
		}
		if snapshot.Current < prev.Current {
			snapshot.Current = prev.Current
		}
		snapshot.CreatedAt = prev.CreatedAt
	}
	snapshot.UpdatedAt = time.Now()

	s.snapshots[taskID] = snapshot
	if snapshot.Terminal() {
		s.expiry[taskID] = snapshot.UpdatedAt.Add(s.retention)
	}

	s.notifyListeners(taskID, snapshot)
	return nil
}

// Get returns a copy of the task's latest snapshot.
func (s *Store) Get(taskID string) (types.Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot, exists := s.snapshots[taskID]
	return snapshot, exists
}

// Delete removes a task outright. Used when a cancelled task should leave no
// trace.
func (s *Store) Delete(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evict(taskID)
}

// Subscribe creates a listener channel receiving every snapshot written for
// the task from now on.
func (s *Store) Subscribe(taskID string) chan types.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan types.Snapshot, 16)
	s.listeners[taskID] = append(s.listeners[taskID], ch)
	return ch
}

// Unsubscribe removes and closes a listener channel.
func (s *Store) Unsubscribe(taskID string, ch chan types.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	listeners := s.listeners[taskID]
	for i, listener := range listeners {
		if listener == ch {
			s.listeners[taskID] = append(listeners[:i], listeners[i+1:]...)
			close(ch)
			break
		}
	}
	if len(s.listeners[taskID]) == 0 {
		delete(s.listeners, taskID)
	}
}

// Close stops the janitor. Snapshots remain readable until process exit.
func (s *Store) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// notifyListeners fans a snapshot out to subscribers (must hold lock).
// Slow consumers are skipped rather than blocking the engine.
func (s *Store) notifyListeners(taskID string, snapshot types.Snapshot) {
	for _, ch := range s.listeners[taskID] {
		select {
		case ch <- snapshot:
		default:
		}
	}
}

// evict drops a task and closes its listener channels (must hold lock).
func (s *Store) evict(taskID string) {
	delete(s.snapshots, taskID)
	delete(s.expiry, taskID)
	for _, ch := range s.listeners[taskID] {
		close(ch)
	}
	delete(s.listeners, taskID)
}

func (s *Store) janitor() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			s.mu.Lock()
			for taskID, deadline := range s.expiry {
				if now.After(deadline) {
					s.evict(taskID)
				}
			}
			s.mu.Unlock()
		}
	}
}
