package resources

import (
	"fmt"
	"sync"
)

// Reservation records which counters a job holds
type Reservation struct {
	JobID string
	Keys  []string
}

// Manager tracks active (queued or running) job counts per key.
// A job reserves one unit on each of its keys at admission and releases
// them exactly once when it finishes.
type Manager struct {
	mu           sync.RWMutex
	reservations map[string]*Reservation // jobID -> reservation
	counts       map[string]int          // key -> active jobs
}

// NewManager creates a new resource manager
func NewManager() *Manager {
	return &Manager{
		reservations: make(map[string]*Reservation),
		counts:       make(map[string]int),
	}
}

// Reserve increments the counter of every key for a job
func (m *Manager) Reserve(jobID string, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Check if job already has a reservation
	if _, exists := m.reservations[jobID]; exists {
		return fmt.Errorf("job %s already has a reservation", jobID)
	}

	held := make([]string, 0, len(keys))
	for _, key := range keys {
		if key == "" {
			continue
		}
		m.counts[key]++
		held = append(held, key)
	}

	m.reservations[jobID] = &Reservation{JobID: jobID, Keys: held}
	return nil
}

// Release decrements the counters held by a job. A second release of the
// same job is an error and changes nothing.
func (m *Manager) Release(jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	res, exists := m.reservations[jobID]
	if !exists {
		return fmt.Errorf("no reservation found for job %s", jobID)
	}

	for _, key := range res.Keys {
		m.counts[key]--
		if m.counts[key] <= 0 {
			delete(m.counts, key)
		}
	}

	delete(m.reservations, jobID)
	return nil
}

// Count returns the number of active jobs holding key
func (m *Manager) Count(key string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.counts[key]
}

// Total returns the number of jobs holding a reservation
func (m *Manager) Total() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.reservations)
}

// GetReservation returns the reservation for a job
func (m *Manager) GetReservation(jobID string) (*Reservation, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	res, exists := m.reservations[jobID]
	if !exists {
		return nil, false
	}

	// Return a copy
	keys := make([]string, len(res.Keys))
	copy(keys, res.Keys)
	return &Reservation{JobID: res.JobID, Keys: keys}, true
}
