package locationcache

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrStale = errors.New("locationcache: entry is older than the cached one")

// Entry is the latest known provider position for a booking.
type Entry struct {
	BookingID string    `json:"bookingId"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	UpdatedAt time.Time `json:"lastUpdated"`
}

// Cache holds the most recent position per booking. Put never replaces a
// newer entry with an older one.
type Cache interface {
	Put(ctx context.Context, e Entry) error
	Get(ctx context.Context, bookingID string) (Entry, bool, error)
	Delete(ctx context.Context, bookingID string) error
}

type memoryCache struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemory returns a process-local cache.
func NewMemory() Cache {
	return &memoryCache{entries: make(map[string]Entry)}
}

func (m *memoryCache) Put(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.entries[e.BookingID]; ok && !e.UpdatedAt.After(prev.UpdatedAt) {
		return ErrStale
	}
	m.entries[e.BookingID] = e
	return nil
}

func (m *memoryCache) Get(_ context.Context, bookingID string) (Entry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[bookingID]
	return e, ok, nil
}

func (m *memoryCache) Delete(_ context.Context, bookingID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, bookingID)
	return nil
}
