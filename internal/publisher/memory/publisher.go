// Package memory contains an in-memory publisher implementation for tests.
package memory

import (
	"context"
	"sync"

	"tankmon/internal/tank"
)

// Publisher stores published readings for inspection.
type Publisher struct {
	mu       sync.RWMutex
	readings []tank.Reading
	offline  int
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish records the reading.
func (p *Publisher) Publish(_ context.Context, reading tank.Reading) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readings = append(p.readings, reading)
	return nil
}

// Offline counts offline announcements.
func (p *Publisher) Offline(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offline++
	return nil
}

// Readings returns the recorded publishes.
func (p *Publisher) Readings() []tank.Reading {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]tank.Reading, len(p.readings))
	copy(out, p.readings)
	return out
}

// OfflineCount returns how many times Offline was called.
func (p *Publisher) OfflineCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.offline
}
