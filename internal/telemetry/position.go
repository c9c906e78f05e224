// Package telemetry holds the per-cycle field snapshot the controller fills
// and carries it to external consumers.
package telemetry

import (
	"sort"
	"sync"
	"time"
)

// Sink is the field store a collection cycle writes into.
type Sink interface {
	Has(field string) bool
	Put(field, value string)
}

// Position is one telemetry cycle: a timestamp plus named string fields.
type Position struct {
	Time time.Time

	mu     sync.RWMutex
	fields map[string]string
}

// NewPosition returns an empty position stamped with t.
func NewPosition(t time.Time) *Position {
	return &Position{Time: t, fields: make(map[string]string)}
}

func (p *Position) Has(field string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.fields[field]
	return ok
}

func (p *Position) Put(field, value string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fields[field] = value
}

// Get returns a field value.
func (p *Position) Get(field string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.fields[field]
	return v, ok
}

// Fields returns a copy of all fields.
func (p *Position) Fields() map[string]string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]string, len(p.fields))
	for k, v := range p.fields {
		out[k] = v
	}
	return out
}

// Names returns the field names in sorted order.
func (p *Position) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.fields))
	for k := range p.fields {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func (p *Position) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.fields)
}
