package retention

import (
	"sync"
	"sync/atomic"
)

// Pins tracks events that in-flight work still references. Pinned events
// are skipped by eviction.
type Pins struct {
	mu   sync.Mutex
	refs map[string]int
}

func NewPins() *Pins {
	return &Pins{refs: make(map[string]int)}
}

// Pin adds a reference to id and returns its release func. Calling release
// more than once has no further effect.
func (p *Pins) Pin(id string) func() {
	p.mu.Lock()
	p.refs[id]++
	p.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			if p.refs[id] <= 1 {
				delete(p.refs, id)
				return
			}
			p.refs[id]--
		})
	}
}

// IDs returns the currently pinned event IDs.
func (p *Pins) IDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.refs))
	for id := range p.refs {
		ids = append(ids, id)
	}
	return ids
}

func (p *Pins) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.refs)
}

// Usage is the shared retention buffer size accounting, in payload bytes.
type Usage struct {
	bytes atomic.Int64
}

func (u *Usage) Add(n int64) int64 { return u.bytes.Add(n) }

func (u *Usage) Set(n int64) { u.bytes.Store(n) }

func (u *Usage) Load() int64 { return u.bytes.Load() }
