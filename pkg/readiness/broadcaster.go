// Package readiness delivers the backend base URL to UI surfaces. Surfaces
// that subscribe after the backend became ready receive the last value
// immediately.
package readiness

import (
	"context"
	"sync"
)

// Readiness is the message delivered to UI surfaces
type Readiness struct {
	BaseURL string `json:"base_url"`
	Ready   bool   `json:"ready"`
}

// Surface is a UI consumer of readiness updates
type Surface interface {
	Deliver(Readiness)
}

// SurfaceFunc adapts a function to Surface
type SurfaceFunc func(Readiness)

// Deliver calls f(r)
func (f SurfaceFunc) Deliver(r Readiness) {
	f(r)
}

// Subscription detaches a surface when cancelled
type Subscription struct {
	b  *Broadcaster
	id uint64
}

// Cancel stops further deliveries to the surface
func (s *Subscription) Cancel() {
	if s == nil || s.b == nil {
		return
	}
	s.b.unsubscribe(s.id)
}

// Broadcaster fans readiness out to every subscribed surface. Deliveries
// happen under a lock so every surface sees updates in publish order;
// surfaces must not call back into the broadcaster from Deliver.
type Broadcaster struct {
	mu       sync.Mutex
	surfaces map[uint64]Surface
	order    []uint64
	nextID   uint64
	latest   Readiness
	has      bool
	changed  chan struct{}
}

// NewBroadcaster creates an empty broadcaster
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		surfaces: make(map[uint64]Surface),
		changed:  make(chan struct{}),
	}
}

// Publish records r and delivers it to every current surface
func (b *Broadcaster) Publish(r Readiness) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.latest = r
	b.has = true
	close(b.changed)
	b.changed = make(chan struct{})

	for _, id := range b.order {
		b.surfaces[id].Deliver(r)
	}
}

// Subscribe registers s. If a value was already published, s receives it
// before Subscribe returns.
func (b *Broadcaster) Subscribe(s Surface) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.surfaces[id] = s
	b.order = append(b.order, id)

	if b.has {
		s.Deliver(b.latest)
	}

	return &Subscription{b: b, id: id}
}

func (b *Broadcaster) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.surfaces[id]; !ok {
		return
	}
	delete(b.surfaces, id)
	for i, v := range b.order {
		if v == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}

// Latest returns the last published value, if any
func (b *Broadcaster) Latest() (Readiness, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.latest, b.has
}

// Subscribers returns the number of attached surfaces
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.surfaces)
}

// Wait blocks until a Ready value is published or ctx ends
func (b *Broadcaster) Wait(ctx context.Context) (Readiness, error) {
	for {
		b.mu.Lock()
		latest, has, changed := b.latest, b.has, b.changed
		b.mu.Unlock()

		if has && latest.Ready {
			return latest, nil
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return Readiness{}, ctx.Err()
		}
	}
}
