package outbox

import (
	"sync"
	"time"
)

// maxPublishedErrors bounds how many recent failure messages the status
// surface retains for display.
const maxPublishedErrors = 5

// StatusSnapshot is the aggregate state exposed to UI badges and other
// collaborators.
type StatusSnapshot struct {
	IsOnline           bool
	IsSyncing          bool
	Pending            int
	Failed             int
	OldestPendingAt    time.Time
	LastSyncAttempt    time.Time
	LastSuccessfulSync time.Time
	// Errors holds the most recent failure messages, newest first.
	Errors []string
}

// Publisher fans status snapshots out to subscriber callbacks. A panicking
// subscriber is isolated: it never prevents other subscribers from being
// notified and never aborts the syncer.
type Publisher struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]func(StatusSnapshot)
	errs   []string
}

// NewPublisher creates an empty Publisher.
func NewPublisher() *Publisher {
	return &Publisher{subs: make(map[int]func(StatusSnapshot))}
}

// Subscribe registers fn and returns a cancel function that removes it.
func (p *Publisher) Subscribe(fn func(StatusSnapshot)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextID
	p.nextID++
	p.subs[id] = fn
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.subs, id)
	}
}

// RecordError pushes msg onto the rolling error buffer, evicting the oldest
// entry beyond the display bound.
func (p *Publisher) RecordError(msg string) {
	if msg == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errs = append([]string{msg}, p.errs...)
	if len(p.errs) > maxPublishedErrors {
		p.errs = p.errs[:maxPublishedErrors]
	}
}

// Errors returns a copy of the recent failure messages, newest first.
func (p *Publisher) Errors() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.errs))
	copy(out, p.errs)
	return out
}

// Publish delivers snap to every subscriber.
func (p *Publisher) Publish(snap StatusSnapshot) {
	p.mu.Lock()
	fns := make([]func(StatusSnapshot), 0, len(p.subs))
	for _, fn := range p.subs {
		fns = append(fns, fn)
	}
	p.mu.Unlock()

	for _, fn := range fns {
		notify(fn, snap)
	}
}

func notify(fn func(StatusSnapshot), snap StatusSnapshot) {
	defer func() {
		_ = recover()
	}()
	fn(snap)
}
