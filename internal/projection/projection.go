// Package projection holds the in-memory view of deals the pipeline works on,
// including the transient pending-stage session that is never persisted.
package projection

import (
	"errors"
	"sync"

	"dealline/internal/collector"
	"dealline/internal/domain"
)

var (
	ErrNotLoaded = errors.New("deal not loaded")
	ErrNoPending = errors.New("no pending stage")
)

// Pending is an open gated-stage session.
type Pending struct {
	Stage domain.Stage
	Form  *collector.Form
}

// View is a snapshot of one projected deal.
type View struct {
	Deal     domain.Deal
	Pending  *Pending
	Unsynced bool
}

type entry struct {
	deal     domain.Deal
	pending  *Pending
	unsynced bool
}

// Projection maps deal id to its current view. The mutex guards the map and
// entries only; concurrent transitions on the same deal are not serialized.
type Projection struct {
	mu    sync.Mutex
	deals map[string]*entry
}

func New() *Projection {
	return &Projection{deals: map[string]*entry{}}
}

// Seed loads a deal from the store, dropping any pending session and the
// unsynced flag.
func (p *Projection) Seed(d domain.Deal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deals[d.ID] = &entry{deal: d.Clone()}
}

func (p *Projection) Get(id string) (View, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.deals[id]
	if !ok {
		return View{}, ErrNotLoaded
	}
	return e.view(), nil
}

func (p *Projection) Has(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.deals[id]
	return ok
}

// Apply stores the committed deal, clears the pending session and marks the
// entry unsynced until MarkSynced is called.
func (p *Projection) Apply(d domain.Deal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e := p.deals[d.ID]
	if e == nil {
		e = &entry{}
		p.deals[d.ID] = e
	}
	closePending(e)
	e.deal = d.Clone()
	e.unsynced = true
}

// Replace swaps in an edited deal. The pending session survives an edit.
func (p *Projection) Replace(d domain.Deal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e := p.deals[d.ID]
	if e == nil {
		e = &entry{}
		p.deals[d.ID] = e
	}
	e.deal = d.Clone()
	e.unsynced = false
}

func (p *Projection) MarkSynced(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.deals[id]; ok {
		e.unsynced = false
	}
}

// SetPending opens a session, discarding any previous one.
func (p *Projection) SetPending(id string, stage domain.Stage, form *collector.Form) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.deals[id]
	if !ok {
		return ErrNotLoaded
	}
	closePending(e)
	e.pending = &Pending{Stage: stage, Form: form}
	return nil
}

// ClearPending drops the session and reports whether one was open.
func (p *Projection) ClearPending(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.deals[id]
	if !ok || e.pending == nil {
		return false
	}
	closePending(e)
	return true
}

// WithPending runs fn against the open form while holding the lock.
func (p *Projection) WithPending(id string, fn func(*Pending) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.deals[id]
	if !ok {
		return ErrNotLoaded
	}
	if e.pending == nil {
		return ErrNoPending
	}
	return fn(e.pending)
}

func closePending(e *entry) {
	if e.pending != nil && e.pending.Form != nil && !e.pending.Form.Closed() {
		e.pending.Form.Cancel()
	}
	e.pending = nil
}

func (e *entry) view() View {
	v := View{Deal: e.deal.Clone(), Unsynced: e.unsynced}
	if e.pending != nil {
		pp := *e.pending
		v.Pending = &pp
	}
	return v
}
