package swarm

import (
	"sync"

	"github.com/enterstudio/browserless/internal/browser"
)

type ownerState int

const (
	stateIdle ownerState = iota
	stateLeased
)

type slot struct {
	handle browser.Handle
	state  ownerState
}

// Pool tracks idle browser handles with an index-based free list. Every
// handle is either idle (available) or leased (owned by a job); the same
// handle can never be both.
type Pool struct {
	mu    sync.Mutex
	slots []*slot
	free  []int
	index map[browser.Handle]int
}

// NewPool builds an empty pool.
func NewPool() *Pool {
	return &Pool{index: make(map[browser.Handle]int)}
}

// TryTake leases an idle handle if one exists. It never blocks.
func (p *Pool) TryTake() (browser.Handle, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.free) > 0 {
		i := p.free[len(p.free)-1]
		p.free = p.free[:len(p.free)-1]
		s := p.slots[i]
		if s == nil || s.state != stateIdle {
			continue
		}
		s.state = stateLeased
		return s.handle, true
	}
	return nil, false
}

// GiveBack returns a handle to the idle set. Returns false if the handle is
// already idle, guarding against double release.
func (p *Pool) GiveBack(h browser.Handle) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i, ok := p.index[h]; ok {
		s := p.slots[i]
		if s.state == stateIdle {
			return false
		}
		s.state = stateIdle
		p.free = append(p.free, i)
		return true
	}
	i := p.alloc()
	p.slots[i] = &slot{handle: h, state: stateIdle}
	p.index[h] = i
	p.free = append(p.free, i)
	return true
}

// Remove drops a handle from tracking entirely (it is being closed).
func (p *Pool) Remove(h browser.Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i, ok := p.index[h]
	if !ok {
		return
	}
	delete(p.index, h)
	p.slots[i] = nil
}

// DrainIdle removes and returns every idle handle.
func (p *Pool) DrainIdle() []browser.Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []browser.Handle
	for _, i := range p.free {
		s := p.slots[i]
		if s == nil || s.state != stateIdle {
			continue
		}
		out = append(out, s.handle)
		delete(p.index, s.handle)
		p.slots[i] = nil
	}
	p.free = p.free[:0]
	return out
}

// Len reports the number of idle handles.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, i := range p.free {
		if s := p.slots[i]; s != nil && s.state == stateIdle {
			n++
		}
	}
	return n
}

// alloc returns a reusable slot index, growing the backing slice if needed.
func (p *Pool) alloc() int {
	for i, s := range p.slots {
		if s == nil {
			return i
		}
	}
	p.slots = append(p.slots, nil)
	return len(p.slots) - 1
}
