package engine

import (
	"errors"
	"fmt"
	"sync"
)

// DefaultPoolSize is the number of engines kept warm. Context creation is
// allocation heavy, so a small dedicated pool keeps concurrent executions
// from paying it per request.
const DefaultPoolSize = 3

// ErrPoolExhausted is returned by Acquire when every engine is in use.
var ErrPoolExhausted = errors.New("engine pool exhausted")

// Pool is a fixed-size set of pre-created engines. Acquire hands out an idle
// engine or fails fast; Release resets the engine and returns it. The pool
// owns its engines for their lifetime; callers hold a borrow until release.
type Pool struct {
	mu     sync.Mutex
	idle   []*Engine
	closed bool
}

// NewPool pre-creates size engines with the given limits.
func NewPool(size int, limits Limits) (*Pool, error) {
	if size <= 0 {
		size = DefaultPoolSize
	}
	p := &Pool{idle: make([]*Engine, 0, size)}
	for i := 0; i < size; i++ {
		eng, err := New(limits)
		if err != nil {
			return nil, fmt.Errorf("create engine %d: %w", i, err)
		}
		p.idle = append(p.idle, eng)
	}
	return p, nil
}

// Acquire removes an idle engine from the pool. It does not block: when no
// engine is idle it returns ErrPoolExhausted.
func (p *Pool) Acquire() (*Engine, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, errors.New("engine pool closed")
	}
	if len(p.idle) == 0 {
		return nil, ErrPoolExhausted
	}
	eng := p.idle[len(p.idle)-1]
	p.idle = p.idle[:len(p.idle)-1]
	return eng, nil
}

// Release resets the engine and appends it back to the pool.
func (p *Pool) Release(eng *Engine) {
	if eng == nil {
		return
	}
	eng.Reset()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.idle = append(p.idle, eng)
}

// Idle returns the number of engines currently available.
func (p *Pool) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// Close drops all idle engines. Borrowed engines are discarded on release.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.idle = nil
}
