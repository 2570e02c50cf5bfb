// Package sessions manages client sessions and the pooled computer handles
// they lease. Sessions are created on first use, evicted when idle, and
// drained on shutdown; the pool keeps at most a fixed number of computers
// open and leases each to one session at a time.
package sessions

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/haasonsaas/cua/internal/computer"
	"github.com/haasonsaas/cua/internal/observability"
)

// ErrPoolExhausted reports that no computer handle became available within
// the acquire timeout. It reaches the caller before any run state exists.
var ErrPoolExhausted = errors.New("computer pool exhausted")

// ErrPoolClosed reports an acquire against a shut-down pool.
var ErrPoolClosed = errors.New("computer pool is closed")

// Pool owns every computer handle. Handles are lease-exclusive: Acquire
// hands a computer to exactly one caller until Release returns it. The
// mutex guards only the maps; it is never held across provisioner I/O.
type Pool struct {
	size           int
	acquireTimeout time.Duration
	metrics        *observability.Metrics

	mu      sync.Mutex
	idle    []computer.Computer
	leased  map[computer.Computer]struct{}
	opening int
	waiters []chan struct{}
	closed  bool
}

// NewPool builds a pool capped at size handles.
func NewPool(size int, acquireTimeout time.Duration, metrics *observability.Metrics) *Pool {
	if size <= 0 {
		size = 5
	}
	if acquireTimeout <= 0 {
		acquireTimeout = 30 * time.Second
	}
	p := &Pool{
		size:           size,
		acquireTimeout: acquireTimeout,
		metrics:        metrics,
		leased:         make(map[computer.Computer]struct{}),
	}
	if metrics != nil {
		metrics.PoolCapacity.Set(float64(size))
	}
	return p
}

// Acquire returns an idle handle matching spec, opens a new one while under
// capacity, or waits until the timeout and fails with ErrPoolExhausted.
func (p *Pool) Acquire(ctx context.Context, spec computer.Spec) (computer.Computer, error) {
	deadline := time.NewTimer(p.acquireTimeout)
	defer deadline.Stop()

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		for i, c := range p.idle {
			if spec.Matches(c) {
				p.idle = append(p.idle[:i], p.idle[i+1:]...)
				p.leased[c] = struct{}{}
				p.mu.Unlock()
				p.gauge()
				return c, nil
			}
		}
		if len(p.leased)+len(p.idle)+p.opening < p.size {
			p.opening++
			p.mu.Unlock()
			return p.open(ctx, spec)
		}
		wait := make(chan struct{}, 1)
		p.waiters = append(p.waiters, wait)
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, ErrPoolExhausted
		case <-wait:
			// A handle was released or an open failed; try again.
		}
	}
}

// open asks the provisioner for a fresh computer. The reservation taken in
// Acquire is released on failure.
func (p *Pool) open(ctx context.Context, spec computer.Spec) (computer.Computer, error) {
	prov, err := computer.ProvisionerFor(spec.ProviderType)
	if err != nil {
		p.abandonReservation()
		return nil, err
	}
	c, err := prov.Open(ctx, spec)

	p.mu.Lock()
	p.opening--
	if err != nil {
		p.notifyLocked()
		p.mu.Unlock()
		return nil, err
	}
	if p.closed {
		p.mu.Unlock()
		_ = prov.Close(context.WithoutCancel(ctx), c)
		return nil, ErrPoolClosed
	}
	p.leased[c] = struct{}{}
	p.mu.Unlock()
	p.gauge()
	return c, nil
}

func (p *Pool) abandonReservation() {
	p.mu.Lock()
	p.opening--
	p.notifyLocked()
	p.mu.Unlock()
}

// Release returns a leased handle to the idle set and wakes one waiter.
// Releasing an unknown handle is a no-op.
func (p *Pool) Release(c computer.Computer) {
	if c == nil {
		return
	}
	p.mu.Lock()
	if _, ok := p.leased[c]; !ok {
		p.mu.Unlock()
		return
	}
	delete(p.leased, c)
	if !p.closed {
		p.idle = append(p.idle, c)
	}
	p.notifyLocked()
	p.mu.Unlock()
	p.gauge()
}

func (p *Pool) notifyLocked() {
	for _, w := range p.waiters {
		select {
		case w <- struct{}{}:
		default:
		}
	}
	p.waiters = nil
}

// Healthy reports whether a probe acquire could be satisfied: an idle handle
// exists or capacity remains.
func (p *Pool) Healthy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	return len(p.idle) > 0 || len(p.leased)+len(p.idle)+p.opening < p.size
}

// Shutdown closes every handle through its provisioner. It is idempotent:
// handles are drained from the maps before closing, so a second call finds
// nothing to close.
func (p *Pool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	p.closed = true
	handles := make([]computer.Computer, 0, len(p.idle)+len(p.leased))
	handles = append(handles, p.idle...)
	for c := range p.leased {
		handles = append(handles, c)
	}
	p.idle = nil
	p.leased = make(map[computer.Computer]struct{})
	p.notifyLocked()
	p.mu.Unlock()

	for _, c := range handles {
		if prov, err := computer.ProvisionerFor(c.ProviderType()); err == nil {
			_ = prov.Close(ctx, c)
		}
	}
	p.gauge()
}

func (p *Pool) gauge() {
	if p.metrics == nil {
		return
	}
	p.mu.Lock()
	inUse := len(p.leased)
	p.mu.Unlock()
	p.metrics.PoolInUse.Set(float64(inUse))
}
