// Package resources implements the global resource budget used by action
// admission (spec.md §4.6/§4.8): named consumables with a total budget each,
// reserved by external actions before they run and released on completion.
// Waiters queue FIFO per resource.
package resources

import (
	"fmt"
	"sync"
)

// waiter is one blocked Reserve call. It may be enrolled in several
// resources' queues simultaneously (one per requested resource name); once
// can be closed is guarded so a simultaneous wake from two resources
// doesn't double-close ch.
type waiter struct {
	ch   chan struct{}
	once sync.Once
}

func (w *waiter) wake() {
	w.once.Do(func() { close(w.ch) })
}

// Pool tracks the budget and current usage of every registered resource.
type Pool struct {
	mu      sync.Mutex
	budget  map[string]int
	inUse   map[string]int
	waiters map[string][]*waiter
}

// NewPool returns a Pool with the given total budgets.
func NewPool(budgets map[string]int) *Pool {
	b := make(map[string]int, len(budgets))
	for k, v := range budgets {
		b[k] = v
	}
	return &Pool{
		budget:  b,
		inUse:   make(map[string]int),
		waiters: make(map[string][]*waiter),
	}
}

// Release is returned by Reserve to free the reserved amounts.
type Release func()

// Reserve blocks until request can be admitted against the pool's budgets,
// then returns a Release to free it. It returns an error immediately,
// without blocking, if any single requested amount exceeds that resource's
// total budget (spec.md §4.6: "If any resource requirement exceeds the
// total budget the build aborts").
func (p *Pool) Reserve(request map[string]int) (Release, error) {
	for name, amount := range request {
		budget, ok := p.budget[name]
		if !ok {
			return nil, fmt.Errorf("resources: unknown resource %q", name)
		}
		if amount > budget {
			return nil, fmt.Errorf("resources: requested %d of %q exceeds total budget %d", amount, name, budget)
		}
	}

	for {
		p.mu.Lock()
		if p.fits(request) {
			for name, amount := range request {
				p.inUse[name] += amount
			}
			p.mu.Unlock()
			return func() { p.release(request) }, nil
		}
		w := &waiter{ch: make(chan struct{})}
		for name := range request {
			p.waiters[name] = append(p.waiters[name], w)
		}
		p.mu.Unlock()
		<-w.ch
	}
}

// fits reports whether request can be granted right now. Caller holds mu.
func (p *Pool) fits(request map[string]int) bool {
	for name, amount := range request {
		if p.inUse[name]+amount > p.budget[name] {
			return false
		}
	}
	return true
}

func (p *Pool) release(request map[string]int) {
	p.mu.Lock()
	for name, amount := range request {
		p.inUse[name] -= amount
	}
	// Wake the oldest waiter on every resource touched. A waiter enrolled in
	// several resources' queues is only ever woken once (guarded by its own
	// sync.Once); it remains harmlessly in any other queue it was enrolled
	// in until popped and found already-fired.
	woken := map[*waiter]struct{}{}
	for name := range request {
		q := p.waiters[name]
		for len(q) > 0 {
			head := q[0]
			q = q[1:]
			if _, already := woken[head]; already {
				continue
			}
			select {
			case <-head.ch:
				continue // already fired by an earlier release
			default:
			}
			woken[head] = struct{}{}
			break
		}
		p.waiters[name] = q
	}
	p.mu.Unlock()
	for w := range woken {
		w.wake()
	}
}

// InUse returns the current usage of name, for tests and --log-level TRACE.
func (p *Pool) InUse(name string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUse[name]
}
