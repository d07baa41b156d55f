package view

import "sync"

// Runner runs closures on a single goroutine. Every view attached to the
// same document must share one runner: the document's node tree and side
// maps have no lock of their own, so serializing all patches on one
// goroutine is what makes concurrent views safe.
type Runner struct {
	events chan func()
	closed chan struct{}
	once   sync.Once
}

// NewRunner creates a runner and starts its goroutine.
func NewRunner() *Runner {
	r := &Runner{
		events: make(chan func(), 16),
		closed: make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *Runner) run() {
	for {
		select {
		case f := <-r.events:
			f()
		case <-r.closed:
			return
		}
	}
}

// Close stops the runner. Work posted after Close is dropped.
func (r *Runner) Close() {
	r.once.Do(func() { close(r.closed) })
}

// Do runs f on the runner goroutine and waits for it to finish. It reports
// whether f ran.
func (r *Runner) Do(f func()) bool {
	done := make(chan struct{})
	select {
	case r.events <- func() { f(); close(done) }:
	case <-r.closed:
		return false
	}
	select {
	case <-done:
		return true
	case <-r.closed:
		return false
	}
}

// Post schedules f on the runner goroutine without waiting. Used by timers.
func (r *Runner) Post(f func()) {
	select {
	case r.events <- f:
	case <-r.closed:
	}
}
