// Package wake implements a lost-wakeup-free broadcast primitive: the
// channel-swap pattern used throughout the engine so receivers can
// combine "wait for a broadcast" with "wait for context cancellation"
// in a single select, which sync.Cond cannot express.
//
// The correct usage is always: capture the channel returned by Chan
// while holding whatever lock guards the predicate being waited on,
// release the lock, re-check the predicate, and only then select on
// the captured channel (plus ctx.Done()). Broadcast must be called
// while holding that same lock, so a commit-then-broadcast sequence
// can never race a waiter's capture-then-check.
package wake

import "sync"

// Broadcaster lets any number of goroutines wait for the next
// Broadcast call without missing one that happens between their check
// of some condition and their wait.
type Broadcaster struct {
	mu sync.Mutex
	ch chan struct{}
}

// New returns a ready-to-use Broadcaster.
func New() *Broadcaster {
	return &Broadcaster{ch: make(chan struct{})}
}

// Chan returns the channel that will be closed on the next Broadcast.
// Capture it before re-checking the guarded predicate.
func (b *Broadcaster) Chan() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ch
}

// ChanUnless evaluates ready and, if it reports false, returns the
// channel that will close on the next Broadcast — both under the same
// lock Broadcast and Commit use. A plain Load-then-Chan sequence has a
// gap between the check and the capture that a Broadcast landing in
// between would fall into, silently missed: the caller would wait on a
// channel armed strictly after the state it wanted to observe already
// changed. Folding the check into this one critical section closes
// that gap. When ready reports true the second return value is true
// and the channel is nil.
func (b *Broadcaster) ChanUnless(ready func() bool) (<-chan struct{}, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ready() {
		return nil, true
	}
	return b.ch, false
}

// Broadcast wakes every goroutine currently waiting on a channel
// obtained from Chan, then arms a fresh channel for subsequent waiters.
func (b *Broadcaster) Broadcast() {
	b.mu.Lock()
	close(b.ch)
	b.ch = make(chan struct{})
	b.mu.Unlock()
}

// Commit runs commit and the broadcast channel swap under the same
// lock ChanUnless checks against, so a waiter's ChanUnless call can
// never observe commit's writes as "not ready yet" and then capture a
// channel armed only after commit already ran.
func (b *Broadcaster) Commit(commit func()) {
	b.mu.Lock()
	commit()
	close(b.ch)
	b.ch = make(chan struct{})
	b.mu.Unlock()
}
