// Package level implements the per-(tag, level) synchronization and
// storage object: a single-slot message buffer, a ready flag, a
// waiter count, an epoch counter, and the locks that coordinate
// senders and receivers on it.
package level

import (
	"sync"
	"sync/atomic"

	"github.com/tagmux/tagmux/internal/wake"
)

// Level is one generation (epoch) of one (tag, level) slot.
//
// Field access discipline: Buffer must only be read or written while
// holding RLock/Lock. Size is a plain field too, but it is only ever
// read after observing Ready true: the commit protocol writes Size
// and then atomically stores Ready, so the Store/Load pair on Ready
// supplies the happens-before edge that makes the preceding Size
// write visible (this is the Go-memory-model equivalent of a store
// barrier). Epoch and Index are set at construction and never mutated
// afterward, so they may be read without a lock once the Level is
// reachable. Ready itself is an atomic because a sender sets it while
// holding only writer_mutex (not an exclusive Lock on mu), and a
// receiver reads it while holding only RLock.
type Level struct {
	Index int
	Epoch uint64

	Ready  atomic.Bool
	Size   int
	Buffer []byte

	Waiters atomic.Int64

	mu       sync.RWMutex // the level's record RW-lock
	writerMu sync.Mutex   // serializes concurrent senders (try-acquire only)
	wake     *wake.Broadcaster
}

// New creates a fresh Level record at the given epoch, in the
// not-ready state with a zero-length message.
func New(index int, epoch uint64, bufferSize int) *Level {
	return &Level{
		Index:  index,
		Epoch:  epoch,
		Buffer: make([]byte, bufferSize),
		wake:   wake.New(),
	}
}

// RLock/RUnlock guard a sender or receiver transaction on the record.
func (l *Level) RLock()   { l.mu.RLock() }
func (l *Level) RUnlock() { l.mu.RUnlock() }

// Lock/Unlock are used only for final reclamation of a superseded
// epoch and for resetting a reused record.
func (l *Level) Lock()   { l.mu.Lock() }
func (l *Level) Unlock() { l.mu.Unlock() }

// TryAcquireWriter is the try-only writer mutex: at most one sender
// proceeds per epoch transaction.
func (l *Level) TryAcquireWriter() bool { return l.writerMu.TryLock() }

// ReleaseWriter releases a writer slot acquired by TryAcquireWriter.
func (l *Level) ReleaseWriter() { l.writerMu.Unlock() }

// WaitChan returns the channel that will close on the next Broadcast.
// Capture it while holding RLock, release the lock, re-check Ready,
// and only then select on it (see internal/wake's usage contract).
func (l *Level) WaitChan() <-chan struct{} { return l.wake.Chan() }

// WaitChanUnless atomically re-checks ready (typically "tag.Ready ||
// lvl.Ready") against this level's broadcaster lock and returns a wait
// channel only if neither condition holds yet. Using this instead of a
// plain Ready.Load() followed by WaitChan is what prevents a sender's
// commit (or an awake-all) from landing in the gap between the check
// and the capture and being missed — see internal/wake.ChanUnless.
func (l *Level) WaitChanUnless(ready func() bool) (<-chan struct{}, bool) {
	return l.wake.ChanUnless(ready)
}

// Broadcast wakes every receiver waiting on this level. Call it after
// committing a send (Ready set true) or as part of a tag-wide
// awake-all sweep.
func (l *Level) Broadcast() { l.wake.Broadcast() }

// CommitSend atomically stores size, marks the level ready, and
// broadcasts, all under the same lock WaitChanUnless checks against —
// the store-then-broadcast half of a send commit's store barrier.
func (l *Level) CommitSend(size int) {
	l.wake.Commit(func() {
		l.Size = size
		l.Ready.Store(true)
	})
}

// Reset clears Ready/Size for reuse within the same epoch (the
// non-superseded branch of reclamation). Caller must hold Lock.
func (l *Level) Reset() {
	l.Ready.Store(false)
	l.Size = 0
}
