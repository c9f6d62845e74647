package tagmux

import (
	"context"
	"sync"
	"time"

	"github.com/tagmux/tagmux/internal/allocator"
	"github.com/tagmux/tagmux/internal/config"
	"github.com/tagmux/tagmux/internal/directory"
	"github.com/tagmux/tagmux/internal/level"
	"github.com/tagmux/tagmux/internal/logging"
	"github.com/tagmux/tagmux/internal/tagtable"
)

// Permission re-exports internal/tagtable's permission mode so callers
// never need to import the internal package directly.
type Permission = tagtable.Permission

const (
	PermAny   = tagtable.PermAny
	PermOwner = tagtable.PermOwner
)

// GetCommand selects CREATE or OPEN semantics for Engine.Get.
type GetCommand int

const (
	Open GetCommand = iota
	Create
)

// CtlCommand selects AWAKE_ALL or DELETE semantics for Engine.Ctl.
type CtlCommand int

const (
	AwakeAll CtlCommand = iota
	Delete
)

// Options configures an Engine at construction.
type Options struct {
	// Logger receives structured diagnostic events. Defaults to
	// logging.Default() when nil.
	Logger *logging.Logger

	// Observer receives metrics callbacks. Defaults to a
	// MetricsObserver wrapping a fresh Metrics instance when nil.
	Observer Observer
}

// Engine is the tag table, key directory, and descriptor allocator
// bound together with the four entry points, replacing the kernel
// module's process-wide singletons with a single value callers pass
// around. Callers supply their own identity (effective uid) on every
// call rather than the engine reading it from ambient thread state.
type Engine struct {
	cfg config.Tunables

	alloc *allocator.Bitmap
	table *tagtable.Table

	// dirMu is the single directory_lock, guarding both the
	// allocator and the key directory together.
	dirMu sync.RWMutex
	dir   *directory.Directory

	metrics  *Metrics
	observer Observer
	logger   *logging.Logger

	// Test-only fault injection hooks (nil in normal operation): they
	// let the unit tests exercise the no-memory and fault error paths
	// deterministically without actually exhausting process memory or
	// corrupting a caller's buffer.
	failAlloc func() bool
	failCopy  func() bool
}

// NewEngine builds an Engine from cfg. A nil opts uses defaults.
func NewEngine(cfg config.Tunables, opts *Options) *Engine {
	if opts == nil {
		opts = &Options{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}
	metrics := NewMetrics()
	observer := opts.Observer
	if observer == nil {
		observer = NewMetricsObserver(metrics)
	}
	return &Engine{
		cfg:      cfg,
		alloc:    allocator.New(cfg.MaxTags),
		table:    tagtable.NewTable(cfg.MaxTags),
		dir:      directory.New(),
		metrics:  metrics,
		observer: observer,
		logger:   logger,
	}
}

// Metrics returns the engine's metrics instance for inspection. If a
// custom Observer was supplied at construction, this still reflects
// the engine's own bookkeeping, not necessarily the custom observer's.
func (e *Engine) Metrics() *Metrics { return e.metrics }

// Config returns the tunables this engine was constructed with.
func (e *Engine) Config() config.Tunables { return e.cfg }

func (e *Engine) validateDescriptor(op string, descriptor int) error {
	if descriptor < 0 || descriptor >= e.table.Len() {
		return NewError(op, descriptor, -1, CodeInvalid, "descriptor out of range")
	}
	return nil
}

func (e *Engine) validateDescLevelSize(op string, descriptor, levelIdx, size int) error {
	if err := e.validateDescriptor(op, descriptor); err != nil {
		return err
	}
	if levelIdx < 0 || levelIdx >= e.cfg.Levels {
		return NewError(op, descriptor, levelIdx, CodeInvalid, "level out of range")
	}
	if size < 0 || size > e.cfg.BufferSize {
		return NewError(op, descriptor, levelIdx, CodeInvalid, "size out of range")
	}
	return nil
}

// Get implements tag_get: CREATE allocates a fresh descriptor and,
// for a non-anonymous key, registers it in the directory; OPEN
// resolves an existing key to its descriptor.
func (e *Engine) Get(key int, cmd GetCommand, perm Permission, callerEUID int) (int, error) {
	if key < 0 {
		return -1, NewError("tag_get", -1, -1, CodeInvalid, "key must be >= 0")
	}
	switch cmd {
	case Create:
		return e.create(key, perm, callerEUID)
	case Open:
		return e.open(key)
	default:
		return -1, NewError("tag_get", -1, -1, CodeInvalid, "unknown command")
	}
}

func (e *Engine) create(key int, perm Permission, callerEUID int) (int, error) {
	e.dirMu.Lock()
	if e.alloc.Count() >= e.cfg.MaxTags {
		e.dirMu.Unlock()
		return -1, NewError("tag_get", -1, -1, CodeCapacity, "live tag count at max_tags")
	}
	descriptor, err := e.alloc.Acquire()
	if err != nil {
		e.dirMu.Unlock()
		return -1, NewError("tag_get", -1, -1, CodeProtocol, "allocator exhausted despite capacity check")
	}

	anonymous := key == e.cfg.AnonymousKey
	if !anonymous {
		if _, ok := e.dir.Get(key); ok {
			e.alloc.Release(descriptor)
			e.dirMu.Unlock()
			return -1, NewError("tag_get", descriptor, -1, CodeBusy, "key already registered")
		}
		e.dir.Set(key, descriptor)
	}
	e.dirMu.Unlock()

	// Go never reports allocation failure from make()/append() the way
	// a kernel allocator can fail a GFP request, so this branch only
	// fires under test-injected failure; it exercises the LIFO unwind
	// that failure requires (key removed, descriptor released).
	if e.failAlloc != nil && e.failAlloc() {
		e.dirMu.Lock()
		if !anonymous {
			e.dir.Delete(key)
		}
		e.alloc.Release(descriptor)
		e.dirMu.Unlock()
		return -1, WrapError("tag_get", descriptor, -1, CodeNoMemory, "level allocation failed", errInjectedNoMemory)
	}

	tag := tagtable.New(descriptor, key, callerEUID, perm, e.cfg.Levels, e.cfg.BufferSize)
	e.table.Publish(descriptor, tag)

	e.observer.ObserveTagCreated()
	e.logger.Debug("tag created", "descriptor", descriptor, "key", key)
	return descriptor, nil
}

func (e *Engine) open(key int) (int, error) {
	if key == e.cfg.AnonymousKey {
		return -1, NewError("tag_get", -1, -1, CodeInvalid, "anonymous key is not shareable")
	}
	e.dirMu.RLock()
	entry, ok := e.dir.Get(key)
	e.dirMu.RUnlock()
	if !ok {
		return -1, NewError("tag_get", -1, -1, CodeNotFound, "key not registered")
	}

	slot := &e.table.Slots[entry.Descriptor]
	slot.Mu.RLock()
	tag := slot.Tag
	slot.Mu.RUnlock()
	if tag == nil {
		return -1, NewError("tag_get", entry.Descriptor, -1, CodeNotFound, "descriptor raced with delete")
	}
	return entry.Descriptor, nil
}

// Send implements tag_send: a non-blocking, best-effort delivery
// that commits only if a receiver is already waiting on the target
// level and the level isn't already occupied.
func (e *Engine) Send(descriptor, levelIdx int, payload []byte, callerEUID int) (int, error) {
	if err := e.validateDescLevelSize("tag_send", descriptor, levelIdx, len(payload)); err != nil {
		return -1, err
	}
	start := time.Now()

	slot := &e.table.Slots[descriptor]
	slot.Mu.RLock()
	defer slot.Mu.RUnlock()

	tag := slot.Tag
	if tag == nil {
		return -1, NewError("tag_send", descriptor, levelIdx, CodeNotFound, "no tag at descriptor")
	}
	if !tagtable.CheckPermission(callerEUID, tag) {
		return -1, NewError("tag_send", descriptor, levelIdx, CodeForbidden, "permission denied")
	}
	if tag.Waiters.Load() == 0 {
		e.observer.ObserveSend(false, uint64(time.Since(start)))
		return 0, nil
	}

	tag.LevelLocks[levelIdx].RLock()
	lvl := tag.Levels[levelIdx]
	if lvl != nil {
		lvl.RLock()
	}
	tag.LevelLocks[levelIdx].RUnlock()
	if lvl == nil {
		return -1, NewError("tag_send", descriptor, levelIdx, CodeInvalid, "level not constructed")
	}
	defer lvl.RUnlock()

	if !lvl.TryAcquireWriter() {
		e.observer.ObserveSend(false, uint64(time.Since(start)))
		return 0, nil
	}

	if lvl.Ready.Load() || lvl.Waiters.Load() == 0 {
		lvl.ReleaseWriter()
		e.observer.ObserveSend(false, uint64(time.Since(start)))
		return 0, nil
	}

	size := 0
	if len(payload) > 0 {
		if e.failCopy != nil && e.failCopy() {
			lvl.ReleaseWriter()
			e.metrics.RecordSendFault()
			return -1, WrapError("tag_send", descriptor, levelIdx, CodeFault, "copy from caller buffer failed", errInjectedCopyFault)
		}
		size = copy(lvl.Buffer, payload)
	}
	// CommitSend stores Size and Ready and broadcasts inside one
	// critical section, which is what makes this pairing race-free
	// against a concurrent receiver's WaitChanUnless check.
	lvl.CommitSend(size)
	lvl.ReleaseWriter()

	e.observer.ObserveSend(true, uint64(time.Since(start)))
	e.logger.Debug("send committed", "descriptor", descriptor, "level", levelIdx, "size", lvl.Size)
	return 1, nil
}

// Receive implements tag_receive: it blocks until a send commits on
// this level, a tag-wide awake-all fires, or ctx is canceled. A nil
// ctx behaves as context.Background (never canceled).
func (e *Engine) Receive(ctx context.Context, descriptor, levelIdx int, dest []byte, callerEUID int) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := e.validateDescLevelSize("tag_receive", descriptor, levelIdx, len(dest)); err != nil {
		return -1, err
	}
	start := time.Now()

	slot := &e.table.Slots[descriptor]
	slot.Mu.RLock()
	defer slot.Mu.RUnlock()

	tag := slot.Tag
	if tag == nil {
		return -1, NewError("tag_receive", descriptor, levelIdx, CodeNotFound, "no tag at descriptor")
	}
	if !tagtable.CheckPermission(callerEUID, tag) {
		return -1, NewError("tag_receive", descriptor, levelIdx, CodeForbidden, "permission denied")
	}

	tag.LevelLocks[levelIdx].RLock()
	lvl := tag.Levels[levelIdx]
	if lvl != nil {
		lvl.RLock()
	}
	tag.LevelLocks[levelIdx].RUnlock()
	if lvl == nil {
		return -1, NewError("tag_receive", descriptor, levelIdx, CodeInvalid, "level not constructed")
	}

	tag.Waiters.Add(1)
	var outcome ReceiveOutcome
	var retErr error
	defer func() {
		// An interrupted receiver
		// decrements tag.waiters exactly like a delivered one.
		if tag.Waiters.Add(-1) == 0 {
			tag.Ready.Store(false)
		}
		e.observer.ObserveReceive(outcome, uint64(time.Since(start)))
		if retErr != nil && IsCode(retErr, CodeFault) {
			e.metrics.RecordReceiveFault()
		}
	}()

	// A receiver that arrives to find the level already committed must
	// roll it over to a fresh epoch rather than join the in-flight one;
	// only receivers already waiting when the commit happens consume
	// the payload (see the wait loop below).
	if lvl.Ready.Load() {
		lvl.RUnlock()
		tag.LevelLocks[levelIdx].Lock()
		current := tag.Levels[levelIdx]
		if current.Ready.Load() {
			next := level.New(levelIdx, current.Epoch+1, e.cfg.BufferSize)
			tag.Levels[levelIdx] = next
			lvl = next
			e.observer.ObserveEpochRollover()
			e.logger.Debug("epoch rollover", "descriptor", descriptor, "level", levelIdx, "epoch", next.Epoch)
		} else {
			lvl = current
		}
		lvl.RLock()
		tag.LevelLocks[levelIdx].Unlock()
	}

	lvl.Waiters.Add(1)

	code := 0
waitLoop:
	for {
		// The check and the wait-channel capture happen inside one
		// critical section (WaitChanUnless), so a commit or an
		// awake-all can never land in the gap between them and be
		// missed — see internal/wake.ChanUnless.
		waitCh, ready := lvl.WaitChanUnless(func() bool {
			return tag.Ready.Load() || lvl.Ready.Load()
		})
		if ready {
			if tag.Ready.Load() {
				outcome = ReceiveWoken
				code = 0
				break waitLoop
			}
			if len(dest) > 0 {
				if e.failCopy != nil && e.failCopy() {
					retErr = WrapError("tag_receive", descriptor, levelIdx, CodeFault, "copy to caller buffer failed", errInjectedCopyFault)
					outcome = ReceiveInterrupted
					break waitLoop
				}
				copy(dest, lvl.Buffer[:lvl.Size])
			}
			outcome = ReceiveDelivered
			code = 1
			break waitLoop
		}

		lvl.RUnlock()
		select {
		case <-waitCh:
			lvl.RLock()
		case <-ctx.Done():
			lvl.RLock()
			outcome = ReceiveInterrupted
			code = 0
			break waitLoop
		}
	}

	lvl.RUnlock()
	if lvl.Waiters.Add(-1) == 0 {
		e.reclaimLevel(tag, levelIdx, lvl)
	}

	if retErr != nil {
		return -1, retErr
	}
	return code, nil
}

// reclaimLevel implements reclamation of a superseded level: the last
// receiver to exit a level either resets it for reuse (still the
// current epoch) or, if it has been superseded by a rollover, lets it
// go so Go's garbage collector reclaims it.
func (e *Engine) reclaimLevel(tag *tagtable.Tag, levelIdx int, lvl *level.Level) {
	lvl.Lock()
	tag.LevelLocks[levelIdx].RLock()
	current := tag.Levels[levelIdx]
	tag.LevelLocks[levelIdx].RUnlock()

	if current.Epoch > lvl.Epoch {
		lvl.Unlock()
		e.observer.ObserveLevelReclaimed()
		e.logger.Debug("level reclaimed", "descriptor", tag.Descriptor, "level", levelIdx, "epoch", lvl.Epoch)
		return
	}
	lvl.Reset()
	lvl.Unlock()
}

// Ctl implements tag_ctl: AWAKE_ALL broadcasts a wake to every
// waiting receiver on the tag without delivering a payload; DELETE
// tears the tag down.
func (e *Engine) Ctl(descriptor int, cmd CtlCommand, callerEUID int) (int, error) {
	if err := e.validateDescriptor("tag_ctl", descriptor); err != nil {
		return -1, err
	}
	switch cmd {
	case AwakeAll:
		return e.awakeAll(descriptor, callerEUID)
	case Delete:
		return e.deleteTag(descriptor, callerEUID)
	default:
		return -1, NewError("tag_ctl", descriptor, -1, CodeInvalid, "unknown command")
	}
}

func (e *Engine) awakeAll(descriptor, callerEUID int) (int, error) {
	slot := &e.table.Slots[descriptor]
	slot.Mu.RLock()
	defer slot.Mu.RUnlock()

	tag := slot.Tag
	if tag == nil {
		return -1, NewError("tag_ctl", descriptor, -1, CodeNotFound, "no tag at descriptor")
	}
	if !tagtable.CheckPermission(callerEUID, tag) {
		return -1, NewError("tag_ctl", descriptor, -1, CodeForbidden, "permission denied")
	}
	if tag.Ready.Load() || tag.Waiters.Load() == 0 {
		return 0, nil
	}
	tag.Ready.Store(true)

	for i := range tag.Levels {
		tag.LevelLocks[i].RLock()
		lvl := tag.Levels[i]
		tag.LevelLocks[i].RUnlock()
		if lvl == nil {
			continue
		}
		lvl.RLock()
		if lvl.Waiters.Load() > 0 {
			lvl.Broadcast()
		}
		lvl.RUnlock()
	}

	e.observer.ObserveAwakeAll()
	e.logger.Debug("awake-all", "descriptor", descriptor)
	return 1, nil
}

// deleteTag implements the non-blocking variant of DELETE: the slot
// writer lock is only ever try-acquired, so an in-flight receive
// (which holds the slot reader lock for its whole suspension) makes
// DELETE return 0 rather than block.
func (e *Engine) deleteTag(descriptor, callerEUID int) (int, error) {
	slot := &e.table.Slots[descriptor]
	if !slot.Mu.TryLock() {
		return 0, nil
	}

	tag := slot.Tag
	if tag == nil {
		slot.Mu.Unlock()
		return -1, NewError("tag_ctl", descriptor, -1, CodeNotFound, "no tag at descriptor")
	}
	if !tagtable.CheckPermission(callerEUID, tag) {
		slot.Mu.Unlock()
		return -1, NewError("tag_ctl", descriptor, -1, CodeForbidden, "permission denied")
	}

	slot.Tag = nil
	slot.Mu.Unlock()

	if tag.Waiters.Load() != 0 {
		// Should be unreachable: holding the slot writer lock
		// excludes any in-flight send/receive/awake-all transaction.
		slot.Mu.Lock()
		slot.Tag = tag
		slot.Mu.Unlock()
		return -1, NewError("tag_ctl", descriptor, -1, CodeProtocol, "tag deleted with live waiters")
	}

	e.dirMu.Lock()
	if tag.Key != e.cfg.AnonymousKey {
		e.dir.Delete(tag.Key)
	}
	e.alloc.Release(descriptor)
	e.dirMu.Unlock()

	e.observer.ObserveTagDeleted()
	e.logger.Debug("tag deleted", "descriptor", descriptor, "key", tag.Key)
	return 1, nil
}
