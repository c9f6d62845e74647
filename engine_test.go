package tagmux

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tagmux/tagmux/internal/config"
)

func testEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := config.Tunables{MaxTags: 8, Levels: 8, BufferSize: 64, AnonymousKey: 0}
	return NewEngine(cfg, nil)
}

func TestBasicTransfer(t *testing.T) {
	e := testEngine(t)
	d, err := e.Get(5, Create, PermAny, 1000)
	require.NoError(t, err)

	recvDone := make(chan struct{})
	var recvCode int
	var recvErr error
	buf := make([]byte, 11)
	go func() {
		recvCode, recvErr = e.Receive(context.Background(), d, 7, buf, 1000)
		close(recvDone)
	}()

	waitForWaiter(t, e, d, 7)

	n, err := e.Send(d, 7, []byte("Hello-World"), 1000)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	<-recvDone
	require.NoError(t, recvErr)
	assert.Equal(t, 1, recvCode)
	assert.Equal(t, "Hello-World", string(buf))
}

func TestTruncation(t *testing.T) {
	e := testEngine(t)
	d, err := e.Get(5, Create, PermAny, 1000)
	require.NoError(t, err)

	buf := []byte("XXXX")
	recvDone := make(chan struct{})
	var recvCode int
	go func() {
		recvCode, _ = e.Receive(context.Background(), d, 7, buf, 1000)
		close(recvDone)
	}()

	waitForWaiter(t, e, d, 7)
	_, err = e.Send(d, 7, []byte("Hello-World"), 1000)
	require.NoError(t, err)

	<-recvDone
	assert.Equal(t, 1, recvCode)
	assert.Equal(t, "Hell", string(buf))
}

func TestMultiReceiver(t *testing.T) {
	e := testEngine(t)
	d, err := e.Get(5, Create, PermAny, 1000)
	require.NoError(t, err)

	const n = 3
	bufs := make([][]byte, n)
	codes := make([]int, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		bufs[i] = make([]byte, 16)
		go func() {
			defer wg.Done()
			codes[i], _ = e.Receive(context.Background(), d, 7, bufs[i], 1000)
		}()
	}
	waitForWaiterCount(t, e, d, 7, n)

	sent, err := e.Send(d, 7, []byte("msg"), 1000)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)

	wg.Wait()
	for i := 0; i < n; i++ {
		assert.Equal(t, 1, codes[i])
		assert.Equal(t, "msg", string(bufs[i][:3]))
	}

	slot := &e.table.Slots[d]
	slot.Mu.RLock()
	tag := slot.Tag
	slot.Mu.RUnlock()
	assert.Equal(t, int64(0), tag.Waiters.Load())
}

func TestEpochRolloverSequentialTransactions(t *testing.T) {
	e := testEngine(t)
	d, err := e.Get(5, Create, PermAny, 1000)
	require.NoError(t, err)

	bufA := make([]byte, 1)
	t2Done := make(chan struct{})
	go func() {
		code, rerr := e.Receive(context.Background(), d, 0, bufA, 1000)
		require.NoError(t, rerr)
		assert.Equal(t, 1, code)
		assert.Equal(t, "A", string(bufA))
		close(t2Done)
	}()
	waitForWaiter(t, e, d, 0)

	n, err := e.Send(d, 0, []byte("A"), 1000)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	<-t2Done

	// A second receiver arriving after the first transaction fully
	// settled reuses the same (now-reset) level record.
	bufB := make([]byte, 1)
	t4Done := make(chan struct{})
	go func() {
		code, rerr := e.Receive(context.Background(), d, 0, bufB, 1000)
		require.NoError(t, rerr)
		assert.Equal(t, 1, code)
		assert.Equal(t, "B", string(bufB))
		close(t4Done)
	}()
	waitForWaiter(t, e, d, 0)

	n, err = e.Send(d, 0, []byte("B"), 1000)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	<-t4Done
}

// TestEpochRolloverOnArrivalAfterCommit exercises the genuine rollover
// path directly: a receiver arriving to find a level already committed
// (and nobody around to reclaim it) must publish a fresh epoch rather
// than touch the stale record.
func TestEpochRolloverOnArrivalAfterCommit(t *testing.T) {
	e := testEngine(t)
	d, err := e.Get(0, Create, PermAny, 0)
	require.NoError(t, err)

	slot := &e.table.Slots[d]
	slot.Mu.RLock()
	tag := slot.Tag
	slot.Mu.RUnlock()

	tag.LevelLocks[0].RLock()
	oldLvl := tag.Levels[0]
	tag.LevelLocks[0].RUnlock()

	oldLvl.Lock()
	oldLvl.Size = copy(oldLvl.Buffer, []byte("stale"))
	oldLvl.Ready.Store(true)
	oldLvl.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	recvDone := make(chan struct{})
	go func() {
		e.Receive(ctx, d, 0, nil, 0)
		close(recvDone)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		tag.LevelLocks[0].RLock()
		cur := tag.Levels[0]
		tag.LevelLocks[0].RUnlock()
		if cur != oldLvl {
			break
		}
		time.Sleep(time.Millisecond)
	}

	tag.LevelLocks[0].RLock()
	newLvl := tag.Levels[0]
	tag.LevelLocks[0].RUnlock()

	assert.NotSame(t, oldLvl, newLvl)
	assert.Equal(t, oldLvl.Epoch+1, newLvl.Epoch)
	assert.True(t, oldLvl.Ready.Load(), "stale record must be left untouched, not consumed")

	cancel()
	<-recvDone
}

func TestDeleteDuringWait(t *testing.T) {
	e := testEngine(t)
	d, err := e.Get(5, Create, PermAny, 1000)
	require.NoError(t, err)

	recvDone := make(chan struct{})
	var recvCode int
	go func() {
		recvCode, _ = e.Receive(context.Background(), d, 0, nil, 1000)
		close(recvDone)
	}()
	waitForWaiter(t, e, d, 0)

	n, err := e.Ctl(d, Delete, 1000)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "delete must be refused while a receiver holds the slot reader lock")

	n, err = e.Ctl(d, AwakeAll, 1000)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	<-recvDone
	assert.Equal(t, 0, recvCode)

	n, err = e.Ctl(d, Delete, 1000)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = e.Get(5, Open, PermAny, 1000)
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeNotFound))
}

func TestPermission(t *testing.T) {
	e := testEngine(t)
	d, err := e.Get(5, Create, PermOwner, 3000)
	require.NoError(t, err)

	_, err = e.Send(d, 0, nil, 3001)
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeForbidden))

	n, err := e.Send(d, 0, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, n) // privileged caller passes the check, but no receiver is waiting
}

func TestCreateAnonymousKeyNeverRegistered(t *testing.T) {
	e := testEngine(t)
	d1, err := e.Get(0, Create, PermAny, 0)
	require.NoError(t, err)
	d2, err := e.Get(0, Create, PermAny, 0)
	require.NoError(t, err)
	assert.NotEqual(t, d1, d2)

	_, err = e.Get(0, Open, PermAny, 0)
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeInvalid))
}

func TestCreateDuplicateKeyFailsBusy(t *testing.T) {
	e := testEngine(t)
	_, err := e.Get(9, Create, PermAny, 0)
	require.NoError(t, err)

	_, err = e.Get(9, Create, PermAny, 0)
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeBusy))
}

func TestCapacityExhausted(t *testing.T) {
	cfg := config.Tunables{MaxTags: 2, Levels: 1, BufferSize: 8}
	e := NewEngine(cfg, nil)

	_, err := e.Get(0, Create, PermAny, 0)
	require.NoError(t, err)
	_, err = e.Get(0, Create, PermAny, 0)
	require.NoError(t, err)

	_, err = e.Get(0, Create, PermAny, 0)
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeCapacity))
}

func TestReceiveInterruptedByContextCancel(t *testing.T) {
	e := testEngine(t)
	d, err := e.Get(0, Create, PermAny, 0)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	recvDone := make(chan struct{})
	var code int
	var recvErr error
	go func() {
		code, recvErr = e.Receive(ctx, d, 0, nil, 0)
		close(recvDone)
	}()
	waitForWaiter(t, e, d, 0)
	cancel()

	<-recvDone
	require.NoError(t, recvErr)
	assert.Equal(t, 0, code)
}

func TestNoMemoryUnwindsCreate(t *testing.T) {
	e := testEngine(t)
	inj := NewFaultInjector()
	inj.Attach(e)
	inj.FailNextAlloc(1)

	_, err := e.Get(11, Create, PermAny, 0)
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeNoMemory))
	assert.Equal(t, 1, inj.AllocCalls())
	assert.Same(t, errInjectedNoMemory, errors.Unwrap(err))

	// The key must not be left dangling in the directory, and the
	// descriptor must be free again for a subsequent CREATE.
	e.dirMu.RLock()
	_, ok := e.dir.Get(11)
	e.dirMu.RUnlock()
	assert.False(t, ok)
	assert.Equal(t, 0, e.alloc.Count())

	// A second CREATE, with the fault no longer armed, succeeds.
	_, err = e.Get(11, Create, PermAny, 0)
	require.NoError(t, err)
}

func TestFaultCopyRejectsSend(t *testing.T) {
	e := testEngine(t)
	inj := NewFaultInjector()
	inj.Attach(e)

	d, err := e.Get(5, Create, PermAny, 0)
	require.NoError(t, err)

	recvDone := make(chan struct{})
	go func() {
		e.Receive(context.Background(), d, 0, make([]byte, 4), 0)
		close(recvDone)
	}()
	waitForWaiter(t, e, d, 0)

	inj.FailNextCopy(1)
	_, err = e.Send(d, 0, []byte("data"), 0)
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeFault))
	assert.Equal(t, 1, inj.CopyCalls())
	assert.Same(t, errInjectedCopyFault, errors.Unwrap(err))

	_, err = e.Send(d, 0, []byte("data"), 0)
	require.NoError(t, err)
	<-recvDone
}

func waitForWaiter(t *testing.T, e *Engine, descriptor, levelIdx int) {
	t.Helper()
	waitForWaiterCount(t, e, descriptor, levelIdx, 1)
}

func waitForWaiterCount(t *testing.T, e *Engine, descriptor, levelIdx, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		slot := &e.table.Slots[descriptor]
		slot.Mu.RLock()
		tag := slot.Tag
		slot.Mu.RUnlock()
		if tag != nil {
			tag.LevelLocks[levelIdx].RLock()
			lvl := tag.Levels[levelIdx]
			tag.LevelLocks[levelIdx].RUnlock()
			if lvl != nil && lvl.Waiters.Load() >= int64(n) {
				return
			}
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d waiter(s) on descriptor=%d level=%d", n, descriptor, levelIdx)
}
