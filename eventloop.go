package reactor

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/tinynet/reactor/internal/eventfd"
)

// pollTimeout bounds how long a single Poll call blocks; it is a liveness
// check, not a scheduling interval — runInLoop/queueInLoop wake the loop
// immediately when there is work waiting.
const pollTimeout = 10 * time.Second

// Functor is a task posted to an EventLoop to run on its own thread.
type Functor func()

// EventLoop is a per-thread reactor: it polls a Demultiplexer for ready
// channels, dispatches their callbacks, then drains any tasks other
// threads have queued for it. Exactly one EventLoop may exist per OS
// thread for the lifetime of that thread (enforced by currentthread.go).
//
// An EventLoop must be constructed and run on the same OS thread; the
// caller is expected to have called runtime.LockOSThread() first (LoopThread,
// and so Pool, does this for you).
type EventLoop struct {
	looping atomic.Bool
	quit    atomic.Bool

	threadID int

	poller Demultiplexer

	wakeupFd      *eventfd.EventFd
	wakeupChannel *Channel

	mu              sync.Mutex
	pendingFunctors []Functor
	callingFunctors atomic.Bool

	log *zap.Logger
}

// NewEventLoop constructs an EventLoop bound to the calling OS thread. It
// panics (the Go analogue of LOG_FATAL) if a loop already exists on this
// thread, or if the underlying demultiplexer/wakeup descriptor cannot be
// created.
func NewEventLoop(log *zap.Logger) *EventLoop {
	if log == nil {
		log = zap.NewNop()
	}
	poller, err := newDefaultPoller()
	if err != nil {
		fatalf("reactor: create demultiplexer: %v", err)
	}
	wfd, err := eventfd.New()
	if err != nil {
		fatalf("reactor: create wakeup descriptor: %v", err)
	}

	loop := &EventLoop{
		threadID: currentTid(),
		poller:   poller,
		wakeupFd: wfd,
		log:      log,
	}
	registerLoopInThisThread(loop)

	loop.wakeupChannel = NewChannel(loop, wfd.Fd())
	loop.wakeupChannel.SetReadCallback(loop.handleWakeupRead)
	loop.wakeupChannel.EnableReading()

	log.Debug("event loop created", zap.Int("thread_id", loop.threadID))
	return loop
}

// IsInLoopThread reports whether the calling goroutine is running on the
// OS thread this loop was created on.
func (l *EventLoop) IsInLoopThread() bool {
	return currentTid() == l.threadID
}

// AssertInLoopThread panics if called from outside the loop's own thread.
func (l *EventLoop) AssertInLoopThread() {
	if !l.IsInLoopThread() {
		fatalf("reactor: EventLoop created in thread %d, current thread %d", l.threadID, currentTid())
	}
}

// Loop runs the reactor until Quit is called. It must be invoked on the
// thread the EventLoop was constructed on.
func (l *EventLoop) Loop() {
	l.AssertInLoopThread()
	l.looping.Store(true)
	l.quit.Store(false)
	l.log.Info("event loop start looping", zap.Int("thread_id", l.threadID))

	active := make([]*Channel, 0, 16)
	for !l.quit.Load() {
		active = active[:0]
		var (
			now time.Time
			err error
		)
		active, now, err = l.poller.Poll(pollTimeout, active)
		if err != nil {
			l.log.Error("poll error", zap.Error(err))
		}
		for _, ch := range active {
			ch.HandleEvent(now)
		}
		l.doPendingFunctors()
	}

	l.log.Info("event loop stop looping", zap.Int("thread_id", l.threadID))
	l.looping.Store(false)
}

// Quit arranges for Loop to return after finishing its current iteration.
// Safe to call from any thread; if called from another thread it wakes the
// loop so it notices the flag promptly instead of waiting out the poll
// timeout.
func (l *EventLoop) Quit() {
	l.quit.Store(true)
	if !l.IsInLoopThread() {
		l.wakeup()
	}
}

// Close tears down the loop's wakeup channel and demultiplexer. Must be
// called after Loop has returned, on the loop's own thread.
func (l *EventLoop) Close() error {
	l.wakeupChannel.DisableAll()
	l.wakeupChannel.Remove()
	err := l.wakeupFd.Close()
	unregisterLoopInThisThread()
	if cerr := l.poller.Close(); err == nil {
		err = cerr
	}
	return err
}

// RunInLoop runs cb immediately if called on the loop's own thread,
// otherwise queues it to run on the loop's next wake.
func (l *EventLoop) RunInLoop(cb Functor) {
	if l.IsInLoopThread() {
		cb()
		return
	}
	l.QueueInLoop(cb)
}

// QueueInLoop appends cb to the loop's task queue. If the caller is not
// the loop's own thread, or the loop is currently draining its task queue
// (so a plain append would wait a full iteration), it wakes the loop.
func (l *EventLoop) QueueInLoop(cb Functor) {
	l.mu.Lock()
	l.pendingFunctors = append(l.pendingFunctors, cb)
	l.mu.Unlock()

	if !l.IsInLoopThread() || l.callingFunctors.Load() {
		l.wakeup()
	}
}

func (l *EventLoop) wakeup() {
	if err := l.wakeupFd.WriteEvent(1); err != nil {
		l.log.Error("wakeup write failed", zap.Error(err))
	}
}

func (l *EventLoop) handleWakeupRead(time.Time) {
	if _, err := l.wakeupFd.ReadEvent(); err != nil {
		l.log.Error("wakeup read failed", zap.Error(err))
	}
}

// doPendingFunctors swaps the pending-task slice out under the lock so
// that running the tasks never holds the mutex: any task queued while this
// drain is running (including by one of the running tasks) goes into a
// fresh slice and is guaranteed to wake the next iteration rather than
// starve, per QueueInLoop's draining check.
func (l *EventLoop) doPendingFunctors() {
	l.callingFunctors.Store(true)

	l.mu.Lock()
	functors := l.pendingFunctors
	l.pendingFunctors = nil
	l.mu.Unlock()

	for _, f := range functors {
		f()
	}

	l.callingFunctors.Store(false)
}

func (l *EventLoop) updateChannel(c *Channel) {
	l.AssertInLoopThread()
	if err := l.poller.UpdateChannel(c); err != nil {
		l.log.Error("update channel failed", zap.Int("fd", c.Fd()), zap.Error(err))
	}
}

func (l *EventLoop) removeChannel(c *Channel) {
	l.AssertInLoopThread()
	if err := l.poller.RemoveChannel(c); err != nil {
		l.log.Error("remove channel failed", zap.Int("fd", c.Fd()), zap.Error(err))
	}
}

func (l *EventLoop) hasChannel(c *Channel) bool {
	return l.poller.HasChannel(c)
}

// runtimeLockOSThread pins the calling goroutine to its current OS thread;
// LoopThread calls it at the top of its thread body, before NewEventLoop.
func runtimeLockOSThread() {
	runtime.LockOSThread()
}
