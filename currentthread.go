package reactor

import (
	"sync"

	"golang.org/x/sys/unix"
)

// loopRegistry emulates muduo's __thread EventLoop* t_loopInThisThread: a
// per-OS-thread slot that must be nil before a loop is constructed on that
// thread, and is cleared when the loop is destroyed. Go has no per-goroutine
// thread-local storage, so the loop's goroutine must call
// runtime.LockOSThread() before registering itself here, pinning it to one
// OS thread for the loop's whole lifetime.
var loopRegistry sync.Map // map[int]*EventLoop, keyed by gettid()

func registerLoopInThisThread(loop *EventLoop) {
	tid := unix.Gettid()
	if existing, ok := loopRegistry.Load(tid); ok {
		fatalf("reactor: another EventLoop %p already exists in thread %d", existing, tid)
	}
	loopRegistry.Store(tid, loop)
}

func unregisterLoopInThisThread() {
	loopRegistry.Delete(unix.Gettid())
}

func currentTid() int {
	return unix.Gettid()
}
