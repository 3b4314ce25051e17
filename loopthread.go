package reactor

import (
	"sync"

	"go.uber.org/zap"
)

// ThreadInitCallback runs once on an I/O loop's own thread, after the loop
// is constructed but before it starts looping.
type ThreadInitCallback func(*EventLoop)

// LoopThread owns one OS thread whose entire body is: pin to this thread,
// construct an EventLoop, run the init callback, publish the loop to
// whoever called Start, then loop until quit. It mirrors
// EventLoopThread::startLoop's handshake: the calling goroutine blocks
// until the new thread has actually published its EventLoop, so callers
// never observe a nil loop.
type LoopThread struct {
	name     string
	initFunc ThreadInitCallback
	log      *zap.Logger

	mu   sync.Mutex
	cond *sync.Cond
	loop *EventLoop

	done chan struct{}
}

// NewLoopThread returns a LoopThread that will invoke initFunc (which may
// be nil) on the new loop before it starts looping.
func NewLoopThread(name string, initFunc ThreadInitCallback, log *zap.Logger) *LoopThread {
	lt := &LoopThread{
		name:     name,
		initFunc: initFunc,
		log:      log,
		done:     make(chan struct{}),
	}
	lt.cond = sync.NewCond(&lt.mu)
	return lt
}

// StartLoop spawns the thread's goroutine and blocks until its EventLoop
// has been constructed and published, returning a pointer to it.
func (lt *LoopThread) StartLoop() *EventLoop {
	go lt.threadMain()

	lt.mu.Lock()
	for lt.loop == nil {
		lt.cond.Wait()
	}
	loop := lt.loop
	lt.mu.Unlock()
	return loop
}

func (lt *LoopThread) threadMain() {
	runtimeLockOSThread()
	// LockOSThread is never paired with UnlockOSThread here: this
	// goroutine terminates with its OS thread once Loop returns, exactly
	// like the dedicated thread muduo's EventLoopThread spawns.

	loop := NewEventLoop(lt.log)

	if lt.initFunc != nil {
		lt.initFunc(loop)
	}

	lt.mu.Lock()
	lt.loop = loop
	lt.cond.Signal()
	lt.mu.Unlock()

	loop.Loop()

	loop.Close()
	close(lt.done)
}

// Stop quits the loop and waits for its thread to finish.
func (lt *LoopThread) Stop() {
	lt.mu.Lock()
	loop := lt.loop
	lt.mu.Unlock()
	if loop == nil {
		return
	}
	loop.Quit()
	<-lt.done
}
