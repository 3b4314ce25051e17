package reactor

import (
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Pool is an EventLoopThreadPool analogue: a fixed-size set of I/O loops
// drawn from round-robin by NextLoop. With zero configured threads, the
// base loop (the one the TcpServer itself runs on) doubles as the only I/O
// loop, matching the single-threaded-server configuration.
type Pool struct {
	baseLoop *EventLoop
	name     string
	log      *zap.Logger

	numThreads int
	threads    []*LoopThread
	loops      []*EventLoop

	next atomic.Uint64
}

// NewPool returns a Pool that will run numThreads I/O loops in addition to
// baseLoop, or zero additional loops (baseLoop serves everything) when
// numThreads is 0.
func NewPool(baseLoop *EventLoop, name string, numThreads int, log *zap.Logger) *Pool {
	return &Pool{
		baseLoop:   baseLoop,
		name:       name,
		log:        log,
		numThreads: numThreads,
	}
}

// Start spawns the pool's loop threads, running init on each new loop
// before it begins looping. Must be called on the base loop's thread.
func (p *Pool) Start(init ThreadInitCallback) {
	p.baseLoop.AssertInLoopThread()

	for i := 0; i < p.numThreads; i++ {
		lt := NewLoopThread(p.name, init, p.log)
		p.threads = append(p.threads, lt)
		p.loops = append(p.loops, lt.StartLoop())
	}

	if p.numThreads == 0 && init != nil {
		init(p.baseLoop)
	}
}

// NextLoop returns the next I/O loop by round robin, or the base loop if
// the pool has no dedicated I/O threads. Must be called on the base loop's
// thread.
func (p *Pool) NextLoop() *EventLoop {
	if len(p.loops) == 0 {
		return p.baseLoop
	}
	idx := p.next.Add(1) - 1
	return p.loops[idx%uint64(len(p.loops))]
}

// AllLoops returns every I/O loop in the pool, or just the base loop when
// the pool has no dedicated threads, in the order callers can fan out
// shutdown or diagnostics work over.
func (p *Pool) AllLoops() []*EventLoop {
	if len(p.loops) == 0 {
		return []*EventLoop{p.baseLoop}
	}
	return append([]*EventLoop(nil), p.loops...)
}

// Stop quits and joins every loop thread in the pool concurrently. The base
// loop is not touched; its owner is responsible for it.
func (p *Pool) Stop() {
	var g errgroup.Group
	for _, lt := range p.threads {
		lt := lt
		g.Go(func() error {
			lt.Stop()
			return nil
		})
	}
	g.Wait()
}
