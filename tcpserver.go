package reactor

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// TcpServer glues together a main loop, an Acceptor, a Pool of I/O loops,
// and the map of live connections, and installs the user-facing callback
// set on every connection it accepts.
type TcpServer struct {
	loop     *EventLoop
	ipPort   string
	name     string
	acceptor *Acceptor
	pool     *Pool

	connectionCallback    ConnectionCallback
	messageCallback       MessageCallback
	writeCompleteCallback WriteCompleteCallback
	highWaterMark         int
	highWaterMarkCallback HighWaterMarkCallback
	threadInitCallback    ThreadInitCallback

	nextConnID int64

	mu          sync.Mutex
	connections map[string]*TcpConnection

	started atomic.Bool

	log *zap.Logger
}

// Option configures optional TcpServer behavior at construction.
type Option func(*serverOptions)

type serverOptions struct {
	reusePort bool
	numLoops  int
}

// WithReusePort sets SO_REUSEPORT on the listening socket.
func WithReusePort(on bool) Option {
	return func(o *serverOptions) { o.reusePort = on }
}

// WithIOLoops sets the number of I/O loops in the pool. 0 (the default)
// means the main loop doubles as the only I/O loop.
func WithIOLoops(n int) Option {
	return func(o *serverOptions) { o.numLoops = n }
}

// NewTcpServer constructs a server bound to addr under name. loop is the
// main loop: the one the caller will run with loop.Loop() after calling
// Start.
func NewTcpServer(loop *EventLoop, addr, name string, log *zap.Logger, opts ...Option) *TcpServer {
	if loop == nil {
		fatalf("reactor: TcpServer requires a non-nil main loop")
	}
	var o serverOptions
	for _, opt := range opts {
		opt(&o)
	}

	s := &TcpServer{
		loop:        loop,
		ipPort:      addr,
		name:        name,
		nextConnID:  1,
		connections: make(map[string]*TcpConnection),
		log:         log,
	}
	acceptor, err := NewAcceptor(loop, addr, o.reusePort, log)
	if err != nil {
		fatalf("reactor: new acceptor: %v", err)
	}
	s.acceptor = acceptor
	s.acceptor.SetNewConnectionCallback(s.newConnection)
	s.pool = NewPool(loop, name, o.numLoops, log)
	return s
}

func (s *TcpServer) SetConnectionCallback(cb ConnectionCallback)       { s.connectionCallback = cb }
func (s *TcpServer) SetMessageCallback(cb MessageCallback)             { s.messageCallback = cb }
func (s *TcpServer) SetWriteCompleteCallback(cb WriteCompleteCallback) { s.writeCompleteCallback = cb }
func (s *TcpServer) SetThreadInitCallback(cb ThreadInitCallback)       { s.threadInitCallback = cb }

// SetHighWaterMarkCallback installs cb and the per-connection threshold
// (bytes) applied to every connection accepted from this point on.
func (s *TcpServer) SetHighWaterMarkCallback(cb HighWaterMarkCallback, mark int) {
	s.highWaterMarkCallback = cb
	s.highWaterMark = mark
}

// Start is idempotent: on the first call it starts the I/O loop pool, then
// posts the acceptor's Listen to the main loop.
func (s *TcpServer) Start() {
	if s.started.CompareAndSwap(false, true) {
		s.pool.Start(s.threadInitCallback)
		s.loop.RunInLoop(s.acceptor.Listen)
	}
}

// newConnection is the Acceptor's callback: pick the next I/O loop, mint a
// unique connection name, construct the TcpConnection there, wire its
// callbacks, store it in the map, and post ConnectEstablished.
func (s *TcpServer) newConnection(fd int, peer *net.TCPAddr) {
	s.loop.AssertInLoopThread()

	ioLoop := s.pool.NextLoop()
	connID := atomic.AddInt64(&s.nextConnID, 1) - 1
	connName := fmt.Sprintf("%s-%s#%d", s.name, s.ipPort, connID)

	local := localAddrOf(fd)
	s.log.Info("new connection",
		zap.String("server", s.name),
		zap.String("conn", connName),
		zap.Stringer("peer", peer))

	conn := NewTcpConnection(ioLoop, connName, fd, local, peer, s.log)

	s.mu.Lock()
	s.connections[connName] = conn
	s.mu.Unlock()

	conn.SetConnectionCallback(s.connectionCallback)
	conn.SetMessageCallback(s.messageCallback)
	conn.SetWriteCompleteCallback(s.writeCompleteCallback)
	if s.highWaterMarkCallback != nil {
		conn.SetHighWaterMarkCallback(s.highWaterMarkCallback, s.highWaterMark)
	}
	conn.SetCloseCallback(s.removeConnection)

	ioLoop.RunInLoop(conn.ConnectEstablished)
}

// removeConnection is wired as every connection's close callback; it posts
// the map removal to the main loop.
func (s *TcpServer) removeConnection(conn *TcpConnection) {
	s.loop.RunInLoop(func() { s.removeConnectionInLoop(conn) })
}

func (s *TcpServer) removeConnectionInLoop(conn *TcpConnection) {
	s.loop.AssertInLoopThread()
	s.log.Info("remove connection", zap.String("server", s.name), zap.String("conn", conn.Name()))

	s.mu.Lock()
	delete(s.connections, conn.Name())
	s.mu.Unlock()

	ioLoop := conn.GetLoop()
	ioLoop.QueueInLoop(conn.ConnectDestroyed)
}

// ConnectionCount returns the number of connections currently tracked.
func (s *TcpServer) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.connections)
}

// Stop tears every live connection down, then stops the I/O loop pool.
// It mirrors the original destructor's strong-reference-then-post pattern:
// each connection is dropped from the map before ConnectDestroyed runs on
// its own loop, so no callback observes the connection via the map after
// this call begins.
func (s *TcpServer) Stop() {
	s.mu.Lock()
	conns := make([]*TcpConnection, 0, len(s.connections))
	for _, c := range s.connections {
		conns = append(conns, c)
	}
	s.connections = make(map[string]*TcpConnection)
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, conn := range conns {
		conn := conn
		wg.Add(1)
		conn.GetLoop().RunInLoop(func() {
			conn.ConnectDestroyed()
			wg.Done()
		})
	}
	wg.Wait()

	s.pool.Stop()
}
