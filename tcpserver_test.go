package reactor

import (
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

// newTestServer starts a TcpServer on an ephemeral loopback port with
// numLoops I/O loops, running its main loop on a dedicated goroutine/OS
// thread. The returned stop func tears the server and its main loop down.
func newTestServer(t *testing.T, numLoops int, wire func(*TcpServer)) (addr string, stop func()) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	listenAddr := ln.Addr().String()
	ln.Close()

	loopCh := make(chan *EventLoop, 1)
	serverCh := make(chan *TcpServer, 1)
	go func() {
		runtime.LockOSThread()
		mainLoop := NewEventLoop(zap.NewNop())
		server := NewTcpServer(mainLoop, listenAddr, "test", zap.NewNop(), WithIOLoops(numLoops))
		if wire != nil {
			wire(server)
		}
		server.Start()
		loopCh <- mainLoop
		serverCh <- server
		mainLoop.Loop()
		mainLoop.Close()
	}()

	mainLoop := <-loopCh
	server := <-serverCh

	// No probe dial here: NewAcceptor has already bound and listened on
	// listenAddr, and Start ran Listen inline on the main loop's thread, so
	// clients can dial now. A probe connection would itself reach the
	// callbacks wired above and skew the counts the tests assert.

	stop = func() {
		done := make(chan struct{})
		mainLoop.RunInLoop(func() {
			server.Stop()
			close(done)
		})
		select {
		case <-done:
		case <-time.After(2 * time.Second):
		}
		mainLoop.Quit()
	}
	return listenAddr, stop
}

func waitUntilDialable(t *testing.T, addr string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("server on %s never became dialable", addr)
}

func TestEchoSingleConnection(t *testing.T) {
	var connCount int32
	var writeCompleteCount int32

	addr, stop := newTestServer(t, 0, func(s *TcpServer) {
		s.SetConnectionCallback(func(conn *TcpConnection) {
			atomic.AddInt32(&connCount, 1)
		})
		s.SetMessageCallback(func(conn *TcpConnection, buf *Buffer, _ time.Time) {
			conn.SendString(buf.RetrieveAllString())
		})
		s.SetWriteCompleteCallback(func(conn *TcpConnection) {
			atomic.AddInt32(&writeCompleteCount, 1)
		})
	})
	defer stop()

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("abcdef")); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got := string(buf[:n]); got != "abcdef" {
		t.Fatalf("echoed %q, want abcdef", got)
	}

	conn.Close()
	time.Sleep(100 * time.Millisecond)

	if atomic.LoadInt32(&connCount) != 2 {
		t.Fatalf("connection callback fired %d times, want 2", connCount)
	}
	if atomic.LoadInt32(&writeCompleteCount) < 1 {
		t.Fatal("write-complete callback never fired")
	}
}

func TestMultiClientRoundRobinFanout(t *testing.T) {
	const numLoops = 2
	const numClients = numLoops * 3

	var mu sync.Mutex
	var threadIDs []int

	addr, stop := newTestServer(t, numLoops, func(s *TcpServer) {
		s.SetConnectionCallback(func(conn *TcpConnection) {
			if conn.Connected() {
				mu.Lock()
				threadIDs = append(threadIDs, conn.GetLoop().threadID)
				mu.Unlock()
			}
		})
	})
	defer stop()

	var conns []net.Conn
	for i := 0; i < numClients; i++ {
		c, err := net.DialTimeout("tcp", addr, time.Second)
		if err != nil {
			t.Fatalf("dial %d: %v", i, err)
		}
		conns = append(conns, c)
		time.Sleep(20 * time.Millisecond)
	}
	defer func() {
		for _, c := range conns {
			c.Close()
		}
	}()

	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(threadIDs) != numClients {
		t.Fatalf("observed %d connections, want %d", len(threadIDs), numClients)
	}

	counts := make(map[int]int)
	for _, tid := range threadIDs {
		counts[tid]++
	}
	if len(counts) != numLoops {
		t.Fatalf("connections landed on %d distinct loops, want %d", len(counts), numLoops)
	}
	for tid, c := range counts {
		if c != numClients/numLoops {
			t.Fatalf("loop thread %d got %d connections, want %d", tid, c, numClients/numLoops)
		}
	}
}

func TestPeerClose(t *testing.T) {
	var disconnected int32
	var gotHi int32

	addr, stop := newTestServer(t, 0, func(s *TcpServer) {
		s.SetConnectionCallback(func(conn *TcpConnection) {
			if !conn.Connected() {
				atomic.AddInt32(&disconnected, 1)
			}
		})
		s.SetMessageCallback(func(conn *TcpConnection, buf *Buffer, _ time.Time) {
			if buf.RetrieveAllString() == "hi" {
				atomic.AddInt32(&gotHi, 1)
			}
		})
	})
	defer stop()

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn.Write([]byte("hi"))
	time.Sleep(100 * time.Millisecond)
	conn.Close()
	time.Sleep(200 * time.Millisecond)

	if atomic.LoadInt32(&gotHi) != 1 {
		t.Fatal("server never observed the \"hi\" payload")
	}
	if atomic.LoadInt32(&disconnected) != 1 {
		t.Fatal("disconnect branch of connection callback never ran")
	}
}

func TestHighWaterMarkFiresOnceOnUpwardCrossing(t *testing.T) {
	const mark = 256 * 1024
	var crossings int32
	var serverConn atomic.Pointer[TcpConnection]

	addr, stop := newTestServer(t, 0, func(s *TcpServer) {
		s.SetHighWaterMarkCallback(func(conn *TcpConnection, size int) {
			atomic.AddInt32(&crossings, 1)
		}, mark)
		s.SetConnectionCallback(func(conn *TcpConnection) {
			if conn.Connected() {
				serverConn.Store(conn)
			}
		})
	})
	defer stop()

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(time.Second)
	for serverConn.Load() == nil && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	sc := serverConn.Load()
	if sc == nil {
		t.Fatal("server never observed the connection")
	}

	// The client never reads, so repeated large sends back the server's
	// output buffer up past the high-water mark without ever draining.
	chunk := make([]byte, 64*1024)
	for i := 0; i < 16; i++ {
		sc.Send(chunk)
		if atomic.LoadInt32(&crossings) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if atomic.LoadInt32(&crossings) != 1 {
		t.Fatalf("high-water-mark callback fired %d times, want exactly 1", crossings)
	}
}

func TestGracefulTeardown(t *testing.T) {
	const numConns = 10
	var disconnects int32
	connectedWG := make(chan struct{}, numConns)

	addr, stop := newTestServer(t, 2, func(s *TcpServer) {
		s.SetConnectionCallback(func(conn *TcpConnection) {
			if conn.Connected() {
				connectedWG <- struct{}{}
			} else {
				atomic.AddInt32(&disconnects, 1)
			}
		})
	})

	var conns []net.Conn
	for i := 0; i < numConns; i++ {
		c, err := net.DialTimeout("tcp", addr, time.Second)
		if err != nil {
			t.Fatalf("dial %d: %v", i, err)
		}
		conns = append(conns, c)
	}
	for i := 0; i < numConns; i++ {
		select {
		case <-connectedWG:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for connection %d to establish", i)
		}
	}

	stop()

	if got := atomic.LoadInt32(&disconnects); got != numConns {
		t.Fatalf("disconnect callback ran %d times, want %d", got, numConns)
	}

	for _, c := range conns {
		c.Close()
	}
}

func TestHalfCloseFlushesBeforeShuttingDownWriteSide(t *testing.T) {
	const chunkSize = 64 * 1024
	const numChunks = 200
	const payloadSize = chunkSize * numChunks // 12.5MiB: far more than a
	// default socket send buffer plus receive window can absorb in one
	// shot, so some of these Send calls land in outputBuffer rather than
	// going out in a single direct write.
	var writeCompleted int32

	addr, stop := newTestServer(t, 0, func(s *TcpServer) {
		s.SetWriteCompleteCallback(func(conn *TcpConnection) {
			atomic.AddInt32(&writeCompleted, 1)
		})
		s.SetConnectionCallback(func(conn *TcpConnection) {
			if conn.Connected() {
				chunk := make([]byte, chunkSize)
				for i := 0; i < numChunks; i++ {
					conn.Send(chunk)
				}
				conn.Shutdown()
			}
		})
	})
	defer stop()

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Deliberately don't read yet: the client must still be backed up when
	// Shutdown runs on the server, so shutdownInLoop takes the deferred
	// branch (channel still writing) instead of shutting the write side
	// down immediately.
	time.Sleep(150 * time.Millisecond)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	total := 0
	buf := make([]byte, 64*1024)
	for total < payloadSize {
		n, err := conn.Read(buf)
		total += n
		if err != nil {
			t.Fatalf("read at %d/%d bytes: %v", total, payloadSize, err)
		}
	}

	// One more read should now observe EOF (the write side was shut down
	// only after the payload above fully flushed).
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := conn.Read(buf)
	if n != 0 || err == nil {
		t.Fatalf("expected EOF after full payload, got n=%d err=%v", n, err)
	}

	if atomic.LoadInt32(&writeCompleted) < 1 {
		t.Fatal("write-complete callback never fired before shutdown")
	}
}
