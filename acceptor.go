package reactor

import (
	"net"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// NewConnectionCallback hands a freshly accepted descriptor and its peer
// address to whoever installed it (TcpServer.newConnection).
type NewConnectionCallback func(fd int, peer *net.TCPAddr)

// Acceptor owns the listening socket and lives entirely on the main loop:
// its channel registers only READ interest, and on readiness it accepts in
// a single attempt, relying on level-triggering to re-fire if more
// connections are pending.
type Acceptor struct {
	loop       *EventLoop
	sock       *socket
	channel    *Channel
	listening  bool
	newConnCb  NewConnectionCallback
	log        *zap.Logger
	listenAddr string
}

// NewAcceptor creates a socket bound to and listening on addr. Connections
// queue in the kernel backlog but are not accepted until Listen registers
// the channel's read interest on the main loop.
func NewAcceptor(loop *EventLoop, addr string, reusePort bool, log *zap.Logger) (*Acceptor, error) {
	sock, err := newListenSocket(addr, reusePort)
	if err != nil {
		fatalf("reactor: create listen socket on %s: %v", addr, err)
	}
	a := &Acceptor{
		loop:       loop,
		sock:       sock,
		log:        log,
		listenAddr: addr,
	}
	a.channel = NewChannel(loop, sock.fd)
	a.channel.SetReadCallback(a.handleRead)
	return a, nil
}

func (a *Acceptor) SetNewConnectionCallback(cb NewConnectionCallback) {
	a.newConnCb = cb
}

func (a *Acceptor) Listening() bool { return a.listening }

// Listen starts the channel listening for incoming connections. Must run
// on the main loop.
func (a *Acceptor) Listen() {
	a.loop.AssertInLoopThread()
	a.listening = true
	a.channel.EnableReading()
}

func (a *Acceptor) handleRead(_ time.Time) {
	nfd, sa, err := a.sock.accept()
	if err != nil {
		if err == unix.EAGAIN {
			return
		}
		if err == unix.EMFILE {
			a.log.Warn("accept: too many open files")
			return
		}
		a.log.Error("accept failed", zap.Error(err))
		return
	}
	if a.newConnCb != nil {
		a.newConnCb(nfd, sockaddrToTCPAddr(sa))
	} else {
		unix.Close(nfd)
	}
}
