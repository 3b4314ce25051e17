package reactor

import (
	"net"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

type connState int32

const (
	stateConnecting connState = iota
	stateConnected
	stateDisconnecting
	stateDisconnected
)

func (s connState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateConnected:
		return "connected"
	case stateDisconnecting:
		return "disconnecting"
	case stateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// ConnectionCallback fires after a connection is established and again
// after it is torn down; callers distinguish the two with Connected().
type ConnectionCallback func(conn *TcpConnection)

// MessageCallback fires whenever a read delivers new bytes into the input
// buffer. The callback is responsible for consuming what it wants from buf
// via Retrieve/RetrieveAllString.
type MessageCallback func(conn *TcpConnection, buf *Buffer, receiveTime time.Time)

// WriteCompleteCallback fires once the output buffer has fully drained
// after a Send.
type WriteCompleteCallback func(conn *TcpConnection)

// HighWaterMarkCallback fires when the output buffer's size crosses
// highWaterMark going upward; it does not fire again until the buffer has
// drained back below the mark and crosses it upward once more.
type HighWaterMarkCallback func(conn *TcpConnection, size int)

// CloseCallback is TcpServer's internal hook for removing a connection
// from its map; it is not the user-facing connection lifecycle callback.
type CloseCallback func(conn *TcpConnection)

// TcpConnection is a single accepted socket's state machine: its
// input/output buffers, half-close protocol, and high-water backpressure
// signal. Its owning loop is the I/O loop TcpServer picked for it (the main
// loop itself when the pool has no I/O threads); after construction it must
// only be driven from that loop.
type TcpConnection struct {
	loop *EventLoop
	name string

	connState atomic.Int32

	sock    *socket
	channel *Channel
	tie     *tieState

	localAddr *net.TCPAddr
	peerAddr  *net.TCPAddr

	connectionCallback    ConnectionCallback
	messageCallback       MessageCallback
	writeCompleteCallback WriteCompleteCallback
	highWaterMarkCallback HighWaterMarkCallback
	closeCallback         CloseCallback

	highWaterMark int

	inputBuffer  *Buffer
	outputBuffer *Buffer

	reading bool

	log *zap.Logger
}

const defaultHighWaterMark = 64 * 1024 * 1024 // 64MiB

// NewTcpConnection wraps an already-accepted, non-blocking fd. It does not
// touch the channel or socket options beyond construction; callers invoke
// ConnectEstablished once the connection is registered in the server's map.
func NewTcpConnection(loop *EventLoop, name string, fd int, local, peer *net.TCPAddr, log *zap.Logger) *TcpConnection {
	c := &TcpConnection{
		loop:          loop,
		name:          name,
		sock:          &socket{fd: fd},
		localAddr:     local,
		peerAddr:      peer,
		highWaterMark: defaultHighWaterMark,
		inputBuffer:   NewBuffer(),
		outputBuffer:  NewBuffer(),
		reading:       true,
		log:           log,
	}
	c.connState.Store(int32(stateConnecting))
	c.channel = NewChannel(loop, fd)
	c.channel.SetReadCallback(c.handleRead)
	c.channel.SetWriteCallback(c.handleWrite)
	c.channel.SetCloseCallback(c.handleClose)
	c.channel.SetErrorCallback(c.handleError)
	return c
}

func (c *TcpConnection) Name() string           { return c.name }
func (c *TcpConnection) GetLoop() *EventLoop     { return c.loop }
func (c *TcpConnection) LocalAddr() *net.TCPAddr { return c.localAddr }
func (c *TcpConnection) PeerAddr() *net.TCPAddr  { return c.peerAddr }

func (c *TcpConnection) state() connState { return connState(c.connState.Load()) }
func (c *TcpConnection) setState(s connState) { c.connState.Store(int32(s)) }

func (c *TcpConnection) Connected() bool    { return c.state() == stateConnected }
func (c *TcpConnection) Disconnected() bool { return c.state() == stateDisconnected }

func (c *TcpConnection) SetConnectionCallback(cb ConnectionCallback)       { c.connectionCallback = cb }
func (c *TcpConnection) SetMessageCallback(cb MessageCallback)             { c.messageCallback = cb }
func (c *TcpConnection) SetWriteCompleteCallback(cb WriteCompleteCallback) { c.writeCompleteCallback = cb }
func (c *TcpConnection) SetCloseCallback(cb CloseCallback)                 { c.closeCallback = cb }

// SetHighWaterMarkCallback installs cb and the threshold, in bytes, that
// triggers it on an upward crossing of the output buffer's size.
func (c *TcpConnection) SetHighWaterMarkCallback(cb HighWaterMarkCallback, mark int) {
	c.highWaterMarkCallback = cb
	c.highWaterMark = mark
}

// SetTCPNoDelay toggles Nagle's algorithm on the underlying socket.
func (c *TcpConnection) SetTCPNoDelay(on bool) error {
	return c.sock.setTCPNoDelay(on)
}

// SetKeepAlive toggles SO_KEEPALIVE (and, when enabling, TCP_KEEPIDLE) on
// the underlying socket.
func (c *TcpConnection) SetKeepAlive(on bool, idle time.Duration) error {
	return c.sock.setKeepAlive(on, idle)
}

// ConnectEstablished must be called exactly once, on the owning I/O loop,
// after the connection has been registered in the server's connection map.
// It ties the channel to this connection, enables read interest, and
// fires the user connection callback.
func (c *TcpConnection) ConnectEstablished() {
	c.loop.AssertInLoopThread()
	if c.state() != stateConnecting {
		fatalf("reactor: ConnectEstablished called twice on %s", c.name)
	}
	c.setState(stateConnected)
	c.tie = newTieState()
	c.channel.Tie(c.tie)
	c.channel.EnableReading()

	if c.connectionCallback != nil {
		c.connectionCallback(c)
	}
}

// ConnectDestroyed must be called exactly once, on the owning I/O loop,
// after the server has dropped its strong reference from the connection
// map. It disables all interest, fires the connection callback a second
// time (now observably disconnected), and removes the channel from its
// loop.
func (c *TcpConnection) ConnectDestroyed() {
	c.loop.AssertInLoopThread()
	if c.state() == stateConnected {
		c.setState(stateDisconnected)
		c.channel.DisableAll()
		if c.connectionCallback != nil {
			c.connectionCallback(c)
		}
	}
	if c.tie != nil {
		c.tie.alive.Store(false)
	}
	c.channel.Remove()
	c.sock.close()
}

func (c *TcpConnection) handleRead(receiveTime time.Time) {
	c.loop.AssertInLoopThread()
	n, err := c.inputBuffer.ReadFd(c.channel.Fd())
	switch {
	case err != nil:
		if err == unix.EAGAIN || err == unix.EINTR {
			return
		}
		c.log.Error("read error", zap.String("conn", c.name), zap.Error(err))
		c.handleError()
	case n > 0:
		if c.messageCallback != nil {
			c.messageCallback(c, c.inputBuffer, receiveTime)
		}
	default:
		c.handleClose()
	}
}

func (c *TcpConnection) handleWrite() {
	c.loop.AssertInLoopThread()
	if !c.channel.IsWriting() {
		c.log.Debug("connection is down, no more writing", zap.String("conn", c.name))
		return
	}

	_, err := c.outputBuffer.WriteFd(c.channel.Fd())
	if err != nil {
		if err == unix.EAGAIN {
			return
		}
		c.log.Error("write error", zap.String("conn", c.name), zap.Error(err))
		return
	}

	if c.outputBuffer.ReadableBytes() == 0 {
		c.channel.DisableWriting()
		if c.writeCompleteCallback != nil {
			c.loop.QueueInLoop(func() { c.writeCompleteCallback(c) })
		}
		if c.state() == stateDisconnecting {
			c.shutdownInLoop()
		}
	}
}

// handleClose runs the shared disconnect path: disable interest, fire the
// connection callback (now disconnected), then invoke the close callback
// that TcpServer wired to remove this connection from its map. Safe
// against re-entry since the channel is disabled before either callback
// runs.
func (c *TcpConnection) handleClose() {
	c.loop.AssertInLoopThread()
	if c.state() == stateDisconnected {
		return
	}
	c.setState(stateDisconnected)
	c.channel.DisableAll()

	if c.connectionCallback != nil {
		c.connectionCallback(c)
	}
	if c.closeCallback != nil {
		c.closeCallback(c)
	}
}

func (c *TcpConnection) handleError() {
	c.log.Warn("socket error", zap.String("conn", c.name))
}

// Send queues data for delivery, running the write path inline if called
// on the owning loop or posting a copy to the loop otherwise.
func (c *TcpConnection) Send(data []byte) {
	if c.state() != stateConnected {
		return
	}
	if c.loop.IsInLoopThread() {
		c.sendInLoop(data)
	} else {
		buf := append([]byte(nil), data...)
		c.loop.QueueInLoop(func() { c.sendInLoop(buf) })
	}
}

// SendString is a convenience wrapper around Send for string payloads.
func (c *TcpConnection) SendString(s string) {
	c.Send([]byte(s))
}

func (c *TcpConnection) sendInLoop(data []byte) {
	c.loop.AssertInLoopThread()
	if c.state() == stateDisconnected {
		c.log.Warn("disconnected, give up writing", zap.String("conn", c.name))
		return
	}

	var (
		nwrote   int
		faultErr bool
	)

	if !c.channel.IsWriting() && c.outputBuffer.ReadableBytes() == 0 {
		n, err := unix.Write(c.channel.Fd(), data)
		switch {
		case err == nil:
			nwrote = n
			if nwrote == len(data) && c.writeCompleteCallback != nil {
				c.loop.QueueInLoop(func() { c.writeCompleteCallback(c) })
			}
		case err == unix.EAGAIN:
			nwrote = 0
		case err == unix.EPIPE || err == unix.ECONNRESET:
			nwrote = 0
			faultErr = true
		default:
			nwrote = 0
			c.log.Error("send error", zap.String("conn", c.name), zap.Error(err))
		}
	}

	if faultErr {
		return
	}

	if nwrote < len(data) {
		remaining := data[nwrote:]
		oldLen := c.outputBuffer.ReadableBytes()
		newLen := oldLen + len(remaining)
		if newLen >= c.highWaterMark && oldLen < c.highWaterMark && c.highWaterMarkCallback != nil {
			c.loop.QueueInLoop(func() { c.highWaterMarkCallback(c, newLen) })
		}
		c.outputBuffer.Append(remaining)
		if !c.channel.IsWriting() {
			c.channel.EnableWriting()
		}
	}
}

// Shutdown half-closes the connection: if Connected, moves to
// Disconnecting and either shuts down the write side immediately (output
// buffer already empty) or defers until handleWrite drains it.
func (c *TcpConnection) Shutdown() {
	if c.state() == stateConnected {
		c.setState(stateDisconnecting)
		c.loop.RunInLoop(c.shutdownInLoop)
	}
}

func (c *TcpConnection) shutdownInLoop() {
	c.loop.AssertInLoopThread()
	if !c.channel.IsWriting() {
		if err := c.sock.shutdownWrite(); err != nil {
			c.log.Error("shutdown write failed", zap.String("conn", c.name), zap.Error(err))
		}
	}
}

// ForceClose bypasses the graceful half-close handshake and tears the
// connection down as soon as the loop next runs tasks.
func (c *TcpConnection) ForceClose() {
	if c.state() == stateConnected || c.state() == stateDisconnecting {
		c.setState(stateDisconnecting)
		c.loop.QueueInLoop(c.handleClose)
	}
}
