package reactor

import (
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// pollerState tracks where a Channel sits relative to the Demultiplexer's
// registration, mirroring the kNew/kAdded/kDeleted states EPollPoller uses
// to decide between EPOLL_CTL_ADD/MOD/DEL.
type pollerState int

const (
	stateNew pollerState = iota - 1
	stateAdded
	stateDeleted
)

const (
	readEvents  = unix.EPOLLIN | unix.EPOLLPRI
	writeEvents = unix.EPOLLOUT
	noneEvents  = 0
)

// tieState lets a Channel skip dispatch once the object it's tied to (its
// owning TcpConnection) has torn itself down. Go's garbage collector rules
// out the use-after-free a C++ weak_ptr upgrade guards against; what still
// needs guarding is dispatching a stale callback, so a single atomic flag
// suffices in place of a literal weak-pointer translation.
type tieState struct {
	alive atomic.Bool
}

func newTieState() *tieState {
	t := &tieState{}
	t.alive.Store(true)
	return t
}

// ReadCallback is invoked when a Channel's fd becomes readable.
type ReadCallback func(receiveTime time.Time)

// EventCallback is invoked for write, close, or error notifications, none
// of which need the event's arrival time.
type EventCallback func()

// Channel binds one file descriptor to the set of events it cares about
// and the callbacks to run when the poller reports activity on it. It does
// not own the fd.
type Channel struct {
	loop *EventLoop
	fd   int

	events  uint32
	revents uint32
	state   pollerState

	readCallback  ReadCallback
	writeCallback EventCallback
	closeCallback EventCallback
	errorCallback EventCallback

	tie  *tieState
	tied bool
}

// NewChannel creates a Channel for fd, owned by loop. The Channel starts
// uninterested in all events; call EnableReading/EnableWriting to register
// interest.
func NewChannel(loop *EventLoop, fd int) *Channel {
	return &Channel{
		loop:  loop,
		fd:    fd,
		state: stateNew,
	}
}

func (c *Channel) Fd() int { return c.fd }

func (c *Channel) SetReadCallback(cb ReadCallback)   { c.readCallback = cb }
func (c *Channel) SetWriteCallback(cb EventCallback) { c.writeCallback = cb }
func (c *Channel) SetCloseCallback(cb EventCallback) { c.closeCallback = cb }
func (c *Channel) SetErrorCallback(cb EventCallback) { c.errorCallback = cb }

// Tie binds the channel's dispatch to the liveness of an owning object,
// guarding against running a callback after that object has called
// connectDestroyed.
func (c *Channel) Tie(t *tieState) {
	c.tie = t
	c.tied = true
}

func (c *Channel) EnableReading() {
	c.events |= readEvents
	c.update()
}

func (c *Channel) DisableReading() {
	c.events &^= readEvents
	c.update()
}

func (c *Channel) EnableWriting() {
	c.events |= writeEvents
	c.update()
}

func (c *Channel) DisableWriting() {
	c.events &^= writeEvents
	c.update()
}

func (c *Channel) DisableAll() {
	c.events = noneEvents
	c.update()
}

func (c *Channel) IsNoneEvent() bool { return c.events == noneEvents }
func (c *Channel) IsWriting() bool   { return c.events&writeEvents != 0 }
func (c *Channel) IsReading() bool   { return c.events&readEvents != 0 }

func (c *Channel) Events() uint32       { return c.events }
func (c *Channel) SetRevents(re uint32) { c.revents = re }

func (c *Channel) pollerState() pollerState     { return c.state }
func (c *Channel) setPollerState(s pollerState) { c.state = s }

func (c *Channel) update() {
	c.loop.updateChannel(c)
}

// Remove detaches the channel from its loop's Demultiplexer. Callers must
// first disable all events (or rely on the owner's teardown path doing so).
func (c *Channel) Remove() {
	c.loop.removeChannel(c)
}

// HandleEvent dispatches the revents most recently reported by the poller
// to the registered callbacks, skipping dispatch if a tied owner has
// already gone away.
func (c *Channel) HandleEvent(receiveTime time.Time) {
	if c.tied {
		if !c.tie.alive.Load() {
			return
		}
	}
	c.handleEventWithGuard(receiveTime)
}

// handleEventWithGuard dispatches in the same order muduo's Channel does:
// HUP (unless paired with IN, which means the peer still has buffered
// data), then ERR, then IN/PRI, then OUT.
func (c *Channel) handleEventWithGuard(receiveTime time.Time) {
	if c.revents&unix.EPOLLHUP != 0 && c.revents&unix.EPOLLIN == 0 {
		if c.closeCallback != nil {
			c.closeCallback()
		}
	}
	if c.revents&unix.EPOLLERR != 0 {
		if c.errorCallback != nil {
			c.errorCallback()
		}
	}
	if c.revents&(unix.EPOLLIN|unix.EPOLLPRI) != 0 {
		if c.readCallback != nil {
			c.readCallback(receiveTime)
		}
	}
	if c.revents&unix.EPOLLOUT != 0 {
		if c.writeCallback != nil {
			c.writeCallback()
		}
	}
}
