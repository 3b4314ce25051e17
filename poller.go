package reactor

import (
	"os"
	"time"
)

// Demultiplexer is the readiness-notification backend an EventLoop polls
// for active channels. epollPoller (Linux, default) and pollPoller
// (portable poll(2) fallback) both implement it.
type Demultiplexer interface {
	// Poll blocks up to timeout waiting for I/O readiness, appends the
	// active channels to active, and returns the time the call returned.
	Poll(timeout time.Duration, active []*Channel) ([]*Channel, time.Time, error)
	// UpdateChannel registers or modifies a channel's interest set.
	UpdateChannel(c *Channel) error
	// RemoveChannel deregisters a channel. The channel must have no events
	// registered.
	RemoveChannel(c *Channel) error
	// HasChannel reports whether the channel is currently registered.
	HasChannel(c *Channel) bool
	// Close releases the backend's own file descriptor(s).
	Close() error
}

// newDefaultPoller selects a backend the way muduo's Poller::newDefaultPoller
// does with its environment-variable switch, generalized into a Go env var:
// REACTOR_POLLER=poll forces the portable fallback, anything else (including
// unset) uses epoll on Linux.
func newDefaultPoller() (Demultiplexer, error) {
	if os.Getenv("REACTOR_POLLER") == "poll" {
		return newPollPoller()
	}
	return newEpollPoller()
}
