//go:build unix

package reactor

import (
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// pollPoller is the portable poll(2)-based fallback Demultiplexer, selected
// by setting REACTOR_POLLER=poll. It is O(n) in the number of registered
// channels per call, unlike the epoll backend, and exists for debugging on
// systems or configurations where epoll behavior is in question.
type pollPoller struct {
	channels map[int]*Channel
}

func newPollPoller() (Demultiplexer, error) {
	return &pollPoller{channels: make(map[int]*Channel)}, nil
}

func (p *pollPoller) Poll(timeout time.Duration, active []*Channel) ([]*Channel, time.Time, error) {
	fds := make([]unix.PollFd, 0, len(p.channels))
	order := make([]*Channel, 0, len(p.channels))
	for _, ch := range p.channels {
		var events int16
		if ch.IsReading() {
			events |= unix.POLLIN | unix.POLLPRI
		}
		if ch.IsWriting() {
			events |= unix.POLLOUT
		}
		fds = append(fds, unix.PollFd{Fd: int32(ch.Fd()), Events: events})
		order = append(order, ch)
	}

	timeoutMs := int(timeout / time.Millisecond)
	n, err := unix.Poll(fds, timeoutMs)
	now := time.Now()
	if err != nil {
		if err == unix.EINTR {
			return active, now, nil
		}
		return active, now, errors.Wrap(err, "poll")
	}
	if n <= 0 {
		return active, now, nil
	}
	for i, pfd := range fds {
		if pfd.Revents == 0 {
			continue
		}
		ch := order[i]
		ch.SetRevents(uint32(pfd.Revents))
		active = append(active, ch)
	}
	return active, now, nil
}

func (p *pollPoller) UpdateChannel(c *Channel) error {
	switch c.pollerState() {
	case stateNew, stateDeleted:
		p.channels[c.Fd()] = c
		c.setPollerState(stateAdded)
	default:
		if c.IsNoneEvent() {
			delete(p.channels, c.Fd())
			c.setPollerState(stateDeleted)
		}
	}
	return nil
}

func (p *pollPoller) RemoveChannel(c *Channel) error {
	delete(p.channels, c.Fd())
	c.setPollerState(stateNew)
	return nil
}

func (p *pollPoller) HasChannel(c *Channel) bool {
	got, ok := p.channels[c.Fd()]
	return ok && got == c
}

func (p *pollPoller) Close() error { return nil }
