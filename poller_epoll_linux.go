//go:build linux

package reactor

import (
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const initEventListSize = 16

// epollPoller is the default Demultiplexer, a thin wrapper over epoll's
// level-triggered readiness API. It keeps its own fd -> *Channel map so it
// can tell an unchanged registration (EPOLL_CTL_MOD) from a fresh one
// (EPOLL_CTL_ADD), exactly the kNew/kAdded/kDeleted bookkeeping
// EPollPoller.cpp does.
type epollPoller struct {
	epfd     int
	events   []unix.EpollEvent
	channels map[int]*Channel
}

func newEpollPoller() (Demultiplexer, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "epoll_create1")
	}
	return &epollPoller{
		epfd:     epfd,
		events:   make([]unix.EpollEvent, initEventListSize),
		channels: make(map[int]*Channel),
	}, nil
}

func (p *epollPoller) Poll(timeout time.Duration, active []*Channel) ([]*Channel, time.Time, error) {
	timeoutMs := int(timeout / time.Millisecond)
	n, err := unix.EpollWait(p.epfd, p.events, timeoutMs)
	now := time.Now()
	if err != nil {
		if err == unix.EINTR {
			return active, now, nil
		}
		return active, now, errors.Wrap(err, "epoll_wait")
	}
	for i := 0; i < n; i++ {
		ev := p.events[i]
		ch := p.channels[int(ev.Fd)]
		if ch == nil {
			continue
		}
		ch.SetRevents(ev.Events)
		active = append(active, ch)
	}
	if n == len(p.events) {
		p.events = make([]unix.EpollEvent, len(p.events)*2)
	}
	return active, now, nil
}

func (p *epollPoller) UpdateChannel(c *Channel) error {
	switch c.pollerState() {
	case stateNew, stateDeleted:
		isNew := c.pollerState() == stateNew
		if isNew {
			p.channels[c.Fd()] = c
		}
		c.setPollerState(stateAdded)
		return p.ctl(unix.EPOLL_CTL_ADD, c)
	default:
		if c.IsNoneEvent() {
			if err := p.ctl(unix.EPOLL_CTL_DEL, c); err != nil {
				return err
			}
			c.setPollerState(stateDeleted)
			return nil
		}
		return p.ctl(unix.EPOLL_CTL_MOD, c)
	}
}

func (p *epollPoller) RemoveChannel(c *Channel) error {
	delete(p.channels, c.Fd())
	if c.pollerState() == stateAdded {
		if err := p.ctl(unix.EPOLL_CTL_DEL, c); err != nil {
			return err
		}
	}
	c.setPollerState(stateNew)
	return nil
}

func (p *epollPoller) HasChannel(c *Channel) bool {
	got, ok := p.channels[c.Fd()]
	return ok && got == c
}

func (p *epollPoller) Close() error {
	return unix.Close(p.epfd)
}

func (p *epollPoller) ctl(op int, c *Channel) error {
	ev := unix.EpollEvent{Events: c.Events(), Fd: int32(c.Fd())}
	err := unix.EpollCtl(p.epfd, op, c.Fd(), &ev)
	if err != nil {
		if op == unix.EPOLL_CTL_DEL {
			return errors.Wrap(err, "epoll_ctl del")
		}
		return errors.Wrap(err, "epoll_ctl add/mod")
	}
	return nil
}
