//go:build linux

package loop

import "github.com/tripleslash/trantor/poller"

// Tied is implemented by anything a Channel can tie its lifetime to
// (normally *conn.Connection). Tie stores a strong reference to it for
// as long as the Channel itself is referenced.
type Tied interface{}

// Channel owns one fd's interest mask within a Loop and dispatches
// readable/writable/close/error events to whichever callbacks are
// currently registered.
type Channel struct {
	loop *Loop
	fd   int

	reading bool
	writing bool
	added   bool

	tie Tied

	ReadCallback  func()
	WriteCallback func()
	CloseCallback func()
	ErrorCallback func()
}

// NewChannel creates a Channel for fd on loop. The channel is not yet
// registered with the poller until EnableReading or EnableWriting is
// called.
func NewChannel(l *Loop, fd int) *Channel {
	return &Channel{loop: l, fd: fd}
}

// Tie couples owner's lifetime to this channel: the channel keeps a
// reference to owner, so owner stays reachable while the channel is.
func (c *Channel) Tie(owner Tied) {
	c.tie = owner
}

func (c *Channel) ensureRegistered() error {
	if c.added {
		return c.loop.updateChannel(c)
	}
	c.added = true
	return c.loop.addChannel(c)
}

// EnableReading turns on read interest.
func (c *Channel) EnableReading() error {
	c.reading = true
	return c.ensureRegistered()
}

// DisableReading turns off read interest.
func (c *Channel) DisableReading() error {
	c.reading = false
	if !c.added {
		return nil
	}
	return c.loop.updateChannel(c)
}

// EnableWriting turns on write interest.
func (c *Channel) EnableWriting() error {
	c.writing = true
	return c.ensureRegistered()
}

// DisableWriting turns off write interest.
func (c *Channel) DisableWriting() error {
	c.writing = false
	if !c.added {
		return nil
	}
	return c.loop.updateChannel(c)
}

// IsWriting reports whether write interest is currently enabled.
func (c *Channel) IsWriting() bool {
	return c.writing
}

// IsReading reports whether read interest is currently enabled.
func (c *Channel) IsReading() bool {
	return c.reading
}

// DisableAll turns off both interests without deregistering from the
// poller.
func (c *Channel) DisableAll() error {
	c.reading = false
	c.writing = false
	if !c.added {
		return nil
	}
	return c.loop.updateChannel(c)
}

// Remove deregisters the channel from the poller entirely. The channel
// must have no enabled interest.
func (c *Channel) Remove() error {
	if !c.added {
		return nil
	}
	c.added = false
	return c.loop.removeChannel(c)
}

// Fd returns the channel's file descriptor.
func (c *Channel) Fd() int { return c.fd }

func (c *Channel) handleEvent(ev poller.Event) {
	if ev&poller.EventClosed != 0 && ev&poller.EventReadable == 0 {
		if c.CloseCallback != nil {
			c.CloseCallback()
		}
		return
	}
	if ev&poller.EventError != 0 {
		if c.ErrorCallback != nil {
			c.ErrorCallback()
		}
	}
	if ev&poller.EventReadable != 0 {
		if c.ReadCallback != nil {
			c.ReadCallback()
		}
	}
	if ev&poller.EventWritable != 0 {
		if c.WriteCallback != nil {
			c.WriteCallback()
		}
	}
}
