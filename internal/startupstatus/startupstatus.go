// Package startupstatus is a supplemented feature (see SPEC_FULL.md): a
// small thread-safe fan-out broadcaster that lets callers subscribe to
// startup progress lines while the daemon is still coming up, then stops
// accepting new subscribers once startup completes. Grounded on
// original_source/eden/fs/service/StartupStatusSubscriber.h's
// StartupStatusChannel: subscribe/publish/startupCompleted, one internal
// lock, subscribers invoked inline from publish.
package startupstatus

import "sync"

// Subscriber receives startup status lines. Publish is called with the
// channel's internal lock held, so a Subscriber must not block and must
// not call back into the Channel that is calling it.
type Subscriber func(line string)

// Channel tracks subscribers to a single daemon's startup sequence.
type Channel struct {
	mu        sync.Mutex
	closed    bool
	subscribers []Subscriber
}

// NewChannel returns a Channel ready to accept subscribers.
func NewChannel() *Channel {
	return &Channel{}
}

// Subscribe adds sub to the subscription list. If startup has already
// completed, Subscribe is a no-op: sub will never be called, mirroring the
// C++ channel refusing new subscribers once subscribersClosed is set.
func (c *Channel) Subscribe(sub Subscriber) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.subscribers = append(c.subscribers, sub)
}

// Publish forwards data to every current subscriber, inline and in
// subscription order. A slow subscriber blocks startup progress, so
// callers should keep their Subscriber implementations cheap (post a
// message elsewhere and return).
func (c *Channel) Publish(data string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	for _, sub := range c.subscribers {
		sub(data)
	}
}

// StartupCompleted clears every subscriber and refuses any future ones.
func (c *Channel) StartupCompleted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.subscribers = nil
}
