package hub

import (
	"sync"
	"time"
)

// State tracks a connection through its lifecycle.
type State int32

const (
	StateConnecting State = iota
	StateSubscribed
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateClosing:
		return "closing"
	default:
		return "closed"
	}
}

// Connection is one live subscriber owned by the hub for its lifetime. Its
// bounded outbound queue decouples publishers from slow consumers.
type Connection struct {
	id     string
	userID string
	orgID  string
	events chan Event

	mu            sync.Mutex
	state         State
	lossy         bool
	acked         bool
	missedChecks  int
	lastEnqueueAt time.Time
}

// ID returns the connection identifier.
func (c *Connection) ID() string {
	return c.id
}

// UserID returns the subscribing user.
func (c *Connection) UserID() string {
	return c.userID
}

// OrgID returns the organization the connection is registered under.
func (c *Connection) OrgID() string {
	return c.orgID
}

// Events is the outbound stream the transport drains. It is closed when the
// connection reaches StateClosed.
func (c *Connection) Events() <-chan Event {
	return c.events
}

// State reports the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Lossy reports whether the queue has ever overflowed and dropped an event.
// A lossy connection stays alive; clients reconcile via a fresh read.
func (c *Connection) Lossy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lossy
}

// Ack records delivery progress. The transport calls it after each
// successful flush; a connection that stops acking fails heartbeat checks
// and is evicted.
func (c *Connection) Ack() {
	c.mu.Lock()
	c.acked = true
	c.mu.Unlock()
}

// enqueue places the event on the queue. When the queue is full the oldest
// pending event is discarded to make room and the connection is marked
// lossy. The publisher never blocks.
func (c *Connection) enqueue(event Event, now time.Time) (delivered, dropped bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateSubscribed {
		return false, false
	}
	c.lastEnqueueAt = now
	select {
	case c.events <- event:
		return true, false
	default:
	}
	select {
	case <-c.events:
	default:
	}
	c.lossy = true
	select {
	case c.events <- event:
		return true, true
	default:
		return false, true
	}
}

// idle reports whether nothing has been enqueued for at least interval.
func (c *Connection) idle(now time.Time, interval time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return now.Sub(c.lastEnqueueAt) >= interval
}

// checkLiveness runs one heartbeat check: an acked connection resets its
// miss counter, an idle one accrues a miss. Returns true when the miss
// budget is exhausted and the connection should be evicted.
func (c *Connection) checkLiveness(maxMisses int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateSubscribed {
		return false
	}
	if c.acked {
		c.acked = false
		c.missedChecks = 0
		return false
	}
	c.missedChecks++
	if c.missedChecks >= maxMisses {
		c.state = StateClosing
		return true
	}
	return false
}

// close moves the connection to Closed and releases the queue. Safe
// against concurrent enqueue: both hold the connection mutex.
func (c *Connection) close() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return false
	}
	c.state = StateClosed
	close(c.events)
	return true
}
