// Package realtime pushes bell notifications to users' live SSE and
// WebSocket connections.
package realtime

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/lalithlochan/herald/internal/metrics"
)

// ErrConnectionClosed is returned by Next once a connection is closed.
var ErrConnectionClosed = errors.New("connection closed")

// Pusher delivers a serialized payload to every live connection of a user.
type Pusher interface {
	PushToUser(ctx context.Context, userID int64, payload string) error
}

// Connection is one client's ordered, unbounded queue of payloads. Pushes
// never block; a single consumer drains it with Next.
type Connection struct {
	mu     sync.Mutex
	queue  []string
	closed bool
	signal chan struct{}
}

func newConnection() *Connection {
	return &Connection{signal: make(chan struct{}, 1)}
}

func (c *Connection) enqueue(payload string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.queue = append(c.queue, payload)
	c.mu.Unlock()

	select {
	case c.signal <- struct{}{}:
	default:
	}
}

// Next blocks until a payload is queued, the connection is closed, or ctx
// is done. Payloads queued before Close are still returned.
func (c *Connection) Next(ctx context.Context) (string, error) {
	for {
		c.mu.Lock()
		if len(c.queue) > 0 {
			payload := c.queue[0]
			c.queue[0] = ""
			c.queue = c.queue[1:]
			c.mu.Unlock()
			return payload, nil
		}
		closed := c.closed
		c.mu.Unlock()

		if closed {
			return "", ErrConnectionClosed
		}

		select {
		case <-c.signal:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// Close stops the connection from accepting payloads and wakes a waiting
// Next.
func (c *Connection) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	select {
	case c.signal <- struct{}{}:
	default:
	}
}

// Pending returns the number of queued payloads.
func (c *Connection) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

type userConns struct {
	mu    sync.Mutex
	conns []*Connection
	// dead is set once the entry has been removed from the registry map;
	// adders that raced with removal retry against a fresh entry.
	dead bool
}

// Registry maps users to their live connections. Each user's list has its
// own lock, so operations on different users never contend.
type Registry struct {
	users  sync.Map // int64 -> *userConns
	closed atomic.Bool
}

// NewRegistry creates an empty Registry. One is created per process and
// passed to every component that pushes or serves connections.
func NewRegistry() *Registry {
	return &Registry{}
}

// AddConnection registers and returns a new connection for userID.
func (r *Registry) AddConnection(userID int64) *Connection {
	conn := newConnection()

	for {
		v, _ := r.users.LoadOrStore(userID, &userConns{})
		uc := v.(*userConns)

		uc.mu.Lock()
		if uc.dead {
			uc.mu.Unlock()
			continue
		}
		uc.conns = append(uc.conns, conn)
		if r.closed.Load() {
			conn.Close()
		}
		uc.mu.Unlock()

		metrics.AddRealtimeConnections(1)
		return conn
	}
}

// RemoveConnection unregisters and closes conn. The user's entry is pruned
// when its last connection goes.
func (r *Registry) RemoveConnection(userID int64, conn *Connection) {
	defer conn.Close()

	v, ok := r.users.Load(userID)
	if !ok {
		return
	}
	uc := v.(*userConns)

	uc.mu.Lock()
	defer uc.mu.Unlock()

	i := slices.Index(uc.conns, conn)
	if i < 0 {
		return
	}
	uc.conns = slices.Delete(uc.conns, i, i+1)
	metrics.AddRealtimeConnections(-1)

	if len(uc.conns) == 0 {
		uc.dead = true
		r.users.CompareAndDelete(userID, uc)
	}
}

// PushToUser queues payload on a snapshot of the user's connections. A user
// with no connections is a no-op.
func (r *Registry) PushToUser(ctx context.Context, userID int64, payload string) error {
	v, ok := r.users.Load(userID)
	if !ok {
		return nil
	}
	uc := v.(*userConns)

	uc.mu.Lock()
	snapshot := slices.Clone(uc.conns)
	uc.mu.Unlock()

	for _, c := range snapshot {
		c.enqueue(payload)
	}
	return nil
}

// Close closes every registered connection so blocked Next calls return
// ErrConnectionClosed. Connections added afterwards start closed. Safe to
// call more than once.
func (r *Registry) Close() {
	r.closed.Store(true)

	r.users.Range(func(_, v any) bool {
		uc := v.(*userConns)
		uc.mu.Lock()
		for _, c := range uc.conns {
			c.Close()
		}
		uc.mu.Unlock()
		return true
	})
}

// ConnectionCount returns the number of live connections of a user.
func (r *Registry) ConnectionCount(userID int64) int {
	v, ok := r.users.Load(userID)
	if !ok {
		return 0
	}
	uc := v.(*userConns)

	uc.mu.Lock()
	defer uc.mu.Unlock()
	return len(uc.conns)
}
