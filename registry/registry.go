// Package registry tracks the active streaming subscribers and fans
// snapshots out to them.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cloudbox/pulse"
)

const defaultSendTimeout = 2 * time.Second

// State is the lifecycle state of a Connection.
type State int32

const (
	Active State = iota
	Closed
	// Syncing connections are registered but still waiting on their
	// initial snapshot. Broadcast skips them.
	Syncing
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Closed:
		return "closed"
	case Syncing:
		return "syncing"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// A Connection is one registered subscriber. The registry only holds it
// for iteration and removal; the transport behind Sender owns the wire.
type Connection struct {
	id     uuid.UUID
	sender pulse.Sender
	state  atomic.Int32
	closed chan struct{}
}

// ID returns the connection's unique id.
func (c *Connection) ID() uuid.UUID {
	return c.id
}

// State returns the current state.
func (c *Connection) State() State {
	return State(c.state.Load())
}

// Done is closed once the connection leaves the registry.
func (c *Connection) Done() <-chan struct{} {
	return c.closed
}

// close marks the connection Closed. It reports whether this call did the transition.
func (c *Connection) close() bool {
	for {
		cur := c.state.Load()
		if State(cur) == Closed {
			return false
		}
		if c.state.CompareAndSwap(cur, int32(Closed)) {
			close(c.closed)
			return true
		}
	}
}

// Result summarises one broadcast pass.
type Result struct {
	Delivered int
	Evicted   int
}

type Config struct {
	// SendTimeout bounds each delivery attempt.
	SendTimeout time.Duration
	Logger      zerolog.Logger
}

// Registry is the set of active subscribers.
type Registry struct {
	mu    sync.RWMutex
	conns map[uuid.UUID]*Connection

	sendTimeout time.Duration
	log         zerolog.Logger
}

func New(c Config) *Registry {
	timeout := c.SendTimeout
	if timeout <= 0 {
		timeout = defaultSendTimeout
	}

	return &Registry{
		conns:       make(map[uuid.UUID]*Connection),
		sendTimeout: timeout,
		log:         c.Logger,
	}
}

// Register adds a connection for sender and delivers initial to it. The
// connection stays Syncing, invisible to Broadcast, until that delivery
// succeeds, so initial is always the first snapshot the sender sees. If
// the delivery fails, the connection is removed again and the error is
// returned.
func (r *Registry) Register(ctx context.Context, sender pulse.Sender, initial pulse.Snapshot) (*Connection, error) {
	conn := &Connection{
		id:     uuid.New(),
		sender: sender,
		closed: make(chan struct{}),
	}
	conn.state.Store(int32(Syncing))

	r.mu.Lock()
	r.conns[conn.id] = conn
	r.mu.Unlock()

	if err := r.send(ctx, conn, Syncing, initial); err != nil {
		r.Unregister(conn)
		return nil, fmt.Errorf("initial sync: %w", err)
	}

	// unregistered while the initial snapshot was in flight
	if !conn.state.CompareAndSwap(int32(Syncing), int32(Active)) {
		return nil, fmt.Errorf("initial sync: %w", pulse.ErrSubscriberClosed)
	}

	r.log.Debug().
		Str("subscriber", conn.id.String()).
		Msg("Subscriber Registered")

	return conn, nil
}

// Unregister removes conn regardless of its state. It is idempotent.
func (r *Registry) Unregister(conn *Connection) {
	if conn == nil {
		return
	}

	r.mu.Lock()
	delete(r.conns, conn.id)
	r.mu.Unlock()

	if conn.close() {
		r.log.Debug().
			Str("subscriber", conn.id.String()).
			Msg("Subscriber Unregistered")
	}
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Broadcast delivers s to every Active connection in a point-in-time view
// of the set. Deliveries run concurrently, so one slow subscriber does not
// hold up the others. Connections whose delivery fails are closed and
// removed together once every delivery attempt has finished.
func (r *Registry) Broadcast(ctx context.Context, s pulse.Snapshot) Result {
	r.mu.RLock()
	view := make([]*Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		view = append(view, conn)
	}
	r.mu.RUnlock()

	if len(view) == 0 {
		return Result{}
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed []*Connection
		res    Result
	)

	for _, conn := range view {
		if conn.State() != Active {
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()

			err := r.send(ctx, conn, Active, s)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				r.log.Debug().
					Err(err).
					Str("subscriber", conn.id.String()).
					Msg("Delivery Failed")
				failed = append(failed, conn)
				return
			}
			res.Delivered++
		}()
	}

	wg.Wait()

	if len(failed) > 0 {
		r.mu.Lock()
		for _, conn := range failed {
			delete(r.conns, conn.id)
			if conn.close() {
				res.Evicted++
			}
		}
		r.mu.Unlock()
	}

	return res
}

// Close removes and closes every connection.
func (r *Registry) Close() {
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[uuid.UUID]*Connection)
	r.mu.Unlock()

	for _, conn := range conns {
		conn.close()
	}
}

func (r *Registry) send(ctx context.Context, conn *Connection, want State, s pulse.Snapshot) (err error) {
	if conn.State() != want {
		return pulse.ErrSubscriberClosed
	}

	ctx, cancel := context.WithTimeout(ctx, r.sendTimeout)
	defer cancel()

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("sender panic: %v", p)
		}
	}()

	err = conn.sender.Send(ctx, s)
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", pulse.ErrSendTimeout, err)
	}
	return err
}
