// Package registry tracks the live peer connections of a server.
//
// Every accepted transport gets an opaque identifier and an Entry holding the
// transport and its backlog of received messages. Entries move through
//
//	Accepted → Active → Closing → Removed
//
// The accept loop inserts, the teardown path removes, and the receive and send
// loops iterate, all concurrently. The map is a sharded concurrent map, so
// none of these needs an external lock.
package registry

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"
	"go.uber.org/zap"

	"tasksocket/protocol"
	"tasksocket/transport"
)

var ErrNotFound = errors.New("registry: connection not found")

// ID identifies one accepted connection. It is a random UUID, never an index,
// so accept order and removal order are unrelated.
type ID string

func (id ID) String() string { return string(id) }

// State is the lifecycle stage of an Entry.
type State int32

const (
	StateAccepted State = iota
	StateActive
	StateClosing
	StateRemoved
)

func (s State) String() string {
	switch s {
	case StateAccepted:
		return "accepted"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateRemoved:
		return "removed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Entry is one registered connection.
type Entry struct {
	id       ID
	conn     net.Conn
	accepted time.Time
	state    atomic.Int32

	mu      sync.Mutex
	backlog []string

	// Only touched by the receive loop, one receive per entry at a time.
	assembler protocol.Assembler

	closeOnce sync.Once
	closeErr  error
}

func (e *Entry) ID() ID                { return e.id }
func (e *Entry) Conn() net.Conn        { return e.conn }
func (e *Entry) AcceptedAt() time.Time { return e.accepted }
func (e *Entry) State() State          { return State(e.state.Load()) }

// RemoteAddr returns the peer address, or "" if unknown.
func (e *Entry) RemoteAddr() string {
	if a := e.conn.RemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}

// Append adds a received message to the backlog.
func (e *Entry) Append(msg string) {
	e.mu.Lock()
	e.backlog = append(e.backlog, msg)
	e.mu.Unlock()
}

// Backlog returns a copy of the received messages in arrival order.
func (e *Entry) Backlog() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.backlog...)
}

// Assembler returns the framing buffer of this connection.
func (e *Entry) Assembler() *protocol.Assembler {
	return &e.assembler
}

// close shuts the transport down exactly once.
func (e *Entry) close() error {
	e.closeOnce.Do(func() {
		e.state.Store(int32(StateClosing))
		e.closeErr = transport.Shutdown(e.conn)
		e.state.Store(int32(StateRemoved))
	})
	return e.closeErr
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// OnRemove registers fn to run after an entry was torn down. The entry's
// backlog is still readable.
func OnRemove(fn func(*Entry)) Option {
	return func(r *Registry) { r.onRemove = append(r.onRemove, fn) }
}

// Registry maps identifiers to entries.
type Registry struct {
	entries  cmap.ConcurrentMap[string, *Entry]
	logger   *zap.Logger
	onRemove []func(*Entry)
}

// New returns an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		entries: cmap.New[*Entry](),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Add registers conn under a new identifier. The entry is fully built before
// it becomes visible, so readers never observe a half-constructed entry.
func (r *Registry) Add(conn net.Conn) *Entry {
	if conn == nil {
		panic("registry: nil transport")
	}
	e := &Entry{
		id:       ID(uuid.NewString()),
		conn:     conn,
		accepted: time.Now(),
	}
	e.state.Store(int32(StateAccepted))
	e.state.Store(int32(StateActive))
	r.entries.Set(string(e.id), e)

	r.logger.Debug("connection registered", zap.Stringer("conn", e.id), zap.String("remote", e.RemoteAddr()))
	return e
}

// Get returns the entry for id.
func (r *Registry) Get(id ID) (*Entry, error) {
	e, ok := r.entries.Get(string(id))
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e, nil
}

// Active returns the Active entries, oldest first.
func (r *Registry) Active() []*Entry {
	out := make([]*Entry, 0, r.entries.Count())
	for _, e := range r.entries.Items() {
		if e.State() == StateActive {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].accepted.Equal(out[j].accepted) {
			return out[i].id < out[j].id
		}
		return out[i].accepted.Before(out[j].accepted)
	})
	return out
}

// IDs returns the identifiers of the Active entries, oldest first.
func (r *Registry) IDs() []ID {
	entries := r.Active()
	ids := make([]ID, len(entries))
	for i, e := range entries {
		ids[i] = e.id
	}
	return ids
}

// Len returns the number of registered entries.
func (r *Registry) Len() int {
	return r.entries.Count()
}

// Append adds msg to the backlog of id.
func (r *Registry) Append(id ID, msg string) error {
	e, err := r.Get(id)
	if err != nil {
		return err
	}
	e.Append(msg)
	return nil
}

// Backlog returns the backlog of id.
func (r *Registry) Backlog(id ID) ([]string, error) {
	e, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	return e.Backlog(), nil
}

// Remove unregisters id and shuts its transport down. Concurrent calls for
// the same id tear down once; the losers get ErrNotFound. The returned error
// is the shutdown error, if any; the transport is released regardless.
func (r *Registry) Remove(id ID) error {
	e, ok := r.entries.Pop(string(id))
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	err := e.close()
	if err != nil {
		r.logger.Warn("connection shutdown", zap.Stringer("conn", id), zap.Error(err))
	}
	r.logger.Debug("connection removed", zap.Stringer("conn", id), zap.String("remote", e.RemoteAddr()))
	for _, fn := range r.onRemove {
		fn(e)
	}
	return err
}

// Close removes every entry and returns the joined shutdown errors.
func (r *Registry) Close() error {
	var errs []error
	for _, key := range r.entries.Keys() {
		if err := r.Remove(ID(key)); err != nil && !errors.Is(err, ErrNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
