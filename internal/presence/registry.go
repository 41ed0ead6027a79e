package presence

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"cipherchat/internal/protocol"
)

// Conn is a live client connection as seen by the relay components.
type Conn interface {
	UserID() string
	// Send queues a frame for delivery. It reports false when the frame
	// could not be queued (connection closed or too slow).
	Send(frame protocol.Outbound) bool
}

// StatusRecorder persists presence changes outside the process.
type StatusRecorder interface {
	RecordStatus(ctx context.Context, userID string, status protocol.Status, lastSeen *time.Time) error
}

const (
	// recordTimeout bounds a single status write.
	recordTimeout = 5 * time.Second
	recordBacklog = 1024
)

// Registry maps user ids to their single active connection and fans
// status changes out to watchers. Registrations are last-connect-wins.
//
// Status writes go through a queue drained by one goroutine, in order,
// so a slow recorder never holds up Register or Unregister.
type Registry struct {
	mu       sync.Mutex
	conns    map[string]Conn
	watchers map[string]map[Conn]struct{} // watched uid -> watcher conns
	watching map[Conn][]string            // watcher conn -> watched uids

	recorder  StatusRecorder
	changes   chan statusChange
	stop      chan struct{}
	drained   chan struct{}
	closeOnce sync.Once

	log *zap.Logger
	now func() time.Time
}

type statusChange struct {
	ctx      context.Context
	userID   string
	status   protocol.Status
	lastSeen *time.Time
}

func NewRegistry(recorder StatusRecorder, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Registry{
		conns:    make(map[string]Conn),
		watchers: make(map[string]map[Conn]struct{}),
		watching: make(map[Conn][]string),
		recorder: recorder,
		stop:     make(chan struct{}),
		drained:  make(chan struct{}),
		log:      log,
		now:      time.Now,
	}
	if recorder == nil {
		close(r.drained)
		return r
	}
	r.changes = make(chan statusChange, recordBacklog)
	go r.drain()
	return r
}

// Register records conn as userID's connection, replacing any previous
// one, and announces the user as online. The replaced connection is
// returned; it stays open but no longer receives targeted events.
func (r *Registry) Register(ctx context.Context, userID string, conn Conn) Conn {
	r.mu.Lock()
	prev := r.conns[userID]
	r.conns[userID] = conn
	watchers := r.watchersOf(userID)
	r.mu.Unlock()

	if prev != nil && prev != conn {
		r.log.Info("connection replaced", zap.String("uid", userID))
	}

	r.record(ctx, userID, protocol.StatusOnline, nil)
	notify(watchers, protocol.NewStatusUpdate(userID, protocol.StatusOnline, nil))
	return prev
}

// Unregister removes userID's mapping if conn is still the registered
// connection and announces the user as offline. It reports whether the
// mapping was removed; a replaced connection going away changes nothing.
func (r *Registry) Unregister(ctx context.Context, userID string, conn Conn) bool {
	r.mu.Lock()
	current, ok := r.conns[userID]
	if !ok || current != conn {
		r.mu.Unlock()
		return false
	}
	delete(r.conns, userID)
	watchers := r.watchersOf(userID)
	r.mu.Unlock()

	lastSeen := r.now().UTC()
	r.record(ctx, userID, protocol.StatusOffline, &lastSeen)
	notify(watchers, protocol.NewStatusUpdate(userID, protocol.StatusOffline, &lastSeen))
	return true
}

// Lookup returns the active connection for userID. A miss means the user
// is offline.
func (r *Registry) Lookup(userID string) (Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[userID]
	return c, ok
}

func (r *Registry) Online(userID string) bool {
	_, ok := r.Lookup(userID)
	return ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Subscribe makes watcher receive statusUpdate events for every id in
// userIDs. Blank ids are ignored.
func (r *Registry) Subscribe(watcher Conn, userIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range userIDs {
		if id == "" {
			continue
		}
		set, ok := r.watchers[id]
		if !ok {
			set = make(map[Conn]struct{})
			r.watchers[id] = set
		}
		if _, dup := set[watcher]; dup {
			continue
		}
		set[watcher] = struct{}{}
		r.watching[watcher] = append(r.watching[watcher], id)
	}
}

// Forget drops every subscription held by watcher.
func (r *Registry) Forget(watcher Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range r.watching[watcher] {
		set := r.watchers[id]
		delete(set, watcher)
		if len(set) == 0 {
			delete(r.watchers, id)
		}
	}
	delete(r.watching, watcher)
}

// Close drops all registrations and subscriptions, then waits for
// queued status writes to finish. Changes after Close are not recorded.
func (r *Registry) Close() {
	r.mu.Lock()
	r.conns = make(map[string]Conn)
	r.watchers = make(map[string]map[Conn]struct{})
	r.watching = make(map[Conn][]string)
	r.mu.Unlock()

	r.closeOnce.Do(func() { close(r.stop) })
	<-r.drained
}

// watchersOf must be called with r.mu held.
func (r *Registry) watchersOf(userID string) []Conn {
	set := r.watchers[userID]
	out := make([]Conn, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}

// record queues a status write. It never blocks: a full backlog drops
// the change with a warning.
func (r *Registry) record(ctx context.Context, userID string, status protocol.Status, lastSeen *time.Time) {
	if r.changes == nil {
		return
	}
	select {
	case <-r.stop:
		return
	default:
	}
	select {
	case r.changes <- statusChange{ctx: context.WithoutCancel(ctx), userID: userID, status: status, lastSeen: lastSeen}:
	default:
		r.log.Warn("status backlog full, dropping change", zap.String("uid", userID), zap.String("status", string(status)))
	}
}

// drain writes queued changes until Close, then flushes what is left.
func (r *Registry) drain() {
	defer close(r.drained)
	for {
		select {
		case c := <-r.changes:
			r.write(c)
		case <-r.stop:
			for {
				select {
				case c := <-r.changes:
					r.write(c)
				default:
					return
				}
			}
		}
	}
}

func (r *Registry) write(c statusChange) {
	ctx, cancel := context.WithTimeout(c.ctx, recordTimeout)
	defer cancel()
	if err := r.recorder.RecordStatus(ctx, c.userID, c.status, c.lastSeen); err != nil {
		r.log.Warn("record status failed", zap.String("uid", c.userID), zap.String("status", string(c.status)), zap.Error(err))
	}
}

func notify(watchers []Conn, frame protocol.Outbound) {
	for _, w := range watchers {
		w.Send(frame)
	}
}
