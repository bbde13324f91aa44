package metastore

import (
	"sort"
	"sync"
	"sync/atomic"
)

// Session is one client connection to a Server. It implements Client.
//
// Watch callbacks run on a single goroutine per session, in the order the
// server queued them; a slow callback delays later events of the same
// session only.
type Session struct {
	id     int64
	server *Server

	// guarded by server.mu
	expired    bool
	ephemerals map[string]struct{}
	watches    map[int64]*Watch

	qmu    sync.Mutex
	queue  []pending
	signal chan struct{}
	done   chan struct{}
	once   sync.Once
}

var _ Client = (*Session)(nil)

// Watch is a persistent registration on one path.
type Watch struct {
	id        int64
	path      string
	kind      WatchKind
	fn        func(Event)
	session   *Session
	cancelled atomic.Bool
}

// Path returns the watched path.
func (w *Watch) Path() string { return w.path }

// Kind returns the watch kind.
func (w *Watch) Kind() WatchKind { return w.kind }

// Active reports whether the watch is still armed.
func (w *Watch) Active() bool { return !w.cancelled.Load() }

// Cancel disarms the watch. Events already queued are dropped.
func (w *Watch) Cancel() {
	if w.cancelled.Load() {
		return
	}
	w.session.server.cancelWatch(w)
}

func (s *Session) init() {
	s.ephemerals = make(map[string]struct{})
	s.watches = make(map[int64]*Watch)
}

// SessionID implements Client.
func (s *Session) SessionID() int64 { return s.id }

// Create implements Client.
func (s *Session) Create(p string, data []byte, mode CreateMode) (string, error) {
	return s.server.create(s, p, data, mode)
}

// Get implements Client.
func (s *Session) Get(p string) ([]byte, Stat, error) {
	return s.server.get(s, p)
}

// Set implements Client.
func (s *Session) Set(p string, data []byte, version int32) (Stat, error) {
	return s.server.set(s, p, data, version)
}

// Delete implements Client.
func (s *Session) Delete(p string, version int32) error {
	return s.server.delete(s, p, version)
}

// Exists implements Client.
func (s *Session) Exists(p string) (bool, error) {
	return s.server.exists(s, p)
}

// Children implements Client.
func (s *Session) Children(p string) ([]string, error) {
	return s.server.children(s, p)
}

// Watch implements Client.
func (s *Session) Watch(p string, kind WatchKind, fn func(Event)) (*Watch, error) {
	return s.server.watch(s, p, kind, fn)
}

// Done implements Client.
func (s *Session) Done() <-chan struct{} { return s.done }

// Ping returns ErrSessionExpired once the session has ended.
func (s *Session) Ping() error {
	select {
	case <-s.done:
		return ErrSessionExpired
	default:
		return nil
	}
}

// Close ends the session the same way an expiry does.
func (s *Session) Close() error {
	s.Expire()
	return nil
}

// Expire simulates a session loss: ephemeral nodes are removed, watches are
// released and every later call fails with ErrSessionExpired.
func (s *Session) Expire() {
	if s.server.expire(s) {
		s.server.logger.Debug().Int64("session", s.id).Msg("session ended")
	}
	s.once.Do(func() { close(s.done) })
}

func (s *Session) watchList() []*Watch {
	out := make([]*Watch, 0, len(s.watches))
	for _, w := range s.watches {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (s *Session) enqueue(p pending) {
	s.qmu.Lock()
	s.queue = append(s.queue, p)
	s.qmu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Session) deliverLoop() {
	for {
		select {
		case <-s.done:
			return
		case <-s.signal:
		}
		for {
			s.qmu.Lock()
			batch := s.queue
			s.queue = nil
			s.qmu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, p := range batch {
				if p.watch.cancelled.Load() {
					continue
				}
				p.watch.fn(p.event)
			}
		}
	}
}
