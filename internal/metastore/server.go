package metastore

import (
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog"

	"github.com/dreamware/converge/internal/storage"
)

type node struct {
	data     []byte
	stat     Stat
	children map[string]struct{}
	seq      int64
}

// record is the persisted form of a persistent node.
type record struct {
	Data     []byte    `json:"data,omitempty"`
	Version  int32     `json:"version"`
	Seq      int64     `json:"seq,omitempty"`
	Created  time.Time `json:"created"`
	Modified time.Time `json:"modified"`
}

type pending struct {
	watch *Watch
	event Event
}

// Server is an embedded, in-process metadata store: a tree of nodes with
// sessions, ephemeral nodes and persistent watches. Persistent nodes are
// written through to a storage.Store so the tree survives a restart when the
// backend is durable.
type Server struct {
	mu      sync.Mutex
	nodes   map[string]*node
	watches map[string]map[int64]*Watch

	sessions    *xsync.Map[int64, *Session]
	nextSession atomic.Int64
	nextWatch   int64

	backend storage.Store
	logger  zerolog.Logger
	closed  bool
}

// NewServer creates a server backed by backend and reloads any persistent
// nodes the backend already holds.
func NewServer(backend storage.Store, logger zerolog.Logger) (*Server, error) {
	if backend == nil {
		backend = storage.NewMemoryStore()
	}
	now := time.Now()
	s := &Server{
		nodes: map[string]*node{
			"/": {children: map[string]struct{}{}, stat: Stat{Created: now, Modified: now}},
		},
		watches:  make(map[string]map[int64]*Watch),
		sessions: xsync.NewMap[int64, *Session](),
		backend:  backend,
		logger:   logger.With().Str("layer", "metastore").Logger(),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Server) load() error {
	keys, err := s.backend.List("/")
	if err != nil {
		return fmt.Errorf("list persisted nodes: %w", err)
	}
	// Lexical order puts every parent before its children.
	for _, key := range keys {
		raw, err := s.backend.Get(key)
		if err != nil {
			return fmt.Errorf("load %s: %w", key, err)
		}
		var rec record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		parent, ok := s.nodes[parentOf(key)]
		if !ok {
			s.logger.Warn().Str("path", key).Msg("skipping persisted node without parent")
			continue
		}
		s.nodes[key] = &node{
			data:     rec.Data,
			children: map[string]struct{}{},
			seq:      rec.Seq,
			stat: Stat{
				Version:  rec.Version,
				Created:  rec.Created,
				Modified: rec.Modified,
			},
		}
		parent.children[path.Base(key)] = struct{}{}
	}
	if len(keys) > 0 {
		s.logger.Info().Int("nodes", len(keys)).Msg("reloaded persistent nodes")
	}
	return nil
}

// Connect opens a new session.
func (s *Server) Connect() *Session {
	sess := &Session{
		id:     s.nextSession.Add(1),
		server: s,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	sess.init()
	s.sessions.Store(sess.id, sess)
	go sess.deliverLoop()
	return sess
}

// NumberOfListeners returns the number of armed watches on p across all
// sessions, of either kind.
func (s *Server) NumberOfListeners(p string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watches[p])
}

// ListenerPaths returns every path that currently has at least one watch.
func (s *Server) ListenerPaths() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.watches))
	for p, ws := range s.watches {
		out[p] = len(ws)
	}
	return out
}

// Sessions returns the number of open sessions.
func (s *Server) Sessions() int {
	return s.sessions.Size()
}

// Close expires every session. The backend is left open; it belongs to the
// caller.
func (s *Server) Close() error {
	var open []*Session
	s.sessions.Range(func(_ int64, sess *Session) bool {
		open = append(open, sess)
		return true
	})
	for _, sess := range open {
		sess.Expire()
	}
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *Server) create(sess *Session, p string, data []byte, mode CreateMode) (string, error) {
	if err := validatePath(p); err != nil {
		return "", err
	}
	if p == "/" {
		return "", ErrNodeExists
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkSession(sess); err != nil {
		return "", err
	}

	parentPath := parentOf(p)
	parent, ok := s.nodes[parentPath]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoParent, parentPath)
	}
	if parent.stat.Ephemeral {
		return "", fmt.Errorf("%w: %s", ErrEphemeralParent, parentPath)
	}

	actual := p
	if mode == EphemeralSequential {
		parent.seq++
		actual = fmt.Sprintf("%s%010d", p, parent.seq)
		if parentPath != "/" {
			if err := s.persistSeq(parentPath, parent); err != nil {
				parent.seq--
				return "", err
			}
		}
	}
	if _, exists := s.nodes[actual]; exists {
		return "", fmt.Errorf("%w: %s", ErrNodeExists, actual)
	}

	now := time.Now()
	n := &node{
		data:     append([]byte(nil), data...),
		children: map[string]struct{}{},
		stat:     Stat{Created: now, Modified: now},
	}
	if mode != Persistent {
		n.stat.Ephemeral = true
		n.stat.Owner = sess.id
	} else if err := s.persist(actual, n); err != nil {
		return "", err
	}

	s.nodes[actual] = n
	parent.children[path.Base(actual)] = struct{}{}
	if n.stat.Ephemeral {
		sess.ephemerals[actual] = struct{}{}
	}

	s.notify(actual, WatchData, EventNodeCreated)
	s.notify(parentPath, WatchChildren, EventNodeChildrenChanged)
	return actual, nil
}

func (s *Server) get(sess *Session, p string) ([]byte, Stat, error) {
	if err := validatePath(p); err != nil {
		return nil, Stat{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkSession(sess); err != nil {
		return nil, Stat{}, err
	}
	n, ok := s.nodes[p]
	if !ok {
		return nil, Stat{}, fmt.Errorf("%w: %s", ErrNoNode, p)
	}
	return append([]byte(nil), n.data...), n.statCopy(), nil
}

func (s *Server) set(sess *Session, p string, data []byte, version int32) (Stat, error) {
	if err := validatePath(p); err != nil {
		return Stat{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkSession(sess); err != nil {
		return Stat{}, err
	}
	n, ok := s.nodes[p]
	if !ok {
		return Stat{}, fmt.Errorf("%w: %s", ErrNoNode, p)
	}
	if version != AnyVersion && version != n.stat.Version {
		return Stat{}, fmt.Errorf("%w: %s at %d, expected %d", ErrBadVersion, p, n.stat.Version, version)
	}

	updated := *n
	updated.data = append([]byte(nil), data...)
	updated.stat.Version++
	updated.stat.Modified = time.Now()
	if !updated.stat.Ephemeral {
		if err := s.persist(p, &updated); err != nil {
			return Stat{}, err
		}
	}
	n.data = updated.data
	n.stat = updated.stat

	s.notify(p, WatchData, EventNodeDataChanged)
	return n.statCopy(), nil
}

func (s *Server) delete(sess *Session, p string, version int32) error {
	if err := validatePath(p); err != nil {
		return err
	}
	if p == "/" {
		return fmt.Errorf("%w: cannot delete root", ErrBadPath)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkSession(sess); err != nil {
		return err
	}
	n, ok := s.nodes[p]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoNode, p)
	}
	if version != AnyVersion && version != n.stat.Version {
		return fmt.Errorf("%w: %s at %d, expected %d", ErrBadVersion, p, n.stat.Version, version)
	}
	if len(n.children) > 0 {
		return fmt.Errorf("%w: %s", ErrNotEmpty, p)
	}
	if !n.stat.Ephemeral {
		if err := s.backend.Delete(p); err != nil {
			return fmt.Errorf("unpersist %s: %w", p, err)
		}
	}
	s.removeLocked(p, n)
	return nil
}

// removeLocked drops a childless node and fires its events.
func (s *Server) removeLocked(p string, n *node) {
	delete(s.nodes, p)
	parentPath := parentOf(p)
	if parent, ok := s.nodes[parentPath]; ok {
		delete(parent.children, path.Base(p))
	}
	if n.stat.Ephemeral {
		if owner, ok := s.sessions.Load(n.stat.Owner); ok {
			delete(owner.ephemerals, p)
		}
	}
	s.notify(p, WatchData, EventNodeDeleted)
	s.notify(p, WatchChildren, EventNodeDeleted)
	s.notify(parentPath, WatchChildren, EventNodeChildrenChanged)
}

func (s *Server) exists(sess *Session, p string) (bool, error) {
	if err := validatePath(p); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkSession(sess); err != nil {
		return false, err
	}
	_, ok := s.nodes[p]
	return ok, nil
}

func (s *Server) children(sess *Session, p string) ([]string, error) {
	if err := validatePath(p); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkSession(sess); err != nil {
		return nil, err
	}
	n, ok := s.nodes[p]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoNode, p)
	}
	out := make([]string, 0, len(n.children))
	for name := range n.children {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Server) watch(sess *Session, p string, kind WatchKind, fn func(Event)) (*Watch, error) {
	if err := validatePath(p); err != nil {
		return nil, err
	}
	if fn == nil {
		return nil, errors.New("metastore: nil watch callback")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkSession(sess); err != nil {
		return nil, err
	}
	s.nextWatch++
	w := &Watch{id: s.nextWatch, path: p, kind: kind, fn: fn, session: sess}
	if s.watches[p] == nil {
		s.watches[p] = make(map[int64]*Watch)
	}
	s.watches[p][w.id] = w
	sess.watches[w.id] = w
	return w, nil
}

func (s *Server) cancelWatch(w *Watch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropWatchLocked(w)
}

func (s *Server) dropWatchLocked(w *Watch) {
	w.cancelled.Store(true)
	if ws, ok := s.watches[w.path]; ok {
		delete(ws, w.id)
		if len(ws) == 0 {
			delete(s.watches, w.path)
		}
	}
	delete(w.session.watches, w.id)
}

// expire ends sess: its ephemeral nodes are removed, firing events to other
// sessions, and its watches are released.
func (s *Server) expire(sess *Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess.expired {
		return false
	}
	sess.expired = true

	for _, w := range sess.watchList() {
		s.dropWatchLocked(w)
	}

	owned := make([]string, 0, len(sess.ephemerals))
	for p := range sess.ephemerals {
		owned = append(owned, p)
	}
	sort.Strings(owned)
	for _, p := range owned {
		if n, ok := s.nodes[p]; ok {
			s.removeLocked(p, n)
		}
	}
	s.sessions.Delete(sess.id)
	return true
}

func (s *Server) checkSession(sess *Session) error {
	if sess.expired || s.closed {
		return ErrSessionExpired
	}
	return nil
}

// notify queues ev for every watch of kind on p. Queuing happens under the
// server lock so per-session delivery order matches mutation order.
func (s *Server) notify(p string, kind WatchKind, t EventType) {
	ws := s.watches[p]
	if len(ws) == 0 {
		return
	}
	ids := make([]int64, 0, len(ws))
	for id, w := range ws {
		if w.kind == kind {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		w := ws[id]
		w.session.enqueue(pending{watch: w, event: Event{Type: t, Path: p}})
	}
}

func (s *Server) persist(p string, n *node) error {
	raw, err := json.Marshal(record{
		Data:     n.data,
		Version:  n.stat.Version,
		Seq:      n.seq,
		Created:  n.stat.Created,
		Modified: n.stat.Modified,
	})
	if err != nil {
		return err
	}
	if err := s.backend.Put(p, raw); err != nil {
		return fmt.Errorf("persist %s: %w", p, err)
	}
	return nil
}

// persistSeq keeps the sequence counter of a persistent parent durable so
// tickets never repeat across restarts.
func (s *Server) persistSeq(p string, n *node) error {
	if n.stat.Ephemeral {
		return nil
	}
	return s.persist(p, n)
}

func (n *node) statCopy() Stat {
	st := n.stat
	st.NumChildren = len(n.children)
	return st
}
