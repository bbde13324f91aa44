package metastore

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/converge/internal/storage"
)

func newServer(t *testing.T) *Server {
	t.Helper()
	s, err := NewServer(storage.NewMemoryStore(), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) record(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// TestCreateGetSetDelete tests the basic node lifecycle with version checks.
func TestCreateGetSetDelete(t *testing.T) {
	s := newServer(t)
	c := s.Connect()

	got, err := c.Create("/a", []byte("v1"), Persistent)
	require.NoError(t, err)
	assert.Equal(t, "/a", got)

	_, err = c.Create("/a", nil, Persistent)
	assert.ErrorIs(t, err, ErrNodeExists)

	_, err = c.Create("/missing/child", nil, Persistent)
	assert.ErrorIs(t, err, ErrNoParent)

	data, stat, err := c.Get("/a")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), data)
	assert.Equal(t, int32(0), stat.Version)

	_, err = c.Set("/a", []byte("v2"), 5)
	assert.ErrorIs(t, err, ErrBadVersion)

	stat, err = c.Set("/a", []byte("v2"), 0)
	require.NoError(t, err)
	assert.Equal(t, int32(1), stat.Version)

	_, err = c.Create("/a/b", nil, Persistent)
	require.NoError(t, err)
	assert.ErrorIs(t, c.Delete("/a", AnyVersion), ErrNotEmpty)

	children, err := c.Children("/a")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, children)

	require.NoError(t, DeleteRecursive(c, "/a"))
	ok, err := c.Exists("/a")
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = c.Get("/a")
	assert.ErrorIs(t, err, ErrNoNode)
}

// TestBadPaths tests path validation.
func TestBadPaths(t *testing.T) {
	c := newServer(t).Connect()
	for _, p := range []string{"", "a", "/a/", "//a", "/a/../b"} {
		_, err := c.Create(p, nil, Persistent)
		assert.ErrorIs(t, err, ErrBadPath, p)
	}
}

// TestEphemeralSequential tests ticket naming and ordering.
func TestEphemeralSequential(t *testing.T) {
	s := newServer(t)
	c := s.Connect()
	require.NoError(t, EnsurePath(c, "/c1/CONTROLLER/ELECTION"))

	first, err := c.Create("/c1/CONTROLLER/ELECTION/candidate-", nil, EphemeralSequential)
	require.NoError(t, err)
	second, err := c.Create("/c1/CONTROLLER/ELECTION/candidate-", nil, EphemeralSequential)
	require.NoError(t, err)

	assert.Equal(t, "/c1/CONTROLLER/ELECTION/candidate-0000000001", first)
	assert.Equal(t, "/c1/CONTROLLER/ELECTION/candidate-0000000002", second)

	_, err = c.Create(first+"/child", nil, Persistent)
	assert.ErrorIs(t, err, ErrEphemeralParent)
}

// TestSessionExpiryRemovesEphemerals tests ephemeral nodes vanish with their
// session and fire events to other sessions.
func TestSessionExpiryRemovesEphemerals(t *testing.T) {
	s := newServer(t)
	admin := s.Connect()
	require.NoError(t, EnsurePath(admin, "/c1/LIVEINSTANCES"))

	node := s.Connect()
	_, err := node.Create("/c1/LIVEINSTANCES/n1", []byte("{}"), Ephemeral)
	require.NoError(t, err)
	_, err = node.Create("/c1/persistent", nil, Persistent)
	require.NoError(t, err)

	rec := &recorder{}
	_, err = admin.Watch("/c1/LIVEINSTANCES", WatchChildren, rec.record)
	require.NoError(t, err)

	node.Expire()

	ok, err := admin.Exists("/c1/LIVEINSTANCES/n1")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = admin.Exists("/c1/persistent")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = node.Create("/c1/x", nil, Persistent)
	assert.ErrorIs(t, err, ErrSessionExpired)
	assert.ErrorIs(t, node.Ping(), ErrSessionExpired)

	select {
	case <-node.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed")
	}

	require.Eventually(t, func() bool {
		return len(rec.snapshot()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, Event{Type: EventNodeChildrenChanged, Path: "/c1/LIVEINSTANCES"}, rec.snapshot()[0])
}

// TestWatchesStayArmed tests a watch fires on every change, not just once,
// and can be placed before the node exists.
func TestWatchesStayArmed(t *testing.T) {
	s := newServer(t)
	c := s.Connect()

	rec := &recorder{}
	w, err := c.Watch("/later", WatchData, rec.record)
	require.NoError(t, err)

	_, err = c.Create("/later", nil, Persistent)
	require.NoError(t, err)
	_, err = c.Set("/later", []byte("1"), AnyVersion)
	require.NoError(t, err)
	_, err = c.Set("/later", []byte("2"), AnyVersion)
	require.NoError(t, err)
	require.NoError(t, c.Delete("/later", AnyVersion))

	want := []Event{
		{EventNodeCreated, "/later"},
		{EventNodeDataChanged, "/later"},
		{EventNodeDataChanged, "/later"},
		{EventNodeDeleted, "/later"},
	}
	require.Eventually(t, func() bool {
		return len(rec.snapshot()) == len(want)
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, want, rec.snapshot())

	w.Cancel()
	assert.False(t, w.Active())
	_, err = c.Create("/later", nil, Persistent)
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, rec.snapshot(), len(want))
}

// TestNumberOfListeners tests listener counting across sessions, kinds,
// cancellation and expiry.
func TestNumberOfListeners(t *testing.T) {
	s := newServer(t)
	controller := s.Connect()
	node := s.Connect()
	const msgs = "/c1/INSTANCES/n1/MESSAGES"
	require.NoError(t, EnsurePath(controller, msgs))

	noop := func(Event) {}
	cw, err := controller.Watch(msgs, WatchChildren, noop)
	require.NoError(t, err)
	_, err = node.Watch(msgs, WatchChildren, noop)
	require.NoError(t, err)
	assert.Equal(t, 2, s.NumberOfListeners(msgs))
	assert.Equal(t, 2, s.ListenerPaths()[msgs])

	cw.Cancel()
	cw.Cancel()
	assert.Equal(t, 1, s.NumberOfListeners(msgs))

	node.Expire()
	assert.Equal(t, 0, s.NumberOfListeners(msgs))
	assert.NotContains(t, s.ListenerPaths(), msgs)
}

// TestChildEvents tests child watches see adds, removes and the parent's
// own deletion.
func TestChildEvents(t *testing.T) {
	s := newServer(t)
	c := s.Connect()
	require.NoError(t, EnsurePath(c, "/p"))

	rec := &recorder{}
	_, err := c.Watch("/p", WatchChildren, rec.record)
	require.NoError(t, err)

	_, err = c.Create("/p/a", nil, Persistent)
	require.NoError(t, err)
	_, err = c.Set("/p/a", []byte("x"), AnyVersion)
	require.NoError(t, err)
	require.NoError(t, c.Delete("/p/a", AnyVersion))
	require.NoError(t, c.Delete("/p", AnyVersion))

	want := []Event{
		{EventNodeChildrenChanged, "/p"},
		{EventNodeChildrenChanged, "/p"},
		{EventNodeDeleted, "/p"},
	}
	require.Eventually(t, func() bool {
		return len(rec.snapshot()) == len(want)
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, want, rec.snapshot())
}

// TestPersistenceReload tests persistent nodes survive a server restart on
// the same backend while ephemeral ones do not.
func TestPersistenceReload(t *testing.T) {
	backend := storage.NewMemoryStore()
	s, err := NewServer(backend, zerolog.Nop())
	require.NoError(t, err)

	c := s.Connect()
	require.NoError(t, EnsurePath(c, "/c1/RESOURCES"))
	require.NoError(t, Upsert(c, "/c1/RESOURCES/db", []byte(`{"name":"db"}`)))
	require.NoError(t, Upsert(c, "/c1/RESOURCES/db", []byte(`{"name":"db","replicas":3}`)))
	require.NoError(t, EnsurePath(c, "/c1/ELECTION"))
	_, err = c.Create("/c1/ELECTION/t-", nil, EphemeralSequential)
	require.NoError(t, err)
	_, err = c.Create("/c1/live", nil, Ephemeral)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	restarted, err := NewServer(backend, zerolog.Nop())
	require.NoError(t, err)
	defer restarted.Close()
	c2 := restarted.Connect()

	data, stat, err := c2.Get("/c1/RESOURCES/db")
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"db","replicas":3}`, string(data))
	assert.Equal(t, int32(1), stat.Version)

	ok, err := c2.Exists("/c1/live")
	require.NoError(t, err)
	assert.False(t, ok)

	ticket, err := c2.Create("/c1/ELECTION/t-", nil, EphemeralSequential)
	require.NoError(t, err)
	assert.Equal(t, "/c1/ELECTION/t-0000000002", ticket)
}

// TestBackendFailureLeavesTreeUnchanged tests a failed write-through does not
// mutate the tree.
func TestBackendFailureLeavesTreeUnchanged(t *testing.T) {
	backend := storage.NewMemoryStore()
	s, err := NewServer(backend, zerolog.Nop())
	require.NoError(t, err)
	c := s.Connect()
	require.NoError(t, Upsert(c, "/a", []byte("1")))

	require.NoError(t, backend.Close())

	_, err = c.Create("/b", nil, Persistent)
	require.Error(t, err)
	assert.True(t, errors.Is(err, storage.ErrClosed))

	_, err = c.Set("/a", []byte("2"), AnyVersion)
	require.Error(t, err)

	data, _, err := c.Get("/a")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), data)

	ok, err := c.Exists("/b")
	require.NoError(t, err)
	assert.False(t, ok)
}

// TestConcurrentSessions tests concurrent creators each get a unique node.
func TestConcurrentSessions(t *testing.T) {
	s := newServer(t)
	require.NoError(t, EnsurePath(s.Connect(), "/q"))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := s.Connect()
			_, err := c.Create("/q/item-", nil, EphemeralSequential)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	children, err := s.Connect().Children("/q")
	require.NoError(t, err)
	assert.Len(t, children, 20)
	assert.GreaterOrEqual(t, s.Sessions(), 21)
}
