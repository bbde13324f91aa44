package cache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/converge/internal/cluster"
	"github.com/dreamware/converge/internal/metastore"
	"github.com/dreamware/converge/internal/retry"
	"github.com/dreamware/converge/internal/storage"
)

const testCluster = "TestCluster"

func newStore(t *testing.T) (*metastore.Server, *metastore.Session) {
	t.Helper()
	srv, err := metastore.NewServer(storage.NewMemoryStore(), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })
	c := srv.Connect()
	for _, p := range cluster.SkeletonPaths(testCluster) {
		require.NoError(t, metastore.EnsurePath(c, p))
	}
	for _, def := range cluster.BuiltinStateModels() {
		put(t, c, cluster.StateModelPath(testCluster, def.Name), def)
	}
	return srv, c
}

func put(t *testing.T, c metastore.Client, p string, v any) {
	t.Helper()
	data, err := cluster.Encode(v)
	require.NoError(t, err)
	require.NoError(t, metastore.Upsert(c, p, data))
}

func addInstance(t *testing.T, c metastore.Client, name string, enabled bool) {
	t.Helper()
	put(t, c, cluster.ParticipantConfigPath(testCluster, name), cluster.InstanceConfig{Name: name, Enabled: enabled})
	for _, p := range cluster.InstanceSkeletonPaths(testCluster, name) {
		require.NoError(t, metastore.EnsurePath(c, p))
	}
}

// TestLoadSnapshot tests every section of the snapshot is populated and
// current states from stale sessions are dropped.
func TestLoadSnapshot(t *testing.T) {
	_, c := newStore(t)
	addInstance(t, c, "n1", true)
	addInstance(t, c, "n2", true)
	addInstance(t, c, "n3", false)

	put(t, c, cluster.LiveInstancePath(testCluster, "n1"), cluster.LiveInstance{Name: "n1", SessionID: "s1"})
	put(t, c, cluster.LiveInstancePath(testCluster, "n3"), cluster.LiveInstance{Name: "n3", SessionID: "s3"})
	put(t, c, cluster.ResourcePath(testCluster, "db"), cluster.ResourceConfig{Name: "db", StateModel: cluster.MasterSlave, Partitions: 2, Replicas: 2})

	put(t, c, cluster.CurrentStatePath(testCluster, "n1", "db"), cluster.CurrentState{
		Resource: "db", SessionID: "s1", Partitions: map[string]string{"db_0": cluster.StateMaster},
	})
	put(t, c, cluster.CurrentStatePath(testCluster, "n2", "db"), cluster.CurrentState{
		Resource: "db", SessionID: "old", Partitions: map[string]string{"db_1": cluster.StateSlave},
	})

	t0 := time.Unix(100, 0).UTC()
	put(t, c, cluster.MessagePath(testCluster, "n1", "b"), cluster.Message{ID: "b", Resource: "db", Partition: "db_1", CreatedAt: t0.Add(time.Second)})
	put(t, c, cluster.MessagePath(testCluster, "n1", "a"), cluster.Message{ID: "a", Resource: "db", Partition: "db_0", CreatedAt: t0})

	snap, err := Load(c, testCluster)
	require.NoError(t, err)

	assert.Len(t, snap.Instances, 3)
	assert.Equal(t, []string{"n1"}, snap.LiveNodes(), "disabled and dead instances are not placement targets")
	assert.True(t, snap.IsLive("n3"))
	assert.Equal(t, "s1", snap.SessionOf("n1"))
	assert.Contains(t, snap.StateModels, cluster.MasterSlave)
	assert.Equal(t, []string{"db"}, snap.SortedResources())

	st, ok := snap.CurrentState("n1", "db", "db_0")
	require.True(t, ok)
	assert.Equal(t, cluster.StateMaster, st)
	_, ok = snap.CurrentState("n2", "db", "db_1")
	assert.False(t, ok, "stale session record must be ignored")

	require.Len(t, snap.Messages["n1"], 2)
	assert.Equal(t, "a", snap.Messages["n1"][0].ID)
	assert.Equal(t, "b", snap.PendingMessage("n1", "db", "db_1").ID)
	assert.Nil(t, snap.PendingMessage("n1", "db", "db_9"))
}

// TestBuildExternalView tests aggregation skips dead nodes and dropped
// replicas.
func TestBuildExternalView(t *testing.T) {
	snap := &Snapshot{
		LiveInstances: map[string]cluster.LiveInstance{"n1": {}, "n2": {}},
		Resources:     map[string]cluster.ResourceConfig{"db": {Name: "db", StateModel: cluster.MasterSlave}},
		StateModels:   map[string]*cluster.StateModelDefinition{cluster.MasterSlave: cluster.BuiltinStateModels()[0]},
		CurrentStates: map[string]map[string]*cluster.CurrentState{
			"n1":   {"db": {Partitions: map[string]string{"db_0": cluster.StateMaster}}},
			"n2":   {"db": {Partitions: map[string]string{"db_0": cluster.StateSlave, "db_1": cluster.StateDropped}}},
			"dead": {"db": {Partitions: map[string]string{"db_1": cluster.StateMaster}}},
		},
	}
	ev := snap.BuildExternalView("db")
	assert.Equal(t, map[string]map[string]string{
		"db_0": {"n1": cluster.StateMaster, "n2": cluster.StateSlave},
	}, ev.Partitions)
}

type flakyClient struct {
	metastore.Client
	failures atomic.Int32
	err      error
}

func (f *flakyClient) Children(p string) ([]string, error) {
	if f.failures.Load() > 0 {
		f.failures.Add(-1)
		return nil, f.err
	}
	return f.Client.Children(p)
}

// TestRefreshRetriesAndKeepsLastGood tests transient failures are retried and
// exhausted retries fall back to the previous snapshot.
func TestRefreshRetriesAndKeepsLastGood(t *testing.T) {
	_, c := newStore(t)
	addInstance(t, c, "n1", true)

	flaky := &flakyClient{Client: c, err: errors.New("connection reset")}
	cache := New(testCluster, flaky, WithRetry(retry.Policy{Initial: time.Millisecond, Max: time.Millisecond, Attempts: 3}))
	assert.Nil(t, cache.Snapshot())

	flaky.failures.Store(2)
	first, err := cache.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), first.Version)
	assert.Same(t, first, cache.Snapshot())

	flaky.failures.Store(100)
	addInstance(t, c, "n2", true)
	got, err := cache.Refresh(context.Background())
	require.Error(t, err)
	assert.Same(t, first, got, "last good snapshot is retained")
	assert.Len(t, got.Instances, 1)

	flaky.failures.Store(0)
	second, err := cache.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), second.Version)
	assert.Len(t, second.Instances, 2)
	assert.Len(t, first.Instances, 1, "earlier snapshots are never mutated")
}

// TestRefreshWithoutSnapshot tests the first refresh has nothing to fall
// back on.
func TestRefreshWithoutSnapshot(t *testing.T) {
	_, c := newStore(t)
	c.Expire()

	cache := New(testCluster, c)
	snap, err := cache.Refresh(context.Background())
	assert.Nil(t, snap)
	assert.ErrorIs(t, err, ErrNoSnapshot)
}
