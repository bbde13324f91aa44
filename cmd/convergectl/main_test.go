package main

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/converge/internal/admin"
	"github.com/dreamware/converge/internal/api"
	"github.com/dreamware/converge/internal/cluster"
	"github.com/dreamware/converge/internal/metastore"
	"github.com/dreamware/converge/internal/storage"
)

func newAPI(t *testing.T) (*httptest.Server, *admin.Admin, *metastore.Server) {
	t.Helper()
	srv, err := metastore.NewServer(storage.NewMemoryStore(), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })
	adm := admin.New(srv.Connect(), zerolog.Nop())
	s := api.New(api.Options{
		Admin:          adm,
		Client:         srv.Connect(),
		Listeners:      srv,
		VerifyAttempts: 1,
		Logger:         zerolog.Nop(),
	})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts, adm, srv
}

func run(t *testing.T, server string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--server", server}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestClusterWorkflow(t *testing.T) {
	ts, adm, _ := newAPI(t)

	_, err := run(t, ts.URL, "cluster", "add", "TestCluster")
	require.NoError(t, err)
	_, err = run(t, ts.URL, "cluster", "add", "TestCluster")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "409")

	out, err := run(t, ts.URL, "instance", "add", "TestCluster", "localhost:12918")
	require.NoError(t, err)
	assert.Contains(t, out, "localhost_12918")

	_, err = run(t, ts.URL, "instance", "disable", "TestCluster", "localhost_12918")
	require.NoError(t, err)
	cfg, err := adm.InstanceConfig("TestCluster", "localhost_12918")
	require.NoError(t, err)
	assert.False(t, cfg.Enabled)

	out, err = run(t, ts.URL, "resource", "add", "TestCluster", "TestDB0", "--partitions", "20")
	require.NoError(t, err)
	var rc cluster.ResourceConfig
	require.NoError(t, json.Unmarshal([]byte(out), &rc))
	assert.Equal(t, cluster.ResourceConfig{Name: "TestDB0", StateModel: cluster.MasterSlave, Partitions: 20}, rc)

	_, err = run(t, ts.URL, "rebalance", "TestCluster", "TestDB0", "3")
	require.NoError(t, err)
	stored, err := adm.ResourceConfig("TestCluster", "TestDB0")
	require.NoError(t, err)
	assert.Equal(t, 3, stored.Replicas)

	_, err = run(t, ts.URL, "rebalance", "TestCluster", "TestDB0", "many")
	assert.Error(t, err)

	out, err = run(t, ts.URL, "cluster", "show", "TestCluster")
	require.NoError(t, err)
	assert.Contains(t, out, "TestDB0")

	out, err = run(t, ts.URL, "listeners", "TestCluster")
	require.NoError(t, err)
	var listeners map[string]int
	require.NoError(t, json.Unmarshal([]byte(out), &listeners))
	assert.Equal(t, map[string]int{"localhost_12918": 0}, listeners)

	_, err = run(t, ts.URL, "view", "TestCluster", "TestDB0", "--ideal")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")

	_, err = run(t, ts.URL, "instance", "replicas", "TestCluster", "localhost_12918")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not run in this process")

	_, err = run(t, ts.URL, "resource", "drop", "TestCluster", "TestDB0")
	require.NoError(t, err)
	_, err = run(t, ts.URL, "instance", "drop", "TestCluster", "localhost_12918")
	require.NoError(t, err)

	out, err = run(t, ts.URL, "verify", "TestCluster", "--attempts", "1")
	require.NoError(t, err)
	assert.Contains(t, out, `"converged": true`)
}

func TestVerifyFailsWhenNotConverged(t *testing.T) {
	ts, adm, srv := newAPI(t)
	require.NoError(t, adm.AddCluster("TestCluster"))
	require.NoError(t, adm.AddResource("TestCluster", cluster.ResourceConfig{
		Name: "TestDB0", StateModel: cluster.MasterSlave, Partitions: 2, Replicas: 1,
	}))
	// A live instance that never processes its messages keeps the cluster
	// from converging.
	name, err := adm.AddInstance("TestCluster", "localhost:12918")
	require.NoError(t, err)
	sess := srv.Connect()
	data, err := cluster.Encode(cluster.LiveInstance{Name: name, SessionID: strconv.FormatInt(sess.SessionID(), 10)})
	require.NoError(t, err)
	_, err = sess.Create(cluster.LiveInstancePath("TestCluster", name), data, metastore.Ephemeral)
	require.NoError(t, err)

	out, err := run(t, ts.URL, "verify", "TestCluster", "--attempts", "2", "--interval", "5ms")
	assert.Error(t, err)
	assert.Contains(t, out, `"converged": false`)
}
