package cluster

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestInstanceName tests conversion from host:port to instance identifiers.
func TestInstanceName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"localhost:12918", "localhost_12918"},
		{"controller_0", "controller_0"},
		{"10.0.0.1:80", "10.0.0.1_80"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, InstanceName(tt.in))
		})
	}

	host, port := SplitInstanceName("localhost_12922")
	assert.Equal(t, "localhost", host)
	assert.Equal(t, "12922", port)

	host, port = SplitInstanceName("standalone")
	assert.Equal(t, "standalone", host)
	assert.Empty(t, port)
}

// TestPartitionNames tests partitions are numbered in order.
func TestPartitionNames(t *testing.T) {
	r := ResourceConfig{Name: "TestDB0", Partitions: 3}
	assert.Equal(t, []string{"TestDB0_0", "TestDB0_1", "TestDB0_2"}, r.PartitionNames())
	assert.Empty(t, ResourceConfig{Name: "empty"}.PartitionNames())
}

// TestIdealStateEqual tests placement comparison ignores nothing that matters.
func TestIdealStateEqual(t *testing.T) {
	base := func() *IdealState {
		return &IdealState{
			Resource:        "db",
			StateModel:      MasterSlave,
			Replicas:        2,
			PreferenceLists: map[string][]string{"db_0": {"a", "b"}},
			Assignments:     map[string]map[string]string{"db_0": {"a": StateMaster, "b": StateSlave}},
		}
	}

	assert.True(t, base().Equal(base()))

	reordered := base()
	reordered.PreferenceLists["db_0"] = []string{"b", "a"}
	assert.False(t, base().Equal(reordered))

	changedRole := base()
	changedRole.Assignments["db_0"]["b"] = StateOffline
	assert.False(t, base().Equal(changedRole))

	var nilState *IdealState
	assert.False(t, base().Equal(nilState))
	assert.True(t, nilState.Equal(nil))
}

// TestEncodeDecode tests records survive the store encoding and empty
// records are rejected.
func TestEncodeDecode(t *testing.T) {
	msg := &Message{
		ID:        "m1",
		Type:      MessageTypeStateTransition,
		Target:    "localhost_12918",
		Resource:  "TestDB0",
		Partition: "TestDB0_3",
		FromState: StateOffline,
		ToState:   StateSlave,
		State:     MessageNew,
		CreatedAt: time.Unix(100, 0).UTC(),
	}
	data, err := Encode(msg)
	require.NoError(t, err)

	var decoded Message
	require.NoError(t, Decode(data, &decoded))
	assert.Equal(t, *msg, decoded)
	assert.Contains(t, decoded.String(), "OFFLINE->SLAVE")

	assert.Error(t, Decode(nil, &decoded))
}

// TestPostJSON tests the JSON POST helper against a test server.
func TestPostJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		switch r.URL.Path {
		case "/ok":
			_ = json.NewEncoder(w).Encode(map[string]string{"echo": body["name"]})
		case "/fail":
			w.WriteHeader(http.StatusConflict)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "already exists"})
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	var out map[string]string
	require.NoError(t, PostJSON(ctx, srv.URL+"/ok", map[string]string{"name": "c1"}, &out))
	assert.Equal(t, "c1", out["echo"])

	require.NoError(t, PostJSON(ctx, srv.URL+"/ok", map[string]string{"name": "c1"}, nil))

	err := PostJSON(ctx, srv.URL+"/fail", map[string]string{"name": "c1"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "409")
	assert.Contains(t, err.Error(), "already exists")
}

// TestGetJSON tests the JSON GET helper.
func TestGetJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.Error(w, "nope", http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(ExternalView{Resource: "db"})
	}))
	defer srv.Close()

	var ev ExternalView
	require.NoError(t, GetJSON(context.Background(), srv.URL+"/view", &ev))
	assert.Equal(t, "db", ev.Resource)

	err := GetJSON(context.Background(), srv.URL+"/missing", &ev)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

// TestPaths tests the store layout.
func TestPaths(t *testing.T) {
	assert.Equal(t, "/c1/INSTANCES/localhost_12918/MESSAGES", MessagesPath("c1", "localhost_12918"))
	assert.Equal(t, "/c1/INSTANCES/localhost_12918/MESSAGES/m1", MessagePath("c1", "localhost_12918", "m1"))
	assert.Equal(t, "/c1/INSTANCES/n1/CURRENTSTATE/db", CurrentStatePath("c1", "n1", "db"))
	assert.Equal(t, "/c1/EXTERNALVIEW/db", ExternalViewPath("c1", "db"))
	assert.Equal(t, "/c1/LIVEINSTANCES/n1", LiveInstancePath("c1", "n1"))
	assert.Equal(t, "/c1/CONTROLLER/LEADER", LeaderPath("c1"))

	skeleton := SkeletonPaths("c1")
	assert.Equal(t, "/c1", skeleton[0])
	assert.Contains(t, skeleton, "/c1/CONFIGS/PARTICIPANT")
	assert.Contains(t, skeleton, "/c1/CONTROLLER/ELECTION")
}
