package participant

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/dreamware/converge/internal/cluster"
	"github.com/dreamware/converge/internal/storage"
)

// Replica is one partition replica hosted by a participant. Each replica
// owns its own storage, created when the replica first leaves its initial
// state and discarded when it is dropped.
type Replica struct {
	Resource  string
	Partition string
	Store     storage.Store
	Stats     *ReplicaStats

	mu    sync.RWMutex
	state string
}

// ReplicaStats counts what happened to a replica.
type ReplicaStats struct {
	Transitions uint64 // Completed state transitions
	Rejected    uint64 // Transitions the handler refused
}

// ReplicaInfo is a point-in-time description of a replica.
type ReplicaInfo struct {
	Resource    string `json:"resource"`
	Partition   string `json:"partition"`
	State       string `json:"state"`
	Transitions uint64 `json:"transitions"`
	Keys        int    `json:"keys"`
	Bytes       int    `json:"bytes"`
}

// NewReplica creates a replica in state initial with in-memory storage.
func NewReplica(resource, partition, initial string) *Replica {
	return &Replica{
		Resource:  resource,
		Partition: partition,
		Store:     storage.NewMemoryStore(),
		Stats:     &ReplicaStats{},
		state:     initial,
	}
}

// State returns the replica's current state.
func (r *Replica) State() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// SetState records a completed transition into state.
func (r *Replica) SetState(state string) {
	r.mu.Lock()
	r.state = state
	r.mu.Unlock()
	atomic.AddUint64(&r.Stats.Transitions, 1)
}

// Reject records a transition the handler refused.
func (r *Replica) Reject() {
	atomic.AddUint64(&r.Stats.Rejected, 1)
}

// Info returns metadata about the replica.
func (r *Replica) Info() ReplicaInfo {
	st := r.Store.Stats()
	return ReplicaInfo{
		Resource:    r.Resource,
		Partition:   r.Partition,
		State:       r.State(),
		Transitions: atomic.LoadUint64(&r.Stats.Transitions),
		Keys:        st.Keys,
		Bytes:       st.Bytes,
	}
}

// Journal is the default handler. It accepts every transition and records
// it in the replica's storage: the latest state under "state" and each
// transition under "transitions/<n>".
func Journal(_ context.Context, msg *cluster.Message, r *Replica) error {
	n := atomic.LoadUint64(&r.Stats.Transitions)
	entry := []byte(msg.FromState + "->" + msg.ToState)
	if err := r.Store.Put(fmt.Sprintf("transitions/%06d", n), entry); err != nil {
		return err
	}
	return r.Store.Put("state", []byte(msg.ToState))
}

// ReplicaTable holds the replicas of one participant, by resource and
// partition. Safe for concurrent use.
type ReplicaTable struct {
	mu       sync.RWMutex
	replicas map[string]map[string]*Replica
}

// NewReplicaTable creates an empty table.
func NewReplicaTable() *ReplicaTable {
	return &ReplicaTable{replicas: map[string]map[string]*Replica{}}
}

// Get returns the replica of partition, if hosted.
func (t *ReplicaTable) Get(resource, partition string) (*Replica, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.replicas[resource][partition]
	return r, ok
}

// Ensure returns the replica of partition, creating it in state initial when
// it is not hosted yet.
func (t *ReplicaTable) Ensure(resource, partition, initial string) *Replica {
	t.mu.Lock()
	defer t.mu.Unlock()
	byPartition, ok := t.replicas[resource]
	if !ok {
		byPartition = map[string]*Replica{}
		t.replicas[resource] = byPartition
	}
	r, ok := byPartition[partition]
	if !ok {
		r = NewReplica(resource, partition, initial)
		byPartition[partition] = r
	}
	return r
}

// Remove discards the replica of partition and its storage. It reports
// whether the replica was hosted.
func (t *ReplicaTable) Remove(resource, partition string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.replicas[resource][partition]
	if !ok {
		return false
	}
	_ = r.Store.Close()
	delete(t.replicas[resource], partition)
	if len(t.replicas[resource]) == 0 {
		delete(t.replicas, resource)
	}
	return true
}

// States returns partition -> state for every hosted replica of resource.
func (t *ReplicaTable) States(resource string) map[string]string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]string, len(t.replicas[resource]))
	for p, r := range t.replicas[resource] {
		out[p] = r.State()
	}
	return out
}

// List returns every hosted replica ordered by resource and partition.
func (t *ReplicaTable) List() []ReplicaInfo {
	t.mu.RLock()
	var out []ReplicaInfo
	for _, byPartition := range t.replicas {
		for _, r := range byPartition {
			out = append(out, r.Info())
		}
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Resource != out[j].Resource {
			return out[i].Resource < out[j].Resource
		}
		return out[i].Partition < out[j].Partition
	})
	return out
}

// Len returns the number of hosted replicas.
func (t *ReplicaTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, byPartition := range t.replicas {
		n += len(byPartition)
	}
	return n
}
