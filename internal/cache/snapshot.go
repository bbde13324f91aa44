package cache

import (
	"sort"
	"time"

	"github.com/dreamware/converge/internal/cluster"
)

// Snapshot is an immutable view of one cluster as read from the store in a
// single refresh. Nothing in a Snapshot is modified after Load returns it;
// callers that need to change a map must copy it first.
type Snapshot struct {
	Cluster   string
	Version   uint64
	FetchedAt time.Time

	// Instances holds every configured instance, live or not.
	Instances map[string]cluster.InstanceConfig
	// LiveInstances holds the liveness markers of connected instances.
	LiveInstances map[string]cluster.LiveInstance
	Resources     map[string]cluster.ResourceConfig
	IdealStates   map[string]*cluster.IdealState
	// CurrentStates is instance -> resource -> current state. Only records
	// written by the instance's present session are kept.
	CurrentStates map[string]map[string]*cluster.CurrentState
	// Messages is instance -> pending messages, oldest first.
	Messages      map[string][]*cluster.Message
	StateModels   map[string]*cluster.StateModelDefinition
	ExternalViews map[string]*cluster.ExternalView
}

// LiveNodes returns the sorted names of instances eligible for placement:
// configured, enabled and live.
func (s *Snapshot) LiveNodes() []string {
	out := make([]string, 0, len(s.LiveInstances))
	for name := range s.LiveInstances {
		cfg, ok := s.Instances[name]
		if !ok || !cfg.Enabled {
			continue
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// IsLive reports whether instance has a liveness marker.
func (s *Snapshot) IsLive(instance string) bool {
	_, ok := s.LiveInstances[instance]
	return ok
}

// SessionOf returns the session id a live instance announced.
func (s *Snapshot) SessionOf(instance string) string {
	return s.LiveInstances[instance].SessionID
}

// CurrentState returns the state instance reports for partition, if any.
func (s *Snapshot) CurrentState(instance, resource, partition string) (string, bool) {
	cs, ok := s.CurrentStates[instance][resource]
	if !ok {
		return "", false
	}
	st, ok := cs.Partitions[partition]
	return st, ok
}

// PendingMessage returns the oldest pending message for a partition on an
// instance, or nil.
func (s *Snapshot) PendingMessage(instance, resource, partition string) *cluster.Message {
	for _, m := range s.Messages[instance] {
		if m.Resource == resource && m.Partition == partition {
			return m
		}
	}
	return nil
}

// SortedResources returns resource names in lexical order.
func (s *Snapshot) SortedResources() []string {
	out := make([]string, 0, len(s.Resources))
	for name := range s.Resources {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// BuildExternalView aggregates live instances' current states for one
// resource. Partitions in the model's dropped state are left out.
func (s *Snapshot) BuildExternalView(resource string) *cluster.ExternalView {
	ev := &cluster.ExternalView{Resource: resource, Partitions: map[string]map[string]string{}}
	dropped := ""
	if rc, ok := s.Resources[resource]; ok {
		if def, ok := s.StateModels[rc.StateModel]; ok {
			dropped = def.DroppedState
		}
	}
	for instance, byResource := range s.CurrentStates {
		if !s.IsLive(instance) {
			continue
		}
		cs, ok := byResource[resource]
		if !ok {
			continue
		}
		for partition, state := range cs.Partitions {
			if dropped != "" && state == dropped {
				continue
			}
			if ev.Partitions[partition] == nil {
				ev.Partitions[partition] = map[string]string{}
			}
			ev.Partitions[partition][instance] = state
		}
	}
	return ev
}
