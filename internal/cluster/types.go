package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// InstanceConfig is the administrative record of a worker node, created by
// add-instance under CONFIGS/PARTICIPANT. An instance must be configured before
// it may announce liveness.
type InstanceConfig struct {
	Name    string `json:"name"`
	Host    string `json:"host"`
	Port    string `json:"port"`
	Enabled bool   `json:"enabled"`
}

// LiveInstance is the ephemeral liveness marker a node writes under
// LIVEINSTANCES when its store session is established. It disappears with the
// session, which is what makes it a liveness flag.
type LiveInstance struct {
	Name      string    `json:"name"`
	SessionID string    `json:"session_id"`
	StartedAt time.Time `json:"started_at"`
}

// ResourceConfig describes a logical resource split into partitions.
//
// Replicas == 0 means the resource was added but never rebalanced; the
// rebalancer assigns nothing until an operator sets a replica count.
type ResourceConfig struct {
	Name       string `json:"name"`
	StateModel string `json:"state_model"`
	Strategy   string `json:"strategy,omitempty"`
	Partitions int    `json:"partitions"`
	Replicas   int    `json:"replicas"`
}

// PartitionNames returns the partition identifiers of the resource in
// numeric order: "<resource>_0" .. "<resource>_<n-1>".
func (r ResourceConfig) PartitionNames() []string {
	names := make([]string, r.Partitions)
	for i := 0; i < r.Partitions; i++ {
		names[i] = PartitionName(r.Name, i)
	}
	return names
}

// PartitionName builds the identifier of partition i of a resource.
func PartitionName(resource string, i int) string {
	return fmt.Sprintf("%s_%d", resource, i)
}

// IdealState is the target placement of one resource.
//
// PreferenceLists holds, per partition, the ordered instances chosen by the
// rebalancer; Assignments maps each partition to instance -> target state.
// Position 0 of a preference list receives the model's top state.
type IdealState struct {
	Resource        string                       `json:"resource"`
	StateModel      string                       `json:"state_model"`
	Strategy        string                       `json:"strategy"`
	Replicas        int                          `json:"replicas"`
	PreferenceLists map[string][]string          `json:"preference_lists"`
	Assignments     map[string]map[string]string `json:"assignments"`
}

// Equal reports whether two ideal states describe the same placement.
func (s *IdealState) Equal(o *IdealState) bool {
	if s == nil || o == nil {
		return s == o
	}
	if s.Resource != o.Resource || s.StateModel != o.StateModel || s.Replicas != o.Replicas {
		return false
	}
	if len(s.PreferenceLists) != len(o.PreferenceLists) {
		return false
	}
	for p, list := range s.PreferenceLists {
		other, ok := o.PreferenceLists[p]
		if !ok || len(other) != len(list) {
			return false
		}
		for i := range list {
			if list[i] != other[i] {
				return false
			}
		}
	}
	return StateMapsEqual(s.Assignments, o.Assignments)
}

// CurrentState is the per-node, per-resource record of the state each hosted
// partition is in. Only the node writes it.
type CurrentState struct {
	Resource   string            `json:"resource"`
	SessionID  string            `json:"session_id"`
	StateModel string            `json:"state_model"`
	Partitions map[string]string `json:"partitions"`
}

// ExternalView is the controller's aggregation of every live node's current
// state for one resource: partition -> instance -> state.
type ExternalView struct {
	Resource   string                       `json:"resource"`
	Partitions map[string]map[string]string `json:"partitions"`
}

// MessageState tracks a message through its lifecycle.
type MessageState string

const (
	// MessageNew is a message written by the controller and not yet read.
	MessageNew MessageState = "NEW"
	// MessageRead is a message the node has picked up.
	MessageRead MessageState = "READ"
	// MessageCompleted is a processed message awaiting deletion.
	MessageCompleted MessageState = "COMPLETED"
)

// MessageTypeStateTransition is the only message type the controller emits.
const MessageTypeStateTransition = "STATE_TRANSITION"

// Message is a single-step state transition addressed to one node session.
type Message struct {
	ID           string       `json:"id"`
	Type         string       `json:"type"`
	Source       string       `json:"source"`
	Target       string       `json:"target"`
	TargetSessID string       `json:"target_session_id"`
	Resource     string       `json:"resource"`
	Partition    string       `json:"partition"`
	StateModel   string       `json:"state_model"`
	FromState    string       `json:"from_state"`
	ToState      string       `json:"to_state"`
	State        MessageState `json:"state"`
	CreatedAt    time.Time    `json:"created_at"`
}

// String renders the message for logs.
func (m *Message) String() string {
	return fmt.Sprintf("%s %s/%s %s->%s @%s", m.ID, m.Resource, m.Partition, m.FromState, m.ToState, m.Target)
}

// LeaderRecord is written by the controller holding a cluster's leadership.
type LeaderRecord struct {
	Controller string    `json:"controller"`
	SessionID  string    `json:"session_id"`
	Since      time.Time `json:"since"`
}

// ClusterRecord marks a cluster as created by add-cluster.
type ClusterRecord struct {
	Name         string    `json:"name"`
	GrandCluster string    `json:"grand_cluster,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// InstanceName converts "host:port" into the instance identifier used in
// store paths ("host_port"). Names without a port are returned unchanged.
func InstanceName(hostPort string) string {
	return strings.Replace(hostPort, ":", "_", 1)
}

// SplitInstanceName splits an instance identifier into host and port.
func SplitInstanceName(name string) (host, port string) {
	idx := strings.LastIndex(name, "_")
	if idx < 0 {
		return name, ""
	}
	return name[:idx], name[idx+1:]
}

// StateMapsEqual compares two partition -> instance -> state maps.
func StateMapsEqual(a, b map[string]map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for p, am := range a {
		bm, ok := b[p]
		if !ok || len(am) != len(bm) {
			return false
		}
		for inst, st := range am {
			if bm[inst] != st {
				return false
			}
		}
	}
	return true
}

// Encode serializes a record for the metadata store.
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode parses a record read from the metadata store.
func Decode(data []byte, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("decode %T: empty record", v)
	}
	return json.Unmarshal(data, v)
}

// httpClient caps every request. Verify requests poll server-side and can
// run for tens of seconds; tighter bounds come from the caller's context.
var httpClient = &http.Client{Timeout: 2 * time.Minute}

// PostJSON sends body as JSON and decodes the response into out when out is
// non-nil. Any status >= 300 is an error carrying the response message.
func PostJSON(ctx context.Context, url string, body any, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return responseError(url, resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// GetJSON fetches url and decodes the JSON response into out.
func GetJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return responseError(url, resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Delete sends a DELETE request to url.
func Delete(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return responseError(url, resp)
	}
	return nil
}

func responseError(url string, resp *http.Response) error {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err == nil && payload.Error != "" {
		return fmt.Errorf("http %s: %d: %s", url, resp.StatusCode, payload.Error)
	}
	return fmt.Errorf("http %s: %d", url, resp.StatusCode)
}
