package cluster

import (
	"errors"
	"fmt"
	"strconv"

	"golang.org/x/exp/slices"
)

// Bound values understood by StateModelDefinition.Bounds besides plain
// integers.
const (
	// BoundReplicas limits a state to the resource's replica count.
	BoundReplicas = "R"
	// BoundNodes limits a state to the number of live nodes.
	BoundNodes = "N"
)

// Built-in state model names.
const (
	MasterSlave   = "MasterSlave"
	LeaderStandby = "LeaderStandby"
	OnlineOffline = "OnlineOffline"
)

// Common state names used by the built-in models.
const (
	StateOffline = "OFFLINE"
	StateDropped = "DROPPED"
	StateMaster  = "MASTER"
	StateSlave   = "SLAVE"
	StateLeader  = "LEADER"
	StateStandby = "STANDBY"
	StateOnline  = "ONLINE"
)

// Transition is one edge of a state model.
type Transition struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// StateModelDefinition describes a replica state machine as data: its states
// in priority order (top state first), the legal single-step edges and a
// per-state bound on how many replicas of a partition may be in it.
//
// New models are added by writing a definition under STATEMODELDEFS; nothing
// in the controller is specific to a model.
type StateModelDefinition struct {
	Name         string            `json:"name"`
	InitialState string            `json:"initial_state"`
	DroppedState string            `json:"dropped_state,omitempty"`
	States       []string          `json:"states"`
	Transitions  []Transition      `json:"transitions"`
	Bounds       map[string]string `json:"bounds"`
}

// Validate checks the definition is internally consistent.
func (d *StateModelDefinition) Validate() error {
	if d.Name == "" {
		return errors.New("state model name is empty")
	}
	if len(d.States) == 0 {
		return fmt.Errorf("state model %s: no states", d.Name)
	}
	if !slices.Contains(d.States, d.InitialState) {
		return fmt.Errorf("state model %s: initial state %q not in states", d.Name, d.InitialState)
	}
	if d.DroppedState != "" && !slices.Contains(d.States, d.DroppedState) {
		return fmt.Errorf("state model %s: dropped state %q not in states", d.Name, d.DroppedState)
	}
	for _, t := range d.Transitions {
		if !slices.Contains(d.States, t.From) || !slices.Contains(d.States, t.To) {
			return fmt.Errorf("state model %s: transition %s->%s uses an unknown state", d.Name, t.From, t.To)
		}
	}
	for state, bound := range d.Bounds {
		if !slices.Contains(d.States, state) {
			return fmt.Errorf("state model %s: bound on unknown state %q", d.Name, state)
		}
		if bound != BoundReplicas && bound != BoundNodes {
			if _, err := strconv.Atoi(bound); err != nil {
				return fmt.Errorf("state model %s: bad bound %q for %s", d.Name, bound, state)
			}
		}
	}
	return nil
}

// TopState is the highest-priority state, held by position 0 of a
// preference list.
func (d *StateModelDefinition) TopState() string {
	return d.States[0]
}

// Priority returns the index of state in the priority order; unknown states
// sort last.
func (d *StateModelDefinition) Priority(state string) int {
	if i := slices.Index(d.States, state); i >= 0 {
		return i
	}
	return len(d.States)
}

// HasState reports whether state belongs to the model.
func (d *StateModelDefinition) HasState(state string) bool {
	return slices.Contains(d.States, state)
}

// HasTransition reports whether from->to is a legal single step.
func (d *StateModelDefinition) HasTransition(from, to string) bool {
	return slices.Contains(d.Transitions, Transition{From: from, To: to})
}

// Bound returns how many replicas of one partition may be in state; -1 means
// unbounded.
func (d *StateModelDefinition) Bound(state string, replicas, liveNodes int) int {
	b, ok := d.Bounds[state]
	if !ok {
		return -1
	}
	switch b {
	case BoundReplicas:
		return replicas
	case BoundNodes:
		return liveNodes
	}
	n, err := strconv.Atoi(b)
	if err != nil {
		return -1
	}
	return n
}

// NextState returns the first hop on the shortest legal path from -> to.
// Neighbours are explored in priority order so the path is deterministic.
// ok is false when from == to or to is unreachable.
func (d *StateModelDefinition) NextState(from, to string) (next string, ok bool) {
	if from == to || !d.HasState(from) || !d.HasState(to) {
		return "", false
	}

	firstHop := map[string]string{from: ""}
	queue := []string{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, nb := range d.neighbours(cur) {
			if _, seen := firstHop[nb]; seen {
				continue
			}
			hop := firstHop[cur]
			if hop == "" {
				hop = nb
			}
			if nb == to {
				return hop, true
			}
			firstHop[nb] = hop
			queue = append(queue, nb)
		}
	}
	return "", false
}

func (d *StateModelDefinition) neighbours(state string) []string {
	var out []string
	for _, t := range d.Transitions {
		if t.From == state {
			out = append(out, t.To)
		}
	}
	slices.SortStableFunc(out, func(a, b string) int {
		return d.Priority(a) - d.Priority(b)
	})
	return out
}

// IsUpward reports whether moving from -> to increases priority.
func (d *StateModelDefinition) IsUpward(from, to string) bool {
	return d.Priority(to) < d.Priority(from)
}

// StatesForPreferenceList returns the target state for each position of a
// preference list of length n: states are handed out in priority order, each
// up to its bound. The initial and dropped states are never handed out.
func (d *StateModelDefinition) StatesForPreferenceList(n, replicas, liveNodes int) []string {
	out := make([]string, 0, n)
	for _, state := range d.States {
		if state == d.InitialState || state == d.DroppedState {
			continue
		}
		bound := d.Bound(state, replicas, liveNodes)
		for i := 0; len(out) < n && (bound < 0 || i < bound); i++ {
			out = append(out, state)
		}
		if len(out) == n {
			break
		}
	}
	return out
}

// BuiltinStateModels returns fresh copies of the models add-cluster installs.
func BuiltinStateModels() []*StateModelDefinition {
	return []*StateModelDefinition{
		{
			Name:         MasterSlave,
			InitialState: StateOffline,
			DroppedState: StateDropped,
			States:       []string{StateMaster, StateSlave, StateOffline, StateDropped},
			Transitions: []Transition{
				{From: StateOffline, To: StateSlave},
				{From: StateSlave, To: StateMaster},
				{From: StateMaster, To: StateSlave},
				{From: StateSlave, To: StateOffline},
				{From: StateOffline, To: StateDropped},
			},
			Bounds: map[string]string{StateMaster: "1", StateSlave: BoundReplicas},
		},
		{
			Name:         LeaderStandby,
			InitialState: StateOffline,
			DroppedState: StateDropped,
			States:       []string{StateLeader, StateStandby, StateOffline, StateDropped},
			Transitions: []Transition{
				{From: StateOffline, To: StateStandby},
				{From: StateStandby, To: StateLeader},
				{From: StateLeader, To: StateStandby},
				{From: StateStandby, To: StateOffline},
				{From: StateOffline, To: StateDropped},
			},
			Bounds: map[string]string{StateLeader: "1", StateStandby: BoundReplicas},
		},
		{
			Name:         OnlineOffline,
			InitialState: StateOffline,
			DroppedState: StateDropped,
			States:       []string{StateOnline, StateOffline, StateDropped},
			Transitions: []Transition{
				{From: StateOffline, To: StateOnline},
				{From: StateOnline, To: StateOffline},
				{From: StateOffline, To: StateDropped},
			},
			Bounds: map[string]string{StateOnline: BoundReplicas},
		},
	}
}
