package convergence

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dreamware/converge/internal/cache"
	"github.com/dreamware/converge/internal/cluster"
)

// Engine derives the state transition messages that move a cluster one step
// closer to its ideal states.
type Engine struct {
	source string
	logger zerolog.Logger
	now    func() time.Time
	newID  func() string
}

// New creates an engine whose messages name source as their sender.
func New(source string, logger zerolog.Logger) *Engine {
	return &Engine{
		source: source,
		logger: logger.With().Str("layer", "convergence").Logger(),
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

type candidate struct {
	instance  string
	resource  string
	partition string
	model     *cluster.StateModelDefinition
	from, to  string
	upward    bool
}

// ComputeTransitions compares every live instance's current state with the
// ideal states and returns the next single-step transition for each replica
// that is not where it should be.
//
// Rules:
//   - only live instances get messages, addressed to their current session;
//   - a replica with a message still pending gets nothing new;
//   - a replica on a live instance the ideal state no longer names is driven
//     to the model's dropped state;
//   - a move into a higher-priority state is held back while that state's
//     bound is already reached in the partition, counting moves already in
//     flight; moves to lower-priority states are never held back.
//
// Messages that free a bounded state come first in the result.
func (e *Engine) ComputeTransitions(snap *cache.Snapshot, ideals map[string]*cluster.IdealState) []*cluster.Message {
	var down, up []candidate
	live := sortedLive(snap)
	liveCount := len(snap.LiveNodes())

	for _, resource := range resourcesToConverge(snap, ideals) {
		ideal := ideals[resource]
		model := modelFor(snap, ideal, resource)
		if model == nil {
			e.logger.Warn().Str("resource", resource).Msg("no state model, skipping")
			continue
		}
		replicas := 0
		if ideal != nil {
			replicas = ideal.Replicas
		}

		for _, partition := range partitionsOf(snap, ideal, resource) {
			var targets map[string]string
			if ideal != nil {
				targets = ideal.Assignments[partition]
			}

			inState := map[string]int{}
			for _, instance := range live {
				if st, ok := snap.CurrentState(instance, resource, partition); ok {
					inState[st]++
				}
				if m := snap.PendingMessage(instance, resource, partition); m != nil && m.ToState != m.FromState {
					inState[m.ToState]++
				}
			}

			for _, instance := range live {
				current, holds := snap.CurrentState(instance, resource, partition)
				target, assigned := targets[instance]
				if !assigned {
					if !holds {
						continue
					}
					target = model.DroppedState
					if target == "" {
						target = model.InitialState
					}
				}
				if !holds {
					current = model.InitialState
				}
				if current == target {
					continue
				}
				if snap.PendingMessage(instance, resource, partition) != nil {
					continue
				}
				next, ok := model.NextState(current, target)
				if !ok {
					e.logger.Warn().
						Str("resource", resource).
						Str("partition", partition).
						Str("instance", instance).
						Str("from", current).
						Str("to", target).
						Msg("no transition path")
					continue
				}

				c := candidate{
					instance: instance, resource: resource, partition: partition,
					model: model, from: current, to: next,
					upward: model.IsUpward(current, next),
				}
				if !c.upward {
					down = append(down, c)
					continue
				}
				bound := model.Bound(next, replicas, liveCount)
				if bound >= 0 && inState[next] >= bound {
					e.logger.Debug().
						Str("resource", resource).
						Str("partition", partition).
						Str("instance", instance).
						Str("state", next).
						Int("bound", bound).
						Msg("transition throttled by state bound")
					continue
				}
				inState[next]++
				up = append(up, c)
			}
		}
	}

	now := e.now()
	out := make([]*cluster.Message, 0, len(down)+len(up))
	for _, c := range append(down, up...) {
		out = append(out, &cluster.Message{
			ID:           e.newID(),
			Type:         cluster.MessageTypeStateTransition,
			Source:       e.source,
			Target:       c.instance,
			TargetSessID: snap.SessionOf(c.instance),
			Resource:     c.resource,
			Partition:    c.partition,
			StateModel:   c.model.Name,
			FromState:    c.from,
			ToState:      c.to,
			State:        cluster.MessageNew,
			CreatedAt:    now,
		})
	}
	return out
}

// resourcesToConverge is every resource with an ideal state plus every
// resource some live instance still reports, sorted.
func resourcesToConverge(snap *cache.Snapshot, ideals map[string]*cluster.IdealState) []string {
	seen := map[string]bool{}
	for r := range ideals {
		seen[r] = true
	}
	for instance, byResource := range snap.CurrentStates {
		if !snap.IsLive(instance) {
			continue
		}
		for r := range byResource {
			seen[r] = true
		}
	}
	out := make([]string, 0, len(seen))
	for r := range seen {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

func modelFor(snap *cache.Snapshot, ideal *cluster.IdealState, resource string) *cluster.StateModelDefinition {
	name := ""
	if ideal != nil {
		name = ideal.StateModel
	}
	if name == "" {
		// Resource was dropped; fall back to what the nodes recorded.
		for _, byResource := range snap.CurrentStates {
			if cs, ok := byResource[resource]; ok && cs.StateModel != "" {
				name = cs.StateModel
				break
			}
		}
	}
	return snap.StateModels[name]
}

// partitionsOf lists the partitions named by the ideal state or reported by
// any live instance, in a stable order.
func partitionsOf(snap *cache.Snapshot, ideal *cluster.IdealState, resource string) []string {
	seen := map[string]bool{}
	if ideal != nil {
		for p := range ideal.Assignments {
			seen[p] = true
		}
	}
	for instance, byResource := range snap.CurrentStates {
		if !snap.IsLive(instance) {
			continue
		}
		if cs, ok := byResource[resource]; ok {
			for p := range cs.Partitions {
				seen[p] = true
			}
		}
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func sortedLive(snap *cache.Snapshot) []string {
	out := make([]string, 0, len(snap.LiveInstances))
	for name := range snap.LiveInstances {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
