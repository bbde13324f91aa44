package cluster

import "path"

// Store path segments. The layout is rooted at "/<cluster>".
const (
	segConfigs       = "CONFIGS"
	segClusterCfg    = "CLUSTER"
	segParticipant   = "PARTICIPANT"
	segLiveInstances = "LIVEINSTANCES"
	segInstances     = "INSTANCES"
	segMessages      = "MESSAGES"
	segCurrentState  = "CURRENTSTATE"
	segResources     = "RESOURCES"
	segIdealStates   = "IDEALSTATES"
	segExternalView  = "EXTERNALVIEW"
	segStateModels   = "STATEMODELDEFS"
	segController    = "CONTROLLER"
	segElection      = "ELECTION"
	segLeader        = "LEADER"
)

// ClusterPath is the root of a cluster's namespace.
func ClusterPath(cluster string) string { return "/" + cluster }

// ClusterConfigPath holds the ClusterRecord.
func ClusterConfigPath(cluster string) string {
	return path.Join(ClusterPath(cluster), segConfigs, segClusterCfg)
}

// ParticipantConfigsPath is the parent of all InstanceConfig records.
func ParticipantConfigsPath(cluster string) string {
	return path.Join(ClusterPath(cluster), segConfigs, segParticipant)
}

// ParticipantConfigPath holds one InstanceConfig.
func ParticipantConfigPath(cluster, instance string) string {
	return path.Join(ParticipantConfigsPath(cluster), instance)
}

// LiveInstancesPath is the parent of the ephemeral liveness markers.
func LiveInstancesPath(cluster string) string {
	return path.Join(ClusterPath(cluster), segLiveInstances)
}

// LiveInstancePath is one node's liveness marker.
func LiveInstancePath(cluster, instance string) string {
	return path.Join(LiveInstancesPath(cluster), instance)
}

// InstancesPath is the parent of per-node message and current-state trees.
func InstancesPath(cluster string) string {
	return path.Join(ClusterPath(cluster), segInstances)
}

// InstancePath is the root of one node's tree.
func InstancePath(cluster, instance string) string {
	return path.Join(InstancesPath(cluster), instance)
}

// MessagesPath is a node's message queue.
func MessagesPath(cluster, instance string) string {
	return path.Join(InstancePath(cluster, instance), segMessages)
}

// MessagePath is one pending message.
func MessagePath(cluster, instance, id string) string {
	return path.Join(MessagesPath(cluster, instance), id)
}

// CurrentStatesPath is the parent of a node's current-state records.
func CurrentStatesPath(cluster, instance string) string {
	return path.Join(InstancePath(cluster, instance), segCurrentState)
}

// CurrentStatePath is a node's current state for one resource.
func CurrentStatePath(cluster, instance, resource string) string {
	return path.Join(CurrentStatesPath(cluster, instance), resource)
}

// ResourcesPath is the parent of ResourceConfig records.
func ResourcesPath(cluster string) string {
	return path.Join(ClusterPath(cluster), segResources)
}

// ResourcePath holds one ResourceConfig.
func ResourcePath(cluster, resource string) string {
	return path.Join(ResourcesPath(cluster), resource)
}

// IdealStatesPath is the parent of controller-written ideal states.
func IdealStatesPath(cluster string) string {
	return path.Join(ClusterPath(cluster), segIdealStates)
}

// IdealStatePath holds one resource's IdealState.
func IdealStatePath(cluster, resource string) string {
	return path.Join(IdealStatesPath(cluster), resource)
}

// ExternalViewsPath is the parent of controller-written external views.
func ExternalViewsPath(cluster string) string {
	return path.Join(ClusterPath(cluster), segExternalView)
}

// ExternalViewPath holds one resource's ExternalView.
func ExternalViewPath(cluster, resource string) string {
	return path.Join(ExternalViewsPath(cluster), resource)
}

// StateModelsPath is the parent of StateModelDefinition records.
func StateModelsPath(cluster string) string {
	return path.Join(ClusterPath(cluster), segStateModels)
}

// StateModelPath holds one StateModelDefinition.
func StateModelPath(cluster, model string) string {
	return path.Join(StateModelsPath(cluster), model)
}

// ControllerPath is the root of controller coordination nodes.
func ControllerPath(cluster string) string {
	return path.Join(ClusterPath(cluster), segController)
}

// ElectionPath holds the ephemeral-sequential election tickets.
func ElectionPath(cluster string) string {
	return path.Join(ControllerPath(cluster), segElection)
}

// LeaderPath holds the LeaderRecord of the current leader.
func LeaderPath(cluster string) string {
	return path.Join(ControllerPath(cluster), segLeader)
}

// SkeletonPaths lists the persistent nodes add-cluster creates, parents first.
func SkeletonPaths(cluster string) []string {
	return []string{
		ClusterPath(cluster),
		path.Join(ClusterPath(cluster), segConfigs),
		ParticipantConfigsPath(cluster),
		LiveInstancesPath(cluster),
		InstancesPath(cluster),
		ResourcesPath(cluster),
		IdealStatesPath(cluster),
		ExternalViewsPath(cluster),
		StateModelsPath(cluster),
		ControllerPath(cluster),
		ElectionPath(cluster),
	}
}

// InstanceSkeletonPaths lists the persistent nodes add-instance creates.
func InstanceSkeletonPaths(cluster, instance string) []string {
	return []string{
		InstancePath(cluster, instance),
		MessagesPath(cluster, instance),
		CurrentStatesPath(cluster, instance),
	}
}
