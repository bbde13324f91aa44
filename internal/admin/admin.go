package admin

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/dreamware/converge/internal/cluster"
	"github.com/dreamware/converge/internal/metastore"
)

// Errors returned by Admin operations.
var (
	ErrClusterExists     = errors.New("admin: cluster already exists")
	ErrNoCluster         = errors.New("admin: no such cluster")
	ErrInstanceExists    = errors.New("admin: instance already exists")
	ErrNoInstance        = errors.New("admin: no such instance")
	ErrInstanceLive      = errors.New("admin: instance is live")
	ErrResourceExists    = errors.New("admin: resource already exists")
	ErrNoResource        = errors.New("admin: no such resource")
	ErrUnknownStateModel = errors.New("admin: unknown state model")
	ErrInvalidArgument   = errors.New("admin: invalid argument")
)

// DefaultGrandReplicas is the replica count of a managed cluster's resource
// in its grand cluster: one leader and two hot standbys.
const DefaultGrandReplicas = 3

// Admin performs administrative operations. Each one is a plain store
// mutation; controllers notice it through their subscriptions.
type Admin struct {
	client metastore.Client
	logger zerolog.Logger
}

// New creates an Admin on client.
func New(client metastore.Client, logger zerolog.Logger) *Admin {
	return &Admin{client: client, logger: logger.With().Str("layer", "admin").Logger()}
}

// AddCluster creates the cluster skeleton and registers the built-in state
// models.
func (a *Admin) AddCluster(name string) error {
	if err := validName(name); err != nil {
		return err
	}
	for _, p := range cluster.SkeletonPaths(name) {
		if err := metastore.EnsurePath(a.client, p); err != nil {
			return err
		}
	}
	data, err := cluster.Encode(cluster.ClusterRecord{Name: name, CreatedAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	if _, err := a.client.Create(cluster.ClusterConfigPath(name), data, metastore.Persistent); err != nil {
		if errors.Is(err, metastore.ErrNodeExists) {
			return fmt.Errorf("%w: %s", ErrClusterExists, name)
		}
		return err
	}
	for _, def := range cluster.BuiltinStateModels() {
		if err := a.AddStateModel(name, def); err != nil {
			return err
		}
	}
	a.logger.Info().Str("cluster", name).Msg("cluster added")
	return nil
}

// Clusters returns the names of every cluster created by AddCluster.
func (a *Admin) Clusters() ([]string, error) {
	names, err := a.client.Children("/")
	if err != nil {
		return nil, err
	}
	var out []string
	for _, name := range names {
		ok, err := a.client.Exists(cluster.ClusterConfigPath(name))
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, name)
		}
	}
	return out, nil
}

// ClusterRecord returns the cluster's record.
func (a *Admin) ClusterRecord(name string) (*cluster.ClusterRecord, error) {
	rec := &cluster.ClusterRecord{}
	if err := a.read(cluster.ClusterConfigPath(name), rec); err != nil {
		if errors.Is(err, metastore.ErrNoNode) {
			return nil, fmt.Errorf("%w: %s", ErrNoCluster, name)
		}
		return nil, err
	}
	return rec, nil
}

// AddClusterToGrand puts a cluster under the management of a grand
// cluster: it becomes a one-partition LeaderStandby resource there, and the
// grand cluster's controllers compete for its leadership. replicas <= 0
// uses DefaultGrandReplicas.
func (a *Admin) AddClusterToGrand(clusterName, grand string, replicas int) error {
	rec, err := a.ClusterRecord(clusterName)
	if err != nil {
		return err
	}
	if _, err := a.ClusterRecord(grand); err != nil {
		return err
	}
	if replicas <= 0 {
		replicas = DefaultGrandReplicas
	}
	err = a.AddResource(grand, cluster.ResourceConfig{
		Name:       clusterName,
		StateModel: cluster.LeaderStandby,
		Partitions: 1,
		Replicas:   replicas,
	})
	if err != nil {
		return err
	}
	rec.GrandCluster = grand
	data, err := cluster.Encode(rec)
	if err != nil {
		return err
	}
	_, err = a.client.Set(cluster.ClusterConfigPath(clusterName), data, metastore.AnyVersion)
	return err
}

// AddStateModel registers or replaces a state model definition.
func (a *Admin) AddStateModel(clusterName string, def *cluster.StateModelDefinition) error {
	if err := def.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	data, err := cluster.Encode(def)
	if err != nil {
		return err
	}
	return metastore.Upsert(a.client, cluster.StateModelPath(clusterName, def.Name), data)
}

// StateModels returns the names of the cluster's state models.
func (a *Admin) StateModels(clusterName string) ([]string, error) {
	return a.children(clusterName, cluster.StateModelsPath(clusterName))
}

// AddInstance configures a worker node given as host:port and returns its
// instance name.
func (a *Admin) AddInstance(clusterName, hostPort string) (string, error) {
	if _, err := a.ClusterRecord(clusterName); err != nil {
		return "", err
	}
	name := cluster.InstanceName(hostPort)
	if err := validName(name); err != nil {
		return "", err
	}
	host, port := cluster.SplitInstanceName(name)
	data, err := cluster.Encode(cluster.InstanceConfig{Name: name, Host: host, Port: port, Enabled: true})
	if err != nil {
		return "", err
	}
	if _, err := a.client.Create(cluster.ParticipantConfigPath(clusterName, name), data, metastore.Persistent); err != nil {
		if errors.Is(err, metastore.ErrNodeExists) {
			return "", fmt.Errorf("%w: %s", ErrInstanceExists, name)
		}
		return "", err
	}
	for _, p := range cluster.InstanceSkeletonPaths(clusterName, name) {
		if err := metastore.EnsurePath(a.client, p); err != nil {
			return "", err
		}
	}
	a.logger.Info().Str("cluster", clusterName).Str("instance", name).Msg("instance added")
	return name, nil
}

// DropInstance removes a configured instance. Live instances cannot be
// dropped.
func (a *Admin) DropInstance(clusterName, name string) error {
	live, err := a.client.Exists(cluster.LiveInstancePath(clusterName, name))
	if err != nil {
		return err
	}
	if live {
		return fmt.Errorf("%w: %s", ErrInstanceLive, name)
	}
	if err := a.client.Delete(cluster.ParticipantConfigPath(clusterName, name), metastore.AnyVersion); err != nil {
		if errors.Is(err, metastore.ErrNoNode) {
			return fmt.Errorf("%w: %s", ErrNoInstance, name)
		}
		return err
	}
	return metastore.DeleteRecursive(a.client, cluster.InstancePath(clusterName, name))
}

// EnableInstance includes or excludes an instance from placement.
func (a *Admin) EnableInstance(clusterName, name string, enabled bool) error {
	return a.update(cluster.ParticipantConfigPath(clusterName, name), &cluster.InstanceConfig{}, ErrNoInstance, func(v any) {
		v.(*cluster.InstanceConfig).Enabled = enabled
	})
}

// Instances returns the configured instance names.
func (a *Admin) Instances(clusterName string) ([]string, error) {
	return a.children(clusterName, cluster.ParticipantConfigsPath(clusterName))
}

// InstanceConfig returns one instance's configuration.
func (a *Admin) InstanceConfig(clusterName, name string) (*cluster.InstanceConfig, error) {
	cfg := &cluster.InstanceConfig{}
	if err := a.read(cluster.ParticipantConfigPath(clusterName, name), cfg); err != nil {
		if errors.Is(err, metastore.ErrNoNode) {
			return nil, fmt.Errorf("%w: %s", ErrNoInstance, name)
		}
		return nil, err
	}
	return cfg, nil
}

// LiveInstances returns the names of connected instances.
func (a *Admin) LiveInstances(clusterName string) ([]string, error) {
	return a.children(clusterName, cluster.LiveInstancesPath(clusterName))
}

// AddResource creates a resource. A resource added with zero replicas is
// placed nowhere until Rebalance sets a replica count.
func (a *Admin) AddResource(clusterName string, rc cluster.ResourceConfig) error {
	if err := validName(rc.Name); err != nil {
		return err
	}
	if rc.Partitions <= 0 || rc.Replicas < 0 {
		return fmt.Errorf("%w: resource %s needs partitions > 0 and replicas >= 0", ErrInvalidArgument, rc.Name)
	}
	if _, err := a.ClusterRecord(clusterName); err != nil {
		return err
	}
	ok, err := a.client.Exists(cluster.StateModelPath(clusterName, rc.StateModel))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStateModel, rc.StateModel)
	}
	data, err := cluster.Encode(rc)
	if err != nil {
		return err
	}
	if _, err := a.client.Create(cluster.ResourcePath(clusterName, rc.Name), data, metastore.Persistent); err != nil {
		if errors.Is(err, metastore.ErrNodeExists) {
			return fmt.Errorf("%w: %s", ErrResourceExists, rc.Name)
		}
		return err
	}
	a.logger.Info().Str("cluster", clusterName).Str("resource", rc.Name).
		Int("partitions", rc.Partitions).Int("replicas", rc.Replicas).Msg("resource added")
	return nil
}

// DropResource removes a resource. The controller drives its replicas to
// the dropped state and then removes its ideal state and external view.
func (a *Admin) DropResource(clusterName, name string) error {
	err := a.client.Delete(cluster.ResourcePath(clusterName, name), metastore.AnyVersion)
	if errors.Is(err, metastore.ErrNoNode) {
		return fmt.Errorf("%w: %s", ErrNoResource, name)
	}
	return err
}

// Rebalance sets the replica count of a resource, which makes the
// controller recompute its placement.
func (a *Admin) Rebalance(clusterName, name string, replicas int) error {
	if replicas < 0 {
		return fmt.Errorf("%w: replicas must be >= 0", ErrInvalidArgument)
	}
	return a.update(cluster.ResourcePath(clusterName, name), &cluster.ResourceConfig{}, ErrNoResource, func(v any) {
		v.(*cluster.ResourceConfig).Replicas = replicas
	})
}

// Resources returns the resource names of the cluster.
func (a *Admin) Resources(clusterName string) ([]string, error) {
	return a.children(clusterName, cluster.ResourcesPath(clusterName))
}

// ResourceConfig returns one resource's configuration.
func (a *Admin) ResourceConfig(clusterName, name string) (*cluster.ResourceConfig, error) {
	rc := &cluster.ResourceConfig{}
	if err := a.read(cluster.ResourcePath(clusterName, name), rc); err != nil {
		if errors.Is(err, metastore.ErrNoNode) {
			return nil, fmt.Errorf("%w: %s", ErrNoResource, name)
		}
		return nil, err
	}
	return rc, nil
}

// IdealState returns the stored ideal state of a resource.
func (a *Admin) IdealState(clusterName, name string) (*cluster.IdealState, error) {
	is := &cluster.IdealState{}
	if err := a.read(cluster.IdealStatePath(clusterName, name), is); err != nil {
		return nil, err
	}
	return is, nil
}

// ExternalView returns the stored external view of a resource.
func (a *Admin) ExternalView(clusterName, name string) (*cluster.ExternalView, error) {
	ev := &cluster.ExternalView{}
	if err := a.read(cluster.ExternalViewPath(clusterName, name), ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// Leader returns the cluster's leader record.
func (a *Admin) Leader(clusterName string) (*cluster.LeaderRecord, error) {
	rec := &cluster.LeaderRecord{}
	if err := a.read(cluster.LeaderPath(clusterName), rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (a *Admin) read(p string, v any) error {
	data, _, err := a.client.Get(p)
	if err != nil {
		return err
	}
	return cluster.Decode(data, v)
}

func (a *Admin) children(clusterName, p string) ([]string, error) {
	names, err := a.client.Children(p)
	if errors.Is(err, metastore.ErrNoNode) {
		return nil, fmt.Errorf("%w: %s", ErrNoCluster, clusterName)
	}
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// update applies fn to the record at p with a compare-and-set loop, so
// concurrent operators never lose each other's changes.
func (a *Admin) update(p string, v any, missing error, fn func(any)) error {
	for {
		data, stat, err := a.client.Get(p)
		if errors.Is(err, metastore.ErrNoNode) {
			return fmt.Errorf("%w: %s", missing, p)
		}
		if err != nil {
			return err
		}
		if err := cluster.Decode(data, v); err != nil {
			return err
		}
		fn(v)
		out, err := cluster.Encode(v)
		if err != nil {
			return err
		}
		_, err = a.client.Set(p, out, stat.Version)
		if errors.Is(err, metastore.ErrBadVersion) {
			continue
		}
		return err
	}
}

func validName(name string) error {
	if name == "" || strings.ContainsAny(name, "/ ") {
		return fmt.Errorf("%w: name %q", ErrInvalidArgument, name)
	}
	return nil
}
