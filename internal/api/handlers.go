package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dreamware/converge/internal/cluster"
	"github.com/dreamware/converge/internal/coordinator"
	"github.com/dreamware/converge/internal/participant"
	"github.com/dreamware/converge/internal/verifier"
)

// AddClusterRequest creates a cluster. When GrandCluster is set the new
// cluster is also placed under that grand cluster's management.
type AddClusterRequest struct {
	Name          string `json:"name"`
	GrandCluster  string `json:"grand_cluster,omitempty"`
	GrandReplicas int    `json:"grand_replicas,omitempty"`
}

// AddToGrandRequest places an existing cluster under a grand cluster.
type AddToGrandRequest struct {
	GrandCluster string `json:"grand_cluster"`
	Replicas     int    `json:"replicas,omitempty"`
}

// ClusterResponse describes one cluster.
type ClusterResponse struct {
	Record    *cluster.ClusterRecord `json:"record"`
	Leader    *cluster.LeaderRecord  `json:"leader,omitempty"`
	Instances []string               `json:"instances"`
	Live      []string               `json:"live"`
	Resources []string               `json:"resources"`
}

// AddInstanceRequest configures an instance given as host:port.
type AddInstanceRequest struct {
	HostPort string `json:"host_port"`
}

// EnableRequest enables or disables an instance.
type EnableRequest struct {
	Enabled bool `json:"enabled"`
}

// RebalanceRequest sets a resource's replica count.
type RebalanceRequest struct {
	Replicas int `json:"replicas"`
}

// VerifyResponse reports a verification run.
type VerifyResponse struct {
	Converged bool     `json:"converged"`
	Diffs     []string `json:"diffs,omitempty"`
}

func (s *Server) listClusters(w http.ResponseWriter, r *http.Request) {
	names, err := s.opts.Admin.Clusters()
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"clusters": names})
}

func (s *Server) addCluster(w http.ResponseWriter, r *http.Request) {
	var req AddClusterRequest
	if err := decode(r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if err := s.opts.Admin.AddCluster(req.Name); err != nil {
		s.fail(w, err)
		return
	}
	if req.GrandCluster != "" {
		if err := s.opts.Admin.AddClusterToGrand(req.Name, req.GrandCluster, req.GrandReplicas); err != nil {
			s.fail(w, err)
			return
		}
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{"name": req.Name, "created": true})
}

func (s *Server) addToGrand(w http.ResponseWriter, r *http.Request) {
	var req AddToGrandRequest
	if err := decode(r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	name := chi.URLParam(r, "cluster")
	if err := s.opts.Admin.AddClusterToGrand(name, req.GrandCluster, req.Replicas); err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"name": name, "grand_cluster": req.GrandCluster})
}

func (s *Server) getCluster(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "cluster")
	rec, err := s.opts.Admin.ClusterRecord(name)
	if err != nil {
		s.fail(w, err)
		return
	}
	resp := ClusterResponse{Record: rec}
	if resp.Instances, err = s.opts.Admin.Instances(name); err != nil {
		s.fail(w, err)
		return
	}
	if resp.Live, err = s.opts.Admin.LiveInstances(name); err != nil {
		s.fail(w, err)
		return
	}
	if resp.Resources, err = s.opts.Admin.Resources(name); err != nil {
		s.fail(w, err)
		return
	}
	if leader, err := s.opts.Admin.Leader(name); err == nil {
		resp.Leader = leader
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) getLeader(w http.ResponseWriter, r *http.Request) {
	rec, err := s.opts.Admin.Leader(chi.URLParam(r, "cluster"))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) getAssignments(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "cluster")
	var reg *coordinator.AssignmentRegistry
	if s.opts.Assignments != nil {
		reg = s.opts.Assignments(name)
	}
	if reg == nil {
		s.errorResponse(w, http.StatusNotFound, "cluster "+name+" is not led by this process")
		return
	}
	list := reg.All()
	if inst := r.URL.Query().Get("instance"); inst != "" {
		list = reg.Instance(inst)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"version":     reg.Version(),
		"counts":      reg.Counts(),
		"assignments": list,
	})
}

func (s *Server) getReplicas(w http.ResponseWriter, r *http.Request) {
	name, inst := chi.URLParam(r, "cluster"), chi.URLParam(r, "instance")
	var (
		list []participant.ReplicaInfo
		ok   bool
	)
	if s.opts.Replicas != nil {
		list, ok = s.opts.Replicas(name, inst)
	}
	if !ok {
		s.errorResponse(w, http.StatusNotFound, "instance "+inst+" does not run in this process")
		return
	}
	if list == nil {
		list = []participant.ReplicaInfo{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"instance": inst, "replicas": list})
}

func (s *Server) getListeners(w http.ResponseWriter, r *http.Request) {
	if s.opts.Listeners == nil {
		s.errorResponse(w, http.StatusNotFound, "listener counts unavailable")
		return
	}
	name := chi.URLParam(r, "cluster")
	instances, err := s.opts.Admin.Instances(name)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, verifier.ListenersOnMessages(s.opts.Listeners, name, instances...))
}

// verify polls until the cluster converges or the budget runs out. The
// budget comes from the server options, overridable with max_attempts and
// interval_ms query parameters.
func (s *Server) verify(w http.ResponseWriter, r *http.Request) {
	if s.opts.Client == nil {
		s.errorResponse(w, http.StatusNotFound, "verification unavailable")
		return
	}
	name := chi.URLParam(r, "cluster")
	if _, err := s.opts.Admin.ClusterRecord(name); err != nil {
		s.fail(w, err)
		return
	}
	attempts := queryInt(r, "max_attempts", s.opts.VerifyAttempts)
	interval := s.opts.VerifyInterval
	if ms := queryInt(r, "interval_ms", 0); ms > 0 {
		interval = time.Duration(ms) * time.Millisecond
	}

	v := verifier.NewBestPossibleVerifier(s.opts.Client, name, s.opts.Strategy, nil, s.logger)
	ok := verifier.VerifyByPolling(r.Context(), v.Verify, attempts, interval)
	resp := VerifyResponse{Converged: ok}
	if !ok {
		resp.Diffs, _ = v.Diff()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) listInstances(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "cluster")
	all, err := s.opts.Admin.Instances(name)
	if err != nil {
		s.fail(w, err)
		return
	}
	configs := make([]*cluster.InstanceConfig, 0, len(all))
	for _, inst := range all {
		cfg, err := s.opts.Admin.InstanceConfig(name, inst)
		if err != nil {
			continue
		}
		configs = append(configs, cfg)
	}
	live, err := s.opts.Admin.LiveInstances(name)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"instances": configs, "live": live})
}

func (s *Server) addInstance(w http.ResponseWriter, r *http.Request) {
	var req AddInstanceRequest
	if err := decode(r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	name, err := s.opts.Admin.AddInstance(chi.URLParam(r, "cluster"), req.HostPort)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{"name": name, "created": true})
}

func (s *Server) dropInstance(w http.ResponseWriter, r *http.Request) {
	if err := s.opts.Admin.DropInstance(chi.URLParam(r, "cluster"), chi.URLParam(r, "instance")); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) enableInstance(w http.ResponseWriter, r *http.Request) {
	var req EnableRequest
	if err := decode(r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if err := s.opts.Admin.EnableInstance(chi.URLParam(r, "cluster"), chi.URLParam(r, "instance"), req.Enabled); err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, req)
}

func (s *Server) listResources(w http.ResponseWriter, r *http.Request) {
	names, err := s.opts.Admin.Resources(chi.URLParam(r, "cluster"))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"resources": names})
}

func (s *Server) addResource(w http.ResponseWriter, r *http.Request) {
	var rc cluster.ResourceConfig
	if err := decode(r, &rc); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if err := s.opts.Admin.AddResource(chi.URLParam(r, "cluster"), rc); err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, rc)
}

func (s *Server) getResource(w http.ResponseWriter, r *http.Request) {
	rc, err := s.opts.Admin.ResourceConfig(chi.URLParam(r, "cluster"), chi.URLParam(r, "resource"))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rc)
}

func (s *Server) dropResource(w http.ResponseWriter, r *http.Request) {
	if err := s.opts.Admin.DropResource(chi.URLParam(r, "cluster"), chi.URLParam(r, "resource")); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) rebalance(w http.ResponseWriter, r *http.Request) {
	var req RebalanceRequest
	if err := decode(r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if err := s.opts.Admin.Rebalance(chi.URLParam(r, "cluster"), chi.URLParam(r, "resource"), req.Replicas); err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, req)
}

func (s *Server) getIdealState(w http.ResponseWriter, r *http.Request) {
	is, err := s.opts.Admin.IdealState(chi.URLParam(r, "cluster"), chi.URLParam(r, "resource"))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, is)
}

func (s *Server) getExternalView(w http.ResponseWriter, r *http.Request) {
	ev, err := s.opts.Admin.ExternalView(chi.URLParam(r, "cluster"), chi.URLParam(r, "resource"))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ev)
}
