// Package config loads the coordinator's configuration: a YAML file, then
// CONVERGE_* environment overrides, then validation.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dreamware/converge/internal/cluster"
	"github.com/dreamware/converge/internal/rebalancer"
	"github.com/dreamware/converge/internal/retry"
)

// Controller modes.
const (
	ModeStandalone  = "standalone"
	ModeDistributed = "distributed"
)

// Config is the coordinator process configuration.
type Config struct {
	Store        StoreConfig         `yaml:"store"`
	Controller   ControllerConfig    `yaml:"controller"`
	Participants []ParticipantConfig `yaml:"participants"`
	API          APIConfig           `yaml:"api"`
	Log          LogConfig           `yaml:"log"`
	Retry        retry.Policy        `yaml:"retry"`
	Verifier     VerifierConfig      `yaml:"verifier"`
}

// StoreConfig selects the metadata store backend.
type StoreConfig struct {
	// DataDir holds the badger files; empty keeps the store in memory.
	DataDir string `yaml:"data_dir"`
}

// ControllerConfig describes the controller this process runs.
type ControllerConfig struct {
	Name string `yaml:"name"`
	// Mode is "standalone" or "distributed".
	Mode string `yaml:"mode"`
	// Cluster is the cluster led in standalone mode.
	Cluster string `yaml:"cluster"`
	// GrandCluster is the grand cluster joined in distributed mode.
	GrandCluster string        `yaml:"grand_cluster"`
	Resync       time.Duration `yaml:"resync"`
	Strategy     string        `yaml:"strategy"`
}

// ParticipantConfig is one mock participant started in-process.
type ParticipantConfig struct {
	Cluster string `yaml:"cluster"`
	// Instance is given as host:port or as an instance name.
	Instance string        `yaml:"instance"`
	Delay    time.Duration `yaml:"delay"`
}

// APIConfig configures the admin HTTP API.
type APIConfig struct {
	Listen string `yaml:"listen"`
}

// LogConfig configures the root logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// VerifierConfig bounds convergence polling.
type VerifierConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Interval    time.Duration `yaml:"interval"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Controller: ControllerConfig{
			Name:     "controller_0",
			Mode:     ModeStandalone,
			Cluster:  "TestCluster",
			Resync:   30 * time.Second,
			Strategy: rebalancer.BalancedStrategy,
		},
		API:      APIConfig{Listen: ":8080"},
		Log:      LogConfig{Level: "info", Format: "console"},
		Retry:    retry.DefaultPolicy(),
		Verifier: VerifierConfig{MaxAttempts: 60, Interval: 500 * time.Millisecond},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// applyEnv overrides fields from CONVERGE_* variables.
func (c *Config) applyEnv(lookup func(string) string) error {
	getenv := func(key, def string) string {
		if v := lookup(key); v != "" {
			return v
		}
		return def
	}
	c.Store.DataDir = getenv("CONVERGE_DATA_DIR", c.Store.DataDir)
	c.Controller.Name = getenv("CONVERGE_CONTROLLER_NAME", c.Controller.Name)
	c.Controller.Mode = getenv("CONVERGE_MODE", c.Controller.Mode)
	c.Controller.Cluster = getenv("CONVERGE_CLUSTER", c.Controller.Cluster)
	c.Controller.GrandCluster = getenv("CONVERGE_GRAND_CLUSTER", c.Controller.GrandCluster)
	c.Controller.Strategy = getenv("CONVERGE_STRATEGY", c.Controller.Strategy)
	c.API.Listen = getenv("CONVERGE_API_LISTEN", c.API.Listen)
	c.Log.Level = getenv("CONVERGE_LOG_LEVEL", c.Log.Level)
	c.Log.Format = getenv("CONVERGE_LOG_FORMAT", c.Log.Format)

	if v := lookup("CONVERGE_RESYNC"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("CONVERGE_RESYNC: %w", err)
		}
		c.Controller.Resync = d
	}
	if v := lookup("CONVERGE_RETRY_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CONVERGE_RETRY_ATTEMPTS: %w", err)
		}
		c.Retry.Attempts = n
	}
	return nil
}

// ValidationError lists every problem found in a configuration.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return "invalid configuration: " + e.Errors[0]
	}
	var b strings.Builder
	b.WriteString("invalid configuration:\n")
	for i, err := range e.Errors {
		fmt.Fprintf(&b, "  %d. %s\n", i+1, err)
	}
	return b.String()
}

// Validate reports all problems at once as a *ValidationError.
func (c Config) Validate() error {
	var errs []string
	if c.Controller.Name == "" {
		errs = append(errs, "controller.name: must not be empty")
	}
	switch c.Controller.Mode {
	case ModeStandalone:
		if c.Controller.Cluster == "" {
			errs = append(errs, "controller.cluster: required in standalone mode")
		}
	case ModeDistributed:
		if c.Controller.GrandCluster == "" {
			errs = append(errs, "controller.grand_cluster: required in distributed mode")
		}
	default:
		errs = append(errs, fmt.Sprintf("controller.mode: %q is not standalone or distributed", c.Controller.Mode))
	}
	if c.Controller.Resync <= 0 {
		errs = append(errs, "controller.resync: must be positive")
	}
	switch c.Controller.Strategy {
	case rebalancer.BalancedStrategy, rebalancer.ConsistentStrategy:
	default:
		errs = append(errs, fmt.Sprintf("controller.strategy: unknown strategy %q", c.Controller.Strategy))
	}
	for i, p := range c.Participants {
		if p.Cluster == "" || p.Instance == "" {
			errs = append(errs, fmt.Sprintf("participants[%d]: cluster and instance are required", i))
		}
		if strings.Contains(cluster.InstanceName(p.Instance), "/") {
			errs = append(errs, fmt.Sprintf("participants[%d]: instance %q contains '/'", i, p.Instance))
		}
	}
	if c.API.Listen == "" {
		errs = append(errs, "api.listen: must not be empty")
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Sprintf("log.format: %q is not console or json", c.Log.Format))
	}
	if c.Retry.Attempts < 1 {
		errs = append(errs, "retry.attempts: must be at least 1")
	}
	if c.Retry.Initial < 0 || c.Retry.Max < c.Retry.Initial {
		errs = append(errs, "retry: need 0 <= initial <= max")
	}
	if c.Verifier.MaxAttempts < 1 || c.Verifier.Interval <= 0 {
		errs = append(errs, "verifier: max_attempts and interval must be positive")
	}
	if len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}
	return nil
}

// IsValidation reports whether err came from Validate.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
