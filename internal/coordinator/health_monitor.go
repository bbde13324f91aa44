package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Probe is one thing the health monitor checks: typically a store session
// held by a controller or a participant.
type Probe struct {
	Name  string
	Check func() error
}

// Pinger is implemented by store sessions.
type Pinger interface {
	Ping() error
}

// SessionProbe checks a store session's liveness.
func SessionProbe(name string, p Pinger) Probe {
	return Probe{Name: name, Check: p.Ping}
}

// ProbeHealth tracks the health status of a single probe.
// Thread-safe: Protected by HealthMonitor's mutex when accessed.
type ProbeHealth struct {
	LastCheck        time.Time `json:"last_check"`        // Timestamp of the last check attempt
	LastHealthy      time.Time `json:"last_healthy"`      // Timestamp of the last successful check
	Name             string    `json:"name"`              // Probe name
	Status           string    `json:"status"`            // "healthy", "unhealthy" or "unknown"
	LastError        string    `json:"last_error,omitempty"`
	ConsecutiveFails int       `json:"consecutive_fails"` // Number of consecutive failed checks
}

// HealthMonitor periodically runs probes and reports those that keep
// failing. The coordinator uses it to notice store sessions that died and
// to serve /health.
// Thread-safe: All methods are safe for concurrent access.
type HealthMonitor struct {
	probes      map[string]*ProbeHealth // Current status per probe
	onUnhealthy func(name string)       // Callback when a probe becomes unhealthy
	logger      zerolog.Logger
	ctx         context.Context    // Context for cancellation
	cancel      context.CancelFunc // Cancel function for shutdown
	interval    time.Duration      // How often to run the probes
	mu          sync.RWMutex       // Protects probes map
	wg          sync.WaitGroup     // Wait group for graceful shutdown
	maxFailures int                // Failures before marking unhealthy
}

// NewHealthMonitor creates a monitor that runs its probes every interval.
// A probe is marked unhealthy after 3 consecutive failures.
//
// Example:
//
//	monitor := NewHealthMonitor(5*time.Second, logger)
//	monitor.SetOnUnhealthy(func(name string) { cancelController() })
//	go monitor.Start(ctx, func() []Probe {
//	    return []Probe{SessionProbe("controller", session)}
//	})
func NewHealthMonitor(interval time.Duration, logger zerolog.Logger) *HealthMonitor {
	ctx, cancel := context.WithCancel(context.Background())
	return &HealthMonitor{
		interval:    interval,
		maxFailures: 3,
		probes:      make(map[string]*ProbeHealth),
		logger:      logger.With().Str("layer", "health").Logger(),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// SetOnUnhealthy sets the callback invoked, on its own goroutine, when a
// probe becomes unhealthy.
func (h *HealthMonitor) SetOnUnhealthy(callback func(name string)) {
	h.onUnhealthy = callback
}

// Start runs the probes returned by provider every interval. It blocks
// until ctx is cancelled or Stop is called.
func (h *HealthMonitor) Start(ctx context.Context, provider func() []Probe) {
	h.wg.Add(1)
	defer h.wg.Done()

	if ctx == nil {
		ctx = h.ctx
	}

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.logger.Debug().Dur("interval", h.interval).Msg("health monitor started")
	h.checkAll(provider())

	for {
		select {
		case <-ticker.C:
			h.checkAll(provider())
		case <-ctx.Done():
			return
		case <-h.ctx.Done():
			return
		}
	}
}

// Stop shuts the monitor down and waits for Start to return.
func (h *HealthMonitor) Stop() {
	h.cancel()
	h.wg.Wait()
}

// checkAll runs every probe and forgets probes no longer provided.
func (h *HealthMonitor) checkAll(probes []Probe) {
	current := make(map[string]bool, len(probes))
	for _, p := range probes {
		current[p.Name] = true
		h.check(p)
	}

	h.mu.Lock()
	for name := range h.probes {
		if !current[name] {
			delete(h.probes, name)
			h.logger.Debug().Str("probe", name).Msg("probe removed")
		}
	}
	h.mu.Unlock()
}

// check runs one probe and updates its record. The probe itself runs
// without the lock held.
func (h *HealthMonitor) check(p Probe) {
	h.mu.Lock()
	health, exists := h.probes[p.Name]
	if !exists {
		now := time.Now()
		health = &ProbeHealth{Name: p.Name, Status: "unknown", LastCheck: now, LastHealthy: now}
		h.probes[p.Name] = health
	}
	h.mu.Unlock()

	err := p.Check()

	h.mu.Lock()
	defer h.mu.Unlock()
	health.LastCheck = time.Now()

	if err != nil {
		health.ConsecutiveFails++
		health.LastError = err.Error()
		h.logger.Warn().Err(err).Str("probe", p.Name).
			Int("attempt", health.ConsecutiveFails).Int("max", h.maxFailures).
			Msg("probe failed")

		if health.ConsecutiveFails >= h.maxFailures {
			previous := health.Status
			health.Status = "unhealthy"
			if previous != "unhealthy" && h.onUnhealthy != nil {
				h.logger.Error().Str("probe", p.Name).Msg("probe unhealthy")
				go h.onUnhealthy(p.Name)
			}
		}
		return
	}

	if health.Status == "unhealthy" {
		h.logger.Info().Str("probe", p.Name).Msg("probe recovered")
	}
	health.Status = "healthy"
	health.ConsecutiveFails = 0
	health.LastError = ""
	health.LastHealthy = time.Now()
}

// GetHealth returns a copy of a probe's status, or nil if unknown.
func (h *HealthMonitor) GetHealth(name string) *ProbeHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()
	health, ok := h.probes[name]
	if !ok {
		return nil
	}
	c := *health
	return &c
}

// GetAllHealth returns a copy of every probe's status.
func (h *HealthMonitor) GetAllHealth() map[string]*ProbeHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]*ProbeHealth, len(h.probes))
	for name, health := range h.probes {
		c := *health
		out[name] = &c
	}
	return out
}

// IsHealthy reports whether a probe's last status is healthy.
func (h *HealthMonitor) IsHealthy(name string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	health, ok := h.probes[name]
	return ok && health.Status == "healthy"
}

// AllHealthy reports whether no probe is unhealthy.
func (h *HealthMonitor) AllHealthy() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, health := range h.probes {
		if health.Status == "unhealthy" {
			return false
		}
	}
	return true
}
