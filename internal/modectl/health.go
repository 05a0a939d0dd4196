package modectl

import (
	"context"
	"time"

	"github.com/sony/gobreaker"

	"github.com/kjarvik/tradegate/internal/domain"
)

// Probe checks one dependency. It must respect ctx and return quickly.
type Probe func(ctx context.Context) error

// HealthChecker runs named dependency probes behind circuit breakers. A
// component whose breaker is open is reported unhealthy without being
// re-probed, so a flapping dependency is not hammered every interval.
type HealthChecker struct {
	order    []string
	probes   map[string]Probe
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		probes:   make(map[string]Probe),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Register adds a probe under name. Not safe to call after Check has started
// running on another goroutine; register everything during wiring.
func (h *HealthChecker) Register(name string, probe Probe) {
	h.order = append(h.order, name)
	h.probes[name] = probe
	h.breakers[name] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
}

// Check probes every registered component and aggregates the result. Any
// unhealthy component degrades the overall status.
func (h *HealthChecker) Check(ctx context.Context) domain.HealthReport {
	report := domain.HealthReport{
		Status:     domain.HealthHealthy,
		Components: make(map[string]bool, len(h.order)+1),
		Timestamp:  time.Now(),
	}

	for _, name := range h.order {
		probe := h.probes[name]
		_, err := h.breakers[name].Execute(func() (any, error) {
			probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return nil, probe(probeCtx)
		})
		healthy := err == nil
		report.Components[name] = healthy
		if !healthy {
			report.Status = domain.HealthDegraded
		}
	}
	return report
}
