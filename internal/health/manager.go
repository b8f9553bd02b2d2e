package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
)

// Manager runs registered checks on demand and derives the overall status.
type Manager struct {
	checkers    map[string]Checker
	lastResults map[string]CheckResult
	logger      *zap.Logger
	mu          sync.RWMutex
}

func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		checkers:    make(map[string]Checker),
		lastResults: make(map[string]CheckResult),
		logger:      logger,
	}
}

func (m *Manager) RegisterChecker(checker Checker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	name := checker.Name()
	if _, exists := m.checkers[name]; exists {
		return fmt.Errorf("health checker %q already registered", name)
	}
	m.checkers[name] = checker
	m.logger.Info("Health checker registered",
		zap.String("name", name),
		zap.Bool("critical", checker.IsCritical()),
	)
	return nil
}

func (m *Manager) UnregisterChecker(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.checkers[name]; !exists {
		return fmt.Errorf("health checker %q not found", name)
	}
	delete(m.checkers, name)
	delete(m.lastResults, name)
	return nil
}

func (m *Manager) GetOverallHealth(ctx context.Context) OverallHealth {
	startTime := time.Now()
	overall := m.GetDetailedHealth(ctx).Overall
	overall.Duration = time.Since(startTime)
	return overall
}

// GetDetailedHealth runs every check concurrently, each under its own
// timeout.
func (m *Manager) GetDetailedHealth(ctx context.Context) DetailedHealth {
	m.mu.RLock()
	checkers := make([]Checker, 0, len(m.checkers))
	for _, c := range m.checkers {
		checkers = append(checkers, c)
	}
	m.mu.RUnlock()

	timestamp := time.Now()
	p := pool.NewWithResults[CheckResult]().WithMaxGoroutines(max(1, len(checkers)))
	for _, c := range checkers {
		p.Go(func() CheckResult { return m.runSingleCheck(ctx, c) })
	}
	results := p.Wait()

	components := make(map[string]CheckResult, len(results))
	summary := HealthSummary{Total: len(results)}
	for _, result := range results {
		components[result.Component] = result
		switch result.Status {
		case StatusHealthy:
			summary.Healthy++
		case StatusDegraded:
			summary.Degraded++
		case StatusUnhealthy:
			summary.Unhealthy++
		}
		if result.Critical {
			summary.Critical++
		} else {
			summary.NonCritical++
		}
	}

	m.mu.Lock()
	for name, result := range components {
		m.lastResults[name] = result
	}
	m.mu.Unlock()

	overall := calculateOverallStatus(components, summary)
	overall.Timestamp = timestamp
	return DetailedHealth{
		Overall:    overall,
		Components: components,
		Summary:    summary,
		Timestamp:  timestamp,
	}
}

func (m *Manager) runSingleCheck(ctx context.Context, checker Checker) CheckResult {
	checkCtx, cancel := context.WithTimeout(ctx, checker.Timeout())
	defer cancel()

	startTime := time.Now()
	result := checker.Check(checkCtx)
	result.Component = checker.Name()
	result.Critical = checker.IsCritical()
	result.Duration = time.Since(startTime)
	result.Timestamp = startTime
	if result.Status == StatusUnhealthy {
		m.logger.Warn("Health check failing",
			zap.String("component", result.Component),
			zap.String("message", result.Message),
			zap.String("error", result.Error),
		)
	}
	return result
}

func calculateOverallStatus(components map[string]CheckResult, summary HealthSummary) OverallHealth {
	if summary.Total == 0 {
		// Nothing to depend on: the process itself is the service.
		return OverallHealth{Status: StatusHealthy, Message: "No health checks registered", Ready: true, Live: true}
	}

	criticalFailures := 0
	nonCriticalFailures := 0
	degradedComponents := 0
	for _, result := range components {
		if result.Status == StatusDegraded {
			degradedComponents++
		}
		if result.Status == StatusUnhealthy {
			if result.Critical {
				criticalFailures++
			} else {
				nonCriticalFailures++
			}
		}
	}

	overall := OverallHealth{Live: true, Ready: true}
	switch {
	case criticalFailures > 0:
		overall.Status = StatusUnhealthy
		overall.Message = fmt.Sprintf("%d critical component(s) failing", criticalFailures)
		overall.Ready = false
	case degradedComponents > 0:
		overall.Status = StatusDegraded
		overall.Message = fmt.Sprintf("%d component(s) degraded", degradedComponents)
	case nonCriticalFailures > 0:
		overall.Status = StatusDegraded
		overall.Message = fmt.Sprintf("%d non-critical component(s) failing", nonCriticalFailures)
	default:
		overall.Status = StatusHealthy
		overall.Message = fmt.Sprintf("All %d components healthy", summary.Total)
	}
	overall.Degraded = overall.Status == StatusDegraded || degradedComponents > 0
	return overall
}

func (m *Manager) IsReady(ctx context.Context) bool { return m.GetOverallHealth(ctx).Ready }

func (m *Manager) IsLive(ctx context.Context) bool { return m.GetOverallHealth(ctx).Live }

// GetLastResults returns the results of the most recent run.
func (m *Manager) GetLastResults() map[string]CheckResult {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]CheckResult, len(m.lastResults))
	for k, v := range m.lastResults {
		out[k] = v
	}
	return out
}
