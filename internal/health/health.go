// Package health aggregates subsystem probes into a single service status.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/devrev/objectstore/internal/metrics"
	"github.com/devrev/objectstore/internal/model"
)

// Probe checks one subsystem. A failing critical probe makes the service
// unhealthy; a failing non-critical probe only degrades it.
type Probe struct {
	Name     string
	Critical bool
	Check    func(ctx context.Context) error
}

// CheckResult is the outcome of one probe
type CheckResult struct {
	Status    model.CheckStatus `json:"status"`
	Critical  bool              `json:"critical"`
	LatencyMS int64             `json:"latency_ms"`
	Error     string            `json:"error,omitempty"`
}

// Report is an aggregated health snapshot
type Report struct {
	Status    model.ServiceStatus    `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks"`
}

// Monitor runs probes on demand and on a background interval.
type Monitor struct {
	probes   []Probe
	timeout  time.Duration
	interval time.Duration
	metrics  *metrics.Metrics
	logger   *zap.Logger

	mu   sync.RWMutex
	last *Report
}

// NewMonitor creates a monitor. Each probe is bounded by timeout.
func NewMonitor(probes []Probe, timeout, interval time.Duration, m *metrics.Metrics, logger *zap.Logger) *Monitor {
	return &Monitor{
		probes:   probes,
		timeout:  timeout,
		interval: interval,
		metrics:  m,
		logger:   logger,
	}
}

// Check runs every probe concurrently and aggregates the results.
func (hm *Monitor) Check(ctx context.Context) Report {
	results := make([]CheckResult, len(hm.probes))

	var g errgroup.Group
	for i, probe := range hm.probes {
		i, probe := i, probe
		g.Go(func() error {
			results[i] = hm.run(ctx, probe)
			return nil
		})
	}
	_ = g.Wait()

	report := Report{
		Status:    model.StatusHealthy,
		Timestamp: time.Now().UTC(),
		Checks:    make(map[string]CheckResult, len(hm.probes)),
	}
	for i, probe := range hm.probes {
		result := results[i]
		report.Checks[probe.Name] = result
		if result.Status == model.CheckPassed {
			continue
		}
		if probe.Critical {
			report.Status = model.StatusUnhealthy
		} else if report.Status == model.StatusHealthy {
			report.Status = model.StatusDegraded
		}
	}

	hm.record(report)
	return report
}

// run executes one probe under the probe timeout. A probe that does not
// return in time counts as failed even if it ignores its context.
func (hm *Monitor) run(ctx context.Context, probe Probe) CheckResult {
	if hm.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, hm.timeout)
		defer cancel()
	}

	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- probe.Check(ctx) }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	result := CheckResult{
		Status:    model.CheckPassed,
		Critical:  probe.Critical,
		LatencyMS: time.Since(start).Milliseconds(),
	}
	if err != nil {
		result.Status = model.CheckFailed
		result.Error = err.Error()
	}
	return result
}

func (hm *Monitor) record(report Report) {
	hm.mu.Lock()
	previous := hm.last
	hm.last = &report
	hm.mu.Unlock()

	if hm.metrics != nil {
		hm.metrics.SetHealthStatus(statusLevel(report.Status))
		for name, result := range report.Checks {
			hm.metrics.SetHealthCheck(name, result.Status == model.CheckPassed)
		}
	}

	if previous == nil || previous.Status != report.Status {
		fields := []zap.Field{zap.String("status", string(report.Status))}
		for name, result := range report.Checks {
			if result.Status == model.CheckFailed {
				fields = append(fields, zap.String("failed_"+name, result.Error))
			}
		}
		if report.Status == model.StatusHealthy {
			hm.logger.Info("Health status changed", fields...)
		} else {
			hm.logger.Warn("Health status changed", fields...)
		}
	}
}

func statusLevel(status model.ServiceStatus) float64 {
	switch status {
	case model.StatusHealthy:
		return 2
	case model.StatusDegraded:
		return 1
	default:
		return 0
	}
}

// Last returns the most recent report, if any check has run.
func (hm *Monitor) Last() (Report, bool) {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	if hm.last == nil {
		return Report{}, false
	}
	return *hm.last, true
}

// Start refreshes the cached report every interval until ctx is done.
func (hm *Monitor) Start(ctx context.Context) {
	if hm.interval <= 0 {
		return
	}

	hm.Check(ctx)

	ticker := time.NewTicker(hm.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hm.Check(ctx)
		}
	}
}

// HealthHandler handles GET /health requests with a fresh check.
func (hm *Monitor) HealthHandler(w http.ResponseWriter, r *http.Request) {
	report := hm.Check(r.Context())

	statusCode := http.StatusOK
	if report.Status == model.StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(report); err != nil {
		hm.logger.Debug("Failed to encode health report", zap.Error(err))
	}
}

// ReadyHandler handles GET /minio/health/ready. A degraded service is still
// ready.
func (hm *Monitor) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	report := hm.Check(r.Context())

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if report.Status == model.StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("NOT READY"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("READY"))
}

// LiveHandler handles GET /minio/health/live. It only reports that the
// process is serving.
func (hm *Monitor) LiveHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
