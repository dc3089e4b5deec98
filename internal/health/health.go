// Package health aggregates the platform's liveness picture: database and
// Redis connectivity, the per-component records collectors and processors
// write to the system:health hash, and host resource usage. The REST /health
// endpoint and the CLI health command both render the same report.
package health

import (
	"context"
	"runtime"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/mytechsonamy/crypto-stock-platform/internal/models"
)

// Status is the aggregate health classification.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// StaleAfter marks a component record degraded when it has not been
// refreshed within this window (three missed 30 s beats).
const StaleAfter = 90 * time.Second

// Pinger verifies connectivity to a critical dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ComponentSource reads the per-component records from the health hash.
type ComponentSource interface {
	GetHealth(ctx context.Context) (map[string]models.HealthReport, error)
}

// Dependency is the reported state of one critical connection.
type Dependency struct {
	Connected bool   `json:"connected"`
	Error     string `json:"error,omitempty"`
}

// Component is one collector or processor record with its staleness flag.
type Component struct {
	models.HealthReport
	Stale bool `json:"stale"`
}

// SystemStats captures host resource usage for the report.
type SystemStats struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	MemoryUsedMB  float64 `json:"memory_used_mb"`
	Goroutines    int     `json:"goroutines"`
}

// Report is the aggregate health response.
type Report struct {
	Status     Status               `json:"status"`
	Timestamp  time.Time            `json:"timestamp"`
	Database   Dependency           `json:"database"`
	Redis      Dependency           `json:"redis"`
	Components map[string]Component `json:"components"`
	System     SystemStats          `json:"system"`
}

// Reporter builds health reports from the wired dependencies. Any field may
// be nil; missing dependencies are simply omitted from the report.
type Reporter struct {
	db         Pinger
	redis      Pinger
	components ComponentSource

	now func() time.Time
}

// NewReporter wires a health reporter.
func NewReporter(db, redis Pinger, components ComponentSource) *Reporter {
	return &Reporter{db: db, redis: redis, components: components, now: time.Now}
}

// Check assembles the current health report. The status is unhealthy iff a
// critical dependency (database or Redis) is missing its connection;
// degraded when every connection is up but a component is stale, stopped or
// disconnected.
func (r *Reporter) Check(ctx context.Context) Report {
	now := r.now()
	report := Report{
		Status:     StatusHealthy,
		Timestamp:  now,
		Components: make(map[string]Component),
		System:     systemStats(),
	}

	report.Database = ping(ctx, r.db)
	report.Redis = ping(ctx, r.redis)
	if !report.Database.Connected || !report.Redis.Connected {
		report.Status = StatusUnhealthy
	}

	if r.components != nil && report.Redis.Connected {
		records, err := r.components.GetHealth(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to read component health records")
		}
		for name, rec := range records {
			c := Component{HealthReport: rec}
			if rec.Timestamp > 0 && now.Sub(time.Unix(rec.Timestamp, 0)) > StaleAfter {
				c.Stale = true
			}
			if report.Status == StatusHealthy && (c.Stale || !rec.Running || !rec.Connected) {
				report.Status = StatusDegraded
			}
			report.Components[name] = c
		}
	}

	return report
}

func ping(ctx context.Context, p Pinger) Dependency {
	if p == nil {
		return Dependency{Connected: false, Error: "not configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := p.Ping(ctx); err != nil {
		return Dependency{Connected: false, Error: err.Error()}
	}
	return Dependency{Connected: true}
}

// systemStats samples host CPU and memory. Failures leave zeroes; resource
// stats never fail a health check.
func systemStats() SystemStats {
	stats := SystemStats{Goroutines: runtime.NumGoroutine()}

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		stats.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		stats.MemoryPercent = vm.UsedPercent
		stats.MemoryUsedMB = float64(vm.Used) / (1024 * 1024)
	}
	return stats
}
