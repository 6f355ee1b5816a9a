// Copyright 2023 The emqx-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package monitor provides health checking for the broker: named checks
// run on demand and exposed as liveness and readiness endpoints.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/turtacn/mqtt-core/pkg/logger"
)

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"

	// checkTimeout bounds each check when the caller's context has no
	// deadline of its own.
	checkTimeout = 2 * time.Second

	maxGoroutines = 10000
)

// CheckFunc reports a problem by returning an error.
type CheckFunc func(ctx context.Context) error

// HealthCheck represents a registered health check
type HealthCheck struct {
	Name     string
	Check    CheckFunc
	Critical bool
}

// HealthChecker provides health checking functionality
type HealthChecker struct {
	mu      sync.RWMutex
	checks  map[string]HealthCheck
	started time.Time
	last    HealthStatus
}

// HealthStatus represents the overall health status
type HealthStatus struct {
	Status     string                 `json:"status"`
	Timestamp  time.Time              `json:"timestamp"`
	Uptime     int64                  `json:"uptime"`
	Checks     map[string]CheckResult `json:"checks"`
	SystemInfo SystemInfo             `json:"system_info"`
}

// CheckResult represents the result of a health check
type CheckResult struct {
	Status   string `json:"status"`
	Message  string `json:"message,omitempty"`
	Critical bool   `json:"critical"`
}

// SystemInfo contains process-level information
type SystemInfo struct {
	Goroutines int    `json:"goroutines"`
	Alloc      uint64 `json:"alloc"`
	NumGC      uint32 `json:"num_gc"`
}

// NewHealthChecker creates a health checker with the default goroutine
// check registered.
func NewHealthChecker() *HealthChecker {
	hc := &HealthChecker{
		checks:  make(map[string]HealthCheck),
		started: time.Now(),
	}

	hc.RegisterCheck("goroutines", func(context.Context) error {
		if count := runtime.NumGoroutine(); count > maxGoroutines {
			return fmt.Errorf("high goroutine count: %d", count)
		}
		return nil
	}, false)

	return hc
}

// RegisterCheck registers a check, replacing any check of the same name. A
// failing critical check makes the broker unhealthy; any other failure only
// degrades it.
func (hc *HealthChecker) RegisterCheck(name string, check CheckFunc, critical bool) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.checks[name] = HealthCheck{Name: name, Check: check, Critical: critical}
}

// UnregisterCheck removes a health check
func (hc *HealthChecker) UnregisterCheck(name string) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	delete(hc.checks, name)
}

// RunChecks executes all registered checks and records the result.
func (hc *HealthChecker) RunChecks(ctx context.Context) HealthStatus {
	hc.mu.RLock()
	checks := make([]HealthCheck, 0, len(hc.checks))
	for _, c := range hc.checks {
		checks = append(checks, c)
	}
	hc.mu.RUnlock()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, checkTimeout)
		defer cancel()
	}

	now := time.Now()
	status := HealthStatus{
		Status:     StatusHealthy,
		Timestamp:  now,
		Uptime:     int64(now.Sub(hc.started).Seconds()),
		Checks:     make(map[string]CheckResult, len(checks)),
		SystemInfo: systemInfo(),
	}
	for _, c := range checks {
		res := CheckResult{Status: "passed", Critical: c.Critical}
		if err := c.Check(ctx); err != nil {
			res.Status = "failed"
			res.Message = err.Error()
			switch {
			case c.Critical:
				status.Status = StatusUnhealthy
			case status.Status == StatusHealthy:
				status.Status = StatusDegraded
			}
			slog.Warn("health check failed", slog.String("check", c.Name), logger.Err(err))
		}
		status.Checks[c.Name] = res
	}

	hc.mu.Lock()
	hc.last = status
	hc.mu.Unlock()
	return status
}

// LastStatus returns the result of the most recent RunChecks.
func (hc *HealthChecker) LastStatus() HealthStatus {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.last
}

func systemInfo() SystemInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return SystemInfo{
		Goroutines: runtime.NumGoroutine(),
		Alloc:      m.Alloc,
		NumGC:      m.NumGC,
	}
}

// HealthServer exposes a HealthChecker over HTTP.
type HealthServer struct {
	checker *HealthChecker
}

func NewHealthServer(checker *HealthChecker) *HealthServer {
	return &HealthServer{checker: checker}
}

// RegisterRoutes mounts /health, /health/live and /health/ready on mux.
func (hs *HealthServer) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", hs.handleHealth)
	mux.HandleFunc("GET /health/live", hs.handleLiveness)
	mux.HandleFunc("GET /health/ready", hs.handleReadiness)
}

// handleHealth runs every check and reports the detailed result.
func (hs *HealthServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := hs.checker.RunChecks(r.Context())
	code := http.StatusOK
	if status.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

// handleLiveness answers as long as the process can serve HTTP.
func (hs *HealthServer) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// handleReadiness fails while any critical check fails.
func (hs *HealthServer) handleReadiness(w http.ResponseWriter, r *http.Request) {
	status := hs.checker.RunChecks(r.Context())
	if status.Status == StatusUnhealthy {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}
