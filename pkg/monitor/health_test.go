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

package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHealthChecker(t *testing.T) {
	hc := NewHealthChecker()

	assert.NotNil(t, hc)
	assert.Contains(t, hc.checks, "goroutines")

	status := hc.RunChecks(context.Background())
	assert.Equal(t, StatusHealthy, status.Status)
	assert.Equal(t, "passed", status.Checks["goroutines"].Status)
	assert.Positive(t, status.SystemInfo.Goroutines)
}

func TestHealthCheckerRegisterCheck(t *testing.T) {
	hc := NewHealthChecker()

	checkCalled := false
	hc.RegisterCheck("test", func(context.Context) error {
		checkCalled = true
		return nil
	}, false)

	assert.Contains(t, hc.checks, "test")
	assert.False(t, hc.checks["test"].Critical)

	hc.RunChecks(context.Background())
	assert.True(t, checkCalled)

	hc.UnregisterCheck("test")
	assert.NotContains(t, hc.checks, "test")
}

func TestHealthCheckerStatus(t *testing.T) {
	hc := NewHealthChecker()

	hc.RegisterCheck("optional", func(context.Context) error { return errors.New("slow") }, false)
	status := hc.RunChecks(context.Background())
	assert.Equal(t, StatusDegraded, status.Status)
	assert.Equal(t, "slow", status.Checks["optional"].Message)

	hc.RegisterCheck("registry", func(context.Context) error { return errors.New("not responding") }, true)
	status = hc.RunChecks(context.Background())
	assert.Equal(t, StatusUnhealthy, status.Status)
	assert.True(t, status.Checks["registry"].Critical)
	assert.Equal(t, status, hc.LastStatus())
}

func TestHealthCheckerBoundsChecks(t *testing.T) {
	hc := NewHealthChecker()
	hc.RegisterCheck("blocked", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, true)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	status := hc.RunChecks(ctx)
	assert.Equal(t, StatusUnhealthy, status.Status)
}

func TestHealthServerRoutes(t *testing.T) {
	hc := NewHealthChecker()
	healthy := true
	hc.RegisterCheck("listener", func(context.Context) error {
		if !healthy {
			return errors.New("not listening")
		}
		return nil
	}, true)

	mux := http.NewServeMux()
	NewHealthServer(hc).RegisterRoutes(mux)

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	rec := get("/health")
	require.Equal(t, http.StatusOK, rec.Code)
	var status HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, StatusHealthy, status.Status)
	assert.Contains(t, status.Checks, "listener")

	assert.Equal(t, http.StatusOK, get("/health/ready").Code)
	assert.Equal(t, http.StatusOK, get("/health/live").Code)

	healthy = false
	assert.Equal(t, http.StatusServiceUnavailable, get("/health").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get("/health/ready").Code)
	assert.Equal(t, http.StatusOK, get("/health/live").Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/health", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
