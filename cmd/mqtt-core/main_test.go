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

package main

import (
	"bytes"
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mochi-mqtt/server/v2/packets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/mqtt-core/pkg/config"
	"github.com/turtacn/mqtt-core/pkg/logger"
	"github.com/turtacn/mqtt-core/pkg/monitor"
	"github.com/turtacn/mqtt-core/pkg/protocol/mqtt"
)

func TestConfigInitAndCheck(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mqtt-core.yaml")

	root := newRootCmd()
	root.SetArgs([]string{"config", "init", path})
	require.NoError(t, root.Execute())
	_, err := os.Stat(path)
	require.NoError(t, err)

	root = newRootCmd()
	root.SetArgs([]string{"config", "init", path})
	root.SetErr(io.Discard)
	assert.Error(t, root.Execute(), "init must not overwrite an existing file")

	var out bytes.Buffer
	root = newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"config", "check", "--config", path})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "listening on 127.0.0.1:1883")
	assert.Contains(t, out.String(), "dispatch every 100ms")
}

func TestLoadSettingsOverrides(t *testing.T) {
	root := newRootCmd()
	require.NoError(t, root.ParseFlags([]string{"--listen", "127.0.0.1:2883", "--metrics", ":9100"}))

	cfg, err := loadSettings(root)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:2883", cfg.Broker.ListenAddr)
	assert.Equal(t, ":9100", cfg.Broker.MetricsAddr)

	root = newRootCmd()
	require.NoError(t, root.ParseFlags([]string{"--listen", "no-port"}))
	_, err = loadSettings(root)
	assert.Error(t, err)
}

func TestAppRun(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Broker.ListenAddr = "127.0.0.1:0"
	log, err := logger.New(io.Discard, "error", logger.FormatJSON)
	require.NoError(t, err)

	a, err := newApp(cfg, log)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.run(ctx) }()

	conn, err := net.DialTimeout("tcp", a.server.Addr().String(), time.Second)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, mqtt.Write(conn, mqtt.NewConnect("c1", mqtt.Version31), mqtt.Version31))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	d := mqtt.NewDecoder(conn)
	d.SetProtocolVersion(mqtt.Version31)
	pk, err := d.DecodeNext()
	require.NoError(t, err)
	assert.Equal(t, packets.Connack, pk.FixedHeader.Type)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("broker did not stop")
	}
}

func TestNewAppListenFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := config.DefaultConfig()
	cfg.Broker.ListenAddr = ln.Addr().String()
	_, err = newApp(cfg, nil)
	assert.Error(t, err)
}

func TestAppHealthChecks(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Broker.ListenAddr = "127.0.0.1:0"
	a, err := newApp(cfg, nil)
	require.NoError(t, err)

	// The registry is not running yet, so its check times out.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	status := a.health.RunChecks(ctx)
	assert.Equal(t, monitor.StatusUnhealthy, status.Status)
	assert.Equal(t, "failed", status.Checks["registry"].Status)
	assert.Equal(t, "passed", status.Checks["listener"].Status)

	runCtx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.run(runCtx) }()
	defer func() {
		stop()
		<-done
	}()

	require.Eventually(t, func() bool {
		return a.health.RunChecks(context.Background()).Status == monitor.StatusHealthy
	}, 2*time.Second, 20*time.Millisecond)
}

func TestSessionOptionsFollowConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Broker.MailboxSize = 7
	cfg.Broker.MaxPacketSize = 512

	opts := sessionOptions(cfg, nil)
	assert.Equal(t, 7, opts.MailboxSize)
	assert.Equal(t, 512, opts.MaxPacketSize)
	assert.Equal(t, 10*time.Second, opts.WriteTimeout)
}

func TestAppDropsOversizedPacket(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Broker.ListenAddr = "127.0.0.1:0"
	cfg.Broker.MaxPacketSize = 64
	log, err := logger.New(io.Discard, "error", logger.FormatJSON)
	require.NoError(t, err)

	a, err := newApp(cfg, log)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	conn, err := net.DialTimeout("tcp", a.server.Addr().String(), time.Second)
	require.NoError(t, err)
	defer conn.Close()

	// Declares a 256 MiB PUBLISH and sends nothing more.
	_, err = conn.Write([]byte{0x30, 0xFF, 0xFF, 0xFF, 0x7F})
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF, "connection must be closed by the broker")
}
