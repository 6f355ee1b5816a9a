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

// package main is the entrypoint for the mqtt-core broker.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/turtacn/mqtt-core/pkg/actor"
	"github.com/turtacn/mqtt-core/pkg/broker"
	"github.com/turtacn/mqtt-core/pkg/config"
	"github.com/turtacn/mqtt-core/pkg/logger"
	"github.com/turtacn/mqtt-core/pkg/metrics"
	"github.com/turtacn/mqtt-core/pkg/monitor"
	"github.com/turtacn/mqtt-core/pkg/session"
	"github.com/turtacn/mqtt-core/pkg/supervisor"
	"github.com/turtacn/mqtt-core/pkg/transport"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "mqtt-core",
		Short: "Minimal MQTT publish/subscribe broker",
		Long: `mqtt-core accepts MQTT 3.1 and 3.1.1 clients over TCP, records
exact-match topic subscriptions and forwards each PUBLISH to the
subscribers of its topic.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadSettings(cmd)
			if err != nil {
				return err
			}
			log, err := logger.Setup(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(cfg, log)
			if err != nil {
				log.Error("Broker failed to start", logger.Err(err))
				return err
			}
			return a.run(ctx)
		},
	}

	root.PersistentFlags().StringP("config", "c", "", "path to a YAML or JSON config file")
	root.Flags().String("listen", "", "MQTT listen address, overrides broker.listen_addr")
	root.Flags().String("metrics", "", "metrics listen address, overrides broker.metrics_addr")
	root.AddCommand(newConfigCmd())
	return root
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and generate configuration files",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "init [path]",
		Short: "Write the default configuration to path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(args[0]); err == nil {
				return fmt.Errorf("%s already exists", args[0])
			}
			return config.SaveConfig(config.DefaultConfig(), args[0])
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Validate the file given with --config",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadSettings(cmd)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "configuration OK: listening on %s, dispatch every %s\n",
				cfg.Broker.ListenAddr, cfg.Interval())
			return nil
		},
	})
	return cmd
}

// loadSettings reads the config file named by --config and applies any
// command line overrides on top of it.
func loadSettings(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}

	if f := cmd.Flags().Lookup("listen"); f != nil && f.Changed {
		cfg.Broker.ListenAddr = f.Value.String()
	}
	if f := cmd.Flags().Lookup("metrics"); f != nil && f.Changed {
		cfg.Broker.MetricsAddr = f.Value.String()
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// app is one wired broker: the Registry, the Dispatcher and the listener.
type app struct {
	cfg        *config.Config
	log        *slog.Logger
	queue      *broker.MessageQueue
	dispatcher *broker.Dispatcher
	server     *transport.Server
	health     *monitor.HealthChecker
}

func newApp(cfg *config.Config, log *slog.Logger) (*app, error) {
	if log == nil {
		log = slog.Default()
	}
	queue := broker.NewMessageQueue(actor.NewMailbox(cfg.Broker.MailboxSize), log)
	dispatcher := broker.NewDispatcher(queue, cfg.Interval(),
		broker.WithWakeup(queue.Ready()),
		broker.WithLogger(log))

	server := transport.NewServer(queue, sessionOptions(cfg, log))
	if err := server.Listen(cfg.Broker.ListenAddr); err != nil {
		return nil, err
	}

	health := monitor.NewHealthChecker()
	health.RegisterCheck("registry", func(ctx context.Context) error {
		_, err := queue.Stats(ctx)
		return err
	}, true)
	health.RegisterCheck("listener", func(context.Context) error {
		if server.Addr() == nil {
			return errors.New("not listening")
		}
		return nil
	}, true)

	return &app{
		cfg:        cfg,
		log:        log,
		queue:      queue,
		dispatcher: dispatcher,
		server:     server,
		health:     health,
	}, nil
}

// sessionOptions applies the broker settings to every new session.
func sessionOptions(cfg *config.Config, log *slog.Logger) session.Options {
	return session.Options{
		MailboxSize:   cfg.Broker.MailboxSize,
		MaxPacketSize: cfg.Broker.MaxPacketSize,
		WriteTimeout:  cfg.ClientWriteTimeout(),
		Logger:        log,
	}
}

// run serves until ctx is canceled or one of the broker's actors fails.
func (a *app) run(ctx context.Context) error {
	specs := []supervisor.Spec{
		{ID: "registry", Actor: a.queue, Mailbox: a.queue.Mailbox(), Logger: a.log},
		{ID: "dispatcher", Actor: a.dispatcher, Logger: a.log},
		{ID: "listener", Actor: a.server, Logger: a.log},
	}
	if addr := a.cfg.Broker.MetricsAddr; addr != "" {
		serve := actor.Func(func(ctx context.Context, _ *actor.Mailbox) error {
			return metrics.Serve(ctx, addr, monitor.NewHealthServer(a.health).RegisterRoutes)
		})
		specs = append(specs, supervisor.Spec{ID: "metrics", Actor: serve, Logger: a.log})
	}

	a.log.Info("Broker started", slog.String("addr", a.server.Addr().String()))
	if err := supervisor.Link(ctx, specs...); err != nil {
		a.log.Error("Broker stopped", logger.Err(err))
		return err
	}
	a.log.Info("Broker stopped")
	return nil
}
