// Copyright 2026 The Skymesh Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/skymesh-foundation/skymesh/lib/config"
	"github.com/skymesh-foundation/skymesh/swarm"
	"github.com/skymesh-foundation/skymesh/swarm/policy"
	"github.com/skymesh-foundation/skymesh/swarm/registry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "skymesh-agent:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath   string
		logLevel     string
		stepInterval time.Duration
	)
	pflag.StringVar(&configPath, "config", "", "configuration file (falls back to $"+config.EnvConfigPath+")")
	pflag.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	pflag.DurationVar(&stepInterval, "step-interval", 10*time.Second, "decision cycle period")
	pflag.Parse()

	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return fmt.Errorf("parsing log level: %w", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.Load(configPath)
	} else {
		cfg, err = config.LoadFromEnv()
	}
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// A standalone agent starts with only itself in the registry;
	// discovery wiring registers peers as they come into contact.
	reg := registry.NewStatic()
	node, err := swarm.New(swarm.Options{
		Config:   *cfg,
		Registry: reg,
		Decider:  safeModeDecider(cfg.Roles.DemoteRisk),
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	reg.Add(node.ID())

	if err := node.Init(ctx); err != nil {
		return err
	}
	defer node.Shutdown()

	if !node.Enabled() {
		logger.Info("swarm mode disabled, idling until signalled")
		<-ctx.Done()
		return nil
	}

	logger.Info("agent running",
		"agent", node.ID(),
		"step_interval", stepInterval,
	)

	ticker := time.NewTicker(stepInterval)
	defer ticker.Stop()

	wasLeader := false
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return nil
		case <-ticker.C:
			risk, _ := reg.PeerHealth(node.ID())
			res, err := node.Step(ctx, swarm.Telemetry{
				Timestamp: time.Now(),
				Risk:      risk,
			})
			if err != nil {
				logger.Error("decision cycle failed", "error", err)
				continue
			}
			if res.Decided {
				logger.Info("decision cycle",
					"action", res.Policy.Action,
					"applied", res.Applied,
					"deferred", res.Deferred,
				)
			}
			if leader := node.IsLeader(); leader != wasLeader {
				logger.Info("leadership changed", "leader", leader)
				wasLeader = leader
			}
		}
	}
}

// safeModeDecider proposes swarm-wide safe mode once the local risk
// crosses the demotion threshold. Everything below it stays quiet.
func safeModeDecider(riskThreshold float64) swarm.Decider {
	return swarm.DeciderFunc(func(_ context.Context, t swarm.Telemetry) (policy.Policy, bool) {
		if t.Risk < riskThreshold {
			return policy.Policy{}, false
		}
		return policy.Policy{
			Action:   "enter_safe_mode",
			Params:   map[string]any{"reason": "local risk threshold exceeded"},
			Priority: policy.Safety,
			Scope:    policy.Swarm,
			Score:    t.Risk,
		}, true
	})
}
