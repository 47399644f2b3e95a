// Copyright 2026 The Skymesh Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/skymesh-foundation/skymesh/lib/config"
	"github.com/skymesh-foundation/skymesh/swarm"
	"github.com/skymesh-foundation/skymesh/swarm/bus"
	"github.com/skymesh-foundation/skymesh/swarm/identity"
	"github.com/skymesh-foundation/skymesh/swarm/policy"
	"github.com/skymesh-foundation/skymesh/swarm/registry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "skymesh-sim:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		agents    int
		duration  time.Duration
		partition bool
		latency   time.Duration
		logLevel  string
		seed      int64
	)
	pflag.IntVar(&agents, "agents", 5, "number of simulated satellites")
	pflag.DurationVar(&duration, "duration", 2*time.Minute, "simulation length")
	pflag.BoolVar(&partition, "partition", false, "isolate the leader halfway through and heal 15s later")
	pflag.DurationVar(&latency, "latency", 0, "artificial inter-satellite link delay")
	pflag.StringVar(&logLevel, "log-level", "warn", "log level: debug, info, warn, error")
	pflag.Int64Var(&seed, "seed", 0, "risk walk seed, 0 for time-based")
	pflag.Parse()

	if agents < 1 {
		return fmt.Errorf("need at least one agent, got %d", agents)
	}
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return fmt.Errorf("parsing log level: %w", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sim, err := newSimulation(agents, latency, seed, logger)
	if err != nil {
		return err
	}
	defer sim.shutdown()

	fmt.Printf("simulating %d satellites for %v (seed %d)\n", agents, duration, seed)
	sim.run(ctx, duration, partition)
	sim.report()
	return nil
}

type simulation struct {
	link   *bus.InProcLink
	reg    *registry.Static
	nodes  []*swarm.Node
	risks  []float64
	rng    *rand.Rand
	logger *slog.Logger
}

func newSimulation(agents int, latency time.Duration, seed int64, logger *slog.Logger) (*simulation, error) {
	sim := &simulation{
		link:   bus.NewInProcLink(),
		reg:    registry.NewStatic(),
		risks:  make([]float64, agents),
		rng:    rand.New(rand.NewSource(seed)),
		logger: logger,
	}

	for i := 0; i < agents; i++ {
		cfg := config.Default()
		cfg.Swarm.Constellation = "simnet"
		cfg.Swarm.Serial = fmt.Sprintf("SAT-%03d", i+1)
		cfg.Bus.LatencyMs = int(latency / time.Millisecond)
		cfg.Ledger.Path = ":memory:"

		node, err := swarm.New(swarm.Options{
			Config:   *cfg,
			Registry: sim.reg,
			Decider:  riskDecider(cfg.Roles.DemoteRisk),
			Link:     sim.link,
			Logger:   logger,
		})
		if err != nil {
			return nil, fmt.Errorf("building agent %d: %w", i+1, err)
		}
		sim.reg.Add(node.ID())
		sim.nodes = append(sim.nodes, node)
	}

	for i, node := range sim.nodes {
		if err := node.Init(context.Background()); err != nil {
			return nil, fmt.Errorf("starting agent %d: %w", i+1, err)
		}
	}
	return sim, nil
}

func (s *simulation) shutdown() {
	for _, node := range s.nodes {
		node.Shutdown()
	}
}

// run drives decision cycles on every node until the duration elapses.
// Agent risk follows a bounded random walk, with the last agent slowly
// degrading so demotion and safe-mode paths get exercised.
func (s *simulation) run(ctx context.Context, duration time.Duration, partition bool) {
	const stepEvery = 500 * time.Millisecond
	deadline := time.Now().Add(duration)
	partitionAt := time.Now().Add(duration / 2)
	var healAt time.Time
	partitioned := false

	ticker := time.NewTicker(stepEvery)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		s.walkRisk()
		for i, node := range s.nodes {
			res, err := node.Step(ctx, swarm.Telemetry{
				Timestamp: time.Now(),
				Risk:      s.risks[i],
			})
			if err != nil {
				s.logger.Warn("step failed", "agent", node.ID().Serial, "error", err)
				continue
			}
			if res.Applied && res.Policy.Scope != policy.Local {
				fmt.Printf("%s applied %q swarm-wide (outcome %v, compliance %.0f%%)\n",
					node.ID().Serial, res.Policy.Action, res.Outcome, res.CompliancePercent)
			}
		}

		if partition && !partitioned && time.Now().After(partitionAt) {
			if leader := s.currentLeader(); leader != nil {
				s.isolate(leader.ID())
				partitioned = true
				healAt = time.Now().Add(15 * time.Second)
				fmt.Printf("partitioned leader %s from the swarm\n", leader.ID().Serial)
			}
		}
		if partitioned && !healAt.IsZero() && time.Now().After(healAt) {
			s.link.Heal()
			healAt = time.Time{}
			fmt.Println("partition healed")
		}
	}
}

// walkRisk nudges every agent's risk inside [0, 1]; the last agent
// trends upward to force reassignment.
func (s *simulation) walkRisk() {
	for i := range s.risks {
		drift := (s.rng.Float64() - 0.5) * 0.05
		if i == len(s.risks)-1 {
			drift += 0.01
		}
		s.risks[i] += drift
		if s.risks[i] < 0 {
			s.risks[i] = 0
		}
		if s.risks[i] > 1 {
			s.risks[i] = 1
		}
		s.reg.SetHealth(s.nodes[i].ID(), s.risks[i])
	}
}

func (s *simulation) currentLeader() *swarm.Node {
	for _, node := range s.nodes {
		if node.IsLeader() {
			return node
		}
	}
	return nil
}

func (s *simulation) isolate(id identity.AgentID) {
	var rest []identity.AgentID
	for _, node := range s.nodes {
		if node.ID() != id {
			rest = append(rest, node.ID())
		}
	}
	s.link.Partition([]identity.AgentID{id}, rest)
}

// report prints the end-of-run summary: leadership, roles, decisions,
// and bus traffic.
func (s *simulation) report() {
	fmt.Println("\n--- summary ---")
	leader := s.currentLeader()
	if leader == nil {
		fmt.Println("leader: none (no unexpired lease)")
	} else {
		fmt.Printf("leader: %s\n", leader.ID().Serial)
	}

	for i, node := range s.nodes {
		role := node.Roles().RoleOf(node.ID())
		metrics := node.Bus().Metrics()
		fmt.Printf("%s  role=%-9s risk=%.2f published=%d delivered=%d\n",
			node.ID().Serial, role, s.risks[i], metrics.Published, metrics.Delivered)
	}

	if leader != nil {
		decisions, err := leader.Ledger().Recent(context.Background(), 10)
		if err != nil {
			fmt.Printf("ledger unavailable: %v\n", err)
			return
		}
		fmt.Printf("decisions recorded by the leader: %d\n", len(decisions))
		for _, d := range decisions {
			marker := ""
			if d.Fallback {
				marker = " (fallback)"
			}
			fmt.Printf("  %s %s -> %s%s (%d votes, %d denials)\n",
				d.DecidedAt.Format(time.TimeOnly), d.Action, d.Outcome, marker, d.Votes, d.Denials)
		}
	}
}

// riskDecider proposes swarm-wide safe mode when local risk crosses
// the threshold.
func riskDecider(threshold float64) swarm.Decider {
	return swarm.DeciderFunc(func(_ context.Context, t swarm.Telemetry) (policy.Policy, bool) {
		if t.Risk < threshold {
			return policy.Policy{}, false
		}
		return policy.Policy{
			Action:   "enter_safe_mode",
			Params:   map[string]any{"reason": "risk threshold exceeded"},
			Priority: policy.Safety,
			Scope:    policy.Swarm,
			Score:    t.Risk,
		}, true
	})
}
