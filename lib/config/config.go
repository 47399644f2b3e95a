// Copyright 2026 The Skymesh Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the swarm configuration.
//
// Configuration comes from a single YAML file named by the
// SKYMESH_CONFIG environment variable or a --config flag. There is no
// search path and no automatic discovery: deterministic, auditable
// configuration with no hidden overrides.
//
// The one exception is SWARM_MODE_ENABLED, the operational kill
// switch. It can be flipped per process via the environment without
// editing the file, because disabling coordination on a misbehaving
// satellite must not require a config upload.
package config

import (
	"fmt"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable holding the config
// file path.
const EnvConfigPath = "SKYMESH_CONFIG"

// EnvSwarmMode is the kill-switch override. "false", "0", or "no"
// disables the coordination stack regardless of the file.
const EnvSwarmMode = "SWARM_MODE_ENABLED"

// Config is the full swarm configuration.
type Config struct {
	Swarm       SwarmConfig       `yaml:"swarm"`
	Election    ElectionConfig    `yaml:"election"`
	Consensus   ConsensusConfig   `yaml:"consensus"`
	Bus         BusConfig         `yaml:"bus"`
	Propagation PropagationConfig `yaml:"propagation"`
	Roles       RolesConfig       `yaml:"roles"`
	Arbiter     ArbiterConfig     `yaml:"arbiter"`
	Ledger      LedgerConfig      `yaml:"ledger"`
}

// SwarmConfig holds constellation-level settings.
type SwarmConfig struct {
	// Enabled is the master switch. When false every coordination
	// component constructs but performs no work.
	Enabled bool `yaml:"enabled"`

	// Constellation names the constellation this agent belongs to.
	Constellation string `yaml:"constellation"`

	// Serial is this satellite's hardware serial.
	Serial string `yaml:"serial"`
}

// ElectionConfig holds leader election timing.
type ElectionConfig struct {
	// TimeoutMinMs/TimeoutMaxMs bound the randomized follower
	// election timeout.
	TimeoutMinMs int `yaml:"timeout_min_ms"`
	TimeoutMaxMs int `yaml:"timeout_max_ms"`

	// HeartbeatIntervalMs is how often a leader announces itself.
	HeartbeatIntervalMs int `yaml:"heartbeat_interval_ms"`

	// LeaseSeconds is how long leadership remains valid after the
	// last heartbeat. Expiry without renewal forces re-election.
	LeaseSeconds int `yaml:"lease_seconds"`
}

// TimeoutMin returns the lower election timeout bound.
func (e ElectionConfig) TimeoutMin() time.Duration {
	return time.Duration(e.TimeoutMinMs) * time.Millisecond
}

// TimeoutMax returns the upper election timeout bound.
func (e ElectionConfig) TimeoutMax() time.Duration {
	return time.Duration(e.TimeoutMaxMs) * time.Millisecond
}

// HeartbeatInterval returns the leader heartbeat period.
func (e ElectionConfig) HeartbeatInterval() time.Duration {
	return time.Duration(e.HeartbeatIntervalMs) * time.Millisecond
}

// Lease returns the leadership lease duration.
func (e ElectionConfig) Lease() time.Duration {
	return time.Duration(e.LeaseSeconds) * time.Second
}

// ConsensusConfig holds quorum voting parameters.
type ConsensusConfig struct {
	// QuorumFraction is the default share of alive peers whose grant
	// is required to approve a proposal.
	QuorumFraction float64 `yaml:"quorum_fraction"`

	// QuorumOverrides maps action names to per-action fractions,
	// e.g. adjust_attitude: 0.5 for low-stakes tweaks.
	QuorumOverrides map[string]float64 `yaml:"quorum_overrides"`

	// ProposalTimeoutSeconds bounds how long a proposal may collect
	// votes before the fallback policy resolves it.
	ProposalTimeoutSeconds int `yaml:"proposal_timeout_seconds"`
}

// ProposalTimeout returns the default proposal voting budget.
func (c ConsensusConfig) ProposalTimeout() time.Duration {
	return time.Duration(c.ProposalTimeoutSeconds) * time.Second
}

// Fraction returns the quorum fraction for an action, falling back to
// the default.
func (c ConsensusConfig) Fraction(action string) float64 {
	if f, ok := c.QuorumOverrides[action]; ok {
		return f
	}
	return c.QuorumFraction
}

// BusConfig holds message bus limits.
type BusConfig struct {
	// MaxPayloadBytes is the hard per-message payload ceiling,
	// modeling the narrow inter-satellite-link budget.
	MaxPayloadBytes int `yaml:"max_payload_bytes"`

	// DedupWindow is the capacity of the (sender, message ID)
	// recent-message window used for QoS 2 deduplication.
	DedupWindow int `yaml:"dedup_window"`

	// AckTimeoutMs bounds the QoS 1 wait for an acknowledgment.
	AckTimeoutMs int `yaml:"ack_timeout_ms"`

	// LatencyMs is an artificial delay inserted before each delivery
	// to model link characteristics during testing. Zero disables it.
	LatencyMs int `yaml:"latency_ms"`
}

// AckTimeout returns the QoS 1 acknowledgment budget.
func (b BusConfig) AckTimeout() time.Duration {
	return time.Duration(b.AckTimeoutMs) * time.Millisecond
}

// Latency returns the simulated delivery delay.
func (b BusConfig) Latency() time.Duration {
	return time.Duration(b.LatencyMs) * time.Millisecond
}

// PropagationConfig holds action propagation parameters.
type PropagationConfig struct {
	// ComplianceThreshold is the percentage of targets that must
	// complete before escalation is skipped.
	ComplianceThreshold float64 `yaml:"compliance_threshold"`
}

// RolesConfig holds role reassignment thresholds.
type RolesConfig struct {
	// DemoteRisk: a PRIMARY with enough consecutive samples above
	// this is demoted.
	DemoteRisk float64 `yaml:"demote_risk"`

	// PromoteRisk: promotion requires a full window of samples below
	// this. Must be strictly below DemoteRisk (hysteresis).
	PromoteRisk float64 `yaml:"promote_risk"`

	// EvaluationIntervalSeconds is the leader evaluation loop period.
	EvaluationIntervalSeconds int `yaml:"evaluation_interval_seconds"`
}

// EvaluationInterval returns the reassignment evaluation period.
func (r RolesConfig) EvaluationInterval() time.Duration {
	return time.Duration(r.EvaluationIntervalSeconds) * time.Second
}

// ArbiterConfig holds policy arbitration weights, keyed by priority
// name (SAFETY, PERFORMANCE, AVAILABILITY). Weights must sum to 1.0
// within a 0.001 tolerance.
type ArbiterConfig struct {
	Weights map[string]float64 `yaml:"weights"`
}

// LedgerConfig holds the decision ledger location.
type LedgerConfig struct {
	// Path is the SQLite database file. ":memory:" for tests.
	Path string `yaml:"path"`
}

// Default returns the configuration used when a field is absent from
// the file. Values follow the coordination protocol defaults.
func Default() *Config {
	return &Config{
		Swarm: SwarmConfig{Enabled: true},
		Election: ElectionConfig{
			TimeoutMinMs:        150,
			TimeoutMaxMs:        300,
			HeartbeatIntervalMs: 1000,
			LeaseSeconds:        10,
		},
		Consensus: ConsensusConfig{
			QuorumFraction:         2.0 / 3.0,
			ProposalTimeoutSeconds: 30,
		},
		Bus: BusConfig{
			MaxPayloadBytes: 10240,
			DedupWindow:     1000,
			AckTimeoutMs:    2000,
		},
		Propagation: PropagationConfig{ComplianceThreshold: 90.0},
		Roles: RolesConfig{
			DemoteRisk:                0.3,
			PromoteRisk:               0.2,
			EvaluationIntervalSeconds: 30,
		},
		Arbiter: ArbiterConfig{
			Weights: map[string]float64{
				"SAFETY":       0.7,
				"PERFORMANCE":  0.2,
				"AVAILABILITY": 0.1,
			},
		},
		Ledger: LedgerConfig{Path: ":memory:"},
	}
}

// Load reads, env-overrides, and validates the config at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// LoadFromEnv loads the file named by SKYMESH_CONFIG.
func LoadFromEnv() (*Config, error) {
	path := os.Getenv(EnvConfigPath)
	if path == "" {
		return nil, fmt.Errorf("config: %s is not set and no --config flag was given", EnvConfigPath)
	}
	return Load(path)
}

// applyEnvOverrides applies the SWARM_MODE_ENABLED kill switch.
func applyEnvOverrides(cfg *Config) {
	switch os.Getenv(EnvSwarmMode) {
	case "false", "0", "no":
		cfg.Swarm.Enabled = false
	case "true", "1", "yes":
		cfg.Swarm.Enabled = true
	}
}

// Validate checks cross-field invariants. Violations are construction
// errors: the process must refuse to start rather than run with a
// degraded protocol.
func (c *Config) Validate() error {
	e := c.Election
	if e.TimeoutMinMs <= 0 || e.TimeoutMaxMs <= 0 {
		return fmt.Errorf("election timeouts must be positive (min=%d max=%d)", e.TimeoutMinMs, e.TimeoutMaxMs)
	}
	if e.TimeoutMinMs >= e.TimeoutMaxMs {
		return fmt.Errorf("election timeout_min_ms (%d) must be below timeout_max_ms (%d)", e.TimeoutMinMs, e.TimeoutMaxMs)
	}
	if e.HeartbeatIntervalMs <= 0 {
		return fmt.Errorf("heartbeat_interval_ms must be positive, got %d", e.HeartbeatIntervalMs)
	}
	if e.LeaseSeconds <= 0 {
		return fmt.Errorf("lease_seconds must be positive, got %d", e.LeaseSeconds)
	}
	if time.Duration(e.LeaseSeconds)*time.Second <= e.HeartbeatInterval() {
		return fmt.Errorf("lease (%ds) must exceed the heartbeat interval (%dms) or leadership flaps", e.LeaseSeconds, e.HeartbeatIntervalMs)
	}

	if f := c.Consensus.QuorumFraction; f <= 0 || f > 1 {
		return fmt.Errorf("quorum_fraction must be in (0, 1], got %v", f)
	}
	for action, f := range c.Consensus.QuorumOverrides {
		if f <= 0 || f > 1 {
			return fmt.Errorf("quorum override for %q must be in (0, 1], got %v", action, f)
		}
	}
	if c.Consensus.ProposalTimeoutSeconds <= 0 {
		return fmt.Errorf("proposal_timeout_seconds must be positive, got %d", c.Consensus.ProposalTimeoutSeconds)
	}

	if c.Bus.MaxPayloadBytes <= 0 {
		return fmt.Errorf("max_payload_bytes must be positive, got %d", c.Bus.MaxPayloadBytes)
	}
	if c.Bus.DedupWindow <= 0 {
		return fmt.Errorf("dedup_window must be positive, got %d", c.Bus.DedupWindow)
	}
	if c.Bus.AckTimeoutMs <= 0 {
		return fmt.Errorf("ack_timeout_ms must be positive, got %d", c.Bus.AckTimeoutMs)
	}
	if c.Bus.LatencyMs < 0 {
		return fmt.Errorf("latency_ms must not be negative, got %d", c.Bus.LatencyMs)
	}

	if p := c.Propagation.ComplianceThreshold; p < 0 || p > 100 {
		return fmt.Errorf("compliance_threshold must be in [0, 100], got %v", p)
	}

	r := c.Roles
	if r.DemoteRisk <= 0 || r.DemoteRisk > 1 || r.PromoteRisk <= 0 || r.PromoteRisk > 1 {
		return fmt.Errorf("role risk thresholds must be in (0, 1] (demote=%v promote=%v)", r.DemoteRisk, r.PromoteRisk)
	}
	if r.PromoteRisk >= r.DemoteRisk {
		return fmt.Errorf("promote_risk (%v) must be strictly below demote_risk (%v) for hysteresis", r.PromoteRisk, r.DemoteRisk)
	}
	if r.EvaluationIntervalSeconds <= 0 {
		return fmt.Errorf("evaluation_interval_seconds must be positive, got %d", r.EvaluationIntervalSeconds)
	}

	if err := validateWeights(c.Arbiter.Weights); err != nil {
		return err
	}
	return nil
}

// validateWeights requires the arbiter priority weights to sum to 1.0
// within a 0.001 tolerance.
func validateWeights(weights map[string]float64) error {
	if len(weights) == 0 {
		return fmt.Errorf("arbiter weights must not be empty")
	}
	sum := 0.0
	for name, w := range weights {
		if w < 0 {
			return fmt.Errorf("arbiter weight %s must not be negative, got %v", name, w)
		}
		sum += w
	}
	if math.Abs(sum-1.0) > 0.001 {
		return fmt.Errorf("arbiter weights must sum to 1.0 (±0.001), got %v", sum)
	}
	return nil
}
