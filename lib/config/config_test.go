// Copyright 2026 The Skymesh Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "skymesh.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestDefaultsValidate(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
swarm:
  constellation: aurora
  serial: SAT-001
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if !cfg.Swarm.Enabled {
		t.Error("swarm.enabled should default to true")
	}
	if got := cfg.Election.HeartbeatInterval(); got != time.Second {
		t.Errorf("heartbeat interval = %v, want 1s", got)
	}
	if got := cfg.Election.Lease(); got != 10*time.Second {
		t.Errorf("lease = %v, want 10s", got)
	}
	if cfg.Bus.MaxPayloadBytes != 10240 {
		t.Errorf("max_payload_bytes = %d, want 10240", cfg.Bus.MaxPayloadBytes)
	}
	if cfg.Propagation.ComplianceThreshold != 90.0 {
		t.Errorf("compliance_threshold = %v, want 90", cfg.Propagation.ComplianceThreshold)
	}
}

func TestQuorumOverride(t *testing.T) {
	path := writeConfig(t, `
consensus:
  quorum_overrides:
    adjust_attitude: 0.5
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if got := cfg.Consensus.Fraction("adjust_attitude"); got != 0.5 {
		t.Errorf("Fraction(adjust_attitude) = %v, want 0.5", got)
	}
	if got := cfg.Consensus.Fraction("enter_safe_mode"); got < 0.66 || got > 0.67 {
		t.Errorf("Fraction(enter_safe_mode) = %v, want default 2/3", got)
	}
}

func TestKillSwitchEnvOverride(t *testing.T) {
	path := writeConfig(t, "swarm:\n  enabled: true\n")

	t.Setenv(EnvSwarmMode, "false")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Swarm.Enabled {
		t.Error("SWARM_MODE_ENABLED=false did not disable the swarm")
	}
}

func TestValidateRejectsBadWeights(t *testing.T) {
	cfg := Default()
	cfg.Arbiter.Weights = map[string]float64{"SAFETY": 0.5, "PERFORMANCE": 0.3}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("weights summing to 0.8 validated")
	}
	if !strings.Contains(err.Error(), "sum to 1.0") {
		t.Errorf("error %q does not mention the weight sum", err)
	}
}

func TestValidateAcceptsTwoWeightSum(t *testing.T) {
	cfg := Default()
	cfg.Arbiter.Weights = map[string]float64{"SAFETY": 0.7, "PERFORMANCE": 0.3}

	if err := cfg.Validate(); err != nil {
		t.Errorf("weights summing to 1.0 rejected: %v", err)
	}
}

func TestValidateRejectsInvertedHysteresis(t *testing.T) {
	cfg := Default()
	cfg.Roles.PromoteRisk = 0.4 // above demote_risk 0.3

	if err := cfg.Validate(); err == nil {
		t.Error("promote_risk above demote_risk validated")
	}
}

func TestValidateRejectsInvertedElectionBounds(t *testing.T) {
	cfg := Default()
	cfg.Election.TimeoutMinMs = 400
	cfg.Election.TimeoutMaxMs = 300

	if err := cfg.Validate(); err == nil {
		t.Error("inverted election timeout bounds validated")
	}
}

func TestLoadFromEnvRequiresPath(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	if _, err := LoadFromEnv(); err == nil {
		t.Error("LoadFromEnv without SKYMESH_CONFIG succeeded")
	}
}
