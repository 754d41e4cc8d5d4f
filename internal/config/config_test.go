package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validYAML = `
server:
  addr: ":8080"

etcd:
  endpoints:
    - "localhost:2379"

regions:
  primary: eu-west
  secondary: eu-central

probes:
  - id: west-http
    region: eu-west
    kind: http
    url: http://health.eu-west.internal/healthz
  - id: west-routing
    region: eu-west
    kind: routing
  - id: central-http
    region: eu-central
    kind: http
    url: http://health.eu-central.internal/healthz
  - id: central-routing
    region: eu-central
    kind: routing

aggregator:
  failure_rounds: 3
  unhealthy_rounds: 2
  window: 30s
  recovery_rounds: 10

stores:
  - id: orders-db
    address: http://orders-db.internal:7070
  - id: ledger-db
    address: http://ledger-db.internal:7070

lag:
  report_interval: 15s
  rpo_bound: 30s

engine:
  rto_deadline: 5m
  lag_drain_timeout: 2m

routing:
  clusters:
    - name: west-1
      region: eu-west
      address: http://nomad.eu-west.internal:4646
    - name: central-1
      region: eu-central
      address: http://nomad.eu-central.internal:4646

workflow:
  address: http://workflows.internal:9090
  timeout: 10s

heartbeat:
  update_interval: 10s
  stale_threshold: 45s
  max_failures: 3
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadValidConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "eu-west", cfg.Regions.Primary.String())
	assert.Len(t, cfg.Probes, 4)
	assert.Len(t, cfg.Stores, 2)
	assert.Equal(t, 30*time.Second, cfg.Lag.RPOBound)
	assert.False(t, cfg.Engine.AutoFailBack)
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	assert.Equal(t, 10*time.Second, cfg.Engine.EvaluateInterval)
	assert.Equal(t, 10*time.Second, cfg.Lag.PollInterval)
	assert.Equal(t, 30*time.Second, cfg.Cache.TTL)
	for _, p := range cfg.Probes {
		assert.Equal(t, 10*time.Second, p.Interval)
		assert.Equal(t, 5*time.Second, p.Timeout)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func loadValid(t *testing.T) *Config {
	t.Helper()
	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)
	return cfg
}

func TestValidateRejectsSingleProbeRegion(t *testing.T) {
	cfg := loadValid(t)
	cfg.Probes = cfg.Probes[:3] // eu-central loses one of its two probes

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least 2 probes")
}

func TestValidateRejectsIdenticalRegions(t *testing.T) {
	cfg := loadValid(t)
	cfg.Regions.Secondary = cfg.Regions.Primary

	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsFastRecovery(t *testing.T) {
	cfg := loadValid(t)
	// Recovery must take strictly longer than the full path down
	cfg.Aggregator.RecoveryRounds = cfg.Aggregator.FailureRounds + cfg.Aggregator.UnhealthyRounds

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "recovery_rounds")
}

func TestValidateRejectsDuplicateProbeIDs(t *testing.T) {
	cfg := loadValid(t)
	cfg.Probes[1].ID = cfg.Probes[0].ID

	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsHTTPProbeWithoutURL(t *testing.T) {
	cfg := loadValid(t)
	cfg.Probes[0].URL = ""

	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsProbeInUnknownRegion(t *testing.T) {
	cfg := loadValid(t)
	cfg.Probes[0].Region = "us-east"

	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsMissingStores(t *testing.T) {
	cfg := loadValid(t)
	cfg.Stores = nil

	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsStaleThresholdBelowInterval(t *testing.T) {
	cfg := loadValid(t)
	cfg.Heartbeat.StaleThreshold = cfg.Heartbeat.UpdateInterval

	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsMissingWorkflowAddress(t *testing.T) {
	cfg := loadValid(t)
	cfg.Workflow.Address = ""

	assert.Error(t, cfg.Validate())
}
