package config

import (
	"fmt"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/altafin/dr-orchestrator/internal/model"
)

// Config represents the application configuration
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Etcd       EtcdConfig       `koanf:"etcd"`
	Regions    RegionsConfig    `koanf:"regions"`
	Probes     []ProbeConfig    `koanf:"probes"`
	Aggregator AggregatorConfig `koanf:"aggregator"`
	Stores     []StoreConfig    `koanf:"stores"`
	Lag        LagConfig        `koanf:"lag"`
	Engine     EngineConfig     `koanf:"engine"`
	Routing    RoutingConfig    `koanf:"routing"`
	Workflow   WorkflowConfig   `koanf:"workflow"`
	Alerting   AlertingConfig   `koanf:"alerting"`
	Heartbeat  HeartbeatConfig  `koanf:"heartbeat"`
	Cache      CacheConfig      `koanf:"cache"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Addr         string        `koanf:"addr"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
	BasePath     string        `koanf:"base_path"` // Optional base path for reverse proxy (e.g., "/dr-orchestrator")
}

// EtcdConfig represents the etcd state store configuration
type EtcdConfig struct {
	Endpoints   []string      `koanf:"endpoints"`
	DialTimeout time.Duration `koanf:"dial_timeout"`
	Username    string        `koanf:"username"`
	Password    string        `koanf:"password"`
	TLS         *TLSConfig    `koanf:"tls"`
}

// RegionsConfig designates the primary and secondary regions by name
type RegionsConfig struct {
	Primary   model.RegionID `koanf:"primary"`
	Secondary model.RegionID `koanf:"secondary"`
}

// All returns both configured regions.
func (r RegionsConfig) All() []model.RegionID {
	return []model.RegionID{r.Primary, r.Secondary}
}

// ProbeConfig represents a single independent health probe. At least two
// probes per region are required so the aggregator can apply quorum voting
// instead of trusting a single network path.
type ProbeConfig struct {
	ID       string         `koanf:"id"`
	Region   model.RegionID `koanf:"region"`
	Kind     string         `koanf:"kind"` // "http" or "routing"
	URL      string         `koanf:"url"`  // required for kind "http"
	Interval time.Duration  `koanf:"interval"`
	Timeout  time.Duration  `koanf:"timeout"`
}

// AggregatorConfig holds the hysteresis thresholds. They encode an
// RTO/false-positive tradeoff and must stay tunable by operators.
type AggregatorConfig struct {
	FailureRounds   int           `koanf:"failure_rounds"`   // failing majority rounds before degraded
	UnhealthyRounds int           `koanf:"unhealthy_rounds"` // additional failing rounds before unhealthy
	Window          time.Duration `koanf:"window"`           // trailing sample window
	RecoveryRounds  int           `koanf:"recovery_rounds"`  // successful rounds required to recover
}

// StoreConfig represents one replicated data store tracked for lag
type StoreConfig struct {
	ID      string        `koanf:"id"`
	Address string        `koanf:"address"` // replication admin endpoint
	Timeout time.Duration `koanf:"timeout"`
	TLS     *TLSConfig    `koanf:"tls"`
}

// LagConfig represents replication lag tracking configuration
type LagConfig struct {
	PollInterval   time.Duration `koanf:"poll_interval"`
	ReportInterval time.Duration `koanf:"report_interval"` // expected sample cadence; 2x without a sample marks the estimate stale
	RPOBound       time.Duration `koanf:"rpo_bound"`
}

// EngineConfig represents decision engine configuration
type EngineConfig struct {
	EvaluateInterval time.Duration `koanf:"evaluate_interval"`
	RTODeadline      time.Duration `koanf:"rto_deadline"`
	AutoFailBack     bool          `koanf:"auto_fail_back"` // non-default: fail-back requires operator confirmation
	LagDrainTimeout  time.Duration `koanf:"lag_drain_timeout"`
	LagDrainPoll     time.Duration `koanf:"lag_drain_poll"`
}

// RoutingConfig represents the traffic routing layer (Nomad clusters)
type RoutingConfig struct {
	Clusters []ClusterConfig `koanf:"clusters"`
}

// ClusterConfig represents a single Nomad cluster configuration
type ClusterConfig struct {
	Name    string         `koanf:"name"`
	Region  model.RegionID `koanf:"region"`
	Address string         `koanf:"address"`
	TLS     *TLSConfig     `koanf:"tls"`
}

// WorkflowConfig represents the workflow execution engine client configuration
type WorkflowConfig struct {
	Address string        `koanf:"address"`
	Timeout time.Duration `koanf:"timeout"`
	TLS     *TLSConfig    `koanf:"tls"`
}

// AlertingConfig represents the alerting sink configuration
type AlertingConfig struct {
	WebhookURL string        `koanf:"webhook_url"` // empty disables webhook delivery, alerts are still logged
	Timeout    time.Duration `koanf:"timeout"`
}

// HeartbeatConfig represents orchestrator instance heartbeat configuration
type HeartbeatConfig struct {
	UpdateInterval time.Duration `koanf:"update_interval"`
	StaleThreshold time.Duration `koanf:"stale_threshold"`
	MaxFailures    int           `koanf:"max_failures"` // consecutive write failures before automation freezes
}

// CacheConfig represents cache configuration
type CacheConfig struct {
	TTL time.Duration `koanf:"ttl"`
}

// TLSConfig represents TLS configuration for external clients
type TLSConfig struct {
	CA   string `koanf:"ca"`
	Cert string `koanf:"cert"`
	Key  string `koanf:"key"`
}

// Load loads configuration from the specified file
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	// Load YAML config
	if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.applyDefaults()

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// applyDefaults fills optional settings with safe defaults
func (c *Config) applyDefaults() {
	if c.Engine.EvaluateInterval <= 0 {
		c.Engine.EvaluateInterval = 10 * time.Second
	}
	if c.Engine.LagDrainPoll <= 0 {
		c.Engine.LagDrainPoll = 2 * time.Second
	}
	if c.Lag.PollInterval <= 0 {
		c.Lag.PollInterval = 10 * time.Second
	}
	if c.Alerting.Timeout <= 0 {
		c.Alerting.Timeout = 5 * time.Second
	}
	if c.Cache.TTL <= 0 {
		c.Cache.TTL = 30 * time.Second
	}
	if c.Etcd.DialTimeout <= 0 {
		c.Etcd.DialTimeout = 5 * time.Second
	}
	for i := range c.Probes {
		if c.Probes[i].Interval <= 0 {
			c.Probes[i].Interval = 10 * time.Second
		}
		if c.Probes[i].Timeout <= 0 {
			c.Probes[i].Timeout = 5 * time.Second
		}
	}
	for i := range c.Stores {
		if c.Stores[i].Timeout <= 0 {
			c.Stores[i].Timeout = 5 * time.Second
		}
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}

	if len(c.Etcd.Endpoints) == 0 {
		return fmt.Errorf("etcd.endpoints is required")
	}

	if c.Regions.Primary == "" || c.Regions.Secondary == "" {
		return fmt.Errorf("regions.primary and regions.secondary are required")
	}
	if c.Regions.Primary == c.Regions.Secondary {
		return fmt.Errorf("regions.primary and regions.secondary must differ")
	}

	// Quorum voting needs at least two independent probes per region
	probesPerRegion := make(map[model.RegionID]int)
	probeIDs := make(map[string]bool)
	for i, p := range c.Probes {
		if p.ID == "" {
			return fmt.Errorf("probes[%d].id is required", i)
		}
		if probeIDs[p.ID] {
			return fmt.Errorf("probes[%d].id %q is duplicated", i, p.ID)
		}
		probeIDs[p.ID] = true
		if p.Region != c.Regions.Primary && p.Region != c.Regions.Secondary {
			return fmt.Errorf("probes[%d].region %q is not a configured region", i, p.Region)
		}
		switch p.Kind {
		case "http":
			if p.URL == "" {
				return fmt.Errorf("probes[%d].url is required for http probes", i)
			}
		case "routing":
		default:
			return fmt.Errorf("probes[%d].kind must be \"http\" or \"routing\"", i)
		}
		probesPerRegion[p.Region]++
	}
	for _, region := range c.Regions.All() {
		if probesPerRegion[region] < 2 {
			return fmt.Errorf("region %q needs at least 2 probes, has %d", region, probesPerRegion[region])
		}
	}

	if c.Aggregator.FailureRounds <= 0 {
		return fmt.Errorf("aggregator.failure_rounds must be positive")
	}
	if c.Aggregator.UnhealthyRounds <= 0 {
		return fmt.Errorf("aggregator.unhealthy_rounds must be positive")
	}
	if c.Aggregator.Window <= 0 {
		return fmt.Errorf("aggregator.window must be positive")
	}
	// Recovery is deliberately slower than the full down-path
	if c.Aggregator.RecoveryRounds <= c.Aggregator.FailureRounds+c.Aggregator.UnhealthyRounds {
		return fmt.Errorf("aggregator.recovery_rounds must exceed failure_rounds + unhealthy_rounds")
	}

	if len(c.Stores) == 0 {
		return fmt.Errorf("at least one replicated store must be configured")
	}
	storeIDs := make(map[string]bool)
	for i, s := range c.Stores {
		if s.ID == "" {
			return fmt.Errorf("stores[%d].id is required", i)
		}
		if storeIDs[s.ID] {
			return fmt.Errorf("stores[%d].id %q is duplicated", i, s.ID)
		}
		storeIDs[s.ID] = true
		if s.Address == "" {
			return fmt.Errorf("stores[%d].address is required", i)
		}
	}

	if c.Lag.ReportInterval <= 0 {
		return fmt.Errorf("lag.report_interval must be positive")
	}
	if c.Lag.RPOBound <= 0 {
		return fmt.Errorf("lag.rpo_bound must be positive")
	}

	if c.Engine.RTODeadline <= 0 {
		return fmt.Errorf("engine.rto_deadline must be positive")
	}
	if c.Engine.LagDrainTimeout <= 0 {
		return fmt.Errorf("engine.lag_drain_timeout must be positive")
	}

	if len(c.Routing.Clusters) == 0 {
		return fmt.Errorf("at least one routing cluster must be configured")
	}
	for i, cluster := range c.Routing.Clusters {
		if cluster.Address == "" {
			return fmt.Errorf("routing.clusters[%d].address is required", i)
		}
		if cluster.Region != c.Regions.Primary && cluster.Region != c.Regions.Secondary {
			return fmt.Errorf("routing.clusters[%d].region %q is not a configured region", i, cluster.Region)
		}
	}

	if c.Workflow.Address == "" {
		return fmt.Errorf("workflow.address is required")
	}

	if c.Heartbeat.UpdateInterval <= 0 {
		return fmt.Errorf("heartbeat.update_interval must be positive")
	}
	if c.Heartbeat.StaleThreshold <= c.Heartbeat.UpdateInterval {
		return fmt.Errorf("heartbeat.stale_threshold must exceed heartbeat.update_interval")
	}
	if c.Heartbeat.MaxFailures <= 0 {
		return fmt.Errorf("heartbeat.max_failures must be positive")
	}

	return nil
}
