package repository

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	nomad "github.com/hashicorp/nomad/api"

	"github.com/altafin/dr-orchestrator/internal/cache"
	"github.com/altafin/dr-orchestrator/internal/concurrent"
	"github.com/altafin/dr-orchestrator/internal/config"
	"github.com/altafin/dr-orchestrator/internal/model"
	"github.com/altafin/dr-orchestrator/internal/util"
)

// Router is the traffic/workload routing layer. The orchestrator stops
// writes reaching a region by draining it and redirects traffic by activating
// the target region; it never implements routing itself.
type Router interface {
	// SetActiveRegion routes traffic to the target region: its clusters
	// are made eligible and every other region is drained.
	SetActiveRegion(ctx context.Context, region model.RegionID) error

	// DrainRegion stops routing new work to the region without activating
	// any other region. Used as the first failover step so no further
	// divergence accumulates on the failing side.
	DrainRegion(ctx context.Context, region model.RegionID) error

	// HealthCheckStatus reports whether the region's routing layer is
	// healthy (every cluster has an elected leader).
	HealthCheckStatus(ctx context.Context, region model.RegionID) (bool, error)
}

// clusterMetadata stores metadata about a Nomad cluster
type clusterMetadata struct {
	name   string
	region model.RegionID
	client *nomad.Client
}

// nomadRouter implements Router on top of Nomad node drain and scheduling
// eligibility.
type nomadRouter struct {
	clusters map[string]*clusterMetadata
	cache    cache.Cache
	cacheTTL time.Duration
	logger   *slog.Logger
}

// routedNode is the subset of Nomad node state the router acts on
type routedNode struct {
	ID                    string
	Name                  string
	Drain                 bool
	SchedulingEligibility string
}

// NewNomadRouter creates a Router backed by the configured Nomad clusters
func NewNomadRouter(cfg config.RoutingConfig, c cache.Cache, cacheTTL time.Duration, logger *slog.Logger) (Router, error) {
	clusters := make(map[string]*clusterMetadata)

	for i, cluster := range cfg.Clusters {
		client, err := createNomadClient(cluster)
		if err != nil {
			return nil, fmt.Errorf("failed to create client for cluster at index %d: %w", i, err)
		}

		name := cluster.Name
		if name == "" {
			name = fmt.Sprintf("cluster-%d", i)
		}
		if _, exists := clusters[name]; exists {
			return nil, fmt.Errorf("duplicate routing cluster name %q", name)
		}

		logger.Info("initialized routing cluster",
			slog.String("name", name),
			slog.String("region", cluster.Region.String()),
			slog.String("address", cluster.Address),
		)

		clusters[name] = &clusterMetadata{
			name:   name,
			region: cluster.Region,
			client: client,
		}
	}

	return &nomadRouter{
		clusters: clusters,
		cache:    c,
		cacheTTL: cacheTTL,
		logger:   logger,
	}, nil
}

// createNomadClient creates a Nomad API client for a cluster
func createNomadClient(cluster config.ClusterConfig) (*nomad.Client, error) {
	nomadConfig := nomad.DefaultConfig()
	nomadConfig.Address = cluster.Address

	// Configure TLS if provided
	if cluster.TLS != nil {
		tlsConfig, err := util.LoadTLSConfig(cluster.TLS)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS config: %w", err)
		}

		nomadConfig.HttpClient = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: tlsConfig,
			},
			Timeout: 30 * time.Second,
		}
	}

	client, err := nomad.NewClient(nomadConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Nomad client: %w", err)
	}

	return client, nil
}

// SetActiveRegion routes traffic to the target region
func (r *nomadRouter) SetActiveRegion(ctx context.Context, region model.RegionID) error {
	if len(r.clustersByRegion(region)) == 0 {
		return fmt.Errorf("no routing clusters configured for region %s", region)
	}

	r.logger.Info("routing traffic to region",
		slog.String("region", region.String()),
	)

	names := r.clusterNames()

	// Apply per-cluster eligibility in parallel, continue on error
	results := concurrent.ParallelMap(ctx, names, func(ctx context.Context, name string) (int, error) {
		meta := r.clusters[name]
		drain := meta.region != region
		return r.applyClusterDrain(ctx, meta, drain)
	})

	var errs []string
	changed := 0
	for i, result := range results {
		if result.Error != nil {
			errs = append(errs, fmt.Sprintf("cluster %s: %v", names[i], result.Error))
			continue
		}
		changed += result.Value
	}

	// Force scheduler evaluations so allocations move onto the activated
	// clusters.
	for _, name := range r.clustersByRegion(region) {
		if err := r.triggerJobEvaluations(ctx, r.clusters[name]); err != nil {
			errs = append(errs, fmt.Sprintf("cluster %s: evaluations: %v", name, err))
		}
	}

	r.logger.Info("routing update completed",
		slog.String("region", region.String()),
		slog.Int("nodes_changed", changed),
		slog.Int("errors_count", len(errs)),
	)

	if len(errs) > 0 {
		return fmt.Errorf("routing update for region %s failed: %v", region, errs)
	}

	return nil
}

// DrainRegion stops routing new work to the region
func (r *nomadRouter) DrainRegion(ctx context.Context, region model.RegionID) error {
	names := r.clustersByRegion(region)
	if len(names) == 0 {
		return fmt.Errorf("no routing clusters configured for region %s", region)
	}

	r.logger.Info("draining region",
		slog.String("region", region.String()),
		slog.Int("cluster_count", len(names)),
	)

	results := concurrent.ParallelMap(ctx, names, func(ctx context.Context, name string) (int, error) {
		return r.applyClusterDrain(ctx, r.clusters[name], true)
	})

	var errs []string
	drained := 0
	for i, result := range results {
		if result.Error != nil {
			errs = append(errs, fmt.Sprintf("cluster %s: %v", names[i], result.Error))
			continue
		}
		drained += result.Value
	}

	r.logger.Info("region drain completed",
		slog.String("region", region.String()),
		slog.Int("drained_nodes", drained),
		slog.Int("errors_count", len(errs)),
	)

	if len(errs) > 0 {
		return fmt.Errorf("drain of region %s failed: %v", region, errs)
	}

	return nil
}

// HealthCheckStatus reports whether every cluster in the region has an
// elected leader.
func (r *nomadRouter) HealthCheckStatus(ctx context.Context, region model.RegionID) (bool, error) {
	names := r.clustersByRegion(region)
	if len(names) == 0 {
		return false, fmt.Errorf("no routing clusters configured for region %s", region)
	}

	for _, name := range names {
		meta := r.clusters[name]
		leader, err := meta.client.Status().Leader()
		if err != nil {
			return false, fmt.Errorf("failed to get leader for cluster %s: %w", name, err)
		}
		if leader == "" {
			r.logger.Warn("cluster has no elected leader",
				slog.String("cluster", name),
				slog.String("region", region.String()),
			)
			return false, nil
		}
	}

	return true, nil
}

// applyClusterDrain sets the desired drain state on every node of the
// cluster, skipping nodes that already match. Returns the number of changed
// nodes. Safe to re-run: a second invocation with the same desired state is a
// no-op.
func (r *nomadRouter) applyClusterDrain(ctx context.Context, meta *clusterMetadata, drain bool) (int, error) {
	nodes, err := r.listNodes(ctx, meta)
	if err != nil {
		return 0, fmt.Errorf("failed to list nodes: %w", err)
	}

	shouldBeEligible := !drain

	changed := 0
	var errs []string
	for _, node := range nodes {
		nodeIsEligible := node.SchedulingEligibility == "eligible"
		if node.Drain == drain && nodeIsEligible == shouldBeEligible {
			continue
		}

		if err := r.setNodeDrain(meta, node.ID, drain); err != nil {
			errs = append(errs, fmt.Sprintf("node %s: %v", node.ID, err))
			r.logger.Error("failed to set node drain",
				slog.String("cluster", meta.name),
				slog.String("node_id", node.ID),
				slog.Bool("drain", drain),
				slog.String("error", err.Error()),
			)
			continue
		}
		changed++
	}

	// Node state changed, cached listing is no longer valid
	if changed > 0 {
		r.cache.Delete(meta.name + ":nodes")
	}

	if len(errs) > 0 {
		return changed, fmt.Errorf("some drain operations failed: %v", errs)
	}

	return changed, nil
}

// listNodes returns all nodes in the cluster with caching
func (r *nomadRouter) listNodes(ctx context.Context, meta *clusterMetadata) ([]routedNode, error) {
	cacheKey := meta.name + ":nodes"

	if cached, ok := r.cache.Get(cacheKey); ok {
		if nodes, ok := cached.([]routedNode); ok {
			return nodes, nil
		}
	}

	stubs, _, err := meta.client.Nodes().List(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}

	nodes := make([]routedNode, 0, len(stubs))
	for _, n := range stubs {
		nodes = append(nodes, routedNode{
			ID:                    n.ID,
			Name:                  n.Name,
			Drain:                 n.Drain,
			SchedulingEligibility: n.SchedulingEligibility,
		})
	}

	r.cache.Set(cacheKey, nodes, r.cacheTTL)

	return nodes, nil
}

// setNodeDrain sets the drain status for a specific node
func (r *nomadRouter) setNodeDrain(meta *clusterMetadata, nodeID string, drain bool) error {
	var drainSpec *nomad.DrainSpec
	if drain {
		drainSpec = &nomad.DrainSpec{
			Deadline: -1, // Infinite deadline
		}
	}

	// When enabling drain the node becomes ineligible, when disabling it
	// becomes eligible again.
	markEligible := !drain

	if _, err := meta.client.Nodes().UpdateDrain(nodeID, drainSpec, markEligible, nil); err != nil {
		return fmt.Errorf("failed to update drain: %w", err)
	}

	return nil
}

// triggerJobEvaluations forces the scheduler to re-evaluate job placements
// after nodes become eligible again.
func (r *nomadRouter) triggerJobEvaluations(ctx context.Context, meta *clusterMetadata) error {
	jobs, _, err := meta.client.Jobs().List(nil)
	if err != nil {
		return fmt.Errorf("failed to list jobs: %w", err)
	}

	successCount := 0
	errorCount := 0
	var errs []string

	for _, job := range jobs {
		if job.Status == "dead" {
			continue
		}

		if _, _, err := meta.client.Jobs().ForceEvaluate(job.ID, nil); err != nil {
			errorCount++
			errs = append(errs, fmt.Sprintf("job %s: %v", job.ID, err))
			r.logger.Warn("failed to trigger evaluation for job",
				slog.String("cluster", meta.name),
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		successCount++
	}

	r.logger.Info("job evaluations triggered",
		slog.String("cluster", meta.name),
		slog.Int("success", successCount),
		slog.Int("errors", errorCount),
	)

	if errorCount > 0 && successCount == 0 {
		return fmt.Errorf("all job evaluations failed: %v", errs)
	}

	return nil
}

// clusterNames returns all configured cluster names (sorted alphabetically)
func (r *nomadRouter) clusterNames() []string {
	names := make([]string, 0, len(r.clusters))
	for name := range r.clusters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// clustersByRegion returns all cluster names in a region (sorted alphabetically)
func (r *nomadRouter) clustersByRegion(region model.RegionID) []string {
	var names []string
	for name, meta := range r.clusters {
		if meta.region == region {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
