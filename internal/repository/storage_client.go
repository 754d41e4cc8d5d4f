package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/altafin/dr-orchestrator/internal/config"
	"github.com/altafin/dr-orchestrator/internal/model"
	"github.com/altafin/dr-orchestrator/internal/util"
)

// ReplicatedStore is the administration surface of one replicated data
// store. Replication itself is handled by the store's managed replication
// primitives; the orchestrator only observes lag and requests promotion.
type ReplicatedStore interface {
	// ID returns the configured store identifier
	ID() string

	// CurrentLag reports the store's current cross-region replication lag
	CurrentLag(ctx context.Context) (time.Duration, error)

	// PromoteToWritable promotes the store's replica in the given region
	// to accept writes. The operation is idempotent on the store side:
	// promoting an already-writable replica succeeds without effect.
	PromoteToWritable(ctx context.Context, region model.RegionID) error
}

// storeAdminClient implements ReplicatedStore against a replication admin
// HTTP endpoint.
type storeAdminClient struct {
	id      string
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewStoreAdminClient creates a client for one replicated store's admin endpoint
func NewStoreAdminClient(cfg config.StoreConfig, logger *slog.Logger) (ReplicatedStore, error) {
	client := &http.Client{Timeout: cfg.Timeout}

	if cfg.TLS != nil {
		tlsConfig, err := util.LoadTLSConfig(cfg.TLS)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS config for store %s: %w", cfg.ID, err)
		}
		client.Transport = &http.Transport{TLSClientConfig: tlsConfig}
	}

	return &storeAdminClient{
		id:      cfg.ID,
		baseURL: strings.TrimRight(cfg.Address, "/"),
		client:  client,
		logger:  logger,
	}, nil
}

// ID returns the configured store identifier
func (s *storeAdminClient) ID() string {
	return s.id
}

type lagResponse struct {
	LagMillis int64 `json:"lag_millis"`
}

// CurrentLag reports the store's current cross-region replication lag
func (s *storeAdminClient) CurrentLag(ctx context.Context) (time.Duration, error) {
	url := s.baseURL + "/v1/replication/lag"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create lag request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to query lag for store %s: %w", s.id, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return 0, fmt.Errorf("store %s lag endpoint returned status %d: %s", s.id, resp.StatusCode, string(body))
	}

	var lag lagResponse
	if err := json.NewDecoder(resp.Body).Decode(&lag); err != nil {
		return 0, fmt.Errorf("failed to decode lag response for store %s: %w", s.id, err)
	}

	return time.Duration(lag.LagMillis) * time.Millisecond, nil
}

type promoteRequest struct {
	Region string `json:"region"`
}

// PromoteToWritable promotes the store's replica in the given region
func (s *storeAdminClient) PromoteToWritable(ctx context.Context, region model.RegionID) error {
	url := s.baseURL + "/v1/replication/promote"

	body, err := json.Marshal(promoteRequest{Region: region.String()})
	if err != nil {
		return fmt.Errorf("failed to marshal promote request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create promote request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to promote store %s in region %s: %w", s.id, region, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("store %s promote endpoint returned status %d: %s", s.id, resp.StatusCode, string(respBody))
	}

	s.logger.Info("promoted store to writable",
		slog.String("store", s.id),
		slog.String("region", region.String()),
	)

	return nil
}
