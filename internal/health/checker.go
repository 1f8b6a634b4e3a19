// Package health runs periodic liveness probes against registered
// downstream servers and records the outcome on their registry records.
package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/toolgate-io/toolgate/internal/registry"
)

// Config holds health check configuration.
type Config struct {
	CheckInterval time.Duration
	ProbeTimeout  time.Duration
	FailThreshold int
}

// ServerLister returns the servers to probe.
type ServerLister interface {
	List(ctx context.Context) ([]*registry.ServerInfo, error)
}

// StatusUpdater records a probe outcome on one server.
type StatusUpdater interface {
	UpdateStatus(ctx context.Context, name string, status registry.ServerStatus, errMsg string) error
}

// MetricsRecordFunc is an optional callback for recording probe results.
type MetricsRecordFunc func(success bool)

// Checker runs periodic downstream health probes.
type Checker struct {
	lister     ServerLister
	updater    StatusUpdater
	httpClient *http.Client
	cfg        Config
	onMetrics  MetricsRecordFunc
	logger     *zap.Logger

	mu         sync.Mutex
	failCounts map[string]int
}

// New creates a Checker.
func New(lister ServerLister, updater StatusUpdater, cfg Config, logger *zap.Logger) *Checker {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = time.Minute
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 10 * time.Second
	}
	if cfg.FailThreshold == 0 {
		cfg.FailThreshold = 3
	}

	return &Checker{
		lister:     lister,
		updater:    updater,
		httpClient: &http.Client{Timeout: cfg.ProbeTimeout},
		cfg:        cfg,
		failCounts: make(map[string]int),
		logger:     logger,
	}
}

// SetMetricsRecord configures the metrics recording callback.
func (c *Checker) SetMetricsRecord(fn MetricsRecordFunc) {
	c.onMetrics = fn
}

// Start runs the probe loop until ctx is cancelled.
func (c *Checker) Start(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			probeCtx, cancel := context.WithTimeout(ctx, c.cfg.CheckInterval-time.Second)
			c.CheckAll(probeCtx)
			cancel()
		case <-ctx.Done():
			return
		}
	}
}

// CheckAll probes every HTTP-reachable server with bounded concurrency.
// Stdio servers have no endpoint to probe and are skipped.
func (c *Checker) CheckAll(ctx context.Context) {
	servers, err := c.lister.List(ctx)
	if err != nil {
		c.logger.Error("health: list servers", zap.Error(err))
		return
	}

	sem := make(chan struct{}, 10)
	var wg sync.WaitGroup

	for _, s := range servers {
		if s.URL == "" {
			continue
		}
		wg.Add(1)
		go func(info *registry.ServerInfo) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			success := c.probe(ctx, info.URL)
			if c.onMetrics != nil {
				c.onMetrics(success)
			}

			c.mu.Lock()
			prevCount := c.failCounts[info.Name]
			if success {
				c.failCounts[info.Name] = 0
			} else {
				c.failCounts[info.Name]++
			}
			count := c.failCounts[info.Name]
			c.mu.Unlock()

			switch {
			case success && prevCount >= c.cfg.FailThreshold:
				if err := c.updater.UpdateStatus(ctx, info.Name, registry.ServerStatusHealthy, ""); err != nil {
					c.logger.Warn("health: update status", zap.Error(err))
				}
				c.logger.Info("health: recovered", zap.String("server", info.Name))
			case success:
				if err := c.updater.UpdateStatus(ctx, info.Name, registry.ServerStatusHealthy, ""); err != nil {
					c.logger.Warn("health: update status", zap.Error(err))
				}
			case count == c.cfg.FailThreshold:
				// Flip to unreachable exactly at the threshold.
				if err := c.updater.UpdateStatus(ctx, info.Name, registry.ServerStatusUnreachable, "health probes failing"); err != nil {
					c.logger.Warn("health: update status", zap.Error(err))
				}
				c.logger.Warn("health: unreachable",
					zap.String("server", info.Name),
					zap.Int("fail_count", count),
				)
			}
		}(s)
	}

	wg.Wait()
}

// probe attempts HEAD then GET, accepting any 2xx response. MCP endpoints
// commonly reject HEAD, so a GET fallback is required.
func (c *Checker) probe(ctx context.Context, endpoint string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, endpoint, nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err == nil {
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return true
		}
	}

	req, err = http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false
	}
	resp, err = c.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
