// Package registry implements the Agent Registry (C4): a periodically
// refreshed, RWMutex-guarded map of discovered remote agents, with an
// optional Redis write-behind mirror. The map/namespace-key idiom follows
// core/discovery.go's RedisDiscovery; the non-destructive refresh
// semantics and periodic-task shape follow §4.4 exactly.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/jobop/agentcoord/core"
	"github.com/jobop/agentcoord/internal/a2a"
	"github.com/jobop/agentcoord/internal/domain"
)

const redisSnapshotKey = "agentcoord:registry:snapshot"

// Registry holds the current set of known agents, keyed by agent_id.
type Registry struct {
	mu       sync.RWMutex
	agents   map[string]*domain.AgentEntry
	endpoints []string
	transport *a2a.Transport
	logger    core.Logger

	redis        *redis.Client
	redisTTL     time.Duration
	probeTimeout time.Duration
}

// Option configures a Registry at construction.
type Option func(*Registry)

// WithRedisMirror enables a write-behind snapshot to Redis after every
// refresh cycle, at key agentcoord:registry:snapshot with TTL 2x the
// discovery interval (§2.2). Mirror failures never fail the refresh.
func WithRedisMirror(client *redis.Client, discoveryInterval time.Duration) Option {
	return func(r *Registry) {
		r.redis = client
		r.redisTTL = 2 * discoveryInterval
	}
}

// New builds a Registry over the given discovery endpoints.
func New(endpoints []string, transport *a2a.Transport, probeTimeout time.Duration, logger core.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	r := &Registry{
		agents:       make(map[string]*domain.AgentEntry),
		endpoints:    endpoints,
		transport:    transport,
		logger:       logger,
		probeTimeout: probeTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Snapshot returns a copy of every currently known AgentEntry — copy-on-
// read, matching core/discovery.go's pattern of never handing out the
// live map.
func (r *Registry) Snapshot() []*domain.AgentEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*domain.AgentEntry, 0, len(r.agents))
	for _, e := range r.agents {
		copyEntry := *e
		out = append(out, &copyEntry)
	}
	return out
}

// Lookup finds one AgentEntry by agent_id.
func (r *Registry) Lookup(agentID string) (*domain.AgentEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.agents[agentID]
	if !ok {
		return nil, false
	}
	copyEntry := *e
	return &copyEntry, true
}

// Refresh runs one discovery cycle: probes every configured endpoint in
// parallel, and upserts each AgentEntry that answers. Endpoints that do
// not answer within probeTimeout are logged and otherwise ignored —
// existing entries for agents behind them are never evicted within this
// cycle (§4.4's non-destructive-within-a-cycle guarantee).
func (r *Registry) Refresh(ctx context.Context) {
	var wg sync.WaitGroup
	results := make(chan *domain.AgentEntry, len(r.endpoints))

	for _, endpoint := range r.endpoints {
		wg.Add(1)
		go func(endpoint string) {
			defer wg.Done()
			probeCtx, cancel := context.WithTimeout(ctx, r.probeTimeout)
			defer cancel()
			entry, err := r.transport.Probe(probeCtx, endpoint)
			if err != nil {
				r.logger.Warn("agent discovery probe failed", map[string]interface{}{
					"endpoint": endpoint, "error": err.Error(),
				})
				return
			}
			results <- entry
		}(endpoint)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	for entry := range results {
		entry.LastSeen = time.Now()
		r.mu.Lock()
		r.agents[entry.AgentID] = entry
		r.mu.Unlock()
	}

	r.mirrorToRedis(ctx)
}

// RunPeriodic drives Refresh at interval until ctx is canceled. Any
// uncaught error inside a cycle triggers a short backoff before retrying
// (§4.4's 5s recovery wait); Refresh itself does not return errors, but
// this loop is structured to absorb a panic-recovered cycle the same way.
func (r *Registry) RunPeriodic(ctx context.Context, interval, backoff time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runCycleRecovered(ctx, backoff)
		}
	}
}

func (r *Registry) runCycleRecovered(ctx context.Context, backoff time.Duration) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("agent discovery cycle panicked", map[string]interface{}{"recover": fmt.Sprintf("%v", rec)})
			time.Sleep(backoff)
		}
	}()
	r.Refresh(ctx)
}

func (r *Registry) mirrorToRedis(ctx context.Context) {
	if r.redis == nil {
		return
	}
	data, err := json.Marshal(r.Snapshot())
	if err != nil {
		r.logger.Warn("registry redis mirror marshal failed", map[string]interface{}{"error": err.Error()})
		return
	}
	if err := r.redis.Set(ctx, redisSnapshotKey, data, r.redisTTL).Err(); err != nil {
		r.logger.Warn("registry redis mirror write failed", map[string]interface{}{"error": err.Error()})
	}
}
