// Copyright The Conference Orchestrator Authors.
// SPDX-License-Identifier: MIT

// The conference-orchestrator service.
package main

// Base behaviour shared by the CMS and Pexip clients: the per-node
// transport pool, failover across cluster nodes, the cached-values gate for
// single-object reads, and the process-wide state container.

import (
	"context"
	"math/rand"
	"net/url"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const (
	// Cluster operations that raise a connection error are retried on
	// another node up to min(nodes, maxNodeAttempts) times.
	maxNodeAttempts = 4
)

// ProcessState is the explicit container for state that the source of this
// design kept in module globals: the set of clusters currently inside a
// threaded fan-out, the cluster option bag cache, and the endpoint-secret
// lookup cache. One ProcessState exists per process; no module-level
// mutation.
type ProcessState struct {
	mu sync.Mutex
	// threadingClusters tracks clusters with an in-flight threaded list
	// walk, so nested fan-outs on the same cluster degrade to sequential.
	threadingClusters map[string]int

	// Caches with independent TTLs. Options cache entries are invalidated
	// by the sync writer; endpoint secrets are cheap to re-resolve.
	options         *gocache.Cache
	endpointSecrets *gocache.Cache
	sessions        *gocache.Cache
}

// NewProcessState initializes the container.
func NewProcessState() *ProcessState {
	return &ProcessState{
		threadingClusters: make(map[string]int),
		options:           gocache.New(10*time.Minute, 30*time.Minute),
		endpointSecrets:   gocache.New(5*time.Minute, 10*time.Minute),
		sessions:          gocache.New(20*time.Minute, 30*time.Minute),
	}
}

// Close tears down the container. Caches are dropped; nothing to flush.
func (s *ProcessState) Close() {
	s.options.Flush()
	s.endpointSecrets.Flush()
	s.sessions.Flush()
}

// enterThreading marks a cluster as running a threaded list walk. Returns
// false when one is already running, in which case the caller must iterate
// sequentially and must not call exitThreading.
func (s *ProcessState) enterThreading(clusterID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.threadingClusters[clusterID] > 0 {
		return false
	}
	s.threadingClusters[clusterID]++
	return true
}

// exitThreading clears the threading marker for a cluster.
func (s *ProcessState) exitThreading(clusterID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.threadingClusters[clusterID] > 0 {
		s.threadingClusters[clusterID]--
	}
}

// cachedOptions returns the cached option bag for a cluster, if present.
func (s *ProcessState) cachedOptions(clusterID string) (*ClusterOptions, bool) {
	if v, ok := s.options.Get(clusterID); ok {
		opts := v.(ClusterOptions)
		return &opts, true
	}
	return nil, false
}

// storeOptions caches a cluster option bag.
func (s *ProcessState) storeOptions(clusterID string, opts ClusterOptions) {
	s.options.Set(clusterID, opts, gocache.DefaultExpiration)
}

// providerClient is embedded by the dialect clients. It owns one transport
// per cluster node and routes requests with failover.
type providerClient struct {
	cluster *Cluster
	ds      *Datastore
	state   *ProcessState

	// allowCachedValues serves single-object reads from the datastore
	// instead of the origin.
	allowCachedValues bool

	mu         sync.Mutex
	transports map[string]*transport // node id -> transport
	makeURL    func(node *ClusterNode) *url.URL
	options    []transportOption
}

// newProviderClient builds the base for a cluster. makeURL derives the node
// base URL from a node record (dialects differ in scheme path prefixes).
func newProviderClient(cluster *Cluster, ds *Datastore, state *ProcessState, makeURL func(*ClusterNode) *url.URL, opts ...transportOption) *providerClient {
	return &providerClient{
		cluster:    cluster,
		ds:         ds,
		state:      state,
		transports: make(map[string]*transport),
		makeURL:    makeURL,
		options:    opts,
	}
}

// transportFor returns (creating if needed) the transport for one node.
func (c *providerClient) transportFor(node *ClusterNode) *transport {
	c.mu.Lock()
	defer c.mu.Unlock()
	if tr, ok := c.transports[node.ID]; ok {
		return tr
	}
	tr := newTransport(c.makeURL(node), node.Username, node.Password, c.options...)
	c.transports[node.ID] = tr
	return tr
}

// nodePool returns the shuffled, non-retired nodes eligible for fan-out:
// call bridges preferred, database-capable nodes otherwise.
func (c *providerClient) nodePool() []*ClusterNode {
	var bridges, databases []*ClusterNode
	for _, node := range c.cluster.Nodes {
		if c.transportFor(node).retired() {
			continue
		}
		if node.IsCallBridge {
			bridges = append(bridges, node)
		} else if node.IsDatabase {
			databases = append(databases, node)
		}
	}
	pool := bridges
	if len(pool) == 0 {
		pool = databases
	}
	shuffled := make([]*ClusterNode, len(pool))
	copy(shuffled, pool)
	rand.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	return shuffled
}

// runWithFailover executes fn against cluster nodes until it succeeds or
// raises a non-connection error. Connection errors rotate to the next node,
// up to min(nodes, maxNodeAttempts) attempts.
func (c *providerClient) runWithFailover(ctx context.Context, fn func(tr *transport) error) error {
	pool := c.nodePool()
	if len(pool) == 0 {
		return &ResponseConnectionError{Message: "no reachable nodes in cluster " + c.cluster.ID}
	}

	attempts := len(pool)
	if attempts > maxNodeAttempts {
		attempts = maxNodeAttempts
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		node := pool[i]
		err := fn(c.transportFor(node))
		if err == nil {
			return nil
		}
		if !isConnectionError(err) {
			return err
		}
		lastErr = err
		logger.With(errKey, err, "cluster", c.cluster.ID, "node", node.Host).
			WarnContext(ctx, "node failed, trying next cluster node")
	}
	return lastErr
}
