// Copyright The Conference Orchestrator Authors.
// SPDX-License-Identifier: MIT

// The conference-orchestrator service.
package main

// Datastore synchronization against provider clusters.
//
// Full sync walks tenants, users, and cospaces in two passes: pass 1
// upserts minimal records from the list endpoints through a write batcher,
// pass 2 refreshes stale detail records with the bounded runner and
// cascades child syncs. Incremental sync skips fresh rows and recently
// quiet tenants. Rows missing from the latest list walk are marked
// inactive after a grace window.
//
// A run self-aborts shortly before the process-wide soft limit, leaving
// the last-sync timestamp untouched so the next run resumes the work.

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
)

const (
	syncSoftLimit = 14*time.Minute + 30*time.Second

	userDetailMaxAge    = 6 * time.Hour
	coSpaceDetailMaxAge = 1 * time.Hour

	// Rows not seen in the latest list walk are marked inactive once their
	// last list sighting is this far behind the walk start.
	inactiveGrace = 2 * time.Hour

	// Incremental sync only visits tenants whose membership counts moved
	// inside this window.
	incrementalTenantWindow = 30 * 24 * time.Hour

	syncBatchWindow = 50
)

// coSpaceSyncer accepts cospace refresh requests from provider clients.
// Inside a merge scope the requests are queued and deduplicated; outside
// one they run immediately.
type coSpaceSyncer interface {
	RequestSync(ctx context.Context, clusterID, coSpaceID string)
}

// mergeSyncScope queues cospace sync requests raised during a multi-write
// operation so each cospace is refreshed exactly once on scope exit.
type mergeSyncScope struct {
	mu  sync.Mutex
	ids map[string]string // cospace id -> cluster id
}

type mergeSyncScopeKey struct{}

// withMergeSyncScope brackets ctx with a fresh scope. The caller must flush
// it via syncEngine.FlushScope before discarding the context.
func withMergeSyncScope(ctx context.Context) (context.Context, *mergeSyncScope) {
	scope := &mergeSyncScope{ids: make(map[string]string)}
	return context.WithValue(ctx, mergeSyncScopeKey{}, scope), scope
}

func scopeFrom(ctx context.Context) *mergeSyncScope {
	scope, _ := ctx.Value(mergeSyncScopeKey{}).(*mergeSyncScope)
	return scope
}

func (s *mergeSyncScope) add(clusterID, coSpaceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids[coSpaceID] = clusterID
}

func (s *mergeSyncScope) drain() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.ids
	s.ids = make(map[string]string)
	return ids
}

// syncEngine drives cluster synchronization and serves sync requests from
// the provider clients it creates.
type syncEngine struct {
	ds    *Datastore
	state *ProcessState

	mu      sync.Mutex
	clients map[string]any // cluster id -> dialect client
}

func newSyncEngine(ds *Datastore, state *ProcessState) *syncEngine {
	return &syncEngine{ds: ds, state: state, clients: make(map[string]any)}
}

// clientFor returns (creating if needed) the dialect client for a cluster.
func (e *syncEngine) clientFor(cluster *Cluster) any {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.clients[cluster.ID]; ok {
		return c
	}
	var client any
	switch cluster.Kind {
	case ClusterKindPexip:
		client = newPexipClient(cluster, e.ds, e.state, e)
	default:
		client = newCMSClient(cluster, e.ds, e.state, e)
	}
	e.clients[cluster.ID] = client
	return client
}

// CMSClient returns the CMS client for a cluster, or nil for other kinds.
func (e *syncEngine) CMSClient(cluster *Cluster) *cmsClient {
	c, _ := e.clientFor(cluster).(*cmsClient)
	return c
}

// PexipClient returns the Pexip client for a cluster, or nil for other kinds.
func (e *syncEngine) PexipClient(cluster *Cluster) *pexipClient {
	c, _ := e.clientFor(cluster).(*pexipClient)
	return c
}

// ProviderFor returns the booking surface for a cluster.
func (e *syncEngine) ProviderFor(cluster *Cluster) ProviderClient {
	switch c := e.clientFor(cluster).(type) {
	case *pexipClient:
		return c
	case *cmsClient:
		return c
	default:
		return nil
	}
}

// RequestSync implements coSpaceSyncer.
func (e *syncEngine) RequestSync(ctx context.Context, clusterID, coSpaceID string) {
	if scope := scopeFrom(ctx); scope != nil {
		scope.add(clusterID, coSpaceID)
		return
	}
	if err := e.SyncSingleCoSpace(ctx, clusterID, coSpaceID); err != nil {
		logger.With(errKey, err, "cluster", clusterID, "cospace_id", coSpaceID).
			WarnContext(ctx, "failed to sync cospace")
	}
}

// FlushScope syncs every cospace queued in the scope exactly once.
func (e *syncEngine) FlushScope(ctx context.Context, scope *mergeSyncScope) error {
	var agg *multierror.Error
	for coSpaceID, clusterID := range scope.drain() {
		if err := e.SyncSingleCoSpace(ctx, clusterID, coSpaceID); err != nil {
			agg = multierror.Append(agg, err)
		}
	}
	return agg.ErrorOrNil()
}

// SyncSingleCoSpace refreshes one cospace (and its access methods) from the
// origin.
func (e *syncEngine) SyncSingleCoSpace(ctx context.Context, clusterID, coSpaceID string) error {
	cluster, err := e.ds.GetCluster(ctx, clusterID)
	if err != nil {
		return err
	}
	switch client := e.clientFor(cluster).(type) {
	case *cmsClient:
		return e.syncCMSCoSpaceDetail(ctx, client, coSpaceID)
	case *pexipClient:
		_, err := client.GetCoSpace(ctx, coSpaceID)
		return err
	}
	return nil
}

// syncBatcher coalesces row commits during a list walk: a row is committed
// only when it falls out of the batch window or at the final flush, so
// repeated touches of the same key cost one write.
type syncBatcher struct {
	window  int
	order   []string
	pending map[string]func(ctx context.Context) error
}

func newSyncBatcher(window int) *syncBatcher {
	if window <= 0 {
		window = syncBatchWindow
	}
	return &syncBatcher{window: window, pending: make(map[string]func(ctx context.Context) error)}
}

// Add queues a commit for key, replacing any pending commit for the same
// key. When the window overflows, the oldest row is committed.
func (b *syncBatcher) Add(ctx context.Context, key string, commit func(ctx context.Context) error) error {
	if _, ok := b.pending[key]; !ok {
		b.order = append(b.order, key)
	}
	b.pending[key] = commit

	if len(b.order) > b.window {
		oldest := b.order[0]
		b.order = b.order[1:]
		run := b.pending[oldest]
		delete(b.pending, oldest)
		return run(ctx)
	}
	return nil
}

// Flush commits every pending row.
func (b *syncBatcher) Flush(ctx context.Context) error {
	var agg *multierror.Error
	for _, key := range b.order {
		if run, ok := b.pending[key]; ok {
			if err := run(ctx); err != nil {
				agg = multierror.Append(agg, err)
			}
		}
	}
	b.order = nil
	b.pending = make(map[string]func(ctx context.Context) error)
	return agg.ErrorOrNil()
}

// SyncCluster runs one full or incremental synchronization of a cluster.
func (e *syncEngine) SyncCluster(ctx context.Context, clusterID string, full bool) error {
	cluster, err := e.ds.GetCluster(ctx, clusterID)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithTimeout(ctx, syncSoftLimit)
	defer cancel()

	start := time.Now().UTC()
	log := logger.With("cluster", clusterID, "full", full)
	log.InfoContext(runCtx, "starting cluster sync")

	switch client := e.clientFor(cluster).(type) {
	case *cmsClient:
		err = e.syncCMS(runCtx, client, cluster, start, full)
	case *pexipClient:
		err = e.syncPexip(runCtx, client, cluster, start)
	}
	if err != nil {
		// A soft abort or failure leaves the sync timestamps untouched so
		// the next run resumes.
		log.With(errKey, err).WarnContext(ctx, "cluster sync aborted")
		return err
	}

	record, err := e.ds.GetProviderSync(ctx, clusterID)
	if err != nil {
		return err
	}
	if full {
		record.LastFullSync = start
	} else {
		record.LastIncrementalSync = start
	}
	if err := e.ds.PutProviderSync(ctx, record); err != nil {
		return err
	}
	log.With("duration", time.Since(start).String()).InfoContext(ctx, "cluster sync complete")
	return nil
}

func (e *syncEngine) syncCMS(ctx context.Context, client *cmsClient, cluster *Cluster, start time.Time, full bool) error {
	if _, err := e.syncCMSTenants(ctx, client, cluster, start, full); err != nil {
		return err
	}
	if err := e.syncCMSUsers(ctx, client, start, full); err != nil {
		return err
	}
	if err := e.syncCMSCoSpaces(ctx, client, start, full); err != nil {
		return err
	}
	return e.markInactive(ctx, cluster.ID, start)
}

// syncCMSTenants walks /tenants and refreshes the tenant cache plus the
// cluster's tenant count.
func (e *syncEngine) syncCMSTenants(ctx context.Context, client *cmsClient, cluster *Cluster, start time.Time, full bool) (int, error) {
	cutoff := start.Add(-incrementalTenantWindow)
	count := 0
	_, err := client.ListTenants(ctx, func(wire *cmsTenant) error {
		count++
		existing, getErr := e.ds.GetTenant(ctx, cluster.ID, wire.ID)
		if getErr != nil && !isNotFound(getErr) {
			return getErr
		}
		if existing == nil {
			existing = &Tenant{ID: wire.ID, ClusterID: cluster.ID, Enabled: true}
		}
		if !full && !existing.LastCountChange.IsZero() && existing.LastCountChange.Before(cutoff) {
			// Quiet tenant: incremental sync leaves it alone.
			return nil
		}
		existing.Name = wire.Name
		existing.LastSynced = start
		return e.ds.PutTenant(ctx, existing)
	})
	if err != nil {
		return 0, err
	}
	if cluster.TenantCount != count {
		cluster.TenantCount = count
		if err := e.ds.PutCluster(ctx, cluster); err != nil {
			return 0, err
		}
		e.state.storeOptions(cluster.ID, cluster.Options)
	}
	return count, nil
}

// syncCMSUsers runs the two-pass user walk.
func (e *syncEngine) syncCMSUsers(ctx context.Context, client *cmsClient, start time.Time, full bool) error {
	batcher := newSyncBatcher(syncBatchWindow)
	var stale []string

	_, err := client.ListUsers(ctx, nil, func(wire *cmsUser) error {
		id := wire.ID
		existing, getErr := e.ds.GetUser(ctx, client.cluster.ID, id)
		if getErr != nil && !isNotFound(getErr) {
			return getErr
		}
		user := existing
		if user == nil {
			user = &User{ID: id, ClusterID: client.cluster.ID}
		}
		user.JID = wire.JID
		user.Name = wire.Name
		user.TenantID = wire.Tenant
		user.Active = true
		user.LastSynced = start

		if full || user.LastSyncedDetail.Before(start.Add(-userDetailMaxAge)) {
			stale = append(stale, id)
		}
		row := user
		return batcher.Add(ctx, userKey(row.ClusterID, row.ID), func(commitCtx context.Context) error {
			return e.ds.PutUser(commitCtx, row)
		})
	})
	if err != nil {
		return err
	}
	if err := batcher.Flush(ctx); err != nil {
		return err
	}

	// Pass 2: refresh stale details with the keyed runner. Every row runs
	// regardless of sibling failures, so one broken record cannot stall the
	// walk; failures come back as a per-user map.
	tasks := make(map[string]func(context.Context) error, len(stale))
	for _, id := range stale {
		userID := id
		tasks[userID] = func(taskCtx context.Context) error {
			if _, detailErr := client.GetUser(taskCtx, userID); detailErr != nil && !isNotFound(detailErr) {
				logger.With(errKey, detailErr, "user_id", userID).WarnContext(taskCtx, "failed to refresh user detail")
				return detailErr
			}
			return taskCtx.Err()
		}
	}
	return runKeyed(ctx, fanoutWidth, tasks)
}

// syncCMSCoSpaces runs the two-pass cospace walk with the child cascade.
func (e *syncEngine) syncCMSCoSpaces(ctx context.Context, client *cmsClient, start time.Time, full bool) error {
	batcher := newSyncBatcher(syncBatchWindow)
	var stale []string

	_, err := client.ListCoSpaces(ctx, nil, func(wire *cmsCoSpace) error {
		id := wire.ID
		existing, getErr := e.ds.GetCoSpace(ctx, client.cluster.ID, id)
		if getErr != nil && !isNotFound(getErr) {
			return getErr
		}
		cospace := existing
		if cospace == nil {
			cospace = wire.toCoSpace(client.cluster.ID)
		} else {
			cospace.Name = wire.Name
			cospace.URI = wire.URI
			cospace.CallID = wire.CallID
			cospace.TenantID = wire.Tenant
			cospace.NumAccessMethods = wire.NumAccessMethods
			cospace.Active = true
		}
		cospace.LastSyncedList = start

		if full || cospace.LastSyncedFull.Before(start.Add(-coSpaceDetailMaxAge)) {
			stale = append(stale, id)
		}
		row := cospace
		return batcher.Add(ctx, coSpaceKey(row.ClusterID, row.ID), func(commitCtx context.Context) error {
			return e.ds.PutCoSpace(commitCtx, row)
		})
	})
	if err != nil {
		return err
	}
	if err := batcher.Flush(ctx); err != nil {
		return err
	}

	tasks := make(map[string]func(context.Context) error, len(stale))
	for _, id := range stale {
		coSpaceID := id
		tasks[coSpaceID] = func(taskCtx context.Context) error {
			if detailErr := e.syncCMSCoSpaceDetail(taskCtx, client, coSpaceID); detailErr != nil && !isNotFound(detailErr) {
				logger.With(errKey, detailErr, "cospace_id", coSpaceID).WarnContext(taskCtx, "failed to refresh cospace detail")
				return detailErr
			}
			return taskCtx.Err()
		}
	}
	return runKeyed(ctx, fanoutWidth, tasks)
}

// syncCMSCoSpaceDetail refreshes one cospace's detail record and cascades
// its access methods.
func (e *syncEngine) syncCMSCoSpaceDetail(ctx context.Context, client *cmsClient, coSpaceID string) error {
	wire, err := client.getCoSpaceRaw(ctx, coSpaceID)
	if err != nil {
		if isNotFound(err) {
			return e.ds.DeleteCoSpace(ctx, client.cluster.ID, coSpaceID)
		}
		return err
	}
	cospace := wire.toCoSpace(client.cluster.ID)

	if existing, getErr := e.ds.GetCoSpace(ctx, client.cluster.ID, coSpaceID); getErr == nil {
		cospace.Scheduled = existing.Scheduled
		cospace.CustomerID = existing.CustomerID
		cospace.LastSyncedList = existing.LastSyncedList
		cospace.LastSyncedMembers = existing.LastSyncedMembers
	}

	if wire.NumAccessMethods > 0 {
		methods, methodErr := client.ListAccessMethods(ctx, coSpaceID)
		if methodErr != nil && !isNotFound(methodErr) {
			return methodErr
		}
		cospace.AccessMethodIDs = cospace.AccessMethodIDs[:0]
		for _, m := range methods {
			cospace.AccessMethodIDs = append(cospace.AccessMethodIDs, m.ID)
		}
	}

	now := time.Now().UTC()
	cospace.LastSyncedFull = now
	cospace.LastSyncedMembers = now
	return e.ds.PutCoSpace(ctx, cospace)
}

func (e *syncEngine) syncPexip(ctx context.Context, client *pexipClient, cluster *Cluster, start time.Time) error {
	tenantCount, err := client.DiscoverTenants(ctx)
	if err != nil {
		return err
	}
	if cluster.TenantCount != tenantCount {
		cluster.TenantCount = tenantCount
		if err := e.ds.PutCluster(ctx, cluster); err != nil {
			return err
		}
	}

	batcher := newSyncBatcher(syncBatchWindow)
	_, err = client.ListConferences(ctx, func(wire *pexipConference) error {
		cospace := wire.toCoSpace(cluster.ID)
		if existing, getErr := e.ds.GetCoSpace(ctx, cluster.ID, cospace.ID); getErr == nil {
			cospace.Scheduled = existing.Scheduled
			cospace.CustomerID = existing.CustomerID
		}
		cospace.LastSyncedList = start
		cospace.LastSyncedFull = start
		row := cospace
		return batcher.Add(ctx, coSpaceKey(row.ClusterID, row.ID), func(commitCtx context.Context) error {
			return e.ds.PutCoSpace(commitCtx, row)
		})
	})
	if err != nil {
		return err
	}
	if err := batcher.Flush(ctx); err != nil {
		return err
	}
	return e.markInactive(ctx, cluster.ID, start)
}

// markInactive deactivates cached rows that the latest list walk no longer
// reported, once they age past the grace window.
func (e *syncEngine) markInactive(ctx context.Context, clusterID string, start time.Time) error {
	keys, err := e.ds.objects.Keys(ctx)
	if err != nil {
		return err
	}
	cutoff := start.Add(-inactiveGrace)
	prefix := "cospace." + clusterID + "."
	var agg *multierror.Error
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		id := strings.TrimPrefix(key, prefix)
		cospace, getErr := e.ds.GetCoSpace(ctx, clusterID, id)
		if getErr != nil {
			if !isNotFound(getErr) {
				agg = multierror.Append(agg, getErr)
			}
			continue
		}
		if cospace.Active && cospace.LastSyncedList.Before(cutoff) {
			cospace.Active = false
			if putErr := e.ds.PutCoSpace(ctx, cospace); putErr != nil {
				agg = multierror.Append(agg, putErr)
			}
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ctx.Err()
	}
	return agg.ErrorOrNil()
}
