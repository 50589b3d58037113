// Copyright The Conference Orchestrator Authors.
// SPDX-License-Identifier: MIT

// The conference-orchestrator service.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

// fakeListNode is one cluster member serving a paginated /items endpoint.
type fakeListNode struct {
	srv   *httptest.Server
	items []string
	fail  atomic.Bool
	hits  atomic.Int64
}

func newFakeListNode(items []string) *fakeListNode {
	node := &fakeListNode{items: items}
	node.srv = httptest.NewServer(http.HandlerFunc(node.handle))
	return node
}

func (n *fakeListNode) handle(w http.ResponseWriter, r *http.Request) {
	n.hits.Add(1)
	if n.fail.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = len(n.items)
	}
	if offset > len(n.items) {
		offset = len(n.items)
	}
	end := offset + limit
	if end > len(n.items) {
		end = len(n.items)
	}
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"total":%d,"items":[%s]}`, len(n.items), strings.Join(n.items[offset:end], ","))
}

// numberedRows builds n rows on the default tenant, numbered in order.
func numberedRows(n int) []string {
	rows := make([]string, n)
	for i := range rows {
		rows[i] = fmt.Sprintf(`{"n":%d,"tenant":""}`, i)
	}
	return rows
}

func walkCluster(tenants int, nodes ...*fakeListNode) *Cluster {
	cluster := &Cluster{ID: "cl-walk", Kind: ClusterKindCMS, TenantCount: tenants}
	for i, node := range nodes {
		cluster.Nodes = append(cluster.Nodes, &ClusterNode{
			ID:           "node-" + strconv.Itoa(i),
			Host:         strings.TrimPrefix(node.srv.URL, "http://"),
			IsCallBridge: true,
		})
	}
	return cluster
}

func newWalkClient(t *testing.T, cluster *Cluster, nodes ...*fakeListNode) *providerClient {
	t.Helper()
	state := NewProcessState()
	t.Cleanup(state.Close)
	for _, node := range nodes {
		t.Cleanup(node.srv.Close)
	}
	return newProviderClient(cluster, newTestDatastore(), state, func(node *ClusterNode) *url.URL {
		return &url.URL{Scheme: "http", Host: node.Host}
	})
}

// fetchItems is the page fetcher used against fakeListNode.
func fetchItems(ctx context.Context, tr *transport, offset, limit int) (*listPage, error) {
	query := url.Values{}
	query.Set("offset", strconv.Itoa(offset))
	query.Set("limit", strconv.Itoa(limit))
	_, body, err := tr.get(ctx, "/items", query)
	if err != nil {
		return nil, err
	}
	page := &listPage{Total: int(gjson.GetBytes(body, "total").Int())}
	for _, row := range gjson.GetBytes(body, "items").Array() {
		page.Items = append(page.Items, []byte(row.Raw))
	}
	return page, nil
}

func collectRowNumbers(out *[]int64) func(item []byte) error {
	return func(item []byte) error {
		*out = append(*out, gjson.GetBytes(item, "n").Int())
		return nil
	}
}

func TestThreadingAllowed(t *testing.T) {
	assert.True(t, threadingAllowed("/coSpaces"))
	assert.True(t, threadingAllowed("/users"))
	assert.False(t, threadingAllowed("/calls"))
	assert.False(t, threadingAllowed("/calls/"))
	assert.False(t, threadingAllowed("/api/admin/status/v1/participants"))
}

func TestIterateListSequentialKeepsOrder(t *testing.T) {
	node := newFakeListNode(numberedRows(12))
	client := newWalkClient(t, walkCluster(1, node), node)

	// A cluster-local endpoint disables threading, so rows arrive in
	// upstream order across page boundaries.
	var seen []int64
	total, err := client.iterateList(context.Background(),
		listOptions{Endpoint: "/calls", PageSize: 5}, fetchItems, collectRowNumbers(&seen))
	require.NoError(t, err)
	assert.Equal(t, 12, total)
	require.Len(t, seen, 12)
	for i, n := range seen {
		assert.Equal(t, int64(i), n)
	}
	assert.Equal(t, int64(3), node.hits.Load())
}

func TestIterateListThreadedWalksAllPages(t *testing.T) {
	rows := numberedRows(25)
	nodeA := newFakeListNode(rows)
	nodeB := newFakeListNode(rows)
	client := newWalkClient(t, walkCluster(1, nodeA, nodeB), nodeA, nodeB)

	var seen []int64
	total, err := client.iterateList(context.Background(),
		listOptions{Endpoint: "/coSpaces", PageSize: 5}, fetchItems, collectRowNumbers(&seen))
	require.NoError(t, err)
	assert.Equal(t, 25, total)
	require.Len(t, seen, 25)

	distinct := make(map[int64]bool, len(seen))
	for _, n := range seen {
		distinct[n] = true
	}
	assert.Len(t, distinct, 25)

	// Page 0 plus four fanned-out pages, each fetched exactly once.
	assert.Equal(t, int64(5), nodeA.hits.Load()+nodeB.hits.Load())
}

func TestIterateListThreadedFailsOver(t *testing.T) {
	rows := numberedRows(25)
	healthy := newFakeListNode(rows)
	broken := newFakeListNode(rows)
	broken.fail.Store(true)
	client := newWalkClient(t, walkCluster(1, healthy, broken), healthy, broken)

	var seen []int64
	total, err := client.iterateList(context.Background(),
		listOptions{Endpoint: "/coSpaces", PageSize: 5}, fetchItems, collectRowNumbers(&seen))
	require.NoError(t, err)
	assert.Equal(t, 25, total)
	assert.Len(t, seen, 25)
}

func TestIterateListLimitStopsEarly(t *testing.T) {
	node := newFakeListNode(numberedRows(30))
	client := newWalkClient(t, walkCluster(1, node), node)

	var seen []int64
	total, err := client.iterateList(context.Background(),
		listOptions{Endpoint: "/coSpaces", PageSize: 5, Limit: 7}, fetchItems, collectRowNumbers(&seen))
	require.NoError(t, err)
	assert.Len(t, seen, 7)
	// The upstream count still stands; only the walk stopped early.
	assert.Equal(t, 30, total)
}

func TestIterateListDefaultTenantTotalIsEstimated(t *testing.T) {
	rows := make([]string, 10)
	for i := range rows {
		tenant := ""
		if i%2 == 1 {
			tenant = "ten-b"
		}
		rows[i] = fmt.Sprintf(`{"n":%d,"tenant":%q}`, i, tenant)
	}
	node := newFakeListNode(rows)
	client := newWalkClient(t, walkCluster(3, node), node)

	defaultTenant := ""
	var seen []int64
	total, err := client.iterateList(context.Background(), listOptions{
		Endpoint:     "/coSpaces",
		PageSize:     5,
		TenantFilter: &defaultTenant,
		ItemTenant:   func(item []byte) string { return gjson.GetBytes(item, "tenant").String() },
	}, fetchItems, collectRowNumbers(&seen))
	require.NoError(t, err)
	require.Len(t, seen, 5)
	for _, n := range seen {
		assert.Zero(t, n%2)
	}
	// The upstream count includes other tenants' rows, so the total is the
	// estimate offset + rows + 1.
	assert.Equal(t, 6, total)
}

func TestIterateThreadedAllNodesRetired(t *testing.T) {
	cluster := &Cluster{ID: "cl-walk", Kind: ClusterKindCMS, TenantCount: 1, Nodes: []*ClusterNode{
		{ID: "node-0", Host: "bridge-a.example.com", IsCallBridge: true},
	}}
	client := newWalkClient(t, cluster)

	// The first fetch succeeds but pushes the only node past the retirement
	// threshold, as a burst of 503s on concurrent requests would.
	fetch := func(_ context.Context, tr *transport, _ int, _ int) (*listPage, error) {
		tr.connectionErrors.Store(nodeRetireThreshold)
		return &listPage{Items: [][]byte{[]byte(`{}`)}, Total: 100}, nil
	}

	err := client.iterateThreaded(context.Background(), []int{0, 50}, 50, fetch,
		func([][]byte) error { return nil })
	require.Error(t, err)
	assert.True(t, isConnectionError(err))
	assert.Contains(t, err.Error(), "all nodes retired")
}

func TestRunKeyedReportsPerItemFailures(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")
	var ran atomic.Int64
	err := runKeyed(ctx, 2, map[string]func(context.Context) error{
		"user-1": func(context.Context) error { ran.Add(1); return nil },
		"user-2": func(context.Context) error { ran.Add(1); return boom },
		"user-3": func(context.Context) error { ran.Add(1); return nil },
	})

	// Sibling failures never stop the batch; the failed keys come back as a
	// per-item map.
	assert.Equal(t, int64(3), ran.Load())
	var multi *MultipleResponseError
	require.ErrorAs(t, err, &multi)
	require.Len(t, multi.Items, 1)
	assert.ErrorIs(t, multi.Items["user-2"], boom)
	assert.Contains(t, err.Error(), "user-2")

	require.NoError(t, runKeyed(ctx, 0, map[string]func(context.Context) error{
		"user-1": func(context.Context) error { return nil },
	}))
}
