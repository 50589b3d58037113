// Copyright The Conference Orchestrator Authors.
// SPDX-License-Identifier: MIT

// The conference-orchestrator service.
package main

// Paginated response iteration with multi-node fan-out, and the bounded
// task runner used for per-call-bridge queries.
//
// The iterator fetches page 0 to learn the total count and page size, then
// dispatches up to fanoutWidth parallel page fetches, each routed to a
// different node from the shuffled pool. Threading is skipped for
// cluster-local state endpoints and for nested fan-outs on the same
// cluster; in both cases pages are walked sequentially with one page
// pre-buffered ahead of the consumer.

import (
	"context"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"
)

const (
	fanoutWidth     = 4
	defaultPageSize = 50
)

// listPage is one decoded page of a list endpoint.
type listPage struct {
	Items   [][]byte
	Total   int
	PerPage int
}

// pageFetcher fetches one page from one node.
type pageFetcher func(ctx context.Context, tr *transport, offset, limit int) (*listPage, error)

// listOptions controls one list iteration.
type listOptions struct {
	// Endpoint is the API path; threading is disabled for cluster-local
	// state endpoints.
	Endpoint string

	// PageSize requested per fetch; the server may clamp it.
	PageSize int

	// Offset and Limit bound the overall walk; Limit 0 walks everything.
	Offset int
	Limit  int

	// TenantFilter, when non-nil, restricts rows to one tenant. The empty
	// string selects the implicit default tenant, which multi-tenant
	// upstreams cannot filter server-side; those rows are post-filtered
	// with ItemTenant.
	TenantFilter *string
	ItemTenant   func(item []byte) string
}

// clusterLocalEndpoints hold per-call-bridge state: fanning their pages out
// across nodes would interleave different bridges' views of different data.
var clusterLocalEndpoints = []string{"/calls", "/legs", "/callLegs", "/participants"}

// threadingAllowed reports whether the endpoint's pages may be fetched from
// multiple nodes in parallel.
func threadingAllowed(endpoint string) bool {
	trimmed := strings.TrimSuffix(endpoint, "/")
	for _, local := range clusterLocalEndpoints {
		if strings.HasSuffix(trimmed, local) {
			return false
		}
	}
	return true
}

// iterateList walks a paginated list endpoint and invokes fn for every raw
// item. Returns the (possibly estimated) total row count.
func (c *providerClient) iterateList(ctx context.Context, opts listOptions, fetch pageFetcher, fn func(item []byte) error) (int, error) {
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}

	postFilter := opts.TenantFilter != nil && *opts.TenantFilter == "" &&
		c.cluster.IsMultiTenant() && opts.ItemTenant != nil

	// Page 0 establishes the counts.
	var first *listPage
	err := c.runWithFailover(ctx, func(tr *transport) error {
		page, fetchErr := fetch(ctx, tr, opts.Offset, pageSize)
		if fetchErr != nil {
			return fetchErr
		}
		first = page
		return nil
	})
	if err != nil {
		return 0, err
	}
	if first.PerPage > 0 {
		pageSize = first.PerPage
	}

	total := first.Total
	emitted := 0
	emit := func(items [][]byte) error {
		for _, item := range items {
			if postFilter && opts.ItemTenant(item) != "" {
				continue
			}
			if err := fn(item); err != nil {
				return err
			}
			emitted++
			if opts.Limit > 0 && emitted >= opts.Limit {
				return errIterationDone
			}
		}
		return nil
	}

	if err := emit(first.Items); err != nil {
		return iterationTotal(err, total, postFilter, opts.Offset, emitted)
	}

	remaining := total - opts.Offset - len(first.Items)
	if remaining <= 0 || len(first.Items) == 0 {
		return iterationTotal(nil, total, postFilter, opts.Offset, emitted)
	}

	// Collect the offsets still to fetch.
	var offsets []int
	for off := opts.Offset + len(first.Items); off < total; off += pageSize {
		offsets = append(offsets, off)
	}

	threaded := threadingAllowed(opts.Endpoint) && c.state.enterThreading(c.cluster.ID)
	if threaded {
		defer c.state.exitThreading(c.cluster.ID)
		err = c.iterateThreaded(ctx, offsets, pageSize, fetch, emit)
	} else {
		err = c.iterateSequential(ctx, offsets, pageSize, fetch, emit)
	}
	return iterationTotal(err, total, postFilter, opts.Offset, emitted)
}

// errIterationDone stops a walk early once the caller's limit is reached.
var errIterationDone = &iterationDone{}

type iterationDone struct{}

func (*iterationDone) Error() string { return "iteration complete" }

// iterationTotal folds the early-stop sentinel away and, for post-filtered
// default-tenant walks, estimates the total by offset + rows + 1 because the
// upstream count includes rows of other tenants.
func iterationTotal(err error, total int, postFiltered bool, offset, emitted int) (int, error) {
	if err != nil {
		if _, done := err.(*iterationDone); !done {
			return 0, err
		}
	}
	if postFiltered {
		return offset + emitted + 1, nil
	}
	return total, nil
}

// iterateSequential walks pages in order, pre-fetching one page ahead so the
// consumer's work overlaps the next fetch.
func (c *providerClient) iterateSequential(ctx context.Context, offsets []int, pageSize int, fetch pageFetcher, emit func([][]byte) error) error {
	type fetched struct {
		page *listPage
		err  error
	}
	buffer := make(chan fetched, 1)

	fetchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		defer close(buffer)
		for _, off := range offsets {
			var page *listPage
			err := c.runWithFailover(fetchCtx, func(tr *transport) error {
				p, fetchErr := fetch(fetchCtx, tr, off, pageSize)
				if fetchErr != nil {
					return fetchErr
				}
				page = p
				return nil
			})
			select {
			case buffer <- fetched{page: page, err: err}:
			case <-fetchCtx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	for f := range buffer {
		if f.err != nil {
			return f.err
		}
		if err := emit(f.page.Items); err != nil {
			return err
		}
	}
	return nil
}

// iterateThreaded fetches pages with up to fanoutWidth workers, each worker
// pinned to a different node of the shuffled pool. A worker whose node
// fails a request retires the node and moves to the next one; the walk
// fails only when every node has retired.
func (c *providerClient) iterateThreaded(ctx context.Context, offsets []int, pageSize int, fetch pageFetcher, emit func([][]byte) error) error {
	pool := c.nodePool()
	if len(pool) == 0 {
		return &ResponseConnectionError{Message: "no reachable nodes in cluster " + c.cluster.ID}
	}

	workers := fanoutWidth
	if workers > len(offsets) {
		workers = len(offsets)
	}
	if workers > len(pool) {
		workers = len(pool)
	}

	type fetched struct {
		page *listPage
		err  error
	}
	offsetCh := make(chan int)
	results := make(chan fetched, workers)

	workerCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(start int) {
			defer wg.Done()
			nodeIdx := start
			for off := range offsetCh {
				var page *listPage
				var err error
				for tries := 0; tries < len(pool); tries++ {
					node := pool[(nodeIdx+tries)%len(pool)]
					tr := c.transportFor(node)
					if tr.retired() {
						continue
					}
					page, err = fetch(workerCtx, tr, off, pageSize)
					if err == nil || !isConnectionError(err) {
						break
					}
				}
				if page == nil && err == nil {
					// Every node retired while this offset waited its turn.
					err = &ResponseConnectionError{Message: "all nodes retired in cluster " + c.cluster.ID}
				}
				select {
				case results <- fetched{page: page, err: err}:
				case <-workerCtx.Done():
					return
				}
				if err != nil {
					return
				}
			}
		}(w)
	}

	go func() {
		defer close(offsetCh)
		for _, off := range offsets {
			select {
			case offsetCh <- off:
			case <-workerCtx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	for f := range results {
		if f.err != nil {
			cancel()
			// Drain remaining workers before returning.
			for range results {
			}
			return f.err
		}
		if err := emit(f.page.Items); err != nil {
			cancel()
			for range results {
			}
			return err
		}
	}
	return nil
}

// runUnordered executes tasks with at most limit in flight, collecting every
// failure. Preferred over runOrdered for throughput.
func runUnordered(ctx context.Context, limit int, tasks []func(context.Context) error) error {
	if limit <= 0 {
		limit = fanoutWidth
	}
	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var agg *multierror.Error

	for _, task := range tasks {
		wg.Add(1)
		sem <- struct{}{}
		go func(run func(context.Context) error) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := run(ctx); err != nil {
				mu.Lock()
				agg = multierror.Append(agg, err)
				mu.Unlock()
			}
		}(task)
	}
	wg.Wait()
	return agg.ErrorOrNil()
}

// runKeyed executes keyed tasks with at most limit in flight. Every task
// runs regardless of sibling failures; a batch with mixed outcomes returns a
// *MultipleResponseError mapping each failed key to its error.
func runKeyed(ctx context.Context, limit int, tasks map[string]func(context.Context) error) error {
	if limit <= 0 {
		limit = fanoutWidth
	}
	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup
	var mu sync.Mutex
	failed := make(map[string]error)

	for key, task := range tasks {
		wg.Add(1)
		sem <- struct{}{}
		go func(id string, run func(context.Context) error) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := run(ctx); err != nil {
				mu.Lock()
				failed[id] = err
				mu.Unlock()
			}
		}(key, task)
	}
	wg.Wait()
	if len(failed) == 0 {
		return nil
	}
	return &MultipleResponseError{Items: failed}
}

// runOrdered executes tasks with at most limit in flight and returns the
// per-task errors in submission order.
func runOrdered(ctx context.Context, limit int, tasks []func(context.Context) error) []error {
	if limit <= 0 {
		limit = fanoutWidth
	}
	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup
	errs := make([]error, len(tasks))

	for i, task := range tasks {
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int, run func(context.Context) error) {
			defer wg.Done()
			defer func() { <-sem }()
			errs[idx] = run(ctx)
		}(i, task)
	}
	wg.Wait()
	return errs
}
