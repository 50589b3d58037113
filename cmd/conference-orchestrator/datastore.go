// Copyright The Conference Orchestrator Authors.
// SPDX-License-Identifier: MIT

// The conference-orchestrator service.
package main

// Local read cache of remote conferencing objects, backed by two NATS
// JetStream KV buckets:
//
//   - "conference-objects":  one entry per remote object, keyed by kind
//     and cluster (e.g. cospace.<cluster>.<id>).
//   - "conference-mappings": derived indexes and claims (call-id
//     reservations, endpoint-secret lookups, per-endpoint task lists,
//     distributed locks).
//
// Values are written as JSON. Reads decode JSON first and fall back to
// msgpack, because replicated feeds may write either encoding.
//
// The kvBucket interface abstracts the bucket so the datastore can be
// exercised against an in-process map in tests; the only production
// implementation is jsBucket over jetstream.KeyValue.

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/vmihailenco/msgpack/v5"
)

// Sentinel errors normalized from the underlying bucket implementation.
var (
	errKeyNotFound = errors.New("key not found")
	errKeyExists   = errors.New("key already exists")
)

// kvBucket is the minimal key-value surface the datastore needs.
// Implementations must be safe for concurrent use.
type kvBucket interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	// Create atomically creates key; returns errKeyExists when present.
	Create(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
}

// jsBucket adapts a JetStream KV bucket to kvBucket.
type jsBucket struct {
	kv jetstream.KeyValue
}

func (b *jsBucket) Get(ctx context.Context, key string) ([]byte, error) {
	entry, err := b.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, errKeyNotFound
		}
		return nil, err
	}
	return entry.Value(), nil
}

func (b *jsBucket) Put(ctx context.Context, key string, value []byte) error {
	_, err := b.kv.Put(ctx, key, value)
	return err
}

func (b *jsBucket) Create(ctx context.Context, key string, value []byte) error {
	_, err := b.kv.Create(ctx, key, value)
	if err != nil && errors.Is(err, jetstream.ErrKeyExists) {
		return errKeyExists
	}
	return err
}

func (b *jsBucket) Delete(ctx context.Context, key string) error {
	err := b.kv.Delete(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return errKeyNotFound
	}
	return err
}

func (b *jsBucket) Keys(ctx context.Context) ([]string, error) {
	lister, err := b.kv.ListKeys(ctx)
	if err != nil {
		return nil, err
	}
	var keys []string
	for key := range lister.Keys() {
		keys = append(keys, key)
	}
	return keys, nil
}

// Datastore is the local read cache plus its derived indexes.
type Datastore struct {
	objects  kvBucket
	mappings kvBucket
}

// newDatastore wraps the two KV buckets.
func newDatastore(objects, mappings kvBucket) *Datastore {
	return &Datastore{objects: objects, mappings: mappings}
}

// newJetStreamDatastore binds the datastore to the production buckets.
func newJetStreamDatastore(objects, mappings jetstream.KeyValue) *Datastore {
	return newDatastore(&jsBucket{kv: objects}, &jsBucket{kv: mappings})
}

// decodeRow decodes a KV row, trying JSON first and msgpack second.
func decodeRow(data []byte, out any) error {
	if err := json.Unmarshal(data, out); err != nil {
		if msgErr := msgpack.Unmarshal(data, out); msgErr != nil {
			return fmt.Errorf("failed to decode row as JSON (%v) or msgpack: %w", err, msgErr)
		}
	}
	return nil
}

// getObject reads and decodes one row from the objects bucket.
func (d *Datastore) getObject(ctx context.Context, key string, out any) error {
	data, err := d.objects.Get(ctx, key)
	if err != nil {
		if errors.Is(err, errKeyNotFound) {
			return &NotFoundError{Message: key}
		}
		return err
	}
	return decodeRow(data, out)
}

// putObject encodes and writes one row to the objects bucket.
func (d *Datastore) putObject(ctx context.Context, key string, row any) error {
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("failed to marshal row %s: %w", key, err)
	}
	return d.objects.Put(ctx, key, data)
}

func coSpaceKey(clusterID, id string) string   { return "cospace." + clusterID + "." + id }
func userKey(clusterID, id string) string      { return "user." + clusterID + "." + id }
func tenantKey(clusterID, id string) string    { return "tenant." + clusterID + "." + id }
func callKey(clusterID, id string) string      { return "call." + clusterID + "." + id }
func meetingKey(id string) string              { return "meeting." + id }
func customerKey(id string) string             { return "customer." + id }
func clusterKey(id string) string              { return "cluster." + id }
func endpointKey(id string) string             { return "endpoint." + id }
func endpointTaskKey(id string) string         { return "endpoint-task." + id }
func providerSyncKey(clusterID string) string  { return "provider-sync." + clusterID }
func documentKey(endpointID, kind string) string {
	return "document." + endpointID + "." + kind
}

func (d *Datastore) GetCoSpace(ctx context.Context, clusterID, id string) (*CoSpace, error) {
	var c CoSpace
	if err := d.getObject(ctx, coSpaceKey(clusterID, id), &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (d *Datastore) PutCoSpace(ctx context.Context, c *CoSpace) error {
	return d.putObject(ctx, coSpaceKey(c.ClusterID, c.ID), c)
}

func (d *Datastore) DeleteCoSpace(ctx context.Context, clusterID, id string) error {
	err := d.objects.Delete(ctx, coSpaceKey(clusterID, id))
	if errors.Is(err, errKeyNotFound) {
		return nil
	}
	return err
}

func (d *Datastore) GetUser(ctx context.Context, clusterID, id string) (*User, error) {
	var u User
	if err := d.getObject(ctx, userKey(clusterID, id), &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (d *Datastore) PutUser(ctx context.Context, u *User) error {
	return d.putObject(ctx, userKey(u.ClusterID, u.ID), u)
}

func (d *Datastore) GetTenant(ctx context.Context, clusterID, id string) (*Tenant, error) {
	var t Tenant
	if err := d.getObject(ctx, tenantKey(clusterID, id), &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (d *Datastore) PutTenant(ctx context.Context, t *Tenant) error {
	return d.putObject(ctx, tenantKey(t.ClusterID, t.ID), t)
}

func (d *Datastore) PutCall(ctx context.Context, clusterID string, c *Call) error {
	return d.putObject(ctx, callKey(clusterID, c.ID), c)
}

func (d *Datastore) GetCall(ctx context.Context, clusterID, id string) (*Call, error) {
	var c Call
	if err := d.getObject(ctx, callKey(clusterID, id), &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (d *Datastore) DeleteCall(ctx context.Context, clusterID, id string) error {
	err := d.objects.Delete(ctx, callKey(clusterID, id))
	if errors.Is(err, errKeyNotFound) {
		return nil
	}
	return err
}

func (d *Datastore) GetMeeting(ctx context.Context, id string) (*Meeting, error) {
	var m Meeting
	if err := d.getObject(ctx, meetingKey(id), &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (d *Datastore) PutMeeting(ctx context.Context, m *Meeting) error {
	return d.putObject(ctx, meetingKey(m.ID), m)
}

func (d *Datastore) GetCustomer(ctx context.Context, id string) (*Customer, error) {
	var c Customer
	if err := d.getObject(ctx, customerKey(id), &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (d *Datastore) PutCustomer(ctx context.Context, c *Customer) error {
	return d.putObject(ctx, customerKey(c.ID), c)
}

func (d *Datastore) GetCluster(ctx context.Context, id string) (*Cluster, error) {
	var c Cluster
	if err := d.getObject(ctx, clusterKey(id), &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (d *Datastore) PutCluster(ctx context.Context, c *Cluster) error {
	return d.putObject(ctx, clusterKey(c.ID), c)
}

// ListClusters scans the object bucket for all cluster records.
func (d *Datastore) ListClusters(ctx context.Context) ([]*Cluster, error) {
	keys, err := d.objects.Keys(ctx)
	if err != nil {
		return nil, err
	}
	var clusters []*Cluster
	for _, key := range keys {
		if !strings.HasPrefix(key, "cluster.") {
			continue
		}
		cluster, getErr := d.GetCluster(ctx, strings.TrimPrefix(key, "cluster."))
		if getErr != nil {
			if isNotFound(getErr) {
				continue
			}
			return nil, getErr
		}
		clusters = append(clusters, cluster)
	}
	return clusters, nil
}

func (d *Datastore) GetEndpoint(ctx context.Context, id string) (*Endpoint, error) {
	var e Endpoint
	if err := d.getObject(ctx, endpointKey(id), &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (d *Datastore) PutEndpoint(ctx context.Context, e *Endpoint) error {
	if err := d.putObject(ctx, endpointKey(e.ID), e); err != nil {
		return err
	}
	// Maintain the secret-key lookup index used by passive heartbeats.
	if e.EventSecretKey != "" {
		return d.mappings.Put(ctx, "endpoint-secret."+e.EventSecretKey, []byte(e.ID))
	}
	return nil
}

// FindEndpointBySecret resolves an endpoint event secret key to the endpoint.
func (d *Datastore) FindEndpointBySecret(ctx context.Context, secret string) (*Endpoint, error) {
	id, err := d.mappings.Get(ctx, "endpoint-secret."+secret)
	if err != nil {
		if errors.Is(err, errKeyNotFound) {
			return nil, &NotFoundError{Message: "endpoint secret"}
		}
		return nil, err
	}
	return d.GetEndpoint(ctx, string(id))
}

// FindEndpointByIdentity resolves an endpoint by (MAC, serial), used when
// the endpoint-secret policy is not enforced. Either component may be
// empty; lookups fall back to the partial index entries.
func (d *Datastore) FindEndpointByIdentity(ctx context.Context, mac, serial string) (*Endpoint, error) {
	for _, key := range identityKeys(mac, serial) {
		id, err := d.mappings.Get(ctx, key)
		if err != nil {
			if errors.Is(err, errKeyNotFound) {
				continue
			}
			return nil, err
		}
		return d.GetEndpoint(ctx, string(id))
	}
	return nil, &NotFoundError{Message: "endpoint identity"}
}

// IndexEndpointIdentity records the identity lookup entries for an
// endpoint, including the partial (serial-only, MAC-only) forms used by
// Poly provisioning probes that carry a single identifier.
func (d *Datastore) IndexEndpointIdentity(ctx context.Context, e *Endpoint) error {
	for _, key := range identityKeys(e.MAC, e.Serial) {
		if err := d.mappings.Put(ctx, key, []byte(e.ID)); err != nil {
			return err
		}
	}
	return nil
}

func identityKeys(mac, serial string) []string {
	var keys []string
	if mac != "" && serial != "" {
		keys = append(keys, "endpoint-identity."+mac+"."+serial)
	}
	if serial != "" {
		keys = append(keys, "endpoint-identity.."+serial)
	}
	if mac != "" {
		keys = append(keys, "endpoint-identity."+mac+".")
	}
	return keys
}

// FindCustomerBySecret resolves a customer secret key.
func (d *Datastore) FindCustomerBySecret(ctx context.Context, secret string) (*Customer, error) {
	id, err := d.mappings.Get(ctx, "customer-secret."+secret)
	if err != nil {
		if errors.Is(err, errKeyNotFound) {
			return nil, &InvalidKeyError{Message: "unknown customer key"}
		}
		return nil, err
	}
	return d.GetCustomer(ctx, string(id))
}

// ClaimCustomerSecret atomically reserves a customer secret key.
func (d *Datastore) ClaimCustomerSecret(ctx context.Context, secret, customerID string) error {
	return d.mappings.Create(ctx, "customer-secret."+secret, []byte(customerID))
}

func (d *Datastore) GetEndpointTask(ctx context.Context, id string) (*EndpointTask, error) {
	var t EndpointTask
	if err := d.getObject(ctx, endpointTaskKey(id), &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// PutEndpointTask writes a task and maintains the per-endpoint task index.
func (d *Datastore) PutEndpointTask(ctx context.Context, t *EndpointTask) error {
	if err := d.putObject(ctx, endpointTaskKey(t.ID), t); err != nil {
		return err
	}
	ids, err := d.EndpointTaskIDs(ctx, t.EndpointID)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if id == t.ID {
			return nil
		}
	}
	ids = append(ids, t.ID)
	data, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	return d.mappings.Put(ctx, "endpoint-tasks."+t.EndpointID, data)
}

// EndpointTaskIDs returns the task-id index for one endpoint.
func (d *Datastore) EndpointTaskIDs(ctx context.Context, endpointID string) ([]string, error) {
	data, err := d.mappings.Get(ctx, "endpoint-tasks."+endpointID)
	if err != nil {
		if errors.Is(err, errKeyNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task index: %w", err)
	}
	return ids, nil
}

// ClaimTask atomically claims a task for dispatch; the claim plays the role
// of a row-level skip-locked lock between concurrent dispatchers. Claims
// expire with the bucket TTL or by ReleaseTask.
func (d *Datastore) ClaimTask(ctx context.Context, taskID string) bool {
	value := strconv.FormatInt(time.Now().Unix(), 10)
	return d.mappings.Create(ctx, "task-claim."+taskID, []byte(value)) == nil
}

// ReleaseTask drops a dispatch claim.
func (d *Datastore) ReleaseTask(ctx context.Context, taskID string) {
	if err := d.mappings.Delete(ctx, "task-claim."+taskID); err != nil && !errors.Is(err, errKeyNotFound) {
		logger.With(errKey, err, "task_id", taskID).Warn("failed to release task claim")
	}
}

func (d *Datastore) GetProviderSync(ctx context.Context, clusterID string) (*ProviderSync, error) {
	var s ProviderSync
	if err := d.getObject(ctx, providerSyncKey(clusterID), &s); err != nil {
		if isNotFound(err) {
			return &ProviderSync{ClusterID: clusterID}, nil
		}
		return nil, err
	}
	return &s, nil
}

func (d *Datastore) PutProviderSync(ctx context.Context, s *ProviderSync) error {
	return d.putObject(ctx, providerSyncKey(s.ClusterID), s)
}

// PutDocument stores a raw posted endpoint document keyed by kind.
func (d *Datastore) PutDocument(ctx context.Context, endpointID, kind string, body []byte) error {
	return d.objects.Put(ctx, documentKey(endpointID, kind), body)
}

// GetDocument reads a stored endpoint document.
func (d *Datastore) GetDocument(ctx context.Context, endpointID, kind string) ([]byte, error) {
	data, err := d.objects.Get(ctx, documentKey(endpointID, kind))
	if errors.Is(err, errKeyNotFound) {
		return nil, &NotFoundError{Message: documentKey(endpointID, kind)}
	}
	return data, err
}

// ReserveCallID compare-and-swaps a call-id reservation for a cluster. The
// atomic Create loses cleanly when another booking already drew the id.
func (d *Datastore) ReserveCallID(ctx context.Context, clusterID, callID, owner string) bool {
	return d.mappings.Create(ctx, "callid."+clusterID+"."+callID, []byte(owner)) == nil
}

// ReleaseCallID frees a call-id reservation (unbook).
func (d *Datastore) ReleaseCallID(ctx context.Context, clusterID, callID string) {
	if callID == "" {
		return
	}
	if err := d.mappings.Delete(ctx, "callid."+clusterID+"."+callID); err != nil && !errors.Is(err, errKeyNotFound) {
		logger.With(errKey, err, "call_id", callID).Warn("failed to release call-id reservation")
	}
}

const callIDDrawAttempts = 10

// AllocateCallID draws a free numeric call-id from the cluster range. The
// random strategy draws and reserves with a CAS; the sequential fallback
// probes upward from the range start.
func (d *Datastore) AllocateCallID(ctx context.Context, clusterID string, rng NumberRange, random bool, owner string) (string, error) {
	if rng.Stop <= rng.Start {
		return "", &InvalidDataError{Message: "empty scheduled-room range", Fields: map[string]string{"range": fmt.Sprintf("%d-%d", rng.Start, rng.Stop)}}
	}

	if random {
		span := big.NewInt(rng.Stop - rng.Start + 1)
		for attempt := 0; attempt < callIDDrawAttempts; attempt++ {
			n, err := rand.Int(rand.Reader, span)
			if err != nil {
				return "", fmt.Errorf("failed to draw random call-id: %w", err)
			}
			candidate := strconv.FormatInt(rng.Start+n.Int64(), 10)
			if d.ReserveCallID(ctx, clusterID, candidate, owner) {
				return candidate, nil
			}
		}
	}

	// Sequential fallback: first free id wins.
	for id := rng.Start; id <= rng.Stop; id++ {
		candidate := strconv.FormatInt(id, 10)
		if d.ReserveCallID(ctx, clusterID, candidate, owner) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("scheduled-room range %d-%d exhausted", rng.Start, rng.Stop)
}
