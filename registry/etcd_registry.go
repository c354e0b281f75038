// Package registry publishes Stream Manager endpoints so that instances can
// find the port to connect to.
//
// The etcd layout is one key per Stream Manager:
//
//	Key:   /stmgr-link/{topology}/{stmgrID}
//	Value: JSON-encoded Endpoint
//
// Registration uses TTL-based leases: if the Stream Manager dies, the lease
// expires and the entry disappears, so instances stop dialing a dead port.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const keyPrefix = "/stmgr-link/"

func endpointKey(topology, stmgrID string) string {
	return keyPrefix + topology + "/" + stmgrID
}

// EtcdRegistry implements Registry on etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client // shared across goroutines
}

// NewEtcdRegistry connects to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, dialTimeout time.Duration) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("registry: connect etcd: %w", err)
	}
	return &EtcdRegistry{client: c}, nil
}

// Register publishes ep under a lease of ttl seconds and keeps the lease alive
// until ctx is cancelled or the registry is closed.
//
// The lease ID stays local: several Stream Managers may share one registry.
func (r *EtcdRegistry) Register(ctx context.Context, ep Endpoint, ttl int64) error {
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return fmt.Errorf("registry: grant lease: %w", err)
	}

	val, err := json.Marshal(ep)
	if err != nil {
		return err
	}

	if _, err := r.client.Put(ctx, endpointKey(ep.Topology, ep.StmgrID), string(val), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("registry: put endpoint: %w", err)
	}

	ch, err := r.client.KeepAlive(context.WithoutCancel(ctx), lease.ID)
	if err != nil {
		return fmt.Errorf("registry: keepalive: %w", err)
	}

	// Drain keepalive responses so the channel never fills up.
	go func() {
		for range ch {
		}
	}()
	return nil
}

// Deregister removes the endpoint. Called on graceful shutdown, before the
// listener closes.
func (r *EtcdRegistry) Deregister(ctx context.Context, topology, stmgrID string) error {
	if _, err := r.client.Delete(ctx, endpointKey(topology, stmgrID)); err != nil {
		return fmt.Errorf("registry: delete endpoint: %w", err)
	}
	return nil
}

func (r *EtcdRegistry) Lookup(ctx context.Context, topology, stmgrID string) (Endpoint, error) {
	resp, err := r.client.Get(ctx, endpointKey(topology, stmgrID))
	if err != nil {
		return Endpoint{}, fmt.Errorf("registry: get endpoint: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return Endpoint{}, fmt.Errorf("%w: %s/%s", ErrNotFound, topology, stmgrID)
	}
	var ep Endpoint
	if err := json.Unmarshal(resp.Kvs[0].Value, &ep); err != nil {
		return Endpoint{}, fmt.Errorf("registry: malformed endpoint: %w", err)
	}
	return ep, nil
}

// List returns every Stream Manager published for a topology.
func (r *EtcdRegistry) List(ctx context.Context, topology string) ([]Endpoint, error) {
	resp, err := r.client.Get(ctx, keyPrefix+topology+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("registry: list endpoints: %w", err)
	}

	endpoints := make([]Endpoint, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var ep Endpoint
		if err := json.Unmarshal(kv.Value, &ep); err != nil {
			continue // skip malformed entries
		}
		endpoints = append(endpoints, ep)
	}
	sort.Slice(endpoints, func(i, j int) bool { return endpoints[i].StmgrID < endpoints[j].StmgrID })
	return endpoints, nil
}

// Close releases the etcd client. Leases held by Register stop being renewed.
func (r *EtcdRegistry) Close() error {
	return r.client.Close()
}
