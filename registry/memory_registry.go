package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryRegistry keeps endpoints in process. TTLs are ignored.
type MemoryRegistry struct {
	mu        sync.RWMutex
	endpoints map[string]map[string]Endpoint // topology -> stmgr id
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{endpoints: make(map[string]map[string]Endpoint)}
}

func (r *MemoryRegistry) Register(_ context.Context, ep Endpoint, _ int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	byID, ok := r.endpoints[ep.Topology]
	if !ok {
		byID = make(map[string]Endpoint)
		r.endpoints[ep.Topology] = byID
	}
	byID[ep.StmgrID] = ep
	return nil
}

func (r *MemoryRegistry) Deregister(_ context.Context, topology, stmgrID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.endpoints[topology], stmgrID)
	return nil
}

func (r *MemoryRegistry) Lookup(_ context.Context, topology, stmgrID string) (Endpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.endpoints[topology][stmgrID]
	if !ok {
		return Endpoint{}, fmt.Errorf("%w: %s/%s", ErrNotFound, topology, stmgrID)
	}
	return ep, nil
}

func (r *MemoryRegistry) List(_ context.Context, topology string) ([]Endpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Endpoint, 0, len(r.endpoints[topology]))
	for _, ep := range r.endpoints[topology] {
		out = append(out, ep)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StmgrID < out[j].StmgrID })
	return out, nil
}
