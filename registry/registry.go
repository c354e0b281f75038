package registry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
)

// ErrNotFound is returned when no Stream Manager is published under a key.
var ErrNotFound = errors.New("registry: stream manager not found")

// Endpoint is where a Stream Manager accepts instance connections.
type Endpoint struct {
	Topology string `json:"topology"`
	StmgrID  string `json:"stmgr_id"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
}

func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Registry publishes and looks up Stream Manager endpoints.
type Registry interface {
	Register(ctx context.Context, ep Endpoint, ttl int64) error
	Deregister(ctx context.Context, topology, stmgrID string) error
	Lookup(ctx context.Context, topology, stmgrID string) (Endpoint, error)
	List(ctx context.Context, topology string) ([]Endpoint, error)
}

// Resolver yields the address to dial. It is consulted once per connect
// attempt, so a restarted Stream Manager on a new port is picked up on retry.
type Resolver interface {
	Resolve(ctx context.Context) (string, error)
}

// Static always resolves to the same address.
type Static string

func (s Static) Resolve(context.Context) (string, error) {
	if s == "" {
		return "", fmt.Errorf("%w: empty static address", ErrNotFound)
	}
	return string(s), nil
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context) (string, error)

func (f ResolverFunc) Resolve(ctx context.Context) (string, error) { return f(ctx) }

// NewResolver resolves through reg, looking up the given Stream Manager.
func NewResolver(reg Registry, topology, stmgrID string) Resolver {
	return ResolverFunc(func(ctx context.Context) (string, error) {
		ep, err := reg.Lookup(ctx, topology, stmgrID)
		if err != nil {
			return "", err
		}
		return ep.Addr(), nil
	})
}
