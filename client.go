package hypergrid

import (
	"go.uber.org/zap"

	"github.com/hyp3rd/hypergrid/internal/cluster"
	"github.com/hyp3rd/hypergrid/pkg/client"
	"github.com/hyp3rd/hypergrid/pkg/remotecache"
)

// NewRemoteCache returns a remote cache for cacheName bootstrapping from seeds
// (node id -> address) and tuned by cfg.
func NewRemoteCache(cacheName string, pool client.ConnectionPool, seeds map[string]string, cfg ClientConfig, logger *zap.Logger) (*remotecache.Coordinator, error) {
	d, err := client.New(cacheName, pool, seeds,
		client.WithMaxRetries(cfg.MaxRetries),
		client.WithBackoff(cfg.BackoffInitial, cfg.BackoffMax),
		client.WithAttemptTimeout(cfg.AttemptTimeout),
		client.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}

	return remotecache.New(d,
		remotecache.WithMaxVersionRetries(cfg.MaxVersionRetries),
		remotecache.WithLogger(logger),
	), nil
}

// SeedMap resolves seed strings into the node id -> address table clients bootstrap from.
func SeedMap(seeds []string) (map[string]string, error) {
	out := make(map[string]string, len(seeds))

	for _, s := range seeds {
		id, addr, err := ParseSeed(s)
		if err != nil {
			return nil, err
		}

		if id == "" {
			id = cluster.DeriveID(addr)
		}

		out[id] = addr
	}

	return out, nil
}
