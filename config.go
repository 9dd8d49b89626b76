package hypergrid

import (
	"strings"
	"time"

	"github.com/hyp3rd/ewrap"

	"github.com/hyp3rd/hypergrid/internal/constants"
	"github.com/hyp3rd/hypergrid/internal/sentinel"
)

// Config holds every setting of a grid node. It is filled from flags, HYPERGRID_* environment
// variables or a config file by the CLI, hence the mapstructure tags.
type Config struct {
	// NodeID identifies the node; derived from Address when empty.
	NodeID string `mapstructure:"node_id"`
	// Address is the host:port the grid command endpoint listens on.
	Address string `mapstructure:"address"`
	// ManagementAddress enables the management HTTP server when set.
	ManagementAddress string `mapstructure:"management_address"`
	// Seeds lists the other members as "id=host:port" or "host:port".
	Seeds []string `mapstructure:"seeds"`
	// Caches are defined on start.
	Caches []string `mapstructure:"caches"`
	// Serializer is the wire encoding used for outgoing requests.
	Serializer string `mapstructure:"serializer"`

	NumSegments    int           `mapstructure:"num_segments"`
	NumOwners      int           `mapstructure:"num_owners"`
	VirtualNodes   int           `mapstructure:"virtual_nodes"`
	HashVersion    int           `mapstructure:"hash_version"`
	WorkerPoolSize int           `mapstructure:"worker_pool_size"`
	ReaperInterval time.Duration `mapstructure:"reaper_interval"`

	// TransferTimeout bounds the wait for inbound state transfers after a topology change;
	// zero waits for every sender.
	TransferTimeout time.Duration `mapstructure:"transfer_timeout"`

	Heartbeat HeartbeatConfig `mapstructure:"heartbeat"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Client    ClientConfig    `mapstructure:"client"`
}

// HeartbeatConfig tunes peer failure detection. A zero interval disables it.
type HeartbeatConfig struct {
	Interval     time.Duration `mapstructure:"interval"`
	SuspectAfter time.Duration `mapstructure:"suspect_after"`
	DeadAfter    time.Duration `mapstructure:"dead_after"`
}

// RedisConfig switches the local store to redis when Addr is set.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// ClientConfig tunes the retry loops of clients built from this config.
type ClientConfig struct {
	MaxRetries        int           `mapstructure:"max_retries"`
	MaxVersionRetries int           `mapstructure:"max_version_retries"`
	BackoffInitial    time.Duration `mapstructure:"backoff_initial"`
	BackoffMax        time.Duration `mapstructure:"backoff_max"`
	AttemptTimeout    time.Duration `mapstructure:"attempt_timeout"`
}

// DefaultConfig returns a single-node configuration with the default cache.
func DefaultConfig() Config {
	return Config{
		Address:         "127.0.0.1:11222",
		Caches:          []string{constants.DefaultCacheName},
		Serializer:      constants.DefaultSerializer,
		NumSegments:     constants.DefaultNumSegments,
		NumOwners:       constants.DefaultNumOwners,
		VirtualNodes:    constants.DefaultVirtualNodes,
		HashVersion:     constants.DefaultHashVersion,
		WorkerPoolSize:  constants.DefaultWorkerPoolSize,
		ReaperInterval:  constants.DefaultReaperInterval,
		TransferTimeout: constants.DefaultTransferTimeout,
		Heartbeat: HeartbeatConfig{
			Interval:     constants.DefaultHeartbeatInterval,
			SuspectAfter: constants.DefaultSuspectAfter,
			DeadAfter:    constants.DefaultDeadAfter,
		},
		Client: ClientConfig{
			MaxRetries:     constants.DefaultMaxRetries,
			BackoffInitial: constants.DefaultBackoffInitial,
			BackoffMax:     constants.DefaultBackoffMax,
			AttemptTimeout: constants.DefaultAttemptTimeout,
		},
	}
}

// Validate rejects configurations no node could run with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Address) == "" {
		return ewrap.Wrap(sentinel.ErrParamCannotBeEmpty, "address")
	}

	if c.NumSegments <= 0 || c.NumOwners <= 0 || c.VirtualNodes <= 0 {
		return ewrap.Newf("segments, owners and virtual nodes must be positive (%d, %d, %d)",
			c.NumSegments, c.NumOwners, c.VirtualNodes)
	}

	if c.WorkerPoolSize <= 0 {
		return ewrap.Newf("worker pool size must be positive, got %d", c.WorkerPoolSize)
	}

	if c.ReaperInterval < 0 {
		return sentinel.ErrInvalidExpiration
	}

	if c.TransferTimeout < 0 {
		return ewrap.Newf("transfer timeout must not be negative, got %s", c.TransferTimeout)
	}

	for _, s := range c.Seeds {
		_, _, err := ParseSeed(s)
		if err != nil {
			return err
		}
	}

	return nil
}

// ParseSeed splits "id=host:port" into its parts. A bare "host:port" gets an id derived
// from the address, the same one the node at that address derives for itself.
func ParseSeed(s string) (string, string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", "", ewrap.Wrap(sentinel.ErrParamCannotBeEmpty, "seed")
	}

	id, addr, found := strings.Cut(s, "=")
	if !found {
		return "", s, nil
	}

	if id == "" || addr == "" {
		return "", "", ewrap.Newf("malformed seed %q", s)
	}

	return id, addr, nil
}
