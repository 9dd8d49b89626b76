// Package constants defines default configuration values for the hypergrid system.
// It provides standard settings for segmentation, retries, expiration reaping
// and the wire protocol shared by nodes and clients.
package constants

import "time"

const (
	// DefaultNumSegments is the number of keyspace segments a topology divides keys into.
	DefaultNumSegments = 256
	// DefaultNumOwners is the number of owners (primary + backups) per segment.
	DefaultNumOwners = 2
	// DefaultVirtualNodes is the number of virtual nodes per member on the hash ring.
	DefaultVirtualNodes = 64
	// DefaultHashVersion identifies the consistent hash function used to build topologies.
	DefaultHashVersion = 1
	// DefaultCacheName is the cache every node defines on start.
	DefaultCacheName = "default"

	// DefaultMaxRetries bounds topology + transport retries of a single client operation.
	DefaultMaxRetries = 10
	// DefaultBackoffInitial is the first pause between two client attempts.
	DefaultBackoffInitial = 5 * time.Millisecond
	// DefaultBackoffMax caps the pause between two client attempts.
	DefaultBackoffMax = 500 * time.Millisecond
	// DefaultAttemptTimeout bounds a single wire attempt when the transport has no deadline of its own.
	DefaultAttemptTimeout = 5 * time.Second

	// DefaultReaperInterval is how often expired entries are purged from the local store.
	DefaultReaperInterval = time.Minute
	// DefaultWorkerPoolSize is the number of workers resuming commands after a topology wait.
	DefaultWorkerPoolSize = 16
	// DefaultTransferTimeout bounds how long a new owner waits for the members moving entries
	// to it before it serves its keys anyway.
	DefaultTransferTimeout = 30 * time.Second

	// DefaultHeartbeatInterval is the interval between peer liveness probes.
	DefaultHeartbeatInterval = time.Second
	// DefaultSuspectAfter marks a silent peer as suspect.
	DefaultSuspectAfter = 3 * time.Second
	// DefaultDeadAfter removes a silent peer from membership.
	DefaultDeadAfter = 10 * time.Second

	// DefaultSerializer is the wire serializer used when none is configured.
	DefaultSerializer = "default"
)
