// Package attrs defines telemetry attribute keys used for observability across
// the hypergrid system, so that spans, metrics and logs share the same names.
package attrs

const (
	// AttrKeyLength is the length of a cache key in bytes.
	AttrKeyLength = "key.len"
	// AttrCacheName is the logical cache an operation targets.
	AttrCacheName = "cache.name"
	// AttrOperation is the wire op code name.
	AttrOperation = "op"
	// AttrHit reports whether a read found a value.
	AttrHit = "hit"
	// AttrApplied reports whether a conditional write was applied.
	AttrApplied = "applied"
	// AttrTopologyID is the topology id an operation was issued against.
	AttrTopologyID = "topology.id"
	// AttrExpirationMS is the lifespan of a written entry in milliseconds.
	AttrExpirationMS = "expiration.ms"
)
