// Package sentinel provides standardized error definitions for the hypergrid system.
// This package centralizes the error kinds shared by the server-side command gate,
// the client retry loop and the versioned operation coordinator, so that every
// component classifies failures the same way.
//
// The errors defined here cover:
// - Topology staleness and cache start-up races (retryable, client-transparent)
// - Optimistic versioning conflicts (retryable, caller-semantics-aware)
// - Transport failures and deadlines (always surfaced)
// - Invalid input and configuration
//
// All errors are created using the ewrap package to provide enhanced error
// wrapping and context capabilities.
package sentinel

import (
	"github.com/hyp3rd/ewrap"
)

var (
	// ErrStaleTopology is returned when the receiving node's view of the cluster is newer than,
	// or incompatible with, the view the request was issued against.
	ErrStaleTopology = ewrap.New("stale topology")

	// ErrVersionConflict is returned when a conditional write observed a different entry version.
	ErrVersionConflict = ewrap.New("version conflict")

	// ErrCacheNotFound is returned when the receiving node does not run the cache, or the command
	// was issued before the cache's first topology on that node.
	ErrCacheNotFound = ewrap.New("cache not found")

	// ErrTransportFailure is returned when a connection-level failure could not be recovered
	// by retrying against an alternate node.
	ErrTransportFailure = ewrap.New("transport failure")

	// ErrDeadlineExceeded is returned when the caller's deadline expired across retries.
	ErrDeadlineExceeded = ewrap.New("deadline exceeded")

	// ErrTopologyRetriesExhausted is returned when the cluster did not converge within the retry bound.
	ErrTopologyRetriesExhausted = ewrap.New("topology retries exhausted")

	// ErrVersionRetriesExhausted is returned when a compute did not win a conditional write within the retry bound.
	ErrVersionRetriesExhausted = ewrap.New("version retries exhausted")

	// ErrGateStopped is returned to waiters pending on a gate that has been stopped.
	ErrGateStopped = ewrap.New("state transfer gate stopped")

	// ErrTopologyRegression is returned when a topology lower than the installed one is installed.
	ErrTopologyRegression = ewrap.New("topology id regression")

	// ErrNoAvailableNodes is returned when no node can be selected for a request.
	ErrNoAvailableNodes = ewrap.New("no available nodes")

	// ErrMessageIDMismatch is returned when a response does not echo the request message id.
	ErrMessageIDMismatch = ewrap.New("message id mismatch")

	// ErrNodeStopped is returned when a request reaches a node that is shutting down.
	ErrNodeStopped = ewrap.New("node stopped")

	// ErrServerError is returned when the server failed to execute a command.
	ErrServerError = ewrap.New("server error")

	// ErrInvalidKey is returned when an empty or whitespace-only key is used.
	ErrInvalidKey = ewrap.New("invalid key")

	// ErrInvalidRequest is returned when a node rejected a request it could not execute.
	ErrInvalidRequest = ewrap.New("invalid request")

	// ErrNilValue is returned when a nil value is attempted to be stored.
	ErrNilValue = ewrap.New("nil value")

	// ErrInvalidExpiration is returned when a negative lifespan or max idle is passed.
	ErrInvalidExpiration = ewrap.New("expiration cannot be negative")

	// ErrUnknownOperation is returned when a request carries an unsupported op code.
	ErrUnknownOperation = ewrap.New("unknown operation")

	// ErrBackendNotFound is returned when a transport cannot resolve a node.
	ErrBackendNotFound = ewrap.New("backend not found")

	// ErrParamCannotBeEmpty is returned when a parameter cannot be empty.
	ErrParamCannotBeEmpty = ewrap.New("param cannot be empty")

	// ErrKeyNotFound is returned when a looked up key holds no value.
	ErrKeyNotFound = ewrap.New("key not found")

	// ErrSerializerNotFound is returned when a serializer is not found.
	ErrSerializerNotFound = ewrap.New("serializer not found")

	// ErrMgmtHTTPShutdownTimeout is returned when the management HTTP server fails to shutdown before context deadline.
	ErrMgmtHTTPShutdownTimeout = ewrap.New("management http shutdown timeout")
)
