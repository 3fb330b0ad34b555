// Package store provides the key-value abstraction every other component
// builds on: a set of counters, entity blobs, and set membership, with no
// knowledge of what an "entity" actually looks like.
package store

import (
	"context"
	"errors"
	"strconv"
)

// ErrNotFound is returned when a key has no value.
var ErrNotFound = errors.New("store: key not found")

// Store is the minimal contract a state-store backend must satisfy. Every
// domain package (registry, deployment, scaling) is written against this
// interface only; it never knows whether it is talking to the in-memory
// backend or SQLite.
type Store interface {
	// Get returns the raw value for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Put writes value under key, replacing any prior value.
	Put(ctx context.Context, key string, value []byte) error
	// Delete removes key. It is not an error to delete a missing key.
	Delete(ctx context.Context, key string) error

	// Incr atomically increments the named counter and returns its new value.
	// A counter that has never been touched starts at 0, so the first Incr
	// returns 1.
	Incr(ctx context.Context, counter string) (int64, error)

	// SAdd adds member to the named set.
	SAdd(ctx context.Context, set, member string) error
	// SRem removes member from the named set.
	SRem(ctx context.Context, set, member string) error
	// SMembers returns every member of the named set, in no particular order.
	SMembers(ctx context.Context, set string) ([]string, error)

	// Ping verifies the backend is reachable, for health checks.
	Ping(ctx context.Context) error

	// Close releases any underlying resources (connections, handles).
	Close() error
}

// Key schema helpers, shared by every caller so the layout in one place
// matches what every other package assumes.

func WorkerKey(id int64) string     { return keyFmt("worker", id) }
func DeploymentKey(id int64) string  { return keyFmt("deployment", id) }
func ReplicaKey(id int64) string     { return keyFmt("replica", id) }
func JobKey(id int64) string         { return keyFmt("job", id) }
func ReplicasOfSet(depID int64) string { return keyFmt("deployment", depID) + ":replicas" }
func JobsOfSet(depID int64) string     { return keyFmt("deployment", depID) + ":jobs" }

const (
	WorkersSet     = "workers"
	DeploymentsSet = "deployments"

	WorkerCounter     = "counter:worker"
	DeploymentCounter = "counter:deployment"
	ReplicaCounter    = "counter:replica"
	JobCounter        = "counter:job"
)

func keyFmt(prefix string, id int64) string {
	return prefix + ":" + strconv.FormatInt(id, 10)
}
