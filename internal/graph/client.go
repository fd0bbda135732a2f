// Package graph mirrors the referral tree into a graph database and serves
// direct-referral lookups from it.
package graph

import (
	"context"
	"errors"
	"fmt"
)

// ErrMissingURI is returned by NewNeo4jClient when no Bolt URI is configured.
// The application treats an empty URI as "graph disabled" and never calls it.
var ErrMissingURI = errors.New("graph: neo4j URI is required")

// Client runs Cypher against the referral graph. Writes add Participant
// nodes and REFERRED edges at signup; reads fetch the direct referrals of a
// level of the tree in one round trip. MemoryClient stands in for tests.
type Client interface {
	ExecuteWrite(ctx context.Context, cypher string, params map[string]any) (Result, error)
	ExecuteRead(ctx context.Context, cypher string, params map[string]any) (Result, error)
	VerifyConnectivity(ctx context.Context) error
	Close(ctx context.Context) error
}

// Result holds the rows of one query, already drained from the session.
type Result struct {
	Records []Record
}

// Record is one returned row keyed by its RETURN alias, e.g. "referrer".
type Record map[string]any

// String returns the participant id stored under alias.
func (r Record) String(alias string) (string, error) {
	v, ok := r[alias].(string)
	if !ok {
		return "", fmt.Errorf("column %q: want participant id, got %T", alias, r[alias])
	}
	return v, nil
}

// Options locates the Neo4j instance holding the referral graph. Database
// may be empty for the server default; PoolSize zero keeps the driver's.
type Options struct {
	URI      string
	Database string
	Username string
	Password string
	PoolSize int
}
