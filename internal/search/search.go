package search

import (
	"context"
	"time"
)

// Result is a single search hit returned to the caller.
type Result struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Path           string    `json:"path"`
	Kind           string    `json:"kind"`
	OrganizationID string    `json:"organizationId"`
	Highlight      string    `json:"highlight,omitempty"`
	LastUpdated    time.Time `json:"lastUpdated,omitempty"`
}

// Query describes a search request. Results never cross organizations.
type Query struct {
	OrganizationID string
	Text           string
	Kind           string // empty = files and folders
	Limit          int
	Offset         int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
	Engine  string   `json:"engine"`
}

// Searcher can execute a node search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push nodes into a search index.
type Indexer interface {
	IndexNodes(nodes []NodeRecord) error
	DeleteNodes(ids []string) error
}

// NodeRecord is the data we index for a node.
type NodeRecord struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Path           string `json:"path"`
	Kind           string `json:"kind"`
	OrganizationID string `json:"organizationId"`
}
