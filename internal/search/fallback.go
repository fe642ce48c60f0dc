package search

import (
	"context"
	"strings"

	"treesync/api/internal/store"
)

type nodeSearcher interface {
	SearchNodes(ctx context.Context, organizationID, query string, limit int) ([]store.Node, error)
}

// StoreSearcher answers queries from the primary store. It is the fallback
// when Meilisearch is not configured or unhealthy.
type StoreSearcher struct {
	nodes nodeSearcher
}

func NewStoreSearcher(nodes nodeSearcher) *StoreSearcher {
	return &StoreSearcher{nodes: nodes}
}

// Healthy always returns true: if the store is down, the whole app is down.
func (s *StoreSearcher) Healthy() bool {
	return true
}

func (s *StoreSearcher) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	nodes, err := s.nodes.SearchNodes(ctx, q.OrganizationID, q.Text, limit+offset)
	if err != nil {
		return nil, 0, err
	}
	results := make([]Result, 0, len(nodes))
	for _, node := range nodes {
		if q.Kind != "" && node.Kind != q.Kind {
			continue
		}
		results = append(results, Result{
			ID:             node.ID,
			Name:           node.Name,
			Path:           node.Path,
			Kind:           node.Kind,
			OrganizationID: node.OrganizationID,
			LastUpdated:    node.UpdatedAt,
		})
	}
	total := len(results)
	if offset >= len(results) {
		return []Result{}, total, nil
	}
	return results[offset:], total, nil
}
