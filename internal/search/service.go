package search

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

const indexQueueSize = 512

type primaryEngine interface {
	Searcher
	Indexer
}

// Service is the facade that tries Meilisearch first and falls back to the
// store. Index writes go through one worker so they reach Meilisearch in
// the order they were issued.
type Service struct {
	primary  primaryEngine
	fallback Searcher
	logger   *zap.Logger

	mu     sync.RWMutex
	closed bool
	writes chan func()
	done   chan struct{}
}

// NewService creates a search service. primary may be nil if Meilisearch is
// not configured.
func NewService(primary primaryEngine, fallback Searcher, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	// A nil *Meili stored in the interface would not compare equal to nil.
	if m, ok := primary.(*Meili); ok && m == nil {
		primary = nil
	}
	s := &Service{primary: primary, fallback: fallback, logger: logger.Named("search"), done: make(chan struct{})}
	if primary == nil {
		close(s.done)
		return s
	}
	s.writes = make(chan func(), indexQueueSize)
	go s.run()
	return s
}

// Close stops the index worker after it drains queued writes.
func (s *Service) Close() {
	s.mu.Lock()
	if !s.closed && s.writes != nil {
		close(s.writes)
	}
	s.closed = true
	s.mu.Unlock()
	<-s.done
}

func (s *Service) run() {
	defer close(s.done)
	for write := range s.writes {
		write()
	}
}

func (s *Service) enqueue(name string, write func()) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed || s.writes == nil {
		return false
	}
	select {
	case s.writes <- write:
		return true
	default:
		s.logger.Warn("index queue full, dropping write", zap.String("write", name))
		return false
	}
}

// Search tries Meilisearch if healthy, otherwise falls back to the store.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.primary != nil && s.primary.Healthy() {
		results, total, err := s.primary.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text, Engine: "meilisearch"}
		}
		s.logger.Warn("meilisearch error, falling back to store", zap.Error(err))
	}

	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.logger.Error("store search failed", zap.String("organization_id", q.OrganizationID), zap.Error(err))
		return Response{Results: []Result{}, Total: 0, Query: q.Text, Engine: "store"}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text, Engine: "store"}
}

// IndexNodes queues nodes for indexing (fire-and-forget to Meilisearch).
func (s *Service) IndexNodes(nodes []NodeRecord) {
	if s.primary == nil || len(nodes) == 0 {
		return
	}
	s.enqueue("index nodes", func() { s.index("index nodes", nodes) })
}

// DeleteNodes queues an index removal (fire-and-forget).
func (s *Service) DeleteNodes(ids []string) {
	if s.primary == nil || len(ids) == 0 {
		return
	}
	s.enqueue("delete nodes", func() {
		if !s.primary.Healthy() {
			return
		}
		if err := s.primary.DeleteNodes(ids); err != nil {
			s.logger.Warn("delete nodes", zap.Int("count", len(ids)), zap.Error(err))
		}
	})
}

// Reindex pushes nodes to seed an empty or stale index and waits until the
// worker has written them.
func (s *Service) Reindex(nodes []NodeRecord) {
	if s.primary == nil || len(nodes) == 0 {
		return
	}
	written := make(chan struct{})
	if !s.enqueue("reindex nodes", func() {
		defer close(written)
		s.index("reindex nodes", nodes)
	}) {
		return
	}
	<-written
}

func (s *Service) index(name string, nodes []NodeRecord) {
	if !s.primary.Healthy() {
		return
	}
	if err := s.primary.IndexNodes(nodes); err != nil {
		s.logger.Warn(name, zap.Int("count", len(nodes)), zap.Error(err))
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
