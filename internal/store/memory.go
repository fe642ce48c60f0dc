package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process store with the same semantics as
// PostgresStore. It backs tests and single-node development servers.
type MemoryStore struct {
	mu        sync.RWMutex
	nodes     map[string]*Node
	contents  map[string]*FileContent
	versions  map[string][]FileVersion
	accessLog []AccessLogEntry
	now       func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes:    map[string]*Node{},
		contents: map[string]*FileContent{},
		versions: map[string][]FileVersion{},
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

func (s *MemoryStore) live(id string) (*Node, bool) {
	node, ok := s.nodes[id]
	if !ok || node.DeletedAt != nil {
		return nil, false
	}
	return node, true
}

func (s *MemoryStore) snapshot(node *Node) Node {
	out := *node
	if node.ParentID != nil {
		parentID := *node.ParentID
		out.ParentID = &parentID
	}
	if content, ok := s.contents[node.ID]; ok {
		out.Version = content.Version
	}
	return out
}

func (s *MemoryStore) ListNodes(_ context.Context, organizationID string) ([]Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := make([]Node, 0)
	for _, node := range s.nodes {
		if node.OrganizationID == organizationID && node.DeletedAt == nil {
			items = append(items, s.snapshot(node))
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Path < items[j].Path })
	return items, nil
}

func (s *MemoryStore) GetNode(_ context.Context, nodeID string) (Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	node, ok := s.live(nodeID)
	if !ok {
		return Node{}, ErrNotFound
	}
	return s.snapshot(node), nil
}

func (s *MemoryStore) GetNodeByPath(_ context.Context, organizationID, path string) (Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, node := range s.nodes {
		if node.DeletedAt == nil && node.OrganizationID == organizationID && node.Path == path {
			return s.snapshot(node), nil
		}
	}
	return Node{}, ErrNotFound
}

func (s *MemoryStore) ListDescendants(_ context.Context, nodeID string) ([]Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	children := map[string][]*Node{}
	for _, node := range s.nodes {
		if node.DeletedAt == nil && node.ParentID != nil {
			children[*node.ParentID] = append(children[*node.ParentID], node)
		}
	}

	items := make([]Node, 0)
	level := []string{nodeID}
	for len(level) > 0 {
		var next []Node
		for _, id := range level {
			for _, child := range children[id] {
				next = append(next, s.snapshot(child))
			}
		}
		sort.Slice(next, func(i, j int) bool { return next[i].Path < next[j].Path })
		level = level[:0]
		for _, node := range next {
			items = append(items, node)
			level = append(level, node.ID)
		}
	}
	return items, nil
}

func (s *MemoryStore) NameTaken(_ context.Context, organizationID string, parentID *string, name, excludeID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nameTaken(organizationID, parentID, name, excludeID), nil
}

func (s *MemoryStore) nameTaken(organizationID string, parentID *string, name, excludeID string) bool {
	for _, node := range s.nodes {
		if node.DeletedAt != nil || node.ID == excludeID || node.OrganizationID != organizationID {
			continue
		}
		if node.Name == name && sameParent(node.ParentID, parentID) {
			return true
		}
	}
	return false
}

func sameParent(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func (s *MemoryStore) CreateNode(_ context.Context, node Node, content, createdBy string) (Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.nodes[node.ID]; exists {
		return Node{}, ErrConflict
	}
	if s.nameTaken(node.OrganizationID, node.ParentID, node.Name, node.ID) {
		return Node{}, ErrConflict
	}

	now := s.now()
	node.CreatedAt = now
	node.UpdatedAt = now
	node.DeletedAt = nil
	node.Version = 0
	stored := node
	if node.ParentID != nil {
		parentID := *node.ParentID
		stored.ParentID = &parentID
	}
	s.nodes[node.ID] = &stored

	if node.Kind == KindFile {
		s.contents[node.ID] = &FileContent{FileID: node.ID, Content: content, Version: 1, UpdatedAt: now}
		s.versions[node.ID] = []FileVersion{{FileID: node.ID, Version: 1, Content: content, CreatedBy: createdBy, CreatedAt: now}}
	}
	return s.snapshot(&stored), nil
}

func (s *MemoryStore) GetContent(_ context.Context, fileID string) (FileContent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.live(fileID); !ok {
		return FileContent{}, ErrNotFound
	}
	content, ok := s.contents[fileID]
	if !ok {
		return FileContent{}, ErrNotFound
	}
	return *content, nil
}

func (s *MemoryStore) WriteVersion(_ context.Context, fileID, content, createdBy string) (FileVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, ok := s.live(fileID)
	if !ok {
		return FileVersion{}, ErrNotFound
	}
	current, ok := s.contents[fileID]
	if !ok {
		return FileVersion{}, ErrNotFound
	}

	now := s.now()
	next := FileVersion{FileID: fileID, Version: current.Version + 1, Content: content, CreatedBy: createdBy, CreatedAt: now}
	s.versions[fileID] = append(s.versions[fileID], next)
	current.Content = content
	current.Version = next.Version
	current.UpdatedAt = now
	node.UpdatedAt = now
	return next, nil
}

func (s *MemoryStore) GetVersion(_ context.Context, fileID string, version int) (FileVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, item := range s.versions[fileID] {
		if item.Version == version {
			return item, nil
		}
	}
	return FileVersion{}, ErrNotFound
}

func (s *MemoryStore) ListVersions(_ context.Context, fileID string) ([]FileVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := s.versions[fileID]
	items := make([]FileVersion, 0, len(history))
	for i := len(history) - 1; i >= 0; i-- {
		item := history[i]
		item.Content = ""
		items = append(items, item)
	}
	return items, nil
}

// UpdateNodePaths applies every update or none.
func (s *MemoryStore) UpdateNodePaths(_ context.Context, updates []PathUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, update := range updates {
		if _, ok := s.live(update.ID); !ok {
			return ErrNotFound
		}
	}
	moving := make(map[string]PathUpdate, len(updates))
	for _, update := range updates {
		moving[update.ID] = update
	}
	for _, update := range updates {
		for _, node := range s.nodes {
			if node.DeletedAt != nil || node.ID == update.ID {
				continue
			}
			name, parentID := node.Name, node.ParentID
			if other, ok := moving[node.ID]; ok {
				name, parentID = other.Name, other.ParentID
			}
			if name == update.Name && sameParent(parentID, update.ParentID) && node.OrganizationID == s.nodes[update.ID].OrganizationID {
				return ErrConflict
			}
		}
	}

	now := s.now()
	for _, update := range updates {
		node := s.nodes[update.ID]
		node.Name = update.Name
		node.Path = update.Path
		node.ParentID = nil
		if update.ParentID != nil {
			parentID := *update.ParentID
			node.ParentID = &parentID
		}
		node.UpdatedAt = now
	}
	return nil
}

func (s *MemoryStore) SoftDeleteNodes(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for _, id := range ids {
		if node, ok := s.live(id); ok {
			deletedAt := now
			node.DeletedAt = &deletedAt
			node.UpdatedAt = now
		}
	}
	return nil
}

func (s *MemoryStore) AppendAccessLog(_ context.Context, entries ...AccessLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for _, entry := range entries {
		if entry.CreatedAt.IsZero() {
			entry.CreatedAt = now
		}
		s.accessLog = append(s.accessLog, entry)
	}
	return nil
}

// AccessLog returns a copy of every logged entry in append order.
func (s *MemoryStore) AccessLog() []AccessLogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]AccessLogEntry(nil), s.accessLog...)
}

func (s *MemoryStore) SearchNodes(_ context.Context, organizationID, query string, limit int) ([]Node, error) {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return []Node{}, nil
	}
	if limit <= 0 {
		limit = 20
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	items := make([]Node, 0)
	for _, node := range s.nodes {
		if node.DeletedAt != nil || node.OrganizationID != organizationID {
			continue
		}
		if strings.Contains(strings.ToLower(node.Path), query) {
			items = append(items, s.snapshot(node))
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Path < items[j].Path })
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}
