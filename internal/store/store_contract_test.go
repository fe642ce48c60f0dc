package store

import (
	"context"
	"errors"
	"testing"
)

type contractStore interface {
	ListNodes(ctx context.Context, organizationID string) ([]Node, error)
	GetNode(ctx context.Context, nodeID string) (Node, error)
	GetNodeByPath(ctx context.Context, organizationID, path string) (Node, error)
	ListDescendants(ctx context.Context, nodeID string) ([]Node, error)
	NameTaken(ctx context.Context, organizationID string, parentID *string, name, excludeID string) (bool, error)
	CreateNode(ctx context.Context, node Node, content, createdBy string) (Node, error)
	GetContent(ctx context.Context, fileID string) (FileContent, error)
	WriteVersion(ctx context.Context, fileID, content, createdBy string) (FileVersion, error)
	GetVersion(ctx context.Context, fileID string, version int) (FileVersion, error)
	ListVersions(ctx context.Context, fileID string) ([]FileVersion, error)
	UpdateNodePaths(ctx context.Context, updates []PathUpdate) error
	SoftDeleteNodes(ctx context.Context, ids []string) error
	AppendAccessLog(ctx context.Context, entries ...AccessLogEntry) error
	SearchNodes(ctx context.Context, organizationID, query string, limit int) ([]Node, error)
}

func strPtr(value string) *string {
	return &value
}

func runStoreContract(t *testing.T, s contractStore) {
	t.Helper()
	ctx := context.Background()

	folder, err := s.CreateNode(ctx, Node{ID: "node_docs", Name: "docs", Kind: KindFolder, OrganizationID: "org-1", Path: "/docs"}, "", "u1")
	if err != nil {
		t.Fatalf("create folder: %v", err)
	}
	if folder.Version != 0 {
		t.Fatalf("expected folder version 0, got %d", folder.Version)
	}
	file, err := s.CreateNode(ctx, Node{ID: "node_a", Name: "a.md", Kind: KindFile, ParentID: strPtr("node_docs"), OrganizationID: "org-1", Path: "/docs/a.md"}, "hello", "u1")
	if err != nil {
		t.Fatalf("create file: %v", err)
	}
	if file.Version != 1 {
		t.Fatalf("expected new file at version 1, got %d", file.Version)
	}

	if _, err := s.CreateNode(ctx, Node{ID: "node_dup", Name: "a.md", Kind: KindFile, ParentID: strPtr("node_docs"), OrganizationID: "org-1", Path: "/docs/a.md"}, "", "u1"); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for duplicate sibling name, got %v", err)
	}
	taken, err := s.NameTaken(ctx, "org-1", nil, "docs", "")
	if err != nil || !taken {
		t.Fatalf("expected docs to be taken at root, got %v %v", taken, err)
	}
	taken, err = s.NameTaken(ctx, "org-1", nil, "docs", "node_docs")
	if err != nil || taken {
		t.Fatalf("expected excluded node to not collide, got %v %v", taken, err)
	}

	t.Run("versions are gapless", func(t *testing.T) {
		v2, err := s.WriteVersion(ctx, "node_a", "second", "u2")
		if err != nil {
			t.Fatalf("write version: %v", err)
		}
		v3, err := s.WriteVersion(ctx, "node_a", "third", "u2")
		if err != nil {
			t.Fatalf("write version: %v", err)
		}
		if v2.Version != 2 || v3.Version != 3 {
			t.Fatalf("expected versions 2 and 3, got %d and %d", v2.Version, v3.Version)
		}
		content, err := s.GetContent(ctx, "node_a")
		if err != nil {
			t.Fatalf("get content: %v", err)
		}
		if content.Content != "third" || content.Version != 3 {
			t.Fatalf("unexpected current content %+v", content)
		}
		first, err := s.GetVersion(ctx, "node_a", 1)
		if err != nil {
			t.Fatalf("get version 1: %v", err)
		}
		if first.Content != "hello" || first.CreatedBy != "u1" {
			t.Fatalf("unexpected version 1 %+v", first)
		}
		if _, err := s.GetVersion(ctx, "node_a", 99); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound for missing version, got %v", err)
		}
		history, err := s.ListVersions(ctx, "node_a")
		if err != nil {
			t.Fatalf("list versions: %v", err)
		}
		if len(history) != 3 || history[0].Version != 3 || history[2].Version != 1 {
			t.Fatalf("unexpected history %+v", history)
		}
	})

	t.Run("paths move with the subtree", func(t *testing.T) {
		descendants, err := s.ListDescendants(ctx, "node_docs")
		if err != nil {
			t.Fatalf("list descendants: %v", err)
		}
		if len(descendants) != 1 || descendants[0].ID != "node_a" {
			t.Fatalf("unexpected descendants %+v", descendants)
		}
		err = s.UpdateNodePaths(ctx, []PathUpdate{
			{ID: "node_docs", Name: "notes", Path: "/notes"},
			{ID: "node_a", Name: "a.md", ParentID: strPtr("node_docs"), Path: "/notes/a.md"},
		})
		if err != nil {
			t.Fatalf("update paths: %v", err)
		}
		moved, err := s.GetNodeByPath(ctx, "org-1", "/notes/a.md")
		if err != nil {
			t.Fatalf("get by path: %v", err)
		}
		if moved.ID != "node_a" || moved.Version != 3 {
			t.Fatalf("unexpected node at new path %+v", moved)
		}
		if _, err := s.GetNodeByPath(ctx, "org-1", "/docs/a.md"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected old path to be gone, got %v", err)
		}
	})

	t.Run("search matches names", func(t *testing.T) {
		results, err := s.SearchNodes(ctx, "org-1", "a.md", 10)
		if err != nil {
			t.Fatalf("search: %v", err)
		}
		if len(results) != 1 || results[0].ID != "node_a" {
			t.Fatalf("unexpected search results %+v", results)
		}
		results, err = s.SearchNodes(ctx, "org-2", "a.md", 10)
		if err != nil {
			t.Fatalf("search other org: %v", err)
		}
		if len(results) != 0 {
			t.Fatalf("expected no results outside the organization, got %+v", results)
		}
	})

	t.Run("soft delete hides the subtree", func(t *testing.T) {
		if err := s.AppendAccessLog(ctx, AccessLogEntry{NodeID: "node_a", UserID: "u1", Action: ActionDelete}); err != nil {
			t.Fatalf("append access log: %v", err)
		}
		if err := s.SoftDeleteNodes(ctx, []string{"node_a", "node_docs"}); err != nil {
			t.Fatalf("soft delete: %v", err)
		}
		if _, err := s.GetNode(ctx, "node_docs"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected deleted folder to be hidden, got %v", err)
		}
		if _, err := s.GetContent(ctx, "node_a"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected deleted file content to be hidden, got %v", err)
		}
		nodes, err := s.ListNodes(ctx, "org-1")
		if err != nil {
			t.Fatalf("list nodes: %v", err)
		}
		if len(nodes) != 0 {
			t.Fatalf("expected no live nodes, got %+v", nodes)
		}
		if _, err := s.CreateNode(ctx, Node{ID: "node_docs2", Name: "notes", Kind: KindFolder, OrganizationID: "org-1", Path: "/notes"}, "", "u1"); err != nil {
			t.Fatalf("expected deleted name to be reusable: %v", err)
		}
	})
}
