package gitrepo

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestArchiveVersionLifecycle(t *testing.T) {
	tempDir := t.TempDir()
	archive := New(tempDir)

	first, err := archive.CommitVersion(Entry{OrganizationID: "org-1", FileID: "node_a", Path: "/Notes.md", Version: 1, Content: "hello", Author: "Avery"})
	if err != nil {
		t.Fatalf("CommitVersion() error = %v", err)
	}
	if first.Hash == "" || first.Version != 1 || first.Path != "/Notes.md" {
		t.Fatalf("unexpected commit %+v", first)
	}
	if _, err := os.Stat(filepath.Join(tempDir, "org-1", ".git")); err != nil {
		t.Fatalf("repo missing: %v", err)
	}

	second, err := archive.CommitVersion(Entry{OrganizationID: "org-1", FileID: "node_a", Path: "/Notes.md", Version: 2, Content: "hello world", Author: "Blair", Message: "Edit Notes.md"})
	if err != nil {
		t.Fatalf("CommitVersion() error = %v", err)
	}
	if second.Message != "Edit Notes.md" || second.Author != "Blair" {
		t.Fatalf("unexpected commit %+v", second)
	}
	if _, err := archive.CommitVersion(Entry{OrganizationID: "org-1", FileID: "node_b", Path: "/Other.md", Version: 1, Content: "x", Author: "Avery"}); err != nil {
		t.Fatalf("CommitVersion() other file error = %v", err)
	}

	history, err := archive.History("org-1", "node_a", 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 || history[0].Version != 2 || history[1].Version != 1 {
		t.Fatalf("unexpected history %+v", history)
	}

	content, err := archive.ContentAt("org-1", "node_a", first.Hash)
	if err != nil {
		t.Fatalf("ContentAt() error = %v", err)
	}
	if content != "hello" {
		t.Fatalf("unexpected content %q", content)
	}
	if _, err := archive.ContentAt("org-1", "node_b", first.Hash); !errors.Is(err, ErrNotArchived) {
		t.Fatalf("expected ErrNotArchived, got %v", err)
	}
}

func TestArchiveIdenticalContentStillCommits(t *testing.T) {
	archive := New(t.TempDir())
	for version := 1; version <= 2; version++ {
		if _, err := archive.CommitVersion(Entry{OrganizationID: "org", FileID: "f", Path: "/f", Version: version, Content: "same"}); err != nil {
			t.Fatalf("CommitVersion(%d) error = %v", version, err)
		}
	}
	history, err := archive.History("org", "f", 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) < 1 {
		t.Fatalf("expected history, got %+v", history)
	}
}

func TestArchiveRemoveFile(t *testing.T) {
	archive := New(t.TempDir())
	if err := archive.RemoveFile("org", "never", "/never", "Avery"); err != nil {
		t.Fatalf("RemoveFile() before repo error = %v", err)
	}
	if _, err := archive.CommitVersion(Entry{OrganizationID: "org", FileID: "f", Path: "/f.md", Version: 1, Content: "x"}); err != nil {
		t.Fatalf("CommitVersion() error = %v", err)
	}
	if err := archive.RemoveFile("org", "f", "/f.md", "Avery"); err != nil {
		t.Fatalf("RemoveFile() error = %v", err)
	}
	if err := archive.RemoveFile("org", "f", "/f.md", "Avery"); err != nil {
		t.Fatalf("RemoveFile() twice error = %v", err)
	}
	history, err := archive.History("org", "f", 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 || history[0].Message != "Delete /f.md" {
		t.Fatalf("unexpected history %+v", history)
	}
}

func TestArchiveSerializesConcurrentCommits(t *testing.T) {
	archive := New(t.TempDir())
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := archive.CommitVersion(Entry{OrganizationID: "org", FileID: "f", Path: "/f", Version: i + 1, Content: string(rune('a' + i))})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent commit failed: %v", err)
		}
	}
	history, err := archive.History("org", "f", 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 8 {
		t.Fatalf("expected 8 commits, got %d", len(history))
	}
}

func TestSafeSegment(t *testing.T) {
	if got := safeSegment("../etc"); got != "___etc" {
		t.Fatalf("unexpected segment %q", got)
	}
}
