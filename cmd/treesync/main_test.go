package main

import (
	"strings"
	"testing"

	"treesync/api/internal/client"
	"treesync/api/internal/protocol"
)

type nopSender struct{}

func (nopSender) Send(any) bool { return true }

func TestRenderTreeIndentsAndMarksActive(t *testing.T) {
	tree := client.NewReconciler(nopSender{}, "org_1", "sess_1", nil)
	docs := "folder_docs"
	tree.Apply(protocol.FilesList{
		Type:           protocol.TypeFilesList,
		OrganizationID: "org_1",
		Files: []protocol.NodeSummary{
			{ID: docs, Name: "docs", Kind: protocol.KindFolder, Path: "/docs"},
			{ID: "file_a", Name: "a.md", Kind: protocol.KindFile, ParentID: &docs, Path: "/docs/a.md", Version: 3},
		},
	})
	tree.SetActive("file_a")
	body := "hello"
	tree.Apply(protocol.FileUpdated{Type: protocol.TypeFileUpdated, ID: "file_a", Name: "a.md", ParentID: &docs, Content: &body, Version: 3})

	out := renderTree(tree)
	for _, want := range []string{"org_1 (2 nodes)", "  docs/", "*   a.md", " v3", "--- /docs/a.md ---\nhello"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output:\n%s", want, out)
		}
	}
}
