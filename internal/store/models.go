package store

import "time"

const (
	KindFile   = "file"
	KindFolder = "folder"
)

// Access log actions.
const (
	ActionCreate = "create"
	ActionRead   = "read"
	ActionUpdate = "update"
	ActionDelete = "delete"
	ActionRename = "rename"
	ActionMove   = "move"
	ActionRevert = "revert"
)

// Node is a file or folder in an organization's tree. Version is the
// current content version for files and zero for folders.
type Node struct {
	ID             string
	Name           string
	Kind           string
	ParentID       *string
	OrganizationID string
	Path           string
	Version        int
	CreatedAt      time.Time
	UpdatedAt      time.Time
	DeletedAt      *time.Time
}

func (n Node) IsFolder() bool {
	return n.Kind == KindFolder
}

type FileContent struct {
	FileID    string
	Content   string
	Version   int
	UpdatedAt time.Time
}

// FileVersion is one immutable history row.
type FileVersion struct {
	FileID    string
	Version   int
	Content   string
	CreatedBy string
	CreatedAt time.Time
}

type AccessLogEntry struct {
	NodeID    string
	UserID    string
	Action    string
	CreatedAt time.Time
}

// PathUpdate rewrites the placement of one node. Rename and move produce
// one update for the node itself and one for each live descendant.
type PathUpdate struct {
	ID       string
	Name     string
	ParentID *string
	Path     string
}
