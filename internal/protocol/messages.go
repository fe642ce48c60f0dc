// Package protocol defines the JSON messages exchanged over the sync connection.
//
// Every frame is a JSON object with a "type" discriminator. Client intents and
// server events are closed sets: Decode and DecodeEvent return one of the
// concrete types declared here, so callers can switch over them exhaustively.
package protocol

import "time"

// Type is the value of the "type" discriminator.
type Type string

// Client → server intents.
const (
	TypeJoinOrganization  Type = "join_organization"
	TypeGetFiles          Type = "get_files"
	TypeJoinFile          Type = "join_file"
	TypeLeaveFile         Type = "leave_file"
	TypeGetFileInfo       Type = "get_file_info"
	TypeGetFileVersions   Type = "get_file_versions"
	TypeCreateFile        Type = "create_file"
	TypeCreateFolder      Type = "create_folder"
	TypeUpdateFile        Type = "update_file"
	TypeDeleteFile        Type = "delete_file"
	TypeDeleteFolder      Type = "delete_folder"
	TypeRenameFile        Type = "rename_file"
	TypeRenameFolder      Type = "rename_folder"
	TypeMoveFile          Type = "move_file"
	TypeMoveFolder        Type = "move_folder"
	TypeRevertFileVersion Type = "revert_file_version"
)

// Server → client events.
const (
	TypeFilesList       Type = "files_list"
	TypeFileInfo        Type = "file_info"
	TypeFolderInfo      Type = "folder_info"
	TypeFileInfoError   Type = "file_info_error"
	TypeFileVersions    Type = "file_versions"
	TypeFileCreated     Type = "file_created"
	TypeFolderCreated   Type = "folder_created"
	TypeFileUpdated     Type = "file_updated"
	TypeFileDeleted     Type = "file_deleted"
	TypeFolderDeleted   Type = "folder_deleted"
	TypeFileRenamed     Type = "file_renamed"
	TypeFolderRenamed   Type = "folder_renamed"
	TypeFileMoved       Type = "file_moved"
	TypeFolderMoved     Type = "folder_moved"
	TypeFileReverted    Type = "file_reverted"
	TypeFileRevertError Type = "file_revert_error"
	TypeOnlineUsers     Type = "online_users"
	TypeUserJoined      Type = "user_joined"
	TypeUserLeft        Type = "user_left"
)

// Keep-alive, valid in both directions.
const (
	TypePing Type = "ping"
	TypePong Type = "pong"
)

// Node kinds.
const (
	KindFile   = "file"
	KindFolder = "folder"
)

// Envelope is the minimal shape used to read the discriminator.
type Envelope struct {
	Type Type `json:"type"`
}

type JoinOrganization struct {
	Type           Type   `json:"type"`
	OrganizationID string `json:"organizationId"`
}

type GetFiles struct {
	Type           Type   `json:"type"`
	OrganizationID string `json:"organizationId"`
}

// JoinFile enters the presence room of a file. Path may carry either the
// file id or its materialized path; ID wins when both are set.
type JoinFile struct {
	Type      Type   `json:"type"`
	Path      string `json:"path,omitempty"`
	ID        string `json:"id,omitempty"`
	UserID    string `json:"userId,omitempty"`
	UserName  string `json:"userName,omitempty"`
	Avatar    string `json:"avatar,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

type LeaveFile struct {
	Type   Type   `json:"type"`
	Path   string `json:"path,omitempty"`
	ID     string `json:"id,omitempty"`
	UserID string `json:"userId,omitempty"`
}

type GetFileInfo struct {
	Type           Type   `json:"type"`
	Path           string `json:"path"`
	OrganizationID string `json:"organizationId"`
}

type GetFileVersions struct {
	Type           Type   `json:"type"`
	Path           string `json:"path"`
	OrganizationID string `json:"organizationId"`
}

// CreateNode is create_file or create_folder. Content is ignored for folders.
type CreateNode struct {
	Type           Type    `json:"type"`
	Name           string  `json:"name"`
	ParentID       *string `json:"parentId"`
	Content        string  `json:"content,omitempty"`
	OrganizationID string  `json:"organizationId"`
	SessionID      string  `json:"sessionId,omitempty"`
}

type UpdateFile struct {
	Type           Type    `json:"type"`
	Path           string  `json:"path"`
	Content        *string `json:"content,omitempty"`
	Name           *string `json:"name,omitempty"`
	OrganizationID string  `json:"organizationId"`
	SessionID      string  `json:"sessionId,omitempty"`
}

// DeleteNode is delete_file or delete_folder.
type DeleteNode struct {
	Type           Type   `json:"type"`
	Path           string `json:"path"`
	OrganizationID string `json:"organizationId"`
}

// RenameNode is rename_file or rename_folder.
type RenameNode struct {
	Type           Type   `json:"type"`
	OldPath        string `json:"oldPath"`
	Name           string `json:"name"`
	OrganizationID string `json:"organizationId"`
}

// MoveNode is move_file or move_folder. A nil ParentID moves to the root.
type MoveNode struct {
	Type           Type    `json:"type"`
	OldPath        string  `json:"oldPath"`
	ParentID       *string `json:"parentId"`
	OrganizationID string  `json:"organizationId"`
}

type RevertFileVersion struct {
	Type           Type   `json:"type"`
	Path           string `json:"path"`
	Version        int    `json:"version"`
	OrganizationID string `json:"organizationId"`
	SessionID      string `json:"sessionId,omitempty"`
}

// Ping and Pong carry a Unix millisecond timestamp echoed by the peer.
type Ping struct {
	Type      Type  `json:"type"`
	Timestamp int64 `json:"timestamp"`
}

type Pong struct {
	Type      Type  `json:"type"`
	Timestamp int64 `json:"timestamp"`
}

// NodeSummary is one entry of files_list.
type NodeSummary struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Kind           string    `json:"kind"`
	ParentID       *string   `json:"parentId"`
	OrganizationID string    `json:"organizationId"`
	Path           string    `json:"path"`
	Version        int       `json:"version,omitempty"`
	LastUpdated    time.Time `json:"lastUpdated"`
}

type FilesList struct {
	Type           Type          `json:"type"`
	OrganizationID string        `json:"organizationId"`
	Files          []NodeSummary `json:"files"`
}

// NodeInfo is file_info or folder_info. Content is only set for files.
type NodeInfo struct {
	Type           Type    `json:"type"`
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	Content        *string `json:"content,omitempty"`
	ParentID       *string `json:"parentId"`
	OrganizationID string  `json:"organizationId"`
	Path           string  `json:"path"`
	Version        int     `json:"version,omitempty"`
}

type FileInfoError struct {
	Type           Type   `json:"type"`
	ID             string `json:"id"`
	Error          string `json:"error"`
	OrganizationID string `json:"organizationId"`
}

// VersionSummary describes one history row without its content.
type VersionSummary struct {
	Version   int       `json:"version"`
	CreatedBy string    `json:"createdBy"`
	CreatedAt time.Time `json:"createdAt"`
}

type FileVersions struct {
	Type           Type             `json:"type"`
	ID             string           `json:"id"`
	OrganizationID string           `json:"organizationId"`
	Versions       []VersionSummary `json:"versions"`
}

// NodeCreated is file_created or folder_created.
type NodeCreated struct {
	Type           Type    `json:"type"`
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	ParentID       *string `json:"parentId"`
	OrganizationID string  `json:"organizationId"`
	Path           string  `json:"path"`
	SessionID      string  `json:"sessionId,omitempty"`
}

// FileUpdated carries Content only on the broadcast sent to the file room.
type FileUpdated struct {
	Type           Type      `json:"type"`
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Content        *string   `json:"content,omitempty"`
	ParentID       *string   `json:"parentId"`
	OrganizationID string    `json:"organizationId"`
	Version        int       `json:"version"`
	LastUpdated    time.Time `json:"lastUpdated"`
	SessionID      string    `json:"sessionId,omitempty"`
}

// NodeDeleted is file_deleted or folder_deleted.
type NodeDeleted struct {
	Type           Type   `json:"type"`
	ID             string `json:"id"`
	OrganizationID string `json:"organizationId"`
}

// NodeRenamed is file_renamed or folder_renamed.
type NodeRenamed struct {
	Type           Type      `json:"type"`
	ID             string    `json:"id"`
	OldName        string    `json:"oldName"`
	NewName        string    `json:"newName"`
	ParentID       *string   `json:"parentId"`
	OrganizationID string    `json:"organizationId"`
	Path           string    `json:"path"`
	LastUpdated    time.Time `json:"lastUpdated"`
}

// NodeMoved is file_moved or folder_moved.
type NodeMoved struct {
	Type           Type      `json:"type"`
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	OldParentID    *string   `json:"oldParentId"`
	NewParentID    *string   `json:"newParentId"`
	OrganizationID string    `json:"organizationId"`
	Path           string    `json:"path"`
	LastUpdated    time.Time `json:"lastUpdated"`
}

type FileReverted struct {
	Type                Type      `json:"type"`
	ID                  string    `json:"id"`
	Name                string    `json:"name"`
	Content             string    `json:"content"`
	CurrentVersion      int       `json:"currentVersion"`
	RevertedFromVersion int       `json:"revertedFromVersion"`
	ParentID            *string   `json:"parentId"`
	OrganizationID      string    `json:"organizationId"`
	LastUpdated         time.Time `json:"lastUpdated"`
	SessionID           string    `json:"sessionId,omitempty"`
}

type FileRevertError struct {
	Type           Type   `json:"type"`
	ID             string `json:"id"`
	Error          string `json:"error"`
	OrganizationID string `json:"organizationId"`
}

// OnlineUsers is the presence roster of a file, one entry per session.
// The four slices are parallel.
type OnlineUsers struct {
	Type       Type     `json:"type"`
	Path       string   `json:"path"`
	ID         string   `json:"id"`
	Users      []string `json:"users"`
	UserNames  []string `json:"userNames"`
	Avatars    []string `json:"avatars"`
	SessionIDs []string `json:"sessionIds"`
}

type UserJoined struct {
	Type      Type   `json:"type"`
	Path      string `json:"path"`
	ID        string `json:"id"`
	UserID    string `json:"userId"`
	UserName  string `json:"userName"`
	Avatar    string `json:"avatar"`
	SessionID string `json:"sessionId"`
}

type UserLeft struct {
	Type      Type   `json:"type"`
	Path      string `json:"path"`
	ID        string `json:"id"`
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId"`
}

// Participant is one roster entry.
type Participant struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
	UserName  string `json:"userName"`
	Avatar    string `json:"avatar"`
}

// Participants expands a roster into its entries.
func (m OnlineUsers) Participants() []Participant {
	out := make([]Participant, 0, len(m.SessionIDs))
	for i, sessionID := range m.SessionIDs {
		p := Participant{SessionID: sessionID}
		if i < len(m.Users) {
			p.UserID = m.Users[i]
		}
		if i < len(m.UserNames) {
			p.UserName = m.UserNames[i]
		}
		if i < len(m.Avatars) {
			p.Avatar = m.Avatars[i]
		}
		out = append(out, p)
	}
	return out
}

// NewOnlineUsers builds a roster message from participants.
func NewOnlineUsers(fileID, path string, roster []Participant) OnlineUsers {
	msg := OnlineUsers{
		Type:       TypeOnlineUsers,
		Path:       path,
		ID:         fileID,
		Users:      make([]string, 0, len(roster)),
		UserNames:  make([]string, 0, len(roster)),
		Avatars:    make([]string, 0, len(roster)),
		SessionIDs: make([]string, 0, len(roster)),
	}
	for _, p := range roster {
		msg.Users = append(msg.Users, p.UserID)
		msg.UserNames = append(msg.UserNames, p.UserName)
		msg.Avatars = append(msg.Avatars, p.Avatar)
		msg.SessionIDs = append(msg.SessionIDs, p.SessionID)
	}
	return msg
}
