package app

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"treesync/api/internal/gitrepo"
	"treesync/api/internal/presence"
	"treesync/api/internal/protocol"
	"treesync/api/internal/search"
	"treesync/api/internal/session"
	"treesync/api/internal/store"
	"treesync/api/internal/util"
)

const (
	maxNameLength  = 255
	jobQueueSize   = 1024
	jobTimeout     = 10 * time.Second
	archiveHistory = 50
)

type dataStore interface {
	Ping(ctx context.Context) error
	ListNodes(ctx context.Context, organizationID string) ([]store.Node, error)
	GetNode(ctx context.Context, nodeID string) (store.Node, error)
	GetNodeByPath(ctx context.Context, organizationID, path string) (store.Node, error)
	ListDescendants(ctx context.Context, nodeID string) ([]store.Node, error)
	NameTaken(ctx context.Context, organizationID string, parentID *string, name, excludeID string) (bool, error)
	CreateNode(ctx context.Context, node store.Node, content, createdBy string) (store.Node, error)
	GetContent(ctx context.Context, fileID string) (store.FileContent, error)
	WriteVersion(ctx context.Context, fileID, content, createdBy string) (store.FileVersion, error)
	GetVersion(ctx context.Context, fileID string, version int) (store.FileVersion, error)
	ListVersions(ctx context.Context, fileID string) ([]store.FileVersion, error)
	UpdateNodePaths(ctx context.Context, updates []store.PathUpdate) error
	SoftDeleteNodes(ctx context.Context, ids []string) error
	AppendAccessLog(ctx context.Context, entries ...store.AccessLogEntry) error
}

type nodeIndex interface {
	Search(ctx context.Context, q search.Query) search.Response
	IndexNodes(nodes []search.NodeRecord)
	DeleteNodes(ids []string)
	Reindex(nodes []search.NodeRecord)
}

type versionArchive interface {
	CommitVersion(entry gitrepo.Entry) (gitrepo.Commit, error)
	RemoveFile(organizationID, fileID, path, author string) error
	History(organizationID, fileID string, limit int) ([]gitrepo.Commit, error)
}

type sessionDirectory interface {
	Track(ctx context.Context, rec session.Record) error
	SetOrganization(ctx context.Context, sessionID, orgID string) error
	Touch(ctx context.Context, sessionID string) error
	Forget(ctx context.Context, sessionID string) error
	ListOrganization(ctx context.Context, orgID string) ([]session.Record, error)
	Ping(ctx context.Context) error
}

// Deps wires the service. Store and Presence are required; the rest are
// optional and skipped when nil.
type Deps struct {
	Store    dataStore
	Presence *presence.Registry
	Search   nodeIndex
	Archive  versionArchive
	Sessions sessionDirectory
	Logger   *zap.Logger
}

// Service applies client intents: it validates, persists, mirrors, logs
// access and broadcasts. Handlers are invoked from the hub goroutine one
// at a time. Archive commits and session directory writes run on a single
// background worker in submission order.
type Service struct {
	store    dataStore
	presence *presence.Registry
	search   nodeIndex
	archive  versionArchive
	sessions sessionDirectory
	logger   *zap.Logger

	jobsMu sync.RWMutex
	jobs   chan func(context.Context)
	closed bool
	done   chan struct{}
}

func NewService(deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	registry := deps.Presence
	if registry == nil {
		registry = presence.NewRegistry()
	}
	s := &Service{
		store:    deps.Store,
		presence: registry,
		search:   deps.Search,
		archive:  deps.Archive,
		sessions: deps.Sessions,
		logger:   logger,
		jobs:     make(chan func(context.Context), jobQueueSize),
		done:     make(chan struct{}),
	}
	go s.runJobs()
	return s
}

func (s *Service) Presence() *presence.Registry {
	return s.presence
}

// Close stops accepting background work and waits for queued jobs.
func (s *Service) Close() {
	s.jobsMu.Lock()
	if s.closed {
		s.jobsMu.Unlock()
		<-s.done
		return
	}
	s.closed = true
	close(s.jobs)
	s.jobsMu.Unlock()
	<-s.done
}

func (s *Service) runJobs() {
	defer close(s.done)
	for job := range s.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
		job(ctx)
		cancel()
	}
}

func (s *Service) enqueue(name string, job func(context.Context)) {
	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.jobs <- job:
	default:
		s.logger.Warn("background queue full, dropping job", zap.String("job", name))
	}
}

func (s *Service) Connected(m presence.Member, connectedAt time.Time) {
	if s.sessions == nil {
		return
	}
	p := m.Participant()
	rec := session.Record{
		SessionID:   p.SessionID,
		UserID:      p.UserID,
		DisplayName: p.UserName,
		AvatarURL:   p.Avatar,
		ConnectedAt: connectedAt,
	}
	s.enqueue("track session", func(ctx context.Context) {
		if err := s.sessions.Track(ctx, rec); err != nil {
			s.logger.Warn("track session", zap.String("session_id", rec.SessionID), zap.Error(err))
		}
	})
}

// Disconnect removes the member from every room and scope.
func (s *Service) Disconnect(m presence.Member) {
	s.presence.Disconnect(m)
	if s.sessions == nil {
		return
	}
	sessionID := m.Participant().SessionID
	s.enqueue("forget session", func(ctx context.Context) {
		if err := s.sessions.Forget(ctx, sessionID); err != nil {
			s.logger.Warn("forget session", zap.String("session_id", sessionID), zap.Error(err))
		}
	})
}

// TouchSession refreshes the directory entry after a pong.
func (s *Service) TouchSession(sessionID string) {
	if s.sessions == nil {
		return
	}
	s.enqueue("touch session", func(ctx context.Context) {
		if err := s.sessions.Touch(ctx, sessionID); err != nil {
			s.logger.Debug("touch session", zap.String("session_id", sessionID), zap.Error(err))
		}
	})
}

func (s *Service) JoinOrganization(_ context.Context, m presence.Member, in protocol.JoinOrganization) error {
	orgID := strings.TrimSpace(in.OrganizationID)
	if orgID == "" {
		return invalid("organizationId is required")
	}
	s.presence.JoinOrganization(m, orgID)
	if s.sessions != nil {
		sessionID := m.Participant().SessionID
		s.enqueue("scope session", func(ctx context.Context) {
			if err := s.sessions.SetOrganization(ctx, sessionID, orgID); err != nil {
				s.logger.Warn("scope session", zap.String("session_id", sessionID), zap.Error(err))
			}
		})
	}
	return nil
}

func (s *Service) ListFiles(ctx context.Context, m presence.Member, in protocol.GetFiles) error {
	orgID := s.organizationFor(m, in.OrganizationID)
	if orgID == "" {
		return invalid("organizationId is required")
	}
	nodes, err := s.store.ListNodes(ctx, orgID)
	if err != nil {
		return fmt.Errorf("list files: %w", err)
	}
	summaries := make([]protocol.NodeSummary, 0, len(nodes))
	for _, node := range nodes {
		summaries = append(summaries, nodeSummary(node))
	}
	m.Send(protocol.FilesList{Type: protocol.TypeFilesList, OrganizationID: orgID, Files: summaries})
	return nil
}

// JoinFile enters the presence room of a file and sends its content
// snapshot followed by the roster.
func (s *Service) JoinFile(ctx context.Context, m presence.Member, in protocol.JoinFile) error {
	ref := in.ID
	if ref == "" {
		ref = in.Path
	}
	node, err := s.resolve(ctx, s.organizationFor(m, ""), ref)
	if err != nil {
		return err
	}
	info, err := s.nodeInfo(ctx, node)
	if err != nil {
		return err
	}
	s.logAccess(ctx, m, store.ActionRead, node.ID)
	s.presence.JoinFile(m, node.ID, node.Path, info)
	return nil
}

func (s *Service) LeaveFile(ctx context.Context, m presence.Member, in protocol.LeaveFile) error {
	fileID := in.ID
	if fileID == "" {
		node, err := s.resolve(ctx, s.organizationFor(m, ""), in.Path)
		if err != nil {
			return err
		}
		fileID = node.ID
	}
	s.presence.LeaveFile(m, fileID)
	return nil
}

// FileInfo answers get_file_info. A miss is reported to the requester as
// file_info_error.
func (s *Service) FileInfo(ctx context.Context, m presence.Member, in protocol.GetFileInfo) error {
	orgID := s.organizationFor(m, in.OrganizationID)
	node, err := s.resolve(ctx, orgID, in.Path)
	if err == nil {
		var info protocol.NodeInfo
		if info, err = s.nodeInfo(ctx, node); err == nil {
			if !node.IsFolder() {
				s.logAccess(ctx, m, store.ActionRead, node.ID)
			}
			m.Send(info)
			return nil
		}
	}
	m.Send(protocol.FileInfoError{
		Type:           protocol.TypeFileInfoError,
		ID:             in.Path,
		Error:          "File not found",
		OrganizationID: orgID,
	})
	return err
}

func (s *Service) FileVersions(ctx context.Context, m presence.Member, in protocol.GetFileVersions) error {
	node, err := s.resolveFile(ctx, s.organizationFor(m, in.OrganizationID), in.Path)
	if err != nil {
		return err
	}
	versions, err := s.store.ListVersions(ctx, node.ID)
	if err != nil {
		return fmt.Errorf("list versions: %w", err)
	}
	m.Send(protocol.FileVersions{
		Type:           protocol.TypeFileVersions,
		ID:             node.ID,
		OrganizationID: node.OrganizationID,
		Versions:       versionSummaries(versions),
	})
	return nil
}

// CreateNode handles create_file and create_folder.
func (s *Service) CreateNode(ctx context.Context, m presence.Member, in protocol.CreateNode) error {
	orgID := s.organizationFor(m, in.OrganizationID)
	if orgID == "" {
		return invalid("organizationId is required")
	}
	name, err := validateName(in.Name)
	if err != nil {
		return err
	}

	var parentID *string
	parentPath := "/"
	if in.ParentID != nil && strings.TrimSpace(*in.ParentID) != "" {
		parent, err := s.store.GetNode(ctx, strings.TrimSpace(*in.ParentID))
		if err != nil {
			return lookupError("parent folder", err)
		}
		if parent.OrganizationID != orgID || !parent.IsFolder() {
			return notFound("parent folder")
		}
		parentID = &parent.ID
		parentPath = parent.Path
	}

	taken, err := s.store.NameTaken(ctx, orgID, parentID, name, "")
	if err != nil {
		return fmt.Errorf("check name: %w", err)
	}
	if taken {
		return conflict(fmt.Sprintf("%q already exists", name))
	}

	kind := store.KindFile
	if protocol.IsFolderType(in.Type) {
		kind = store.KindFolder
	}
	userID := m.Participant().UserID
	node, err := s.store.CreateNode(ctx, store.Node{
		ID:             util.NewID(kind),
		Name:           name,
		Kind:           kind,
		ParentID:       parentID,
		OrganizationID: orgID,
		Path:           path.Join(parentPath, name),
	}, in.Content, userID)
	if errors.Is(err, store.ErrConflict) {
		return conflict(fmt.Sprintf("%q already exists", name))
	}
	if err != nil {
		return fmt.Errorf("create node: %w", err)
	}

	s.logAccess(ctx, m, store.ActionCreate, node.ID)
	s.indexNodes(node)
	if !node.IsFolder() {
		s.archiveVersion(node, node.Version, in.Content, userID, "Create "+node.Path)
	}

	created := protocol.NodeCreated{
		Type:           protocol.TypeFileCreated,
		ID:             node.ID,
		Name:           node.Name,
		ParentID:       node.ParentID,
		OrganizationID: orgID,
		Path:           node.Path,
		SessionID:      m.Participant().SessionID,
	}
	if node.IsFolder() {
		created.Type = protocol.TypeFolderCreated
	}
	s.presence.BroadcastOrganization(orgID, created, "")
	if scope, _ := s.presence.Organization(m.Participant().SessionID); scope != orgID {
		m.Send(created)
	}
	return nil
}

// UpdateFile writes a new content version. A differing name renames the
// file first; an update carrying only a name is a rename.
func (s *Service) UpdateFile(ctx context.Context, m presence.Member, in protocol.UpdateFile) error {
	node, err := s.resolveFile(ctx, s.organizationFor(m, in.OrganizationID), in.Path)
	if err != nil {
		return err
	}
	if in.Name != nil && strings.TrimSpace(*in.Name) != node.Name {
		if node, err = s.rename(ctx, m, node, *in.Name); err != nil {
			return err
		}
	}
	if in.Content == nil {
		return nil
	}

	userID := m.Participant().UserID
	version, err := s.store.WriteVersion(ctx, node.ID, *in.Content, userID)
	if err != nil {
		return fmt.Errorf("write version: %w", err)
	}
	s.logAccess(ctx, m, store.ActionUpdate, node.ID)
	s.archiveVersion(node, version.Version, version.Content, userID, "Update "+node.Path)

	content := version.Content
	full := protocol.FileUpdated{
		Type:           protocol.TypeFileUpdated,
		ID:             node.ID,
		Name:           node.Name,
		Content:        &content,
		ParentID:       node.ParentID,
		OrganizationID: node.OrganizationID,
		Version:        version.Version,
		LastUpdated:    version.CreatedAt,
		SessionID:      m.Participant().SessionID,
	}
	s.presence.BroadcastFile(node.ID, full, "")
	meta := full
	meta.Content = nil
	s.presence.BroadcastOrganization(node.OrganizationID, meta, "")
	return nil
}

func (s *Service) RenameNode(ctx context.Context, m presence.Member, in protocol.RenameNode) error {
	node, err := s.resolve(ctx, s.organizationFor(m, in.OrganizationID), in.OldPath)
	if err != nil {
		return err
	}
	_, err = s.rename(ctx, m, node, in.Name)
	return err
}

func (s *Service) rename(ctx context.Context, m presence.Member, node store.Node, rawName string) (store.Node, error) {
	name, err := validateName(rawName)
	if err != nil {
		return node, err
	}
	if name == node.Name {
		return node, nil
	}
	taken, err := s.store.NameTaken(ctx, node.OrganizationID, node.ParentID, name, node.ID)
	if err != nil {
		return node, fmt.Errorf("check name: %w", err)
	}
	if taken {
		return node, conflict(fmt.Sprintf("%q already exists", name))
	}

	oldName := node.Name
	moved, err := s.relocate(ctx, node, name, node.ParentID, path.Join(path.Dir(node.Path), name))
	if err != nil {
		return node, err
	}
	renamed := moved[0]
	s.logAccess(ctx, m, store.ActionRename, renamed.ID)

	msg := protocol.NodeRenamed{
		Type:           protocol.TypeFileRenamed,
		ID:             renamed.ID,
		OldName:        oldName,
		NewName:        renamed.Name,
		ParentID:       renamed.ParentID,
		OrganizationID: renamed.OrganizationID,
		Path:           renamed.Path,
		LastUpdated:    time.Now().UTC(),
	}
	if renamed.IsFolder() {
		msg.Type = protocol.TypeFolderRenamed
	}
	s.presence.BroadcastScopes(renamed.OrganizationID, nodeIDs(moved), msg, "")
	return renamed, nil
}

// MoveNode reparents a node. Moving a folder into itself or one of its
// descendants is rejected; moving to the current parent does nothing.
func (s *Service) MoveNode(ctx context.Context, m presence.Member, in protocol.MoveNode) error {
	node, err := s.resolve(ctx, s.organizationFor(m, in.OrganizationID), in.OldPath)
	if err != nil {
		return err
	}

	var newParentID *string
	parentPath := "/"
	if in.ParentID != nil && strings.TrimSpace(*in.ParentID) != "" {
		parent, err := s.store.GetNode(ctx, strings.TrimSpace(*in.ParentID))
		if err != nil {
			return lookupError("target folder", err)
		}
		if parent.OrganizationID != node.OrganizationID || !parent.IsFolder() {
			return notFound("target folder")
		}
		if parent.ID == node.ID || strings.HasPrefix(parent.Path, node.Path+"/") {
			return invalid("cannot move a folder into itself")
		}
		newParentID = &parent.ID
		parentPath = parent.Path
	}
	if sameParent(node.ParentID, newParentID) {
		return nil
	}

	taken, err := s.store.NameTaken(ctx, node.OrganizationID, newParentID, node.Name, node.ID)
	if err != nil {
		return fmt.Errorf("check name: %w", err)
	}
	if taken {
		return conflict(fmt.Sprintf("%q already exists in the target folder", node.Name))
	}

	oldParentID := node.ParentID
	moved, err := s.relocate(ctx, node, node.Name, newParentID, path.Join(parentPath, node.Name))
	if err != nil {
		return err
	}
	target := moved[0]
	s.logAccess(ctx, m, store.ActionMove, target.ID)

	msg := protocol.NodeMoved{
		Type:           protocol.TypeFileMoved,
		ID:             target.ID,
		Name:           target.Name,
		OldParentID:    oldParentID,
		NewParentID:    target.ParentID,
		OrganizationID: target.OrganizationID,
		Path:           target.Path,
		LastUpdated:    time.Now().UTC(),
	}
	if target.IsFolder() {
		msg.Type = protocol.TypeFolderMoved
	}
	s.presence.BroadcastScopes(target.OrganizationID, nodeIDs(moved), msg, "")
	return nil
}

// relocate rewrites the name, parent and path of node and the paths of
// all its descendants in one batch. The returned slice starts with node.
func (s *Service) relocate(ctx context.Context, node store.Node, name string, parentID *string, newPath string) ([]store.Node, error) {
	descendants, err := s.store.ListDescendants(ctx, node.ID)
	if err != nil {
		return nil, fmt.Errorf("list descendants: %w", err)
	}
	if parentID != nil {
		for _, d := range descendants {
			if d.ID == *parentID {
				return nil, invalid("cannot move a folder into itself")
			}
		}
	}

	oldPath := node.Path
	node.Name = name
	node.ParentID = parentID
	node.Path = newPath
	moved := append([]store.Node{node}, descendants...)
	updates := make([]store.PathUpdate, 0, len(moved))
	for i := range moved {
		if i > 0 {
			moved[i].Path = newPath + strings.TrimPrefix(moved[i].Path, oldPath)
		}
		updates = append(updates, store.PathUpdate{
			ID:       moved[i].ID,
			Name:     moved[i].Name,
			ParentID: moved[i].ParentID,
			Path:     moved[i].Path,
		})
	}
	if err := s.store.UpdateNodePaths(ctx, updates); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, conflict(fmt.Sprintf("%q already exists", name))
		}
		return nil, fmt.Errorf("update paths: %w", err)
	}

	for _, n := range moved {
		s.presence.SetFilePath(n.ID, n.Path)
	}
	s.indexNodes(moved...)
	return moved, nil
}

// DeleteNode soft-deletes a node and, for folders, every live descendant,
// deepest first.
func (s *Service) DeleteNode(ctx context.Context, m presence.Member, in protocol.DeleteNode) error {
	node, err := s.resolve(ctx, s.organizationFor(m, in.OrganizationID), in.Path)
	if err != nil {
		return err
	}
	descendants, err := s.store.ListDescendants(ctx, node.ID)
	if err != nil {
		return fmt.Errorf("list descendants: %w", err)
	}

	doomed := make([]store.Node, 0, len(descendants)+1)
	for i := len(descendants) - 1; i >= 0; i-- {
		doomed = append(doomed, descendants[i])
	}
	doomed = append(doomed, node)
	ids := nodeIDs(doomed)
	if err := s.store.SoftDeleteNodes(ctx, ids); err != nil {
		return fmt.Errorf("delete nodes: %w", err)
	}

	userID := m.Participant().UserID
	entries := make([]store.AccessLogEntry, 0, len(ids))
	for _, id := range ids {
		entries = append(entries, store.AccessLogEntry{NodeID: id, UserID: userID, Action: store.ActionDelete})
	}
	if err := s.store.AppendAccessLog(ctx, entries...); err != nil {
		s.logger.Warn("append access log", zap.String("action", store.ActionDelete), zap.Error(err))
	}
	if s.search != nil {
		s.search.DeleteNodes(ids)
	}
	for _, n := range doomed {
		if !n.IsFolder() {
			s.archiveRemoval(n, userID)
		}
	}

	msg := protocol.NodeDeleted{Type: protocol.TypeFileDeleted, ID: node.ID, OrganizationID: node.OrganizationID}
	if node.IsFolder() {
		msg.Type = protocol.TypeFolderDeleted
	}
	s.presence.BroadcastScopes(node.OrganizationID, ids, msg, "")
	return nil
}

// RevertFile appends a new version carrying the content of an earlier one.
// History is never rewritten.
func (s *Service) RevertFile(ctx context.Context, m presence.Member, in protocol.RevertFileVersion) error {
	orgID := s.organizationFor(m, in.OrganizationID)
	fail := func(id string, cause error) error {
		m.Send(protocol.FileRevertError{
			Type:           protocol.TypeFileRevertError,
			ID:             id,
			Error:          fmt.Sprintf("Failed to revert to version %d", in.Version),
			OrganizationID: orgID,
		})
		return cause
	}

	node, err := s.resolveFile(ctx, orgID, in.Path)
	if err != nil {
		return fail(in.Path, err)
	}
	past, err := s.store.GetVersion(ctx, node.ID, in.Version)
	if err != nil {
		return fail(node.ID, lookupError(fmt.Sprintf("version %d", in.Version), err))
	}

	userID := m.Participant().UserID
	version, err := s.store.WriteVersion(ctx, node.ID, past.Content, userID)
	if err != nil {
		return fail(node.ID, fmt.Errorf("write version: %w", err))
	}
	s.logAccess(ctx, m, store.ActionRevert, node.ID)
	s.archiveVersion(node, version.Version, version.Content, userID, fmt.Sprintf("Revert %s to version %d", node.Path, past.Version))

	sessionID := m.Participant().SessionID
	reverted := protocol.FileReverted{
		Type:                protocol.TypeFileReverted,
		ID:                  node.ID,
		Name:                node.Name,
		Content:             version.Content,
		CurrentVersion:      version.Version,
		RevertedFromVersion: past.Version,
		ParentID:            node.ParentID,
		OrganizationID:      node.OrganizationID,
		LastUpdated:         version.CreatedAt,
		SessionID:           sessionID,
	}
	s.presence.BroadcastFile(node.ID, reverted, "")
	if !s.presence.InFile(sessionID, node.ID) {
		m.Send(reverted)
	}
	s.presence.BroadcastOrganization(node.OrganizationID, protocol.FileUpdated{
		Type:           protocol.TypeFileUpdated,
		ID:             node.ID,
		Name:           node.Name,
		ParentID:       node.ParentID,
		OrganizationID: node.OrganizationID,
		Version:        version.Version,
		LastUpdated:    version.CreatedAt,
		SessionID:      sessionID,
	}, "")
	return nil
}

// FileHistory is the versions endpoint payload.
type FileHistory struct {
	ID       string                    `json:"id"`
	Path     string                    `json:"path"`
	Versions []protocol.VersionSummary `json:"versions"`
	Archive  []gitrepo.Commit          `json:"archive,omitempty"`
}

func (s *Service) FileHistory(ctx context.Context, orgID, fileID string) (FileHistory, error) {
	node, err := s.store.GetNode(ctx, fileID)
	if err != nil {
		return FileHistory{}, lookupError("file", err)
	}
	if node.OrganizationID != orgID || node.IsFolder() {
		return FileHistory{}, notFound("file")
	}
	versions, err := s.store.ListVersions(ctx, node.ID)
	if err != nil {
		return FileHistory{}, fmt.Errorf("list versions: %w", err)
	}
	out := FileHistory{ID: node.ID, Path: node.Path, Versions: versionSummaries(versions)}
	if s.archive != nil {
		commits, err := s.archive.History(orgID, node.ID, archiveHistory)
		if err != nil {
			s.logger.Warn("archive history", zap.String("file_id", node.ID), zap.Error(err))
		}
		out.Archive = commits
	}
	return out, nil
}

// OrganizationSessions lists live sessions scoped to orgID. The directory
// is preferred because it spans every server process.
func (s *Service) OrganizationSessions(ctx context.Context, orgID string) ([]session.Record, string) {
	if s.sessions != nil {
		records, err := s.sessions.ListOrganization(ctx, orgID)
		if err == nil {
			return records, "directory"
		}
		s.logger.Warn("list session directory", zap.String("organization_id", orgID), zap.Error(err))
	}
	members := s.presence.OrganizationMembers(orgID)
	records := make([]session.Record, 0, len(members))
	for _, p := range members {
		records = append(records, session.Record{
			SessionID:      p.SessionID,
			UserID:         p.UserID,
			DisplayName:    p.UserName,
			AvatarURL:      p.Avatar,
			OrganizationID: orgID,
		})
	}
	return records, "local"
}

func (s *Service) Search(ctx context.Context, q search.Query) (search.Response, bool) {
	if s.search == nil {
		return search.Response{}, false
	}
	return s.search.Search(ctx, q), true
}

// ReindexOrganization pushes every live node of an organization to the
// search index. It returns the number of nodes sent.
func (s *Service) ReindexOrganization(ctx context.Context, orgID string) (int, error) {
	if s.search == nil {
		return 0, nil
	}
	nodes, err := s.store.ListNodes(ctx, orgID)
	if err != nil {
		return 0, fmt.Errorf("list nodes: %w", err)
	}
	s.search.Reindex(nodeRecords(nodes))
	return len(nodes), nil
}

// Ready reports the health of the store and of the session directory.
func (s *Service) Ready(ctx context.Context) map[string]error {
	checks := map[string]error{"database": s.store.Ping(ctx)}
	if s.sessions != nil {
		checks["redis"] = s.sessions.Ping(ctx)
	}
	return checks
}

// organizationFor prefers the organization named by the intent and falls
// back to the session's scope.
func (s *Service) organizationFor(m presence.Member, requested string) string {
	if orgID := strings.TrimSpace(requested); orgID != "" {
		return orgID
	}
	orgID, _ := s.presence.Organization(m.Participant().SessionID)
	return orgID
}

// resolve finds a live node by materialized path (when ref starts with
// "/") or by id. Nodes outside orgID are reported as missing.
func (s *Service) resolve(ctx context.Context, orgID, ref string) (store.Node, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return store.Node{}, invalid("path is required")
	}
	var (
		node store.Node
		err  error
	)
	if strings.HasPrefix(ref, "/") {
		if orgID == "" {
			return store.Node{}, invalid("organizationId is required to address a path")
		}
		node, err = s.store.GetNodeByPath(ctx, orgID, ref)
	} else {
		node, err = s.store.GetNode(ctx, ref)
	}
	if err != nil {
		return store.Node{}, lookupError("node", err)
	}
	if orgID != "" && node.OrganizationID != orgID {
		return store.Node{}, notFound("node")
	}
	return node, nil
}

func (s *Service) resolveFile(ctx context.Context, orgID, ref string) (store.Node, error) {
	node, err := s.resolve(ctx, orgID, ref)
	if err != nil {
		return node, err
	}
	if node.IsFolder() {
		return store.Node{}, invalid("folders have no content")
	}
	return node, nil
}

func (s *Service) nodeInfo(ctx context.Context, node store.Node) (protocol.NodeInfo, error) {
	info := protocol.NodeInfo{
		Type:           protocol.TypeFolderInfo,
		ID:             node.ID,
		Name:           node.Name,
		ParentID:       node.ParentID,
		OrganizationID: node.OrganizationID,
		Path:           node.Path,
	}
	if node.IsFolder() {
		return info, nil
	}
	content, err := s.store.GetContent(ctx, node.ID)
	if err != nil {
		return protocol.NodeInfo{}, lookupError("file content", err)
	}
	info.Type = protocol.TypeFileInfo
	info.Content = &content.Content
	info.Version = content.Version
	return info, nil
}

func (s *Service) logAccess(ctx context.Context, m presence.Member, action, nodeID string) {
	entry := store.AccessLogEntry{NodeID: nodeID, UserID: m.Participant().UserID, Action: action}
	if err := s.store.AppendAccessLog(ctx, entry); err != nil {
		s.logger.Warn("append access log", zap.String("action", action), zap.String("node_id", nodeID), zap.Error(err))
	}
}

func (s *Service) indexNodes(nodes ...store.Node) {
	if s.search == nil {
		return
	}
	s.search.IndexNodes(nodeRecords(nodes))
}

func nodeRecords(nodes []store.Node) []search.NodeRecord {
	records := make([]search.NodeRecord, 0, len(nodes))
	for _, n := range nodes {
		records = append(records, search.NodeRecord{
			ID:             n.ID,
			Name:           n.Name,
			Path:           n.Path,
			Kind:           n.Kind,
			OrganizationID: n.OrganizationID,
		})
	}
	return records
}

func (s *Service) archiveVersion(node store.Node, version int, content, author, message string) {
	if s.archive == nil {
		return
	}
	entry := gitrepo.Entry{
		OrganizationID: node.OrganizationID,
		FileID:         node.ID,
		Path:           node.Path,
		Version:        version,
		Content:        content,
		Author:         author,
		Message:        message,
	}
	s.enqueue("archive version", func(context.Context) {
		if _, err := s.archive.CommitVersion(entry); err != nil {
			s.logger.Warn("archive version", zap.String("file_id", entry.FileID), zap.Int("version", version), zap.Error(err))
		}
	})
}

func (s *Service) archiveRemoval(node store.Node, author string) {
	if s.archive == nil {
		return
	}
	s.enqueue("archive removal", func(context.Context) {
		if err := s.archive.RemoveFile(node.OrganizationID, node.ID, node.Path, author); err != nil {
			s.logger.Warn("archive removal", zap.String("file_id", node.ID), zap.Error(err))
		}
	})
}

func validateName(raw string) (string, error) {
	name := strings.TrimSpace(raw)
	switch {
	case name == "":
		return "", invalid("name is required")
	case name == "." || name == "..":
		return "", invalid("name is reserved")
	case strings.Contains(name, "/"):
		return "", invalid("name must not contain '/'")
	case len(name) > maxNameLength:
		return "", invalid("name is too long")
	}
	return name, nil
}

func sameParent(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func nodeIDs(nodes []store.Node) []string {
	ids := make([]string, 0, len(nodes))
	for _, n := range nodes {
		ids = append(ids, n.ID)
	}
	return ids
}

func nodeSummary(node store.Node) protocol.NodeSummary {
	return protocol.NodeSummary{
		ID:             node.ID,
		Name:           node.Name,
		Kind:           node.Kind,
		ParentID:       node.ParentID,
		OrganizationID: node.OrganizationID,
		Path:           node.Path,
		Version:        node.Version,
		LastUpdated:    node.UpdatedAt,
	}
}

func versionSummaries(versions []store.FileVersion) []protocol.VersionSummary {
	out := make([]protocol.VersionSummary, 0, len(versions))
	for _, v := range versions {
		out = append(out, protocol.VersionSummary{Version: v.Version, CreatedBy: v.CreatedBy, CreatedAt: v.CreatedAt})
	}
	return out
}
