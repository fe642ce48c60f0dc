package client

import (
	"sort"
	"strings"
	"sync"
	"time"

	"treesync/api/internal/protocol"
	"treesync/api/internal/util"
)

// NodeState tracks where a local node stands relative to the server.
type NodeState int

const (
	// StateSynced nodes mirror the last server event.
	StateSynced NodeState = iota
	// StatePendingCreate placeholders wait for the server's created echo.
	StatePendingCreate
	// StatePendingDelete nodes were deleted locally and wait for the
	// server's confirmation.
	StatePendingDelete
)

func (s NodeState) String() string {
	switch s {
	case StatePendingCreate:
		return "pending_create"
	case StatePendingDelete:
		return "pending_delete"
	default:
		return "synced"
	}
}

// Node is the local view of one file or folder. Content is only tracked
// for the active file.
type Node struct {
	ID          string
	Name        string
	Kind        string
	ParentID    *string
	Path        string
	Version     int
	Content     *string
	LastUpdated time.Time
	State       NodeState
}

func (n Node) IsFolder() bool {
	return n.Kind == protocol.KindFolder
}

// Sender delivers intents to the server.
type Sender interface {
	Send(msg any) bool
}

// Reconciler keeps a local file tree consistent with server events while
// local intents are in flight.
type Reconciler struct {
	sender    Sender
	orgID     string
	sessionID string
	onChange  func()

	mu       sync.Mutex
	nodes    map[string]*Node
	pending  map[string]*placeholder
	fetching map[string]struct{}
	active   string
	roster   []protocol.Participant

	// seq numbers placeholders in issue order. listMarks holds, per
	// outstanding get_files, the last seq issued before it was sent.
	seq       uint64
	listMarks []uint64
}

type placeholder struct {
	node Node
	seq  uint64
}

func NewReconciler(sender Sender, orgID, sessionID string, onChange func()) *Reconciler {
	return &Reconciler{
		sender:    sender,
		orgID:     orgID,
		sessionID: sessionID,
		onChange:  onChange,
		nodes:     map[string]*Node{},
		pending:   map[string]*placeholder{},
		fetching:  map[string]struct{}{},
	}
}

func (r *Reconciler) OrganizationID() string {
	return r.orgID
}

// Resync joins the organization, requests the full listing and rejoins the
// active file. It runs after every (re)connect. The listing settles every
// placeholder issued before it.
func (r *Reconciler) Resync() {
	r.mu.Lock()
	active := r.active
	r.roster = nil
	r.fetching = map[string]struct{}{}
	r.listMarks = []uint64{r.seq}
	r.mu.Unlock()

	r.sender.Send(protocol.JoinOrganization{Type: protocol.TypeJoinOrganization, OrganizationID: r.orgID})
	r.sender.Send(protocol.GetFiles{Type: protocol.TypeGetFiles, OrganizationID: r.orgID})
	if active != "" {
		r.sender.Send(protocol.JoinFile{Type: protocol.TypeJoinFile, ID: active, SessionID: r.sessionID})
	}
}

// Refresh requests the full listing on the current connection.
func (r *Reconciler) Refresh() bool {
	r.mu.Lock()
	r.listMarks = append(r.listMarks, r.seq)
	r.mu.Unlock()
	return r.sender.Send(protocol.GetFiles{Type: protocol.TypeGetFiles, OrganizationID: r.orgID})
}

// Create registers a placeholder and asks the server to create the node.
// It returns the placeholder id. A create that could not be sent leaves no
// placeholder behind.
func (r *Reconciler) Create(kind, name string, parentID *string, content string) (string, bool) {
	typ := protocol.TypeCreateFile
	if kind == protocol.KindFolder {
		typ = protocol.TypeCreateFolder
	}
	p := &placeholder{node: Node{
		ID:          util.NewID("pending"),
		Name:        name,
		Kind:        kind,
		ParentID:    copyID(parentID),
		LastUpdated: time.Now().UTC(),
		State:       StatePendingCreate,
	}}
	id := p.node.ID

	r.mu.Lock()
	p.node.Path = r.childPathLocked(parentID, name)
	r.seq++
	p.seq = r.seq
	r.pending[id] = p
	r.mu.Unlock()
	r.changed()

	ok := r.sender.Send(protocol.CreateNode{
		Type:           typ,
		Name:           name,
		ParentID:       parentID,
		Content:        content,
		OrganizationID: r.orgID,
		SessionID:      r.sessionID,
	})
	if !ok {
		r.mu.Lock()
		delete(r.pending, id)
		r.mu.Unlock()
		r.changed()
		return "", false
	}
	return id, true
}

// Update sends new content. The active file shows it immediately.
func (r *Reconciler) Update(id, content string) bool {
	r.mu.Lock()
	if node, ok := r.nodes[id]; ok && id == r.active {
		node.Content = &content
	}
	r.mu.Unlock()
	return r.sender.Send(protocol.UpdateFile{
		Type:           protocol.TypeUpdateFile,
		Path:           id,
		Content:        &content,
		OrganizationID: r.orgID,
		SessionID:      r.sessionID,
	})
}

func (r *Reconciler) Rename(id, name string) bool {
	typ := protocol.TypeRenameFile
	if r.isFolder(id) {
		typ = protocol.TypeRenameFolder
	}
	return r.sender.Send(protocol.RenameNode{Type: typ, OldPath: id, Name: name, OrganizationID: r.orgID})
}

func (r *Reconciler) Move(id string, parentID *string) bool {
	typ := protocol.TypeMoveFile
	if r.isFolder(id) {
		typ = protocol.TypeMoveFolder
	}
	return r.sender.Send(protocol.MoveNode{Type: typ, OldPath: id, ParentID: parentID, OrganizationID: r.orgID})
}

// Delete marks the node pending and asks the server to delete it.
func (r *Reconciler) Delete(id string) bool {
	r.mu.Lock()
	node, ok := r.nodes[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	node.State = StatePendingDelete
	typ := protocol.TypeDeleteFile
	if node.IsFolder() {
		typ = protocol.TypeDeleteFolder
	}
	r.mu.Unlock()
	r.changed()

	return r.sender.Send(protocol.DeleteNode{Type: typ, Path: id, OrganizationID: r.orgID})
}

// SetActive leaves the previous file room and joins the new one. The
// roster is cleared at once.
func (r *Reconciler) SetActive(id string) {
	r.mu.Lock()
	previous := r.active
	if previous == id {
		r.mu.Unlock()
		return
	}
	if node, ok := r.nodes[previous]; ok {
		node.Content = nil
	}
	r.active = id
	r.roster = nil
	r.mu.Unlock()
	r.changed()

	if previous != "" {
		r.sender.Send(protocol.LeaveFile{Type: protocol.TypeLeaveFile, ID: previous})
	}
	if id != "" {
		r.sender.Send(protocol.JoinFile{Type: protocol.TypeJoinFile, ID: id, SessionID: r.sessionID})
	}
}

// Apply folds one server event into the local tree.
func (r *Reconciler) Apply(event protocol.Event) {
	var fetch []string

	r.mu.Lock()
	switch ev := event.(type) {
	case protocol.FilesList:
		r.applyListLocked(ev)
	case protocol.NodeCreated:
		r.applyCreatedLocked(ev)
	case protocol.NodeInfo:
		r.applyInfoLocked(ev)
	case protocol.FileInfoError:
		delete(r.fetching, ev.ID)
	case protocol.FileUpdated:
		node, ok := r.nodes[ev.ID]
		if !ok {
			fetch = r.needLocked(ev.ID)
			break
		}
		node.Name = ev.Name
		node.ParentID = copyID(ev.ParentID)
		node.Version = ev.Version
		node.LastUpdated = ev.LastUpdated
		if ev.ID == r.active && ev.Content != nil {
			content := *ev.Content
			node.Content = &content
		}
	case protocol.FileReverted:
		node, ok := r.nodes[ev.ID]
		if !ok {
			fetch = r.needLocked(ev.ID)
			break
		}
		node.Version = ev.CurrentVersion
		node.LastUpdated = ev.LastUpdated
		if ev.ID == r.active {
			content := ev.Content
			node.Content = &content
		}
	case protocol.NodeRenamed:
		node, ok := r.nodes[ev.ID]
		if !ok {
			fetch = r.needLocked(ev.ID)
			break
		}
		node.Name = ev.NewName
		node.LastUpdated = ev.LastUpdated
		r.repathLocked(node, ev.Path)
	case protocol.NodeMoved:
		node, ok := r.nodes[ev.ID]
		if !ok {
			fetch = r.needLocked(ev.ID)
			break
		}
		node.ParentID = copyID(ev.NewParentID)
		node.LastUpdated = ev.LastUpdated
		r.repathLocked(node, ev.Path)
	case protocol.NodeDeleted:
		r.removeLocked(ev.ID)
	case protocol.OnlineUsers:
		if ev.ID == r.active {
			r.roster = ev.Participants()
		}
	case protocol.UserJoined:
		if ev.ID == r.active && !r.inRosterLocked(ev.SessionID) {
			r.roster = append(r.roster, protocol.Participant{
				SessionID: ev.SessionID,
				UserID:    ev.UserID,
				UserName:  ev.UserName,
				Avatar:    ev.Avatar,
			})
		}
	case protocol.UserLeft:
		if ev.ID == r.active {
			kept := r.roster[:0]
			for _, p := range r.roster {
				if p.SessionID != ev.SessionID {
					kept = append(kept, p)
				}
			}
			r.roster = kept
		}
	default:
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	for _, id := range fetch {
		r.sender.Send(protocol.GetFileInfo{Type: protocol.TypeGetFileInfo, Path: id, OrganizationID: r.orgID})
	}
	r.changed()
}

// applyListLocked replaces the tree with the server's listing. Nodes
// pending deletion that the server still lists are synced again.
// Placeholders are dropped when the listing holds a matching node or when
// they were issued before the listing was requested; later ones survive.
func (r *Reconciler) applyListLocked(ev protocol.FilesList) {
	if ev.OrganizationID != "" && ev.OrganizationID != r.orgID {
		return
	}
	settled, requested := uint64(0), len(r.listMarks) > 0
	if requested {
		settled = r.listMarks[0]
		r.listMarks = r.listMarks[1:]
	}
	next := make(map[string]*Node, len(ev.Files))
	for _, f := range ev.Files {
		node := &Node{
			ID:          f.ID,
			Name:        f.Name,
			Kind:        f.Kind,
			ParentID:    copyID(f.ParentID),
			Path:        f.Path,
			Version:     f.Version,
			LastUpdated: f.LastUpdated,
			State:       StateSynced,
		}
		if old, ok := r.nodes[f.ID]; ok && f.ID == r.active && old.Version == f.Version {
			node.Content = old.Content
		}
		next[f.ID] = node
	}
	r.nodes = next
	for id, p := range r.pending {
		if (requested && p.seq <= settled) || r.listedLocked(p.node) {
			delete(r.pending, id)
		}
	}
	if _, ok := next[r.active]; !ok && r.active != "" {
		r.active = ""
		r.roster = nil
	}
}

// listedLocked reports whether a synced node matches the placeholder.
func (r *Reconciler) listedLocked(p Node) bool {
	for _, n := range r.nodes {
		if n.Name == p.Name && n.Kind == p.Kind && sameID(n.ParentID, p.ParentID) {
			return true
		}
	}
	return false
}

func (r *Reconciler) applyCreatedLocked(ev protocol.NodeCreated) {
	kind := protocol.KindFile
	if ev.Type == protocol.TypeFolderCreated {
		kind = protocol.KindFolder
	}
	if ev.SessionID != "" && ev.SessionID == r.sessionID {
		for id, p := range r.pending {
			if p.node.Name == ev.Name && p.node.Kind == kind && sameID(p.node.ParentID, ev.ParentID) {
				delete(r.pending, id)
				break
			}
		}
	}

	_, fetching := r.fetching[ev.ID]
	delete(r.fetching, ev.ID)
	if node, ok := r.nodes[ev.ID]; ok || fetching {
		if !ok {
			node = &Node{ID: ev.ID, Kind: kind}
			r.nodes[ev.ID] = node
		}
		node.Name = ev.Name
		node.ParentID = copyID(ev.ParentID)
		node.Path = ev.Path
		node.State = StateSynced
		return
	}
	r.nodes[ev.ID] = &Node{
		ID:          ev.ID,
		Name:        ev.Name,
		Kind:        kind,
		ParentID:    copyID(ev.ParentID),
		Path:        ev.Path,
		Version:     1,
		LastUpdated: time.Now().UTC(),
		State:       StateSynced,
	}
	if kind == protocol.KindFolder {
		r.nodes[ev.ID].Version = 0
	}
}

func (r *Reconciler) applyInfoLocked(ev protocol.NodeInfo) {
	delete(r.fetching, ev.ID)
	delete(r.fetching, ev.Path)
	kind := protocol.KindFile
	if ev.Type == protocol.TypeFolderInfo {
		kind = protocol.KindFolder
	}
	node, ok := r.nodes[ev.ID]
	if !ok {
		node = &Node{ID: ev.ID}
		r.nodes[ev.ID] = node
	}
	node.Name = ev.Name
	node.Kind = kind
	node.ParentID = copyID(ev.ParentID)
	node.Path = ev.Path
	node.Version = ev.Version
	node.State = StateSynced
	if ev.ID == r.active && ev.Content != nil {
		content := *ev.Content
		node.Content = &content
	}
}

// needLocked records a pending fetch for an unknown id. It returns the ids
// to request, empty when a fetch is already outstanding.
func (r *Reconciler) needLocked(id string) []string {
	if _, ok := r.fetching[id]; ok {
		return nil
	}
	r.fetching[id] = struct{}{}
	return []string{id}
}

// repathLocked moves node to newPath and rewrites its descendants.
func (r *Reconciler) repathLocked(node *Node, newPath string) {
	oldPath := node.Path
	node.Path = newPath
	node.State = StateSynced
	if oldPath == "" || oldPath == newPath {
		return
	}
	prefix := oldPath + "/"
	for _, n := range r.nodes {
		if strings.HasPrefix(n.Path, prefix) {
			n.Path = newPath + "/" + strings.TrimPrefix(n.Path, prefix)
		}
	}
}

func (r *Reconciler) removeLocked(id string) {
	node, ok := r.nodes[id]
	if !ok {
		return
	}
	doomed := map[string]struct{}{id: {}}
	prefix := node.Path + "/"
	for otherID, n := range r.nodes {
		if node.Path != "" && strings.HasPrefix(n.Path, prefix) {
			doomed[otherID] = struct{}{}
		}
	}
	for otherID := range doomed {
		delete(r.nodes, otherID)
		delete(r.fetching, otherID)
	}
	if _, ok := doomed[r.active]; ok {
		r.active = ""
		r.roster = nil
	}
}

func (r *Reconciler) inRosterLocked(sessionID string) bool {
	for _, p := range r.roster {
		if p.SessionID == sessionID {
			return true
		}
	}
	return false
}

func (r *Reconciler) childPathLocked(parentID *string, name string) string {
	if parentID == nil {
		return "/" + name
	}
	if parent, ok := r.nodes[*parentID]; ok {
		return parent.Path + "/" + name
	}
	return "/" + name
}

func (r *Reconciler) isFolder(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	node, ok := r.nodes[id]
	return ok && node.IsFolder()
}

func (r *Reconciler) changed() {
	if r.onChange != nil {
		r.onChange()
	}
}

// Snapshot returns every node, placeholders included, sorted by path.
func (r *Reconciler) Snapshot() []Node {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Node, 0, len(r.nodes)+len(r.pending))
	for _, n := range r.nodes {
		out = append(out, cloneNode(n))
	}
	for _, p := range r.pending {
		out = append(out, cloneNode(&p.node))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Path == out[j].Path {
			return out[i].ID < out[j].ID
		}
		return out[i].Path < out[j].Path
	})
	return out
}

func (r *Reconciler) Node(id string) (Node, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.nodes[id]; ok {
		return cloneNode(n), true
	}
	if p, ok := r.pending[id]; ok {
		return cloneNode(&p.node), true
	}
	return Node{}, false
}

// Lookup finds a live node by path.
func (r *Reconciler) Lookup(path string) (Node, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range r.nodes {
		if n.Path == path {
			return cloneNode(n), true
		}
	}
	return Node{}, false
}

func (r *Reconciler) Active() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

func (r *Reconciler) Roster() []protocol.Participant {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.Participant(nil), r.roster...)
}

func cloneNode(n *Node) Node {
	out := *n
	out.ParentID = copyID(n.ParentID)
	if n.Content != nil {
		content := *n.Content
		out.Content = &content
	}
	return out
}

func copyID(id *string) *string {
	if id == nil {
		return nil
	}
	out := *id
	return &out
}

func sameID(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
