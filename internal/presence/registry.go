// Package presence tracks which sessions are viewing which files and which
// organization each session is scoped to, and fans messages out to them.
package presence

import (
	"sort"
	"sync"

	"treesync/api/internal/protocol"
)

// Member is one live session as seen by the registry. Send must not block
// and must not call back into the registry.
type Member interface {
	Participant() protocol.Participant
	Send(msg any) bool
}

type fileRoom struct {
	path    string
	members map[string]Member
	order   []string
	users   map[string]int
}

func newFileRoom(path string) *fileRoom {
	return &fileRoom{path: path, members: map[string]Member{}, users: map[string]int{}}
}

func (r *fileRoom) roster() []protocol.Participant {
	out := make([]protocol.Participant, 0, len(r.order))
	for _, sessionID := range r.order {
		out = append(out, r.members[sessionID].Participant())
	}
	return out
}

func (r *fileRoom) others(sessionID string) []Member {
	out := make([]Member, 0, len(r.order))
	for _, id := range r.order {
		if id != sessionID {
			out = append(out, r.members[id])
		}
	}
	return out
}

// RoomInfo summarizes one file room for diagnostics.
type RoomInfo struct {
	FileID   string   `json:"fileId"`
	Path     string   `json:"path"`
	Sessions []string `json:"sessions"`
	Users    []string `json:"users"`
}

// Registry holds file rooms and organization scopes. Rooms are created on
// first join and removed when their last member leaves.
type Registry struct {
	mu          sync.Mutex
	files       map[string]*fileRoom
	orgs        map[string]map[string]Member
	memberOrg   map[string]string
	memberFiles map[string]map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		files:       map[string]*fileRoom{},
		orgs:        map[string]map[string]Member{},
		memberOrg:   map[string]string{},
		memberFiles: map[string]map[string]struct{}{},
	}
}

// JoinFile adds member to the room of fileID. The snapshot, when non-nil,
// is sent to the joining member before the roster. Other members receive
// user_joined unless the session was already present.
func (r *Registry) JoinFile(member Member, fileID, path string, snapshot any) {
	p := member.Participant()

	r.mu.Lock()
	room, ok := r.files[fileID]
	if !ok {
		room = newFileRoom(path)
		r.files[fileID] = room
	}
	if path != "" {
		room.path = path
	}
	_, rejoin := room.members[p.SessionID]
	room.members[p.SessionID] = member
	if !rejoin {
		room.order = append(room.order, p.SessionID)
		room.users[p.UserID]++
	}
	if r.memberFiles[p.SessionID] == nil {
		r.memberFiles[p.SessionID] = map[string]struct{}{}
	}
	r.memberFiles[p.SessionID][fileID] = struct{}{}
	roster := protocol.NewOnlineUsers(fileID, room.path, room.roster())
	others := room.others(p.SessionID)
	joined := protocol.UserJoined{
		Type:      protocol.TypeUserJoined,
		Path:      room.path,
		ID:        fileID,
		UserID:    p.UserID,
		UserName:  p.UserName,
		Avatar:    p.Avatar,
		SessionID: p.SessionID,
	}
	r.mu.Unlock()

	if snapshot != nil {
		member.Send(snapshot)
	}
	member.Send(roster)
	if rejoin {
		return
	}
	for _, other := range others {
		other.Send(joined)
	}
}

// LeaveFile removes member from the room of fileID and tells the remaining
// members. It reports whether the member was in the room.
func (r *Registry) LeaveFile(member Member, fileID string) bool {
	p := member.Participant()

	r.mu.Lock()
	left, others, ok := r.leaveFileLocked(p, fileID)
	r.mu.Unlock()

	if !ok {
		return false
	}
	for _, other := range others {
		other.Send(left)
	}
	return true
}

func (r *Registry) leaveFileLocked(p protocol.Participant, fileID string) (protocol.UserLeft, []Member, bool) {
	room, ok := r.files[fileID]
	if !ok {
		return protocol.UserLeft{}, nil, false
	}
	if _, ok := room.members[p.SessionID]; !ok {
		return protocol.UserLeft{}, nil, false
	}
	delete(room.members, p.SessionID)
	for i, id := range room.order {
		if id == p.SessionID {
			room.order = append(room.order[:i], room.order[i+1:]...)
			break
		}
	}
	if room.users[p.UserID]--; room.users[p.UserID] <= 0 {
		delete(room.users, p.UserID)
	}
	if files := r.memberFiles[p.SessionID]; files != nil {
		delete(files, fileID)
		if len(files) == 0 {
			delete(r.memberFiles, p.SessionID)
		}
	}
	left := protocol.UserLeft{
		Type:      protocol.TypeUserLeft,
		Path:      room.path,
		ID:        fileID,
		UserID:    p.UserID,
		SessionID: p.SessionID,
	}
	others := room.others(p.SessionID)
	if len(room.members) == 0 {
		delete(r.files, fileID)
	}
	return left, others, true
}

// JoinOrganization scopes member to orgID, leaving any previous scope.
func (r *Registry) JoinOrganization(member Member, orgID string) {
	sessionID := member.Participant().SessionID

	r.mu.Lock()
	defer r.mu.Unlock()

	if previous, ok := r.memberOrg[sessionID]; ok && previous != orgID {
		r.leaveOrganizationLocked(sessionID, previous)
	}
	scope, ok := r.orgs[orgID]
	if !ok {
		scope = map[string]Member{}
		r.orgs[orgID] = scope
	}
	scope[sessionID] = member
	r.memberOrg[sessionID] = orgID
}

func (r *Registry) LeaveOrganization(member Member) {
	sessionID := member.Participant().SessionID

	r.mu.Lock()
	defer r.mu.Unlock()

	if orgID, ok := r.memberOrg[sessionID]; ok {
		r.leaveOrganizationLocked(sessionID, orgID)
	}
}

func (r *Registry) leaveOrganizationLocked(sessionID, orgID string) {
	delete(r.memberOrg, sessionID)
	scope := r.orgs[orgID]
	delete(scope, sessionID)
	if len(scope) == 0 {
		delete(r.orgs, orgID)
	}
}

// Disconnect removes member from every room and scope, notifying each file
// room as if the member had left explicitly.
func (r *Registry) Disconnect(member Member) {
	p := member.Participant()

	type notice struct {
		msg    protocol.UserLeft
		others []Member
	}

	r.mu.Lock()
	fileIDs := make([]string, 0, len(r.memberFiles[p.SessionID]))
	for fileID := range r.memberFiles[p.SessionID] {
		fileIDs = append(fileIDs, fileID)
	}
	sort.Strings(fileIDs)
	notices := make([]notice, 0, len(fileIDs))
	for _, fileID := range fileIDs {
		if left, others, ok := r.leaveFileLocked(p, fileID); ok {
			notices = append(notices, notice{msg: left, others: others})
		}
	}
	if orgID, ok := r.memberOrg[p.SessionID]; ok {
		r.leaveOrganizationLocked(p.SessionID, orgID)
	}
	r.mu.Unlock()

	for _, n := range notices {
		for _, other := range n.others {
			other.Send(n.msg)
		}
	}
}

// BroadcastFile sends msg to every member of the file room except the
// session excludeSessionID. It returns the number of members reached.
func (r *Registry) BroadcastFile(fileID string, msg any, excludeSessionID string) int {
	r.mu.Lock()
	var targets []Member
	if room, ok := r.files[fileID]; ok {
		targets = room.others(excludeSessionID)
	}
	r.mu.Unlock()
	return deliver(targets, msg)
}

// BroadcastOrganization sends msg to every session scoped to orgID except
// excludeSessionID.
func (r *Registry) BroadcastOrganization(orgID string, msg any, excludeSessionID string) int {
	r.mu.Lock()
	targets := make([]Member, 0, len(r.orgs[orgID]))
	for sessionID, member := range r.orgs[orgID] {
		if sessionID != excludeSessionID {
			targets = append(targets, member)
		}
	}
	r.mu.Unlock()
	return deliver(targets, msg)
}

// BroadcastScopes sends msg once to every session that is in the
// organization scope or in any of the file rooms.
func (r *Registry) BroadcastScopes(orgID string, fileIDs []string, msg any, excludeSessionID string) int {
	r.mu.Lock()
	seen := map[string]struct{}{excludeSessionID: {}}
	var targets []Member
	add := func(sessionID string, member Member) {
		if _, ok := seen[sessionID]; ok {
			return
		}
		seen[sessionID] = struct{}{}
		targets = append(targets, member)
	}
	for _, fileID := range fileIDs {
		if room, ok := r.files[fileID]; ok {
			for _, sessionID := range room.order {
				add(sessionID, room.members[sessionID])
			}
		}
	}
	for sessionID, member := range r.orgs[orgID] {
		add(sessionID, member)
	}
	r.mu.Unlock()
	return deliver(targets, msg)
}

func deliver(targets []Member, msg any) int {
	sent := 0
	for _, member := range targets {
		if member.Send(msg) {
			sent++
		}
	}
	return sent
}

// SetFilePath updates the path reported for a file room after a rename or
// move.
func (r *Registry) SetFilePath(fileID, path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if room, ok := r.files[fileID]; ok {
		room.path = path
	}
}

// InFile reports whether the session is in the room of fileID.
func (r *Registry) InFile(sessionID, fileID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.files[fileID]
	if !ok {
		return false
	}
	_, ok = room.members[sessionID]
	return ok
}

// Organization returns the organization scope of the session, if any.
func (r *Registry) Organization(sessionID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	orgID, ok := r.memberOrg[sessionID]
	return orgID, ok
}

// Files returns the file rooms the session is in, sorted.
func (r *Registry) Files(sessionID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.memberFiles[sessionID]))
	for fileID := range r.memberFiles[sessionID] {
		out = append(out, fileID)
	}
	sort.Strings(out)
	return out
}

// Roster returns the participants of a file in join order.
func (r *Registry) Roster(fileID string) []protocol.Participant {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.files[fileID]
	if !ok {
		return []protocol.Participant{}
	}
	return room.roster()
}

// PresentUsers returns the distinct user ids viewing a file, sorted.
func (r *Registry) PresentUsers(fileID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.files[fileID]
	if !ok {
		return []string{}
	}
	out := make([]string, 0, len(room.users))
	for userID := range room.users {
		out = append(out, userID)
	}
	sort.Strings(out)
	return out
}

// OrganizationMembers returns the participants scoped to orgID, sorted by
// session id.
func (r *Registry) OrganizationMembers(orgID string) []protocol.Participant {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]protocol.Participant, 0, len(r.orgs[orgID]))
	for _, member := range r.orgs[orgID] {
		out = append(out, member.Participant())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// FileRooms lists every live file room, sorted by file id.
func (r *Registry) FileRooms() []RoomInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RoomInfo, 0, len(r.files))
	for fileID, room := range r.files {
		info := RoomInfo{FileID: fileID, Path: room.path, Sessions: append([]string(nil), room.order...)}
		for userID := range room.users {
			info.Users = append(info.Users, userID)
		}
		sort.Strings(info.Users)
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FileID < out[j].FileID })
	return out
}
