package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrMalformed   = errors.New("malformed message")
	ErrUnknownType = errors.New("unknown message type")
)

// Intent is a message a client sends to the server. The set of
// implementations is closed to this package.
type Intent interface {
	intent()
}

func (JoinOrganization) intent()  {}
func (GetFiles) intent()          {}
func (JoinFile) intent()          {}
func (LeaveFile) intent()         {}
func (GetFileInfo) intent()       {}
func (GetFileVersions) intent()   {}
func (CreateNode) intent()        {}
func (UpdateFile) intent()        {}
func (DeleteNode) intent()        {}
func (RenameNode) intent()        {}
func (MoveNode) intent()          {}
func (RevertFileVersion) intent() {}
func (Ping) intent()              {}
func (Pong) intent()              {}

// Event is a message the server sends to a client. The set of
// implementations is closed to this package.
type Event interface {
	event()
}

func (FilesList) event()       {}
func (NodeInfo) event()        {}
func (FileInfoError) event()   {}
func (FileVersions) event()    {}
func (NodeCreated) event()     {}
func (FileUpdated) event()     {}
func (NodeDeleted) event()     {}
func (NodeRenamed) event()     {}
func (NodeMoved) event()       {}
func (FileReverted) event()    {}
func (FileRevertError) event() {}
func (OnlineUsers) event()     {}
func (UserJoined) event()      {}
func (UserLeft) event()        {}
func (Ping) event()            {}
func (Pong) event()            {}

// Decode parses a client frame into its intent.
func Decode(raw []byte) (Intent, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch env.Type {
	case TypeJoinOrganization:
		return decodeAs[JoinOrganization](raw)
	case TypeGetFiles:
		return decodeAs[GetFiles](raw)
	case TypeJoinFile:
		return decodeAs[JoinFile](raw)
	case TypeLeaveFile:
		return decodeAs[LeaveFile](raw)
	case TypeGetFileInfo:
		return decodeAs[GetFileInfo](raw)
	case TypeGetFileVersions:
		return decodeAs[GetFileVersions](raw)
	case TypeCreateFile, TypeCreateFolder:
		return decodeAs[CreateNode](raw)
	case TypeUpdateFile:
		return decodeAs[UpdateFile](raw)
	case TypeDeleteFile, TypeDeleteFolder:
		return decodeAs[DeleteNode](raw)
	case TypeRenameFile, TypeRenameFolder:
		return decodeAs[RenameNode](raw)
	case TypeMoveFile, TypeMoveFolder:
		return decodeAs[MoveNode](raw)
	case TypeRevertFileVersion:
		return decodeAs[RevertFileVersion](raw)
	case TypePing:
		return decodeAs[Ping](raw)
	case TypePong:
		return decodeAs[Pong](raw)
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

// DecodeEvent parses a server frame into its event.
func DecodeEvent(raw []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch env.Type {
	case TypeFilesList:
		return decodeAs[FilesList](raw)
	case TypeFileInfo, TypeFolderInfo:
		return decodeAs[NodeInfo](raw)
	case TypeFileInfoError:
		return decodeAs[FileInfoError](raw)
	case TypeFileVersions:
		return decodeAs[FileVersions](raw)
	case TypeFileCreated, TypeFolderCreated:
		return decodeAs[NodeCreated](raw)
	case TypeFileUpdated:
		return decodeAs[FileUpdated](raw)
	case TypeFileDeleted, TypeFolderDeleted:
		return decodeAs[NodeDeleted](raw)
	case TypeFileRenamed, TypeFolderRenamed:
		return decodeAs[NodeRenamed](raw)
	case TypeFileMoved, TypeFolderMoved:
		return decodeAs[NodeMoved](raw)
	case TypeFileReverted:
		return decodeAs[FileReverted](raw)
	case TypeFileRevertError:
		return decodeAs[FileRevertError](raw)
	case TypeOnlineUsers:
		return decodeAs[OnlineUsers](raw)
	case TypeUserJoined:
		return decodeAs[UserJoined](raw)
	case TypeUserLeft:
		return decodeAs[UserLeft](raw)
	case TypePing:
		return decodeAs[Ping](raw)
	case TypePong:
		return decodeAs[Pong](raw)
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

func decodeAs[T any](raw []byte) (T, error) {
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return out, nil
}

// IsFolderType reports whether t addresses a folder rather than a file.
func IsFolderType(t Type) bool {
	switch t {
	case TypeCreateFolder, TypeDeleteFolder, TypeRenameFolder, TypeMoveFolder,
		TypeFolderInfo, TypeFolderCreated, TypeFolderDeleted, TypeFolderRenamed, TypeFolderMoved:
		return true
	default:
		return false
	}
}
