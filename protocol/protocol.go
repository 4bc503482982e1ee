package protocol

import (
	"encoding/json"
	"fmt"
)

// Every frame on the wire is a json envelope with a closed set of type tags.
// The envelope is field-tagged and forward-extensible: unknown fields are
// ignored on decode, unknown type tags are an error the caller drops.

type MessageType string

const (
	MessageTypeJoin             MessageType = "join"
	MessageTypeJoinAck          MessageType = "join_ack"
	MessageTypeUserJoined       MessageType = "user_joined"
	MessageTypeUserLeft         MessageType = "user_left"
	MessageTypeHeartbeat        MessageType = "heartbeat"
	MessageTypeFileManifest     MessageType = "file_manifest"
	MessageTypeFileRequest      MessageType = "file_request"
	MessageTypeFileContent      MessageType = "file_content"
	MessageTypeFileCreate       MessageType = "file_create"
	MessageTypeFileDelete       MessageType = "file_delete"
	MessageTypeFileRename       MessageType = "file_rename"
	MessageTypeFileSave         MessageType = "file_save"
	MessageTypeDocEdit          MessageType = "doc_edit"
	MessageTypeCursorUpdate     MessageType = "cursor_update"
	MessageTypeActiveFileChange MessageType = "active_file_change"
	MessageTypeError            MessageType = "error"
)

type Position struct {
	Line int `json:"line"`
	Char int `json:"char"`
}

type Selection struct {
	StartLine int `json:"startLine"`
	StartChar int `json:"startChar"`
	EndLine   int `json:"endLine"`
	EndChar   int `json:"endChar"`
}

type UserInfo struct {
	UserId     string      `json:"userId"`
	Username   string      `json:"username"`
	Color      string      `json:"color"`
	ActiveFile string      `json:"activeFile,omitempty"`
	Cursor     *Position   `json:"cursor,omitempty"`
	Selections []Selection `json:"selections,omitempty"`
}

// manifest entry. The hash is a hex sha256 of the file content.
type FileInfo struct {
	Path string `json:"path"`
	Hash string `json:"hash"`
	Size int64  `json:"size"`
}

// one atomic replacement relative to the document state before any change in
// the same message is applied. Either the line/char range or the flat
// offset/length form is set; the flat form is for buffers without line indices.
type TextChange struct {
	StartLine int    `json:"startLine"`
	StartChar int    `json:"startChar"`
	EndLine   int    `json:"endLine"`
	EndChar   int    `json:"endChar"`
	Text      string `json:"text"`
	Offset    *int   `json:"offset,omitempty"`
	Length    *int   `json:"length,omitempty"`
}

type Join struct {
	UserId   string `json:"userId"`
	Username string `json:"username"`
}

// roster snapshot sent only to the joining peer
type JoinAck struct {
	UserId string     `json:"userId"`
	Users  []UserInfo `json:"users"`
}

type UserJoined struct {
	User UserInfo `json:"user"`
}

type UserLeft struct {
	UserId string `json:"userId"`
}

type Heartbeat struct{}

type FileManifest struct {
	Files []FileInfo `json:"files"`
}

type FileRequest struct {
	Paths []string `json:"paths"`
}

// Content is utf-8 text, or base64 when Binary is set.
type FileData struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Binary  bool   `json:"binary,omitempty"`
}

type FileContent struct {
	Files []FileData `json:"files"`
}

type FileCreate struct {
	Path    string `json:"path"`
	Content string `json:"content,omitempty"`
	Binary  bool   `json:"binary,omitempty"`
}

type FileDelete struct {
	Path string `json:"path"`
}

type FileRename struct {
	OldPath string `json:"oldPath"`
	NewPath string `json:"newPath"`
}

type FileSave struct {
	Path string `json:"path"`
}

type DocEdit struct {
	Path    string       `json:"path"`
	Version int64        `json:"version"`
	Changes []TextChange `json:"changes"`
}

type CursorUpdate struct {
	Path       string      `json:"path,omitempty"`
	Cursor     *Position   `json:"cursor,omitempty"`
	Selections []Selection `json:"selections,omitempty"`
}

type ActiveFileChange struct {
	Path string `json:"path"`
}

type Error struct {
	Message string `json:"message"`
}

type envelope struct {
	Type    MessageType     `json:"type"`
	UserId  string          `json:"userId,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func TypeOf(message any) (MessageType, error) {
	switch v := message.(type) {
	case *Join:
		return MessageTypeJoin, nil
	case *JoinAck:
		return MessageTypeJoinAck, nil
	case *UserJoined:
		return MessageTypeUserJoined, nil
	case *UserLeft:
		return MessageTypeUserLeft, nil
	case *Heartbeat:
		return MessageTypeHeartbeat, nil
	case *FileManifest:
		return MessageTypeFileManifest, nil
	case *FileRequest:
		return MessageTypeFileRequest, nil
	case *FileContent:
		return MessageTypeFileContent, nil
	case *FileCreate:
		return MessageTypeFileCreate, nil
	case *FileDelete:
		return MessageTypeFileDelete, nil
	case *FileRename:
		return MessageTypeFileRename, nil
	case *FileSave:
		return MessageTypeFileSave, nil
	case *DocEdit:
		return MessageTypeDocEdit, nil
	case *CursorUpdate:
		return MessageTypeCursorUpdate, nil
	case *ActiveFileChange:
		return MessageTypeActiveFileChange, nil
	case *Error:
		return MessageTypeError, nil
	default:
		return "", fmt.Errorf("Unknown message type: %T", v)
	}
}

func Encode(userId string, message any) ([]byte, error) {
	messageType, err := TypeOf(message)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, err
	}
	return json.Marshal(&envelope{
		Type:    messageType,
		UserId:  userId,
		Payload: payload,
	})
}

func RequireEncode(userId string, message any) []byte {
	b, err := Encode(userId, message)
	if err != nil {
		panic(err)
	}
	return b
}

// Decode parses one frame. It returns an error for malformed json, unknown
// tags and bad payloads; it never panics. Callers log and drop bad frames.
func Decode(b []byte) (string, any, error) {
	var e envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return "", nil, err
	}
	var message any
	switch e.Type {
	case MessageTypeJoin:
		message = &Join{}
	case MessageTypeJoinAck:
		message = &JoinAck{}
	case MessageTypeUserJoined:
		message = &UserJoined{}
	case MessageTypeUserLeft:
		message = &UserLeft{}
	case MessageTypeHeartbeat:
		message = &Heartbeat{}
	case MessageTypeFileManifest:
		message = &FileManifest{}
	case MessageTypeFileRequest:
		message = &FileRequest{}
	case MessageTypeFileContent:
		message = &FileContent{}
	case MessageTypeFileCreate:
		message = &FileCreate{}
	case MessageTypeFileDelete:
		message = &FileDelete{}
	case MessageTypeFileRename:
		message = &FileRename{}
	case MessageTypeFileSave:
		message = &FileSave{}
	case MessageTypeDocEdit:
		message = &DocEdit{}
	case MessageTypeCursorUpdate:
		message = &CursorUpdate{}
	case MessageTypeActiveFileChange:
		message = &ActiveFileChange{}
	case MessageTypeError:
		message = &Error{}
	default:
		return "", nil, fmt.Errorf("Unknown message type: %s", e.Type)
	}
	if len(e.Payload) != 0 {
		if err := json.Unmarshal(e.Payload, message); err != nil {
			return "", nil, err
		}
	}
	return e.UserId, message, nil
}
