// Package control defines the JSON control-plane messages exchanged over an
// established peer connection.
//
// Every message carries a "type" discriminator except application payloads,
// which are recognised by their "subject_id" field instead.
package control

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"syncshell/internal/domain"
)

var (
	ErrNotJSON      = errors.New("control: message is not a JSON object")
	ErrUnrecognized = errors.New("control: message has neither type nor subject_id")
)

type Type string

const (
	TypeMemberListRequest     Type = "member_list_request"
	TypeMemberListResponse    Type = "member_list_response"
	TypeDirectorySyncRequest  Type = "directory_sync_request"
	TypeDirectorySyncResponse Type = "directory_sync_response"
	TypePayloadSyncRequest    Type = "mod_sync_request"
	TypePayloadSyncResponse   Type = "mod_sync_response"
	TypeClientReady           Type = "client_ready"
	TypeMeshJoinRequest       Type = "mesh_join_request"
	TypeMeshJoinResponse      Type = "mesh_join_response"

	// TypeApplicationPayload is never put on the wire; Decode assigns it to
	// untyped messages that carry a subject id.
	TypeApplicationPayload Type = "application_payload"
)

// Entry is one cached application payload on the wire.
type Entry struct {
	SubjectID   domain.SubjectID `json:"subject_id"`
	Payload     []byte           `json:"payload"`
	LastUpdated int64            `json:"last_updated_ms"`
}

// Message is the union of all control-plane messages. Fields not used by a
// given type are omitted from the encoding.
type Message struct {
	Type Type `json:"type,omitempty"`

	RequesterName string   `json:"requester_name,omitempty"`
	PublicKey     string   `json:"public_key,omitempty"`
	Members       []string `json:"members,omitempty"`

	Directory json.RawMessage `json:"directory,omitempty"`
	Entries   []Entry         `json:"entries,omitempty"`

	GroupHash domain.GroupHash `json:"group_hash,omitempty"`
	Nonce     []byte           `json:"nonce,omitempty"`
	Proof     []byte           `json:"proof,omitempty"`
	Accepted  bool             `json:"accepted,omitempty"`
	Reason    string           `json:"reason,omitempty"`

	SubjectID domain.SubjectID `json:"subject_id,omitempty"`
	Payload   []byte           `json:"payload,omitempty"`
}

func MemberListRequest(name, publicKey string) Message {
	return Message{Type: TypeMemberListRequest, RequesterName: name, PublicKey: publicKey}
}

func MemberListResponse(members []string) Message {
	return Message{Type: TypeMemberListResponse, Members: members}
}

func DirectorySyncRequest() Message { return Message{Type: TypeDirectorySyncRequest} }

func DirectorySyncResponse(snapshot []byte) Message {
	return Message{Type: TypeDirectorySyncResponse, Directory: json.RawMessage(snapshot)}
}

func PayloadSyncRequest() Message { return Message{Type: TypePayloadSyncRequest} }

func PayloadSyncResponse(entries []domain.PayloadEntry) Message {
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		out = append(out, FromPayloadEntry(e))
	}
	return Message{Type: TypePayloadSyncResponse, Entries: out}
}

func ClientReady() Message { return Message{Type: TypeClientReady} }

func MeshJoinRequest(hash domain.GroupHash, name, publicKey string, nonce, proof []byte) Message {
	return Message{
		Type:          TypeMeshJoinRequest,
		GroupHash:     hash,
		RequesterName: name,
		PublicKey:     publicKey,
		Nonce:         nonce,
		Proof:         proof,
	}
}

func MeshJoinResponse(accepted bool, reason string) Message {
	return Message{Type: TypeMeshJoinResponse, Accepted: accepted, Reason: reason}
}

// ApplicationPayload builds the untyped payload message.
func ApplicationPayload(subject domain.SubjectID, payload []byte) Message {
	return Message{SubjectID: subject, Payload: payload}
}

func FromPayloadEntry(e domain.PayloadEntry) Entry {
	return Entry{SubjectID: e.SubjectID, Payload: e.Payload, LastUpdated: e.LastUpdated.UnixMilli()}
}

func (e Entry) PayloadEntry() domain.PayloadEntry {
	return domain.PayloadEntry{
		SubjectID:   e.SubjectID,
		Payload:     e.Payload,
		LastUpdated: time.UnixMilli(e.LastUpdated).UTC(),
	}
}

// Encode renders m as UTF-8 JSON.
func Encode(m Message) ([]byte, error) {
	if m.Type == TypeApplicationPayload {
		m.Type = ""
	}
	return json.Marshal(m)
}

// Decode parses b. A message whose type is missing or not known but which
// carries a subject id becomes TypeApplicationPayload. Other unknown types
// are returned as-is for the caller to reject.
func Decode(b []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrNotJSON, err)
	}
	switch {
	case m.Type == "" && m.SubjectID == "":
		return Message{}, ErrUnrecognized
	case m.SubjectID != "" && !Known(m.Type):
		m.Type = TypeApplicationPayload
	}
	return m, nil
}

// Known reports whether t is a message type this build understands.
func Known(t Type) bool {
	switch t {
	case TypeMemberListRequest, TypeMemberListResponse,
		TypeDirectorySyncRequest, TypeDirectorySyncResponse,
		TypePayloadSyncRequest, TypePayloadSyncResponse,
		TypeClientReady, TypeMeshJoinRequest, TypeMeshJoinResponse,
		TypeApplicationPayload:
		return true
	}
	return false
}
