package models

import (
	"bytes"
	"encoding/json"
	"errors"
)

// Inbound event names.
const (
	EventJoinRoom           = "join-room"
	EventCodeChange         = "code-change"
	EventSendMessage        = "send-message"
	EventJoinDoubtChat      = "join-doubt-chat"
	EventJoinTutorLobby     = "join-tutor-lobby"
	EventJoinUserLobby      = "join-user-lobby"
	EventSendDoubt          = "send-doubt"
	EventJoinSupportChat    = "join-support-chat"
	EventSendSupportMessage = "send-support-message"
	EventLeaveRoom          = "leave-room"
)

// Outbound event names.
const (
	EventJoined                 = "joined"
	EventRoomError              = "room-error"
	EventReceiveCode            = "receive-code"
	EventReceiveMessage         = "receive-message"
	EventReceiveDoubt           = "receive-doubt"
	EventNewMessageNotification = "new-message-notification"
	EventReceiveSupportMessage  = "receive-support-message"
	EventError                  = "error"
)

// Human readable messages carried by joined / room-error.
const (
	MsgRoomCreated     = "Room created"
	MsgJoinedRoom      = "Joined room"
	MsgInvalidPassword = "Invalid room password"
	MsgRoomLimit       = "Room limit reached"
	MsgRoomUnavailable = "Room unavailable"
)

// Error codes carried by outbound error frames.
const (
	CodeUnknownType    = "unknown_type"
	CodeInvalidFrame   = "invalid_frame"
	CodeInvalidPayload = "invalid_payload"
	CodeNotAMember     = "not_a_member"
	CodeForbidden      = "forbidden"
	CodeLimitReached   = "limit_reached"
)

var ErrUnknownEvent = errors.New(CodeUnknownType)

// WSFrame is the outbound wire envelope.
type WSFrame struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// InboundFrame is the inbound wire envelope; Data is decoded per event.
type InboundFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// ID is an opaque identifier. JSON strings and numbers are both accepted so
// numeric ids coming from the HTTP layer land on the same room keys.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return errors.New("id must be a string or a number")
	}
	*id = ID(n.String())
	return nil
}

func (id ID) String() string { return string(id) }

func DoubtRoomKey(courseID, studentID, tutorID ID) string {
	return "doubt_" + string(courseID) + "_" + string(studentID) + "_" + string(tutorID)
}

func TutorLobbyKey(tutorID ID) string { return "tutor_lobby_" + string(tutorID) }

func UserLobbyKey(userID ID) string { return "user_lobby_" + string(userID) }

// RecipientLobby returns the lobby of the party that did not send the doubt.
func RecipientLobby(p DoubtPayload) string {
	if p.SenderID == p.StudentID {
		return TutorLobbyKey(p.TutorID)
	}
	return UserLobbyKey(p.StudentID)
}

func JoinedFrame(msg string) WSFrame    { return WSFrame{Type: EventJoined, Data: msg} }
func RoomErrorFrame(msg string) WSFrame { return WSFrame{Type: EventRoomError, Data: msg} }
func ErrorFrame(code string) WSFrame    { return WSFrame{Type: EventError, Data: code} }
