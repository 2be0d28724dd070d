package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// MaxPasswordBytes is the longest password bcrypt accepts.
const MaxPasswordBytes = 72

// Inbound is one decoded and validated client event.
type Inbound interface {
	Event() string
}

type JoinRoom struct {
	RoomID   ID     `json:"roomId" validate:"required,max=128"`
	Password string `json:"password" validate:"max=72"`
}

type CodeChange struct {
	RoomID ID     `json:"roomId" validate:"required,max=128"`
	Code   string `json:"code"`
}

// SendMessage keeps the raw payload so it can be echoed verbatim.
type SendMessage struct {
	RoomID  ID     `json:"roomId" validate:"required,max=128"`
	Message string `json:"message" validate:"required"`
	Sender  string `json:"sender"`

	Raw json.RawMessage `json:"-"`
}

type JoinDoubtChat struct {
	CourseID  ID `json:"courseId" validate:"required,max=128"`
	StudentID ID `json:"studentId" validate:"required,max=128"`
	TutorID   ID `json:"tutorId" validate:"required,max=128"`
}

type JoinTutorLobby struct {
	TutorID ID `json:"tutorId" validate:"required,max=128"`
}

type JoinUserLobby struct {
	UserID ID `json:"userId" validate:"required,max=128"`
}

// DoubtPayload holds the routing fields of a send-doubt. Raw is the object as
// the client sent it; Stamped turns it into the outbound payload.
type DoubtPayload struct {
	CourseID    ID     `json:"courseId" validate:"required,max=128"`
	StudentID   ID     `json:"studentId" validate:"required,max=128"`
	TutorID     ID     `json:"tutorId" validate:"required,max=128"`
	Message     string `json:"message" validate:"required"`
	SenderID    ID     `json:"senderId" validate:"required,max=128"`
	SenderName  string `json:"senderName"`
	CourseTitle string `json:"courseTitle"`
	StudentName string `json:"studentName"`
	TutorName   string `json:"tutorName"`

	Raw json.RawMessage `json:"-"`
}

// Stamped returns the client's object with every field untouched except
// time, which is replaced by the server's stamp.
func (p DoubtPayload) Stamped(at string) (json.RawMessage, error) {
	fields := map[string]json.RawMessage{}
	if len(p.Raw) > 0 {
		if err := json.Unmarshal(p.Raw, &fields); err != nil {
			return nil, fmt.Errorf("decode doubt payload: %w", err)
		}
	}
	stamp, err := json.Marshal(at)
	if err != nil {
		return nil, err
	}
	fields["time"] = stamp
	return json.Marshal(fields)
}

type JoinSupportChat struct {
	UserID ID `json:"userId" validate:"required,max=128"`
}

type SendSupportMessage struct {
	UserID  ID     `json:"userId" validate:"required,max=128"`
	Message string `json:"message" validate:"required"`
	Sender  string `json:"sender"`

	Raw json.RawMessage `json:"-"`
}

type LeaveRoom struct {
	RoomID ID `json:"roomId" validate:"required,max=128"`
}

func (JoinRoom) Event() string           { return EventJoinRoom }
func (CodeChange) Event() string         { return EventCodeChange }
func (SendMessage) Event() string        { return EventSendMessage }
func (JoinDoubtChat) Event() string      { return EventJoinDoubtChat }
func (JoinTutorLobby) Event() string     { return EventJoinTutorLobby }
func (JoinUserLobby) Event() string      { return EventJoinUserLobby }
func (DoubtPayload) Event() string       { return EventSendDoubt }
func (JoinSupportChat) Event() string    { return EventJoinSupportChat }
func (SendSupportMessage) Event() string { return EventSendSupportMessage }
func (LeaveRoom) Event() string          { return EventLeaveRoom }

// PayloadError reports a payload that failed decoding or validation.
type PayloadError struct {
	Event string
	Field string
	Err   error
}

func (e *PayloadError) Error() string {
	if e.Field == "" {
		return CodeInvalidPayload
	}
	return CodeInvalidPayload + ": " + e.Field
}

func (e *PayloadError) Unwrap() error { return e.Err }

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// ParseInbound decodes frame.Data into the payload type of frame.Type and
// validates it. Unknown events return ErrUnknownEvent.
func ParseInbound(frame InboundFrame) (Inbound, error) {
	switch frame.Type {
	case EventJoinRoom:
		p, err := decodeObject[JoinRoom](frame)
		if err == nil && len(p.Password) > MaxPasswordBytes {
			return nil, &PayloadError{Event: frame.Type, Field: "password", Err: errors.New("password too long")}
		}
		return p, err
	case EventCodeChange:
		return decodeObject[CodeChange](frame)
	case EventSendMessage:
		p, err := decodeObject[SendMessage](frame)
		if err != nil {
			return nil, err
		}
		p.Raw = append(json.RawMessage(nil), frame.Data...)
		return p, nil
	case EventJoinDoubtChat:
		return decodeObject[JoinDoubtChat](frame)
	case EventJoinTutorLobby:
		id, err := decodeID(frame, "tutorId")
		return JoinTutorLobby{TutorID: id}, err
	case EventJoinUserLobby:
		id, err := decodeID(frame, "userId")
		return JoinUserLobby{UserID: id}, err
	case EventSendDoubt:
		p, err := decodeObject[DoubtPayload](frame)
		if err != nil {
			return nil, err
		}
		p.Raw = append(json.RawMessage(nil), frame.Data...)
		return p, nil
	case EventJoinSupportChat:
		id, err := decodeID(frame, "userId")
		return JoinSupportChat{UserID: id}, err
	case EventSendSupportMessage:
		p, err := decodeObject[SendSupportMessage](frame)
		if err != nil {
			return nil, err
		}
		p.Raw = append(json.RawMessage(nil), frame.Data...)
		return p, nil
	case EventLeaveRoom:
		id, err := decodeID(frame, "roomId")
		return LeaveRoom{RoomID: id}, err
	default:
		return nil, ErrUnknownEvent
	}
}

func decodeObject[T any](frame InboundFrame) (T, error) {
	var p T
	if len(frame.Data) == 0 {
		return p, &PayloadError{Event: frame.Type, Err: errors.New("missing data")}
	}
	if err := json.Unmarshal(frame.Data, &p); err != nil {
		return p, &PayloadError{Event: frame.Type, Err: err}
	}
	if err := validate.Struct(p); err != nil {
		return p, toPayloadError(frame.Type, err)
	}
	return p, nil
}

// decodeID reads a bare id payload. An object carrying the id under field is
// accepted as well, for clients that always send objects.
func decodeID(frame InboundFrame, field string) (ID, error) {
	var id ID
	if err := json.Unmarshal(frame.Data, &id); err != nil {
		var wrapped map[string]ID
		if objErr := json.Unmarshal(frame.Data, &wrapped); objErr != nil {
			return "", &PayloadError{Event: frame.Type, Field: field, Err: err}
		}
		id = wrapped[field]
	}
	if err := validate.Var(string(id), "required,max=128"); err != nil {
		return "", &PayloadError{Event: frame.Type, Field: field, Err: err}
	}
	return id, nil
}

func toPayloadError(event string, err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		return &PayloadError{Event: event, Field: verrs[0].Field(), Err: err}
	}
	return &PayloadError{Event: event, Err: fmt.Errorf("validate: %w", err)}
}
