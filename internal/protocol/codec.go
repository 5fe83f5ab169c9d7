package protocol

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// ErrMalformedMessage reports a frame that is not a JSON object or whose
// type is missing or unknown.
var ErrMalformedMessage = errors.New("malformed message")

type header struct {
	Type string `json:"type"`
}

// Decode parses a raw frame into its typed variant.
func Decode(raw []byte) (Message, error) {
	var h header
	if err := json.Unmarshal(raw, &h); err != nil {
		return nil, errors.Wrapf(ErrMalformedMessage, "decode frame: %v", err)
	}

	var (
		msg Message
		err error
	)
	switch h.Type {
	case "":
		return nil, errors.Wrap(ErrMalformedMessage, "missing type")
	case TypeJoin:
		var m Join
		err = json.Unmarshal(raw, &m)
		msg = m
	case TypeChat:
		var m ChatMessage
		err = json.Unmarshal(raw, &m)
		msg = m
	case TypeUserList:
		var m UserList
		err = json.Unmarshal(raw, &m)
		msg = m
	case TypeHistory:
		var m History
		err = json.Unmarshal(raw, &m)
		msg = m
	default:
		return nil, errors.Wrapf(ErrMalformedMessage, "unknown type %q", h.Type)
	}
	if err != nil {
		return nil, errors.Wrapf(ErrMalformedMessage, "decode %s: %v", h.Type, err)
	}
	return msg, nil
}

// Encode serializes msg with its type discriminator. Nil user and message
// lists are written as empty arrays.
func Encode(msg Message) ([]byte, error) {
	switch m := msg.(type) {
	case Join:
		return json.Marshal(struct {
			Type string `json:"type"`
			Join
		}{TypeJoin, m})
	case ChatMessage:
		return json.Marshal(struct {
			Type string `json:"type"`
			ChatMessage
		}{TypeChat, m})
	case UserList:
		if m.Users == nil {
			m.Users = []UserEntry{}
		}
		return json.Marshal(struct {
			Type string `json:"type"`
			UserList
		}{TypeUserList, m})
	case History:
		if m.Messages == nil {
			m.Messages = []ChatMessage{}
		}
		return json.Marshal(struct {
			Type string `json:"type"`
			History
		}{TypeHistory, m})
	default:
		return nil, errors.Errorf("encode: unsupported message %T", msg)
	}
}
