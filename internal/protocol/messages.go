package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeChatSend    MessageType = "chat_send"
	TypeEnableAudio MessageType = "enable_audio"
	TypeHangUp      MessageType = "hang_up"

	TypeCallState   MessageType = "call_state"
	TypeChatMessage MessageType = "chat_message"
	TypeErrorEvent  MessageType = "error_event"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

type ChatSend struct {
	Type        MessageType `json:"type"`
	Text        string      `json:"text"`
	ClientMsgID string      `json:"client_msg_id,omitempty"`
}

type EnableAudio struct {
	Type MessageType `json:"type"`
}

type HangUp struct {
	Type   MessageType `json:"type"`
	Reason string      `json:"reason,omitempty"`
}

type CallError struct {
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

// CallState is a full snapshot of the call, sent after every change.
type CallState struct {
	Type           MessageType `json:"type"`
	RoomID         string      `json:"room_id"`
	State          string      `json:"state"`
	Presence       string      `json:"presence,omitempty"`
	AudioPermitted bool        `json:"audio_permitted"`
	HasAgentVideo  bool        `json:"has_agent_video"`
	HasAgentAudio  bool        `json:"has_agent_audio"`
	AgentIdentity  string      `json:"agent_identity,omitempty"`
	Ready          bool        `json:"ready"`
	Sending        bool        `json:"sending"`
	Error          *CallError  `json:"error,omitempty"`
}

type ChatMessage struct {
	Type   MessageType `json:"type"`
	RoomID string      `json:"room_id"`
	ID     string      `json:"id"`
	Author string      `json:"author"`
	Text   string      `json:"text"`
	TSMs   int64       `json:"ts_ms"`
	Local  bool        `json:"local"`
}

type ErrorEvent struct {
	Type        MessageType `json:"type"`
	RoomID      string      `json:"room_id"`
	Code        string      `json:"code"`
	Source      string      `json:"source"`
	Retryable   bool        `json:"retryable"`
	Detail      string      `json:"detail"`
	ClientMsgID string      `json:"client_msg_id,omitempty"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeChatSend:
		var msg ChatSend
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.Text) == "" {
			return nil, errors.New("invalid chat_send: empty text")
		}
		return msg, nil
	case TypeEnableAudio:
		return EnableAudio{Type: TypeEnableAudio}, nil
	case TypeHangUp:
		var msg HangUp
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

// ParseServerMessage decodes gateway output; clients use it.
func ParseServerMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeCallState:
		var msg CallState
		err := json.Unmarshal(raw, &msg)
		return msg, err
	case TypeChatMessage:
		var msg ChatMessage
		err := json.Unmarshal(raw, &msg)
		return msg, err
	case TypeErrorEvent:
		var msg ErrorEvent
		err := json.Unmarshal(raw, &msg)
		return msg, err
	default:
		return nil, ErrUnsupportedType
	}
}
