package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientAudioChunk  MessageType = "client_audio_chunk"
	TypeClientControl     MessageType = "client_control"
	TypeTranscript        MessageType = "transcript"
	TypeAssistantAudio    MessageType = "assistant_audio_chunk"
	TypePlaybackStop      MessageType = "playback_stop"
	TypeBookingConfirmed  MessageType = "booking_confirmed"
	TypeTransferRequested MessageType = "transfer_requested"
	TypeSystemEvent       MessageType = "system_event"
	TypeErrorEvent        MessageType = "error_event"
)

// Control actions a caller may send.
const (
	ActionHangup   = "hangup"
	ActionTransfer = "transfer"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

type ClientAudioChunk struct {
	Type        MessageType `json:"type"`
	CallID      string      `json:"call_id"`
	Seq         int         `json:"seq"`
	PCM16Base64 string      `json:"pcm16_base64"`
	SampleRate  int         `json:"sample_rate"`
}

type ClientControl struct {
	Type   MessageType `json:"type"`
	CallID string      `json:"call_id"`
	Action string      `json:"action"`
	Reason string      `json:"reason,omitempty"`
}

type Transcript struct {
	Type    MessageType `json:"type"`
	CallID  string      `json:"call_id"`
	Speaker string      `json:"speaker"`
	Text    string      `json:"text"`
	IsFinal bool        `json:"is_final"`
}

type AssistantAudioChunk struct {
	Type        MessageType `json:"type"`
	CallID      string      `json:"call_id"`
	ChunkID     uint64      `json:"chunk_id"`
	StartAtMS   int64       `json:"start_at_ms"`
	DurationMS  int64       `json:"duration_ms"`
	SampleRate  int         `json:"sample_rate"`
	PCM16Base64 string      `json:"pcm16_base64"`
}

type PlaybackStop struct {
	Type     MessageType `json:"type"`
	CallID   string      `json:"call_id"`
	ChunkIDs []uint64    `json:"chunk_ids"`
}

// Booking is the confirmed appointment echoed back to the caller.
type Booking struct {
	ID            string `json:"id"`
	BusinessID    string `json:"business_id"`
	CustomerName  string `json:"customer_name"`
	CustomerEmail string `json:"customer_email"`
	EmployeeName  string `json:"employee_name"`
	Service       string `json:"service"`
	Time          string `json:"time"`
}

type BookingConfirmed struct {
	Type    MessageType `json:"type"`
	CallID  string      `json:"call_id"`
	Booking Booking     `json:"booking"`
}

type TransferRequested struct {
	Type   MessageType `json:"type"`
	CallID string      `json:"call_id"`
	Reason string      `json:"reason"`
}

type SystemEvent struct {
	Type   MessageType `json:"type"`
	CallID string      `json:"call_id"`
	Code   string      `json:"code"`
	Detail string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type   MessageType `json:"type"`
	CallID string      `json:"call_id"`
	Code   string      `json:"code"`
	Source string      `json:"source"`
	Detail string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientAudioChunk:
		var msg ClientAudioChunk
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.CallID == "" || msg.PCM16Base64 == "" || msg.SampleRate <= 0 {
			return nil, errors.New("invalid client_audio_chunk")
		}
		return msg, nil
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.CallID == "" {
			return nil, errors.New("invalid client_control")
		}
		switch msg.Action {
		case ActionHangup, ActionTransfer:
		default:
			return nil, fmt.Errorf("invalid client_control action %q", msg.Action)
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
