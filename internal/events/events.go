// Package events defines the realtime event names and payloads exchanged
// over the transport channel by clients and the relay.
package events

import (
	"encoding/json"
	"time"

	"github.com/servicehub/chatcore/internal/types"
)

// Event names.
const (
	JoinConversation  = "join_conversation"
	LeaveConversation = "leave_conversation"

	SendMessage     = "send_message"
	MessageReceived = "message_received"
	MessageRead     = "message_read"

	UserOnline  = "user_online"
	UserOffline = "user_offline"

	InitiateCall  = "initiate_call"
	CallInitiated = "call_initiated"
	IncomingCall  = "incoming_call"
	AcceptCall    = "accept_call"
	CallAccepted  = "call_accepted"
	RejectCall    = "reject_call"
	CallRejected  = "call_rejected"
	CancelCall    = "cancel_call"
	CallCancelled = "call_cancelled"
	EndCall       = "end_call"
	CallEnded     = "call_ended"

	WebRTCOffer        = "webrtc_offer"
	WebRTCAnswer       = "webrtc_answer"
	WebRTCICECandidate = "webrtc_ice_candidate"

	Error = "error"
)

// Envelope is the frame carried on the wire.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals payload into an envelope.
func NewEnvelope(event string, payload any) (Envelope, error) {
	if payload == nil {
		return Envelope{Event: event}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Event: event, Data: data}, nil
}

// Room is the payload of join/leave requests.
type Room struct {
	ConversationID string `json:"conversation_id"`
}

// OutgoingMessage is the payload of send_message.
type OutgoingMessage struct {
	ClientID       string            `json:"client_id"`
	ConversationID string            `json:"conversation_id"`
	ReceiverID     string            `json:"receiver_id"`
	Content        string            `json:"content"`
	Kind           types.Kind        `json:"kind"`
	SenderRole     types.Role        `json:"sender_role"`
	Media          *types.Media      `json:"media,omitempty"`
	Location       *types.Location   `json:"location,omitempty"`
	Call           *types.CallRecord `json:"call,omitempty"`
}

// IncomingMessage is the payload of message_received.
type IncomingMessage struct {
	OutgoingMessage
	ID        string    `json:"id"`
	SenderID  string    `json:"sender_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Message converts the event into a store entry.
func (m *IncomingMessage) Message() types.Message {
	id := m.ID
	if id == "" {
		id = m.ClientID
	}
	return types.Message{
		ID:             id,
		ClientID:       m.ClientID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		SenderRole:     m.SenderRole,
		Content:        m.Content,
		Kind:           m.Kind,
		Media:          m.Media,
		Location:       m.Location,
		Call:           m.Call,
		Timestamp:      m.Timestamp,
		Upload:         types.UploadState{Phase: types.UploadDone, Progress: 100},
		Delivery:       types.DeliverySent,
	}
}

// Read is the payload of message_read.
type Read struct {
	ConversationID string `json:"conversation_id"`
	ReaderID       string `json:"reader_id,omitempty"`
}

// Presence is the payload of user_online / user_offline.
type Presence struct {
	UserID    string    `json:"user_id"`
	Timestamp time.Time `json:"timestamp"`
}

// CallInvite is the payload of initiate_call and incoming_call.
type CallInvite struct {
	CallID         string `json:"call_id"`
	CallerID       string `json:"caller_id"`
	RecipientID    string `json:"recipient_id,omitempty"`
	ConversationID string `json:"conversation_id"`
}

// CallControl is the payload of accept/reject/cancel/end requests and their
// acknowledgements. RecipientID names the peer the request is addressed to.
type CallControl struct {
	CallID         string `json:"call_id"`
	RecipientID    string `json:"recipient_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	Duration       int    `json:"duration,omitempty"`
}

// SessionDescription is the payload of webrtc_offer and webrtc_answer.
type SessionDescription struct {
	CallID      string `json:"call_id"`
	RecipientID string `json:"recipient_id"`
	SenderID    string `json:"sender_id,omitempty"`
	SDP         string `json:"sdp"`
}

// ICECandidate is the payload of webrtc_ice_candidate.
type ICECandidate struct {
	CallID      string    `json:"call_id"`
	RecipientID string    `json:"recipient_id"`
	SenderID    string    `json:"sender_id,omitempty"`
	Candidate   Candidate `json:"candidate"`
}

// Candidate mirrors the browser RTCIceCandidateInit dictionary.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// ErrorPayload is sent by the relay when a request is refused.
type ErrorPayload struct {
	Event   string `json:"event"`
	Message string `json:"message"`
}
