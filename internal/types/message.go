package types

import (
	"time"
)

// Kind is the content kind of a message.
type Kind string

const (
	KindText       Kind = "text"
	KindVoice      Kind = "voice"
	KindImage      Kind = "image"
	KindVideo      Kind = "video"
	KindLocation   Kind = "location"
	KindCallRecord Kind = "call_record"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindText, KindVoice, KindImage, KindVideo, KindLocation, KindCallRecord:
		return true
	}
	return false
}

// IsMedia reports whether messages of this kind carry an uploaded blob.
func (k Kind) IsMedia() bool {
	return k == KindVoice || k == KindImage || k == KindVideo
}

// Placeholder is the human readable content shown for non-text kinds.
func (k Kind) Placeholder() string {
	switch k {
	case KindVoice:
		return "[voice message]"
	case KindImage:
		return "[image]"
	case KindVideo:
		return "[video]"
	case KindLocation:
		return "[location]"
	case KindCallRecord:
		return "[voice call]"
	}
	return ""
}

// UploadPhase is the media upload lifecycle of a message.
type UploadPhase string

const (
	UploadIdle      UploadPhase = "idle"
	UploadUploading UploadPhase = "uploading"
	UploadFailed    UploadPhase = "failed"
	UploadDone      UploadPhase = "done"
)

// UploadState tracks media upload progress. Progress is 0–100 and only
// meaningful while uploading; Reason is set when failed.
type UploadState struct {
	Phase    UploadPhase `json:"phase"`
	Progress int         `json:"progress"`
	Reason   string      `json:"reason,omitempty"`
}

// DeliveryStatus tracks the durable write of a message.
type DeliveryStatus string

const (
	DeliveryPending DeliveryStatus = "pending"
	DeliverySent    DeliveryStatus = "sent"
	DeliveryFailed  DeliveryStatus = "failed"
)

// Media is the payload of voice, image and video messages.
type Media struct {
	URL         string  `json:"url,omitempty"`
	Duration    float64 `json:"duration,omitempty"`
	Width       int     `json:"width,omitempty"`
	Height      int     `json:"height,omitempty"`
	AspectRatio float64 `json:"aspect_ratio,omitempty"`
	// ThumbnailPath is a local file and never leaves the device.
	ThumbnailPath string `json:"-"`
}

// Location is the payload of location messages.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Name      string  `json:"name,omitempty"`
	Address   string  `json:"address,omitempty"`
}

// CallRecord summarises a finished voice call.
type CallRecord struct {
	CallID   string `json:"call_id,omitempty"`
	CallerID string `json:"caller_id"`
	Duration int    `json:"duration"`
	Missed   bool   `json:"missed"`
	Rejected bool   `json:"rejected"`
}

// Message is a single conversation entry.
type Message struct {
	ID             string      `json:"id"`
	ClientID       string      `json:"client_id,omitempty"`
	ConversationID string      `json:"conversation_id"`
	SenderID       string      `json:"sender_id"`
	SenderRole     Role        `json:"sender_role"`
	Content        string      `json:"content"`
	Kind           Kind        `json:"kind"`
	Media          *Media      `json:"media,omitempty"`
	Location       *Location   `json:"location,omitempty"`
	Call           *CallRecord `json:"call,omitempty"`
	Timestamp      time.Time   `json:"timestamp"`
	IsRead         bool        `json:"is_read"`
	Recalled       bool        `json:"recalled,omitempty"`

	// Local bookkeeping, never serialized.
	Upload    UploadState    `json:"-"`
	Delivery  DeliveryStatus `json:"-"`
	FailNote  string         `json:"-"`
	Retryable bool           `json:"-"`
	LocalPath string         `json:"-"`
}

// Clone returns a deep copy of m.
func (m Message) Clone() Message {
	if m.Media != nil {
		media := *m.Media
		m.Media = &media
	}
	if m.Location != nil {
		loc := *m.Location
		m.Location = &loc
	}
	if m.Call != nil {
		rec := *m.Call
		m.Call = &rec
	}
	return m
}

// Involves reports whether a call-record message concerns userID.
func (m *Message) Involves(userID string) bool {
	if m.SenderID == userID {
		return true
	}
	return m.Call != nil && m.Call.CallerID == userID
}
