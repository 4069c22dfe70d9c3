// Package fetchlib provides the core engine of chanfetch: recurrence
// scheduling, rule-based message filtering, and the single-flight download
// coordinator with progress tracking and cooperative cancellation.
package fetchlib

import "time"

// MediaType classifies the attachment of a message.
type MediaType string

const (
	MediaPhoto     MediaType = "photo"
	MediaVideo     MediaType = "video"
	MediaAudio     MediaType = "audio"
	MediaVoice     MediaType = "voice"
	MediaDocument  MediaType = "document"
	MediaAnimation MediaType = "animation"
)

// Media describes the downloadable attachment of a message.
type Media struct {
	// Type is the media classification used by rule media-type predicates.
	Type MediaType `json:"type"`
	// Size is the attachment size in bytes as reported by the source.
	Size int64 `json:"size"`
	// Filename is the original attachment name, may be empty.
	Filename string `json:"filename"`
	// Ref is the provider-specific handle used to fetch the bytes.
	Ref string `json:"ref"`
}

// Message is a read-only view of one message pulled from an external
// resource. The engine never mutates messages; it only selects them.
type Message struct {
	// ID is the local store identifier, zero for messages not yet stored.
	ID int64 `json:"id"`
	// ResourceKey identifies the resource the message belongs to.
	ResourceKey string `json:"resource_key"`
	// SourceMessageID is the identifier assigned by the external source.
	// (ResourceKey, SourceMessageID) is the idempotency key for ingestion.
	SourceMessageID int64 `json:"source_message_id"`
	// Text is the message body.
	Text string `json:"text"`
	// SenderName is the display name of the message author.
	SenderName string `json:"sender_name"`
	// Media is nil for text-only messages.
	Media *Media `json:"media,omitempty"`
	// SentAt is the source timestamp of the message.
	SentAt time.Time `json:"sent_at"`
	// Forwarded reports whether the message was forwarded from elsewhere.
	Forwarded bool `json:"forwarded"`
	// Views is the view count, nil when the source does not expose one.
	Views *int64 `json:"views,omitempty"`
}

// HasMedia reports whether the message carries a downloadable attachment.
func (m *Message) HasMedia() bool {
	return m.Media != nil
}
