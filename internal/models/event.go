package models

import "time"

type EventType string

const (
	EventSubmitted       EventType = "submitted"
	EventAccepted        EventType = "accepted"
	EventRejected        EventType = "rejected"
	EventCascadeRejected EventType = "cascade_rejected"
	EventWithdrawn       EventType = "withdrawn"
	EventDeleted         EventType = "deleted"
	EventChatRoomCreated EventType = "chat_room_created"
)

// Event is one audit record of an application transition.
type Event struct {
	ID            string            `json:"id"`
	ApplicationID string            `json:"applicationId"`
	ListingID     string            `json:"listingId"`
	ApplicantID   string            `json:"applicantId"`
	ActorID       string            `json:"actorId"`
	Type          EventType         `json:"type"`
	FromStatus    ApplicationStatus `json:"fromStatus,omitempty"`
	ToStatus      ApplicationStatus `json:"toStatus,omitempty"`
	Position      int               `json:"position,omitempty"`
	OccurredAt    time.Time         `json:"occurredAt"`
}
