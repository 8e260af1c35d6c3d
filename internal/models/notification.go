// internal/models/notification.go
package models

import "time"

type NotificationType string

const (
	NotificationNewApplication       NotificationType = "new_application"
	NotificationApplicationAccepted  NotificationType = "application_accepted"
	NotificationApplicationRejected  NotificationType = "application_rejected"
	NotificationApplicationWithdrawn NotificationType = "application_withdrawn"
)

// Outbox delivery statuses.
const (
	DeliveryPending  = "pending"
	DeliverySending  = "sending"
	DeliverySent     = "sent"
	DeliveryFailed   = "failed"
	DeliveryDisabled = "disabled"
)

// Notification is an outbox row written in the same transaction as the transition it reports.
type Notification struct {
	ID            string                 `json:"id"`
	RecipientID   string                 `json:"recipientId"`
	Type          NotificationType       `json:"type"`
	ApplicationID string                 `json:"applicationId"`
	ListingID     string                 `json:"listingId"`
	Payload       map[string]interface{} `json:"payload,omitempty"`
	Status        string                 `json:"status"`
	Attempts      int                    `json:"attempts"`
	LastError     string                 `json:"lastError,omitempty"`
	CreatedAt     time.Time              `json:"createdAt"`
	ClaimedAt     *time.Time             `json:"claimedAt,omitempty"`
	SentAt        *time.Time             `json:"sentAt,omitempty"`
}

type NotificationTemplate struct {
	Type    NotificationType `json:"type"`
	Subject string           `json:"subject"`
	Body    string           `json:"body"`
	// SMS marks types important enough to also go out by text message.
	SMS bool `json:"sms"`
}
