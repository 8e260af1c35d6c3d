package models

import "time"

// ChatRoom connects a listing owner with an accepted applicant. One per application.
type ChatRoom struct {
	ID            string    `json:"id"`
	ApplicationID string    `json:"applicationId"`
	ListingID     string    `json:"listingId"`
	OwnerID       string    `json:"ownerId"`
	ApplicantID   string    `json:"applicantId"`
	CreatedAt     time.Time `json:"createdAt"`
}
