package submitapplication

import "time"

type Input struct {
	ListingID   string  `json:"listingId"`
	ApplicantID string  `json:"applicantId"`
	Notes       *string `json:"notes,omitempty"`
}

type Output struct {
	ApplicationID     string    `json:"applicationId"`
	ApplicationStatus string    `json:"applicationStatus"`
	Position          int       `json:"position"`
	AppliedAt         time.Time `json:"appliedAt"`
}
