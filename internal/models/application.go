// internal/models/application.go
package models

import "time"

type ApplicationStatus string

const (
	StatusPending   ApplicationStatus = "pending"
	StatusAccepted  ApplicationStatus = "accepted"
	StatusRejected  ApplicationStatus = "rejected"
	StatusWithdrawn ApplicationStatus = "withdrawn"
)

// Active statuses block a second application to the same listing.
func (s ApplicationStatus) IsActive() bool {
	return s == StatusPending || s == StatusAccepted
}

func (s ApplicationStatus) Valid() bool {
	switch s {
	case StatusPending, StatusAccepted, StatusRejected, StatusWithdrawn:
		return true
	}
	return false
}

// Application is one tenant's place in a listing's queue.
// Position is set only while Status is pending; 0 otherwise.
type Application struct {
	ID          string            `json:"id"`
	ListingID   string            `json:"listingId"`
	ApplicantID string            `json:"applicantId"`
	Status      ApplicationStatus `json:"status"`
	Position    int               `json:"position,omitempty"`
	Notes       string            `json:"notes,omitempty"`
	AppliedAt   time.Time         `json:"appliedAt"`
	ReviewedAt  *time.Time        `json:"reviewedAt,omitempty"`
	UpdatedAt   time.Time         `json:"updatedAt"`

	// Seq is the insertion sequence, the tie-break when AppliedAt values are equal.
	Seq int64 `json:"-"`
}

// Clone returns a deep copy.
func (a *Application) Clone() *Application {
	if a == nil {
		return nil
	}
	cp := *a
	if a.ReviewedAt != nil {
		t := *a.ReviewedAt
		cp.ReviewedAt = &t
	}
	return &cp
}

// QueuedBefore orders applications by applied_at, then insertion sequence.
func (a *Application) QueuedBefore(b *Application) bool {
	if !a.AppliedAt.Equal(b.AppliedAt) {
		return a.AppliedAt.Before(b.AppliedAt)
	}
	return a.Seq < b.Seq
}
