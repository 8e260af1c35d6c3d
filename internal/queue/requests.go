package queue

import (
	"strings"
	"unicode/utf8"

	"rental-queue/internal/common/errors"
	"rental-queue/internal/models"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

const DefaultNotesMaxLength = 1000

// SubmitRequest is an applicant's request to join a listing's queue.
type SubmitRequest struct {
	ListingID   string `json:"listingId"`
	ApplicantID string `json:"applicantId"`
	Notes       string `json:"notes,omitempty"`
}

func (r SubmitRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.ListingID, validation.Required, validation.Length(1, 128)),
		validation.Field(&r.ApplicantID, validation.Required, validation.Length(1, 128)),
	)
}

// normalize validates the identifiers and returns the trimmed notes.
func (r SubmitRequest) normalize(maxNotes int) (string, error) {
	if err := r.Validate(); err != nil {
		return "", errors.NewValidationError(err.Error())
	}

	notes := strings.TrimSpace(r.Notes)
	if maxNotes <= 0 {
		maxNotes = DefaultNotesMaxLength
	}
	if n := utf8.RuneCountInString(notes); n > maxNotes {
		return "", errors.NewNotesTooLongError(n, maxNotes)
	}
	return notes, nil
}

// TransitionRequest identifies the application and the authenticated caller.
type TransitionRequest struct {
	ApplicationID string `json:"applicationId"`
	CallerID      string `json:"callerId"`
}

func (r TransitionRequest) Validate() error {
	err := validation.ValidateStruct(&r,
		validation.Field(&r.ApplicationID, validation.Required),
		validation.Field(&r.CallerID, validation.Required),
	)
	if err != nil {
		return errors.NewValidationError(err.Error())
	}
	return nil
}

// TransitionResult is what a lifecycle operation changed.
type TransitionResult struct {
	Application *models.Application   `json:"application"`
	Rejected    []*models.Application `json:"rejected,omitempty"`
	ChatRoom    *models.ChatRoom      `json:"chatRoom,omitempty"`
	// Degraded is set when an acceptance committed without its chat room.
	Degraded      bool  `json:"degraded"`
	ChatRoomError error `json:"-"`
	Compacted     int   `json:"compacted"`
}
