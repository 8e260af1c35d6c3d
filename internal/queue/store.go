// Package queue implements the per-listing application queue: position
// allocation, the lifecycle state machine and the side effects committed with
// each transition.
package queue

import (
	"context"
	stderrors "errors"

	"rental-queue/internal/models"
)

// ErrTxAborted is returned by Savepoint when the savepoint itself could not be
// rolled back. The enclosing transaction must not continue.
var ErrTxAborted = stderrors.New("listing transaction aborted")

// Store persists applications and their side-effect rows.
//
// All mutations go through WithListing, which serializes work on one listing
// and commits or rolls back as a unit. Operations on different listings never
// contend.
type Store interface {
	WithListing(ctx context.Context, listingID string, fn func(tx Tx) error) error

	// Get returns APPLICATION_NOT_FOUND when id does not exist.
	Get(ctx context.Context, id string) (*models.Application, error)
	// ListForListing orders pending rows by position, then the rest by applied_at.
	ListForListing(ctx context.Context, listingID string) ([]*models.Application, error)
	// ListForApplicant orders by applied_at, newest first.
	ListForApplicant(ctx context.Context, applicantID string) ([]*models.Application, error)
	ChatRoom(ctx context.Context, applicationID string) (*models.ChatRoom, error)
	// Events returns the listing's audit trail, oldest first. limit <= 0 means all.
	Events(ctx context.Context, listingID string, limit int) ([]*models.Event, error)

	Ping(ctx context.Context) error
}

// Tx is the view of one listing inside its exclusive transaction.
type Tx interface {
	ListingID() string

	// GetApplication re-reads id under the listing lock.
	GetApplication(ctx context.Context, id string) (*models.Application, error)
	// ActiveApplication returns the pending or accepted row for applicantID, or nil.
	ActiveApplication(ctx context.Context, applicantID string) (*models.Application, error)
	// AcceptedApplication returns the listing's accepted row, or nil.
	AcceptedApplication(ctx context.Context) (*models.Application, error)
	MaxPendingPosition(ctx context.Context) (int, error)
	// PendingApplications returns pending rows ordered by applied_at, then seq.
	PendingApplications(ctx context.Context) ([]*models.Application, error)

	// InsertApplication stores app and assigns app.Seq.
	InsertApplication(ctx context.Context, app *models.Application) error
	// UpdateApplication writes status, position, reviewed_at and updated_at.
	UpdateApplication(ctx context.Context, app *models.Application) error
	SetPosition(ctx context.Context, id string, position int) error
	DeleteApplication(ctx context.Context, id string) error

	FindChatRoom(ctx context.Context, applicationID string) (*models.ChatRoom, error)
	InsertChatRoom(ctx context.Context, room *models.ChatRoom) error
	InsertNotification(ctx context.Context, n *models.Notification) error
	InsertEvent(ctx context.Context, e *models.Event) error

	// Savepoint runs fn so that its writes are undone if it fails, leaving
	// the rest of the transaction intact.
	Savepoint(ctx context.Context, name string, fn func() error) error
}
