package queue

import (
	"context"
	stderrors "errors"
	"time"

	"rental-queue/internal/common/errors"
	"rental-queue/internal/common/logger"
	"rental-queue/internal/models"

	"github.com/google/uuid"
)

// ChatProvisioner creates the owner/applicant conversation for an accepted application.
type ChatProvisioner interface {
	// GetOrCreateRoom returns the existing room or creates one. created reports which.
	GetOrCreateRoom(ctx context.Context, tx Tx, app *models.Application, ownerID string) (room *models.ChatRoom, created bool, err error)
}

// StoreChatProvisioner keeps chat rooms in the queue's own store.
type StoreChatProvisioner struct {
	Now func() time.Time
}

func (p StoreChatProvisioner) GetOrCreateRoom(ctx context.Context, tx Tx, app *models.Application, ownerID string) (*models.ChatRoom, bool, error) {
	room, err := tx.FindChatRoom(ctx, app.ID)
	if err != nil {
		return nil, false, err
	}
	if room != nil {
		return room, false, nil
	}

	now := p.Now
	if now == nil {
		now = defaultClock
	}
	room = &models.ChatRoom{
		ID:            uuid.NewString(),
		ApplicationID: app.ID,
		ListingID:     app.ListingID,
		OwnerID:       ownerID,
		ApplicantID:   app.ApplicantID,
		CreatedAt:     now(),
	}
	if err := tx.InsertChatRoom(ctx, room); err != nil {
		return nil, false, err
	}
	return room, true, nil
}

// EventSink receives committed events. Failures are logged and never undo the transition.
type EventSink interface {
	Publish(ctx context.Context, events []*models.Event) error
}

// Effects accumulates what a transition wrote besides the application rows.
type Effects struct {
	Events        []*models.Event
	Notifications []*models.Notification
}

// Dispatcher writes the side effects of each transition inside the listing
// transaction: sibling rejection, chat rooms, outbox notifications and audit events.
type Dispatcher struct {
	chat   ChatProvisioner
	now    func() time.Time
	logger logger.Logger
}

func NewDispatcher(chat ChatProvisioner, now func() time.Time, log logger.Logger) *Dispatcher {
	return &Dispatcher{chat: chat, now: now, logger: log}
}

func (d *Dispatcher) record(ctx context.Context, tx Tx, fx *Effects, app *models.Application, actorID string,
	typ models.EventType, from models.ApplicationStatus, position int) error {
	ev := &models.Event{
		ID:            uuid.NewString(),
		ApplicationID: app.ID,
		ListingID:     app.ListingID,
		ApplicantID:   app.ApplicantID,
		ActorID:       actorID,
		Type:          typ,
		FromStatus:    from,
		ToStatus:      app.Status,
		Position:      position,
		OccurredAt:    d.now(),
	}
	if err := tx.InsertEvent(ctx, ev); err != nil {
		return err
	}
	fx.Events = append(fx.Events, ev)
	return nil
}

func (d *Dispatcher) notify(ctx context.Context, tx Tx, fx *Effects, recipientID string,
	typ models.NotificationType, app *models.Application) error {
	return d.notifyWith(ctx, tx, fx, recipientID, typ, app, nil)
}

func (d *Dispatcher) notifyWith(ctx context.Context, tx Tx, fx *Effects, recipientID string,
	typ models.NotificationType, app *models.Application, extra map[string]interface{}) error {
	n := &models.Notification{
		ID:            uuid.NewString(),
		RecipientID:   recipientID,
		Type:          typ,
		ApplicationID: app.ID,
		ListingID:     app.ListingID,
		Payload: map[string]interface{}{
			"applicationId": app.ID,
			"listingId":     app.ListingID,
			"applicantId":   app.ApplicantID,
			"status":        string(app.Status),
		},
		Status:    models.DeliveryPending,
		CreatedAt: d.now(),
	}
	if app.Status == models.StatusPending {
		n.Payload["position"] = app.Position
	}
	for k, v := range extra {
		n.Payload[k] = v
	}
	if err := tx.InsertNotification(ctx, n); err != nil {
		return err
	}
	fx.Notifications = append(fx.Notifications, n)
	return nil
}

// Submitted tells the owner about a new application.
func (d *Dispatcher) Submitted(ctx context.Context, tx Tx, fx *Effects, app *models.Application, ownerID string) error {
	if err := d.record(ctx, tx, fx, app, app.ApplicantID, models.EventSubmitted, "", app.Position); err != nil {
		return err
	}
	return d.notify(ctx, tx, fx, ownerID, models.NotificationNewApplication, app)
}

// RejectSiblings rejects every other pending application of the accepted one's
// listing. Positions are left for the caller to compact.
func (d *Dispatcher) RejectSiblings(ctx context.Context, tx Tx, fx *Effects, accepted *models.Application, actorID string) ([]*models.Application, error) {
	pending, err := tx.PendingApplications(ctx)
	if err != nil {
		return nil, err
	}

	rejected := make([]*models.Application, 0, len(pending))
	for _, sib := range pending {
		if sib.ID == accepted.ID {
			continue
		}
		at := d.now()
		oldPos := sib.Position
		sib.Status = models.StatusRejected
		sib.Position = 0
		sib.ReviewedAt = &at
		sib.UpdatedAt = at
		if err := tx.UpdateApplication(ctx, sib); err != nil {
			return nil, err
		}
		if err := d.record(ctx, tx, fx, sib, actorID, models.EventCascadeRejected, models.StatusPending, oldPos); err != nil {
			return nil, err
		}
		if err := d.notify(ctx, tx, fx, sib.ApplicantID, models.NotificationApplicationRejected, sib); err != nil {
			return nil, err
		}
		rejected = append(rejected, sib)
	}
	return rejected, nil
}

// Accepted records the acceptance. The applicant is told by AcceptanceNotice
// once the chat room attempt has run.
func (d *Dispatcher) Accepted(ctx context.Context, tx Tx, fx *Effects, app *models.Application, actorID string, oldPos int) error {
	return d.record(ctx, tx, fx, app, actorID, models.EventAccepted, models.StatusPending, oldPos)
}

// AcceptanceNotice tells the applicant their application was accepted. room is
// nil when the acceptance committed without one.
func (d *Dispatcher) AcceptanceNotice(ctx context.Context, tx Tx, fx *Effects, app *models.Application, room *models.ChatRoom) error {
	var extra map[string]interface{}
	if room != nil {
		extra = map[string]interface{}{"chatRoomId": room.ID}
	}
	return d.notifyWith(ctx, tx, fx, app.ApplicantID, models.NotificationApplicationAccepted, app, extra)
}

func (d *Dispatcher) Rejected(ctx context.Context, tx Tx, fx *Effects, app *models.Application, actorID string, oldPos int) error {
	if err := d.record(ctx, tx, fx, app, actorID, models.EventRejected, models.StatusPending, oldPos); err != nil {
		return err
	}
	return d.notify(ctx, tx, fx, app.ApplicantID, models.NotificationApplicationRejected, app)
}

// Withdrawn tells the owner an applicant left the queue.
func (d *Dispatcher) Withdrawn(ctx context.Context, tx Tx, fx *Effects, app *models.Application, ownerID string, oldPos int) error {
	if err := d.record(ctx, tx, fx, app, app.ApplicantID, models.EventWithdrawn, models.StatusPending, oldPos); err != nil {
		return err
	}
	return d.notify(ctx, tx, fx, ownerID, models.NotificationApplicationWithdrawn, app)
}

func (d *Dispatcher) Deleted(ctx context.Context, tx Tx, fx *Effects, app *models.Application, actorID string) error {
	return d.record(ctx, tx, fx, app, actorID, models.EventDeleted, app.Status, app.Position)
}

// ProvisionChatRoom gets or creates the chat room for an accepted application.
//
// With isolate set the attempt runs in a savepoint, so a failure is reported
// as chatErr and the transaction carries on without a room. err is set only
// when the transaction itself can no longer commit.
func (d *Dispatcher) ProvisionChatRoom(ctx context.Context, tx Tx, fx *Effects, app *models.Application,
	ownerID string, isolate bool) (room *models.ChatRoom, chatErr error, err error) {
	attempt := func() error {
		r, created, err := d.chat.GetOrCreateRoom(ctx, tx, app, ownerID)
		if err != nil {
			return err
		}
		if created {
			if err := d.record(ctx, tx, fx, app, ownerID, models.EventChatRoomCreated, app.Status, 0); err != nil {
				return err
			}
		}
		room = r
		return nil
	}

	if !isolate {
		if err := attempt(); err != nil {
			return nil, errors.NewChatRoomFailedError(app.ID, err), nil
		}
		return room, nil, nil
	}

	events := len(fx.Events)
	spErr := tx.Savepoint(ctx, "chat_room", attempt)
	if spErr == nil {
		return room, nil, nil
	}
	if stderrors.Is(spErr, ErrTxAborted) {
		return nil, nil, spErr
	}

	fx.Events = fx.Events[:events]
	d.logger.Warn("chat room provisioning failed, continuing without it", map[string]interface{}{
		"applicationId": app.ID,
		"listingId":     app.ListingID,
		"error":         spErr.Error(),
	})
	return nil, errors.NewChatRoomFailedError(app.ID, spErr), nil
}
