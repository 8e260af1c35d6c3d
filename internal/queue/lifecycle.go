// internal/queue/lifecycle.go
package queue

import (
	"context"
	"time"

	"rental-queue/internal/common/auth"
	"rental-queue/internal/common/errors"
	"rental-queue/internal/common/logger"
	"rental-queue/internal/common/metrics"
	"rental-queue/internal/common/observability"
	"rental-queue/internal/models"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "rental-queue/queue"

func defaultClock() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

type Config struct {
	NotesMaxLength int
	// SinkTimeout bounds each post-commit event sink call.
	SinkTimeout time.Duration
}

// HistoryReader serves a listing's audit trail from a secondary index.
type HistoryReader interface {
	Search(ctx context.Context, listingID string, limit int) ([]*models.Event, error)
}

// Manager runs the application lifecycle: submit, accept, reject, withdraw
// and delete, each as one listing transaction.
type Manager struct {
	store    Store
	gate     auth.Gate
	alloc    Allocator
	dispatch *Dispatcher
	chat     ChatProvisioner
	sinks    []EventSink
	history  HistoryReader
	obs      *observability.Observability
	config   Config
	now      func() time.Time
	tracer   trace.Tracer
	logger   logger.Logger
}

type Option func(*Manager)

// WithClock replaces the UTC wall clock. Tests use it to force applied_at ties.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithChatProvisioner(p ChatProvisioner) Option {
	return func(m *Manager) { m.chat = p }
}

func WithEventSinks(sinks ...EventSink) Option {
	return func(m *Manager) { m.sinks = append(m.sinks, sinks...) }
}

func WithHistoryReader(r HistoryReader) Option {
	return func(m *Manager) { m.history = r }
}

func WithObservability(o *observability.Observability) Option {
	return func(m *Manager) { m.obs = o }
}

func NewManager(cfg Config, store Store, gate auth.Gate, log logger.Logger, opts ...Option) *Manager {
	if cfg.NotesMaxLength <= 0 {
		cfg.NotesMaxLength = DefaultNotesMaxLength
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = 5 * time.Second
	}

	m := &Manager{
		store:  store,
		gate:   gate,
		config: cfg,
		now:    defaultClock,
		tracer: otel.Tracer(tracerName),
		logger: log.WithFields(map[string]interface{}{"component": "queue-manager"}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.chat == nil {
		m.chat = StoreChatProvisioner{Now: m.now}
	}
	m.dispatch = NewDispatcher(m.chat, m.now, m.logger)
	return m
}

// observe wraps an operation in a span and records its outcome.
func (m *Manager) observe(ctx context.Context, op string, attrs []attribute.KeyValue, fn func(ctx context.Context) error) error {
	ctx, span := m.tracer.Start(ctx, "queue."+op, trace.WithAttributes(attrs...))
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	elapsed := time.Since(start)

	outcome := "ok"
	if err != nil {
		outcome = string(errors.AsStandard(err).Code)
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	metrics.QueueTransitions.WithLabelValues(op, outcome).Inc()
	metrics.QueueTransitionDuration.WithLabelValues(op).Observe(elapsed.Seconds())
	if m.obs != nil {
		m.obs.RecordOperation(ctx, op, outcome, elapsed)
	}
	return err
}

// afterCommit hands committed events to the sinks. The transition already
// happened, so sink failures are only logged.
func (m *Manager) afterCommit(ctx context.Context, fx *Effects) {
	if len(fx.Events) == 0 || len(m.sinks) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	for _, sink := range m.sinks {
		sctx, cancel := context.WithTimeout(ctx, m.config.SinkTimeout)
		if err := sink.Publish(sctx, fx.Events); err != nil {
			m.logger.Warn("event sink failed", map[string]interface{}{
				"events": len(fx.Events),
				"error":  err.Error(),
			})
		}
		cancel()
	}
}

// gateDenied turns a failed authorization lookup into UNAUTHORIZED.
func (m *Manager) gateDenied(op string, err error) error {
	m.logger.Warn("authorization lookup failed", map[string]interface{}{
		"operation": op,
		"error":     err.Error(),
	})
	return errors.NewUnauthorizedError("authorization lookup failed")
}

// Submit places the applicant at the back of the listing's queue.
func (m *Manager) Submit(ctx context.Context, req SubmitRequest) (*models.Application, error) {
	var app *models.Application
	err := m.observe(ctx, "submit", []attribute.KeyValue{
		attribute.String("listing.id", req.ListingID),
		attribute.String("applicant.id", req.ApplicantID),
	}, func(ctx context.Context) error {
		notes, err := req.normalize(m.config.NotesMaxLength)
		if err != nil {
			return err
		}

		valid, err := m.gate.ValidApplicant(ctx, req.ApplicantID)
		if err != nil {
			return m.gateDenied("submit", err)
		}
		if !valid {
			return errors.NewInvalidApplicantError(req.ApplicantID)
		}

		ownerID, err := m.gate.ListingOwner(ctx, req.ListingID)
		if err != nil {
			if errors.IsNotFound(err) {
				return err
			}
			return m.gateDenied("submit", err)
		}
		if ownerID == req.ApplicantID {
			return errors.NewOwnListingError(req.ListingID)
		}

		var fx *Effects
		err = m.store.WithListing(ctx, req.ListingID, func(tx Tx) error {
			fx = &Effects{}
			existing, err := tx.ActiveApplication(ctx, req.ApplicantID)
			if err != nil {
				return err
			}
			if existing != nil {
				return errors.NewAlreadyAppliedError(req.ListingID, req.ApplicantID)
			}

			pos, err := m.alloc.Allocate(ctx, tx)
			if err != nil {
				return err
			}

			now := m.now()
			app = &models.Application{
				ID:          uuid.NewString(),
				ListingID:   req.ListingID,
				ApplicantID: req.ApplicantID,
				Status:      models.StatusPending,
				Position:    pos,
				Notes:       notes,
				AppliedAt:   now,
				UpdatedAt:   now,
			}
			if err := tx.InsertApplication(ctx, app); err != nil {
				return err
			}
			return m.dispatch.Submitted(ctx, tx, fx, app, ownerID)
		})
		if err != nil {
			return err
		}

		m.logger.Info("application submitted", map[string]interface{}{
			"applicationId": app.ID,
			"listingId":     app.ListingID,
			"position":      app.Position,
		})
		m.afterCommit(ctx, fx)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return app, nil
}

// ownerView loads an application and checks that caller owns its listing.
func (m *Manager) ownerView(ctx context.Context, op string, req TransitionRequest) (*models.Application, string, error) {
	if err := req.Validate(); err != nil {
		return nil, "", err
	}
	app, err := m.store.Get(ctx, req.ApplicationID)
	if err != nil {
		return nil, "", err
	}
	ownerID, err := m.gate.ListingOwner(ctx, app.ListingID)
	if err != nil {
		return nil, "", m.gateDenied(op, err)
	}
	if ownerID != req.CallerID {
		return nil, "", errors.NewUnauthorizedError("only the listing owner can review applications")
	}
	return app, ownerID, nil
}

// pendingUnderLock re-reads id inside the listing transaction and requires it to still be pending.
func pendingUnderLock(ctx context.Context, tx Tx, id string) (*models.Application, error) {
	cur, err := tx.GetApplication(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.Status != models.StatusPending {
		return nil, errors.NewNotPendingError(id, string(cur.Status))
	}
	return cur, nil
}

// Accept fills the listing with applicationID. Every other pending
// application is rejected, the queue is compacted and a chat room is opened.
// A chat room failure does not undo the acceptance; the result is marked Degraded.
func (m *Manager) Accept(ctx context.Context, applicationID, callerID string) (*TransitionResult, error) {
	req := TransitionRequest{ApplicationID: applicationID, CallerID: callerID}
	var res *TransitionResult
	err := m.observe(ctx, "accept", []attribute.KeyValue{
		attribute.String("application.id", applicationID),
	}, func(ctx context.Context) error {
		app, ownerID, err := m.ownerView(ctx, "accept", req)
		if err != nil {
			return err
		}

		var fx *Effects
		err = m.store.WithListing(ctx, app.ListingID, func(tx Tx) error {
			fx = &Effects{}
			res = &TransitionResult{}

			cur, err := pendingUnderLock(ctx, tx, applicationID)
			if err != nil {
				return err
			}
			filled, err := tx.AcceptedApplication(ctx)
			if err != nil {
				return err
			}
			if filled != nil {
				return errors.NewListingFilledError(cur.ListingID)
			}

			now := m.now()
			oldPos := cur.Position
			cur.Status = models.StatusAccepted
			cur.Position = 0
			cur.ReviewedAt = &now
			cur.UpdatedAt = now
			if err := tx.UpdateApplication(ctx, cur); err != nil {
				return err
			}

			rejected, err := m.dispatch.RejectSiblings(ctx, tx, fx, cur, callerID)
			if err != nil {
				return err
			}
			compacted, err := m.alloc.Compact(ctx, tx)
			if err != nil {
				return err
			}
			if err := m.dispatch.Accepted(ctx, tx, fx, cur, callerID, oldPos); err != nil {
				return err
			}

			room, chatErr, err := m.dispatch.ProvisionChatRoom(ctx, tx, fx, cur, ownerID, true)
			if err != nil {
				return err
			}
			if err := m.dispatch.AcceptanceNotice(ctx, tx, fx, cur, room); err != nil {
				return err
			}

			res.Application = cur
			res.Rejected = rejected
			res.ChatRoom = room
			res.Compacted = compacted
			if chatErr != nil {
				res.Degraded = true
				res.ChatRoomError = chatErr
			}
			return nil
		})
		if err != nil {
			return err
		}

		metrics.QueueRejectedByCascade.Add(float64(len(res.Rejected)))
		if res.Degraded {
			metrics.ChatRoomDegraded.Inc()
		}
		m.logger.Info("application accepted", map[string]interface{}{
			"applicationId": applicationID,
			"listingId":     app.ListingID,
			"rejected":      len(res.Rejected),
			"degraded":      res.Degraded,
		})
		m.afterCommit(ctx, fx)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Reject declines one pending application and closes the gap it leaves.
func (m *Manager) Reject(ctx context.Context, applicationID, callerID string) (*TransitionResult, error) {
	req := TransitionRequest{ApplicationID: applicationID, CallerID: callerID}
	var res *TransitionResult
	err := m.observe(ctx, "reject", []attribute.KeyValue{
		attribute.String("application.id", applicationID),
	}, func(ctx context.Context) error {
		app, _, err := m.ownerView(ctx, "reject", req)
		if err != nil {
			return err
		}

		var fx *Effects
		err = m.store.WithListing(ctx, app.ListingID, func(tx Tx) error {
			fx = &Effects{}
			cur, err := pendingUnderLock(ctx, tx, applicationID)
			if err != nil {
				return err
			}

			now := m.now()
			oldPos := cur.Position
			cur.Status = models.StatusRejected
			cur.Position = 0
			cur.ReviewedAt = &now
			cur.UpdatedAt = now
			if err := tx.UpdateApplication(ctx, cur); err != nil {
				return err
			}
			compacted, err := m.alloc.Compact(ctx, tx)
			if err != nil {
				return err
			}
			if err := m.dispatch.Rejected(ctx, tx, fx, cur, callerID, oldPos); err != nil {
				return err
			}
			res = &TransitionResult{Application: cur, Compacted: compacted}
			return nil
		})
		if err != nil {
			return err
		}
		m.afterCommit(ctx, fx)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Withdraw lets an applicant leave the queue while still pending.
func (m *Manager) Withdraw(ctx context.Context, applicationID, callerID string) (*TransitionResult, error) {
	req := TransitionRequest{ApplicationID: applicationID, CallerID: callerID}
	var res *TransitionResult
	err := m.observe(ctx, "withdraw", []attribute.KeyValue{
		attribute.String("application.id", applicationID),
	}, func(ctx context.Context) error {
		if err := req.Validate(); err != nil {
			return err
		}
		app, err := m.store.Get(ctx, applicationID)
		if err != nil {
			return err
		}
		if app.ApplicantID != callerID {
			return errors.NewUnauthorizedError("only the applicant can withdraw an application")
		}
		ownerID, err := m.gate.ListingOwner(ctx, app.ListingID)
		if err != nil {
			return m.gateDenied("withdraw", err)
		}

		var fx *Effects
		err = m.store.WithListing(ctx, app.ListingID, func(tx Tx) error {
			fx = &Effects{}
			cur, err := pendingUnderLock(ctx, tx, applicationID)
			if err != nil {
				return err
			}

			oldPos := cur.Position
			cur.Status = models.StatusWithdrawn
			cur.Position = 0
			cur.UpdatedAt = m.now()
			if err := tx.UpdateApplication(ctx, cur); err != nil {
				return err
			}
			compacted, err := m.alloc.Compact(ctx, tx)
			if err != nil {
				return err
			}
			if err := m.dispatch.Withdrawn(ctx, tx, fx, cur, ownerID, oldPos); err != nil {
				return err
			}
			res = &TransitionResult{Application: cur, Compacted: compacted}
			return nil
		})
		if err != nil {
			return err
		}
		m.afterCommit(ctx, fx)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Delete removes an application record. Allowed for the applicant and admins.
func (m *Manager) Delete(ctx context.Context, applicationID, callerID string) error {
	req := TransitionRequest{ApplicationID: applicationID, CallerID: callerID}
	return m.observe(ctx, "delete", []attribute.KeyValue{
		attribute.String("application.id", applicationID),
	}, func(ctx context.Context) error {
		if err := req.Validate(); err != nil {
			return err
		}
		app, err := m.store.Get(ctx, applicationID)
		if err != nil {
			return err
		}
		if app.ApplicantID != callerID {
			admin, err := m.gate.IsAdmin(ctx, callerID)
			if err != nil {
				return m.gateDenied("delete", err)
			}
			if !admin {
				return errors.NewUnauthorizedError("only the applicant or an admin can delete an application")
			}
		}

		var fx *Effects
		err = m.store.WithListing(ctx, app.ListingID, func(tx Tx) error {
			fx = &Effects{}
			cur, err := tx.GetApplication(ctx, applicationID)
			if err != nil {
				return err
			}
			if err := tx.DeleteApplication(ctx, applicationID); err != nil {
				return err
			}
			if cur.Status == models.StatusPending {
				if _, err := m.alloc.Compact(ctx, tx); err != nil {
					return err
				}
			}
			return m.dispatch.Deleted(ctx, tx, fx, cur, callerID)
		})
		if err != nil {
			return err
		}
		m.afterCommit(ctx, fx)
		return nil
	})
}

// canReadListing allows the listing owner and admins.
func (m *Manager) canReadListing(ctx context.Context, op, listingID, callerID string) error {
	ownerID, err := m.gate.ListingOwner(ctx, listingID)
	if err != nil {
		if errors.IsNotFound(err) {
			return err
		}
		return m.gateDenied(op, err)
	}
	if ownerID == callerID {
		return nil
	}
	admin, err := m.gate.IsAdmin(ctx, callerID)
	if err != nil {
		return m.gateDenied(op, err)
	}
	if !admin {
		return errors.NewUnauthorizedError("only the listing owner can view its applications")
	}
	return nil
}

// ListForListing returns the listing's applications, pending ones first in queue order.
func (m *Manager) ListForListing(ctx context.Context, listingID, callerID string) ([]*models.Application, error) {
	var apps []*models.Application
	err := m.observe(ctx, "list_listing", []attribute.KeyValue{
		attribute.String("listing.id", listingID),
	}, func(ctx context.Context) error {
		if err := m.canReadListing(ctx, "list_listing", listingID, callerID); err != nil {
			return err
		}
		var err error
		apps, err = m.store.ListForListing(ctx, listingID)
		return err
	})
	return apps, err
}

// ListForApplicant returns the caller's own applications, newest first.
func (m *Manager) ListForApplicant(ctx context.Context, applicantID string) ([]*models.Application, error) {
	var apps []*models.Application
	err := m.observe(ctx, "list_applicant", nil, func(ctx context.Context) error {
		if applicantID == "" {
			return errors.NewValidationError("applicantId: cannot be blank")
		}
		var err error
		apps, err = m.store.ListForApplicant(ctx, applicantID)
		return err
	})
	return apps, err
}

// Get returns one application to its applicant, the listing owner or an admin.
func (m *Manager) Get(ctx context.Context, applicationID, callerID string) (*models.Application, error) {
	app, err := m.store.Get(ctx, applicationID)
	if err != nil {
		return nil, err
	}
	if app.ApplicantID == callerID {
		return app, nil
	}
	if err := m.canReadListing(ctx, "get", app.ListingID, callerID); err != nil {
		return nil, err
	}
	return app, nil
}

// ProvisionChatRoom returns the chat room of an accepted application,
// creating it if an earlier acceptance ran degraded.
func (m *Manager) ProvisionChatRoom(ctx context.Context, applicationID, callerID string) (*models.ChatRoom, error) {
	req := TransitionRequest{ApplicationID: applicationID, CallerID: callerID}
	var room *models.ChatRoom
	err := m.observe(ctx, "provision_chat_room", []attribute.KeyValue{
		attribute.String("application.id", applicationID),
	}, func(ctx context.Context) error {
		if err := req.Validate(); err != nil {
			return err
		}
		app, err := m.store.Get(ctx, applicationID)
		if err != nil {
			return err
		}
		ownerID, err := m.gate.ListingOwner(ctx, app.ListingID)
		if err != nil {
			return m.gateDenied("provision_chat_room", err)
		}
		if callerID != ownerID && callerID != app.ApplicantID {
			return errors.NewUnauthorizedError("only the owner or the applicant can open the chat room")
		}

		var fx *Effects
		err = m.store.WithListing(ctx, app.ListingID, func(tx Tx) error {
			fx = &Effects{}
			cur, err := tx.GetApplication(ctx, applicationID)
			if err != nil {
				return err
			}
			if cur.Status != models.StatusAccepted {
				return errors.NewNotAcceptedError(applicationID, string(cur.Status))
			}
			r, chatErr, err := m.dispatch.ProvisionChatRoom(ctx, tx, fx, cur, ownerID, false)
			if err != nil {
				return err
			}
			if chatErr != nil {
				return chatErr
			}
			room = r
			return nil
		})
		if err != nil {
			return err
		}
		m.afterCommit(ctx, fx)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return room, nil
}

// History returns the listing's transition events to its owner or an admin.
// The search index is preferred; the store's audit table is the fallback.
func (m *Manager) History(ctx context.Context, listingID, callerID string, limit int) ([]*models.Event, error) {
	if err := m.canReadListing(ctx, "history", listingID, callerID); err != nil {
		return nil, err
	}
	if m.history != nil {
		events, err := m.history.Search(ctx, listingID, limit)
		if err == nil {
			return events, nil
		}
		m.logger.Warn("history index unavailable, reading audit table", map[string]interface{}{
			"listingId": listingID,
			"error":     err.Error(),
		})
	}
	return m.store.Events(ctx, listingID, limit)
}

// Ping reports whether the backing store is reachable.
func (m *Manager) Ping(ctx context.Context) error {
	return m.store.Ping(ctx)
}
