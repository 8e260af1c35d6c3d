// internal/queue/postgres_store.go
package queue

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"rental-queue/internal/common/database"
	"rental-queue/internal/common/errors"
	"rental-queue/internal/common/logger"
	"rental-queue/internal/models"

	"github.com/lib/pq"
)

//go:embed schema.sql
var schemaSQL string

const (
	activeApplicantConstraint = "applications_active_applicant_uniq"
	oneAcceptedConstraint     = "applications_one_accepted_uniq"

	applicationColumns = `id, seq, listing_id, applicant_id, status, position, notes, applied_at, reviewed_at, updated_at`
	chatRoomColumns    = `id, application_id, listing_id, owner_id, applicant_id, created_at`
	eventColumns       = `id, application_id, listing_id, applicant_id, actor_id, type, from_status, to_status, position, occurred_at`
)

type StoreConfig struct {
	TxTimeout time.Duration
	Retry     RetryPolicy
}

// PostgresStore keeps the queue in PostgreSQL. A listing transaction holds a
// transaction-scoped advisory lock keyed by the listing id.
type PostgresStore struct {
	pg     *database.PostgresClient
	config StoreConfig
	logger logger.Logger
}

func NewPostgresStore(pg *database.PostgresClient, cfg StoreConfig, log logger.Logger) *PostgresStore {
	return &PostgresStore{
		pg:     pg,
		config: cfg,
		logger: log.WithFields(map[string]interface{}{"component": "postgres-store"}),
	}
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pg.DB.ExecContext(ctx, schemaSQL); err != nil {
		return errors.NewQueryExecutionFailedError("migrate", err)
	}
	s.logger.Info("queue schema applied", nil)
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pg.Ping(ctx)
}

func (s *PostgresStore) WithListing(ctx context.Context, listingID string, fn func(tx Tx) error) error {
	attempt := 0
	return s.config.Retry.Do(ctx, database.IsRetryable, func() error {
		attempt++
		err := s.runListingTx(ctx, listingID, fn)
		if err != nil && database.IsRetryable(err) {
			s.logger.Warn("listing transaction conflict", map[string]interface{}{
				"listingId": listingID,
				"attempt":   attempt,
				"error":     err.Error(),
			})
		}
		return err
	})
}

func (s *PostgresStore) runListingTx(ctx context.Context, listingID string, fn func(tx Tx) error) error {
	if s.config.TxTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.TxTimeout)
		defer cancel()
	}

	err := s.pg.WithTx(ctx, nil, func(sqlTx *sql.Tx) error {
		// 64-bit key so unrelated listings practically never share a lock
		if _, err := sqlTx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, "listing:"+listingID); err != nil {
			return errors.NewQueryExecutionFailedError("lock listing", err)
		}
		return fn(&pgTx{tx: sqlTx, listingID: listingID})
	})
	if err == nil {
		return nil
	}

	var std *errors.StandardError
	if stderrors.As(err, &std) {
		return err
	}
	return errors.NewQueryExecutionFailedError("listing transaction", err)
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*models.Application, error) {
	row := s.pg.DB.QueryRowContext(ctx, `SELECT `+applicationColumns+` FROM applications WHERE id = $1`, id)
	app, err := scanApplication(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewApplicationNotFoundError(id)
	}
	if err != nil {
		return nil, errors.NewQueryExecutionFailedError("get application", err)
	}
	return app, nil
}

func (s *PostgresStore) ListForListing(ctx context.Context, listingID string) ([]*models.Application, error) {
	rows, err := s.pg.DB.QueryContext(ctx, `
		SELECT `+applicationColumns+`
		FROM applications
		WHERE listing_id = $1
		ORDER BY (status <> 'pending'), position, applied_at, seq`, listingID)
	if err != nil {
		return nil, errors.NewQueryExecutionFailedError("list for listing", err)
	}
	return scanApplications(rows, "list for listing")
}

func (s *PostgresStore) ListForApplicant(ctx context.Context, applicantID string) ([]*models.Application, error) {
	rows, err := s.pg.DB.QueryContext(ctx, `
		SELECT `+applicationColumns+`
		FROM applications
		WHERE applicant_id = $1
		ORDER BY applied_at DESC, seq DESC`, applicantID)
	if err != nil {
		return nil, errors.NewQueryExecutionFailedError("list for applicant", err)
	}
	return scanApplications(rows, "list for applicant")
}

func (s *PostgresStore) ChatRoom(ctx context.Context, applicationID string) (*models.ChatRoom, error) {
	row := s.pg.DB.QueryRowContext(ctx, `SELECT `+chatRoomColumns+` FROM chat_rooms WHERE application_id = $1`, applicationID)
	return scanChatRoom(row)
}

func (s *PostgresStore) Events(ctx context.Context, listingID string, limit int) ([]*models.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM application_events WHERE listing_id = $1 ORDER BY occurred_at, id`
	args := []interface{}{listingID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pg.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.NewQueryExecutionFailedError("list events", err)
	}
	defer rows.Close()

	var events []*models.Event
	for rows.Next() {
		var ev models.Event
		var typ, from, to string
		if err := rows.Scan(&ev.ID, &ev.ApplicationID, &ev.ListingID, &ev.ApplicantID, &ev.ActorID,
			&typ, &from, &to, &ev.Position, &ev.OccurredAt); err != nil {
			return nil, errors.NewQueryExecutionFailedError("scan event", err)
		}
		ev.Type = models.EventType(typ)
		ev.FromStatus = models.ApplicationStatus(from)
		ev.ToStatus = models.ApplicationStatus(to)
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewQueryExecutionFailedError("list events", err)
	}
	return events, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanApplication(row rowScanner) (*models.Application, error) {
	var (
		app        models.Application
		status     string
		position   sql.NullInt64
		reviewedAt sql.NullTime
	)
	if err := row.Scan(&app.ID, &app.Seq, &app.ListingID, &app.ApplicantID, &status, &position,
		&app.Notes, &app.AppliedAt, &reviewedAt, &app.UpdatedAt); err != nil {
		return nil, err
	}
	app.Status = models.ApplicationStatus(status)
	if position.Valid {
		app.Position = int(position.Int64)
	}
	if reviewedAt.Valid {
		t := reviewedAt.Time.UTC()
		app.ReviewedAt = &t
	}
	app.AppliedAt = app.AppliedAt.UTC()
	app.UpdatedAt = app.UpdatedAt.UTC()
	return &app, nil
}

func scanApplications(rows *sql.Rows, op string) ([]*models.Application, error) {
	defer rows.Close()

	var apps []*models.Application
	for rows.Next() {
		app, err := scanApplication(rows)
		if err != nil {
			return nil, errors.NewQueryExecutionFailedError(op, err)
		}
		apps = append(apps, app)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewQueryExecutionFailedError(op, err)
	}
	return apps, nil
}

func scanChatRoom(row rowScanner) (*models.ChatRoom, error) {
	var room models.ChatRoom
	err := row.Scan(&room.ID, &room.ApplicationID, &room.ListingID, &room.OwnerID, &room.ApplicantID, &room.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.NewQueryExecutionFailedError("get chat room", err)
	}
	room.CreatedAt = room.CreatedAt.UTC()
	return &room, nil
}

// nullPosition stores 0 as NULL, matching the pending-only position check.
func nullPosition(p int) interface{} {
	if p <= 0 {
		return nil
	}
	return p
}

type pgTx struct {
	tx        *sql.Tx
	listingID string
}

func (t *pgTx) ListingID() string { return t.listingID }

func (t *pgTx) GetApplication(ctx context.Context, id string) (*models.Application, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT `+applicationColumns+`
		FROM applications
		WHERE id = $1 AND listing_id = $2`, id, t.listingID)
	app, err := scanApplication(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewApplicationNotFoundError(id)
	}
	if err != nil {
		return nil, errors.NewQueryExecutionFailedError("get application", err)
	}
	return app, nil
}

func (t *pgTx) ActiveApplication(ctx context.Context, applicantID string) (*models.Application, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT `+applicationColumns+`
		FROM applications
		WHERE listing_id = $1 AND applicant_id = $2 AND status IN ('pending', 'accepted')
		LIMIT 1`, t.listingID, applicantID)
	return t.optional(scanApplication(row))
}

func (t *pgTx) AcceptedApplication(ctx context.Context) (*models.Application, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT `+applicationColumns+`
		FROM applications
		WHERE listing_id = $1 AND status = 'accepted'
		LIMIT 1`, t.listingID)
	return t.optional(scanApplication(row))
}

func (t *pgTx) optional(app *models.Application, err error) (*models.Application, error) {
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.NewQueryExecutionFailedError("get application", err)
	}
	return app, nil
}

func (t *pgTx) MaxPendingPosition(ctx context.Context) (int, error) {
	var max int
	err := t.tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(position), 0)
		FROM applications
		WHERE listing_id = $1 AND status = 'pending'`, t.listingID).Scan(&max)
	if err != nil {
		return 0, errors.NewQueryExecutionFailedError("max position", err)
	}
	return max, nil
}

func (t *pgTx) PendingApplications(ctx context.Context) ([]*models.Application, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+applicationColumns+`
		FROM applications
		WHERE listing_id = $1 AND status = 'pending'
		ORDER BY applied_at, seq`, t.listingID)
	if err != nil {
		return nil, errors.NewQueryExecutionFailedError("pending applications", err)
	}
	return scanApplications(rows, "pending applications")
}

func (t *pgTx) InsertApplication(ctx context.Context, app *models.Application) error {
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO applications (id, listing_id, applicant_id, status, position, notes, applied_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING seq`,
		app.ID, app.ListingID, app.ApplicantID, string(app.Status), nullPosition(app.Position),
		app.Notes, app.AppliedAt, app.UpdatedAt,
	).Scan(&app.Seq)
	if database.IsUniqueViolation(err, activeApplicantConstraint) {
		return errors.NewAlreadyAppliedError(app.ListingID, app.ApplicantID)
	}
	if err != nil {
		return errors.NewQueryExecutionFailedError("insert application", err)
	}
	return nil
}

func (t *pgTx) UpdateApplication(ctx context.Context, app *models.Application) error {
	var reviewedAt interface{}
	if app.ReviewedAt != nil {
		reviewedAt = *app.ReviewedAt
	}

	res, err := t.tx.ExecContext(ctx, `
		UPDATE applications
		SET status = $2, position = $3, reviewed_at = $4, updated_at = $5
		WHERE id = $1 AND listing_id = $6`,
		app.ID, string(app.Status), nullPosition(app.Position), reviewedAt, app.UpdatedAt, t.listingID)
	if database.IsUniqueViolation(err, oneAcceptedConstraint) {
		return errors.NewListingFilledError(t.listingID)
	}
	if err != nil {
		return errors.NewQueryExecutionFailedError("update application", err)
	}
	return t.expectOne(res, app.ID)
}

func (t *pgTx) SetPosition(ctx context.Context, id string, position int) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE applications
		SET position = $2, updated_at = now()
		WHERE id = $1 AND status = 'pending'`, id, position)
	if err != nil {
		return errors.NewQueryExecutionFailedError("set position", err)
	}
	return t.expectOne(res, id)
}

func (t *pgTx) DeleteApplication(ctx context.Context, id string) error {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM applications WHERE id = $1 AND listing_id = $2`, id, t.listingID)
	if err != nil {
		return errors.NewQueryExecutionFailedError("delete application", err)
	}
	return t.expectOne(res, id)
}

func (t *pgTx) expectOne(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.NewQueryExecutionFailedError("rows affected", err)
	}
	if n == 0 {
		return errors.NewApplicationNotFoundError(id)
	}
	return nil
}

func (t *pgTx) FindChatRoom(ctx context.Context, applicationID string) (*models.ChatRoom, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+chatRoomColumns+` FROM chat_rooms WHERE application_id = $1`, applicationID)
	return scanChatRoom(row)
}

func (t *pgTx) InsertChatRoom(ctx context.Context, room *models.ChatRoom) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO chat_rooms (`+chatRoomColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		room.ID, room.ApplicationID, room.ListingID, room.OwnerID, room.ApplicantID, room.CreatedAt)
	if err != nil {
		return errors.NewQueryExecutionFailedError("insert chat room", err)
	}
	return nil
}

func (t *pgTx) InsertNotification(ctx context.Context, n *models.Notification) error {
	payload, err := json.Marshal(n.Payload)
	if err != nil {
		return fmt.Errorf("marshal notification payload: %w", err)
	}

	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO notifications (id, recipient_id, type, application_id, listing_id, payload, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		n.ID, n.RecipientID, string(n.Type), n.ApplicationID, n.ListingID, payload, n.Status, n.CreatedAt)
	if err != nil {
		return errors.NewQueryExecutionFailedError("insert notification", err)
	}
	return nil
}

func (t *pgTx) InsertEvent(ctx context.Context, e *models.Event) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO application_events (`+eventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.ApplicationID, e.ListingID, e.ApplicantID, e.ActorID, string(e.Type),
		string(e.FromStatus), string(e.ToStatus), e.Position, e.OccurredAt)
	if err != nil {
		return errors.NewQueryExecutionFailedError("insert event", err)
	}
	return nil
}

func (t *pgTx) Savepoint(ctx context.Context, name string, fn func() error) error {
	ident := pq.QuoteIdentifier(name)
	if _, err := t.tx.ExecContext(ctx, `SAVEPOINT `+ident); err != nil {
		return fmt.Errorf("%w: savepoint %s: %v", ErrTxAborted, name, err)
	}

	if fnErr := fn(); fnErr != nil {
		if _, err := t.tx.ExecContext(ctx, `ROLLBACK TO SAVEPOINT `+ident); err != nil {
			return fmt.Errorf("%w: rollback to %s: %v (after %v)", ErrTxAborted, name, err, fnErr)
		}
		return fnErr
	}

	if _, err := t.tx.ExecContext(ctx, `RELEASE SAVEPOINT `+ident); err != nil {
		return fmt.Errorf("%w: release %s: %v", ErrTxAborted, name, err)
	}
	return nil
}
