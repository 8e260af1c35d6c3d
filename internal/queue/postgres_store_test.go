package queue

import (
	"context"
	stderrors "errors"
	"regexp"
	"testing"
	"time"

	"rental-queue/internal/common/database"
	"rental-queue/internal/common/errors"
	"rental-queue/internal/common/logger"
	"rental-queue/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var appColumns = []string{"id", "seq", "listing_id", "applicant_id", "status", "position", "notes", "applied_at", "reviewed_at", "updated_at"}

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := NewPostgresStore(database.NewPostgresFromDB(db), StoreConfig{
		TxTimeout: time.Second,
		Retry:     RetryPolicy{Attempts: 3, BaseDelay: time.Millisecond},
	}, logger.NewTestLogger(t))
	return store, mock
}

func expectLock(mock sqlmock.Sqlmock, listingID string) {
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`)).
		WithArgs("listing:" + listingID).
		WillReturnResult(sqlmock.NewResult(0, 0))
}

func TestPostgresStore_Migrate(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE IF NOT EXISTS applications`)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, store.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AllocateAndInsert(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	expectLock(mock, "L1")
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COALESCE(MAX(position), 0)`)).
		WithArgs("L1").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(2))
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO applications`)).
		WithArgs("app-1", "L1", "alice", "pending", 3, "", now, now).
		WillReturnRows(sqlmock.NewRows([]string{"seq"}).AddRow(41))
	mock.ExpectCommit()

	app := &models.Application{ID: "app-1", ListingID: "L1", ApplicantID: "alice", Status: models.StatusPending, AppliedAt: now, UpdatedAt: now}
	err := store.WithListing(ctx, "L1", func(tx Tx) error {
		pos, err := Allocator{}.Allocate(ctx, tx)
		if err != nil {
			return err
		}
		app.Position = pos
		return tx.InsertApplication(ctx, app)
	})

	require.NoError(t, err)
	assert.Equal(t, 3, app.Position)
	assert.Equal(t, int64(41), app.Seq)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertMapsActiveUniqueViolation(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	expectLock(mock, "L1")
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO applications`)).
		WillReturnError(&pq.Error{Code: "23505", Constraint: activeApplicantConstraint})
	mock.ExpectRollback()

	err := store.WithListing(ctx, "L1", func(tx Tx) error {
		return tx.InsertApplication(ctx, &models.Application{ID: "app-1", ListingID: "L1", ApplicantID: "alice", Status: models.StatusPending, Position: 1})
	})

	assertCode(t, err, errors.ErrCodeAlreadyApplied)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RetriesSerializationFailure(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`pg_advisory_xact_lock`)).
		WillReturnError(&pq.Error{Code: "40P01"})
	mock.ExpectRollback()
	expectLock(mock, "L1")
	mock.ExpectCommit()

	calls := 0
	err := store.WithListing(ctx, "L1", func(tx Tx) error {
		calls++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GivesUpAfterRetries(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta(`pg_advisory_xact_lock`)).
			WillReturnError(&pq.Error{Code: "40001"})
		mock.ExpectRollback()
	}

	err := store.WithListing(ctx, "L1", func(tx Tx) error { return nil })

	assertCode(t, err, errors.ErrCodeTransactionAborted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateMapsOneAcceptedViolation(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	expectLock(mock, "L1")
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE applications`)).
		WithArgs("app-2", "accepted", nil, now, now, "L1").
		WillReturnError(&pq.Error{Code: "23505", Constraint: oneAcceptedConstraint})
	mock.ExpectRollback()

	err := store.WithListing(ctx, "L1", func(tx Tx) error {
		return tx.UpdateApplication(ctx, &models.Application{ID: "app-2", Status: models.StatusAccepted, ReviewedAt: &now, UpdatedAt: now})
	})

	assertCode(t, err, errors.ErrCodeListingFilled)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SavepointRollsBackOnFailure(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	expectLock(mock, "L1")
	mock.ExpectExec(regexp.QuoteMeta(`SAVEPOINT "chat_room"`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`ROLLBACK TO SAVEPOINT "chat_room"`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	chatDown := stderrors.New("chat down")
	var spErr error
	err := store.WithListing(ctx, "L1", func(tx Tx) error {
		spErr = tx.Savepoint(ctx, "chat_room", func() error { return chatDown })
		return nil
	})

	require.NoError(t, err)
	assert.Same(t, chatDown, spErr)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SavepointRollbackFailureAbortsTx(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	expectLock(mock, "L1")
	mock.ExpectExec(regexp.QuoteMeta(`SAVEPOINT "chat_room"`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`ROLLBACK TO SAVEPOINT`)).WillReturnError(stderrors.New("connection reset"))
	mock.ExpectRollback()

	err := store.WithListing(ctx, "L1", func(tx Tx) error {
		err := tx.Savepoint(ctx, "chat_room", func() error { return stderrors.New("chat down") })
		assert.ErrorIs(t, err, ErrTxAborted)
		return err
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTxAborted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM applications WHERE id = $1`)).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(appColumns))

	_, err := store.Get(context.Background(), "missing")
	assertCode(t, err, errors.ErrCodeApplicationNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListForApplicantScansNullableColumns(t *testing.T) {
	store, mock := newMockStore(t)
	applied := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	reviewed := applied.Add(time.Hour)

	mock.ExpectQuery(regexp.QuoteMeta(`WHERE applicant_id = $1`)).
		WithArgs("alice").
		WillReturnRows(sqlmock.NewRows(appColumns).
			AddRow("app-2", 9, "L2", "alice", "pending", 4, "", applied.Add(time.Minute), nil, applied.Add(time.Minute)).
			AddRow("app-1", 3, "L1", "alice", "rejected", nil, "hi", applied, reviewed, reviewed))

	apps, err := store.ListForApplicant(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, apps, 2)

	assert.Equal(t, 4, apps[0].Position)
	assert.Nil(t, apps[0].ReviewedAt)
	assert.Equal(t, int64(9), apps[0].Seq)

	assert.Equal(t, models.StatusRejected, apps[1].Status)
	assert.Zero(t, apps[1].Position)
	require.NotNil(t, apps[1].ReviewedAt)
	assert.True(t, reviewed.Equal(*apps[1].ReviewedAt))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SetPositionMissingRow(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	expectLock(mock, "L1")
	mock.ExpectExec(regexp.QuoteMeta(`SET position = $2`)).
		WithArgs("gone", 1).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := store.WithListing(ctx, "L1", func(tx Tx) error {
		return tx.SetPosition(ctx, "gone", 1)
	})

	assertCode(t, err, errors.ErrCodeApplicationNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
