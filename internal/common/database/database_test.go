package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"rental-queue/internal/common/config"
	commonerrors "rental-queue/internal/common/errors"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithTx_Commits(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE applications").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	client := NewPostgresFromDB(db)
	err = client.WithTx(context.Background(), nil, func(tx *sql.Tx) error {
		_, err := tx.Exec("UPDATE applications SET status = 'rejected'")
		return err
	})

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectRollback()

	boom := errors.New("boom")
	client := NewPostgresFromDB(db)
	err = client.WithTx(context.Background(), nil, func(tx *sql.Tx) error {
		return boom
	})

	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresErrorClassification(t *testing.T) {
	unique := &pq.Error{Code: "23505", Constraint: "applications_active_applicant_uniq"}
	wrapped := fmt.Errorf("insert: %w", unique)

	assert.True(t, IsUniqueViolation(wrapped, ""))
	assert.True(t, IsUniqueViolation(wrapped, "applications_active_applicant_uniq"))
	assert.False(t, IsUniqueViolation(wrapped, "applications_pending_position_uniq"))
	assert.False(t, IsRetryable(wrapped))

	assert.True(t, IsRetryable(&pq.Error{Code: "40001"}))
	assert.True(t, IsRetryable(fmt.Errorf("x: %w", &pq.Error{Code: "40P01"})))
	assert.False(t, IsRetryable(errors.New("plain")))
}

func TestRedisClient_GetSetDel(t *testing.T) {
	mr := miniredis.RunT(t)
	client := NewRedisFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	defer client.Close()
	ctx := context.Background()

	require.NoError(t, client.Ping(ctx))

	_, ok, err := client.Get(ctx, "listing-owner:l1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, client.Set(ctx, "listing-owner:l1", "owner-1", time.Minute))
	val, ok, err := client.Get(ctx, "listing-owner:l1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "owner-1", val)

	require.NoError(t, client.Del(ctx, "listing-owner:l1"))
	assert.False(t, mr.Exists("listing-owner:l1"))
}

func esServer(t *testing.T, status int) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestElasticsearch_Ping(t *testing.T) {
	srv := esServer(t, http.StatusOK)
	client, err := NewElasticsearch(config.ElasticsearchConfig{Addresses: []string{srv.URL}, HistoryIndex: "application-history"})
	require.NoError(t, err)
	assert.Equal(t, "application-history", client.HistoryIndex)
	assert.NoError(t, client.Ping(context.Background()))
}

func TestElasticsearch_PingUnavailable(t *testing.T) {
	srv := esServer(t, http.StatusServiceUnavailable)
	client, err := NewElasticsearch(config.ElasticsearchConfig{Addresses: []string{srv.URL}})
	require.NoError(t, err)

	err = client.Ping(context.Background())
	require.Error(t, err)
	var se *commonerrors.StandardError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, commonerrors.ErrCodeDatabaseConnectionFailed, se.Code)
	assert.True(t, se.Retryable)
}

func TestElasticsearch_RequiresAddresses(t *testing.T) {
	_, err := NewElasticsearch(config.ElasticsearchConfig{})
	assert.Error(t, err)
}
