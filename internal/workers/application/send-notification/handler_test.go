package sendnotification

import (
	"context"
	"database/sql/driver"
	stderrors "errors"
	"testing"
	"time"

	"rental-queue/internal/common/auth"
	"rental-queue/internal/common/config"
	"rental-queue/internal/common/database"
	"rental-queue/internal/common/errors"
	"rental-queue/internal/common/logger"
	"rental-queue/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ==========================
// Mock Implementations
// ==========================

type MockSESService struct {
	sent          []*ses.SendEmailInput
	SendEmailFunc func(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

func (m *MockSESService) SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error) {
	m.sent = append(m.sent, params)
	if m.SendEmailFunc != nil {
		return m.SendEmailFunc(ctx, params, optFns...)
	}
	return &ses.SendEmailOutput{MessageId: aws.String("msg-1")}, nil
}

type MockSNSService struct {
	sent        []*sns.PublishInput
	PublishFunc func(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

func (m *MockSNSService) Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error) {
	m.sent = append(m.sent, params)
	if m.PublishFunc != nil {
		return m.PublishFunc(ctx, params, optFns...)
	}
	return &sns.PublishOutput{MessageId: aws.String("sms-1")}, nil
}

type fakeDirectory map[string]*auth.User

func (d fakeDirectory) GetUser(_ context.Context, userID string) (*auth.User, error) {
	u, ok := d[userID]
	if !ok {
		return nil, &errors.StandardError{Kind: errors.KindNotFound, Code: "USER_NOT_FOUND", Message: "User not found"}
	}
	return u, nil
}

// ==========================
// Test Helper Functions
// ==========================

var outboxColumns = []string{"id", "recipient_id", "type", "application_id", "listing_id", "payload", "attempts", "created_at"}

func createTestConfig() *Config {
	var n config.NotificationConfig
	n.Email.Enabled = true
	n.Email.FromEmail = "noreply@rentals.test"
	n.SMS.Enabled = true
	n.MaxAttempts = 3
	return LoadConfig(n, config.WorkerConfig{BatchSize: 10})
}

func directory() fakeDirectory {
	return fakeDirectory{
		"owner-1": {ID: "owner-1", Email: "owner@rentals.test", FirstName: "Olga"},
		"tenant-1": {ID: "tenant-1", Email: "tenant@rentals.test", FirstName: "Tom",
			Attributes: map[string][]string{"phone": {"+15550100"}}},
		"no-contact": {ID: "no-contact"},
	}
}

type harness struct {
	mock    sqlmock.Sqlmock
	ses     *MockSESService
	sns     *MockSNSService
	handler *Handler
}

func newHarness(t *testing.T, cfg *Config) *harness {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	h := &harness{mock: mock, ses: &MockSESService{}, sns: &MockSNSService{}}
	h.handler = NewHandler(cfg, database.NewPostgresFromDB(db), directory(), h.ses, h.sns, logger.NewTestLogger(t))
	h.handler.now = func() time.Time { return testNow }
	return h
}

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func row(id, recipient string, typ models.NotificationType, payload string, attempts int) []driver.Value {
	return []driver.Value{id, recipient, string(typ), "app-1", "listing-1", []byte(payload), attempts,
		time.Date(2024, 5, 1, 11, 0, 0, 0, time.UTC)}
}

// expectClaim sets up the claim transaction: select, flip to sending, commit.
func (h *harness) expectClaim(limit int, rows *sqlmock.Rows) {
	h.mock.ExpectBegin()
	h.mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).
		WithArgs(limit, testNow.Add(-5*time.Minute)).
		WillReturnRows(rows)
	h.mock.ExpectExec(`SET status = 'sending', claimed_at = \$2`).
		WithArgs(sqlmock.AnyArg(), testNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	h.mock.ExpectCommit()
}

// expectMark expects the result of one send to be recorded outside any transaction.
func (h *harness) expectMark(args ...driver.Value) *sqlmock.ExpectedExec {
	return h.mock.ExpectExec(`SET status = \$2, attempts = \$3`).
		WithArgs(append(args, testNow)...)
}

// ==========================
// Core Functionality Tests
// ==========================

func TestHandler_Execute_DeliversBatch(t *testing.T) {
	h := newHarness(t, createTestConfig())

	h.expectClaim(10, sqlmock.NewRows(outboxColumns).
		AddRow(row("n-1", "owner-1", models.NotificationNewApplication, `{"position":2}`, 0)...).
		AddRow(row("n-2", "tenant-1", models.NotificationApplicationAccepted, `{"chatRoomId":"room-1"}`, 0)...).
		AddRow(row("n-3", "no-contact", models.NotificationApplicationRejected, `{}`, 0)...).
		AddRow(row("n-4", "ghost", models.NotificationApplicationRejected, `{}`, 0)...))
	h.expectMark("n-1", models.DeliverySent, 0, "", sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 1))
	h.expectMark("n-2", models.DeliverySent, 0, "", sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 1))
	h.expectMark("n-3", models.DeliveryDisabled, 0, "", nil).WillReturnResult(sqlmock.NewResult(0, 1))
	h.expectMark("n-4", models.DeliveryDisabled, 0, sqlmock.AnyArg(), nil).WillReturnResult(sqlmock.NewResult(0, 1))

	out, err := h.handler.Execute(context.Background(), &Input{})
	require.NoError(t, err)

	assert.Equal(t, &Output{Claimed: 4, Sent: 2, Disabled: 2}, out)
	require.Len(t, h.ses.sent, 2)
	assert.Equal(t, []string{"owner@rentals.test"}, h.ses.sent[0].Destination.ToAddresses)
	assert.Contains(t, *h.ses.sent[0].Message.Body.Text.Data, "number 2 in the queue")
	assert.Equal(t, "noreply@rentals.test", *h.ses.sent[0].Source)
	assert.Contains(t, *h.ses.sent[1].Message.Body.Text.Data, "A chat room with the owner is open.")

	// only acceptances go out by SMS
	require.Len(t, h.sns.sent, 1)
	assert.Equal(t, "+15550100", *h.sns.sent[0].PhoneNumber)

	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestHandler_Execute_EmptyOutbox(t *testing.T) {
	h := newHarness(t, createTestConfig())

	h.mock.ExpectBegin()
	h.mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).WillReturnRows(sqlmock.NewRows(outboxColumns))
	h.mock.ExpectCommit()

	out, err := h.handler.Execute(context.Background(), &Input{})
	require.NoError(t, err)
	assert.Equal(t, &Output{}, out)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestHandler_Execute_SendsAfterClaimCommits(t *testing.T) {
	h := newHarness(t, createTestConfig())
	h.expectClaim(10, sqlmock.NewRows(outboxColumns).
		AddRow(row("n-1", "owner-1", models.NotificationNewApplication, `{}`, 0)...))

	var claimDone error
	h.ses.SendEmailFunc = func(context.Context, *ses.SendEmailInput, ...func(*ses.Options)) (*ses.SendEmailOutput, error) {
		// every claim expectation, commit included, is consumed before the first send
		claimDone = h.mock.ExpectationsWereMet()
		h.expectMark("n-1", models.DeliverySent, 0, "", sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 1))
		return &ses.SendEmailOutput{MessageId: aws.String("msg-1")}, nil
	}

	out, err := h.handler.Execute(context.Background(), &Input{})
	require.NoError(t, err)
	assert.Equal(t, 1, out.Sent)
	require.Len(t, h.ses.sent, 1)
	assert.NoError(t, claimDone)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestHandler_Execute_ReclaimsStaleRows(t *testing.T) {
	cfg := createTestConfig()
	cfg.ClaimTTL = 10 * time.Minute
	h := newHarness(t, cfg)

	h.mock.ExpectBegin()
	h.mock.ExpectQuery(`status = 'sending' AND claimed_at < \$2`).
		WithArgs(10, testNow.Add(-10*time.Minute)).
		WillReturnRows(sqlmock.NewRows(outboxColumns).
			AddRow(row("n-1", "owner-1", models.NotificationNewApplication, `{}`, 1)...))
	h.mock.ExpectExec(`SET status = 'sending'`).WithArgs(sqlmock.AnyArg(), testNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	h.mock.ExpectCommit()
	h.expectMark("n-1", models.DeliverySent, 1, "", sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 1))

	out, err := h.handler.Execute(context.Background(), &Input{})
	require.NoError(t, err)
	assert.Equal(t, 1, out.Sent)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestHandler_Execute_SendFailureCountsAttempts(t *testing.T) {
	h := newHarness(t, createTestConfig())
	h.ses.SendEmailFunc = func(context.Context, *ses.SendEmailInput, ...func(*ses.Options)) (*ses.SendEmailOutput, error) {
		return nil, stderrors.New("throttled")
	}

	h.expectClaim(5, sqlmock.NewRows(outboxColumns).
		AddRow(row("n-1", "owner-1", models.NotificationNewApplication, `{}`, 0)...).
		AddRow(row("n-2", "owner-1", models.NotificationApplicationWithdrawn, `{}`, 2)...))
	h.expectMark("n-1", models.DeliveryPending, 1, sqlmock.AnyArg(), nil).WillReturnResult(sqlmock.NewResult(0, 1))
	h.expectMark("n-2", models.DeliveryFailed, 3, sqlmock.AnyArg(), nil).WillReturnResult(sqlmock.NewResult(0, 1))

	out, err := h.handler.Execute(context.Background(), &Input{BatchSize: 5})
	require.NoError(t, err)
	assert.Equal(t, &Output{Claimed: 2, Retrying: 1, Failed: 1}, out)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestHandler_Execute_SMSFailureAfterEmailStillSent(t *testing.T) {
	h := newHarness(t, createTestConfig())
	h.sns.PublishFunc = func(context.Context, *sns.PublishInput, ...func(*sns.Options)) (*sns.PublishOutput, error) {
		return nil, stderrors.New("sms quota exceeded")
	}

	h.expectClaim(10, sqlmock.NewRows(outboxColumns).
		AddRow(row("n-1", "tenant-1", models.NotificationApplicationAccepted, `{}`, 0)...))
	h.expectMark("n-1", models.DeliverySent, 0, "", sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 1))

	out, err := h.handler.Execute(context.Background(), &Input{})
	require.NoError(t, err)
	assert.Equal(t, 1, out.Sent)
	// accepted without a room yet
	assert.Contains(t, *h.ses.sent[0].Message.Body.Text.Data, "The owner will open a chat with you shortly.")
	assert.NotContains(t, *h.ses.sent[0].Message.Body.Text.Data, "chat room with the owner is open")
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestHandler_Execute_UnknownTypeFailsImmediately(t *testing.T) {
	h := newHarness(t, createTestConfig())

	h.expectClaim(10, sqlmock.NewRows(outboxColumns).
		AddRow(row("n-1", "owner-1", models.NotificationType("listing_expired"), `{}`, 0)...))
	h.expectMark("n-1", models.DeliveryFailed, 1, "no template for listing_expired", nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	out, err := h.handler.Execute(context.Background(), &Input{})
	require.NoError(t, err)
	assert.Equal(t, 1, out.Failed)
	assert.Empty(t, h.ses.sent)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestHandler_Execute_ClaimFailure(t *testing.T) {
	h := newHarness(t, createTestConfig())

	h.mock.ExpectBegin()
	h.mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).WillReturnError(stderrors.New("connection reset"))
	h.mock.ExpectRollback()

	out, err := h.handler.Execute(context.Background(), &Input{})
	require.Error(t, err)
	assert.Nil(t, out)
	assert.Equal(t, errors.ErrCodeQueryExecutionFailed, errors.AsStandard(err).Code)
	assert.True(t, errors.AsStandard(err).Retryable)
	assert.Empty(t, h.ses.sent)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestHandler_Execute_LostClaimIsNotAnError(t *testing.T) {
	h := newHarness(t, createTestConfig())

	h.expectClaim(10, sqlmock.NewRows(outboxColumns).
		AddRow(row("n-1", "owner-1", models.NotificationNewApplication, `{}`, 0)...))
	// another drain took the row over after the claim expired
	h.expectMark("n-1", models.DeliverySent, 0, "", sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 0))

	out, err := h.handler.Execute(context.Background(), &Input{})
	require.NoError(t, err)
	assert.Equal(t, 1, out.Sent)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestHandler_Execute_RecordFailureFailsJob(t *testing.T) {
	h := newHarness(t, createTestConfig())

	h.expectClaim(10, sqlmock.NewRows(outboxColumns).
		AddRow(row("n-1", "owner-1", models.NotificationNewApplication, `{}`, 0)...).
		AddRow(row("n-2", "owner-1", models.NotificationApplicationWithdrawn, `{}`, 0)...))
	h.expectMark("n-1", models.DeliverySent, 0, "", sqlmock.AnyArg()).WillReturnError(stderrors.New("connection reset"))
	// later rows are still recorded
	h.expectMark("n-2", models.DeliverySent, 0, "", sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 1))

	out, err := h.handler.Execute(context.Background(), &Input{})
	require.Error(t, err)
	assert.Nil(t, out)
	assert.Equal(t, errors.ErrCodeQueryExecutionFailed, errors.AsStandard(err).Code)
	assert.Len(t, h.ses.sent, 2)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestHandler_ChannelsDisabled(t *testing.T) {
	cfg := createTestConfig()
	cfg.EmailEnabled = false
	cfg.SMSEnabled = false
	h := newHarness(t, cfg)

	h.expectClaim(10, sqlmock.NewRows(outboxColumns).
		AddRow(row("n-1", "tenant-1", models.NotificationApplicationAccepted, `{}`, 0)...))
	h.expectMark("n-1", models.DeliveryDisabled, 0, "", nil).WillReturnResult(sqlmock.NewResult(0, 1))

	out, err := h.handler.Execute(context.Background(), &Input{})
	require.NoError(t, err)
	assert.Equal(t, 1, out.Disabled)
	assert.Empty(t, h.ses.sent)
	assert.Empty(t, h.sns.sent)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

// ==========================
// Unit Tests
// ==========================

func TestLoadConfig_Defaults(t *testing.T) {
	cfg := LoadConfig(config.NotificationConfig{}, config.WorkerConfig{})
	assert.Equal(t, 50, cfg.BatchSize)
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.Timeout)
	assert.Equal(t, 5*time.Minute, cfg.ClaimTTL)
}

func TestLoadConfig_ClaimOutlivesRun(t *testing.T) {
	cfg := LoadConfig(config.NotificationConfig{ClaimTTL: 60}, config.WorkerConfig{Timeout: 90000})
	assert.Equal(t, 90*time.Second, cfg.Timeout)
	assert.Equal(t, 3*time.Minute, cfg.ClaimTTL)
}

func TestChatRoomNote(t *testing.T) {
	assert.Equal(t, "A chat room with the owner is open.", chatRoomNote(map[string]interface{}{"chatRoomId": "room-1"}))
	assert.Equal(t, "The owner will open a chat with you shortly.", chatRoomNote(map[string]interface{}{}))
	assert.Equal(t, "The owner will open a chat with you shortly.", chatRoomNote(nil))
}

func TestSMSTypesOverride(t *testing.T) {
	cfg := createTestConfig()
	cfg.SMSTypes = []string{string(models.NotificationNewApplication)}
	h := newHarness(t, cfg)

	assert.True(t, h.handler.smsTypes[models.NotificationNewApplication])
	assert.False(t, h.handler.smsTypes[models.NotificationApplicationAccepted])
}

func TestRenderTemplate(t *testing.T) {
	tests := []struct {
		name string
		tmpl string
		data map[string]interface{}
		want string
	}{
		{"string", "Hi {{name}}", map[string]interface{}{"name": "Ana"}, "Hi Ana"},
		{"json number", "#{{position}}", map[string]interface{}{"position": float64(3)}, "#3"},
		{"int", "#{{position}}", map[string]interface{}{"position": 7}, "#7"},
		{"missing", "Hi {{name}}!", map[string]interface{}{}, "Hi !"},
		{"nil", "[{{v}}]", map[string]interface{}{"v": nil}, "[]"},
		{"unterminated", "Hi {{name", map[string]interface{}{}, "Hi {{name"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, renderTemplate(tt.tmpl, tt.data))
		})
	}
}

func TestDefaultTemplates_CoverEveryType(t *testing.T) {
	templates := defaultTemplates()
	for _, typ := range []models.NotificationType{
		models.NotificationNewApplication,
		models.NotificationApplicationAccepted,
		models.NotificationApplicationRejected,
		models.NotificationApplicationWithdrawn,
	} {
		tmpl, ok := templates[typ]
		require.True(t, ok, "missing template for %s", typ)
		assert.NotEmpty(t, tmpl.Subject)
		assert.NotEmpty(t, tmpl.Body)
	}
}
