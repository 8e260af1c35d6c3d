package sendnotification

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"rental-queue/internal/common/auth"
	awsx "rental-queue/internal/common/aws"
	"rental-queue/internal/common/database"
	"rental-queue/internal/common/errors"
	"rental-queue/internal/common/logger"
	"rental-queue/internal/common/metrics"
	"rental-queue/internal/models"

	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/worker"
)

const (
	TaskType = "send-notification"
)

// errClaimLost means another drain reclaimed the row after its claim expired.
var errClaimLost = stderrors.New("claim lost")

// ContactDirectory resolves a recipient id to an email address and phone number.
type ContactDirectory interface {
	GetUser(ctx context.Context, userID string) (*auth.User, error)
}

type Handler struct {
	config     *Config
	db         *database.PostgresClient
	users      ContactDirectory
	sesClient  awsx.SESService
	snsClient  awsx.SNSService
	templates  map[models.NotificationType]models.NotificationTemplate
	smsTypes   map[models.NotificationType]bool
	now        func() time.Time
	logger     logger.Logger
	errHandler *errors.ErrorHandler
}

func NewHandler(config *Config, db *database.PostgresClient, users ContactDirectory,
	sesClient awsx.SESService, snsClient awsx.SNSService, log logger.Logger) *Handler {
	l := log.WithFields(map[string]interface{}{"taskType": TaskType})

	templates := defaultTemplates()
	smsTypes := make(map[models.NotificationType]bool)
	if len(config.SMSTypes) > 0 {
		for _, t := range config.SMSTypes {
			smsTypes[models.NotificationType(t)] = true
		}
	} else {
		for t, tmpl := range templates {
			smsTypes[t] = tmpl.SMS
		}
	}

	return &Handler{
		config:     config,
		db:         db,
		users:      users,
		sesClient:  sesClient,
		snsClient:  snsClient,
		templates:  templates,
		smsTypes:   smsTypes,
		now:        func() time.Time { return time.Now().UTC() },
		logger:     l,
		errHandler: errors.NewErrorHandler(l),
	}
}

func (h *Handler) Handle(client worker.JobClient, job entities.Job) {
	h.logger.Info("processing job", map[string]interface{}{
		"jobKey":      job.Key,
		"workflowKey": job.ProcessInstanceKey,
	})

	ctx, cancel := context.WithTimeout(context.Background(), h.config.Timeout)
	defer cancel()

	var input Input
	if strings.TrimSpace(job.Variables) != "" {
		if err := json.Unmarshal([]byte(job.Variables), &input); err != nil {
			h.errHandler.HandleJobError(ctx, client, job, errors.NewValidationError("parse input: "+err.Error()))
			return
		}
	}

	output, err := h.execute(ctx, &input)
	if err != nil {
		h.errHandler.HandleJobError(ctx, client, job, err)
		return
	}

	cmd, err := client.NewCompleteJobCommand().JobKey(job.Key).VariablesFromObject(output)
	if err != nil {
		h.logger.Error("failed to create complete job command", map[string]interface{}{"error": err.Error()})
		return
	}
	if _, err := cmd.Send(ctx); err != nil {
		h.logger.Error("failed to send complete job command", map[string]interface{}{"error": err.Error()})
	}
}

// execute drains one batch of the outbox. Per-notification failures are
// recorded on the row; only a failure to claim or record fails the job.
func (h *Handler) execute(ctx context.Context, input *Input) (*Output, error) {
	limit := h.config.BatchSize
	if input.BatchSize > 0 {
		limit = input.BatchSize
	}

	now := h.now()
	batch, err := claimBatch(ctx, h.db, limit, now, now.Add(-h.config.ClaimTTL))
	if err != nil {
		return nil, errors.NewQueryExecutionFailedError("claim notification outbox", err)
	}

	out := &Output{Claimed: len(batch)}
	var recordErr error
	for _, n := range batch {
		h.deliver(ctx, n)
		switch n.Status {
		case models.DeliverySent:
			out.Sent++
		case models.DeliveryDisabled:
			out.Disabled++
		case models.DeliveryFailed:
			out.Failed++
		default:
			out.Retrying++
		}
		metrics.NotificationsDelivered.WithLabelValues(string(n.Type), n.Status).Inc()

		err := markResult(ctx, h.db.DB, n)
		switch {
		case err == nil:
		case stderrors.Is(err, errClaimLost):
			h.logger.Warn("notification claim expired before result was recorded", map[string]interface{}{
				"notificationId": n.ID,
			})
		default:
			// the row stays sending and is reclaimed once its claim expires
			h.logger.Error("failed to record notification result", map[string]interface{}{
				"notificationId": n.ID,
				"status":         n.Status,
				"error":          err.Error(),
			})
			if recordErr == nil {
				recordErr = err
			}
		}
	}

	if out.Claimed > 0 {
		h.logger.Info("outbox batch processed", map[string]interface{}{
			"claimed":  out.Claimed,
			"sent":     out.Sent,
			"retrying": out.Retrying,
			"failed":   out.Failed,
			"disabled": out.Disabled,
		})
	}
	if recordErr != nil {
		return nil, errors.NewQueryExecutionFailedError("record notification results", recordErr)
	}
	return out, nil
}

// deliver sends one notification and sets its status, attempts and last error.
func (h *Handler) deliver(ctx context.Context, n *models.Notification) {
	tmpl, ok := h.templates[n.Type]
	if !ok {
		n.Attempts++
		n.Status = models.DeliveryFailed
		n.LastError = fmt.Sprintf("no template for %s", n.Type)
		h.logger.Error("notification type has no template", map[string]interface{}{
			"notificationId": n.ID,
			"type":           string(n.Type),
		})
		return
	}

	err := h.send(ctx, n, tmpl)
	switch {
	case err == nil:
		if n.Status != models.DeliveryDisabled {
			n.Status = models.DeliverySent
			sentAt := h.now()
			n.SentAt = &sentAt
		}
		n.LastError = ""
		return
	case errors.IsNotFound(err):
		h.logger.Warn("recipient not found", map[string]interface{}{
			"notificationId": n.ID,
			"recipientId":    n.RecipientID,
		})
		n.Status = models.DeliveryDisabled
		n.LastError = err.Error()
		return
	}

	n.Attempts++
	n.LastError = err.Error()
	if n.Attempts >= h.config.MaxAttempts {
		n.Status = models.DeliveryFailed
	}
	h.logger.Error("notification send failed", map[string]interface{}{
		"notificationId": n.ID,
		"type":           string(n.Type),
		"attempts":       n.Attempts,
		"error":          err.Error(),
	})
}

func (h *Handler) send(ctx context.Context, n *models.Notification, tmpl models.NotificationTemplate) error {
	user, err := h.users.GetUser(ctx, n.RecipientID)
	if err != nil {
		return err
	}

	data := map[string]interface{}{
		"recipientId":      n.RecipientID,
		"notificationType": string(n.Type),
		"applicationId":    n.ApplicationID,
		"listingId":        n.ListingID,
		"firstName":        user.FirstName,
	}
	for k, v := range n.Payload {
		data[k] = v
	}
	if n.Type == models.NotificationApplicationAccepted {
		data["chatRoomNote"] = chatRoomNote(n.Payload)
	}
	subject := renderTemplate(tmpl.Subject, data)
	body := renderTemplate(tmpl.Body, data)

	emailSent := false
	if h.config.EmailEnabled && user.Email != "" {
		if _, err := h.sesClient.SendEmail(ctx, awsx.EmailInput(h.config.FromEmail, user.Email, subject, body)); err != nil {
			return errors.NewNotificationSendFailedError(string(n.Type), fmt.Errorf("ses: %w", err))
		}
		emailSent = true
	}

	smsSent := false
	if phone := user.Phone(); h.config.SMSEnabled && phone != "" && h.smsTypes[n.Type] {
		if _, err := h.snsClient.Publish(ctx, awsx.SMSInput(phone, body)); err != nil {
			if !emailSent {
				return errors.NewNotificationSendFailedError(string(n.Type), fmt.Errorf("sns: %w", err))
			}
			// the email already went out; a retry would send it twice
			h.logger.Warn("SMS send failed", map[string]interface{}{
				"notificationId": n.ID,
				"error":          err.Error(),
			})
		} else {
			smsSent = true
		}
	}

	if !emailSent && !smsSent {
		n.Status = models.DeliveryDisabled
	}
	return nil
}

// chatRoomNote tells an accepted applicant whether the owner chat exists yet.
// An acceptance that committed without its room gets it on a later retry.
func chatRoomNote(payload map[string]interface{}) string {
	if id, _ := payload["chatRoomId"].(string); id != "" {
		return "A chat room with the owner is open."
	}
	return "The owner will open a chat with you shortly."
}

// renderTemplate substitutes {{key}} placeholders and drops any left unresolved.
func renderTemplate(tmpl string, data map[string]interface{}) string {
	result := tmpl
	for k, v := range data {
		value := ""
		switch t := v.(type) {
		case string:
			value = t
		case float64:
			value = fmt.Sprintf("%g", t)
		case nil:
		default:
			value = fmt.Sprintf("%v", t)
		}
		result = strings.ReplaceAll(result, "{{"+k+"}}", value)
	}

	for {
		start := strings.Index(result, "{{")
		if start == -1 {
			break
		}
		end := strings.Index(result[start:], "}}")
		if end == -1 {
			break
		}
		result = result[:start] + result[start+end+2:]
	}
	return result
}

func defaultTemplates() map[models.NotificationType]models.NotificationTemplate {
	list := []models.NotificationTemplate{
		{
			Type:    models.NotificationNewApplication,
			Subject: "New application for your listing",
			Body:    "Hi {{firstName}}, a new application arrived for listing {{listingId}}. It is number {{position}} in the queue.",
		},
		{
			Type:    models.NotificationApplicationAccepted,
			Subject: "Your application was accepted",
			Body:    "Good news {{firstName}}! Your application {{applicationId}} for listing {{listingId}} was accepted. {{chatRoomNote}}",
			SMS:     true,
		},
		{
			Type:    models.NotificationApplicationRejected,
			Subject: "Update on your application",
			Body:    "Hi {{firstName}}, your application {{applicationId}} for listing {{listingId}} was not selected.",
		},
		{
			Type:    models.NotificationApplicationWithdrawn,
			Subject: "An applicant withdrew",
			Body:    "Hi {{firstName}}, application {{applicationId}} for listing {{listingId}} was withdrawn.",
		},
	}
	out := make(map[models.NotificationType]models.NotificationTemplate, len(list))
	for _, t := range list {
		out[t.Type] = t
	}
	return out
}

func (h *Handler) Execute(ctx context.Context, input *Input) (*Output, error) {
	return h.execute(ctx, input)
}
