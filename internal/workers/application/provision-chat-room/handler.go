package provisionchatroom

import (
	"context"
	"encoding/json"

	"rental-queue/internal/common/errors"
	"rental-queue/internal/common/logger"
	"rental-queue/internal/common/validation"
	"rental-queue/internal/models"

	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/worker"
)

const (
	TaskType = "provision-chat-room"
)

// Provisioner retries the chat room of a degraded acceptance. Get-or-create, so replays are safe.
type Provisioner interface {
	ProvisionChatRoom(ctx context.Context, applicationID, callerID string) (*models.ChatRoom, error)
}

type Handler struct {
	config     *Config
	queue      Provisioner
	logger     logger.Logger
	errHandler *errors.ErrorHandler
}

func NewHandler(config *Config, q Provisioner, log logger.Logger) *Handler {
	l := log.WithFields(map[string]interface{}{"taskType": TaskType})
	return &Handler{
		config:     config,
		queue:      q,
		logger:     l,
		errHandler: errors.NewErrorHandler(l),
	}
}

func (h *Handler) Handle(client worker.JobClient, job entities.Job) {
	h.logger.Info("processing job", map[string]interface{}{
		"jobKey":      job.Key,
		"workflowKey": job.ProcessInstanceKey,
		"retries":     job.Retries,
	})

	ctx, cancel := context.WithTimeout(context.Background(), h.config.Timeout)
	defer cancel()

	var input Input
	if err := validation.ApplicationActionJob.ValidateJSON([]byte(job.Variables)); err != nil {
		h.errHandler.HandleJobError(ctx, client, job, err)
		return
	}
	if err := json.Unmarshal([]byte(job.Variables), &input); err != nil {
		h.errHandler.HandleJobError(ctx, client, job, errors.NewValidationError("parse input: "+err.Error()))
		return
	}

	output, err := h.execute(ctx, &input)
	if err != nil {
		// CHAT_ROOM_FAILED is retryable, so the broker re-delivers with a decremented count
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

func (h *Handler) execute(ctx context.Context, input *Input) (*Output, error) {
	room, err := h.queue.ProvisionChatRoom(ctx, input.ApplicationID, input.CallerID)
	if err != nil {
		return nil, err
	}

	h.logger.Info("chat room ready", map[string]interface{}{
		"applicationId": room.ApplicationID,
		"chatRoomId":    room.ID,
	})
	return &Output{
		ChatRoomID:    room.ID,
		ApplicationID: room.ApplicationID,
		ListingID:     room.ListingID,
		CreatedAt:     room.CreatedAt,
	}, nil
}

func (h *Handler) Execute(ctx context.Context, input *Input) (*Output, error) {
	return h.execute(ctx, input)
}
