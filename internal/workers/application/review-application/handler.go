package reviewapplication

import (
	"context"
	"encoding/json"

	"rental-queue/internal/common/errors"
	"rental-queue/internal/common/logger"
	"rental-queue/internal/common/validation"
	"rental-queue/internal/queue"

	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/worker"
)

const (
	TaskType = "review-application"
)

// Reviewer is the owner side of the lifecycle manager.
type Reviewer interface {
	Accept(ctx context.Context, applicationID, callerID string) (*queue.TransitionResult, error)
	Reject(ctx context.Context, applicationID, callerID string) (*queue.TransitionResult, error)
}

type Handler struct {
	config     *Config
	queue      Reviewer
	logger     logger.Logger
	errHandler *errors.ErrorHandler
}

func NewHandler(config *Config, q Reviewer, log logger.Logger) *Handler {
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
	})

	ctx, cancel := context.WithTimeout(context.Background(), h.config.Timeout)
	defer cancel()

	input, err := parseInput(job.Variables)
	if err != nil {
		h.errHandler.HandleJobError(ctx, client, job, err)
		return
	}

	output, err := h.execute(ctx, input)
	if err != nil {
		h.errHandler.HandleJobError(ctx, client, job, err)
		return
	}

	h.completeJob(ctx, client, job, output)
}

func parseInput(variables string) (*Input, error) {
	if err := validation.ReviewApplicationJob.ValidateJSON([]byte(variables)); err != nil {
		return nil, err
	}
	var input Input
	if err := json.Unmarshal([]byte(variables), &input); err != nil {
		return nil, errors.NewValidationError("parse input: " + err.Error())
	}
	return &input, nil
}

func (h *Handler) execute(ctx context.Context, input *Input) (*Output, error) {
	var (
		res *queue.TransitionResult
		err error
	)
	switch input.Decision {
	case DecisionAccept:
		res, err = h.queue.Accept(ctx, input.ApplicationID, input.CallerID)
	case DecisionReject:
		res, err = h.queue.Reject(ctx, input.ApplicationID, input.CallerID)
	default:
		return nil, errors.NewValidationError("decision: must be accept or reject")
	}
	if err != nil {
		return nil, err
	}

	out := &Output{
		ApplicationID:     res.Application.ID,
		ApplicationStatus: string(res.Application.Status),
		RejectedIDs:       make([]string, 0, len(res.Rejected)),
		Degraded:          res.Degraded,
		Compacted:         res.Compacted,
	}
	for _, r := range res.Rejected {
		out.RejectedIDs = append(out.RejectedIDs, r.ID)
	}
	if res.ChatRoom != nil {
		out.ChatRoomID = res.ChatRoom.ID
	}
	if res.ChatRoomError != nil {
		out.ChatRoomError = res.ChatRoomError.Error()
		h.logger.Warn("accepted without chat room", map[string]interface{}{
			"applicationId": res.Application.ID,
			"error":         out.ChatRoomError,
		})
	}

	h.logger.Info("application reviewed", map[string]interface{}{
		"applicationId": out.ApplicationID,
		"decision":      input.Decision,
		"rejected":      len(out.RejectedIDs),
	})
	return out, nil
}

func (h *Handler) completeJob(ctx context.Context, client worker.JobClient, job entities.Job, output *Output) {
	cmd, err := client.NewCompleteJobCommand().
		JobKey(job.Key).
		VariablesFromObject(output)
	if err != nil {
		h.logger.Error("failed to create complete job command", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	if _, err := cmd.Send(ctx); err != nil {
		h.logger.Error("failed to send complete job command", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

func (h *Handler) Execute(ctx context.Context, input *Input) (*Output, error) {
	return h.execute(ctx, input)
}
