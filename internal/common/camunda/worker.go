// internal/common/camunda/worker.go
package camunda

import (
	"context"
	"time"

	"rental-queue/internal/common/config"
	"rental-queue/internal/common/errors"
	"rental-queue/internal/common/metrics"
	"rental-queue/internal/models"

	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/worker"
	"github.com/camunda/zeebe/clients/go/v8/pkg/zbc"
	"go.uber.org/zap"
)

// HandlerFunc is the signature every job handler exposes as Handle.
type HandlerFunc func(client worker.JobClient, job entities.Job)

// Instrument records duration for every job the handler processes.
func Instrument(taskType string, h HandlerFunc) HandlerFunc {
	return func(client worker.JobClient, job entities.Job) {
		start := time.Now()
		defer func() {
			metrics.WorkerJobDuration.WithLabelValues(taskType).Observe(time.Since(start).Seconds())
		}()
		h(client, job)
	}
}

// StartWorker opens a job worker for taskType unless it is disabled in config.
func StartWorker(client zbc.Client, taskType string, wcfg config.WorkerConfig, h HandlerFunc, log *zap.Logger) worker.JobWorker {
	if !wcfg.Enabled {
		log.Info("worker disabled", zap.String("taskType", taskType))
		return nil
	}

	w := client.NewJobWorker().
		JobType(taskType).
		Handler(worker.JobHandler(Instrument(taskType, h))).
		MaxJobsActive(wcfg.MaxJobsActive).
		Timeout(time.Duration(wcfg.Timeout) * time.Millisecond).
		Open()

	log.Info("worker started",
		zap.String("taskType", taskType),
		zap.Int("maxJobsActive", wcfg.MaxJobsActive),
		zap.Int("timeout_ms", wcfg.Timeout),
	)
	return w
}

// MessageName is the BPMN message a transition event is published as.
func MessageName(t models.EventType) string {
	return "application-" + string(t)
}

// EventPublisher correlates committed transition events to waiting process instances.
type EventPublisher struct {
	client *Client
	ttl    time.Duration
}

func NewEventPublisher(client *Client, ttl time.Duration) *EventPublisher {
	return &EventPublisher{client: client, ttl: ttl}
}

// Publish sends one message per event, keyed by application id.
func (p *EventPublisher) Publish(ctx context.Context, events []*models.Event) error {
	for _, ev := range events {
		ev := ev
		_, err := p.client.ExecuteWithRetry(ctx, func(ctx context.Context) (interface{}, error) {
			cmd, err := p.client.GetClient().NewPublishMessageCommand().
				MessageName(MessageName(ev.Type)).
				CorrelationKey(ev.ApplicationID).
				MessageId(ev.ID).
				TimeToLive(p.ttl).
				VariablesFromObject(ev)
			if err != nil {
				return nil, err
			}
			return cmd.Send(ctx)
		}, "publish "+MessageName(ev.Type))
		// message ids are event ids, so a duplicate was already delivered
		if err != nil && !errors.IsConflict(err) {
			return err
		}
	}
	return nil
}
