// internal/workers/endorsement/application-outcome/handler.go
package applicationoutcome

import (
	"context"
	"encoding/json"

	stderrors "endorsement-engine/internal/common/errors"
	"endorsement-engine/internal/common/logger"
	"endorsement-engine/internal/engine/settlement"
	"endorsement-engine/internal/models"

	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/worker"
)

const (
	TaskType = "apply-application-outcome"
)

// Settler resolves an application's terminal outcome.
type Settler interface {
	Settle(ctx context.Context, applicationID string, outcome models.Outcome) (*settlement.Result, error)
}

type Handler struct {
	config       *Config
	settler      Settler
	logger       logger.Logger
	errorHandler *stderrors.ErrorHandler
}

func NewHandler(config *Config, settler Settler, log logger.Logger) *Handler {
	l := log.WithFields(map[string]interface{}{"taskType": TaskType})
	return &Handler{
		config:       config,
		settler:      settler,
		logger:       l,
		errorHandler: stderrors.NewErrorHandler(l),
	}
}

func (h *Handler) Handle(client worker.JobClient, job entities.Job) {
	h.logger.Info("processing job", map[string]interface{}{
		"jobKey":      job.Key,
		"workflowKey": job.ProcessInstanceKey,
	})

	ctx, cancel := context.WithTimeout(context.Background(), h.config.Timeout)
	defer cancel()

	if err := validateInput(job.Variables); err != nil {
		h.errorHandler.HandleJobError(ctx, client, job, err)
		return
	}

	var input Input
	if err := json.Unmarshal([]byte(job.Variables), &input); err != nil {
		h.errorHandler.HandleJobError(ctx, client, job, stderrors.NewInvalidBidInputError(err.Error()))
		return
	}

	output, err := h.Execute(ctx, &input)
	if err != nil {
		h.errorHandler.HandleJobError(ctx, client, job, err)
		return
	}

	h.completeJob(client, job, output)
}

func (h *Handler) Execute(ctx context.Context, input *Input) (*Output, error) {
	result, err := h.settler.Settle(ctx, input.ApplicationID, models.Outcome(input.Outcome))
	if err != nil {
		return nil, err
	}

	h.logger.Info("outcome applied", map[string]interface{}{
		"applicationId": input.ApplicationID,
		"outcome":       input.Outcome,
		"settledBids":   len(result.Lines),
		"replayed":      result.Replayed,
	})

	return &Output{
		ApplicationID: input.ApplicationID,
		Outcome:       string(result.Outcome),
		SettledBids:   len(result.Lines),
		Replayed:      result.Replayed,
	}, nil
}

func (h *Handler) completeJob(client worker.JobClient, job entities.Job, output *Output) {
	cmd, err := client.NewCompleteJobCommand().
		JobKey(job.Key).
		VariablesFromObject(output)
	if err != nil {
		h.logger.Error("failed to create complete job command", map[string]interface{}{
			"error": err,
		})
		return
	}
	_, err = cmd.Send(context.Background())
	if err != nil {
		h.logger.Error("failed to send complete job command", map[string]interface{}{
			"error": err,
		})
	} else {
		h.logger.Info("job completed successfully", map[string]interface{}{
			"jobKey": job.Key,
		})
	}
}
