// internal/workers/endorsement/place-bid/handler.go
package placebid

import (
	"context"
	"encoding/json"

	stderrors "endorsement-engine/internal/common/errors"
	"endorsement-engine/internal/common/logger"
	"endorsement-engine/internal/engine/commitment"

	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/worker"
)

const (
	TaskType = "place-endorsement-bid"
)

// BidSubmitter runs the commit protocol for one bid.
type BidSubmitter interface {
	SubmitBid(ctx context.Context, req commitment.SubmitRequest) (*commitment.Receipt, error)
}

type Handler struct {
	config       *Config
	engine       BidSubmitter
	logger       logger.Logger
	errorHandler *stderrors.ErrorHandler
}

func NewHandler(config *Config, engine BidSubmitter, log logger.Logger) *Handler {
	l := log.WithFields(map[string]interface{}{"taskType": TaskType})
	return &Handler{
		config:       config,
		engine:       engine,
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
	receipt, err := h.engine.SubmitBid(ctx, commitment.SubmitRequest{
		ApplicationID: input.ApplicationID,
		ExpertID:      input.ExpertID,
		Amount:        input.Amount,
		CorrelationID: input.CorrelationID,
	})
	if err != nil {
		return nil, err
	}

	h.logger.Info("bid submission resolved", map[string]interface{}{
		"applicationId": input.ApplicationID,
		"expertId":      input.ExpertID,
		"bidId":         receipt.BidID,
		"admitted":      receipt.Admitted,
		"phase":         string(receipt.Phase),
	})

	return &Output{
		BidID:         receipt.BidID,
		CorrelationID: receipt.CorrelationID,
		Admitted:      receipt.Admitted,
		Rank:          receipt.Rank,
		Phase:         string(receipt.Phase),
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
