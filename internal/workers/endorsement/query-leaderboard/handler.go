// internal/workers/endorsement/query-leaderboard/handler.go
package queryleaderboard

import (
	"context"
	"encoding/json"

	stderrors "endorsement-engine/internal/common/errors"
	"endorsement-engine/internal/common/logger"
	"endorsement-engine/internal/projector"

	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/worker"
)

const (
	TaskType = "query-endorsement-leaderboard"
)

// LeaderboardReader serves the projected leaderboard.
type LeaderboardReader interface {
	Top(ctx context.Context, n int) ([]projector.ExpertStats, error)
	Stats(ctx context.Context, expertID string) (*projector.ExpertStats, error)
}

type Handler struct {
	config       *Config
	leaderboard  LeaderboardReader
	logger       logger.Logger
	errorHandler *stderrors.ErrorHandler
}

func NewHandler(config *Config, leaderboard LeaderboardReader, log logger.Logger) *Handler {
	l := log.WithFields(map[string]interface{}{"taskType": TaskType})
	return &Handler{
		config:       config,
		leaderboard:  leaderboard,
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
	if input.ExpertID != "" {
		stats, err := h.leaderboard.Stats(ctx, input.ExpertID)
		if err != nil {
			return nil, stderrors.NewQueryExecutionFailedError("leaderboard stats", err)
		}
		return &Output{Entries: []projector.ExpertStats{*stats}}, nil
	}

	limit := input.Limit
	if limit <= 0 {
		limit = h.config.DefaultLimit
	}
	if limit > h.config.MaxLimit {
		limit = h.config.MaxLimit
	}

	entries, err := h.leaderboard.Top(ctx, limit)
	if err != nil {
		return nil, stderrors.NewQueryExecutionFailedError("leaderboard top", err)
	}
	return &Output{Entries: entries}, nil
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
