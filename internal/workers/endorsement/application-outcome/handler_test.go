// internal/workers/endorsement/application-outcome/handler_test.go
package applicationoutcome

import (
	"context"
	"testing"

	stderrors "endorsement-engine/internal/common/errors"
	"endorsement-engine/internal/common/logger"
	"endorsement-engine/internal/engine/settlement"
	"endorsement-engine/internal/models"
	"endorsement-engine/pkg/events"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ==========================
// Test Helper Functions
// ==========================

type fakeSettler struct {
	lastApplicationID string
	lastOutcome       models.Outcome
	result            *settlement.Result
	err               error
}

func (f *fakeSettler) Settle(ctx context.Context, applicationID string, outcome models.Outcome) (*settlement.Result, error) {
	f.lastApplicationID = applicationID
	f.lastOutcome = outcome
	return f.result, f.err
}

func newTestHandler(settler *fakeSettler) *Handler {
	return NewHandler(LoadConfig(), settler, logger.NewNoOpLogger())
}

// ==========================
// Core Functionality Tests
// ==========================

func TestHandler_Execute_HiredOutcome(t *testing.T) {
	settler := &fakeSettler{
		result: &settlement.Result{
			ApplicationID: "app-001",
			Outcome:       models.OutcomeHired,
			Lines: []events.SettlementLine{
				{BidID: "bid-1", ExpertID: "expert1", Amount: 20, Payout: 128},
				{BidID: "bid-2", ExpertID: "expert2", Amount: 15, Payout: 96},
			},
		},
	}
	handler := newTestHandler(settler)

	output, err := handler.Execute(context.Background(), &Input{
		ApplicationID: "app-001",
		Outcome:       "hired",
	})

	require.NoError(t, err)
	assert.Equal(t, "hired", output.Outcome)
	assert.Equal(t, 2, output.SettledBids)
	assert.False(t, output.Replayed)
	assert.Equal(t, models.OutcomeHired, settler.lastOutcome)
}

func TestHandler_Execute_DuplicateDeliveryReplays(t *testing.T) {
	settler := &fakeSettler{
		result: &settlement.Result{
			ApplicationID: "app-001",
			Outcome:       models.OutcomeRejected,
			Lines:         []events.SettlementLine{{BidID: "bid-1", ExpertID: "expert1", Amount: 20, Slashed: 6, Released: 14}},
			Replayed:      true,
		},
	}
	handler := newTestHandler(settler)

	output, err := handler.Execute(context.Background(), &Input{
		ApplicationID: "app-001",
		Outcome:       "rejected",
	})

	require.NoError(t, err)
	assert.True(t, output.Replayed)
	assert.Equal(t, 1, output.SettledBids)
}

func TestHandler_Execute_ConflictingOutcome(t *testing.T) {
	settler := &fakeSettler{
		err: stderrors.NewAlreadySettledError("app-001"),
	}
	handler := newTestHandler(settler)

	_, err := handler.Execute(context.Background(), &Input{
		ApplicationID: "app-001",
		Outcome:       "hired",
	})

	require.Error(t, err)
	assert.Equal(t, stderrors.ErrCodeAlreadySettled, stderrors.CodeOf(err))
}

// ==========================
// Validation Tests
// ==========================

func TestValidateInput(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{
			name: "hired",
			raw:  `{"applicationId":"app-001","outcome":"hired"}`,
		},
		{
			name: "rejected",
			raw:  `{"applicationId":"app-001","outcome":"rejected"}`,
		},
		{
			name:    "unknown outcome",
			raw:     `{"applicationId":"app-001","outcome":"withdrawn"}`,
			wantErr: true,
		},
		{
			name:    "missing outcome",
			raw:     `{"applicationId":"app-001"}`,
			wantErr: true,
		},
		{
			name:    "missing application id",
			raw:     `{"outcome":"hired"}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateInput(tt.raw)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
