// internal/workers/endorsement/place-bid/handler_test.go
package placebid

import (
	"context"
	"testing"

	stderrors "endorsement-engine/internal/common/errors"
	"endorsement-engine/internal/common/logger"
	"endorsement-engine/internal/engine/commitment"
	"endorsement-engine/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ==========================
// Test Helper Functions
// ==========================

type fakeSubmitter struct {
	lastReq commitment.SubmitRequest
	receipt *commitment.Receipt
	err     error
}

func (f *fakeSubmitter) SubmitBid(ctx context.Context, req commitment.SubmitRequest) (*commitment.Receipt, error) {
	f.lastReq = req
	return f.receipt, f.err
}

func newTestHandler(submitter *fakeSubmitter) *Handler {
	return NewHandler(LoadConfig(), submitter, logger.NewNoOpLogger())
}

// ==========================
// Core Functionality Tests
// ==========================

func TestHandler_Execute_AdmittedBid(t *testing.T) {
	submitter := &fakeSubmitter{
		receipt: &commitment.Receipt{
			CorrelationID: "corr-1",
			BidID:         "bid-1",
			Phase:         models.PhaseConfirmed,
			Admitted:      true,
			Rank:          2,
		},
	}
	handler := newTestHandler(submitter)

	output, err := handler.Execute(context.Background(), &Input{
		ApplicationID: "app-001",
		ExpertID:      "expert1",
		Amount:        20,
		CorrelationID: "corr-1",
	})

	require.NoError(t, err)
	assert.Equal(t, "bid-1", output.BidID)
	assert.True(t, output.Admitted)
	assert.Equal(t, 2, output.Rank)
	assert.Equal(t, string(models.PhaseConfirmed), output.Phase)

	assert.Equal(t, "app-001", submitter.lastReq.ApplicationID)
	assert.Equal(t, "corr-1", submitter.lastReq.CorrelationID)
	assert.Equal(t, int64(20), submitter.lastReq.Amount)
}

func TestHandler_Execute_RejectedAdmission(t *testing.T) {
	submitter := &fakeSubmitter{
		receipt: &commitment.Receipt{
			CorrelationID: "corr-2",
			BidID:         "bid-2",
			Phase:         models.PhaseRejectedAdmission,
			Admitted:      false,
		},
	}
	handler := newTestHandler(submitter)

	output, err := handler.Execute(context.Background(), &Input{
		ApplicationID: "app-001",
		ExpertID:      "expert2",
		Amount:        5,
	})

	require.NoError(t, err)
	assert.False(t, output.Admitted)
	assert.Equal(t, string(models.PhaseRejectedAdmission), output.Phase)
}

func TestHandler_Execute_EngineErrorPassesThrough(t *testing.T) {
	submitter := &fakeSubmitter{
		err: stderrors.NewBidBelowMinimumError(5, 10),
	}
	handler := newTestHandler(submitter)

	_, err := handler.Execute(context.Background(), &Input{
		ApplicationID: "app-001",
		ExpertID:      "expert1",
		Amount:        5,
	})

	require.Error(t, err)
	assert.Equal(t, stderrors.ErrCodeBidBelowMinimum, stderrors.CodeOf(err))
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
			name: "valid input",
			raw:  `{"applicationId":"app-001","expertId":"expert1","amount":20}`,
		},
		{
			name: "valid with correlation id",
			raw:  `{"applicationId":"app-001","expertId":"expert1","amount":20,"correlationId":"corr-1"}`,
		},
		{
			name:    "missing application id",
			raw:     `{"expertId":"expert1","amount":20}`,
			wantErr: true,
		},
		{
			name:    "missing expert id",
			raw:     `{"applicationId":"app-001","amount":20}`,
			wantErr: true,
		},
		{
			name:    "zero amount",
			raw:     `{"applicationId":"app-001","expertId":"expert1","amount":0}`,
			wantErr: true,
		},
		{
			name:    "fractional amount",
			raw:     `{"applicationId":"app-001","expertId":"expert1","amount":19.5}`,
			wantErr: true,
		},
		{
			name:    "empty application id",
			raw:     `{"applicationId":"","expertId":"expert1","amount":20}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateInput(tt.raw)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, stderrors.ErrCodeInvalidBidInput, stderrors.CodeOf(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
