// internal/projector/leaderboard_test.go
package projector

import (
	"context"
	"testing"

	"endorsement-engine/internal/common/logger"
	"endorsement-engine/pkg/events"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLeaderboard(t *testing.T) *Leaderboard {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewLeaderboard(rdb, logger.NewNoOpLogger())
}

func mustEvent(t *testing.T, typ events.Type, payload interface{}) events.Envelope {
	t.Helper()
	env, err := events.New("app-001", typ, payload)
	require.NoError(t, err)
	return env
}

func TestLeaderboard_CountsAdmissionsAndEvictions(t *testing.T) {
	lb := newTestLeaderboard(t)
	ctx := context.Background()

	require.NoError(t, lb.Apply(ctx, mustEvent(t, events.TypeBidAdmitted,
		events.BidAdmitted{BidID: "bid-1", ExpertID: "expert1", Amount: 20, Rank: 1})))
	require.NoError(t, lb.Apply(ctx, mustEvent(t, events.TypeBidAdmitted,
		events.BidAdmitted{BidID: "bid-2", ExpertID: "expert1", Amount: 25, Rank: 1})))
	require.NoError(t, lb.Apply(ctx, mustEvent(t, events.TypeBidEvicted,
		events.BidEvicted{BidID: "bid-1", ExpertID: "expert1", Amount: 20, Reason: events.EvictedSuperseded})))

	stats, err := lb.Stats(ctx, "expert1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Endorsements)
	assert.Equal(t, int64(1), stats.Evictions)
}

func TestLeaderboard_DuplicateEventAppliesOnce(t *testing.T) {
	lb := newTestLeaderboard(t)
	ctx := context.Background()

	env := mustEvent(t, events.TypeBidAdmitted,
		events.BidAdmitted{BidID: "bid-1", ExpertID: "expert1", Amount: 20, Rank: 1})

	// Same envelope redelivered three times counts once.
	for i := 0; i < 3; i++ {
		require.NoError(t, lb.Apply(ctx, env))
	}

	stats, err := lb.Stats(ctx, "expert1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Endorsements)
}

func TestLeaderboard_SettlementRanksByEarnings(t *testing.T) {
	lb := newTestLeaderboard(t)
	ctx := context.Background()

	require.NoError(t, lb.Apply(ctx, mustEvent(t, events.TypeApplicationSettled,
		events.ApplicationSettled{
			Outcome:    "hired",
			RewardPool: 300,
			Lines: []events.SettlementLine{
				{BidID: "bid-1", ExpertID: "expert1", Amount: 20, Payout: 128},
				{BidID: "bid-2", ExpertID: "expert2", Amount: 15, Payout: 96},
				{BidID: "bid-3", ExpertID: "expert3", Amount: 12, Payout: 76},
			},
		})))

	top, err := lb.Top(ctx, 10)
	require.NoError(t, err)
	require.Len(t, top, 3)
	assert.Equal(t, "expert1", top[0].ExpertID)
	assert.Equal(t, int64(128), top[0].Earned)
	assert.Equal(t, "expert2", top[1].ExpertID)
	assert.Equal(t, "expert3", top[2].ExpertID)
	assert.Equal(t, float64(1), top[0].ConsensusRate)
}

func TestLeaderboard_RejectedOutcomeTracksSlashes(t *testing.T) {
	lb := newTestLeaderboard(t)
	ctx := context.Background()

	require.NoError(t, lb.Apply(ctx, mustEvent(t, events.TypeApplicationSettled,
		events.ApplicationSettled{
			Outcome: "rejected",
			Lines: []events.SettlementLine{
				{BidID: "bid-1", ExpertID: "expert1", Amount: 20, Slashed: 6, Released: 14},
			},
		})))

	stats, err := lb.Stats(ctx, "expert1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Losses)
	assert.Equal(t, int64(6), stats.Slashed)
	assert.Zero(t, stats.ConsensusRate)

	// Losers still appear in the ranking, seeded at zero earnings.
	top, err := lb.Top(ctx, 10)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, "expert1", top[0].ExpertID)
}

func TestLeaderboard_OutOfOrderDeliveryCommutes(t *testing.T) {
	lb := newTestLeaderboard(t)
	ctx := context.Background()

	settle := mustEvent(t, events.TypeApplicationSettled,
		events.ApplicationSettled{
			Outcome:    "hired",
			RewardPool: 300,
			Lines:      []events.SettlementLine{{BidID: "bid-1", ExpertID: "expert1", Amount: 20, Payout: 300}},
		})
	admit := mustEvent(t, events.TypeBidAdmitted,
		events.BidAdmitted{BidID: "bid-1", ExpertID: "expert1", Amount: 20, Rank: 1})

	// Settlement observed before the admission it depends on.
	require.NoError(t, lb.Apply(ctx, settle))
	require.NoError(t, lb.Apply(ctx, admit))

	stats, err := lb.Stats(ctx, "expert1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Endorsements)
	assert.Equal(t, int64(1), stats.Wins)
	assert.Equal(t, int64(300), stats.Earned)
}

func TestLeaderboard_UnknownEventTypeSkipped(t *testing.T) {
	lb := newTestLeaderboard(t)

	env := mustEvent(t, events.TypeBidRefunded,
		events.BidRefunded{BidID: "bid-1", ExpertID: "expert1", Amount: 20})
	assert.NoError(t, lb.Apply(context.Background(), env))
}
