// internal/projector/leaderboard.go

// Package projector builds read models from the engine's event stream. The
// stream is at-least-once and unordered, so every projection deduplicates by
// event id and applies only commutative updates.
package projector

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"endorsement-engine/internal/common/logger"
	"endorsement-engine/pkg/events"

	"github.com/redis/go-redis/v9"
)

const (
	seenKeyPrefix   = "leaderboard:seen:"
	expertKeyPrefix = "leaderboard:expert:"
	rankEarnedKey   = "leaderboard:rank:earned"

	// seenTTL bounds dedup memory; redelivery gaps beyond this are not
	// expected from the outbox dispatcher.
	seenTTL = 7 * 24 * time.Hour
)

// ExpertStats is one leaderboard row.
type ExpertStats struct {
	ExpertID     string `json:"expertId"`
	Endorsements int64  `json:"endorsements"`
	Wins         int64  `json:"wins"`
	Losses       int64  `json:"losses"`
	Evictions    int64  `json:"evictions"`
	Earned       int64  `json:"earned"`
	Slashed      int64  `json:"slashed"`
	// ConsensusRate is wins over settled endorsements, zero when unsettled.
	ConsensusRate float64 `json:"consensusRate"`
}

// Leaderboard projects expert endorsement performance into Redis. Rankings
// order by total earnings; per-expert counters back the consensus rate.
type Leaderboard struct {
	rdb    *redis.Client
	logger logger.Logger
}

func NewLeaderboard(rdb *redis.Client, log logger.Logger) *Leaderboard {
	return &Leaderboard{
		rdb:    rdb,
		logger: log.WithFields(map[string]interface{}{"component": "leaderboard-projector"}),
	}
}

// Apply folds one event into the projection. Duplicate deliveries are
// dropped on the event id; unknown event types are skipped, not failed, so
// contract additions do not wedge the dispatcher.
func (l *Leaderboard) Apply(ctx context.Context, env events.Envelope) error {
	ok, err := l.rdb.SetNX(ctx, seenKeyPrefix+env.EventID, 1, seenTTL).Result()
	if err != nil {
		return fmt.Errorf("leaderboard dedup check: %w", err)
	}
	if !ok {
		return nil
	}

	switch env.Type {
	case events.TypeBidAdmitted:
		var p events.BidAdmitted
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return l.expertIncr(ctx, p.ExpertID, "endorsements", 1)

	case events.TypeBidEvicted:
		var p events.BidEvicted
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return l.expertIncr(ctx, p.ExpertID, "evictions", 1)

	case events.TypeApplicationSettled:
		var p events.ApplicationSettled
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return l.applySettlement(ctx, p)

	default:
		return nil
	}
}

func (l *Leaderboard) applySettlement(ctx context.Context, p events.ApplicationSettled) error {
	pipe := l.rdb.Pipeline()
	for _, line := range p.Lines {
		key := expertKeyPrefix + line.ExpertID
		if p.Outcome == "hired" {
			pipe.HIncrBy(ctx, key, "wins", 1)
			pipe.HIncrBy(ctx, key, "earned", line.Payout)
			pipe.ZIncrBy(ctx, rankEarnedKey, float64(line.Payout), line.ExpertID)
		} else {
			pipe.HIncrBy(ctx, key, "losses", 1)
			pipe.HIncrBy(ctx, key, "slashed", line.Slashed)
			pipe.ZAddNX(ctx, rankEarnedKey, redis.Z{Score: 0, Member: line.ExpertID})
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("apply settlement to leaderboard: %w", err)
	}
	return nil
}

func (l *Leaderboard) expertIncr(ctx context.Context, expertID, field string, delta int64) error {
	if err := l.rdb.HIncrBy(ctx, expertKeyPrefix+expertID, field, delta).Err(); err != nil {
		return fmt.Errorf("increment %s for %s: %w", field, expertID, err)
	}
	return nil
}

// Top returns the n highest-earning experts with their stats.
func (l *Leaderboard) Top(ctx context.Context, n int) ([]ExpertStats, error) {
	members, err := l.rdb.ZRevRangeWithScores(ctx, rankEarnedKey, 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("read leaderboard ranking: %w", err)
	}

	stats := make([]ExpertStats, 0, len(members))
	for _, m := range members {
		expertID, _ := m.Member.(string)
		s, err := l.Stats(ctx, expertID)
		if err != nil {
			return nil, err
		}
		stats = append(stats, *s)
	}
	return stats, nil
}

// Stats returns one expert's leaderboard row.
func (l *Leaderboard) Stats(ctx context.Context, expertID string) (*ExpertStats, error) {
	fields, err := l.rdb.HGetAll(ctx, expertKeyPrefix+expertID).Result()
	if err != nil {
		return nil, fmt.Errorf("read leaderboard stats for %s: %w", expertID, err)
	}

	s := &ExpertStats{ExpertID: expertID}
	s.Endorsements = parseField(fields, "endorsements")
	s.Wins = parseField(fields, "wins")
	s.Losses = parseField(fields, "losses")
	s.Evictions = parseField(fields, "evictions")
	s.Earned = parseField(fields, "earned")
	s.Slashed = parseField(fields, "slashed")
	if settled := s.Wins + s.Losses; settled > 0 {
		s.ConsensusRate = float64(s.Wins) / float64(settled)
	}
	return s, nil
}

func parseField(fields map[string]string, name string) int64 {
	v, err := strconv.ParseInt(fields[name], 10, 64)
	if err != nil {
		return 0
	}
	return v
}
