// internal/engine/reputation/source.go
package reputation

import (
	"context"
	"fmt"
	"strconv"
	"time"

	commonhttp "endorsement-engine/internal/common/http"
	"endorsement-engine/internal/common/logger"

	"github.com/redis/go-redis/v9"
)

// Source answers reputation queries for experts. Scores are normalized to
// [0.0, 1.0]; the reputation system itself lives outside this service, the
// engine only reads from it.
type Source interface {
	Score(ctx context.Context, expertID string) (float64, error)
}

// HTTPSource reads scores from the reputation service's REST endpoint.
type HTTPSource struct {
	client  *commonhttp.Client
	baseURL string
	logger  logger.Logger
}

func NewHTTPSource(baseURL string, timeout time.Duration, log logger.Logger) *HTTPSource {
	return &HTTPSource{
		client:  commonhttp.NewClient(timeout),
		baseURL: baseURL,
		logger:  log,
	}
}

func (s *HTTPSource) Score(ctx context.Context, expertID string) (float64, error) {
	url := fmt.Sprintf("%s/experts/%s/reputation", s.baseURL, expertID)

	var body struct {
		Score float64 `json:"score"`
	}
	if err := s.client.GetJSON(ctx, url, &body); err != nil {
		return 0, fmt.Errorf("reputation lookup for %s: %w", expertID, err)
	}
	return clamp01(body.Score), nil
}

// CachedSource fronts another source with a Redis cache. A stale score only
// shifts a slash amount slightly, so a short TTL is an acceptable trade
// against hammering the reputation service during settlement bursts.
type CachedSource struct {
	inner  Source
	rdb    *redis.Client
	ttl    time.Duration
	logger logger.Logger
}

func NewCachedSource(inner Source, rdb *redis.Client, ttl time.Duration, log logger.Logger) *CachedSource {
	return &CachedSource{inner: inner, rdb: rdb, ttl: ttl, logger: log}
}

func cacheKey(expertID string) string {
	return "reputation:score:" + expertID
}

func (s *CachedSource) Score(ctx context.Context, expertID string) (float64, error) {
	if cached, err := s.rdb.Get(ctx, cacheKey(expertID)).Result(); err == nil {
		if score, perr := strconv.ParseFloat(cached, 64); perr == nil {
			return score, nil
		}
	} else if err != redis.Nil {
		s.logger.Warn("Reputation cache read failed", map[string]interface{}{
			"expert_id": expertID,
			"error":     err.Error(),
		})
	}

	score, err := s.inner.Score(ctx, expertID)
	if err != nil {
		return 0, err
	}

	if err := s.rdb.Set(ctx, cacheKey(expertID), strconv.FormatFloat(score, 'f', -1, 64), s.ttl).Err(); err != nil {
		s.logger.Warn("Reputation cache write failed", map[string]interface{}{
			"expert_id": expertID,
			"error":     err.Error(),
		})
	}
	return score, nil
}

// StaticSource serves fixed scores, defaulting unknown experts to Neutral.
// Used in tests and local development.
type StaticSource struct {
	Scores  map[string]float64
	Neutral float64
}

func (s *StaticSource) Score(_ context.Context, expertID string) (float64, error) {
	if score, ok := s.Scores[expertID]; ok {
		return clamp01(score), nil
	}
	return s.Neutral, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
