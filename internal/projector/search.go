// internal/projector/search.go
package projector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"endorsement-engine/internal/common/logger"
	"endorsement-engine/pkg/events"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
)

const settlementIndex = "endorsement-settlements"

// SearchIndexer mirrors settlement results into Elasticsearch so support
// and analytics can query payout history without touching the engine
// database. Documents are keyed by event id, which makes redelivery an
// overwrite of the same document.
type SearchIndexer struct {
	es     *elasticsearch.Client
	logger logger.Logger
}

func NewSearchIndexer(es *elasticsearch.Client, log logger.Logger) *SearchIndexer {
	return &SearchIndexer{
		es:     es,
		logger: log.WithFields(map[string]interface{}{"component": "search-indexer"}),
	}
}

type settlementDoc struct {
	ApplicationID string                  `json:"applicationId"`
	Outcome       string                  `json:"outcome"`
	RewardPool    int64                   `json:"rewardPool"`
	Lines         []events.SettlementLine `json:"lines"`
	SettledAt     string                  `json:"settledAt"`
}

// Apply indexes ApplicationSettled events and ignores everything else.
func (i *SearchIndexer) Apply(ctx context.Context, env events.Envelope) error {
	if env.Type != events.TypeApplicationSettled {
		return nil
	}

	var p events.ApplicationSettled
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("decode %s: %w", env.Type, err)
	}

	doc := settlementDoc{
		ApplicationID: env.ApplicationID,
		Outcome:       p.Outcome,
		RewardPool:    p.RewardPool,
		Lines:         p.Lines,
		SettledAt:     env.OccurredAt.Format("2006-01-02T15:04:05.000Z07:00"),
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode settlement document: %w", err)
	}

	req := esapi.IndexRequest{
		Index:      settlementIndex,
		DocumentID: env.EventID,
		Body:       bytes.NewReader(body),
	}
	res, err := req.Do(ctx, i.es)
	if err != nil {
		return fmt.Errorf("index settlement for %s: %w", env.ApplicationID, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("index settlement for %s: %s", env.ApplicationID, res.Status())
	}

	i.logger.Debug("settlement indexed", map[string]interface{}{
		"applicationId": env.ApplicationID,
		"outcome":       p.Outcome,
	})
	return nil
}
