// Package events defines the public event contract the engine produces for
// downstream consumers (notifications, leaderboard, UI). Every event carries
// a unique id and the application id for idempotent, partition-friendly
// consumption.
package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Type enumerates the produced event types.
type Type string

const (
	TypeBidSubmitted        Type = "BidSubmitted"
	TypeBidAdmitted         Type = "BidAdmitted"
	TypeBidEvicted          Type = "BidEvicted"
	TypeBidRefunded         Type = "BidRefunded"
	TypeApplicationSettled  Type = "ApplicationSettled"
	TypeReputationDelta     Type = "ReputationDelta"
	TypeNoEndorsersToSettle Type = "NoEndorsersToSettle"
)

// Envelope wraps every produced event. Delivery is at-least-once; consumers
// must deduplicate by EventID.
type Envelope struct {
	EventID       string          `json:"eventId"`
	ApplicationID string          `json:"applicationId"`
	Type          Type            `json:"type"`
	OccurredAt    time.Time       `json:"occurredAt"`
	Payload       json.RawMessage `json:"payload"`
}

// BidSubmitted is emitted when a bid submission is accepted for processing.
type BidSubmitted struct {
	BidID         string `json:"bidId"`
	ExpertID      string `json:"expertId"`
	Amount        int64  `json:"amount"`
	CorrelationID string `json:"correlationId"`
}

// BidAdmitted is emitted when a bid enters the slot set.
type BidAdmitted struct {
	BidID    string `json:"bidId"`
	ExpertID string `json:"expertId"`
	Amount   int64  `json:"amount"`
	// Rank is the bid's 1-based position in the slot set at admission.
	Rank int `json:"rank"`
}

// EvictionReason explains why a bid left the slot set.
type EvictionReason string

const (
	EvictedOutbid        EvictionReason = "outbid"
	EvictedBelowSlots    EvictionReason = "below-slots"
	EvictedSuperseded    EvictionReason = "superseded"
	EvictedNotIncreasing EvictionReason = "not-increasing"
)

// BidEvicted is emitted when a bid leaves the slot set (or never enters it).
type BidEvicted struct {
	BidID    string         `json:"bidId"`
	ExpertID string         `json:"expertId"`
	Amount   int64          `json:"amount"`
	Reason   EvictionReason `json:"reason"`
	// DisplacedBy is the bid id that forced the eviction, when applicable.
	DisplacedBy string `json:"displacedBy,omitempty"`
}

// BidRefunded is emitted when an evicted bid's reservation is released.
type BidRefunded struct {
	BidID    string `json:"bidId"`
	ExpertID string `json:"expertId"`
	Amount   int64  `json:"amount"`
}

// SettlementLine is one winner's payout or one loser's slash.
type SettlementLine struct {
	BidID    string `json:"bidId"`
	ExpertID string `json:"expertId"`
	Amount   int64  `json:"amount"`
	// Payout is the credited reward (hired) or zero (rejected).
	Payout int64 `json:"payout"`
	// Slashed is the debited stake portion (rejected) or zero (hired).
	Slashed int64 `json:"slashed"`
	// Released is the reservation remainder returned to the expert.
	Released int64 `json:"released"`
}

// ApplicationSettled is emitted exactly once per application outcome.
type ApplicationSettled struct {
	Outcome string           `json:"outcome"`
	Lines   []SettlementLine `json:"lines"`
	// RewardPool echoes the application's pool for conservation checks.
	RewardPool int64 `json:"rewardPool"`
}

// ReputationDelta is emitted toward the external reputation collaborator.
type ReputationDelta struct {
	ExpertID string  `json:"expertId"`
	Delta    float64 `json:"delta"`
}

// NoEndorsersToSettle is emitted when an outcome arrives for an application
// with zero admitted bids. Observability only, not an error.
type NoEndorsersToSettle struct {
	Outcome string `json:"outcome"`
}

// New builds an envelope around a payload, assigning a fresh event id.
func New(applicationID string, typ Type, payload interface{}) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		EventID:       uuid.New().String(),
		ApplicationID: applicationID,
		Type:          typ,
		OccurredAt:    time.Now().UTC(),
		Payload:       raw,
	}, nil
}
