// internal/workers/endorsement/place-bid/models.go
package placebid

type Input struct {
	ApplicationID string `json:"applicationId"`
	ExpertID      string `json:"expertId"`
	// Amount is the stake in minor currency units.
	Amount int64 `json:"amount"`
	// CorrelationID makes workflow retries idempotent. Optional; a fresh id
	// is assigned when absent.
	CorrelationID string `json:"correlationId,omitempty"`
}

type Output struct {
	BidID         string `json:"bidId"`
	CorrelationID string `json:"correlationId"`
	Admitted      bool   `json:"admitted"`
	Rank          int    `json:"rank,omitempty"`
	Phase         string `json:"phase"`
}
