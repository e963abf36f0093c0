// internal/workers/endorsement/application-outcome/models.go
package applicationoutcome

type Input struct {
	ApplicationID string `json:"applicationId"`
	// Outcome is "hired" or "rejected", delivered by the hiring workflow.
	Outcome string `json:"outcome"`
}

type Output struct {
	ApplicationID string `json:"applicationId"`
	Outcome       string `json:"outcome"`
	// SettledBids is the number of admitted bids resolved.
	SettledBids int `json:"settledBids"`
	// Replayed is true when this delivery was a duplicate and the prior
	// settlement was re-applied instead of recomputed.
	Replayed bool `json:"replayed"`
}
