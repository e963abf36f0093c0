// internal/workers/endorsement/query-leaderboard/models.go
package queryleaderboard

import "endorsement-engine/internal/projector"

type Input struct {
	// Limit bounds the number of returned entries; zero means the default.
	Limit int `json:"limit,omitempty"`
	// ExpertID, when set, asks for a single expert's stats instead of the
	// ranked list.
	ExpertID string `json:"expertId,omitempty"`
}

type Output struct {
	Entries []projector.ExpertStats `json:"entries"`
}
