// internal/models/application.go
package models

import "time"

// ApplicationStatus is the lifecycle status of a hiring application.
// Transitions are driven by the external hiring workflow; the engine only
// observes them. Once Hired or Rejected the application is immutable.
type ApplicationStatus string

const (
	ApplicationOpen     ApplicationStatus = "open"
	ApplicationHired    ApplicationStatus = "hired"
	ApplicationRejected ApplicationStatus = "rejected"
	ApplicationClosed   ApplicationStatus = "closed"
)

// Terminal reports whether the status admits no further bids or outcomes.
func (s ApplicationStatus) Terminal() bool {
	return s != ApplicationOpen
}

// Application is the hiring target being endorsed.
type Application struct {
	ID          string            `json:"id"`
	CandidateID string            `json:"candidateId"`
	JobID       string            `json:"jobId"`
	MinimumBid  int64             `json:"minimumBid"`
	RewardPool  int64             `json:"rewardPool"`
	Status      ApplicationStatus `json:"status"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

// Outcome is a terminal hiring decision delivered by the hiring workflow.
type Outcome string

const (
	OutcomeHired    Outcome = "hired"
	OutcomeRejected Outcome = "rejected"
)

// Valid reports whether o is one of the two terminal outcomes.
func (o Outcome) Valid() bool {
	return o == OutcomeHired || o == OutcomeRejected
}

// Status maps the outcome to the application status it closes into.
func (o Outcome) Status() ApplicationStatus {
	if o == OutcomeHired {
		return ApplicationHired
	}
	return ApplicationRejected
}
