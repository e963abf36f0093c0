// Package admission maintains, per application, the invariant-preserving
// top-K bid set: at most K admitted bids, ordered by amount descending with
// ties broken by earliest submission.
package admission

import (
	"sort"

	"endorsement-engine/internal/models"
	"endorsement-engine/pkg/events"
)

// Eviction is one bid leaving the slot set (or never entering it).
type Eviction struct {
	Bid         *models.Bid
	Reason      events.EvictionReason
	DisplacedBy string
}

// Decision is the outcome of evaluating one fund-reserved bid against the
// current slot set. It carries the full state transition so the caller can
// persist it atomically with the matching events.
type Decision struct {
	Admitted bool
	// Rank is the incoming bid's 1-based slot position when admitted.
	Rank int
	// Evictions lists bids transitioning out, including the incoming bid
	// itself when it fails to displace anyone.
	Evictions []Eviction
	// Slots is the resulting admitted set in rank order.
	Slots []*models.Bid
}

// rankSlots sorts bids into slot order: amount descending, earliest
// submission first on ties, then id. Deterministic and reproducible from
// stored fields alone.
func rankSlots(bids []*models.Bid) {
	sort.SliceStable(bids, func(i, j int) bool {
		return bids[i].OutranksSlot(bids[j])
	})
}

// decide evaluates incoming against the admitted set for one application.
// Callers guarantee incoming.Amount >= application minimum, the application
// is open, and the slice holds only admitted bids.
func decide(slots []*models.Bid, incoming *models.Bid, k int) Decision {
	var evictions []Eviction

	// Superseding the expert's own seated bid demands a strictly greater
	// amount. The pre-admission increase check runs outside this critical
	// section and pending bids are invisible to it, so two concurrent
	// submissions by one expert can both reach here; re-check under the
	// lock so the higher one never loses its seat to the lower.
	for _, s := range slots {
		if s.ExpertID == incoming.ExpertID && s.Amount >= incoming.Amount {
			kept := append([]*models.Bid{}, slots...)
			rankSlots(kept)
			return Decision{
				Admitted: false,
				Evictions: []Eviction{{
					Bid:    incoming,
					Reason: events.EvictedNotIncreasing,
				}},
				Slots: kept,
			}
		}
	}

	// A live bid by the same expert is superseded by the newcomer; the
	// old bid's funds go back regardless of the admission result.
	remaining := make([]*models.Bid, 0, len(slots))
	for _, s := range slots {
		if s.ExpertID == incoming.ExpertID {
			evictions = append(evictions, Eviction{
				Bid:         s,
				Reason:      events.EvictedSuperseded,
				DisplacedBy: incoming.ID,
			})
			continue
		}
		remaining = append(remaining, s)
	}

	rankSlots(remaining)

	if len(remaining) < k {
		next := append(append([]*models.Bid{}, remaining...), incoming)
		rankSlots(next)
		return Decision{
			Admitted:  true,
			Rank:      rankOf(next, incoming),
			Evictions: evictions,
			Slots:     next,
		}
	}

	// Eviction demands a strictly greater amount; an equal bid never
	// displaces a seated one, whatever its timestamp.
	lowest := remaining[len(remaining)-1]
	if incoming.Amount > lowest.Amount {
		evictions = append(evictions, Eviction{
			Bid:         lowest,
			Reason:      events.EvictedOutbid,
			DisplacedBy: incoming.ID,
		})
		next := append(append([]*models.Bid{}, remaining[:len(remaining)-1]...), incoming)
		rankSlots(next)
		return Decision{
			Admitted:  true,
			Rank:      rankOf(next, incoming),
			Evictions: evictions,
			Slots:     next,
		}
	}

	// Not strictly greater than the weakest slot: the newcomer is turned
	// away and its own reservation refunded.
	evictions = append(evictions, Eviction{
		Bid:    incoming,
		Reason: events.EvictedBelowSlots,
	})
	return Decision{
		Admitted:  false,
		Evictions: evictions,
		Slots:     remaining,
	}
}

func rankOf(slots []*models.Bid, bid *models.Bid) int {
	for i, s := range slots {
		if s.ID == bid.ID {
			return i + 1
		}
	}
	return 0
}
