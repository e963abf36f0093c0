// internal/engine/settlement/payout.go
package settlement

import "sort"

// apportion splits pool across weights proportionally using the largest
// remainder method. The results sum to exactly pool (conservation), every
// share is non-negative, and a larger weight never receives less than a
// smaller one. A zero weight sum yields all zeros and leaves the pool
// undistributed.
func apportion(pool int64, weights []int64) []int64 {
	shares := make([]int64, len(weights))
	var total int64
	for _, w := range weights {
		total += w
	}
	if total <= 0 || pool <= 0 {
		return shares
	}

	type frac struct {
		idx int
		rem int64
	}
	remainders := make([]frac, 0, len(weights))

	var assigned int64
	for i, w := range weights {
		if w < 0 {
			w = 0
		}
		// Integer share floor(pool * w / total); products stay within
		// int64 for realistic stake sizes.
		share := pool * w / total
		shares[i] = share
		assigned += share
		remainders = append(remainders, frac{idx: i, rem: pool * w % total})
	}

	// Distribute the leftover minor units to the largest remainders,
	// breaking ties by slot order so the split is deterministic.
	sort.SliceStable(remainders, func(a, b int) bool {
		return remainders[a].rem > remainders[b].rem
	})
	for i := int64(0); i < pool-assigned; i++ {
		shares[remainders[i%int64(len(remainders))].idx]++
	}
	return shares
}
