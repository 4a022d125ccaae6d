package irt

import (
	"math"

	"github.com/ashureev/cat-engine/internal/domain"
)

// informationTolerance is the absolute difference below which two items are
// considered equally informative.
const informationTolerance = 1e-9

// SelectNext picks the next item to administer at the current ability estimate.
//
// Items already in administered are never returned. When constraints are given,
// domains below their minimum are served first, then domains below their maximum;
// if neither pool has an item the selection falls back to all remaining items.
// Within a pool the item with the highest Fisher information wins, ties going to
// the larger calibration sample and then to the smallest id.
func SelectNext(candidates []domain.Item, theta float64, administered []string, constraints map[string]domain.DomainConstraint) (domain.Item, error) {
	seen := make(map[string]struct{}, len(administered))
	for _, id := range administered {
		seen[id] = struct{}{}
	}

	remaining := make([]domain.Item, 0, len(candidates))
	counts := make(map[string]int)
	for _, it := range candidates {
		if _, ok := seen[it.ID]; ok {
			counts[it.Domain]++
			continue
		}
		remaining = append(remaining, it)
	}
	if len(remaining) == 0 {
		return domain.Item{}, domain.ErrNoEligibleItems
	}

	if len(constraints) > 0 {
		if pool := underMinimum(remaining, counts, constraints); len(pool) > 0 {
			return mostInformative(pool, theta), nil
		}
		if pool := underMaximum(remaining, counts, constraints); len(pool) > 0 {
			return mostInformative(pool, theta), nil
		}
	}
	return mostInformative(remaining, theta), nil
}

func underMinimum(items []domain.Item, counts map[string]int, constraints map[string]domain.DomainConstraint) []domain.Item {
	var pool []domain.Item
	for _, it := range items {
		dc, ok := constraints[it.Domain]
		if ok && dc.Min > 0 && counts[it.Domain] < dc.Min {
			pool = append(pool, it)
		}
	}
	return pool
}

func underMaximum(items []domain.Item, counts map[string]int, constraints map[string]domain.DomainConstraint) []domain.Item {
	var pool []domain.Item
	for _, it := range items {
		dc, ok := constraints[it.Domain]
		if !ok || dc.Max == 0 || counts[it.Domain] < dc.Max {
			pool = append(pool, it)
		}
	}
	return pool
}

func mostInformative(pool []domain.Item, theta float64) domain.Item {
	best := pool[0]
	bestInfo := Information(best, theta)
	for _, it := range pool[1:] {
		info := Information(it, theta)
		if preferred(it, info, best, bestInfo) {
			best, bestInfo = it, info
		}
	}
	return best
}

// preferred reports whether candidate a (with information ia) ranks above b.
func preferred(a domain.Item, ia float64, b domain.Item, ib float64) bool {
	if math.Abs(ia-ib) > informationTolerance {
		return ia > ib
	}
	if a.CalibrationSampleSize != b.CalibrationSampleSize {
		return a.CalibrationSampleSize > b.CalibrationSampleSize
	}
	return a.ID < b.ID
}

// Rank returns the remaining candidates ordered by the same preference SelectNext uses
// without constraints.
func Rank(candidates []domain.Item, theta float64, administered []string) []domain.Item {
	seen := make(map[string]struct{}, len(administered))
	for _, id := range administered {
		seen[id] = struct{}{}
	}
	type scored struct {
		item domain.Item
		info float64
	}
	list := make([]scored, 0, len(candidates))
	for _, it := range candidates {
		if _, ok := seen[it.ID]; ok {
			continue
		}
		list = append(list, scored{item: it, info: Information(it, theta)})
	}
	// insertion sort keeps the comparison identical to SelectNext without
	// requiring a strict weak ordering from the tolerance check.
	for i := 1; i < len(list); i++ {
		for j := i; j > 0 && preferred(list[j].item, list[j].info, list[j-1].item, list[j-1].info); j-- {
			list[j], list[j-1] = list[j-1], list[j]
		}
	}
	out := make([]domain.Item, len(list))
	for i, s := range list {
		out[i] = s.item
	}
	return out
}
