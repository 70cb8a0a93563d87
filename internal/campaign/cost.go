package campaign

import (
	"github.com/dukerupert/perks/internal/apperr"
	"github.com/dukerupert/perks/internal/model"
)

// CostBucket is a marketplace price filter.
type CostBucket string

const (
	CostAll      CostBucket = "all"
	CostUnder100 CostBucket = "under100"
	Cost100To200 CostBucket = "100to200"
	CostAbove200 CostBucket = "above200"
)

// ParseCostBucket accepts the empty string as CostAll.
func ParseCostBucket(s string) (CostBucket, error) {
	switch b := CostBucket(s); b {
	case "":
		return CostAll, nil
	case CostAll, CostUnder100, Cost100To200, CostAbove200:
		return b, nil
	}
	return "", apperr.Invalid("cost", "unknown cost filter %q", s)
}

func (b CostBucket) Contains(cost int) bool {
	switch b {
	case CostUnder100:
		return cost < 100
	case Cost100To200:
		return cost >= 100 && cost <= 200
	case CostAbove200:
		return cost > 200
	}
	return true
}

func (b CostBucket) String() string { return string(b) }

func FilterByCost(rewards []model.Reward, b CostBucket) []model.Reward {
	out := make([]model.Reward, 0, len(rewards))
	for _, r := range rewards {
		if b.Contains(r.Cost) {
			out = append(out, r)
		}
	}
	return out
}
