// Package campaign decides which campaigns, and therefore which rewards, are
// open at a given instant.
package campaign

import (
	"strings"
	"time"

	"github.com/dukerupert/perks/internal/apperr"
	"github.com/dukerupert/perks/internal/model"
)

// IsActive reports whether now falls inside the campaign window. Both ends
// are inclusive.
func IsActive(c model.Campaign, now time.Time) bool {
	return !now.Before(c.StartDate) && !now.After(c.EndDate)
}

// Active returns the campaigns open at now, in input order.
func Active(campaigns []model.Campaign, now time.Time) []model.Campaign {
	out := make([]model.Campaign, 0, len(campaigns))
	for _, c := range campaigns {
		if IsActive(c, now) {
			out = append(out, c)
		}
	}
	return out
}

// ActiveRewards returns the rewards whose campaign is open at now. Rewards
// pointing at an unknown campaign are excluded.
func ActiveRewards(rewards []model.Reward, campaigns []model.Campaign, now time.Time) []model.Reward {
	open := make(map[int64]bool, len(campaigns))
	for _, c := range campaigns {
		if IsActive(c, now) {
			open[c.ID] = true
		}
	}

	out := make([]model.Reward, 0, len(rewards))
	for _, r := range rewards {
		if open[r.CampaignID] {
			out = append(out, r)
		}
	}
	return out
}

// RewardActive reports whether r belongs to a campaign open at now.
func RewardActive(r model.Reward, campaigns []model.Campaign, now time.Time) bool {
	for _, c := range campaigns {
		if c.ID == r.CampaignID {
			return IsActive(c, now)
		}
	}
	return false
}

func Validate(c model.Campaign) error {
	var errs apperr.ValidationErrors
	if strings.TrimSpace(c.Name) == "" {
		errs.Add("name", "campaign name is required")
	}
	if strings.TrimSpace(c.Description) == "" {
		errs.Add("description", "description is required")
	}
	if c.StartDate.IsZero() {
		errs.Add("startDate", "start date is required")
	}
	if c.EndDate.IsZero() {
		errs.Add("endDate", "end date is required")
	}
	if !c.StartDate.IsZero() && !c.EndDate.IsZero() && !c.EndDate.After(c.StartDate) {
		errs.Add("endDate", "end date must be after start date")
	}
	return errs.Err()
}
