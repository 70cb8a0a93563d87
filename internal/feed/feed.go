// Package feed projects the activity log into what a given viewer may see.
package feed

import (
	"fmt"
	"sort"

	"github.com/dukerupert/perks/internal/apperr"
	"github.com/dukerupert/perks/internal/auth"
	"github.com/dukerupert/perks/internal/model"
)

// View returns target's entries newest first. A target of zero means the
// viewer. Users may only read their own feed and never see administrative
// adjustments; administrators see everything.
func View(activities []model.Activity, viewer auth.Actor, target int64) ([]model.Activity, error) {
	if target == 0 {
		target = viewer.UserID
	}
	if target != viewer.UserID && !viewer.IsAdmin() {
		return nil, fmt.Errorf("feed of user %d: %w", target, apperr.ErrForbidden)
	}

	out := make([]model.Activity, 0)
	for _, a := range activities {
		if a.UserID != target {
			continue
		}
		if a.Type == model.ActivityAdminAdjustment && !viewer.IsAdmin() {
			continue
		}
		out = append(out, a)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}
