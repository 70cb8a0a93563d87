// Package report derives leaderboards and admin statistics from cached
// collections.
package report

import (
	"math"
	"sort"

	"github.com/dukerupert/perks/internal/model"
)

type Standing struct {
	Rank   int    `json:"rank"`
	UserID int64  `json:"userId"`
	Name   string `json:"name"`
	Points int    `json:"points"`
}

// Leaderboard ranks users by balance, highest first. Ties share a rank and
// are ordered by name. balances overrides the stored points of a user when
// present.
func Leaderboard(users []model.User, balances map[int64]int) []Standing {
	out := make([]Standing, 0, len(users))
	for _, u := range users {
		if u.IsAdmin() {
			continue
		}
		pts := u.Points
		if b, ok := balances[u.ID]; ok {
			pts = b
		}
		out = append(out, Standing{UserID: u.ID, Name: u.Name, Points: pts})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Points != out[j].Points {
			return out[i].Points > out[j].Points
		}
		return out[i].Name < out[j].Name
	})
	for i := range out {
		if i > 0 && out[i].Points == out[i-1].Points {
			out[i].Rank = out[i-1].Rank
			continue
		}
		out[i].Rank = i + 1
	}
	return out
}

type RewardCount struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type Stats struct {
	Users          int           `json:"users"`
	TotalPoints    int           `json:"totalPoints"`
	AveragePoints  float64       `json:"averagePoints"`
	MaxPoints      int           `json:"maxPoints"`
	Rewards        int           `json:"rewards"`
	Redeemed       int           `json:"redeemed"`
	RedeemedByName []RewardCount `json:"redeemedByName"`
}

// Compute summarises point holders and redemptions. Administrators are not
// point holders and are left out of the point figures.
func Compute(users []model.User, rewards []model.Reward) Stats {
	var st Stats
	first := true
	for _, u := range users {
		if u.IsAdmin() {
			continue
		}
		st.Users++
		st.TotalPoints += u.Points
		if first || u.Points > st.MaxPoints {
			st.MaxPoints = u.Points
			first = false
		}
	}
	if st.Users > 0 {
		st.AveragePoints = math.Round(float64(st.TotalPoints)/float64(st.Users)*100) / 100
	}

	counts := make(map[string]int)
	for _, r := range rewards {
		st.Rewards++
		if r.Redeemed() {
			st.Redeemed++
			counts[r.Name]++
		}
	}
	st.RedeemedByName = make([]RewardCount, 0, len(counts))
	for name, n := range counts {
		st.RedeemedByName = append(st.RedeemedByName, RewardCount{Name: name, Count: n})
	}
	sort.Slice(st.RedeemedByName, func(i, j int) bool {
		if st.RedeemedByName[i].Count != st.RedeemedByName[j].Count {
			return st.RedeemedByName[i].Count > st.RedeemedByName[j].Count
		}
		return st.RedeemedByName[i].Name < st.RedeemedByName[j].Name
	})
	return st
}

// RedemptionHistory returns the rewards userID has redeemed, newest first.
func RedemptionHistory(rewards []model.Reward, userID int64) []model.Reward {
	out := make([]model.Reward, 0)
	for _, r := range rewards {
		if r.RedeemedBy != nil && *r.RedeemedBy == userID {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		ti, tj := out[i].RedeemedAt, out[j].RedeemedAt
		switch {
		case ti == nil && tj == nil:
			return out[i].ID > out[j].ID
		case ti == nil:
			return false
		case tj == nil:
			return true
		case !ti.Equal(*tj):
			return ti.After(*tj)
		}
		return out[i].ID > out[j].ID
	})
	return out
}
