package model

import "time"

const (
	RewardAvailable = "available"
	RewardRedeemed  = "redeemed"
)

type Reward struct {
	ID          int64      `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Cost        int        `json:"cost"`
	Image       string     `json:"image"`
	CampaignID  int64      `json:"campaignId"`
	RedeemedBy  *int64     `json:"redeemedBy,omitempty"`
	RedeemedAt  *time.Time `json:"redeemedAt,omitempty"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"createdAt"`
}

func (r Reward) EntityID() int64 { return r.ID }

func (r Reward) Redeemed() bool { return r.RedeemedBy != nil }
