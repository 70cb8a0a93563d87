package model

import "time"

type ActivityType string

const (
	ActivityTask            ActivityType = "task"
	ActivityLogin           ActivityType = "login"
	ActivityContent         ActivityType = "content"
	ActivityEngagement      ActivityType = "engagement"
	ActivityAdminAdjustment ActivityType = "admin_adjustment"
	ActivityRedemption      ActivityType = "redemption"
)

// EarningTypes are the activity types an administrator may log by hand.
var EarningTypes = []ActivityType{ActivityTask, ActivityLogin, ActivityContent, ActivityEngagement}

func (t ActivityType) Valid() bool {
	switch t {
	case ActivityTask, ActivityLogin, ActivityContent, ActivityEngagement,
		ActivityAdminAdjustment, ActivityRedemption:
		return true
	}
	return false
}

// Activity is one entry of the points log. AdminID is set only on
// admin_adjustment entries; RewardID only on redemption entries.
type Activity struct {
	ID        int64        `json:"id"`
	UserID    int64        `json:"userId"`
	Type      ActivityType `json:"type"`
	Points    int          `json:"points"`
	Timestamp time.Time    `json:"timestamp"`
	AdminID   *int64       `json:"adminId,omitempty"`
	RewardID  *int64       `json:"rewardId,omitempty"`
	Reason    string       `json:"reason,omitempty"`
}

func (a Activity) EntityID() int64 { return a.ID }
