package models

import "time"

// GlobalStat is a user's leaderboard row in "global_stats".
type GlobalStat struct {
	UserID      int64     `bson:"_id" json:"user_id"`
	BestPoints  int64     `bson:"best_points" json:"best_points"`
	DisplayName string    `bson:"display_name" json:"display_name"`
	UpdatedAt   time.Time `bson:"updated_at" json:"updated_at"`
}

// UserSummary is the admin view of one user across all chats.
type UserSummary struct {
	UserID      int64  `json:"user_id"`
	Chats       int64  `json:"chats_count"`
	Total       int64  `json:"total"`
	Best        int64  `json:"best"`
	DisplayName string `json:"display_name"`
}

// EconomyStats is the service-wide statistics view.
type EconomyStats struct {
	ChatStats
	LeaderboardUsers    int64 `json:"leaderboard_users"`
	PendingPropagations int   `json:"pending_propagations"`
	LeaderboardStale    bool  `json:"leaderboard_stale"`
}
