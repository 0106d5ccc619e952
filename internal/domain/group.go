package domain

import "time"

// Group is one raw leaderboard entry as delivered by the upstream source,
// before normalization into a Run.
type Group struct {
	Rank          int
	CompletedAt   time.Time
	DurationMs    int64
	KeystoneLevel int
	// Rating is the official rating when the upstream supplies one
	Rating  *float64
	Members []GroupMember
}

// GroupMember is one raw member entry of a Group
type GroupMember struct {
	Name    string
	RealmID int
	ClassID int
	SpecID  int
	Role    Role
}

// DungeonTimers holds the keystone upgrade thresholds of one dungeon in one season.
// Each tier is the maximum qualifying duration in milliseconds; zero means unknown.
type DungeonTimers struct {
	SeasonID  int    `json:"season_id"`
	DungeonID int    `json:"dungeon_id"`
	Name      string `json:"name"`
	Tier1Ms   int64  `json:"tier1_ms"`
	Tier2Ms   int64  `json:"tier2_ms"`
	Tier3Ms   int64  `json:"tier3_ms"`
}
