package upstream

// Wire types of the game data API. Only the fields the pipeline reads are declared.

type seasonResponse struct {
	ID      int `json:"id"`
	Periods []struct {
		ID int `json:"id"`
	} `json:"periods"`
}

type seasonIndexResponse struct {
	CurrentSeason struct {
		ID int `json:"id"`
	} `json:"current_season"`
}

type dungeonResponse struct {
	ID               int    `json:"id"`
	Name             string `json:"name"`
	KeystoneUpgrades []struct {
		UpgradeLevel       int   `json:"upgrade_level"`
		QualifyingDuration int64 `json:"qualifying_duration"`
	} `json:"keystone_upgrades"`
}

type leaderboardResponse struct {
	LeadingGroups []leadingGroup `json:"leading_groups"`
}

type leadingGroup struct {
	Ranking            int     `json:"ranking"`
	Duration           int64   `json:"duration"`
	CompletedTimestamp int64   `json:"completed_timestamp"`
	KeystoneLevel      int     `json:"keystone_level"`
	Members            []entry `json:"members"`
	MythicRating       *struct {
		Rating float64 `json:"rating"`
	} `json:"mythic_rating"`
}

type entry struct {
	Profile struct {
		ID    int    `json:"id"`
		Name  string `json:"name"`
		Realm struct {
			ID int `json:"id"`
		} `json:"realm"`
	} `json:"profile"`
	Specialization struct {
		ID int `json:"id"`
	} `json:"specialization"`
}
