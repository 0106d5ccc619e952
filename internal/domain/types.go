// Package domain holds the entities that flow through the ingestion pipeline:
// raw upstream groups, normalized runs with their members, shard keys and
// dungeon timer thresholds.
package domain

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidShardName is returned when a staged shard name cannot be parsed
var ErrInvalidShardName = errors.New("domain: invalid shard name")

// Role is the combat role a member played in a run
type Role string

const (
	RoleTank   Role = "tank"
	RoleHealer Role = "healer"
	RoleDPS    Role = "dps"
)

// Member is one participant of a Run. Unique per run by CharacterName.
type Member struct {
	CharacterName string `json:"character_name"`
	ClassID       int    `json:"class_id"`
	SpecID        int    `json:"spec_id"`
	Role          Role   `json:"role"`
}

// Run is one completed timed dungeon attempt.
// Score and Rank (and RealmID) are mutable; the remaining fields form the natural key.
type Run struct {
	Region        string    `json:"region"`
	SeasonID      int       `json:"season_id"`
	PeriodID      int       `json:"period_id"`
	DungeonID     int       `json:"dungeon_id"`
	RealmID       int       `json:"realm_id"`
	CompletedAt   time.Time `json:"completed_at"`
	DurationMs    int64     `json:"duration_ms"`
	KeystoneLevel int       `json:"keystone_level"`
	Score         *float64  `json:"score"`
	Rank          int       `json:"rank"`
	Members       []Member  `json:"members"`
}

// RunKey is the natural key of a Run: the unit of deduplication and merge
type RunKey struct {
	DungeonID     int
	PeriodID      int
	SeasonID      int
	Region        string
	CompletedAtMs int64
	DurationMs    int64
	KeystoneLevel int
}

// Key returns the natural key of the run
func (r *Run) Key() RunKey {
	return RunKey{
		DungeonID:     r.DungeonID,
		PeriodID:      r.PeriodID,
		SeasonID:      r.SeasonID,
		Region:        r.Region,
		CompletedAtMs: r.CompletedAt.UnixMilli(),
		DurationMs:    r.DurationMs,
		KeystoneLevel: r.KeystoneLevel,
	}
}

// Less orders keys lexicographically by their fields.
// Upsert batches are sorted with it so concurrent shard transactions lock rows in the same order.
func (k RunKey) Less(o RunKey) bool {
	if k.DungeonID != o.DungeonID {
		return k.DungeonID < o.DungeonID
	}
	if k.PeriodID != o.PeriodID {
		return k.PeriodID < o.PeriodID
	}
	if k.SeasonID != o.SeasonID {
		return k.SeasonID < o.SeasonID
	}
	if k.Region != o.Region {
		return k.Region < o.Region
	}
	if k.CompletedAtMs != o.CompletedAtMs {
		return k.CompletedAtMs < o.CompletedAtMs
	}
	if k.DurationMs != o.DurationMs {
		return k.DurationMs < o.DurationMs
	}
	return k.KeystoneLevel < o.KeystoneLevel
}

// ShardKey identifies one (region, season, period, dungeon, realm) fetch/stage/load unit
type ShardKey struct {
	Region    string
	SeasonID  int
	PeriodID  int
	DungeonID int
	RealmID   int
}

// Name renders the key as {region}-s{season}-p{period}-d{dungeon}-r{realm}
func (k ShardKey) Name() string {
	return fmt.Sprintf("%s-s%d-p%d-d%d-r%d", k.Region, k.SeasonID, k.PeriodID, k.DungeonID, k.RealmID)
}

func (k ShardKey) String() string {
	return k.Name()
}

// ParseShardName is the inverse of ShardKey.Name
func ParseShardName(name string) (ShardKey, error) {
	parts := strings.Split(name, "-")
	if len(parts) != 5 || parts[0] == "" {
		return ShardKey{}, fmt.Errorf("%w: %q", ErrInvalidShardName, name)
	}

	prefixes := []string{"s", "p", "d", "r"}
	values := make([]int, len(prefixes))
	for i, prefix := range prefixes {
		part := parts[i+1]
		if !strings.HasPrefix(part, prefix) {
			return ShardKey{}, fmt.Errorf("%w: %q: segment %q must start with %q", ErrInvalidShardName, name, part, prefix)
		}
		v, err := strconv.Atoi(strings.TrimPrefix(part, prefix))
		if err != nil || v < 0 {
			return ShardKey{}, fmt.Errorf("%w: %q: bad number in %q", ErrInvalidShardName, name, part)
		}
		values[i] = v
	}

	return ShardKey{
		Region:    parts[0],
		SeasonID:  values[0],
		PeriodID:  values[1],
		DungeonID: values[2],
		RealmID:   values[3],
	}, nil
}

// Shard is the staged handoff unit between fetch and load
type Shard struct {
	Key  ShardKey
	Runs []Run
}

// Name returns the staging name of the shard
func (s *Shard) Name() string {
	return s.Key.Name()
}

// MemberCount returns the total number of member rows carried by the shard
func (s *Shard) MemberCount() int {
	n := 0
	for i := range s.Runs {
		n += len(s.Runs[i].Members)
	}
	return n
}
