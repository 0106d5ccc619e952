package queries

import (
	"fmt"
	"strings"
)

// SQL for run_group / run_group_member upserts (batch strategy)

// Number of bind parameters per row
const (
	RunParamCount    = 10
	MemberParamCount = 5
)

// MaxParams is the PostgreSQL bind parameter limit per statement
const MaxParams = 65535

const runUpsertTail = `
		ON CONFLICT ON CONSTRAINT run_group_natural_key DO UPDATE SET
			score = EXCLUDED.score,
			rank = EXCLUDED.rank,
			realm_id = EXCLUDED.realm_id,
			updated_at = now()
		RETURNING id, dungeon_id, period_id, season_id, region, completed_at, duration_ms, keystone_level
`

const memberUpsertTail = `
		ON CONFLICT (group_id, character_name) DO UPDATE SET
			class_id = EXCLUDED.class_id,
			spec_id = EXCLUDED.spec_id,
			role = EXCLUDED.role
`

const (
	// DeleteRunsBySeason removes a season's runs; members cascade
	DeleteRunsBySeason = `DELETE FROM run_group WHERE season_id = $1`

	// CountRuns counts stored runs, optionally for one season (0 = all)
	CountRuns = `SELECT count(*) FROM run_group WHERE $1 = 0 OR season_id = $1`

	// CountMembers counts stored members, optionally for one season (0 = all)
	CountMembers = `
		SELECT count(*)
		FROM run_group_member m
		JOIN run_group g ON g.id = m.group_id
		WHERE $1 = 0 OR g.season_id = $1
	`
)

// BuildRunUpsertQuery builds a multi-row run upsert for count rows.
// Rows are bound in column order: region, season_id, period_id, dungeon_id,
// realm_id, completed_at, duration_ms, keystone_level, score, rank.
func BuildRunUpsertQuery(count int) string {
	if count <= 0 {
		return ""
	}

	var b strings.Builder
	b.Grow(400 + count*60)

	b.WriteString(`
		INSERT INTO run_group (
			region, season_id, period_id, dungeon_id, realm_id,
			completed_at, duration_ms, keystone_level, score, rank
		) VALUES `)
	writeValues(&b, count, RunParamCount)
	b.WriteString(runUpsertTail)
	return b.String()
}

// BuildMemberUpsertQuery builds a multi-row member upsert for count rows.
// Rows are bound as: group_id, character_name, class_id, spec_id, role.
func BuildMemberUpsertQuery(count int) string {
	if count <= 0 {
		return ""
	}

	var b strings.Builder
	b.Grow(300 + count*30)

	b.WriteString(`
		INSERT INTO run_group_member (
			group_id, character_name, class_id, spec_id, role
		) VALUES `)
	writeValues(&b, count, MemberParamCount)
	b.WriteString(memberUpsertTail)
	return b.String()
}

func writeValues(b *strings.Builder, rows, width int) {
	paramIdx := 1
	for i := 0; i < rows; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := 0; j < width; j++ {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(b, "$%d", paramIdx)
			paramIdx++
		}
		b.WriteString(")")
	}
}
