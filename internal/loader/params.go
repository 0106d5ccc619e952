package loader

import (
	"github.com/framara/what-the-meta-backend/internal/domain"
	"github.com/framara/what-the-meta-backend/internal/store/queries"
)

// runParams returns the bind parameters of one run, in BuildRunUpsertQuery order
func runParams(r *domain.Run) []any {
	return []any{
		r.Region,                     // $1
		r.SeasonID,                   // $2
		r.PeriodID,                   // $3
		r.DungeonID,                  // $4
		r.RealmID,                    // $5
		canonicalTime(r.CompletedAt), // $6
		r.DurationMs,                 // $7
		r.KeystoneLevel,              // $8
		r.Score,                      // $9
		r.Rank,                       // $10
	}
}

func runBatchParams(runs []domain.Run) []any {
	params := make([]any, 0, len(runs)*queries.RunParamCount)
	for i := range runs {
		params = append(params, runParams(&runs[i])...)
	}
	return params
}

// memberParams returns the bind parameters of one member row
func memberParams(m *memberRow) []any {
	return []any{
		m.GroupID,       // $1
		m.CharacterName, // $2
		m.ClassID,       // $3
		m.SpecID,        // $4
		string(m.Role),  // $5
	}
}

func memberBatchParams(rows []memberRow) []any {
	params := make([]any, 0, len(rows)*queries.MemberParamCount)
	for i := range rows {
		params = append(params, memberParams(&rows[i])...)
	}
	return params
}

// scratchRunRow is one tmp_runs row for COPY
func scratchRunRow(ord int, r *domain.Run) []any {
	return append([]any{ord}, runParams(r)...)
}

// scratchMemberRow is one tmp_members row for COPY
func scratchMemberRow(runOrd, memberOrd int, m *domain.Member) []any {
	return []any{runOrd, memberOrd, m.CharacterName, m.ClassID, m.SpecID, string(m.Role)}
}
