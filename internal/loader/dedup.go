package loader

import (
	"slices"
	"time"

	"github.com/framara/what-the-meta-backend/internal/domain"
)

// memberRow is one member bound to its stored run
type memberRow struct {
	GroupID int64
	domain.Member
}

type memberKey struct {
	groupID int64
	name    string
}

// canonicalTime drops sub-millisecond precision so that the stored timestamp
// and RunKey.CompletedAtMs always agree
func canonicalTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

// dedupRuns collapses runs sharing a natural key, keeping the last occurrence,
// and returns them ordered by key
func dedupRuns(runs []domain.Run) []domain.Run {
	byKey := make(map[domain.RunKey]int, len(runs))
	out := make([]domain.Run, 0, len(runs))
	for _, r := range runs {
		k := r.Key()
		if i, ok := byKey[k]; ok {
			out[i] = r
			continue
		}
		byKey[k] = len(out)
		out = append(out, r)
	}

	slices.SortFunc(out, func(a, b domain.Run) int {
		ka, kb := a.Key(), b.Key()
		switch {
		case ka.Less(kb):
			return -1
		case kb.Less(ka):
			return 1
		}
		return 0
	})
	return out
}

// dedupMembers collapses rows sharing (group, character), keeping the last
// occurrence, and returns them ordered by group then character
func dedupMembers(rows []memberRow) []memberRow {
	byKey := make(map[memberKey]int, len(rows))
	out := make([]memberRow, 0, len(rows))
	for _, r := range rows {
		k := memberKey{groupID: r.GroupID, name: r.CharacterName}
		if i, ok := byKey[k]; ok {
			out[i] = r
			continue
		}
		byKey[k] = len(out)
		out = append(out, r)
	}

	slices.SortFunc(out, func(a, b memberRow) int {
		if a.GroupID != b.GroupID {
			if a.GroupID < b.GroupID {
				return -1
			}
			return 1
		}
		switch {
		case a.CharacterName < b.CharacterName:
			return -1
		case a.CharacterName > b.CharacterName:
			return 1
		}
		return 0
	})
	return out
}

// chunk splits n items into [start, end) windows of at most size
func chunk(n, size int) [][2]int {
	if size <= 0 {
		size = n
	}
	var out [][2]int
	for start := 0; start < n; start += size {
		out = append(out, [2]int{start, min(start+size, n)})
	}
	return out
}
