package queries

// SQL for the COPY strategy: stream a shard into unconstrained scratch tables,
// then merge with one statement. Both scratch tables live until commit.

const (
	CreateScratchRuns = `
	CREATE TEMP TABLE tmp_runs (
		run_ord        INT NOT NULL,
		region         TEXT NOT NULL,
		season_id      INT NOT NULL,
		period_id      INT NOT NULL,
		dungeon_id     INT NOT NULL,
		realm_id       INT NOT NULL,
		completed_at   TIMESTAMPTZ NOT NULL,
		duration_ms    BIGINT NOT NULL,
		keystone_level INT NOT NULL,
		score          DOUBLE PRECISION,
		rank           INT NOT NULL
	) ON COMMIT DROP
`
	CreateScratchMembers = `
	CREATE TEMP TABLE tmp_members (
		run_ord        INT NOT NULL,
		member_ord     INT NOT NULL,
		character_name TEXT NOT NULL,
		class_id       INT NOT NULL,
		spec_id        INT NOT NULL,
		role           TEXT NOT NULL
	) ON COMMIT DROP
`
)

var (
	ScratchRunsTable    = "tmp_runs"
	ScratchMembersTable = "tmp_members"

	ScratchRunColumns = []string{
		"run_ord", "region", "season_id", "period_id", "dungeon_id", "realm_id",
		"completed_at", "duration_ms", "keystone_level", "score", "rank",
	}
	ScratchMemberColumns = []string{
		"run_ord", "member_ord", "character_name", "class_id", "spec_id", "role",
	}
)

// MergeScratch collapses duplicate runs and duplicate (run, character) members
// keeping the last occurrence, upserts both and returns the applied counts.
const MergeScratch = `
WITH src AS (
	SELECT DISTINCT ON (dungeon_id, period_id, season_id, region, completed_at, duration_ms, keystone_level)
		region, season_id, period_id, dungeon_id, realm_id,
		completed_at, duration_ms, keystone_level, score, rank
	FROM tmp_runs
	ORDER BY dungeon_id, period_id, season_id, region, completed_at, duration_ms, keystone_level, run_ord DESC
),
upserted AS (
	INSERT INTO run_group (
		region, season_id, period_id, dungeon_id, realm_id,
		completed_at, duration_ms, keystone_level, score, rank
	)
	SELECT region, season_id, period_id, dungeon_id, realm_id,
		completed_at, duration_ms, keystone_level, score, rank
	FROM src
	ORDER BY dungeon_id, period_id, season_id, region, completed_at, duration_ms, keystone_level
	ON CONFLICT ON CONSTRAINT run_group_natural_key DO UPDATE SET
		score = EXCLUDED.score,
		rank = EXCLUDED.rank,
		realm_id = EXCLUDED.realm_id,
		updated_at = now()
	RETURNING id, dungeon_id, period_id, season_id, region, completed_at, duration_ms, keystone_level
),
keyed AS (
	SELECT u.id AS group_id, t.run_ord
	FROM upserted u
	JOIN tmp_runs t USING (dungeon_id, period_id, season_id, region, completed_at, duration_ms, keystone_level)
),
member_src AS (
	SELECT DISTINCT ON (k.group_id, m.character_name)
		k.group_id, m.character_name, m.class_id, m.spec_id, m.role
	FROM tmp_members m
	JOIN keyed k ON k.run_ord = m.run_ord
	ORDER BY k.group_id, m.character_name, m.run_ord DESC, m.member_ord DESC
),
members AS (
	INSERT INTO run_group_member (group_id, character_name, class_id, spec_id, role)
	SELECT group_id, character_name, class_id, spec_id, role
	FROM member_src
	ORDER BY group_id, character_name
	ON CONFLICT (group_id, character_name) DO UPDATE SET
		class_id = EXCLUDED.class_id,
		spec_id = EXCLUDED.spec_id,
		role = EXCLUDED.role
	RETURNING 1
)
SELECT (SELECT count(*) FROM upserted), (SELECT count(*) FROM members)
`
