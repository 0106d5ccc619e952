package loader

import (
	"context"
	"fmt"
	"time"

	"github.com/framara/what-the-meta-backend/internal/config"
	"github.com/framara/what-the-meta-backend/internal/domain"
	"github.com/framara/what-the-meta-backend/internal/store/queries"
	"github.com/jackc/pgx/v5"
)

// Counts is what one shard application wrote after deduplication
type Counts struct {
	Runs    int
	Members int
}

// Strategy applies one shard inside an open transaction. Every strategy must
// produce the same final state for the same shard.
type Strategy interface {
	Name() string
	Apply(ctx context.Context, tx pgx.Tx, shard *domain.Shard) (Counts, error)
}

// StrategyFor returns the strategy configured by name
func StrategyFor(name string, batchSize int) (Strategy, error) {
	switch name {
	case config.StrategyBatch, "":
		return BatchStrategy{BatchSize: batchSize}, nil
	case config.StrategyCopy:
		return CopyStrategy{}, nil
	default:
		return nil, fmt.Errorf("loader: unknown strategy %q", name)
	}
}

// BatchStrategy upserts runs and members with multi-row INSERT ... ON CONFLICT
// statements of at most BatchSize rows each
type BatchStrategy struct {
	BatchSize int
}

func (BatchStrategy) Name() string { return config.StrategyBatch }

func (s BatchStrategy) Apply(ctx context.Context, tx pgx.Tx, shard *domain.Shard) (Counts, error) {
	runs := dedupRuns(shard.Runs)
	if len(runs) == 0 {
		return Counts{}, nil
	}

	size := s.BatchSize
	if size <= 0 || size*queries.RunParamCount > queries.MaxParams {
		size = queries.MaxParams / queries.RunParamCount
	}

	ids := make(map[domain.RunKey]int64, len(runs))
	for _, w := range chunk(len(runs), size) {
		batch := runs[w[0]:w[1]]
		if err := upsertRuns(ctx, tx, batch, ids); err != nil {
			return Counts{}, err
		}
	}

	members := make([]memberRow, 0, shard.MemberCount())
	for i := range shard.Runs {
		r := &shard.Runs[i]
		id, ok := ids[r.Key()]
		if !ok {
			return Counts{}, fmt.Errorf("run %+v missing from upsert result", r.Key())
		}
		for _, m := range r.Members {
			members = append(members, memberRow{GroupID: id, Member: m})
		}
	}
	members = dedupMembers(members)

	for _, w := range chunk(len(members), size) {
		batch := members[w[0]:w[1]]
		if _, err := tx.Exec(ctx, queries.BuildMemberUpsertQuery(len(batch)), memberBatchParams(batch)...); err != nil {
			return Counts{}, fmt.Errorf("upsert members: %w", err)
		}
	}

	return Counts{Runs: len(runs), Members: len(members)}, nil
}

func upsertRuns(ctx context.Context, tx pgx.Tx, batch []domain.Run, ids map[domain.RunKey]int64) error {
	rows, err := tx.Query(ctx, queries.BuildRunUpsertQuery(len(batch)), runBatchParams(batch)...)
	if err != nil {
		return fmt.Errorf("upsert runs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id        int64
			k         domain.RunKey
			completed time.Time
		)
		if err := rows.Scan(&id, &k.DungeonID, &k.PeriodID, &k.SeasonID, &k.Region,
			&completed, &k.DurationMs, &k.KeystoneLevel); err != nil {
			return fmt.Errorf("scan upserted run: %w", err)
		}
		k.CompletedAtMs = completed.UnixMilli()
		ids[k] = id
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("upsert runs: %w", err)
	}
	return nil
}

// CopyStrategy streams the shard into scratch tables with COPY and merges
// them with a single statement
type CopyStrategy struct{}

func (CopyStrategy) Name() string { return config.StrategyCopy }

func (CopyStrategy) Apply(ctx context.Context, tx pgx.Tx, shard *domain.Shard) (Counts, error) {
	if len(shard.Runs) == 0 {
		return Counts{}, nil
	}

	for _, ddl := range []string{queries.CreateScratchRuns, queries.CreateScratchMembers} {
		if _, err := tx.Exec(ctx, ddl); err != nil {
			return Counts{}, fmt.Errorf("create scratch table: %w", err)
		}
	}

	runRows := make([][]any, 0, len(shard.Runs))
	memberRows := make([][]any, 0, shard.MemberCount())
	for i := range shard.Runs {
		r := &shard.Runs[i]
		runRows = append(runRows, scratchRunRow(i, r))
		for j := range r.Members {
			memberRows = append(memberRows, scratchMemberRow(i, j, &r.Members[j]))
		}
	}

	if _, err := tx.CopyFrom(ctx, pgx.Identifier{queries.ScratchRunsTable}, queries.ScratchRunColumns, pgx.CopyFromRows(runRows)); err != nil {
		return Counts{}, fmt.Errorf("copy runs to scratch: %w", err)
	}
	if len(memberRows) > 0 {
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{queries.ScratchMembersTable}, queries.ScratchMemberColumns, pgx.CopyFromRows(memberRows)); err != nil {
			return Counts{}, fmt.Errorf("copy members to scratch: %w", err)
		}
	}

	var runs, members int64
	if err := tx.QueryRow(ctx, queries.MergeScratch).Scan(&runs, &members); err != nil {
		return Counts{}, fmt.Errorf("merge scratch: %w", err)
	}
	return Counts{Runs: int(runs), Members: int(members)}, nil
}
