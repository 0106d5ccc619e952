package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/framara/what-the-meta-backend/internal/fetcher"
	"github.com/framara/what-the-meta-backend/internal/ingest"
	"github.com/framara/what-the-meta-backend/internal/loader"
	"github.com/framara/what-the-meta-backend/internal/mapping"
	"github.com/framara/what-the-meta-backend/internal/router"
	"github.com/framara/what-the-meta-backend/internal/startup"
	"github.com/framara/what-the-meta-backend/internal/store/schema"
	"github.com/spf13/cobra"
)

var (
	errRunFailed   = errors.New("ingest run failed")
	errLeaseLocked = errors.New("lease is held by another owner")
)

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "ingestor",
		Short:         "Mythic+ leaderboard ingestion",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return a.setup()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "config.yaml", "Path to configuration file")
	flags.StringVar(&a.envFile, "env-file", ".env", "Optional env file loaded before the config")
	flags.BoolVar(&a.jsonLogs, "json-logs", false, "Log in JSON regardless of server.log_format")

	root.AddCommand(
		newRunCmd(a),
		newLoadCmd(a),
		newRefreshCmd(a),
		newLeaseCmd(a),
		newSyncDungeonsCmd(a),
		newSyncCutoffsCmd(a),
		newCleanupCmd(a),
		newMigrateCmd(a),
		newServeCmd(a),
	)
	return root
}

func newRunCmd(a *app) *cobra.Command {
	var (
		opts   ingest.Options
		ttl    time.Duration
		budget time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Fetch, stage, load and refresh under the job lease",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts.TTL = ttl
			opts.Budget = budget
			return a.runIngest(cmd, opts)
		},
	}

	f := cmd.Flags()
	f.IntVar(&opts.SeasonID, "season", 0, "Season id (default: latest configured season)")
	f.StringSliceVar(&opts.Regions, "region", nil, "Regions to fetch (default: all configured)")
	f.IntSliceVar(&opts.PeriodIDs, "period", nil, "Period ids (default: every period of the season)")
	f.IntSliceVar(&opts.DungeonIDs, "dungeon", nil, "Dungeon ids (default: the season's dungeons)")
	f.StringVar(&opts.Owner, "owner", "", "Lease owner (default: hostname-uuid)")
	f.DurationVar(&ttl, "ttl", 0, "Lease TTL (default: lease.ttl)")
	f.BoolVar(&opts.Steal, "steal", false, "Take over a lease that expires within lease.steal_grace")
	f.BoolVar(&opts.SkipFetch, "skip-fetch", false, "Load what is already staged")
	f.BoolVar(&opts.SkipRefresh, "skip-refresh", false, "Do not refresh aggregate views")
	f.BoolVar(&opts.AsyncRefresh, "async-refresh", false, "Start the refresh in the background and wait for it before exit")
	f.DurationVar(&budget, "budget", 0, "Runtime budget (default: remote.runtime_budget)")
	return cmd
}

func newLoadCmd(a *app) *cobra.Command {
	var (
		owner   string
		refresh bool
	)

	cmd := &cobra.Command{
		Use:   "load [shard...]",
		Short: "Load staged shards under the job lease",
		Long:  "Load the named staged shards, or every staged shard when none are given.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runIngest(cmd, ingest.Options{
				Owner:       owner,
				SkipFetch:   true,
				Shards:      args,
				SkipRefresh: !refresh,
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "Lease owner (default: hostname-uuid)")
	cmd.Flags().BoolVar(&refresh, "refresh", false, "Refresh aggregate views after loading")
	return cmd
}

// runIngest runs one orchestrated ingestion and prints its result.
// A skipped run is not a failure.
func (a *app) runIngest(cmd *cobra.Command, opts ingest.Options) error {
	ctx := cmd.Context()
	orch, err := a.orchestrator(ctx)
	if err != nil {
		return err
	}

	res, runErr := orch.Run(ctx, opts)
	if res != nil {
		if err := printJSON(cmd.OutOrStdout(), res); err != nil {
			return err
		}
	}
	if runErr != nil {
		return fmt.Errorf("%w: %w", errRunFailed, runErr)
	}
	if res != nil && res.Status == ingest.StatusError {
		return fmt.Errorf("%w: %s", errRunFailed, res.Error)
	}
	return nil
}

func newRefreshCmd(a *app) *cobra.Command {
	var async bool

	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Refresh aggregate materialized views",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			refresher, err := a.aggregates(ctx)
			if err != nil {
				return err
			}

			if async {
				ticket, err := refresher.RefreshAsync(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), ticket)
			}

			summary, err := refresher.Refresh(ctx)
			if summary != nil {
				if perr := printJSON(cmd.OutOrStdout(), summary); perr != nil {
					return perr
				}
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&async, "async", false, "Return a ticket immediately; the process waits for the refresh before exit")
	return cmd
}

func newLeaseCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lease",
		Short: "Operate the distributed job lease by hand",
	}

	var (
		lock  string
		owner string
		ttl   time.Duration
		steal bool
	)

	acquire := &cobra.Command{
		Use:   "acquire",
		Short: "Acquire or renew a lease",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			leases, err := a.leaseCoordinator(ctx)
			if err != nil {
				return err
			}

			acquireFn := leases.Acquire
			if steal {
				acquireFn = leases.Steal
			}
			out, err := acquireFn(ctx, lock, owner, ttl)
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), out); err != nil {
				return err
			}
			if !out.Acquired() {
				return errLeaseLocked
			}
			return nil
		},
	}
	acquire.Flags().StringVar(&lock, "lock", "", "Lock name (default: lease.name)")
	acquire.Flags().StringVar(&owner, "owner", "", "Lease owner")
	acquire.Flags().DurationVar(&ttl, "ttl", 0, "Lease TTL (default: lease.ttl)")
	acquire.Flags().BoolVar(&steal, "steal", false, "Take over a lease that expires within lease.steal_grace")
	_ = acquire.MarkFlagRequired("owner")

	release := &cobra.Command{
		Use:   "release",
		Short: "Release a lease held by owner",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			leases, err := a.leaseCoordinator(ctx)
			if err != nil {
				return err
			}
			if lock == "" {
				lock = leases.Name()
			}
			if err := leases.Release(ctx, lock, owner); err != nil {
				a.logger.Warn("Lease release failed, lease will expire with its TTL", "lock", lock, "owner", owner, "error", err)
			}
			return printJSON(cmd.OutOrStdout(), map[string]string{"status": "released", "lock": lock, "owner": owner})
		},
	}
	release.Flags().StringVar(&lock, "lock", "", "Lock name (default: lease.name)")
	release.Flags().StringVar(&owner, "owner", "", "Lease owner")
	_ = release.MarkFlagRequired("owner")

	cmd.AddCommand(acquire, release)
	return cmd
}

func newSyncDungeonsCmd(a *app) *cobra.Command {
	var (
		seasonID int
		region   string
	)

	cmd := &cobra.Command{
		Use:   "sync-dungeons",
		Short: "Fetch keystone timers and update the season dungeon mapping",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if seasonID == 0 {
				seasonID = a.cfg.LatestSeason()
			}
			season, ok := a.cfg.Season(seasonID)
			if !ok {
				return fmt.Errorf("%w: %d", fetcher.ErrNoDungeons, seasonID)
			}
			client := a.upstream()
			if region == "" {
				regions := client.Regions()
				if len(regions) == 0 {
					return errors.New("no upstream regions configured")
				}
				region = regions[0]
			}

			repo, cache, err := a.mapping(ctx)
			if err != nil {
				return err
			}
			res, err := mapping.SyncDungeons(ctx, client, repo, cache, region, seasonID, season.Dungeons, a.logger)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().IntVar(&seasonID, "season", 0, "Season id (default: latest configured season)")
	cmd.Flags().StringVar(&region, "region", "", "Region queried for timers (default: first configured)")
	return cmd
}

func newSyncCutoffsCmd(a *app) *cobra.Command {
	var seasonID int

	cmd := &cobra.Command{
		Use:   "sync-cutoffs",
		Short: "Fetch and store the rating cutoff of every region",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if seasonID == 0 {
				seasonID = a.cfg.LatestSeason()
			}
			repo, _, err := a.mapping(ctx)
			if err != nil {
				return err
			}

			client := a.upstream()
			saved := make([]mapping.RatingCutoff, 0, len(client.Regions()))
			var errs []error
			for _, region := range client.Regions() {
				c, err := client.RatingCutoff(ctx, region, seasonID)
				if err != nil {
					a.logger.Warn("Rating cutoff unavailable", "region", region, "season_id", seasonID, "error", err)
					errs = append(errs, err)
					continue
				}
				row := mapping.RatingCutoff{
					Region:    c.Region,
					SeasonID:  c.SeasonID,
					Cutoff:    c.Value,
					Schema:    c.Schema,
					FetchedAt: c.FetchedAt,
				}
				if err := repo.SaveCutoff(ctx, row); err != nil {
					return err
				}
				saved = append(saved, row)
			}
			if err := printJSON(cmd.OutOrStdout(), saved); err != nil {
				return err
			}
			if len(saved) == 0 && len(errs) > 0 {
				return errors.Join(errs...)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&seasonID, "season", 0, "Season id (default: latest configured season)")
	return cmd
}

func newCleanupCmd(a *app) *cobra.Command {
	var seasonID int

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete every run and member of a season",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			pool, err := a.database(ctx)
			if err != nil {
				return err
			}
			deleted, err := loader.Cleanup(ctx, pool.Bun(), seasonID, a.logger)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]int64{"season_id": int64(seasonID), "deleted_runs": deleted})
		},
	}
	cmd.Flags().IntVar(&seasonID, "season", 0, "Season id to delete")
	_ = cmd.MarkFlagRequired("season")
	return cmd
}

func newMigrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update tables, indexes and aggregate views",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			pool, err := a.database(ctx)
			if err != nil {
				return err
			}
			return schema.Migrate(ctx, pool.Bun(), a.logger)
		},
	}
}

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the control API until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			orch, err := a.orchestrator(ctx)
			if err != nil {
				return err
			}

			if a.cfg.Upstream.BaseURL != "" {
				startup.ValidateUpstreamAtStartup(ctx, a.upstream(), a.upstream().Regions(), a.cfg.LatestSeason(), a.logger)
			}

			r := router.New(router.Deps{
				Ingestor:  orch,
				Leases:    a.leases,
				Refresher: a.refresher,
				DB:        a.pool,
			}, a.cfg, a.logger)

			// Ingest runs synchronously in the request, so only reads are bounded.
			server := &http.Server{
				Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
				Handler:           r,
				ReadHeaderTimeout: 10 * time.Second,
				ReadTimeout:       a.cfg.Server.RequestTimeout,
			}

			errCh := make(chan error, 1)
			go func() {
				a.logger.Info("Server starting", "port", a.cfg.Server.Port)
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			a.logger.Info("Shutting down server...")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				a.logger.Error("Server forced to shutdown", "error", err)
				return err
			}
			// a detached refresh keeps running; give it the same window
			if err := a.refresher.Shutdown(shutdownCtx); err != nil {
				a.logger.Warn("Aggregate refresh still running at shutdown", "error", err)
			}
			a.logger.Info("Server exited")
			return nil
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
