package startup

import (
	"context"
	"log/slog"
	"time"
)

// SeasonSource reports the upstream's current season for a region
type SeasonSource interface {
	CurrentSeason(ctx context.Context, region string) (int, error)
}

// Report summarizes a startup upstream check
type Report struct {
	Reachable   []string
	Unreachable []string
	// Ahead lists regions whose current season is newer than the latest configured one
	Ahead []string
}

// ValidateUpstreamAtStartup asks every region for its current season with a
// short timeout. Results are logged; startup continues regardless.
func ValidateUpstreamAtStartup(ctx context.Context, src SeasonSource, regions []string, latestSeason int, log *slog.Logger) Report {
	var report Report
	if len(regions) == 0 {
		return report
	}

	log.Info("Checking upstream accessibility at startup", "regions", len(regions))

	for _, region := range regions {
		checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		season, err := src.CurrentSeason(checkCtx, region)
		cancel()

		if err != nil {
			report.Unreachable = append(report.Unreachable, region)
			log.Warn("Upstream region unreachable at startup",
				"region", region,
				"error", err.Error(),
				"recommendation", "Verify upstream credentials and network access. Fetches for this region will be retried on every run",
			)
			continue
		}

		report.Reachable = append(report.Reachable, region)
		if season > latestSeason {
			report.Ahead = append(report.Ahead, region)
			log.Warn("Upstream season is newer than the configured seasons",
				"region", region,
				"upstream_season", season,
				"latest_configured", latestSeason,
				"impact", "runs without --season keep ingesting the older season",
			)
		} else {
			log.Debug("Upstream region accessible at startup", "region", region, "season", season)
		}
	}

	log.Info("Upstream accessibility check completed at startup",
		"total", len(regions),
		"reachable", len(report.Reachable),
		"unreachable", len(report.Unreachable),
	)

	if len(report.Unreachable) == len(regions) {
		log.Error("WARNING: All upstream regions are unreachable at startup",
			"total", len(regions),
			"impact", "Ingestion runs will fail until the upstream becomes reachable",
		)
	}
	return report
}
