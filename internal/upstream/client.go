// Package upstream reads seasons, dungeon timers and leaderboards from the game data API.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/framara/what-the-meta-backend/internal/config"
	"github.com/framara/what-the-meta-backend/internal/domain"
	"github.com/framara/what-the-meta-backend/internal/httputil"
	"github.com/framara/what-the-meta-backend/internal/monitoring"
	"github.com/framara/what-the-meta-backend/internal/ratelimit"
	"github.com/framara/what-the-meta-backend/internal/remote"
)

const regionPlaceholder = "{region}"

// Client talks to the game data API of every configured region
type Client struct {
	cfg        config.UpstreamConfig
	httpClient *http.Client
	caller     *remote.Caller
	interval   *ratelimit.IntervalLimiter
	quota      *ratelimit.WindowLimiter
	metrics    *monitoring.Metrics
	logger     *slog.Logger
}

// NewClient creates an upstream client. When httpClient is nil one is built from
// the config, authenticating with OAuth2 client credentials when a token url is set.
func NewClient(
	cfg config.UpstreamConfig,
	httpClient *http.Client,
	caller *remote.Caller,
	metrics *monitoring.Metrics,
	logger *slog.Logger,
) *Client {
	if httpClient == nil {
		httpClient = newHTTPClient(cfg)
	}
	if caller == nil {
		caller = remote.NewCaller(remote.DefaultPolicy(), nil, nil, logger)
	}
	p := caller.Policy()
	p.Classify = Classify
	caller = caller.WithPolicy(p).WithObserver(metrics)

	return &Client{
		cfg:        cfg,
		httpClient: httpClient,
		caller:     caller,
		interval:   ratelimit.NewIntervalLimiter(nil),
		quota:      ratelimit.NewWindowLimiter(nil, cfg.HourlyQuota, time.Hour),
		metrics:    metrics,
		logger:     logger,
	}
}

func newHTTPClient(cfg config.UpstreamConfig) *http.Client {
	base := httputil.NewHTTPClient(nil)
	if cfg.TokenURL == "" || cfg.ClientID == "" {
		return base
	}

	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
	return cc.Client(ctx)
}

// WithCaller returns a client sharing limiters and transport but bound to caller,
// typically one carrying a run deadline
func (c *Client) WithCaller(caller *remote.Caller) *Client {
	cp := *c
	p := caller.Policy()
	p.Classify = Classify
	cp.caller = caller.WithPolicy(p).WithObserver(c.metrics)
	return &cp
}

// Classify extends remote.KindOf with token endpoint failures
func Classify(err error) remote.Kind {
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) && rerr.Response != nil {
		return remote.ClassifyStatus(rerr.Response.StatusCode)
	}
	return remote.KindOf(err)
}

// Regions returns the configured regions
func (c *Client) Regions() []string {
	return c.cfg.Regions
}

// Realms returns the connected realms configured for region
func (c *Client) Realms(region string) []int {
	return c.cfg.Realms[region]
}

func (c *Client) baseURL(region string) string {
	return strings.ReplaceAll(c.cfg.BaseURL, regionPlaceholder, region)
}

// get performs one paced, retried GET against a regional endpoint
func (c *Client) get(ctx context.Context, region, endpoint, path string, v any) error {
	q := url.Values{}
	q.Set("namespace", "dynamic-"+region)
	q.Set("locale", c.cfg.Locale)
	target := c.baseURL(region) + path + "?" + q.Encode()

	return c.caller.Do(ctx, endpoint+" "+region, func(ctx context.Context) error {
		if err := c.quota.Wait(ctx, region); err != nil {
			return err
		}
		if err := c.interval.Wait(ctx, region, c.cfg.MinRequestInterval); err != nil {
			return err
		}

		start := time.Now()
		status, err := httputil.FetchJSON(ctx, c.httpClient, target, c.logger, v)
		c.metrics.RecordRequest(region, endpoint, status, time.Since(start))
		return err
	})
}

// CurrentSeason returns the id of the running season
func (c *Client) CurrentSeason(ctx context.Context, region string) (int, error) {
	var resp seasonIndexResponse
	if err := c.get(ctx, region, "season_index", "/data/wow/mythic-keystone/season/index", &resp); err != nil {
		return 0, err
	}
	return resp.CurrentSeason.ID, nil
}

// SeasonPeriods returns the period ids of a season in ascending order
func (c *Client) SeasonPeriods(ctx context.Context, region string, seasonID int) ([]int, error) {
	var resp seasonResponse
	path := fmt.Sprintf("/data/wow/mythic-keystone/season/%d", seasonID)
	if err := c.get(ctx, region, "season", path, &resp); err != nil {
		return nil, err
	}

	periods := make([]int, 0, len(resp.Periods))
	for _, p := range resp.Periods {
		periods = append(periods, p.ID)
	}
	return periods, nil
}

// DungeonTimers returns the keystone upgrade thresholds of a dungeon
func (c *Client) DungeonTimers(ctx context.Context, region string, seasonID, dungeonID int) (domain.DungeonTimers, error) {
	var resp dungeonResponse
	path := fmt.Sprintf("/data/wow/mythic-keystone/dungeon/%d", dungeonID)
	if err := c.get(ctx, region, "dungeon", path, &resp); err != nil {
		return domain.DungeonTimers{}, err
	}

	timers := domain.DungeonTimers{
		SeasonID:  seasonID,
		DungeonID: dungeonID,
		Name:      resp.Name,
	}
	for _, u := range resp.KeystoneUpgrades {
		switch u.UpgradeLevel {
		case 1:
			timers.Tier1Ms = u.QualifyingDuration
		case 2:
			timers.Tier2Ms = u.QualifyingDuration
		case 3:
			timers.Tier3Ms = u.QualifyingDuration
		}
	}
	return timers, nil
}

// Leaderboard returns the leading groups of one shard.
// A missing leaderboard surfaces as a remote.KindNotFound error.
func (c *Client) Leaderboard(ctx context.Context, key domain.ShardKey) ([]domain.Group, error) {
	var resp leaderboardResponse
	path := fmt.Sprintf("/data/wow/connected-realm/%d/mythic-leaderboard/%d/period/%d", key.RealmID, key.DungeonID, key.PeriodID)
	if err := c.get(ctx, key.Region, "leaderboard", path, &resp); err != nil {
		return nil, err
	}
	return toGroups(resp.LeadingGroups), nil
}

func toGroups(in []leadingGroup) []domain.Group {
	groups := make([]domain.Group, 0, len(in))
	for _, lg := range in {
		g := domain.Group{
			Rank:          lg.Ranking,
			CompletedAt:   time.UnixMilli(lg.CompletedTimestamp).UTC(),
			DurationMs:    lg.Duration,
			KeystoneLevel: lg.KeystoneLevel,
			Members:       make([]domain.GroupMember, 0, len(lg.Members)),
		}
		if lg.MythicRating != nil {
			rating := lg.MythicRating.Rating
			g.Rating = &rating
		}
		for _, m := range lg.Members {
			info, _ := LookupSpec(m.Specialization.ID)
			g.Members = append(g.Members, domain.GroupMember{
				Name:    m.Profile.Name,
				RealmID: m.Profile.Realm.ID,
				ClassID: info.ClassID,
				SpecID:  m.Specialization.ID,
				Role:    info.Role,
			})
		}
		groups = append(groups, g)
	}
	return groups
}
