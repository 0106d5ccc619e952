package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/framara/what-the-meta-backend/internal/httputil"
)

// ErrNoCutoff is returned when no adapter finds a rating cutoff in the payload
var ErrNoCutoff = errors.New("upstream: no rating cutoff in payload")

// SchemaGenericSearch labels cutoffs found by the last-resort deep search
const SchemaGenericSearch = "generic-search"

// Cutoff is the top 0.1% rating threshold of one region and season
type Cutoff struct {
	Region    string
	SeasonID  int
	Value     float64
	Schema    string
	FetchedAt time.Time
}

// CutoffAdapter extracts the rating cutoff from one known payload schema
type CutoffAdapter interface {
	Schema() string
	Extract(payload []byte) (float64, bool)
}

// quantileAdapter reads {"cutoffs":{"p999":{"all":{"quantileMinValue":X}}}}
type quantileAdapter struct{}

func (quantileAdapter) Schema() string { return "v1-quantile" }

func (quantileAdapter) Extract(payload []byte) (float64, bool) {
	var doc struct {
		Cutoffs struct {
			P999 struct {
				All struct {
					QuantileMinValue *float64 `json:"quantileMinValue"`
				} `json:"all"`
			} `json:"p999"`
		} `json:"cutoffs"`
	}
	if json.Unmarshal(payload, &doc) != nil || doc.Cutoffs.P999.All.QuantileMinValue == nil {
		return 0, false
	}
	return *doc.Cutoffs.P999.All.QuantileMinValue, true
}

// flatAdapter reads {"cutoff":{"rating":X}}
type flatAdapter struct{}

func (flatAdapter) Schema() string { return "v2-flat" }

func (flatAdapter) Extract(payload []byte) (float64, bool) {
	var doc struct {
		Cutoff struct {
			Rating *float64 `json:"rating"`
		} `json:"cutoff"`
	}
	if json.Unmarshal(payload, &doc) != nil || doc.Cutoff.Rating == nil {
		return 0, false
	}
	return *doc.Cutoff.Rating, true
}

// DefaultCutoffAdapters returns the known schemas in the order they are tried
func DefaultCutoffAdapters() []CutoffAdapter {
	return []CutoffAdapter{quantileAdapter{}, flatAdapter{}}
}

// ResolveCutoff runs the adapters in order and falls back to a generic deep search.
// The returned schema names the adapter that matched.
func ResolveCutoff(payload []byte, adapters []CutoffAdapter) (float64, string, error) {
	for _, a := range adapters {
		if v, ok := a.Extract(payload); ok && v > 0 {
			return v, a.Schema(), nil
		}
	}

	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return 0, "", fmt.Errorf("upstream: invalid cutoff payload: %w", err)
	}
	if v, ok := searchCutoff(doc, 0); ok {
		return v, SchemaGenericSearch, nil
	}
	return 0, "", ErrNoCutoff
}

// cutoffKeys are the field names the generic search accepts, most specific first
var cutoffKeys = []string{"quantileminvalue", "cutoff", "rating", "score"}

const maxSearchDepth = 8

// searchCutoff walks an unknown document for the first positive number under a
// cutoff-like key. Fallback only: a matched value is reported with SchemaGenericSearch.
func searchCutoff(node any, depth int) (float64, bool) {
	if depth > maxSearchDepth {
		return 0, false
	}

	switch n := node.(type) {
	case map[string]any:
		for _, key := range cutoffKeys {
			for k, v := range n {
				if strings.ToLower(k) != key {
					continue
				}
				if f, ok := number(v); ok && f > 0 {
					return f, true
				}
			}
		}
		for _, v := range n {
			if f, ok := searchCutoff(v, depth+1); ok {
				return f, true
			}
		}
	case []any:
		for _, v := range n {
			if f, ok := searchCutoff(v, depth+1); ok {
				return f, true
			}
		}
	}
	return 0, false
}

func number(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	}
	return 0, false
}

// RatingCutoff fetches and resolves the rating cutoff of region and season from the
// configured cutoff url ({region} and {season} are substituted)
func (c *Client) RatingCutoff(ctx context.Context, region string, seasonID int) (Cutoff, error) {
	if c.cfg.CutoffURL == "" {
		return Cutoff{}, fmt.Errorf("upstream: cutoff_url is not configured")
	}

	target := strings.NewReplacer(
		regionPlaceholder, region,
		"{season}", strconv.Itoa(seasonID),
	).Replace(c.cfg.CutoffURL)

	var payload []byte
	err := c.caller.Do(ctx, "cutoff "+region, func(ctx context.Context) error {
		start := time.Now()
		status, body, err := httputil.Fetch(ctx, c.httpClient, target, c.logger)
		c.metrics.RecordRequest(region, "cutoff", status, time.Since(start))
		if err != nil {
			return err
		}
		payload = body
		return nil
	})
	if err != nil {
		return Cutoff{}, err
	}

	value, schema, err := ResolveCutoff(payload, DefaultCutoffAdapters())
	if err != nil {
		return Cutoff{}, err
	}
	if schema == SchemaGenericSearch {
		c.logger.Warn("Rating cutoff resolved by generic search, payload schema is unknown",
			"region", region,
			"season_id", seasonID,
			"value", value,
		)
	}

	return Cutoff{
		Region:    region,
		SeasonID:  seasonID,
		Value:     value,
		Schema:    schema,
		FetchedAt: time.Now().UTC(),
	}, nil
}
