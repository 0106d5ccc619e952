package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// resolveEnvString resolves environment variable if value is in format "os.environ/VAR_NAME"
func resolveEnvString(value string) string {
	const prefix = "os.environ/"
	if strings.HasPrefix(value, prefix) {
		envVar := strings.TrimPrefix(value, prefix)
		if envValue := os.Getenv(envVar); envValue != "" {
			return envValue
		}
		slog.Warn("environment variable not set, returning empty string",
			"env_var", envVar,
			"pattern", value,
		)
		return ""
	}
	return value
}

// parseFunc is a function type that parses a string value into the desired type
type parseFunc[T any] func(string) (T, error)

// parseField resolves env variable and parses value with proper error context
func parseField[T any](tempValue string, defaultValue T, parser parseFunc[T], fieldPath string) (T, error) {
	if tempValue == "" {
		return defaultValue, nil
	}

	resolved := resolveEnvString(tempValue)
	if resolved == "" {
		return defaultValue, nil
	}
	parsed, err := parser(resolved)
	if err != nil {
		return defaultValue, fmt.Errorf("invalid %s: %w", fieldPath, err)
	}
	return parsed, nil
}

func parseInt(s string) (int, error) {
	return strconv.Atoi(strings.TrimSpace(s))
}

// setDefault assigns def when the field holds its zero value
func setDefault[T comparable](field *T, def T) {
	var zero T
	if *field == zero {
		*field = def
	}
}

// redact hides everything but the scheme and host of a DSN or URL
func redact(value string) string {
	if value == "" {
		return ""
	}
	if i := strings.Index(value, "@"); i >= 0 {
		if j := strings.Index(value, "://"); j >= 0 && j < i {
			return value[:j+3] + "***REDACTED***" + value[i:]
		}
	}
	return value
}

func secret(value string) string {
	if value == "" {
		return "(unset)"
	}
	return "***REDACTED***"
}

// PrintConfig outputs the configuration in a structured, readable format to the logger
func PrintConfig(logger *slog.Logger, cfg *Config) {
	logger.Info("=== Configuration Loaded ===")

	logger.Info("server",
		"port", cfg.Server.Port,
		"logging_level", cfg.Server.LoggingLevel,
		"log_format", cfg.Server.LogFormat,
		"request_timeout", cfg.Server.RequestTimeout.String(),
		"control_token", secret(cfg.Server.ControlToken),
	)

	logger.Info("database",
		"url", redact(cfg.Database.URL),
		"max_conns", cfg.Database.MaxConns,
		"min_conns", cfg.Database.MinConns,
		"connect_timeout", cfg.Database.ConnectTimeout.String(),
		"health_check_interval", cfg.Database.HealthCheckInterval.String(),
	)

	logger.Info("ingest",
		"strategy", cfg.Ingest.Strategy,
		"batch_size", cfg.Ingest.BatchSize,
		"fetch_concurrency", cfg.Ingest.FetchConcurrency,
		"load_concurrency", cfg.Ingest.LoadConcurrency,
		"delete_after_load", cfg.Ingest.DeleteAfterLoad,
	)

	logger.Info("remote",
		"call_timeout", cfg.Remote.CallTimeout.String(),
		"safety_margin", cfg.Remote.SafetyMargin.String(),
		"runtime_budget", budgetToString(cfg.Remote.RuntimeBudget),
		"max_attempts", cfg.Remote.MaxAttempts,
		"initial_backoff", cfg.Remote.InitialBackoff.String(),
		"warmup_backoff", cfg.Remote.WarmupBackoff.String(),
		"max_backoff", cfg.Remote.MaxBackoff.String(),
	)

	logger.Info("lease",
		"name", cfg.Lease.Name,
		"ttl", cfg.Lease.TTL.String(),
		"steal_grace", cfg.Lease.StealGrace.String(),
		"release_timeout", cfg.Lease.ReleaseTimeout.String(),
		"release_attempts", cfg.Lease.ReleaseAttempts,
	)

	logger.Info("upstream",
		"base_url", cfg.Upstream.BaseURL,
		"regions", strings.Join(cfg.Upstream.Regions, ","),
		"client_id", secret(cfg.Upstream.ClientID),
		"client_secret", secret(cfg.Upstream.ClientSecret),
		"min_request_interval", cfg.Upstream.MinRequestInterval.String(),
		"hourly_quota", cfg.Upstream.HourlyQuota,
	)

	logger.Info("staging",
		"backend", cfg.Staging.Backend,
		"dir", cfg.Staging.Dir,
		"bucket", cfg.Staging.Bucket,
		"prefix", cfg.Staging.Prefix,
		"compress", cfg.Staging.Compress,
	)

	logger.Info("aggregates",
		"views", strings.Join(cfg.Aggregates.Views, ","),
		"concurrently", cfg.Aggregates.Concurrently,
		"async", cfg.Aggregates.Async,
		"timeout", cfg.Aggregates.Timeout.String(),
	)

	logger.Info("seasons", "total_count", len(cfg.Seasons))
	for i, s := range cfg.Seasons {
		logger.Info(fmt.Sprintf("  [%d] season", i),
			"id", s.ID,
			"dungeons", len(s.Dungeons),
		)
	}

	logger.Info("=== Configuration Ready ===")
}

// budgetToString shows "lease-derived" for a zero runtime budget
func budgetToString(d time.Duration) string {
	if d == 0 {
		return "lease-derived"
	}
	return d.String()
}
