// FILE: config.go
// Package main – Runtime configuration model and loader.
//
// This file defines the Config struct (every knob the control loop uses) and
// a helper to populate it from environment variables. The env file is read by
// loadEnvFile() (see env.go), so thresholds can be tuned without exports.
//
// The idle, escalation and safety thresholds below are empirically chosen
// starting points. They are configuration, not load-bearing constants.
package main

import (
	"strings"
	"time"
)

// Config holds all runtime knobs for the loop and its collaborators.
type Config struct {
	// Ops
	Port      int
	DBPath    string
	LogLevel  string
	DryRun    bool
	CreatedBy string // created_by stamped on overrides this process writes

	// Scheduling
	LoopInterval time.Duration // internal ticker cadence; 0 means external trigger only
	CycleTimeout time.Duration
	MinCycleGap  time.Duration // minimum-interval guard between finished cycles

	// Rate limiting & caps
	HourlyActionBudget int
	MaxActionsPerCycle int
	AuditRetention     time.Duration

	// Override lifetimes when an action does not name one
	BreakerTTL  time.Duration
	RuleTTL     time.Duration
	OverrideTTL time.Duration // directives, risk params, entry blocks, halts, notes

	// L1 heuristics
	HealthFloor          float64
	LossStreakCount      int
	LossStreakWindow     time.Duration
	LossStreakBreakerPct float64
	ShockFeed            string
	ShockSevereLevel     string
	RecentCloses         int

	// Tier classifier
	DeepCeiling       time.Duration
	DeepCooldown      time.Duration
	WinRateFloor      float64
	WinRateMinSamples int
	SevereStreak      int

	// Context compactor
	DigestDirectiveChars int
	DigestTopSignals     int

	// Oracle
	OracleProvider    string // "openai" (chat-completions) or "gemini"
	OracleURL         string
	OracleAPIKey      string
	OracleTimeout     time.Duration
	FastModel         string
	DeepModel         string
	FastMaxTokens     int
	DeepMaxTokens     int
	OracleTemperature float64
	SystemPromptFile  string

	// Broker
	BrokerKind      string // "rest" or "paper"
	BrokerURL       string
	BrokerToken     string
	BrokerAccountID string
	BrokerTimeout   time.Duration

	// Signal feeds: "name=url,name=url"
	SignalFeeds map[string]string
	FeedTimeout time.Duration
}

// knownEnvKeys lists every key loadEnvFile is allowed to hydrate.
var knownEnvKeys = []string{
	"PORT", "DB_PATH", "LOG_LEVEL", "DRY_RUN", "CREATED_BY",
	"LOOP_INTERVAL", "CYCLE_TIMEOUT", "MIN_CYCLE_GAP",
	"HOURLY_ACTION_BUDGET", "MAX_ACTIONS_PER_CYCLE", "AUDIT_RETENTION",
	"BREAKER_TTL", "RULE_TTL", "OVERRIDE_TTL",
	"HEALTH_FLOOR", "LOSS_STREAK_COUNT", "LOSS_STREAK_WINDOW", "LOSS_STREAK_BREAKER_PCT",
	"SHOCK_FEED", "SHOCK_SEVERE_LEVEL", "RECENT_CLOSES",
	"DEEP_CEILING", "DEEP_COOLDOWN", "WINRATE_FLOOR", "WINRATE_MIN_SAMPLES", "SEVERE_STREAK",
	"DIGEST_DIRECTIVE_CHARS", "DIGEST_TOP_SIGNALS",
	"ORACLE_PROVIDER", "ORACLE_URL", "ORACLE_API_KEY", "ORACLE_TIMEOUT",
	"FAST_MODEL", "DEEP_MODEL", "FAST_MAX_TOKENS", "DEEP_MAX_TOKENS", "ORACLE_TEMPERATURE",
	"SYSTEM_PROMPT_FILE",
	"BROKER", "BROKER_URL", "BROKER_TOKEN", "BROKER_ACCOUNT_ID", "BROKER_TIMEOUT",
	"SIGNAL_FEEDS", "FEED_TIMEOUT", "PAPER_BALANCE",
}

// loadConfigFromEnv reads the process env (already hydrated by loadEnvFile())
// and returns a Config with sane defaults if keys are missing.
func loadConfigFromEnv() Config {
	cfg := Config{
		Port:      getEnvInt("PORT", 8080),
		DBPath:    getEnv("DB_PATH", "/opt/overseer/state/overrides.db"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		DryRun:    getEnvBool("DRY_RUN", true),
		CreatedBy: getEnv("CREATED_BY", "overseer"),

		LoopInterval: getEnvDuration("LOOP_INTERVAL", 15*time.Minute, time.Second),
		CycleTimeout: getEnvDuration("CYCLE_TIMEOUT", 4*time.Minute, time.Second),
		MinCycleGap:  getEnvDuration("MIN_CYCLE_GAP", 60*time.Second, time.Second),

		HourlyActionBudget: getEnvInt("HOURLY_ACTION_BUDGET", 20),
		MaxActionsPerCycle: getEnvInt("MAX_ACTIONS_PER_CYCLE", 5),
		AuditRetention:     getEnvDuration("AUDIT_RETENTION", 30*24*time.Hour, time.Hour),

		BreakerTTL:  getEnvDuration("BREAKER_TTL", 24*time.Hour, time.Hour),
		RuleTTL:     getEnvDuration("RULE_TTL", 90*24*time.Hour, time.Hour),
		OverrideTTL: getEnvDuration("OVERRIDE_TTL", 24*time.Hour, time.Hour),

		HealthFloor:          getEnvFloat("HEALTH_FLOOR", 25),
		LossStreakCount:      getEnvInt("LOSS_STREAK_COUNT", 3),
		LossStreakWindow:     getEnvDuration("LOSS_STREAK_WINDOW", 2*time.Hour, time.Minute),
		LossStreakBreakerPct: getEnvFloat("LOSS_STREAK_BREAKER_PCT", 3.0),
		ShockFeed:            getEnv("SHOCK_FEED", "shock"),
		ShockSevereLevel:     strings.ToUpper(getEnv("SHOCK_SEVERE_LEVEL", "EXTREME")),
		RecentCloses:         getEnvInt("RECENT_CLOSES", 50),

		DeepCeiling:       getEnvDuration("DEEP_CEILING", 8*time.Hour, time.Hour),
		DeepCooldown:      getEnvDuration("DEEP_COOLDOWN", 60*time.Minute, time.Minute),
		WinRateFloor:      getEnvFloat("WINRATE_FLOOR", 0.40),
		WinRateMinSamples: getEnvInt("WINRATE_MIN_SAMPLES", 10),
		SevereStreak:      getEnvInt("SEVERE_STREAK", 5),

		DigestDirectiveChars: getEnvInt("DIGEST_DIRECTIVE_CHARS", 140),
		DigestTopSignals:     getEnvInt("DIGEST_TOP_SIGNALS", 5),

		OracleProvider:    strings.ToLower(getEnv("ORACLE_PROVIDER", "openai")),
		OracleURL:         getEnv("ORACLE_URL", "https://api.openai.com/v1"),
		OracleAPIKey:      getEnv("ORACLE_API_KEY", ""),
		OracleTimeout:     getEnvDuration("ORACLE_TIMEOUT", 120*time.Second, time.Second),
		FastModel:         getEnv("FAST_MODEL", "gpt-4o-mini"),
		DeepModel:         getEnv("DEEP_MODEL", "gpt-4o"),
		FastMaxTokens:     getEnvInt("FAST_MAX_TOKENS", 1024),
		DeepMaxTokens:     getEnvInt("DEEP_MAX_TOKENS", 4096),
		OracleTemperature: getEnvFloat("ORACLE_TEMPERATURE", 0.2),
		SystemPromptFile:  getEnv("SYSTEM_PROMPT_FILE", ""),

		BrokerKind:      strings.ToLower(getEnv("BROKER", "paper")),
		BrokerURL:       getEnv("BROKER_URL", ""),
		BrokerToken:     getEnv("BROKER_TOKEN", ""),
		BrokerAccountID: getEnv("BROKER_ACCOUNT_ID", ""),
		BrokerTimeout:   getEnvDuration("BROKER_TIMEOUT", 15*time.Second, time.Second),

		SignalFeeds: parseFeedList(getEnv("SIGNAL_FEEDS", "")),
		FeedTimeout: getEnvDuration("FEED_TIMEOUT", 10*time.Second, time.Second),
	}
	if cfg.MaxActionsPerCycle < 0 {
		cfg.MaxActionsPerCycle = 0
	}
	return cfg
}

// parseFeedList turns "pricing=http://a,shock=http://b" into a map.
// Entries without a name or URL are skipped.
func parseFeedList(raw string) map[string]string {
	out := map[string]string{}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		eq := strings.Index(part, "=")
		if eq <= 0 || eq == len(part)-1 {
			continue
		}
		out[strings.TrimSpace(part[:eq])] = strings.TrimSpace(part[eq+1:])
	}
	return out
}
