// FILE: main.go
// Package main – Program entrypoint, CLI root and collaborator wiring.
//
// Boot sequence (every command):
//   1) loadEnvFile()           – read the env file (no shell exports required)
//   2) cfg := loadConfigFromEnv()
//   3) newLogger(cfg.LogLevel) – install the zap global
//   4) OpenStore(cfg.DBPath)
//
// serve and cycle additionally wire broker, oracle and signal feeds.
//
// Commands:
//   serve                     HTTP /healthz /metrics POST /cycle, plus the ticker loop
//   cycle                     run one cycle and print its summary
//   rules add|list|import|revoke
//   overrides list|revoke
//   history                   recent cycle audit entries
//   halt / resume             loop-halt override
//
// Example:
//   overseer serve --interval 15m

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// rootOptions holds global flags.
type rootOptions struct {
	EnvFile  string
	DBPath   string
	LogLevel string
	JSON     bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "overseer",
		Short:         "Tiered LLM trading control loop",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.EnvFile, "env-file", "", "env file (default $OVERSEER_ENV_FILE or "+defaultEnvFile+")")
	cmd.PersistentFlags().StringVar(&opts.DBPath, "db", "", "override store path (default $DB_PATH)")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "debug|info|warn|error (default $LOG_LEVEL)")
	cmd.PersistentFlags().BoolVar(&opts.JSON, "json", false, "print JSON instead of text")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newCycleCommand(opts))
	cmd.AddCommand(newRulesCommand(opts))
	cmd.AddCommand(newOverridesCommand(opts))
	cmd.AddCommand(newHistoryCommand(opts))
	cmd.AddCommand(newHaltCommand(opts))
	cmd.AddCommand(newResumeCommand(opts))
	return cmd
}

// app is the per-command runtime: config, logger and the open store.
type app struct {
	cfg   Config
	log   *zap.Logger
	store *Store
}

func openApp(opts *rootOptions) (*app, error) {
	envPath, envKeys, envErr := loadEnvFile(opts.EnvFile)
	cfg := loadConfigFromEnv()
	if opts.DBPath != "" {
		cfg.DBPath = opts.DBPath
	}
	if opts.LogLevel != "" {
		cfg.LogLevel = opts.LogLevel
	}
	lg, err := newLogger(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	switch {
	case errors.Is(envErr, fs.ErrNotExist):
		zap.S().Infof("[ENV] %s not found, relying on process env", envPath)
	case envErr != nil:
		zap.S().Warnf("[ENV] read %s: %v", envPath, envErr)
	default:
		zap.S().Infof("[ENV] loaded %d keys from %s", envKeys, envPath)
	}
	st, err := OpenStore(cfg.DBPath)
	if err != nil {
		_ = lg.Sync()
		return nil, err
	}
	return &app{cfg: cfg, log: lg, store: st}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		zap.S().Warnf("[STORE] close: %v", err)
	}
	_ = a.log.Sync()
}

// buildBroker returns the broker used for reads and the one used for execution.
func buildBroker(cfg Config) (read Broker, exec Broker, err error) {
	switch cfg.BrokerKind {
	case "rest":
		if cfg.BrokerURL == "" || cfg.BrokerAccountID == "" {
			return nil, nil, errors.New("BROKER=rest needs BROKER_URL and BROKER_ACCOUNT_ID")
		}
		rb := NewRESTBroker(cfg.BrokerURL, cfg.BrokerToken, cfg.BrokerAccountID, cfg.BrokerTimeout)
		if cfg.DryRun {
			return rb, DryRunBroker{Broker: rb}, nil
		}
		return rb, rb, nil
	case "paper", "":
		pb := NewPaperBroker(getEnvFloat("PAPER_BALANCE", 10000))
		return pb, pb, nil
	}
	return nil, nil, fmt.Errorf("unknown BROKER %q (rest|paper)", cfg.BrokerKind)
}

func buildOracle(ctx context.Context, cfg Config) (Oracle, error) {
	switch cfg.OracleProvider {
	case "openai", "chat", "":
		return NewChatOracle(cfg.OracleURL, cfg.OracleAPIKey, cfg.OracleTimeout), nil
	case "gemini":
		return NewGeminiOracle(ctx, cfg.OracleAPIKey, cfg.OracleTimeout)
	}
	return nil, fmt.Errorf("unknown ORACLE_PROVIDER %q (openai|gemini)", cfg.OracleProvider)
}

// orchestrator wires every collaborator a cycle needs.
func (a *app) orchestrator(ctx context.Context) (*Orchestrator, error) {
	read, exec, err := buildBroker(a.cfg)
	if err != nil {
		return nil, err
	}
	oracle, err := buildOracle(ctx, a.cfg)
	if err != nil {
		return nil, err
	}
	prompt, err := loadSystemPrompt(a.cfg.SystemPromptFile)
	if err != nil {
		return nil, err
	}
	zap.S().Infof("[BOOT] broker=%s exec=%s oracle=%s fast=%s deep=%s feeds=%d dry_run=%v",
		read.Name(), exec.Name(), a.cfg.OracleProvider, a.cfg.FastModel, a.cfg.DeepModel, len(a.cfg.SignalFeeds), a.cfg.DryRun)
	zap.S().Infof("[SAFETY] HOURLY_ACTION_BUDGET=%d MAX_ACTIONS_PER_CYCLE=%d MIN_CYCLE_GAP=%s HEALTH_FLOOR=%.1f LOSS_STREAK=%d/%s",
		a.cfg.HourlyActionBudget, a.cfg.MaxActionsPerCycle, a.cfg.MinCycleGap, a.cfg.HealthFloor,
		a.cfg.LossStreakCount, a.cfg.LossStreakWindow)
	return NewOrchestrator(a.cfg, Deps{
		Store:        a.store,
		Broker:       read,
		Exec:         exec,
		Feeds:        NewFeedClient(a.cfg.SignalFeeds, a.cfg.FeedTimeout),
		Oracle:       oracle,
		SystemPrompt: prompt,
	}), nil
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	var interval time.Duration
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve /healthz, /metrics and POST /cycle; run cycles on an interval",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()
			if cmd.Flags().Changed("interval") {
				a.cfg.LoopInterval = interval
			}
			if cmd.Flags().Changed("port") {
				a.cfg.Port = port
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			orch, err := a.orchestrator(ctx)
			if err != nil {
				return err
			}

			return serve(ctx, orch, a.cfg.Port, a.cfg.LoopInterval)
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 0, "cycle interval, 0 for trigger-only (default $LOOP_INTERVAL)")
	cmd.Flags().IntVar(&port, "port", 0, "HTTP port (default $PORT)")
	return cmd
}

func newCycleCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cycle",
		Short: "Run one cycle now and print its summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()
			orch, err := a.orchestrator(cmd.Context())
			if err != nil {
				return err
			}
			entry := orch.RunCycle(cmd.Context())
			if err := writeJSON(cmd.OutOrStdout(), entry); err != nil {
				return err
			}
			if entry.Status == StatusError {
				return fmt.Errorf("cycle %s: %s", entry.Assessment, entry.Reason)
			}
			return nil
		},
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
