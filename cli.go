// FILE: cli.go
// Package main – Operator commands over the Override Store.
//
// rules add|list|import|revoke, overrides list|revoke, history, halt, resume.
// These only touch the store; none of them call the broker or the oracle.
package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// withStore opens the app for a store-only command.
func withStore(opts *rootOptions, fn func(a *app, cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := openApp(opts)
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(a, cmd, args)
	}
}

// ---- rules ----

func newRulesCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{Use: "rules", Short: "Manage L0 rules"}

	var prio int
	var ttl time.Duration
	add := &cobra.Command{
		Use:   "add <rule-id> <condition> <directive>",
		Short: "Create or replace a rule",
		Example: `  overseer rules add wide-spread "spread > 3 AND session = asia" block --priority 10
  overseer rules add cut-losers "adverse_excursion >= 40" "resize 0.5"`,
		Args: cobra.ExactArgs(3),
		RunE: withStore(opts, func(a *app, cmd *cobra.Command, args []string) error {
			r, err := NewRule(args[0], args[1], args[2], prio)
			if err != nil {
				return err
			}
			o, err := writeRule(cmd.Context(), a.store, r, firstDuration(ttl, a.cfg.RuleTTL), createdByOperator(a.cfg))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "rule %s stored (%s) until %s\n", r.RuleID, o.ID, o.ExpiresAt.Format(time.RFC3339))
			return nil
		}),
	}
	add.Flags().IntVar(&prio, "priority", 0, "higher runs first")
	add.Flags().DurationVar(&ttl, "ttl", 0, "rule lifetime (default $RULE_TTL)")

	list := &cobra.Command{
		Use:   "list",
		Short: "List active rules in evaluation order",
		Args:  cobra.NoArgs,
		RunE: withStore(opts, func(a *app, cmd *cobra.Command, _ []string) error {
			rules, err := loadRules(cmd.Context(), a.store)
			if err != nil {
				return err
			}
			if opts.JSON {
				return writeJSON(cmd.OutOrStdout(), rules)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "PRIORITY\tRULE\tCONDITION\tDIRECTIVE")
			for _, r := range rules {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", r.Priority, r.RuleID, r.Condition, r.Directive)
			}
			return tw.Flush()
		}),
	}

	imp := &cobra.Command{
		Use:   "import <file.yaml>",
		Short: "Create or replace every rule in a YAML file",
		Long: `Import rules from YAML. The whole file is validated before anything is written.

  rules:
    - id: wide-spread
      condition: spread > 3 AND session = asia
      directive: block
      priority: 10
      ttl: 720h`,
		Args: cobra.ExactArgs(1),
		RunE: withStore(opts, func(a *app, cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			specs, err := parseRuleFile(data)
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			for _, s := range specs {
				if _, err := writeRule(cmd.Context(), a.store, s.rule, firstDuration(s.ttl, a.cfg.RuleTTL), createdByOperator(a.cfg)); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d rules from %s\n", len(specs), args[0])
			return nil
		}),
	}

	revoke := &cobra.Command{
		Use:   "revoke <rule-id>",
		Short: "Revoke a rule",
		Args:  cobra.ExactArgs(1),
		RunE: withStore(opts, func(a *app, cmd *cobra.Command, args []string) error {
			n, err := a.store.Revoke(cmd.Context(), KindRule, keyFor(KindRule, args[0]), nil)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "revoked %d row(s)\n", n)
			return nil
		}),
	}

	cmd.AddCommand(add, list, imp, revoke)
	return cmd
}

type ruleFileEntry struct {
	ID        string `yaml:"id"`
	Condition string `yaml:"condition"`
	Directive string `yaml:"directive"`
	Priority  int    `yaml:"priority"`
	TTL       string `yaml:"ttl"`
}

type importedRule struct {
	rule RulePayload
	ttl  time.Duration
}

// parseRuleFile accepts either a top-level list or a "rules:" mapping. Any
// bad entry fails the whole file.
func parseRuleFile(data []byte) ([]importedRule, error) {
	var entries []ruleFileEntry
	var wrapped struct {
		Rules []ruleFileEntry `yaml:"rules"`
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&wrapped); err == nil {
		entries = wrapped.Rules
	} else if err == io.EOF {
		return nil, nil
	} else if lerr := yaml.Unmarshal(data, &entries); lerr != nil {
		return nil, fmt.Errorf("decode rules: %w", err)
	}

	seen := map[string]bool{}
	out := make([]importedRule, 0, len(entries))
	for i, e := range entries {
		r, err := NewRule(e.ID, e.Condition, e.Directive, e.Priority)
		if err != nil {
			return nil, fmt.Errorf("rule #%d (%s): %w", i+1, e.ID, err)
		}
		if seen[r.RuleID] {
			return nil, fmt.Errorf("rule #%d: duplicate id %s", i+1, r.RuleID)
		}
		seen[r.RuleID] = true
		var ttl time.Duration
		if strings.TrimSpace(e.TTL) != "" {
			if ttl, err = time.ParseDuration(e.TTL); err != nil || ttl <= 0 {
				return nil, fmt.Errorf("rule #%d (%s): bad ttl %q", i+1, e.ID, e.TTL)
			}
		}
		out = append(out, importedRule{rule: r, ttl: ttl})
	}
	return out, nil
}

// ---- overrides ----

func newOverridesCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{Use: "overrides", Short: "Inspect and revoke override rows"}

	var kind string
	var all bool
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List overrides, newest first",
		Args:  cobra.NoArgs,
		RunE: withStore(opts, func(a *app, cmd *cobra.Command, _ []string) error {
			var k Kind
			if kind != "" {
				var err error
				if k, err = parseKind(kind); err != nil {
					return err
				}
			}
			rows, err := a.store.List(cmd.Context(), k, all, limit)
			if err != nil {
				return err
			}
			if opts.JSON {
				return writeJSON(cmd.OutOrStdout(), rows)
			}
			return printOverrides(cmd.OutOrStdout(), rows, a.store.Now())
		}),
	}
	list.Flags().StringVar(&kind, "kind", "", "filter by kind (circuit-breaker, loop-halt, rule, directive, risk-param, entry-block, execution, audit-entry)")
	list.Flags().BoolVar(&all, "all", false, "include revoked and expired rows")
	list.Flags().IntVar(&limit, "limit", 50, "max rows")

	var scope string
	revoke := &cobra.Command{
		Use:   "revoke <kind> <key>",
		Short: "Revoke active rows for a key (all scopes unless --scope)",
		Args:  cobra.ExactArgs(2),
		RunE: withStore(opts, func(a *app, cmd *cobra.Command, args []string) error {
			k, err := parseKind(args[0])
			if err != nil {
				return err
			}
			key := args[1]
			if !strings.Contains(key, ":") {
				key = keyFor(k, key)
			}
			n, err := a.store.Revoke(cmd.Context(), k, key, scopeOf(scope))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "revoked %d row(s)\n", n)
			return nil
		}),
	}
	revoke.Flags().StringVar(&scope, "scope", "", "only this scope")

	cmd.AddCommand(list, revoke)
	return cmd
}

func printOverrides(w io.Writer, rows []Override, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tSCOPE\tSTATE\tCREATED\tEXPIRES\tBY\tPAYLOAD")
	for _, o := range rows {
		state := "active"
		switch {
		case o.Revoked:
			state = "revoked"
		case !o.Active(now):
			state = "expired"
		}
		scope := "-"
		if o.Scope != nil {
			scope = *o.Scope
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", o.Key, scope, state,
			o.CreatedAt.Format(time.RFC3339), o.ExpiresAt.Format(time.RFC3339), o.CreatedBy,
			truncateRunes(string(o.Payload), 80))
	}
	return tw.Flush()
}

// ---- history ----

func newHistoryCommand(opts *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent cycle audit entries, newest first",
		Args:  cobra.NoArgs,
		RunE: withStore(opts, func(a *app, cmd *cobra.Command, _ []string) error {
			audit := NewAuditLog(a.store, a.cfg.AuditRetention, a.cfg.CreatedBy)
			entries, err := audit.recent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if opts.JSON {
				return writeJSON(cmd.OutOrStdout(), entries)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tSTATUS\tTIER\tACTIONS\tSCORE\tASSESSMENT")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%g\t%s\n", e.Timestamp.Format(time.RFC3339), e.Status, e.Tier,
					e.ActionsExecuted, e.ActionCount, e.Score, truncateRunes(firstNonEmpty(e.Assessment, e.Reason), 80))
			}
			return tw.Flush()
		}),
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "max entries")
	return cmd
}

// ---- halt / resume ----

func newHaltCommand(opts *rootOptions) *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "halt <reason>",
		Short: "Halt the loop until resumed or the halt expires",
		Args:  cobra.MinimumNArgs(1),
		RunE: withStore(opts, func(a *app, cmd *cobra.Command, args []string) error {
			reason := strings.Join(args, " ")
			o, err := a.store.Replace(cmd.Context(), WriteRequest{
				Kind:      KindLoopHalt,
				Key:       keyLoopHalt,
				Payload:   HaltPayload{Reason: reason},
				TTL:       firstDuration(ttl, a.cfg.OverrideTTL),
				CreatedBy: createdByOperator(a.cfg),
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "loop halted until %s: %s\n", o.ExpiresAt.Format(time.RFC3339), reason)
			return nil
		}),
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "halt lifetime (default $OVERRIDE_TTL)")
	return cmd
}

func newResumeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Revoke every active loop halt",
		Args:  cobra.NoArgs,
		RunE: withStore(opts, func(a *app, cmd *cobra.Command, _ []string) error {
			n, err := a.store.Revoke(cmd.Context(), KindLoopHalt, keyLoopHalt, nil)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "revoked %d halt(s)\n", n)
			return nil
		}),
	}
}

func firstDuration(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}

func createdByOperator(cfg Config) string {
	if u := os.Getenv("USER"); u != "" {
		return "operator:" + u
	}
	return cfg.CreatedBy + ":cli"
}
