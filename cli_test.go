package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRuleFile(t *testing.T) {
	mapping := `
rules:
  - id: wide-spread
    condition: spread > 3 AND session = asia
    directive: block
    priority: 10
    ttl: 720h
  - id: cut-losers
    condition: adverse_excursion >= 40
    directive: resize 0.5
`
	got, err := parseRuleFile([]byte(mapping))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "wide-spread", got[0].rule.RuleID)
	assert.Equal(t, 10, got[0].rule.Priority)
	assert.Len(t, got[0].rule.AST.Clauses, 2)
	assert.Equal(t, 720*time.Hour, got[0].ttl)
	assert.Equal(t, DirResize, got[1].rule.Directive.Kind)
	assert.Zero(t, got[1].ttl, "no ttl falls back to the configured default")

	list := `
- id: shorts
  condition: direction = short
  directive: close
`
	got, err = parseRuleFile([]byte(list))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "shorts", got[0].rule.RuleID)

	got, err = parseRuleFile(nil)
	assert.NoError(t, err)
	assert.Empty(t, got)
}

func TestParseRuleFileRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"duplicate id", "- {id: a, condition: spread > 1, directive: block}\n- {id: a, condition: spread > 2, directive: block}\n", "duplicate id a"},
		{"bad ttl", "- {id: a, condition: spread > 1, directive: block, ttl: soon}\n", `bad ttl "soon"`},
		{"negative ttl", "- {id: a, condition: spread > 1, directive: block, ttl: -1h}\n", "bad ttl"},
		{"bad condition", "- {id: a, condition: spread >>> 1, directive: block}\n", "rule #1 (a)"},
		{"bad directive", "- {id: a, condition: spread > 1, directive: explode}\n", "rule #1 (a)"},
		{"unknown field", "rules:\n  - {id: a, condition: spread > 1, directive: block}\nextra: true\n", "decode rules"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseRuleFile([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

// runCLI executes the root command against db with no env file.
func runCLI(t *testing.T, db string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append(args, "--db", db, "--env-file", filepath.Join(t.TempDir(), "none.env"), "--log-level", "error"))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCLIRulesLifecycle(t *testing.T) {
	t.Setenv("USER", "tester")
	db := filepath.Join(t.TempDir(), "cli.db")

	out, err := runCLI(t, db, "rules", "add", "wide-spread", "spread > 3", "block", "--priority", "10")
	require.NoError(t, err)
	assert.Contains(t, out, "rule wide-spread stored")

	_, err = runCLI(t, db, "rules", "add", "bad", "spread >>> 3", "block")
	assert.ErrorIs(t, err, ErrRuleSyntax)

	file := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
rules:
  - id: cut-losers
    condition: adverse_excursion >= 40
    directive: resize 0.5
    priority: 20
  - id: wide-spread
    condition: spread > 4
    directive: block
    priority: 1
`), 0o600))
	out, err = runCLI(t, db, "rules", "import", file)
	require.NoError(t, err)
	assert.Contains(t, out, "imported 2 rules")

	out, err = runCLI(t, db, "rules", "list", "--json")
	require.NoError(t, err)
	var rules []RulePayload
	require.NoError(t, json.Unmarshal([]byte(out), &rules))
	require.Len(t, rules, 2, "import replaced wide-spread instead of adding a second row")
	assert.Equal(t, "cut-losers", rules[0].RuleID)
	assert.Equal(t, "spread > 4", rules[1].Condition)

	out, err = runCLI(t, db, "rules", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "PRIORITY")
	assert.Contains(t, out, "resize 0.5")

	out, err = runCLI(t, db, "rules", "revoke", "wide-spread")
	require.NoError(t, err)
	assert.Equal(t, "revoked 1 row(s)\n", out)

	out, err = runCLI(t, db, "overrides", "list", "--kind", "rule", "--all", "--json")
	require.NoError(t, err)
	var rows []Override
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	assert.Len(t, rows, 3)
	for _, o := range rows {
		assert.Equal(t, "operator:tester", o.CreatedBy)
	}
}

func TestCLIHaltResume(t *testing.T) {
	t.Setenv("USER", "tester")
	db := filepath.Join(t.TempDir(), "cli.db")

	out, err := runCLI(t, db, "halt", "broker", "maintenance", "--ttl", "2h")
	require.NoError(t, err)
	assert.Contains(t, out, "loop halted until")
	assert.Contains(t, out, ": broker maintenance")

	out, err = runCLI(t, db, "overrides", "list", "--kind", "loop-halt")
	require.NoError(t, err)
	assert.Contains(t, out, "loop-halt:loop")
	assert.Contains(t, out, "active")

	_, err = runCLI(t, db, "overrides", "list", "--kind", "nonsense")
	assert.ErrorContains(t, err, "unknown override kind")

	out, err = runCLI(t, db, "resume")
	require.NoError(t, err)
	assert.Equal(t, "revoked 1 halt(s)\n", out)

	out, err = runCLI(t, db, "overrides", "list", "--kind", "loop-halt", "--all")
	require.NoError(t, err)
	assert.Contains(t, out, "revoked")
}

func TestCLIHistory(t *testing.T) {
	db := filepath.Join(t.TempDir(), "cli.db")
	st, err := OpenStore(db)
	require.NoError(t, err)
	audit := NewAuditLog(st, time.Hour, "test")
	require.NoError(t, audit.Record(context.Background(), CycleLog{
		CycleID: "c-1", Timestamp: time.Now().UTC(), Status: StatusComplete, Tier: TierFast,
		Assessment: "trimmed EUR exposure", Score: 0.4, ActionCount: 2, ActionsExecuted: 1,
	}))
	require.NoError(t, st.Close())

	out, err := runCLI(t, db, "history")
	require.NoError(t, err)
	assert.Contains(t, out, "ASSESSMENT")
	assert.Contains(t, out, "1/2")
	assert.Contains(t, out, "trimmed EUR exposure")

	out, err = runCLI(t, db, "history", "--json", "--limit", "5")
	require.NoError(t, err)
	var entries []CycleLog
	require.NoError(t, json.Unmarshal([]byte(out), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "c-1", entries[0].CycleID)
}
