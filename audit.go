// FILE: audit.go
// Package main – Cycle audit log and the scheduling queries built on it.
//
// The process is stateless between cycles. Everything that looks like
// scheduling state is recovered from audit-entry rows, and only through the
// three queries below:
//   • lastCycleAt      – finish time of the newest non-halted cycle (minimum-interval guard)
//   • actionsSince     – sum of actionCount over a trailing window (hourly budget)
//   • lastDeepCycleAt  – finish time of the newest deep-tier cycle (tier ceiling/cool-down)
package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CycleStatus is the outcome category of a cycle.
type CycleStatus string

const (
	StatusHalted   CycleStatus = "halted"
	StatusIdle     CycleStatus = "idle"
	StatusComplete CycleStatus = "complete"
	StatusError    CycleStatus = "error"
)

// CycleLog is the audit payload written exactly once per cycle.
type CycleLog struct {
	CycleID         string         `json:"cycleId"`
	Timestamp       time.Time      `json:"timestamp"`
	DurationMs      int64          `json:"durationMs"`
	Status          CycleStatus    `json:"status"`
	Reason          string         `json:"reason,omitempty"`
	Tier            Tier           `json:"tier"`
	TierReason      string         `json:"tierReason,omitempty"`
	ActionsExecuted int            `json:"actionsExecuted"`
	ActionsFailed   int            `json:"actionsFailed"`
	L0Actions       int            `json:"l0Actions"`
	L1Actions       int            `json:"l1Actions"`
	OracleActions   int            `json:"oracleActions"`
	Discarded       int            `json:"discarded"`
	ActionCount     int            `json:"actionCount"`
	Assessment      string         `json:"assessment"`
	Score           float64        `json:"score"`
	Notes           []string       `json:"notes,omitempty"`
	Results         []ActionResult `json:"results,omitempty"`
}

// AuditLog reads and writes cycle entries in the Override Store.
type AuditLog struct {
	store     *Store
	retention time.Duration
	createdBy string
}

func NewAuditLog(store *Store, retention time.Duration, createdBy string) *AuditLog {
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	return &AuditLog{store: store, retention: retention, createdBy: createdBy}
}

// Record persists one cycle entry. Key: audit-entry:<cycleId>.
func (a *AuditLog) Record(ctx context.Context, entry CycleLog) error {
	if entry.CycleID == "" {
		entry.CycleID = uuid.New().String()
	}
	_, err := a.store.Write(ctx, WriteRequest{
		Kind:      KindAudit,
		Key:       keyFor(KindAudit, entry.CycleID),
		Payload:   entry,
		TTL:       a.retention,
		CreatedBy: a.createdBy,
	})
	if err != nil {
		return fmt.Errorf("record audit: %w", err)
	}
	return nil
}

// lastCycleAt returns when the newest cycle that ran finished, looking back to
// since (zero if none). Halted entries never re-arm the guard.
func (a *AuditLog) lastCycleAt(ctx context.Context, since time.Time) (time.Time, error) {
	rows, err := a.store.ReadSince(ctx, KindAudit, since)
	if err != nil {
		return time.Time{}, err
	}
	for i := len(rows) - 1; i >= 0; i-- {
		var e CycleLog
		if err := rows[i].Decode(&e); err != nil {
			continue
		}
		if e.Status != StatusHalted {
			return rows[i].CreatedAt, nil
		}
	}
	return time.Time{}, nil
}

// actionsSince sums actionCount over audit entries created at or after since.
func (a *AuditLog) actionsSince(ctx context.Context, since time.Time) (int, error) {
	rows, err := a.store.ReadSince(ctx, KindAudit, since)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, o := range rows {
		var e CycleLog
		if err := o.Decode(&e); err != nil {
			continue
		}
		total += e.ActionCount
	}
	return total, nil
}

// lastDeepCycleAt returns the newest deep-tier cycle time within retention (zero if none).
func (a *AuditLog) lastDeepCycleAt(ctx context.Context) (time.Time, error) {
	rows, err := a.store.ReadSince(ctx, KindAudit, a.store.Now().Add(-a.retention))
	if err != nil {
		return time.Time{}, err
	}
	for i := len(rows) - 1; i >= 0; i-- {
		var e CycleLog
		if err := rows[i].Decode(&e); err != nil {
			continue
		}
		if e.Tier == TierDeep && e.Status != StatusHalted {
			return rows[i].CreatedAt, nil
		}
	}
	return time.Time{}, nil
}

// recent returns up to n newest entries, newest first.
func (a *AuditLog) recent(ctx context.Context, n int) ([]CycleLog, error) {
	rows, err := a.store.List(ctx, KindAudit, false, n)
	if err != nil {
		return nil, err
	}
	out := make([]CycleLog, 0, len(rows))
	for _, o := range rows {
		var e CycleLog
		if err := o.Decode(&e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}
