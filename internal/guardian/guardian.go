// Package guardian implements the process-wide hard stop. The Guardian is
// the sole owner of the SYSTEM_LOCKED flag; every other component reads it
// through IsLocked. Lock events fan out synchronously under the lock
// transition critical section, so every subscriber observes the lock before
// any new permit can be issued.
package guardian

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/ajitpratap0/sovereign/internal/audit"
	"github.com/ajitpratap0/sovereign/internal/config"
	"github.com/ajitpratap0/sovereign/internal/events"
	"github.com/ajitpratap0/sovereign/internal/money"
)

// Lock reasons.
const (
	ReasonDailyLossExceeded = "DAILY_LOSS_EXCEEDED"
	ReasonManual            = "MANUAL"
	ReasonPanic             = "PANIC"
)

// LockRecord is the durable record of an active lock. It survives restarts
// via the lock file.
type LockRecord struct {
	LockID        uuid.UUID `json:"lock_id"`
	LockedAt      time.Time `json:"locked_at"`
	Reason        string    `json:"reason"`
	DailyLossZAR  string    `json:"daily_loss_zar"`
	DailyLossPct  string    `json:"daily_loss_pct"`
	CorrelationID uuid.UUID `json:"correlation_id"`
}

// VitalsReport is the result of one vitals check.
type VitalsReport struct {
	CheckedAt     time.Time
	EquityZAR     decimal.Decimal
	StartOfDayZAR decimal.Decimal
	DailyLossZAR  decimal.Decimal
	DailyLossPct  decimal.Decimal
	Locked        bool
	LockTriggered bool
}

// Guardian maintains the hard-stop state.
type Guardian struct {
	cfg   config.GuardianConfig
	bus   events.Emitter
	audit *audit.Logger
	log   zerolog.Logger

	locked atomic.Bool

	mu          sync.Mutex // serializes lock transitions and day rollover
	current     *LockRecord
	day         time.Time // UTC midnight of the tracked day
	startEquity decimal.Decimal
	haveEquity  bool
}

// New creates a Guardian. Call Rehydrate before starting the vitals loop.
func New(cfg config.GuardianConfig, bus events.Emitter, auditLog *audit.Logger, log zerolog.Logger) *Guardian {
	return &Guardian{
		cfg:   cfg,
		bus:   bus,
		audit: auditLog,
		log:   log.With().Str("component", "guardian").Logger(),
	}
}

// Rehydrate loads a persisted lock record at startup. A lock taken before a
// crash stays in force until a human clears it.
func (g *Guardian) Rehydrate() error {
	data, err := os.ReadFile(g.cfg.LockFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read guardian lock file: %w", err)
	}

	var rec LockRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return fmt.Errorf("guardian lock file is corrupt: %w", err)
	}

	g.mu.Lock()
	g.current = &rec
	g.locked.Store(true)
	g.mu.Unlock()

	g.log.Warn().
		Str("lock_id", rec.LockID.String()).
		Str("reason", rec.Reason).
		Time("locked_at", rec.LockedAt).
		Msg("Guardian lock rehydrated from disk; system starts LOCKED")
	return nil
}

// IsLocked reports the SYSTEM_LOCKED flag.
func (g *Guardian) IsLocked() bool {
	return g.locked.Load()
}

// CurrentLock returns the active lock record, or nil.
func (g *Guardian) CurrentLock() *LockRecord {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.current
}

// StartOfDayEquity returns the equity anchored at the first vitals check of
// the current UTC day. ok is false before the first check.
func (g *Guardian) StartOfDayEquity() (decimal.Decimal, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.haveEquity || !g.day.Equal(time.Now().UTC().Truncate(24*time.Hour)) {
		return decimal.Zero, false
	}
	return g.startEquity, true
}

// CheckVitals evaluates the daily equity loss against the configured limit
// and locks when breached. The first check of each UTC day anchors the
// starting equity.
func (g *Guardian) CheckVitals(ctx context.Context, equity decimal.Decimal, correlationID uuid.UUID) (*VitalsReport, error) {
	now := time.Now().UTC()
	day := now.Truncate(24 * time.Hour)

	g.mu.Lock()
	if !g.haveEquity || !g.day.Equal(day) {
		g.day = day
		g.startEquity = equity
		g.haveEquity = true
	}
	start := g.startEquity
	g.mu.Unlock()

	report := &VitalsReport{
		CheckedAt:     now,
		EquityZAR:     equity,
		StartOfDayZAR: start,
		Locked:        g.IsLocked(),
	}

	if !start.IsPositive() {
		return report, nil
	}

	loss := start.Sub(equity)
	report.DailyLossZAR = loss
	report.DailyLossPct = loss.Div(start).RoundBank(money.ScalePct)

	if report.DailyLossPct.GreaterThanOrEqual(g.cfg.DailyLossLimitPct) {
		triggered, err := g.lock(ctx, ReasonDailyLossExceeded, report.DailyLossZAR, report.DailyLossPct, correlationID)
		if err != nil {
			return report, err
		}
		report.Locked = true
		report.LockTriggered = triggered
	}

	// Re-check after a manual unlock: if the loss condition still holds the
	// next vitals pass re-locks immediately, which is this path.
	return report, nil
}

// ManualLock applies an operator-initiated lock (reason MANUAL or PANIC).
func (g *Guardian) ManualLock(ctx context.Context, reason, actor string, correlationID uuid.UUID) error {
	if reason != ReasonManual && reason != ReasonPanic {
		return fmt.Errorf("invalid manual lock reason %q", reason)
	}
	_, err := g.lock(ctx, reason, decimal.Zero, decimal.Zero, correlationID)
	if err == nil {
		_ = g.audit.Append(ctx, &audit.Record{
			CorrelationID: correlationID,
			Actor:         actor,
			Action:        "guardian.manual_lock",
			Result:        "LOCKED",
			Severity:      audit.SeverityWarning,
			Context:       map[string]interface{}{"reason": reason},
		})
	}
	return err
}

// lock takes the hard stop exactly once. Callback fan-out (the event bus)
// runs synchronously inside the critical section; the returned bool reports
// whether this call performed the transition.
func (g *Guardian) lock(ctx context.Context, reason string, lossZAR, lossPct decimal.Decimal, correlationID uuid.UUID) (bool, error) {
	if !g.locked.CompareAndSwap(false, true) {
		return false, nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	rec := &LockRecord{
		LockID:        uuid.New(),
		LockedAt:      time.Now().UTC(),
		Reason:        reason,
		DailyLossZAR:  money.Canonical(lossZAR, money.ScaleZAR),
		DailyLossPct:  money.Canonical(lossPct, money.ScalePct),
		CorrelationID: correlationID,
	}
	g.current = rec

	if err := g.persist(rec); err != nil {
		// The in-memory flag stays set; trading halts even if the disk write
		// failed. Surface the error so the operator sees it.
		g.log.Error().Err(err).Msg("Failed to persist guardian lock record")
	}

	g.log.Error().
		Str("lock_id", rec.LockID.String()).
		Str("reason", reason).
		Str("daily_loss_zar", rec.DailyLossZAR).
		Str("daily_loss_pct", rec.DailyLossPct).
		Msg("SYSTEM_LOCKED: guardian hard stop engaged")

	_ = g.audit.Append(ctx, &audit.Record{
		CorrelationID: correlationID,
		Actor:         "guardian",
		Action:        "guardian.lock",
		Result:        "LOCKED",
		Severity:      audit.SeverityCritical,
		Context: map[string]interface{}{
			"lock_id":        rec.LockID.String(),
			"reason":         reason,
			"daily_loss_zar": rec.DailyLossZAR,
			"daily_loss_pct": rec.DailyLossPct,
		},
	})

	// Synchronous fan-out: every subscriber sees the lock before any new
	// permit can be issued.
	g.bus.Emit(events.TypeGuardianLocked, correlationID, map[string]interface{}{
		"lock_id":        rec.LockID.String(),
		"reason":         reason,
		"daily_loss_zar": rec.DailyLossZAR,
		"daily_loss_pct": rec.DailyLossPct,
	})

	return true, nil
}

// ManualUnlock clears the lock. A non-empty reason is mandatory; if the loss
// condition still holds the next vitals check re-locks immediately.
func (g *Guardian) ManualUnlock(ctx context.Context, reason, actor string, correlationID uuid.UUID) (bool, error) {
	if reason == "" {
		return false, fmt.Errorf("manual unlock requires a reason")
	}

	g.mu.Lock()
	wasLocked := g.locked.Load()
	if wasLocked {
		g.current = nil
		g.locked.Store(false)
		if err := os.Remove(g.cfg.LockFile); err != nil && !os.IsNotExist(err) {
			g.mu.Unlock()
			return false, fmt.Errorf("failed to remove guardian lock file: %w", err)
		}
	}
	g.mu.Unlock()

	if !wasLocked {
		return false, nil
	}

	g.log.Warn().
		Str("actor", actor).
		Str("reason", reason).
		Msg("Guardian lock cleared by operator")

	_ = g.audit.Append(ctx, &audit.Record{
		CorrelationID: correlationID,
		Actor:         actor,
		Action:        "guardian.manual_unlock",
		Result:        "UNLOCKED",
		Severity:      audit.SeverityWarning,
		Context:       map[string]interface{}{"reason": reason},
	})

	g.bus.Emit(events.TypeGuardianUnlocked, correlationID, map[string]interface{}{
		"actor":  actor,
		"reason": reason,
	})

	return true, nil
}

func (g *Guardian) persist(rec *LockRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(g.cfg.LockFile), 0o755); err != nil {
		return err
	}
	// Write-then-rename so a crash mid-write never leaves a corrupt record.
	tmp := g.cfg.LockFile + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, g.cfg.LockFile)
}
