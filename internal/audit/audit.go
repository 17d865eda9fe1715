// Package audit writes the append-only audit trail. Every safety decision
// lands here with its correlation id and refusal code before the result is
// returned to the caller; within one correlation id entries appear in the
// order the transitions happened.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/ajitpratap0/sovereign/internal/db"
	"github.com/ajitpratap0/sovereign/internal/outcome"
)

// Severity levels.
const (
	SeverityInfo     = "INFO"
	SeverityWarning  = "WARNING"
	SeverityError    = "ERROR"
	SeverityCritical = "CRITICAL"
)

// Record is a single audit entry.
type Record struct {
	ID            uuid.UUID              `json:"id"`
	CorrelationID uuid.UUID              `json:"correlation_id"`
	Actor         string                 `json:"actor"`
	Action        string                 `json:"action"`
	Result        string                 `json:"result"`
	Code          outcome.Code           `json:"code,omitempty"`
	Severity      string                 `json:"severity"`
	BeforeHash    string                 `json:"before_hash,omitempty"`
	AfterHash     string                 `json:"after_hash,omitempty"`
	Context       map[string]interface{} `json:"context,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
}

// Logger appends audit records to the database and mirrors them to the
// structured log for immediate visibility.
type Logger struct {
	pool db.Pool
}

// NewLogger creates an audit logger. A nil pool mirrors to the structured
// log only (tests).
func NewLogger(pool db.Pool) *Logger {
	return &Logger{pool: pool}
}

// Append writes one audit record. Failures to persist are surfaced: a safety
// decision without an audit entry must not be treated as complete.
func (l *Logger) Append(ctx context.Context, rec *Record) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.Severity == "" {
		rec.Severity = SeverityInfo
	}

	ev := log.With().
		Str("audit_id", rec.ID.String()).
		Str("correlation_id", rec.CorrelationID.String()).
		Str("actor", rec.Actor).
		Str("action", rec.Action).
		Str("result", rec.Result).
		Str("code", string(rec.Code)).
		Logger()

	switch rec.Severity {
	case SeverityCritical, SeverityError:
		ev.Error().Msg("Audit event")
	case SeverityWarning:
		ev.Warn().Msg("Audit event")
	default:
		ev.Info().Msg("Audit event")
	}

	if l.pool == nil {
		return nil
	}

	var ctxJSON []byte
	if rec.Context != nil {
		b, err := json.Marshal(rec.Context)
		if err != nil {
			log.Error().Err(err).Msg("Failed to marshal audit context")
			b = []byte("{}")
		}
		ctxJSON = b
	}

	query := `
		INSERT INTO audit_log (
			id, correlation_id, actor, action, result, code, severity,
			before_hash, after_hash, context, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := l.pool.Exec(ctx, query,
		rec.ID, rec.CorrelationID, rec.Actor, rec.Action, rec.Result,
		string(rec.Code), rec.Severity, rec.BeforeHash, rec.AfterHash,
		ctxJSON, rec.CreatedAt,
	)
	if err != nil {
		log.Error().Err(err).
			Str("audit_id", rec.ID.String()).
			Msg("Failed to persist audit record")
		return err
	}
	return nil
}

// Refusal writes the audit entry for a safety refusal.
func (l *Logger) Refusal(ctx context.Context, correlationID uuid.UUID, actor, action string, ref *outcome.Refusal) error {
	return l.Append(ctx, &Record{
		CorrelationID: correlationID,
		Actor:         actor,
		Action:        action,
		Result:        "REFUSED",
		Code:          ref.Code,
		Severity:      SeverityWarning,
		Context:       ref.Context,
	})
}

// Critical writes a CRITICAL entry for an invariant violation caught at the
// orchestrator boundary.
func (l *Logger) Critical(ctx context.Context, correlationID uuid.UUID, actor, action string, err error) error {
	return l.Append(ctx, &Record{
		CorrelationID: correlationID,
		Actor:         actor,
		Action:        action,
		Result:        "PANIC",
		Severity:      SeverityCritical,
		Context:       map[string]interface{}{"error": err.Error()},
	})
}

// Query returns audit records for one correlation id in insertion order.
func (l *Logger) Query(ctx context.Context, correlationID uuid.UUID) ([]Record, error) {
	if l.pool == nil {
		return nil, nil
	}

	query := `
		SELECT id, correlation_id, actor, action, result, code, severity,
			before_hash, after_hash, context, created_at
		FROM audit_log
		WHERE correlation_id = $1
		ORDER BY created_at ASC
	`
	rows, err := l.pool.Query(ctx, query, correlationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var code string
		var ctxJSON []byte
		if err := rows.Scan(
			&rec.ID, &rec.CorrelationID, &rec.Actor, &rec.Action, &rec.Result,
			&code, &rec.Severity, &rec.BeforeHash, &rec.AfterHash,
			&ctxJSON, &rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		rec.Code = outcome.Code(code)
		if len(ctxJSON) > 0 {
			if err := json.Unmarshal(ctxJSON, &rec.Context); err != nil {
				log.Warn().Err(err).Msg("Failed to unmarshal audit context")
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
