// Package rgi synthesizes a learned trust probability into advisory
// confidence. The synthesizer never fails its caller: every internal error,
// timeout, or missing row degrades to the neutral probability 0.5. Advisory
// confidence can only be attenuated here, never amplified.
package rgi

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/ajitpratap0/sovereign/internal/db"
	"github.com/ajitpratap0/sovereign/internal/metrics"
	"github.com/ajitpratap0/sovereign/internal/money"
)

// predictionTimeout bounds a trust lookup. A slow store returns neutral.
const predictionTimeout = 50 * time.Millisecond

var (
	neutralTrust          = decimal.RequireFromString("0.5")
	confidenceGate        = decimal.RequireFromString("0.95")
	safeModeAccuracyFloor = decimal.RequireFromString("0.70")
)

// Recommendation actions.
const (
	ActionProceed = "PROCEED"
	ActionNeutral = "NEUTRAL"
)

// Recommendation is the synthesized verdict for one advisory input.
type Recommendation struct {
	Action             string
	TrustProbability   decimal.Decimal
	AdjustedConfidence decimal.Decimal
	SafeMode           bool
}

// Synthesizer combines advisory confidence with learned trust.
type Synthesizer struct {
	store *db.TrustStore
	log   zerolog.Logger

	safeMode    atomic.Bool
	modelLoaded atomic.Bool
}

// New creates a trust synthesizer.
func New(store *db.TrustStore, log zerolog.Logger) *Synthesizer {
	s := &Synthesizer{
		store: store,
		log:   log.With().Str("component", "rgi").Logger(),
	}
	s.modelLoaded.Store(store != nil)
	metrics.RGIModelLoaded.Set(boolGauge(store != nil))
	metrics.RGISafeModeActive.Set(0)
	return s
}

// TrustProbability returns the learned trust for a (fingerprint, regime)
// pair. Missing state, store errors, and lookups slower than 50ms all
// return neutral.
func (s *Synthesizer) TrustProbability(ctx context.Context, fingerprint, regime string) decimal.Decimal {
	if s.safeMode.Load() || s.store == nil {
		return neutralTrust
	}

	type result struct {
		ts  *db.TrustState
		err error
	}
	ch := make(chan result, 1)
	lookupCtx, cancel := context.WithTimeout(ctx, predictionTimeout)
	defer cancel()

	go func() {
		ts, err := s.store.Get(lookupCtx, fingerprint, regime)
		ch <- result{ts, err}
	}()

	select {
	case <-lookupCtx.Done():
		s.log.Warn().
			Str("fingerprint", fingerprint).
			Str("regime", regime).
			Msg("Trust lookup timed out; using neutral")
		return neutralTrust
	case r := <-ch:
		if r.err != nil {
			s.log.Warn().Err(r.err).Msg("Trust lookup failed; using neutral")
			return neutralTrust
		}
		if r.ts == nil {
			return neutralTrust
		}
		p := money.Clamp01(r.ts.TrustProbability)
		f, _ := p.Float64()
		metrics.RGITrustProbability.Set(f)
		return p
	}
}

// AdjustedConfidence multiplies advisory confidence by trust and health,
// clamped to [0, 1] at trust scale.
func (s *Synthesizer) AdjustedConfidence(llmConf, trust, health decimal.Decimal) decimal.Decimal {
	adjusted := money.Clamp01(llmConf.Mul(trust).Mul(health)).RoundBank(money.ScaleTrust)
	f, _ := adjusted.Float64()
	metrics.RGIAdjustedConfidence.Observe(f)
	return adjusted
}

// Recommend runs the full synthesis: lookup, attenuation, gate. Anything
// below the 0.95 gate recommends NEUTRAL.
func (s *Synthesizer) Recommend(ctx context.Context, fingerprint, regime string, llmConf, health decimal.Decimal) Recommendation {
	trust := s.TrustProbability(ctx, fingerprint, regime)
	adjusted := s.AdjustedConfidence(llmConf, trust, health)

	rec := Recommendation{
		TrustProbability:   trust,
		AdjustedConfidence: adjusted,
		SafeMode:           s.safeMode.Load(),
		Action:             ActionNeutral,
	}
	if adjusted.GreaterThanOrEqual(confidenceGate) {
		rec.Action = ActionProceed
	}
	return rec
}

// RecordGoldenSetAccuracy latches safe mode when validation accuracy drops
// below the floor. Safe mode forces neutral trust for every strategy until
// an explicit reset.
func (s *Synthesizer) RecordGoldenSetAccuracy(accuracy decimal.Decimal) {
	if accuracy.LessThan(safeModeAccuracyFloor) && s.safeMode.CompareAndSwap(false, true) {
		metrics.RGISafeModeActive.Set(1)
		s.log.Error().
			Str("accuracy", accuracy.String()).
			Msg("Golden-set accuracy below floor; RGI safe mode latched")
	}
}

// ResetSafeMode clears the safe-mode latch.
func (s *Synthesizer) ResetSafeMode(actor, reason string) bool {
	if !s.safeMode.CompareAndSwap(true, false) {
		return false
	}
	metrics.RGISafeModeActive.Set(0)
	s.log.Warn().
		Str("actor", actor).
		Str("reason", reason).
		Msg("RGI safe mode reset")
	return true
}

// SafeMode reports whether the safe-mode latch is set.
func (s *Synthesizer) SafeMode() bool {
	return s.safeMode.Load()
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
