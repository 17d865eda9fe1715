package config

import (
	"fmt"
	"strings"

	"github.com/ajitpratap0/sovereign/internal/outcome"
)

// ValidationError represents a single configuration validation failure.
type ValidationError struct {
	Field   string
	Message string
}

// ValidationErrors is a collection of validation failures.
type ValidationErrors []ValidationError

func (ve ValidationErrors) Error() string {
	if len(ve) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("configuration validation failed with %d error(s):", len(ve)))
	for _, err := range ve {
		sb.WriteString(fmt.Sprintf(" %s: %s;", err.Field, err.Message))
	}
	return sb.String()
}

// Validate checks the loaded configuration and fails closed: the daemon must
// not start with a required key missing. Returned refusals carry SEC-040.
func (c *Config) Validate() error {
	var errs ValidationErrors

	if c.Webhook.HMACSecret == "" {
		errs = append(errs, ValidationError{"WEBHOOK_HMAC_SECRET", "required"})
	}
	if c.Database.URL == "" {
		errs = append(errs, ValidationError{"DATABASE_URL", "required"})
	}
	if c.API.BearerToken == "" {
		errs = append(errs, ValidationError{"API_BEARER_TOKEN", "required"})
	}

	if c.HITL.Enabled && len(c.HITL.AllowedOperators) == 0 {
		errs = append(errs, ValidationError{"HITL_ALLOWED_OPERATORS", "required when HITL_ENABLED=true"})
	}
	if c.HITL.TimeoutSeconds <= 0 {
		errs = append(errs, ValidationError{"HITL_TIMEOUT_SECONDS", "must be positive"})
	}
	if c.HITL.SlippageMaxPct.IsNegative() {
		errs = append(errs, ValidationError{"HITL_SLIPPAGE_MAX_PERCENT", "must not be negative"})
	}

	if !c.Guardian.DailyLossLimitPct.IsPositive() {
		errs = append(errs, ValidationError{"GUARDIAN_DAILY_LOSS_LIMIT_PCT", "must be positive"})
	}
	if c.Guardian.LockFile == "" {
		errs = append(errs, ValidationError{"GUARDIAN_LOCK_FILE", "required"})
	}

	if !c.Risk.MaxRiskZAR.IsPositive() {
		errs = append(errs, ValidationError{"MAX_RISK_ZAR", "must be positive"})
	}
	if c.Risk.MinTradeZAR.IsNegative() {
		errs = append(errs, ValidationError{"MIN_TRADE_ZAR", "must not be negative"})
	}
	if !c.Risk.LotSize.IsPositive() {
		errs = append(errs, ValidationError{"INSTRUMENT_LOT_SIZE", "must be positive"})
	}
	if c.Risk.TimeoutSeconds <= 0 {
		errs = append(errs, ValidationError{"ORDER_TIMEOUT_SECONDS", "must be positive"})
	}

	if !c.Exchange.MockMode {
		if c.Exchange.APIKey == "" {
			errs = append(errs, ValidationError{"EXCHANGE_API_KEY", "required unless MOCK_MODE=true"})
		}
		if c.Exchange.APISecret == "" {
			errs = append(errs, ValidationError{"EXCHANGE_API_SECRET", "required unless MOCK_MODE=true"})
		}
	}

	if len(errs) > 0 {
		return outcome.Refuse(outcome.CodeMissingConfig, "%s", errs.Error())
	}
	return nil
}

func invalidKey(key string, err error) error {
	return outcome.Refuse(outcome.CodeMissingConfig, "%s: %v", key, err)
}
