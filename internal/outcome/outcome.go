// Package outcome defines the refusal codes shared by every safety component
// and the tagged result type they return. Safety operations never signal a
// refusal through the error path alone; the code travels with it so the audit
// log and the API layer can classify it without string matching.
package outcome

import (
	"errors"
	"fmt"
)

// Code is a stable refusal/error code. Codes are part of the external
// contract (API responses, audit records) and never change meaning.
type Code string

const (
	CodeBadSignature     Code = "SEC-001" // webhook HMAC verification failed
	CodeGuardianLocked   Code = "SEC-020" // Guardian hard stop active
	CodeInvalidState     Code = "SEC-030" // invalid state machine transition
	CodeMissingConfig    Code = "SEC-040" // required configuration absent at startup
	CodeSlippageExceeded Code = "SEC-050" // price moved beyond the allowed band
	CodeHITLTimeout      Code = "SEC-060" // approval request expired
	CodeHashMismatch     Code = "SEC-080" // row hash verification failed
	CodeOperatorDenied   Code = "SEC-090" // operator not whitelisted
	CodeFloatToken       Code = "AUD-001" // float token in a decimal field
	CodeRiskZeroQty      Code = "RISK-001" // computed quantity rounds to zero
	CodeRiskCapExceeded  Code = "RISK-002" // planned risk above the hard cap
)

// Refusal is a safety refusal: the operation was evaluated and denied.
// It satisfies error so it can flow through ordinary return paths, but
// callers branch on Code, not on the message.
type Refusal struct {
	Code    Code
	Reason  string
	Context map[string]interface{}
}

func (r *Refusal) Error() string {
	if r.Reason == "" {
		return string(r.Code)
	}
	return fmt.Sprintf("%s: %s", r.Code, r.Reason)
}

// Refuse builds a Refusal with an optional printf-style reason.
func Refuse(code Code, format string, args ...interface{}) *Refusal {
	return &Refusal{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// WithContext attaches free-form context that ends up in the audit record.
func (r *Refusal) WithContext(ctx map[string]interface{}) *Refusal {
	r.Context = ctx
	return r
}

// AsRefusal extracts a *Refusal from err, unwrapping if needed.
func AsRefusal(err error) (*Refusal, bool) {
	var r *Refusal
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}

// CodeOf returns the refusal code carried by err, or "" for plain errors.
func CodeOf(err error) Code {
	if r, ok := AsRefusal(err); ok {
		return r.Code
	}
	return ""
}
