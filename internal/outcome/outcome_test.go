package outcome

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRefuseFormatsReason(t *testing.T) {
	r := Refuse(CodeSlippageExceeded, "moved %s%%", "0.75")
	assert.Equal(t, CodeSlippageExceeded, r.Code)
	assert.Equal(t, "SEC-050: moved 0.75%", r.Error())
}

func TestAsRefusalUnwraps(t *testing.T) {
	ref := Refuse(CodeGuardianLocked, "system locked")
	wrapped := fmt.Errorf("pulse failed: %w", ref)

	got, ok := AsRefusal(wrapped)
	require.True(t, ok)
	assert.Equal(t, CodeGuardianLocked, got.Code)

	_, ok = AsRefusal(errors.New("plain error"))
	assert.False(t, ok)
	_, ok = AsRefusal(nil)
	assert.False(t, ok)
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, CodeBadSignature, CodeOf(Refuse(CodeBadSignature, "bad hmac")))
	assert.Equal(t, Code(""), CodeOf(errors.New("plain")))
	assert.Equal(t, Code(""), CodeOf(nil))
}

func TestWithContextCarriesFields(t *testing.T) {
	r := Refuse(CodeRiskCapExceeded, "over budget").WithContext(map[string]interface{}{
		"risk_zar": "1200.00",
	})
	assert.Equal(t, "1200.00", r.Context["risk_zar"])
}
