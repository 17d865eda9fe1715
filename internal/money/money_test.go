package money

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRescales(t *testing.T) {
	d, err := Parse("499999.123456789", ScalePrice)
	require.NoError(t, err)
	assert.Equal(t, "499999.12345679", d.StringFixed(ScalePrice))

	_, err = Parse("not a number", ScalePrice)
	assert.Error(t, err)
}

func TestParseBankersRounding(t *testing.T) {
	// Ties round to even.
	a, err := ZAR("10.125")
	require.NoError(t, err)
	assert.Equal(t, "10.12", a.StringFixed(ScaleZAR))

	b, err := ZAR("10.135")
	require.NoError(t, err)
	assert.Equal(t, "10.14", b.StringFixed(ScaleZAR))
}

func TestFromJSONNumberRejectsFloatTokens(t *testing.T) {
	for _, tok := range []string{"1.5", "1e3", "2E-2", "0.0"} {
		_, err := FromJSONNumber(json.Number(tok), ScalePrice)
		assert.ErrorIs(t, err, ErrFloatToken, tok)
	}

	d, err := FromJSONNumber(json.Number("500000"), ScalePrice)
	require.NoError(t, err)
	assert.True(t, d.Equal(decimal.NewFromInt(500000)))
}

func TestCanonicalFixedWidth(t *testing.T) {
	assert.Equal(t, "-200.00", Canonical(decimal.RequireFromString("-200"), ScaleZAR))
	assert.Equal(t, "0.5000", Canonical(decimal.RequireFromString("0.5"), ScalePct))
	assert.Equal(t, "499000.00000000", Canonical(decimal.RequireFromString("499000"), ScalePrice))
}

func TestClamp01(t *testing.T) {
	assert.True(t, Clamp01(decimal.RequireFromString("-0.2")).IsZero())
	assert.Equal(t, "1", Clamp01(decimal.RequireFromString("3")).String())
	assert.Equal(t, "0.42", Clamp01(decimal.RequireFromString("0.42")).String())
}

func TestRoundDownToLot(t *testing.T) {
	lot := decimal.RequireFromString("0.001")
	assert.Equal(t, "0.123", RoundDownToLot(decimal.RequireFromString("0.12399"), lot).String())

	// Degenerate lot leaves the quantity alone.
	q := decimal.RequireFromString("0.12399")
	assert.True(t, RoundDownToLot(q, decimal.Zero).Equal(q))
}

func TestCanonicalJSONSortsKeysRecursively(t *testing.T) {
	b, err := CanonicalJSON(map[string]interface{}{
		"b": json.Number("2"),
		"a": map[string]interface{}{"z": "last", "a": "first"},
		"c": []interface{}{json.Number("1"), "two"},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"a":{"a":"first","z":"last"},"b":2,"c":[1,"two"]}`, string(b))
}

func TestCanonicalJSONRejectsFloats(t *testing.T) {
	_, err := CanonicalJSON(map[string]interface{}{"pnl": 1.5})
	assert.Error(t, err)
}

func TestRowHashStableUnderKeyOrder(t *testing.T) {
	h1, err := RowHash(map[string]interface{}{"symbol": "XBTZAR", "qty": "0.20000000"})
	require.NoError(t, err)
	h2, err := RowHash(map[string]interface{}{"qty": "0.20000000", "symbol": "XBTZAR"})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestHMACRoundTrip(t *testing.T) {
	body := []byte(`{"source":"tradingview"}`)
	sig := HMACSign(body, "secret")

	assert.True(t, HMACVerify(body, "secret", sig))
	assert.False(t, HMACVerify(body, "secret", "deadbeef"))
	assert.False(t, HMACVerify(body, "other-secret", sig))
	assert.False(t, HMACVerify([]byte(`{"source":"forged"}`), "secret", sig))
}
