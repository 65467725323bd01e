package math

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAmount(t *testing.T) {
	valid := []string{"0", "1", "100.5", "100.1234", "999999999999999999"}
	for _, s := range valid {
		_, err := ParseAmount(s)
		assert.NoError(t, err, s)
	}
	invalid := []string{"", "-5", "1e3", "01", "1.12345", "1.10", "abc"}
	for _, s := range invalid {
		_, err := ParseAmount(s)
		assert.Error(t, err, s)
	}
}

func TestValidAmount(t *testing.T) {
	assert.True(t, ValidAmount(decimal.RequireFromString("0.0001")))
	assert.False(t, ValidAmount(decimal.RequireFromString("0.00001")))
	assert.False(t, ValidAmount(decimal.Zero))
	assert.False(t, ValidAmount(decimal.NewFromInt(-1)))
}

func TestArithmeticIsExact(t *testing.T) {
	// 0.1 + 0.2 must be exactly 0.3
	got := Add(decimal.RequireFromString("0.1"), decimal.RequireFromString("0.2"))
	assert.True(t, got.Equal(decimal.RequireFromString("0.3")))

	got = Sub(decimal.NewFromInt(10), decimal.RequireFromString("0.0001"))
	assert.Equal(t, "9.9999", got.String())
}

func TestPercent(t *testing.T) {
	got := Percent(decimal.NewFromInt(1000), decimal.NewFromInt(10))
	require.True(t, got.Equal(decimal.NewFromInt(100)))
}
