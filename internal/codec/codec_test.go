package codec

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeAddress(t *testing.T) {
	got, err := NormalizeAddress("0x0000000000000000000000000000000000000001")
	assert.NoError(t, err)
	assert.Equal(t, "0x0000000000000000000000000000000000000001", got)

	_, err = NormalizeAddress("not-an-address")
	assert.Error(t, err)
}

func TestEqual(t *testing.T) {
	a := "0x0000000000000000000000000000000000000001"
	b := "0x0000000000000000000000000000000000000001"
	assert.True(t, Equal(a, b))
	assert.False(t, Equal(a, "0x0000000000000000000000000000000000000002"))
	assert.False(t, Equal("garbage", b))
}

func TestFormatAmount(t *testing.T) {
	tests := []struct {
		amount   *big.Int
		decimals int
		want     string
	}{
		{big.NewInt(1500000), 6, "1.500000"},
		{big.NewInt(0), 6, "0.000000"},
		{big.NewInt(-1500000), 6, "-1.500000"},
		{big.NewInt(42), 0, "42"},
		{nil, 6, "0.000000"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatAmount(tt.amount, tt.decimals))
	}
}

func TestParseAmount(t *testing.T) {
	got, ok := ParseAmount("1.50", 6)
	assert.True(t, ok)
	assert.Equal(t, big.NewInt(1500000), got)

	got, ok = ParseAmount("", 6)
	assert.True(t, ok)
	assert.Equal(t, big.NewInt(0), got)

	_, ok = ParseAmount("-1.5", 6)
	assert.False(t, ok)

	_, ok = ParseAmount("1.2.3", 6)
	assert.False(t, ok)

	_, ok = ParseAmount("1.1234567", 6)
	assert.False(t, ok)
}

func TestFormatParseRoundTrip(t *testing.T) {
	amount, ok := ParseAmount("123.456789", 6)
	assert.True(t, ok)
	assert.Equal(t, "123.456789", FormatAmount(amount, 6))
}
