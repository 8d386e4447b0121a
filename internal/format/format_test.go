package format

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCurrency(t *testing.T) {
	cases := map[int64]string{
		0:        "$0",
		9:        "$9",
		500:      "$500",
		1000:     "$1.000",
		2500:     "$2.500",
		123456:   "$123.456",
		1234567:  "$1.234.567",
		-45000:   "-$45.000",
		10000000: "$10.000.000",
	}
	for amount, want := range cases {
		assert.Equal(t, want, Currency(amount), "Currency(%d)", amount)
	}
}

func TestDateTime(t *testing.T) {
	ts := time.Date(2024, 3, 9, 7, 5, 0, 0, time.UTC)
	assert.Equal(t, "09/03/2024, 07:05", DateTime(ts))
}

func TestParseDay(t *testing.T) {
	loc := time.FixedZone("CLT", -4*3600)
	got, err := ParseDay(" 2024-05-17 ", loc)
	require.NoError(t, err)
	assert.True(t, got.Equal(time.Date(2024, 5, 17, 0, 0, 0, 0, loc)), "unexpected day %v", got)

	_, err = ParseDay("17/05/2024", loc)
	assert.Error(t, err, "day-first input should be rejected")
}
