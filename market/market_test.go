package market

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTimeframe(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    Timeframe
		wantErr bool
	}{
		{"1m", M1, false},
		{"15m", M15, false},
		{"4h", H4, false},
		{"1d", D1, false},
		{"M1", M1, false},
		{"H1", H1, false},
		{" 5m ", M5, false},
		{"1H", H1, false},
		{"7m", 0, true},
		{"1M", 0, true},
		{"15M", 0, true},
		{"", 0, true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, err := ParseTimeframe(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTimeframeStringRoundTrip(t *testing.T) {
	for _, tf := range []Timeframe{M1, M5, H1, H4, D1, W1} {
		got, err := ParseTimeframe(tf.String())
		require.NoError(t, err)
		assert.Equal(t, tf, got)
	}
}

func TestTimeframeTruncate(t *testing.T) {
	ts := time.Date(2024, 3, 1, 10, 7, 42, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 7, 0, 0, time.UTC), M1.Truncate(ts))
	assert.Equal(t, time.Date(2024, 3, 1, 10, 5, 0, 0, time.UTC), M5.Truncate(ts))
	assert.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), H1.Truncate(ts))
}

func TestSyntheticBar(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	b := SyntheticBar("XYZ", M1, start, 10.5)

	assert.True(t, b.Synthetic)
	assert.True(t, b.Final)
	assert.Equal(t, 10.5, b.Open)
	assert.Equal(t, 10.5, b.Close)
	assert.Zero(t, b.Volume)
	assert.Equal(t, start.Add(time.Minute), b.End())
}

func TestPositionHelpers(t *testing.T) {
	p := Position{Symbol: "XYZ", Side: Short, Quantity: 10, EntryPrice: 100, Status: Open}
	assert.Equal(t, 1000.0, p.Notional())
	assert.Equal(t, 50.0, p.UnrealizedPL(95))
	assert.False(t, p.IsFlat())
	assert.True(t, FlatPosition("XYZ").IsFlat())
	assert.Equal(t, Long, Short.Opposite())
}

func TestPriceStore(t *testing.T) {
	ps := NewPriceStore()
	_, err := ps.Get("XYZ")
	assert.ErrorIs(t, err, ErrNoPrice)

	ps.Set("XYZ", 12.5)
	p, err := ps.Get("XYZ")
	require.NoError(t, err)
	assert.Equal(t, 12.5, p)
}
