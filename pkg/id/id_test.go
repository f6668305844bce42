package id

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIsSortable(t *testing.T) {
	prev := New()
	for i := 0; i < 100; i++ {
		next := New()
		assert.Less(t, prev, next)
		prev = next
	}
}

func TestNewAtCarriesTime(t *testing.T) {
	ts := time.Date(2024, 1, 1, 0, 7, 0, 0, time.UTC)
	s, err := NewAt(ts)
	require.NoError(t, err)
	assert.Len(t, s, 26)

	got, err := Time(s)
	require.NoError(t, err)
	assert.True(t, got.Equal(ts))

	_, err = Time("not-a-ulid")
	assert.Error(t, err)
}

func TestNewAtRejectsTimesOutsideTheULIDRange(t *testing.T) {
	tests := []struct {
		name string
		at   time.Time
	}{
		{"zero", time.Time{}},
		{"before epoch", time.Date(1969, 12, 31, 23, 59, 59, 0, time.UTC)},
		{"beyond range", time.Date(10890, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			assert.NotPanics(t, func() {
				_, err := NewAt(tt.at)
				assert.Error(t, err)
			})
		})
	}
}

func TestNewAtOrNowFallsBackToTheClock(t *testing.T) {
	before := time.Now().Add(-time.Second)

	got, err := Time(NewAtOrNow(time.Time{}))
	require.NoError(t, err)
	assert.True(t, got.After(before))

	ts := time.Date(2024, 1, 1, 0, 7, 0, 0, time.UTC)
	got, err = Time(NewAtOrNow(ts))
	require.NoError(t, err)
	assert.True(t, got.Equal(ts))
}
