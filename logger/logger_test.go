package logger

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

func TestNewLevelsAndFormats(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
		level   logrus.Level
	}{
		{"defaults", Config{}, false, logrus.InfoLevel},
		{"debug text", Config{Level: "DEBUG", Format: "text"}, false, logrus.DebugLevel},
		{"bad level", Config{Level: "loud"}, true, 0},
		{"bad format", Config{Format: "xml"}, true, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := New(tt.cfg)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.level, l.GetLevel())
		})
	}
}

func TestEnvOverridesLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "warn")
	l, err := New(Config{Level: "debug"})
	require.NoError(t, err)
	assert.Equal(t, logrus.WarnLevel, l.GetLevel())
}

func TestFileOutputRotates(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")
	path := filepath.Join(t.TempDir(), "trader.log")
	l, err := New(Config{Output: path, MaxAgeDays: 3})
	require.NoError(t, err)

	lj, ok := l.Out.(*lumberjack.Logger)
	require.True(t, ok)
	assert.Equal(t, path, lj.Filename)
	assert.Equal(t, 100, lj.MaxSize)
	assert.Equal(t, 3, lj.MaxAge)
}

func TestComponentFields(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")
	l, err := New(Config{})
	require.NoError(t, err)
	var buf bytes.Buffer
	l.SetOutput(&buf)

	ForSymbol(WithComponent(l, "engine"), "XYZ").Info("bar")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "engine", rec["component"])
	assert.Equal(t, "XYZ", rec["symbol"])
	assert.Equal(t, "bar", rec["message"])
}
