package logging

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]logrus.Level{
		"none":    logrus.PanicLevel,
		"verbose": logrus.TraceLevel,
		"debug":   logrus.DebugLevel,
		"":        logrus.DebugLevel,
		"INFO":    logrus.InfoLevel,
		"warn":    logrus.WarnLevel,
		"error":   logrus.ErrorLevel,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLevel("loud")
	assert.ErrorIs(t, err, ErrUnknownLevel)
}

func TestVerbose(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(LevelVerbose, &buf)
	require.NoError(t, err)
	Verbose(LevelVerbose, logger).Debug("sector buffer acquired")
	assert.Contains(t, buf.String(), "sector buffer acquired")

	buf.Reset()
	logger, err = New(LevelDebug, &buf)
	require.NoError(t, err)
	Verbose(LevelDebug, logger).Debug("sector buffer acquired")
	logger.Debug("shown")
	assert.NotContains(t, buf.String(), "sector buffer acquired")
	assert.Contains(t, buf.String(), "shown")

	assert.NotNil(t, Verbose(LevelVerbose, nil))
}

func TestNewFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(LevelWarn, &buf)
	require.NoError(t, err)

	logger = Tag(logger, "shim")
	logger.Info("hidden event")
	logger.Warn("File not opened", "fd", 3)

	out := buf.String()
	assert.NotContains(t, out, "hidden event")
	assert.Contains(t, out, "File not opened")
	assert.Contains(t, out, "tag=shim")
	assert.Contains(t, out, "fd=3")
}

func TestNewNoneIsSilent(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(LevelNone, &buf)
	require.NoError(t, err)

	logger.Error("boom")
	assert.Zero(t, buf.Len())
}

func TestTagNilLogger(t *testing.T) {
	assert.NotPanics(t, func() {
		Tag(nil, "x").Info("dropped")
	})
}
