package cmd

import (
	"log/slog"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetLogLevel(t *testing.T) {
	for expected, name := range map[slog.Level]string{
		slog.LevelDebug: "DEBUG",
		slog.LevelInfo:  "INFO",
		slog.LevelWarn:  "WARN",
		slog.LevelError: "ERROR",
	} {
		level, err := getLogLevel(name)
		require.NoError(t, err)
		assert.Equal(t, expected, level)
	}

	_, err := getLogLevel("LOUD")
	assert.Error(t, err)
}

func TestLevelStringToLevelVar(t *testing.T) {
	level, err := levelStringToLevelVar("WARN")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, level.Level())

	_, err = levelStringToLevelVar("nope")
	assert.Error(t, err)
}

func TestLevelToStringHookFunc(t *testing.T) {
	hook := LevelToStringHookFunc()

	rv, err := hook(
		reflect.TypeOf(""),
		reflect.TypeOf(&slog.LevelVar{}),
		"DEBUG",
	)
	require.NoError(t, err)
	lvl, ok := rv.(*slog.LevelVar)
	require.Truef(t, ok, "could not convert %#v (%T) to *slog.LevelVar", rv, rv)
	assert.Equal(t, slog.LevelDebug, lvl.Level())

	// non-level targets pass through untouched
	rv, err = hook(reflect.TypeOf(""), reflect.TypeOf(""), "DEBUG")
	require.NoError(t, err)
	assert.Equal(t, "DEBUG", rv)

	_, err = hook(
		reflect.TypeOf(""),
		reflect.TypeOf(&slog.LevelVar{}),
		"LOUD",
	)
	assert.Error(t, err)
}
