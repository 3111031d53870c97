package logging

import (
	"os"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]zerolog.Level{
		"":        zerolog.InfoLevel,
		"DEBUG":   zerolog.DebugLevel,
		"warning": zerolog.WarnLevel,
		"trace":   zerolog.TraceLevel,
	} {
		got, err := parseLevel(in)
		require.NoError(t, err)
		require.Equal(t, want, got, in)
	}
	_, err := parseLevel("loud")
	require.Error(t, err)
}

func TestWriterFor(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "log")
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })

	w, err := writerFor("auto", f)
	require.NoError(t, err)
	require.Equal(t, f, w)

	w, err = writerFor("console", f)
	require.NoError(t, err)
	require.IsType(t, zerolog.ConsoleWriter{}, w)

	_, err = writerFor("xml", f)
	require.Error(t, err)

	prev := zerolog.GlobalLevel()
	t.Cleanup(func() { zerolog.SetGlobalLevel(prev) })
	require.NoError(t, Init(Settings{Level: "error", Format: "json"}))
	require.Equal(t, zerolog.ErrorLevel, zerolog.GlobalLevel())
}
