package observability

import (
	"bytes"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	require.Equal(t, zerolog.DebugLevel, ParseLevel("DEBUG"))
	require.Equal(t, zerolog.WarnLevel, ParseLevel(" warn "))
	require.Equal(t, zerolog.InfoLevel, ParseLevel(""))
	require.Equal(t, zerolog.InfoLevel, ParseLevel("loud"))
}

func TestInitLoggerEnvOverride(t *testing.T) {
	t.Setenv(LogLevelEnv, "error")
	var buf bytes.Buffer
	logger := initLogger(&buf, "test", "debug")
	logger.Info().Msg("hidden")
	require.Zero(t, buf.Len())
	logger.Error().Msg("shown")
	require.Contains(t, buf.String(), "shown")
}

func TestSinkDefault(t *testing.T) {
	require.NotNil(t, Sink(nil))
	bh := &metrics.BlackholeSink{}
	require.Same(t, bh, Sink(bh))
}

func TestLabel(t *testing.T) {
	l := LabelReason.M("whitelist")
	require.Equal(t, "reason", l.Name)
	require.Equal(t, "whitelist", l.Value)
	require.GreaterOrEqual(t, SinceMillis(time.Now().Add(-time.Second)), float32(999))
}
