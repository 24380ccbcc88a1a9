package logging

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/heliolab/querysync/internal/config"
)

func TestNewAcceptsKnownLevelsAndFormats(t *testing.T) {
	logger, err := New(config.LoggingConfig{Level: "info", Format: "json", CorrelationHeader: "X-Request-ID"})
	require.NoError(t, err)
	require.NotNil(t, logger)

	logger, err = New(config.LoggingConfig{Level: "debug", Format: "text"})
	require.NoError(t, err)
	require.NotNil(t, logger)

	logger, err = New(config.LoggingConfig{})
	require.NoError(t, err, "empty level and format use the defaults")
	require.NotNil(t, logger)
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New(config.LoggingConfig{Level: "verbose"})
	require.Error(t, err)
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	_, err := New(config.LoggingConfig{Format: "binary"})
	require.Error(t, err)
}

func TestThrottleAllowsOncePerWindow(t *testing.T) {
	base := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	current := base
	throttle := NewThrottle(30 * time.Second)
	throttle.now = func() time.Time { return current }

	require.True(t, throttle.Allow("scope-a"))
	require.False(t, throttle.Allow("scope-a"), "second emission inside the window is gated")
	require.True(t, throttle.Allow("scope-b"), "tags are independent")

	current = base.Add(29 * time.Second)
	require.False(t, throttle.Allow("scope-a"))

	current = base.Add(30 * time.Second)
	require.True(t, throttle.Allow("scope-a"), "window elapsed")
}

func TestThrottleNilAlwaysAllows(t *testing.T) {
	var throttle *Throttle
	require.True(t, throttle.Allow("anything"))
}

func TestThrottleDefaultWindow(t *testing.T) {
	throttle := NewThrottle(0)
	require.Equal(t, 30*time.Second, throttle.window)
}
