package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitDefaultsEncoding(t *testing.T) {
	require.NoError(t, Init(Config{Level: "debug"}))
	assert.NotNil(t, Get())
	assert.True(t, Get().Core().Enabled(-1)) // debug enabled
}

func TestInitRejectsBadLevel(t *testing.T) {
	assert.Error(t, Init(Config{Level: "chatty"}))
}

func TestGetWithoutInit(t *testing.T) {
	mu.Lock()
	global = nil
	mu.Unlock()

	log := Get()
	require.NotNil(t, log)
}

func TestReinitReplacesLogger(t *testing.T) {
	require.NoError(t, Init(Config{Level: "warn"}))
	assert.False(t, Get().Core().Enabled(0)) // info disabled

	require.NoError(t, Init(Config{Level: "info"}))
	assert.True(t, Get().Core().Enabled(0))
}
