package logging

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	logger, err := New("api", "debug", "json")
	require.NoError(t, err)
	assert.Equal(t, zerolog.DebugLevel, logger.GetLevel())

	_, err = New("api", "loud", "json")
	assert.Error(t, err)

	_, err = New("api", "info", "xml")
	assert.EqualError(t, err, "unsupported log format")
}
