package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("SCYLLA_HOSTS", "scylla-1:9042,scylla-2:9042")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"scylla-1:9042", "scylla-2:9042"}, cfg.ScyllaHosts)
	assert.Equal(t, "chat", cfg.ScyllaKeyspace)
	assert.Equal(t, 15*time.Second, cfg.SendTimeout)
	assert.Equal(t, 500, cfg.MaxTextLength)
	assert.Equal(t, "conversation-events", cfg.KafkaTopic)
}

func TestLoadRequiresSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	_, err := Load()
	assert.Error(t, err)
}

func TestValidateNodeID(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("NODE_ID", "2048")
	_, err := Load()
	assert.ErrorContains(t, err, "NODE_ID")
}
