package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfig(t *testing.T) {
	yml := []byte(`
base_directory: /var/lib/eventql
listen_addr: 0.0.0.0:9175
metrics_listen_addr: 0.0.0.0:9176
server_id: node1
log_level: warning
stop_grace_period: 5
max_lsm_segments: 48
partition_split_threshold: 1073741824
`)
	cfg, err := ParseConfig(yml)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/eventql", cfg.BaseDirectory)
	assert.Equal(t, "0.0.0.0:9175", cfg.ListenAddr)
	assert.Equal(t, "node1", cfg.ServerID)
	assert.Equal(t, 48, cfg.MaxLSMSegments)
	assert.Equal(t, uint64(1073741824), cfg.PartitionSplitThreshold)

	// Unset tunables fall back to engine defaults.
	assert.Equal(t, DefaultMaxArenaRecords, cfg.MaxArenaRecords)
	assert.Equal(t, DefaultSkipIndexCacheSize, cfg.SkipIndexCacheSize)
}

func TestParseConfigRejectsMissingFields(t *testing.T) {
	_, err := ParseConfig([]byte(`listen_addr: 0.0.0.0:9175`))
	assert.Error(t, err, "base_directory is required")

	_, err = ParseConfig([]byte("base_directory: /data\nlisten_addr: :9175\n"))
	assert.Error(t, err, "server_id is required")

	_, err = ParseConfig([]byte(`{`))
	assert.Error(t, err)
}

func TestRandomHex64(t *testing.T) {
	a := RandomHex64()
	b := RandomHex64()
	assert.Len(t, a, 16)
	assert.NotEqual(t, a, b)
}

func TestRandomSHA1(t *testing.T) {
	assert.NotEqual(t, RandomSHA1(), RandomSHA1())
}
