package config

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValid(t *testing.T) {
	require.Nil(t, NewDefaultConfig().Validate())
	require.Nil(t, NewTestConfig().Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(c *Config)
	}{
		{"empty dir", func(c *Config) { c.DBPath = "" }},
		{"tiny segment", func(c *Config) { c.WALSegmentSize = 1 * KB }},
		{"zero timeout", func(c *Config) { c.CheckpointTimeout = NewDuration(0) }},
		{"completion target", func(c *Config) { c.CheckpointCompletionTarget = 1.5 }},
		{"stop limit", func(c *Config) { c.XidStopLimit = 0 }},
		{"warn above stop", func(c *Config) { c.XidWarnLimit = c.XidStopLimit + 1 }},
		{"isolation", func(c *Config) { c.DefaultIsolation = "snapshot" }},
		{"standby without primary", func(c *Config) { c.Standby = true; c.PrimaryAddr = "" }},
	}
	for _, tt := range tests {
		c := NewTestConfig()
		tt.modify(c)
		assert.NotNil(t, c.Validate(), tt.name)
	}
}

func TestLoadFile(t *testing.T) {
	dir, err := ioutil.TempDir("", "tinypg-config")
	require.Nil(t, err)
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "tinypg.toml")
	content := `
data-dir = "/var/lib/tinypg"
wal-segment-size = "1MB"
max-wal-size = "2GiB"
checkpoint-timeout = "30s"
default-isolation = "repeatable-read"
synchronous-slots = ["s1", "s2"]
freeze-min-age = 1000
no-such-key = 1
`
	require.Nil(t, ioutil.WriteFile(path, []byte(content), 0644))

	c := NewDefaultConfig()
	require.Nil(t, c.LoadFile(path))
	assert.Equal(t, "/var/lib/tinypg", c.DBPath)
	assert.Equal(t, 1*MB, c.WALSegmentSize)
	assert.Equal(t, 2*GB, c.MaxWALSize)
	assert.Equal(t, 30*time.Second, c.CheckpointTimeout.Duration)
	assert.Equal(t, "repeatable-read", c.DefaultIsolation)
	assert.Equal(t, uint32(1000), c.FreezeMinAge)
	assert.True(t, c.IsSynchronous("s2"))
	assert.False(t, c.IsSynchronous("s3"))
	// untouched keys keep their defaults
	assert.Equal(t, 0.9, c.CheckpointCompletionTarget)
	require.Nil(t, c.Validate())
}

func TestByteSize(t *testing.T) {
	var b ByteSize
	require.Nil(t, b.UnmarshalText([]byte("4096")))
	assert.Equal(t, ByteSize(4096), b)
	require.Nil(t, b.UnmarshalText([]byte("64KB")))
	assert.Equal(t, 64*KB, b)
	assert.NotNil(t, b.UnmarshalText([]byte("lots")))
}
