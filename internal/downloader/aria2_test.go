package downloader

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseProgressLine(t *testing.T) {
	t.Parallel()

	downloaded, total, speed, ok := parseProgressLine(
		"[#2089b0 1.2MiB/3.4MiB(35%) CN:16 DL:500KiB ETA:5s]")
	require.True(t, ok)
	assert.Equal(t, toBytes("1.2", "MiB"), downloaded)
	assert.Equal(t, toBytes("3.4", "MiB"), total)
	assert.Equal(t, float64(500*1024), speed)
}

func TestParseProgressLineUnits(t *testing.T) {
	t.Parallel()

	downloaded, total, speed, ok := parseProgressLine(
		"[#abc123 512B/2.0GiB(0%) CN:8 DL:1.5MiB ETA:20m]")
	require.True(t, ok)
	assert.Equal(t, int64(512), downloaded)
	assert.Equal(t, int64(2*1024*1024*1024), total)
	assert.Equal(t, float64(1.5*1024*1024), speed)
}

func TestParseProgressLineIgnoresOtherOutput(t *testing.T) {
	t.Parallel()

	for _, line := range []string{
		"",
		"Download complete: /tmp/out.mp4",
		"[WARN] some warning",
		"02/20 10:00:00 [NOTICE] Downloading 1 item(s)",
	} {
		_, _, _, ok := parseProgressLine(line)
		assert.False(t, ok, "line %q", line)
	}
}

func TestAcceleratorUnavailableBinary(t *testing.T) {
	t.Parallel()

	accel := NewAccelerator("definitely-not-a-real-binary-9000", 16, 16, "1M")
	assert.False(t, accel.Available())
	// probe result is cached
	assert.False(t, accel.Available())
}

func TestNewAcceleratorDefaults(t *testing.T) {
	t.Parallel()

	accel := NewAccelerator("", 0, 0, "")
	assert.Equal(t, "aria2c", accel.path)
	assert.Equal(t, 16, accel.connections)
	assert.Equal(t, 16, accel.split)
	assert.Equal(t, "1M", accel.minSplitSize)
}
