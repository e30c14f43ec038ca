package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleTOML = `
[feed]
poll_period_log2 = 0

[[instance]]
name = "eth0-shm"
interface = "eth0"
sync_threshold = 50000
pid_filter_p = 0.5
pid_filter_i = 0.1
outlier_filter_type = "std-dev"
outlier_filter_size = 10
`

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "tsyncd.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_AppliesDefaults(t *testing.T) {
	path := writeTemp(t, sampleTOML)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Instances, 1)

	inst := cfg.Instances[0]
	assert.Equal(t, "eth0", inst.Interface)
	assert.Equal(t, 128, inst.Priority) // default
	assert.Equal(t, int64(50000), inst.SyncThresholdNS)
	assert.Equal(t, SourceComplete, inst.SHMSourceType) // default
	assert.Equal(t, OutlierStdDev, inst.OutlierFilterType)
	assert.Equal(t, 10, inst.OutlierFilterSize)
	assert.Equal(t, 4, inst.FIRFilterSize) // default
	assert.Equal(t, 0, cfg.Feed.PollPeriodLog2)
}

func TestLoad_RejectsMissingInterface(t *testing.T) {
	path := writeTemp(t, `[[instance]]
name = "broken"
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_RejectsOutOfRangePID(t *testing.T) {
	path := writeTemp(t, `[[instance]]
interface = "eth0"
pid_filter_p = 1.5
`)
	_, err := Load(path)
	assert.Error(t, err)
}
