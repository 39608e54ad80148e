package metrics

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tanq16/voxpull/internal/state"
)

func TestCollectorCounts(t *testing.T) {
	c := New(nil)
	c.Attempt(true)
	c.Attempt(true)
	c.Attempt(false)
	c.Transferred(1024)
	c.Transferred(-5)
	c.Failure("retry", "transport")
	c.Finished("installed", 3*time.Second)
	c.Finished("failed", time.Second)
	c.InFlight(1)
	c.Pending(4)
	c.Observe(state.DownloadState{Key: "a", Status: state.StatusReady})

	assert.Equal(t, 2.0, testutil.ToFloat64(c.Attempts.WithLabelValues("core")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Attempts.WithLabelValues("voice")))
	assert.Equal(t, 1024.0, testutil.ToFloat64(c.BytesTransferred))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Failures.WithLabelValues("retry", "transport")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Installs.WithLabelValues("installed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.ActiveInstalls))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.QueueDepth))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.StateUpdates.WithLabelValues("ready")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.InstallDuration))
}

func TestWriteTextfile(t *testing.T) {
	c := New(nil)
	c.Attempt(true)
	path := filepath.Join(t.TempDir(), "voxpull.prom")
	require.NoError(t, c.WriteTextfile(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `voxpull_install_attempts_total{kind="core"} 1`)
}
