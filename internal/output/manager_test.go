package output

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tanq16/voxpull/internal/state"
)

func TestSummaryListsAssetsAndErrors(t *testing.T) {
	var buf bytes.Buffer
	m := NewManager(&buf)
	store := state.NewStore(state.WithProgressInterval(0))
	ch, stop := store.SubscribeAll()
	m.Follow(ch)
	m.Track("kokoro-base", "Kokoro base model")
	m.Track("voice_amy", "")
	m.StartDisplay()

	store.Begin("kokoro-base", 2048)
	store.Progress("kokoro-base", state.StatusDownloading, 0.5, 1024, 2048)
	store.Ready("kokoro-base", 2048)
	store.Begin("voice_amy", 10)
	store.Fail("voice_amy", "voice_amy: the file is no longer available on the server.", "abort")

	require.Eventually(t, func() bool {
		m.mutex.RLock()
		defer m.mutex.RUnlock()
		return m.outputs["voice_amy"].State.Status == state.StatusFailed
	}, time.Second, time.Millisecond)
	stop()
	m.StopDisplay()

	out := buf.String()
	assert.Contains(t, out, "Kokoro base model installed (2.0 KiB)")
	assert.Contains(t, out, "voice_amy failed")
	assert.Contains(t, out, "Installed 1 of 2")
	assert.Contains(t, out, "Failed 1 of 2")
	assert.Contains(t, out, "no longer available")
	assert.Less(t, strings.Index(out, "Kokoro"), strings.Index(out, "voice_amy"), "rows keep registration order")
}

func TestObserveRecordsEachFailureOnce(t *testing.T) {
	m := NewManager(&bytes.Buffer{})
	failed := state.DownloadState{Key: "a", Status: state.StatusFailed, Error: "boom"}
	m.Observe(failed)
	m.Observe(failed)
	assert.Len(t, m.errors, 1)
	m.Observe(state.DownloadState{Key: "a", Status: state.StatusDownloading})
	m.Observe(failed)
	assert.Len(t, m.errors, 2)
}

func TestProgressBarClamps(t *testing.T) {
	assert.Contains(t, ProgressBar(1.7, 10), "100.0%")
	assert.Contains(t, ProgressBar(-1, 10), "0.0%")
	assert.Contains(t, ProgressBar(0.25, 0), "25.0%")
}

func TestWrapText(t *testing.T) {
	assert.Nil(t, wrapText("", 4))
	long := strings.Repeat("x", 500)
	lines := wrapText(long, 6)
	require.Greater(t, len(lines), 1)
	assert.Equal(t, long, strings.Join(lines, ""))
}
