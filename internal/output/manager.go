package output

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/tanq16/voxpull/internal/state"
	"golang.org/x/term"
)

type AssetOutput struct {
	Key         string
	Label       string
	State       state.DownloadState
	StartTime   time.Time
	LastUpdated time.Time
	Index       int
}

type ErrorReport struct {
	Key   string
	Error string
	Time  time.Time
}

// Manager renders one row per asset from the state feed. On a terminal the
// rows are redrawn in place; otherwise only the summary is written.
type Manager struct {
	out         io.Writer
	interactive bool
	outputs     map[string]*AssetOutput
	mutex       sync.RWMutex
	numLines    int
	errors      []ErrorReport
	doneCh      chan struct{}
	displayTick time.Duration
	count       int
	displayWg   sync.WaitGroup
	stopOnce    sync.Once
	now         func() time.Time
}

func NewManager(out io.Writer) *Manager {
	interactive := false
	if f, ok := out.(*os.File); ok {
		interactive = term.IsTerminal(int(f.Fd()))
	}
	return &Manager{
		out:         out,
		interactive: interactive,
		outputs:     make(map[string]*AssetOutput),
		doneCh:      make(chan struct{}),
		displayTick: 200 * time.Millisecond,
		now:         time.Now,
	}
}

// Track registers key so it is shown from the start, before any update.
func (m *Manager) Track(key, label string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.track(key, label)
}

func (m *Manager) track(key, label string) *AssetOutput {
	if info, ok := m.outputs[key]; ok {
		if label != "" {
			info.Label = label
		}
		return info
	}
	m.count++
	now := m.now()
	info := &AssetOutput{
		Key:         key,
		Label:       label,
		State:       state.NotDownloaded(key),
		StartTime:   now,
		LastUpdated: now,
		Index:       m.count,
	}
	m.outputs[key] = info
	return info
}

// Observe implements state.Observer.
func (m *Manager) Observe(st state.DownloadState) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	info := m.track(st.Key, "")
	prev := info.State.Status
	if st.Status == state.StatusDownloading && !prev.IsActive() {
		info.StartTime = m.now()
	}
	info.State = st
	info.LastUpdated = m.now()
	if st.Status == state.StatusFailed && prev != state.StatusFailed {
		m.errors = append(m.errors, ErrorReport{Key: st.Key, Error: st.Error, Time: info.LastUpdated})
	}
}

// Follow feeds updates from ch until it closes.
func (m *Manager) Follow(ch <-chan state.DownloadState) {
	m.displayWg.Add(1)
	go func() {
		defer m.displayWg.Done()
		for st := range ch {
			m.Observe(st)
		}
	}()
}

func (m *Manager) StartDisplay() {
	if !m.interactive {
		return
	}
	m.displayWg.Add(1)
	go func() {
		defer m.displayWg.Done()
		ticker := time.NewTicker(m.displayTick)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.updateDisplay()
			case <-m.doneCh:
				return
			}
		}
	}()
}

// StopDisplay draws the final rows and the summary. Channels passed to
// Follow must be closed first.
func (m *Manager) StopDisplay() {
	m.stopOnce.Do(func() {
		close(m.doneCh)
		m.displayWg.Wait()
		m.updateDisplay()
		m.ShowSummary()
	})
}

func (m *Manager) GetStatusIndicator(status state.Status) string {
	switch status {
	case state.StatusReady:
		return successStyle.Render(StyleSymbols["pass"])
	case state.StatusFailed:
		return errorStyle.Render(StyleSymbols["fail"])
	case state.StatusQueued, state.StatusNotDownloaded:
		return pendingStyle.Render(StyleSymbols["pending"])
	default:
		return infoStyle.Render(StyleSymbols["arrow"])
	}
}

func (m *Manager) sorted() []*AssetOutput {
	all := make([]*AssetOutput, 0, len(m.outputs))
	for _, info := range m.outputs {
		all = append(all, info)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Index < all[j].Index })
	return all
}

func (m *Manager) renderRow(b *bytes.Buffer, info *AssetOutput) int {
	name := info.Label
	if name == "" {
		name = info.Key
	}
	st := info.State
	indicator := m.GetStatusIndicator(st.Status)
	elapsed := info.LastUpdated.Sub(info.StartTime).Round(time.Second)
	lines := 1
	switch st.Status {
	case state.StatusReady:
		msg := fmt.Sprintf("%s installed", name)
		if st.TotalBytes > 0 {
			msg += fmt.Sprintf(" (%s)", humanize.IBytes(uint64(st.TotalBytes)))
		}
		fmt.Fprintf(b, "  %s %s %s\n", indicator, debugStyle.Render(elapsed.String()), successStyle.Render(msg))
	case state.StatusFailed:
		fmt.Fprintf(b, "  %s %s %s\n", indicator, debugStyle.Render(elapsed.String()), errorStyle.Render(name+" failed"))
		for _, line := range wrapText(st.Error, 6) {
			fmt.Fprintf(b, "      %s\n", streamStyle.Render(line))
			lines++
		}
	case state.StatusDownloading, state.StatusExtracting:
		fmt.Fprintf(b, "  %s %s %s\n", indicator, debugStyle.Render(elapsed.String()), pendingStyle.Render(fmt.Sprintf("%s %s", name, st.Status)))
		detail := fmt.Sprintf("%s / %s", humanize.IBytes(uint64(max(st.BytesDownloaded, 0))), humanize.IBytes(uint64(max(st.TotalBytes, 0))))
		fmt.Fprintf(b, "      %s%s\n", ProgressBar(st.Progress, 30), debugStyle.Render(detail))
		lines++
	default:
		fmt.Fprintf(b, "  %s %s\n", indicator, pendingStyle.Render(name+" waiting"))
	}
	return lines
}

func (m *Manager) updateDisplay() {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	available := getTerminalHeight() - 3
	var b bytes.Buffer
	if m.interactive && m.numLines > 0 {
		fmt.Fprintf(&b, "\033[%dA\033[J", m.numLines)
	}
	lineCount := 0
	for _, info := range m.sorted() {
		if m.interactive && lineCount >= available {
			break
		}
		lineCount += m.renderRow(&b, info)
	}
	m.numLines = lineCount
	if m.interactive {
		m.out.Write(b.Bytes())
	}
}

func (m *Manager) ShowSummary() {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	var b bytes.Buffer
	if !m.interactive {
		for _, info := range m.sorted() {
			m.renderRow(&b, info)
		}
	}
	var ready, failed int
	for _, info := range m.outputs {
		switch info.State.Status {
		case state.StatusReady:
			ready++
		case state.StatusFailed:
			failed++
		}
	}
	fmt.Fprintln(&b)
	fmt.Fprintln(&b, "  "+success2Style.Render(fmt.Sprintf("Installed %d of %d", ready, len(m.outputs))))
	if failed > 0 {
		fmt.Fprintln(&b, "  "+errorStyle.Render(fmt.Sprintf("Failed %d of %d", failed, len(m.outputs))))
	}
	if len(m.errors) > 0 {
		fmt.Fprintln(&b)
		fmt.Fprintln(&b, "  "+errorStyle.Bold(true).Render("Errors:"))
		for i, e := range m.errors {
			fmt.Fprintf(&b, "    %s %s %s\n",
				errorStyle.Render(fmt.Sprintf("%d.", i+1)),
				debugStyle.Render(fmt.Sprintf("[%s]", e.Time.Format("15:04:05"))),
				errorStyle.Render(e.Key))
			fmt.Fprintf(&b, "      %s\n", errorStyle.Render(e.Error))
		}
	}
	fmt.Fprintln(&b)
	m.out.Write(b.Bytes())
}
