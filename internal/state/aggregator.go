package state

import (
	"github.com/tanq16/voxpull/internal/manifest"
)

// Source yields disk-verified state for an asset key.
type Source interface {
	GetState(key string) DownloadState
}

// Aggregator derives voice-level readiness from the cores a voice needs.
type Aggregator struct {
	registry *manifest.Registry
	source   Source
}

func NewAggregator(registry *manifest.Registry, source Source) *Aggregator {
	return &Aggregator{registry: registry, source: source}
}

func (a *Aggregator) VoiceState(voiceID string) (VoiceDownloadState, error) {
	voice, err := a.registry.GetVoice(voiceID)
	if err != nil {
		return VoiceDownloadState{}, err
	}
	cores, err := a.registry.GetCoresForVoice(voiceID)
	if err != nil {
		return VoiceDownloadState{}, err
	}

	vs := VoiceDownloadState{VoiceID: voiceID, Cores: make([]CoreState, 0, len(cores))}
	var weighted, weights float64
	account := func(st DownloadState, size int64) {
		w := float64(max(size, 1))
		weights += w
		if st.IsReady() {
			weighted += w
		} else {
			weighted += w * st.Progress
		}
	}

	ready := true
	for _, core := range cores {
		st := a.source.GetState(core.ID)
		vs.Cores = append(vs.Cores, CoreState{CoreID: core.ID, Required: core.Required, SizeBytes: core.SizeBytes, State: st})
		if !core.Required {
			continue
		}
		account(st, core.SizeBytes)
		if !st.IsReady() {
			ready = false
			vs.MissingCoreIDs = append(vs.MissingCoreIDs, core.ID)
		}
	}
	if voice.ModelURL != "" {
		st := a.source.GetState(manifest.VoiceAssetKey(voice))
		vs.Activation = &st
		account(st, voice.ModelSize)
		if !st.IsReady() {
			ready = false
		}
	}

	vs.Ready = ready
	switch {
	case ready:
		vs.Progress = 1
	case weights > 0:
		vs.Progress = weighted / weights
	}
	vs.Status = overallStatus(vs)
	return vs, nil
}

// IsVoiceReady is false for unknown voices and for voices whose cores
// cannot be resolved on this platform.
func (a *Aggregator) IsVoiceReady(voiceID string) bool {
	vs, err := a.VoiceState(voiceID)
	return err == nil && vs.Ready
}

func overallStatus(vs VoiceDownloadState) Status {
	if vs.Ready {
		return StatusReady
	}
	states := make([]DownloadState, 0, len(vs.Cores)+1)
	for _, c := range vs.Cores {
		if c.Required {
			states = append(states, c.State)
		}
	}
	if vs.Activation != nil {
		states = append(states, *vs.Activation)
	}
	best := StatusNotDownloaded
	for _, st := range states {
		if st.Status == StatusFailed {
			return StatusFailed
		}
		if st.Status.IsActive() && st.Status.rank() > best.rank() {
			best = st.Status
		}
	}
	return best
}
