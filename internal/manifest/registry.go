// Package manifest holds the catalogue of installable cores and voices and
// answers dependency and platform questions about it.
package manifest

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
)

// Registry is an indexed, immutable view over one Manifest. Loading a newer
// manifest means building a new Registry.
type Registry struct {
	manifest       Manifest
	platform       string
	coresByID      map[string]CoreRequirement
	voicesByID     map[string]VoiceSpec
	voicesByEngine map[string][]VoiceSpec
	coresByEngine  map[string][]CoreRequirement
}

type Option func(*Registry)

// WithPlatform overrides the "os/arch" string used for platform resolution.
func WithPlatform(platform string) Option {
	return func(r *Registry) {
		r.platform = strings.ToLower(platform)
	}
}

func DefaultPlatform() string {
	return runtime.GOOS + "/" + runtime.GOARCH
}

// Parse decodes a manifest document and builds its indices. Any structural
// problem rejects the whole document.
func Parse(data []byte, opts ...Option) (*Registry, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, &ParseError{Reason: "malformed document", Err: err}
	}
	return New(m, opts...)
}

func New(m Manifest, opts ...Option) (*Registry, error) {
	r := &Registry{
		manifest:       m,
		platform:       DefaultPlatform(),
		coresByID:      make(map[string]CoreRequirement, len(m.Cores)),
		voicesByID:     make(map[string]VoiceSpec, len(m.Voices)),
		voicesByEngine: make(map[string][]VoiceSpec),
		coresByEngine:  make(map[string][]CoreRequirement),
	}
	for _, opt := range opts {
		opt(r)
	}
	if m.Version < 1 {
		return nil, &ParseError{Field: "version", Reason: fmt.Sprintf("unsupported version %d", m.Version)}
	}
	for i, core := range m.Cores {
		field := fmt.Sprintf("cores[%d]", i)
		if core.ID == "" {
			return nil, &ParseError{Field: field, Reason: "empty id"}
		}
		if core.URL == "" {
			return nil, &ParseError{Field: field, Reason: fmt.Sprintf("core %q has no url", core.ID)}
		}
		if core.SizeBytes < 0 {
			return nil, &ParseError{Field: field, Reason: fmt.Sprintf("core %q has negative size", core.ID)}
		}
		if _, dup := r.coresByID[core.ID]; dup {
			return nil, &ParseError{Field: field, Reason: fmt.Sprintf("duplicate core id %q", core.ID)}
		}
		r.coresByID[core.ID] = core
		r.coresByEngine[core.EngineType] = append(r.coresByEngine[core.EngineType], core)
	}
	for i, voice := range m.Voices {
		field := fmt.Sprintf("voices[%d]", i)
		if voice.ID == "" {
			return nil, &ParseError{Field: field, Reason: "empty id"}
		}
		if _, dup := r.voicesByID[voice.ID]; dup {
			return nil, &ParseError{Field: field, Reason: fmt.Sprintf("duplicate voice id %q", voice.ID)}
		}
		for _, coreID := range voice.CoreRequirements {
			if !r.knownCore(coreID) {
				return nil, &ParseError{Field: field, Reason: fmt.Sprintf("voice %q requires unknown core %q", voice.ID, coreID)}
			}
		}
		r.voicesByID[voice.ID] = voice
		r.voicesByEngine[voice.EngineID] = append(r.voicesByEngine[voice.EngineID], voice)
	}
	return r, nil
}

// knownCore reports whether id names a core directly or is the base of a
// platform-suffixed family.
func (r *Registry) knownCore(id string) bool {
	if _, ok := r.coresByID[id]; ok {
		return true
	}
	for coreID := range r.coresByID {
		if strings.HasPrefix(coreID, id+"_") {
			return true
		}
	}
	return false
}

func (r *Registry) Version() int          { return r.manifest.Version }
func (r *Registry) LastUpdated() string   { return r.manifest.LastUpdated }
func (r *Registry) Platform() string      { return r.platform }
func (r *Registry) Cores() []CoreRequirement {
	return append([]CoreRequirement(nil), r.manifest.Cores...)
}
func (r *Registry) Voices() []VoiceSpec {
	return append([]VoiceSpec(nil), r.manifest.Voices...)
}

// GetCore resolves id for the registry's platform, falling back to the
// "<id>_<os>_<arch>" and "<id>_<os>" aliases.
func (r *Registry) GetCore(id string) (CoreRequirement, error) {
	if core, ok := r.coresByID[id]; ok && r.matchesPlatform(core) {
		return core, nil
	}
	for _, alias := range r.platformAliases(id) {
		if core, ok := r.coresByID[alias]; ok && r.matchesPlatform(core) {
			return core, nil
		}
	}
	return CoreRequirement{}, fmt.Errorf("%w: %q for platform %s", ErrCoreNotFound, id, r.platform)
}

func (r *Registry) GetVoice(id string) (VoiceSpec, error) {
	voice, ok := r.voicesByID[id]
	if !ok {
		return VoiceSpec{}, fmt.Errorf("%w: %q", ErrVoiceNotFound, id)
	}
	return voice, nil
}

// GetCoresForVoice returns the platform-resolved cores a voice depends on, in
// manifest order.
func (r *Registry) GetCoresForVoice(voiceID string) ([]CoreRequirement, error) {
	voice, err := r.GetVoice(voiceID)
	if err != nil {
		return nil, err
	}
	cores := make([]CoreRequirement, 0, len(voice.CoreRequirements))
	seen := make(map[string]bool, len(voice.CoreRequirements))
	for _, coreID := range voice.CoreRequirements {
		core, err := r.GetCore(coreID)
		if err != nil {
			return nil, fmt.Errorf("voice %q: %w", voiceID, err)
		}
		if seen[core.ID] {
			continue
		}
		seen[core.ID] = true
		cores = append(cores, core)
	}
	return cores, nil
}

func (r *Registry) GetVoicesForEngine(engineID string) []VoiceSpec {
	return append([]VoiceSpec(nil), r.voicesByEngine[engineID]...)
}

func (r *Registry) GetCoresForEngine(engineID string) []CoreRequirement {
	return append([]CoreRequirement(nil), r.coresByEngine[engineID]...)
}

// EstimateDownloadSize sums the bytes still needed to make voiceID usable.
// installed is keyed by asset key (core id or voice asset key).
func (r *Registry) EstimateDownloadSize(voiceID string, installed map[string]bool) (int64, error) {
	voice, err := r.GetVoice(voiceID)
	if err != nil {
		return 0, err
	}
	cores, err := r.GetCoresForVoice(voiceID)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, core := range cores {
		if core.Required && !installed[core.ID] {
			total += core.SizeBytes
		}
	}
	if voice.ModelURL != "" && !installed[VoiceAssetKey(voice)] {
		total += voice.ModelSize
	}
	return total, nil
}

// VoiceAssetKey is the install key of a voice's own model file.
func VoiceAssetKey(voice VoiceSpec) string {
	if voice.ModelKey != "" {
		return voice.ModelKey
	}
	return "voice_" + voice.ID
}

func AssetForCore(core CoreRequirement, baseDir string) AssetSpec {
	label := core.DisplayName
	if label == "" {
		label = core.ID
	}
	return AssetSpec{
		Key:          core.ID,
		Label:        label,
		URL:          core.URL,
		TargetPath:   filepath.Join(baseDir, core.ID),
		ExpectedSize: core.SizeBytes,
		SHA256:       strings.ToLower(core.SHA256),
		IsCore:       true,
		Engine:       core.EngineType,
	}
}

// AssetForVoice returns the per-voice activation asset, if the voice has one.
func AssetForVoice(voice VoiceSpec, baseDir string) (AssetSpec, bool) {
	if voice.ModelURL == "" {
		return AssetSpec{}, false
	}
	key := VoiceAssetKey(voice)
	label := voice.DisplayName
	if label == "" {
		label = voice.ID
	}
	return AssetSpec{
		Key:          key,
		Label:        label,
		URL:          voice.ModelURL,
		TargetPath:   filepath.Join(baseDir, key),
		ExpectedSize: voice.ModelSize,
		SHA256:       strings.ToLower(voice.ModelSHA256),
		Engine:       voice.EngineID,
	}, true
}

// AssetsForVoice lists every asset needed by voiceID: required cores first,
// then the activation asset.
func (r *Registry) AssetsForVoice(voiceID, baseDir string) ([]AssetSpec, error) {
	voice, err := r.GetVoice(voiceID)
	if err != nil {
		return nil, err
	}
	cores, err := r.GetCoresForVoice(voiceID)
	if err != nil {
		return nil, err
	}
	specs := make([]AssetSpec, 0, len(cores)+1)
	for _, core := range cores {
		if core.Required {
			specs = append(specs, AssetForCore(core, baseDir))
		}
	}
	if spec, ok := AssetForVoice(voice, baseDir); ok {
		specs = append(specs, spec)
	}
	return specs, nil
}

func (r *Registry) matchesPlatform(core CoreRequirement) bool {
	if core.Platform == "" {
		return true
	}
	goos, _, _ := strings.Cut(r.platform, "/")
	for _, want := range strings.Split(strings.ToLower(core.Platform), ",") {
		want = strings.TrimSpace(want)
		if want == r.platform || want == goos {
			return true
		}
	}
	return false
}

func (r *Registry) platformAliases(id string) []string {
	goos, goarch, _ := strings.Cut(r.platform, "/")
	aliases := make([]string, 0, 2)
	if goarch != "" {
		aliases = append(aliases, fmt.Sprintf("%s_%s_%s", id, goos, goarch))
	}
	return append(aliases, fmt.Sprintf("%s_%s", id, goos))
}
