// Package installer turns an AssetSpec into a verified, atomically published
// directory under the base dir.
package installer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tanq16/voxpull/internal/classify"
	"github.com/tanq16/voxpull/internal/manifest"
	"github.com/tanq16/voxpull/internal/state"
	"github.com/tanq16/voxpull/internal/utils"
	"github.com/tanq16/voxpull/internal/validate"
	"github.com/tanq16/voxpull/internal/workerpool"
)

const (
	transferShare = 0.85
	extractShare  = 0.10
)

type Config struct {
	BaseDir     string
	MaxAttempts int
	// BackoffBase scales classify.Backoff; zero keeps the 1s base.
	BackoffBase time.Duration
	Limits      validate.Limits
}

// Recorder receives install metrics. *metrics.Collector implements it.
type Recorder interface {
	Attempt(isCore bool)
	Transferred(n int64)
	Failure(action, category string)
	Finished(outcome string, d time.Duration)
	InFlight(delta int)
}

type Deps struct {
	Fetchers   map[string]utils.Fetcher
	Validator  *validate.Validator
	Classifier *classify.Classifier
	Pool       *workerpool.Pool
	States     *state.Store
	Metrics    Recorder
	Logger     zerolog.Logger
}

type Installer struct {
	cfg        Config
	fetchers   map[string]utils.Fetcher
	validator  *validate.Validator
	classifier *classify.Classifier
	pool       *workerpool.Pool
	states     *state.Store
	metrics    Recorder
	logger     zerolog.Logger

	mu     sync.Mutex
	active map[string]struct{}
	specs  map[string]manifest.AssetSpec

	rename func(oldpath, newpath string) error
	sleep  func(ctx context.Context, d time.Duration) error
	now    func() time.Time
}

func New(cfg Config, deps Deps) (*Installer, error) {
	if cfg.BaseDir == "" {
		return nil, errors.New("installer: base directory is required")
	}
	base, err := filepath.Abs(cfg.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("installer: resolving base directory: %w", err)
	}
	cfg.BaseDir = base
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if len(deps.Fetchers) == 0 {
		return nil, errors.New("installer: at least one fetcher is required")
	}
	if deps.Validator == nil {
		deps.Validator = validate.New(cfg.Limits)
	}
	if deps.Classifier == nil {
		deps.Classifier = classify.New()
	}
	if deps.Pool == nil {
		deps.Pool = workerpool.New(0, deps.Logger)
	}
	if deps.States == nil {
		deps.States = state.NewStore()
	}
	if deps.Metrics == nil {
		deps.Metrics = nopRecorder{}
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("installer: creating base directory: %w", err)
	}
	return &Installer{
		cfg:        cfg,
		fetchers:   deps.Fetchers,
		validator:  deps.Validator,
		classifier: deps.Classifier,
		pool:       deps.Pool,
		states:     deps.States,
		metrics:    deps.Metrics,
		logger:     deps.Logger.With().Str("op", "installer/installer").Logger(),
		active:     make(map[string]struct{}),
		specs:      make(map[string]manifest.AssetSpec),
		rename:     os.Rename,
		sleep:      sleepCtx,
		now:        time.Now,
	}, nil
}

func (i *Installer) BaseDir() string { return i.cfg.BaseDir }

func (i *Installer) States() *state.Store { return i.states }

// Register records specs so GetState can apply their checksum rule.
func (i *Installer) Register(specs ...manifest.AssetSpec) {
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, spec := range specs {
		i.specs[spec.Key] = spec
	}
}

// Download installs spec. An already installed asset is left untouched and
// a call for a key that is already being installed returns nil at once.
func (i *Installer) Download(ctx context.Context, spec manifest.AssetSpec) error {
	if err := checkKey(spec.Key); err != nil {
		return err
	}
	spec.TargetPath = i.targetDir(spec.Key)
	i.Register(spec)
	log := i.logger.With().Str("key", spec.Key).Logger()

	if _, ok := i.readyOnDisk(spec); ok {
		log.Debug().Msg("Asset already installed")
		i.markInstalled(spec)
		return nil
	}
	if !i.acquire(spec.Key) {
		log.Debug().Msg("Install already in progress, ignoring duplicate request")
		return nil
	}
	defer i.release(spec.Key)
	if _, ok := i.readyOnDisk(spec); ok {
		i.markInstalled(spec)
		return nil
	}

	i.metrics.InFlight(1)
	defer i.metrics.InFlight(-1)
	started := i.now()
	err := i.run(ctx, spec, log)
	if err != nil {
		i.metrics.Finished("failed", i.now().Sub(started))
		return err
	}
	i.metrics.Finished("installed", i.now().Sub(started))
	return nil
}

// markInstalled publishes ready for an asset found on disk. A queued state
// is overwritten too, which Reconcile would keep.
func (i *Installer) markInstalled(spec manifest.AssetSpec) {
	if i.states.Get(spec.Key).Status != state.StatusReady {
		i.states.Ready(spec.Key, spec.ExpectedSize)
	}
	i.metrics.Finished("skipped", 0)
}

// run is the retry loop around attempt. The number of attempts is capped by
// MaxAttempts whatever the classifier says.
func (i *Installer) run(ctx context.Context, spec manifest.AssetSpec, log zerolog.Logger) error {
	var last classify.ErrorContext
	attempts := 0
	for attempt := 0; attempt < i.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			wait := i.backoff(attempt - 1)
			log.Warn().Msgf("Retrying %s in %s (attempt %d/%d)", spec.Key, wait, attempt+1, i.cfg.MaxAttempts)
			if err := i.sleep(ctx, wait); err != nil {
				last = i.classifier.Classify(spec.Key, "", fmt.Errorf("%w: %w", utils.ErrCancelled, err))
				break
			}
		}
		attempts++
		i.metrics.Attempt(spec.IsCore)
		i.states.Begin(spec.Key, spec.ExpectedSize)
		err := i.attempt(ctx, spec, log)
		if err == nil {
			log.Info().Msgf("Installed %s into %s", spec.Key, spec.TargetPath)
			return nil
		}
		last = i.classifier.Classify(spec.Key, i.downloadPath(spec), err)
		i.metrics.Failure(string(last.Action), string(last.Category))
		i.cleanupAfterFailure(spec, last)
		log.Error().Err(err).Str("action", string(last.Action)).Msgf("Attempt %d failed: %s", attempt+1, last.TechnicalDetails)
		if !classify.ShouldRetry(last.Action) || ctx.Err() != nil {
			break
		}
	}
	i.states.Fail(spec.Key, last.UserMessage, string(last.Action))
	return &InstallError{Context: last, Attempts: attempts}
}

func (i *Installer) backoff(retry int) time.Duration {
	d := classify.Backoff(retry)
	if i.cfg.BackoffBase > 0 {
		return time.Duration(float64(d) / float64(time.Second) * float64(i.cfg.BackoffBase))
	}
	return d
}

// cleanupAfterFailure always drops the staging directory. The raw download
// survives only when the next attempt can resume it.
func (i *Installer) cleanupAfterFailure(spec manifest.AssetSpec, ec classify.ErrorContext) {
	if err := os.RemoveAll(spec.TargetPath + ".tmp"); err != nil {
		i.logger.Warn().Err(err).Msgf("Could not remove staging directory for %s", spec.Key)
	}
	if ec.Action == classify.ActionRetry || ec.Category == classify.CategoryCancelled {
		return
	}
	if err := os.Remove(i.downloadPath(spec)); err != nil && !os.IsNotExist(err) {
		i.logger.Warn().Err(err).Msgf("Could not remove partial download for %s", spec.Key)
	}
}

func (i *Installer) acquire(key string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, busy := i.active[key]; busy {
		return false
	}
	i.active[key] = struct{}{}
	return true
}

func (i *Installer) release(key string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.active, key)
}

func (i *Installer) InProgress(key string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	_, busy := i.active[key]
	return busy
}

func (i *Installer) targetDir(key string) string {
	return filepath.Join(i.cfg.BaseDir, key)
}

func (i *Installer) downloadPath(spec manifest.AssetSpec) string {
	return i.targetDir(spec.Key) + "." + validate.TempExtension(spec.URL) + ".tmp"
}

func (i *Installer) spec(key string) (manifest.AssetSpec, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	spec, ok := i.specs[key]
	return spec, ok
}

// readyOnDisk is the only authority on readiness: the directory, a readable
// marker for the same key, and a recorded checksum whenever one is declared.
func (i *Installer) readyOnDisk(spec manifest.AssetSpec) (Marker, bool) {
	dir := i.targetDir(spec.Key)
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return Marker{}, false
	}
	m, err := ReadMarker(dir)
	if err != nil || m.Key != spec.Key || m.SHA256 == "" {
		return Marker{}, false
	}
	if spec.SHA256 != "" && !strings.EqualFold(m.SHA256, spec.SHA256) {
		return Marker{}, false
	}
	return m, true
}

// IsInstalled reports whether spec is installed and matches its checksum.
func (i *Installer) IsInstalled(spec manifest.AssetSpec) bool {
	_, ok := i.readyOnDisk(spec)
	return ok
}

// GetState returns the state of key with readiness recomputed from disk.
func (i *Installer) GetState(key string) state.DownloadState {
	if checkKey(key) != nil {
		return state.NotDownloaded(key)
	}
	if i.InProgress(key) {
		return i.states.Get(key)
	}
	spec, ok := i.spec(key)
	if !ok {
		spec = manifest.AssetSpec{Key: key}
	}
	onDisk := state.StatusNotDownloaded
	if _, ready := i.readyOnDisk(spec); ready {
		onDisk = state.StatusReady
	}
	return i.states.Reconcile(key, onDisk, spec.ExpectedSize)
}

func (i *Installer) WatchState(key string) (<-chan state.DownloadState, func()) {
	return i.states.Subscribe(key)
}

// Delete removes the install and every temporary artifact of key.
func (i *Installer) Delete(key string) error {
	if err := checkKey(key); err != nil {
		return err
	}
	if !i.acquire(key) {
		return fmt.Errorf("%w: %s", ErrInProgress, key)
	}
	defer i.release(key)

	target := i.targetDir(key)
	var errs []error
	for _, p := range []string{target, target + ".tmp", target + ".old"} {
		if err := os.RemoveAll(p); err != nil {
			errs = append(errs, err)
		}
	}
	for _, ext := range validate.TempExtensions() {
		if err := os.Remove(target + "." + ext + ".tmp"); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	i.states.Reset(key)
	i.logger.Info().Str("key", key).Msg("Asset deleted")
	return errors.Join(errs...)
}

type RecoverReport struct {
	Restored []string
	Removed  []string
}

// Recover repairs what an interrupted publish or install left behind: an
// aside copy whose target is missing is put back, other .old and .tmp
// directories are removed. Raw downloads are kept for resuming.
func (i *Installer) Recover() (RecoverReport, error) {
	var report RecoverReport
	entries, err := os.ReadDir(i.cfg.BaseDir)
	if err != nil {
		return report, fmt.Errorf("error reading base directory: %w", err)
	}
	var errs []error
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		switch {
		case strings.HasSuffix(name, ".old"):
			key := strings.TrimSuffix(name, ".old")
			if i.InProgress(key) {
				continue
			}
			aside := filepath.Join(i.cfg.BaseDir, name)
			if _, err := os.Lstat(i.targetDir(key)); os.IsNotExist(err) {
				if err := os.Rename(aside, i.targetDir(key)); err != nil {
					errs = append(errs, err)
					continue
				}
				report.Restored = append(report.Restored, key)
				i.logger.Warn().Msgf("Restored previous install of %s after interrupted publish", key)
				continue
			}
			if err := os.RemoveAll(aside); err != nil {
				errs = append(errs, err)
				continue
			}
			report.Removed = append(report.Removed, name)
		case strings.HasSuffix(name, ".tmp"):
			if i.InProgress(strings.TrimSuffix(name, ".tmp")) {
				continue
			}
			if err := os.RemoveAll(filepath.Join(i.cfg.BaseDir, name)); err != nil {
				errs = append(errs, err)
				continue
			}
			report.Removed = append(report.Removed, name)
		}
	}
	return report, errors.Join(errs...)
}

func checkKey(key string) error {
	switch {
	case key == "", key == ".", key == "..":
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	case strings.ContainsAny(key, `/\`+"\x00"):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidKey, key)
	case strings.HasSuffix(key, ".tmp"), strings.HasSuffix(key, ".old"):
		return fmt.Errorf("%w: %q uses a reserved suffix", ErrInvalidKey, key)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type nopRecorder struct{}

func (nopRecorder) Attempt(bool) {}
func (nopRecorder) Transferred(int64) {}
func (nopRecorder) Failure(string, string) {}
func (nopRecorder) Finished(string, time.Duration) {}
func (nopRecorder) InFlight(int) {}
