package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/tanq16/voxpull/internal/config"
	voxhttp "github.com/tanq16/voxpull/internal/downloaders/http"
	vs3 "github.com/tanq16/voxpull/internal/downloaders/s3"
	"github.com/tanq16/voxpull/internal/events"
	"github.com/tanq16/voxpull/internal/installer"
	"github.com/tanq16/voxpull/internal/manifest"
	"github.com/tanq16/voxpull/internal/metrics"
	"github.com/tanq16/voxpull/internal/state"
	"github.com/tanq16/voxpull/internal/utils"
	"github.com/tanq16/voxpull/internal/validate"
	"github.com/tanq16/voxpull/internal/workerpool"
)

var errNoManifest = errors.New("no manifest configured; pass --manifest or set " + config.EnvManifest)

// app is everything one command invocation needs, wired from the config.
type app struct {
	cfg       config.Config
	logger    zerolog.Logger
	logFile   *os.File
	client    *utils.VoxHTTPClient
	registry  *manifest.Registry
	store     *state.Store
	validator *validate.Validator
	installer *installer.Installer
	metrics   *metrics.Collector
	events    *events.Publisher
}

func newApp(ctx context.Context, cmd *cobra.Command, withManifest bool) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger, logFile, err := newLogger(cfg.BaseDir)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, logFile: logFile}
	log := logger.With().Str("op", "cmd/app").Logger()

	a.client = utils.NewVoxHTTPClient(cfg.HTTPClient())
	a.store = state.NewStore()
	a.validator = validate.New(cfg.ValidationLimits())
	a.metrics = metrics.New(prometheus.NewRegistry())
	a.store.AddObserver(a.metrics)

	if cfg.NATS.URL != "" {
		pub, err := events.Connect(cfg.NATS.URL, cfg.NATS.SubjectPrefix, logger)
		if err != nil {
			log.Warn().Err(err).Msg("State events disabled")
		} else {
			a.events = pub
			a.store.AddObserver(pub)
		}
	}

	fetchers := map[string]utils.Fetcher{
		"s3": vs3.NewFetcher(cfg.S3.Profile, cfg.S3.Region, logger, vs3.WithIdleTimeout(cfg.IdleTimeout())),
	}
	httpFetcher := voxhttp.NewFetcher(a.client, logger, voxhttp.WithIdleTimeout(cfg.IdleTimeout()))
	fetchers["http"] = httpFetcher
	fetchers["https"] = httpFetcher
	a.installer, err = installer.New(installer.Config{
		BaseDir:     cfg.BaseDir,
		MaxAttempts: cfg.MaxAttempts,
		Limits:      cfg.ValidationLimits(),
	}, installer.Deps{
		Fetchers:  fetchers,
		Validator: a.validator,
		Pool:      workerpool.New(cfg.Workers, logger),
		States:    a.store,
		Metrics:   a.metrics,
		Logger:    logger,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	if withManifest {
		if cfg.Manifest == "" {
			a.Close()
			return nil, errNoManifest
		}
		var opts []manifest.Option
		if cfg.Platform != "" {
			opts = append(opts, manifest.WithPlatform(cfg.Platform))
		}
		a.registry, err = manifest.Load(ctx, a.client, cfg.Manifest, opts...)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("error loading manifest %s: %w", cfg.Manifest, err)
		}
		log.Debug().Msgf("Loaded manifest v%d (%d cores, %d voices) for %s",
			a.registry.Version(), len(a.registry.Cores()), len(a.registry.Voices()), a.registry.Platform())
	}
	return a, nil
}

func (a *app) Close() {
	log := a.logger.With().Str("op", "cmd/app").Logger()
	if a.events != nil {
		if err := a.events.Close(); err != nil {
			log.Warn().Err(err).Msg("Error closing state event publisher")
		}
	}
	if a.cfg.Metrics.TextfilePath != "" && a.metrics != nil {
		if err := a.metrics.WriteTextfile(a.cfg.Metrics.TextfilePath); err != nil {
			log.Warn().Err(err).Msg("Could not write metrics file")
		}
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
}

func (a *app) aggregator() *state.Aggregator {
	return state.NewAggregator(a.registry, a.installer)
}

// installedKeys reports, for every asset in the manifest, whether it is on
// disk.
func (a *app) installedKeys() map[string]bool {
	installed := make(map[string]bool)
	for _, core := range a.registry.Cores() {
		spec := manifest.AssetForCore(core, a.cfg.BaseDir)
		installed[spec.Key] = a.installer.IsInstalled(spec)
	}
	for _, voice := range a.registry.Voices() {
		if spec, ok := manifest.AssetForVoice(voice, a.cfg.BaseDir); ok {
			installed[spec.Key] = a.installer.IsInstalled(spec)
		}
	}
	return installed
}

func newLogger(base string) (zerolog.Logger, *os.File, error) {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	if logConsole {
		w := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.DateTime}
		return zerolog.New(w).Level(level).With().Timestamp().Logger(), nil, nil
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return zerolog.Nop(), nil, fmt.Errorf("error creating base directory: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(base, utils.LogFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return zerolog.Nop(), nil, fmt.Errorf("error opening log file: %w", err)
	}
	return zerolog.New(f).Level(level).With().Timestamp().Logger(), f, nil
}
