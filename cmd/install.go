package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/tanq16/voxpull/internal/manifest"
	"github.com/tanq16/voxpull/internal/output"
	"github.com/tanq16/voxpull/internal/scheduler"
	"golang.org/x/sync/errgroup"
)

// target is one command-line argument resolved to the assets it needs.
type target struct {
	id      string
	isVoice bool
	assets  []manifest.AssetSpec
}

func newInstallCmd() *cobra.Command {
	var engine string
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "install [VOICE|CORE]...",
		Short: "Download and install voices or individual cores",
		Long: `Download and install voices or individual cores.

A voice pulls in every core it requires for this platform plus its own model
file. Cores shared by several voices are downloaded once.

Examples:
  voxpull install en_US-amy-medium
  voxpull install kokoro-v1 --manifest ./manifest.json
  voxpull install --engine piper --dry-run`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && engine == "" {
				return errors.New("no voice or core given; pass ids or --engine")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cmd, true)
			if err != nil {
				return err
			}
			defer a.Close()

			targets, err := resolveTargets(a, args, engine)
			if err != nil {
				return err
			}
			if dryRun {
				printPlan(a, targets)
				return nil
			}
			report, err := a.installer.Recover()
			if err != nil {
				a.logger.Warn().Err(err).Msg("Startup recovery was incomplete")
			}
			if len(report.Restored) > 0 {
				output.PrintWarning(fmt.Sprintf("Restored %d interrupted install(s)", len(report.Restored)))
			}
			return runInstall(ctx, a, targets)
		},
	}

	cmd.Flags().StringVarP(&engine, "engine", "e", "", "Install every voice of this engine")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Show what would be downloaded without installing")
	return cmd
}

func resolveTargets(a *app, args []string, engine string) ([]target, error) {
	ids := append([]string(nil), args...)
	if engine != "" {
		voices := a.registry.GetVoicesForEngine(engine)
		if len(voices) == 0 {
			return nil, fmt.Errorf("engine %q has no voices in the manifest", engine)
		}
		for _, v := range voices {
			ids = append(ids, v.ID)
		}
	}
	var targets []target
	seen := make(map[string]bool)
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		if _, err := a.registry.GetVoice(id); err == nil {
			assets, err := a.registry.AssetsForVoice(id, a.cfg.BaseDir)
			if err != nil {
				return nil, fmt.Errorf("voice %s: %w", id, err)
			}
			targets = append(targets, target{id: id, isVoice: true, assets: assets})
			continue
		}
		core, err := a.registry.GetCore(id)
		if err != nil {
			return nil, fmt.Errorf("%q is neither a voice nor a core in the manifest", id)
		}
		targets = append(targets, target{id: id, assets: []manifest.AssetSpec{manifest.AssetForCore(core, a.cfg.BaseDir)}})
	}
	return targets, nil
}

func printPlan(a *app, targets []target) {
	installed := a.installedKeys()
	for _, t := range targets {
		if t.isVoice {
			size, err := a.registry.EstimateDownloadSize(t.id, installed)
			if err != nil {
				output.PrintError(fmt.Sprintf("%s: %v", t.id, err))
				continue
			}
			output.PrintHeader(fmt.Sprintf("%s (%s to download)", t.id, humanize.IBytes(uint64(size))))
		} else {
			output.PrintHeader(t.id)
		}
		for _, spec := range t.assets {
			mark := output.FPending(output.StyleSymbols["pending"])
			if installed[spec.Key] {
				mark = output.FSuccess(output.StyleSymbols["pass"])
			}
			fmt.Printf("  %s %s %s\n", mark, spec.Key, output.FDebug(humanize.IBytes(uint64(max(spec.ExpectedSize, 0)))))
		}
	}
}

// runInstall enqueues every asset once and waits per target, so a voice is
// reported as soon as its own assets are done.
func runInstall(ctx context.Context, a *app, targets []target) error {
	queue := scheduler.New(a.cfg.Concurrency, a.logger, scheduler.WithDepthFunc(a.metrics.Pending))
	defer queue.Close()
	cancelOnSignal := context.AfterFunc(ctx, queue.Close)
	defer cancelOnSignal()

	display := output.NewManager(os.Stdout)
	feed, unsubscribe := a.store.SubscribeAll()
	display.Follow(feed)

	tickets := make(map[string]*scheduler.Ticket)
	for _, t := range targets {
		for _, spec := range t.assets {
			if _, ok := tickets[spec.Key]; ok {
				continue
			}
			display.Track(spec.Key, spec.Label)
			a.installer.Register(spec)
			a.store.MarkQueued(spec.Key)
			tickets[spec.Key] = queue.Enqueue(spec.Key, func(ctx context.Context) error {
				return a.installer.Download(ctx, spec)
			})
		}
	}
	display.StartDisplay()

	failed := make([]error, len(targets))
	var g errgroup.Group
	for i, t := range targets {
		g.Go(func() error {
			var errs []error
			for _, spec := range t.assets {
				if err := tickets[spec.Key].Wait(context.WithoutCancel(ctx)); err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", spec.Key, err))
				}
			}
			failed[i] = errors.Join(errs...)
			return nil
		})
	}
	g.Wait()
	unsubscribe()
	display.StopDisplay()

	agg := a.aggregator()
	var bad int
	for i, t := range targets {
		switch {
		case failed[i] != nil:
			bad++
			a.logger.Error().Err(failed[i]).Str("target", t.id).Msg("Install failed")
		case t.isVoice && !agg.IsVoiceReady(t.id):
			bad++
			output.PrintWarning(fmt.Sprintf("Voice %s is still not ready", t.id))
		case t.isVoice:
			output.PrintSuccess(fmt.Sprintf("Voice %s is ready", t.id))
		}
	}
	if bad > 0 {
		return fmt.Errorf("%d of %d target(s) failed; see %s for details", bad, len(targets), logLocation(a))
	}
	return nil
}

func logLocation(a *app) string {
	if a.logFile != nil {
		return a.logFile.Name()
	}
	return "the log output"
}
