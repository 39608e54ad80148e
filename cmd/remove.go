package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tanq16/voxpull/internal/manifest"
	"github.com/tanq16/voxpull/internal/output"
)

func newRemoveCmd() *cobra.Command {
	var withCores bool

	cmd := &cobra.Command{
		Use:   "remove [VOICE|KEY]...",
		Short: "Remove installed assets",
		Long: `Remove installed assets and any partial downloads they left behind.

A voice id removes the voice's own model file. With --with-cores the cores
it requires are removed as well, unless another installed voice needs them.
Any other argument is treated as an asset key.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), cmd, manifestConfigured(cmd))
			if err != nil {
				return err
			}
			defer a.Close()

			keys := removalKeys(a, args, withCores)
			var errs []error
			for _, key := range keys {
				if err := a.installer.Delete(key); err != nil {
					output.PrintError(fmt.Sprintf("Could not remove %s: %v", key, err))
					errs = append(errs, err)
					continue
				}
				output.PrintSuccess(fmt.Sprintf("Removed %s", key))
			}
			return errors.Join(errs...)
		},
	}

	cmd.Flags().BoolVar(&withCores, "with-cores", false, "Also remove cores no other installed voice needs")
	return cmd
}

// manifestConfigured lets remove work on bare keys without a manifest.
func manifestConfigured(cmd *cobra.Command) bool {
	cfg, err := loadConfig(cmd)
	return err == nil && cfg.Manifest != ""
}

func removalKeys(a *app, args []string, withCores bool) []string {
	var keys []string
	seen := make(map[string]bool)
	add := func(key string) {
		if !seen[key] {
			seen[key] = true
			keys = append(keys, key)
		}
	}
	removing := make(map[string]bool)
	for _, arg := range args {
		if a.registry == nil {
			add(arg)
			continue
		}
		voice, err := a.registry.GetVoice(arg)
		if err != nil {
			add(arg)
			continue
		}
		removing[voice.ID] = true
		if voice.ModelURL != "" {
			add(manifest.VoiceAssetKey(voice))
		}
	}
	if !withCores || a.registry == nil {
		return keys
	}

	agg := a.aggregator()
	inUse := make(map[string]bool)
	for _, voice := range a.registry.Voices() {
		if removing[voice.ID] || !agg.IsVoiceReady(voice.ID) {
			continue
		}
		cores, err := a.registry.GetCoresForVoice(voice.ID)
		if err != nil {
			continue
		}
		for _, core := range cores {
			inUse[core.ID] = true
		}
	}
	for id := range removing {
		cores, err := a.registry.GetCoresForVoice(id)
		if err != nil {
			continue
		}
		for _, core := range cores {
			if inUse[core.ID] {
				output.PrintInfo(fmt.Sprintf("Keeping %s, still used by another voice", core.ID))
				continue
			}
			add(core.ID)
		}
	}
	return keys
}
