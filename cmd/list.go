package cmd

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/tanq16/voxpull/internal/manifest"
	"github.com/tanq16/voxpull/internal/output"
)

func newListCmd() *cobra.Command {
	var engine string
	var cores bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List voices (or cores) in the manifest",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), cmd, true)
			if err != nil {
				return err
			}
			defer a.Close()
			installed := a.installedKeys()

			if cores {
				list := a.registry.Cores()
				if engine != "" {
					list = a.registry.GetCoresForEngine(engine)
				}
				for _, c := range list {
					mark := output.FPending(output.StyleSymbols["pending"])
					if installed[c.ID] {
						mark = output.FSuccess(output.StyleSymbols["pass"])
					}
					fmt.Printf("%s %s %s %s\n", mark, c.ID, output.FDebug(humanize.IBytes(uint64(max(c.SizeBytes, 0)))), output.FDetail(c.Platform))
				}
				return nil
			}

			var voices []manifest.VoiceSpec
			if engine != "" {
				voices = a.registry.GetVoicesForEngine(engine)
			} else {
				voices = a.registry.Voices()
			}
			agg := a.aggregator()
			for _, v := range voices {
				mark := output.FPending(output.StyleSymbols["pending"])
				detail := ""
				if agg.IsVoiceReady(v.ID) {
					mark = output.FSuccess(output.StyleSymbols["pass"])
				} else if size, err := a.registry.EstimateDownloadSize(v.ID, installed); err == nil {
					detail = output.FDebug(humanize.IBytes(uint64(size)) + " to download")
				} else {
					detail = output.FError("unavailable on " + a.registry.Platform())
				}
				name := v.ID
				if v.DisplayName != "" {
					name = fmt.Sprintf("%s (%s)", v.ID, v.DisplayName)
				}
				fmt.Printf("%s %s %s %s\n", mark, name, output.FDetail(v.Language+" "+v.EngineID), detail)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&engine, "engine", "e", "", "Only show entries for this engine")
	cmd.Flags().BoolVar(&cores, "cores", false, "List cores instead of voices")
	return cmd
}
