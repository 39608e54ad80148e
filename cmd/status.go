package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/tanq16/voxpull/internal/output"
	"github.com/tanq16/voxpull/internal/state"
)

func newStatusCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status [VOICE]...",
		Short: "Show readiness of voices and the cores they need",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), cmd, true)
			if err != nil {
				return err
			}
			defer a.Close()

			ids := args
			if len(ids) == 0 {
				for _, v := range a.registry.Voices() {
					ids = append(ids, v.ID)
				}
			}
			agg := a.aggregator()
			states := make([]state.VoiceDownloadState, 0, len(ids))
			for _, id := range ids {
				vs, err := agg.VoiceState(id)
				if err != nil {
					return fmt.Errorf("voice %s: %w", id, err)
				}
				states = append(states, vs)
			}
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(states)
			}
			for _, vs := range states {
				printVoiceState(vs)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the voice states as JSON")
	return cmd
}

func printVoiceState(vs state.VoiceDownloadState) {
	header := fmt.Sprintf("%s %s", vs.VoiceID, output.FDebug(fmt.Sprintf("%.0f%%", vs.Progress*100)))
	switch vs.Status {
	case state.StatusReady:
		fmt.Printf("%s %s\n", output.FSuccess(output.StyleSymbols["pass"]), header)
	case state.StatusFailed:
		fmt.Printf("%s %s\n", output.FError(output.StyleSymbols["fail"]), header)
	default:
		fmt.Printf("%s %s %s\n", output.FPending(output.StyleSymbols["pending"]), header, output.FDebug(string(vs.Status)))
	}
	for _, c := range vs.Cores {
		line := fmt.Sprintf("    %s %s %s %s", output.StyleSymbols["bullet"], c.CoreID, output.FDebug(humanize.IBytes(uint64(max(c.SizeBytes, 0)))), assetStatus(c.State))
		if !c.Required {
			line += output.FDebug(" (optional)")
		}
		fmt.Println(line)
	}
	if vs.Activation != nil {
		fmt.Printf("    %s %s %s\n", output.StyleSymbols["bullet"], vs.Activation.Key, assetStatus(*vs.Activation))
	}
}

func assetStatus(st state.DownloadState) string {
	switch st.Status {
	case state.StatusReady:
		return output.FSuccess(string(st.Status))
	case state.StatusFailed:
		return output.FError(fmt.Sprintf("%s: %s", st.Status, st.Error))
	default:
		return output.FPending(string(st.Status))
	}
}
