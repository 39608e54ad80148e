package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tanq16/voxpull/internal/classify"
	"github.com/tanq16/voxpull/internal/output"
	"github.com/tanq16/voxpull/internal/validate"
)

func newVerifyCmd() *cobra.Command {
	var sourceURL string
	var size int64
	var sum string

	cmd := &cobra.Command{
		Use:   "verify [FILE]",
		Short: "Run download and archive validation against a local file",
		Long: `Run download and archive validation against a local file.

The URL decides which archive format is expected, exactly as during an
install. Nothing is extracted.

Examples:
  voxpull verify ./kokoro.tar.gz --url https://host/kokoro-v1.tar.gz
  voxpull verify ./model.zip --url https://host/model.zip --sha256 9f86d0...`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			path := args[0]
			if sourceURL == "" {
				sourceURL = path
			}
			v := validate.New(cfg.ValidationLimits())
			res := v.ValidateDownload(path, sourceURL, size, sum)
			if res.OK && res.Format.IsArchive() {
				archive := v.ValidateArchive(path, res.Format)
				archive.SHA256 = res.SHA256
				res = archive
			}
			if !res.OK {
				ec := classify.New().Classify(path, path, res.Err)
				output.PrintError(ec.UserMessage)
				output.PrintDetail(ec.TechnicalDetails)
				return errors.New("validation failed")
			}
			msg := fmt.Sprintf("%s passed validation as %s", path, res.Format)
			if res.Format.IsArchive() {
				msg += fmt.Sprintf(" (%d entries)", res.Entries)
			}
			output.PrintSuccess(msg)
			if res.SHA256 != "" {
				output.PrintDetail("sha256 " + res.SHA256)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&sourceURL, "url", "u", "", "URL the file was downloaded from (defaults to the file name)")
	cmd.Flags().Int64Var(&size, "size", 0, "Expected size in bytes")
	cmd.Flags().StringVar(&sum, "sha256", "", "Expected SHA-256 checksum")
	return cmd
}
