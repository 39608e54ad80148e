package cmd

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/tanq16/voxpull/internal/config"
	"github.com/tanq16/voxpull/internal/output"
	"github.com/tanq16/voxpull/internal/utils"
)

var (
	cfgFile     string
	baseDir     string
	manifestLoc string
	platform    string
	concurrency int
	debug       bool
	logConsole  bool
	natsURL     string
	metricsFile string
	headers     []string
)

var VoxpullVersion = "dev"

var rootCmd = &cobra.Command{
	Use:           "voxpull",
	Short:         "voxpull downloads and installs text-to-speech voices and their model cores",
	Version:       VoxpullVersion,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		output.PrintError(err.Error())
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "C", "", "Config file (.yaml, .yml or .toml)")
	rootCmd.PersistentFlags().StringVarP(&baseDir, "base-dir", "d", "", "Directory assets are installed into")
	rootCmd.PersistentFlags().StringVarP(&manifestLoc, "manifest", "m", "", "Manifest path or URL")
	rootCmd.PersistentFlags().StringVar(&platform, "platform", "", "Platform used to pick cores, as os or os/arch")
	rootCmd.PersistentFlags().IntVarP(&concurrency, "workers", "w", 2, "Number of assets installed in parallel")
	rootCmd.PersistentFlags().StringVar(&natsURL, "nats", "", "Publish state changes to this NATS server")
	rootCmd.PersistentFlags().StringVar(&metricsFile, "metrics-file", "", "Write Prometheus metrics to this file on exit")
	rootCmd.PersistentFlags().StringArrayVarP(&headers, "header", "H", []string{}, "Custom request headers (like 'X-Mirror: eu'); can be specified multiple times")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&logConsole, "log-console", false, "Log to stderr instead of the log file in the base directory")

	rootCmd.AddCommand(newInstallCmd())
	rootCmd.AddCommand(newRemoveCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newListCmd())
	rootCmd.AddCommand(newVerifyCmd())
	rootCmd.AddCommand(newCleanCmd())
}

// loadConfig reads the config file and lets explicitly set flags win.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return config.Config{}, err
	}
	flags := cmd.Flags()
	if flags.Changed("base-dir") {
		cfg.BaseDir = baseDir
	}
	if flags.Changed("manifest") {
		cfg.Manifest = manifestLoc
	}
	if flags.Changed("platform") {
		cfg.Platform = platform
	}
	if flags.Changed("workers") {
		cfg.Concurrency = concurrency
	}
	if flags.Changed("nats") {
		cfg.NATS.URL = natsURL
	}
	if flags.Changed("metrics-file") {
		cfg.Metrics.TextfilePath = metricsFile
	}
	if len(headers) > 0 {
		if cfg.HTTP.Headers == nil {
			cfg.HTTP.Headers = make(map[string]string)
		}
		for k, v := range utils.ParseHeaderArgs(headers) {
			cfg.HTTP.Headers[k] = v
		}
	}
	return cfg, cfg.Validate()
}
