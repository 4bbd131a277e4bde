package main

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/hyperifyio/searchd/internal/app"
)

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configPath string
	envFiles   []string
	verbose    bool
	logFormat  string
	tracing    string

	cfg app.Config
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	cmd := &cobra.Command{
		Use:   "searchd",
		Short: "Multi-provider web search aggregation service",
		Long: `searchd queries several web search providers at once, merges and
de-duplicates their results and reports per-provider status.

Run 'searchd serve' to expose the search, list_providers and fetch_page
tools to an MCP client over stdio.`,
		Version:       app.VersionString(),
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.load(cmd)
		},
	}
	cmd.SetVersionTemplate("searchd {{.Version}}\n")

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to a YAML or JSON config file")
	cmd.PersistentFlags().StringSliceVar(&opts.envFiles, "env-file", app.DefaultEnvFiles, "Dotenv files to load before reading the environment")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Debug logging")
	cmd.PersistentFlags().StringVar(&opts.logFormat, "log-format", "", "Log format: console or json")
	cmd.PersistentFlags().StringVar(&opts.tracing, "tracing", "", "Span exporter: none or stdout")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newSearchCmd(opts))
	cmd.AddCommand(newProvidersCmd(opts))
	return cmd
}

// load resolves configuration with precedence flags > env > file > defaults
// and sets up logging.
func (o *globalOptions) load(cmd *cobra.Command) error {
	if err := app.LoadEnvFiles(o.envFiles...); err != nil {
		return fmt.Errorf("load env files: %w", err)
	}
	cfg, err := app.Load(o.configPath)
	if err != nil {
		return err
	}
	if o.verbose {
		cfg.Verbose = true
	}
	if o.logFormat != "" {
		cfg.LogFormat = o.logFormat
	}
	if o.tracing != "" {
		cfg.TracingExporter = o.tracing
	}
	app.SetupLogging(cmd.ErrOrStderr(), cfg.Verbose, cfg.LogFormat)
	log.Debug().Str("config", o.configPath).Str("version", app.BuildVersion).Msg("configuration loaded")
	o.cfg = cfg
	return nil
}
