package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gogpu/gpures"
)

func newConfigCmd(opts *options, load func() (gpures.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Long: `The config command prints the configuration after merging defaults,
the config file, GPURES_* environment variables and flags.

Example:
  gpuresctl config
  gpuresctl config --config gpures.toml --json
  GPURES_POOL_MAX_BUFFERS=50 gpuresctl config`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if opts.jsonOut {
				return printJSON(cmd.OutOrStdout(), cfg)
			}
			data, err := cfg.MarshalTOML()
			if err != nil {
				return fmt.Errorf("encode config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}
