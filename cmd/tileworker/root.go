package main

import (
	"github.com/spf13/cobra"

	"tilewire/config"
)

// commandContext loads the configuration once for whichever command runs.
type commandContext struct {
	configPath *string
	cfg        *config.Config
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	if c.cfg != nil {
		return c.cfg, nil
	}
	cfg := config.Default()
	if *c.configPath != "" {
		loaded, err := config.Load(*c.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := cfg.ApplyLogging(); err != nil {
		return nil, err
	}
	c.cfg = cfg
	return cfg, nil
}

func newRootCommand() *cobra.Command {
	var configFlag string
	ctx := &commandContext{configPath: &configFlag}

	rootCmd := &cobra.Command{
		Use:           "tileworker",
		Short:         "Decode image tiles on worker processes",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_, err := ctx.ensureConfig()
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Configuration file path")

	rootCmd.AddCommand(newServeCommand(ctx))
	rootCmd.AddCommand(newDecodeCommand(ctx))
	return rootCmd
}
