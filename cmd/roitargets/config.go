package main

import (
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/nvr-ai/go-maskrcnn/models/maskrcnn"
)

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			defer enc.Close()
			return enc.Encode(cfg)
		},
	}
}

func loadConfig(cmd *cobra.Command) (maskrcnn.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return maskrcnn.Config{}, err
	}
	return maskrcnn.LoadConfig(path)
}
