package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "dev"

func newRootCmd() *cobra.Command {
	var debug bool

	rootCmd := &cobra.Command{
		Use:   "roitargets",
		Short: "Sample Mask R-CNN head training targets from annotated proposals",
		Long: `roitargets runs the Mask R-CNN head-target sampler over a directory of
samples (JSON or YAML files with image_size, proposals and instances) and
prints the sampled ROIs per image.

Configuration is read from --config and MASKRCNN_* environment variables:
  MASKRCNN_TRAIN_ROIS_PER_IMAGE=128 roitargets sample --input ./samples
Array keys take comma separated values:
  MASKRCNN_MASK_SHAPE=14,14 roitargets config`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
			if debug {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
				log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
			} else {
				zerolog.SetGlobalLevel(zerolog.InfoLevel)
				log.Logger = log.Output(os.Stderr)
			}
		},
	}
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().String("config", "", "Path to a YAML configuration file")

	rootCmd.AddCommand(newSampleCmd())
	rootCmd.AddCommand(newConfigCmd())
	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
