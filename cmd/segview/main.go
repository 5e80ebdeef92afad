package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"segview/internal/logger"
	"segview/pkg/config"
)

var (
	// Global flags
	configPath string
	verbose    bool

	cfg *config.Config
	log logger.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "segview",
	Short: "Render live segmentation predictions over volumetric images",
	Long: `segview trains a segmenter on a sparsely labeled image stack and shows its
prediction as a colored overlay. Tiles of the prediction are computed on demand
by a shared worker pool; slices are written once every visible tile is ready.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == initConfigCmd.Name() {
			return nil
		}

		var err error
		cfg, err = config.LoadConfig(configPath)
		if err != nil {
			return err
		}
		if verbose {
			cfg.Logging.Level = "debug"
		}

		level := logger.ParseLevel(cfg.Logging.Level)
		if cfg.Logging.Console {
			log = logger.NewConsoleLogger(level)
		} else {
			log = logger.NewZerolog(os.Stderr, level)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "segview.yaml", "Configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(renderCmd, watchCmd, initConfigCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
