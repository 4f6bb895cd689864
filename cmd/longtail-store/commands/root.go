// Package commands implements the longtail-store CLI commands.
package commands

import (
	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "longtail-store",
	Short: "Inspect and exercise a content-addressed block store",
	Long: `longtail-store drives a single FSBlockStore (optionally fronted by a
CacheBlockStore) from the command line: store a block, fetch one back by
hash, print its counters, or force a flush of pending writes.

Use "longtail-store [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./longtail.yaml)")
	rootCmd.AddCommand(putCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(statCmd)
	rootCmd.AddCommand(flushCmd)
	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

// GetConfigFile returns the config file path from the global flag.
func GetConfigFile() string {
	return cfgFile
}
