package cmd

import (
	"strings"

	"github.com/javi11/httpvfs/internal/slogutil"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:          "httpvfs",
	Short:        "Query remote SQLite databases over HTTP, or serve local ones",
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		slogutil.Setup(slogutil.Config{
			Level:      viper.GetString("log-level"),
			File:       viper.GetString("log-file"),
			MaxSizeMB:  10,
			MaxBackups: 3,
		})
	},
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-file", "", "optional log file, size-rotated")

	viper.SetEnvPrefix("HTTPVFS")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	_ = viper.BindPFlags(rootCmd.PersistentFlags())
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}
