// Command stmgr-link runs either end of the instance to Stream Manager link.
package main

import (
	"fmt"
	"os"
	"path"

	"github.com/spf13/cobra"

	"stmgr-link/config"
)

// Set with -ldflags "-X main.version=... -X main.gitHash=...".
var (
	version = "dev"
	gitHash = "unknown"
)

var (
	binName    = path.Base(os.Args[0])
	versionMsg = fmt.Sprintf("%s version %q (%s)\n", binName, version, gitHash)
	cfg        config.Config

	rootCmd = &cobra.Command{
		Use:           binName,
		Short:         "Heron instance to Stream Manager transport",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("config")
			loaded, err := config.Load(file,
				config.BindFlag("log.level", cmd.Flags().Lookup("log-level")),
				config.BindFlag("metrics.listen", cmd.Flags().Lookup("metrics-listen")),
			)
			if err != nil {
				return err
			}
			if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
				loaded.Log.Level = "debug"
			}
			cfg = loaded
			return nil
		},
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: fmt.Sprintf("Prints the version of %s", binName),
		// no config needed
		PersistentPreRun: func(cmd *cobra.Command, args []string) {},
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprint(cmd.OutOrStdout(), versionMsg)
		},
	}
)

func init() {
	rootCmd.AddCommand(
		versionCmd,
		newInstanceCommand(),
		newStmgrCommand(),
	)
	rootCmd.PersistentFlags().StringP("config", "c", "", "configuration file (yaml, json or toml)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "log at debug level")
	rootCmd.PersistentFlags().String("log-level", "", "log level, overrides the configuration")
	rootCmd.PersistentFlags().String("metrics-listen", "", "serve Prometheus metrics on this address")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", binName, err)
		os.Exit(1)
	}
}
