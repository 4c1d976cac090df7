// Package cmd provides the command-line interface of shadowctl.
package cmd

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"
)

var (
	serverAddr string
	verbose    bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "shadowctl",
	Short: "shadowctl runs and controls shadow page-table sandboxes.",
	Long: `shadowctl runs shadow page-table sandboxes on an in-memory ` +
		`machine and serves their state over HTTP. The other commands ` +
		`talk to a running sandbox.`,
	SilenceUsage: true,
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		if verbose {
			logrus.SetLevel(logrus.DebugLevel)
		}
	},
}

// Execute adds all child commands to the root command and sets flags
// appropriately.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		atexit.Exit(1)
	}

	atexit.Exit(0)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr",
		envString("SHADOWCTL_ADDR", "localhost:8080"),
		"Address of the sandbox monitor")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"Log debug messages")

	rootCmd.SetOut(os.Stdout)
}
