package cmd

import (
	"fmt"
	"os"

	"github.com/juststayawake/chatuser/pkg/logutil"
	"github.com/juststayawake/chatuser/pkg/version"
	"github.com/spf13/cobra"
)

var rootLogLevel string

var rootCmd = &cobra.Command{
	Use:   "chatuser",
	Short: "Metered chat relay",
	Long:  "Chat relay that checks signatures, debits account credits and streams completions as plain text.",
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.SetOut(os.Stdout)
	rootCmd.SetErr(os.Stderr)
	rootCmd.SilenceUsage = true
	rootCmd.PersistentFlags().StringVar(&rootLogLevel, "loglevel", "info", "Log level (trace, debug, info, warn, error, fatal)")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if os.Geteuid() == 0 {
			fmt.Fprintln(cmd.ErrOrStderr(), "warning: running as root")
		}
		return logutil.Configure(rootLogLevel)
	}
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print chatuser version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Detailed("chatuser"))
		},
	})
}
