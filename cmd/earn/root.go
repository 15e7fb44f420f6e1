package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version      = "dev"
	configPath   string
	identityFlag string
	nameFlag     string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "earn",
	Short: "IdeaQ earn - IQU mining and referral rewards",
	Long: `earn tracks the IQU rewards balance for an identity. Each confirmed user
can start a 24 hour accrual period; active referrals raise the rate by ten
percent each. The same engine backs the rewards page API (earn serve) and
the terminal commands below.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		// Default to status when no subcommand is provided
		return runStatus(cmd, args)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/ideaq/earn.yaml", "Path to configuration file")
	rootCmd.PersistentFlags().StringVarP(&identityFlag, "identity", "i", os.Getenv("EARN_IDENTITY"), "Signed-in identity (email or id); empty means guest")
	rootCmd.PersistentFlags().StringVar(&nameFlag, "name", "", "Display name of the signed-in identity")
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
