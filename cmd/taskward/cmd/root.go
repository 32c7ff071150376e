package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var envFile string

var rootCmd = &cobra.Command{
	Use:   "taskward",
	Short: "Taskward is a multi-user task tracking service",
	Long: `A task tracking API with JWT sessions, email two-factor login,
token revocation and overdue task reminders.`,
	SilenceUsage: true,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Optional dotenv file loaded beneath the environment")
}
