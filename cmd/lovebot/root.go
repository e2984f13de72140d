package main

import (
	"github.com/spf13/cobra"
)

var (
	cfgPath string
	envPath string
)

var rootCmd = &cobra.Command{
	Use:   "lovebot",
	Short: "lovebot - scheduled messages, delivered exactly once",
	Long: `lovebot sends a message from a rotating list on a fixed cadence.
Every due slot is recorded, so restarts never send a slot twice and
failed sends are retried with backoff.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./config.yaml", "path to config file (JSON or YAML)")
	rootCmd.PersistentFlags().StringVar(&envPath, "env-file", ".env", "dotenv file loaded before the config")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(versionCmd)
}
