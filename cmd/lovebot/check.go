package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"lovebot/internal/compose"
	"lovebot/internal/config"
	"lovebot/internal/schedule"
)

var checkCount int

var checkCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate the config and print the upcoming slots",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.LoadDotEnv(envPath); err != nil {
			return &exitError{code: exitConfig, err: err}
		}
		m := config.NewManager(cfgPath)
		cfg, r, err := m.Load()
		if err != nil {
			return &exitError{code: exitConfig, err: err}
		}
		n, err := compose.NewRotation(cfg.Messages.List, cfg.Messages.File, nil).Count()
		if err != nil {
			return &exitError{code: exitConfig, err: err}
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "config ok: %s\n", m.Path())
		fmt.Fprintf(out, "cadence:   %s\n", r.Cadence)
		fmt.Fprintf(out, "transport: %s (max %d attempts, backoff %s..%s)\n", r.Transport, r.Retry.MaxRetries, r.Retry.Base, r.Retry.Cap)
		fmt.Fprintf(out, "storage:   %s %s\n", r.StorageDriver, r.StoragePath)
		fmt.Fprintf(out, "messages:  %d\n", n)

		after := time.Now()
		for i := 0; i < checkCount; i++ {
			d := schedule.NextDue(r.Cadence, after, nil)
			if d.Slot.IsZero() {
				fmt.Fprintln(out, "  (no further slots)")
				break
			}
			fmt.Fprintf(out, "  %s  (%s)\n", d.Slot.ID, d.Slot.DueAt.In(r.Cadence.Location).Format("Mon 2006-01-02 15:04:05 MST"))
			after = d.Slot.DueAt
		}
		return nil
	},
}

func init() {
	checkCmd.Flags().IntVarP(&checkCount, "next", "n", 5, "number of upcoming slots to print")
}
