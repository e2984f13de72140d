package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"lovebot/internal/config"
	"lovebot/internal/status"
)

var (
	statusAddr string
	statusJSON bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the state of a running instance",
	Long: `Query the status endpoint of a running lovebot. The address defaults
to status.addr from the config file.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr := strings.TrimSpace(statusAddr)
		if addr == "" {
			cfg, err := config.NewManager(cfgPath).Parse()
			if err != nil {
				return &exitError{code: exitConfig, err: err}
			}
			if cfg.Status == nil || !cfg.Status.Enabled {
				return &exitError{code: exitConfig, err: errors.New("status server is not enabled in the config (status.enabled)")}
			}
			addr = cfg.Status.Addr
			if addr == "" {
				addr = config.DefaultStatusAddr
			}
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
		defer cancel()
		st, err := status.Fetch(ctx, addr)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if statusJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(st)
		}
		fmt.Fprintf(out, "state:      %s\n", st.State)
		fmt.Fprintf(out, "cadence:    %s\n", st.Cadence)
		if st.NextSlot != "" {
			fmt.Fprintf(out, "next slot:  %s (wake %s)\n", st.NextSlot, st.NextWake.Format(time.RFC3339))
		}
		if st.Last != nil {
			fmt.Fprintf(out, "last:       %s %s after %d attempt(s)\n", st.Last.SlotID, st.Last.Status, st.Last.Attempts)
		}
		fmt.Fprintf(out, "delivered:  %d  abandoned: %d  skipped: %d  retries: %d\n", st.Delivered, st.Abandoned, st.Skipped, st.Retries)
		for _, s := range st.Suspended {
			fmt.Fprintf(out, "retrying:   %s attempt %d at %s: %s\n", s.SlotID, s.Attempts+1, s.NextRetryAt.Format(time.RFC3339), s.LastError)
		}
		for _, task := range st.Tasks {
			state := "stopped"
			if task.Running {
				state = "running"
			}
			line := fmt.Sprintf("task:       %s %s restarts=%d", task.Name, state, task.Restarts)
			if task.LastErr != "" {
				line += " last_err=" + task.LastErr
			}
			fmt.Fprintln(out, line)
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusAddr, "addr", "", "status server address (host:port)")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print raw JSON")
}
