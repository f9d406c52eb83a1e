package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/knowledgeforge/ragsync/internal/ragsync"
)

func newStatusCommand() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Query the status API of a running watch process",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			base := addr
			if !strings.Contains(base, "://") {
				base = "http://" + base
			}
			base = strings.TrimRight(base, "/")

			client := &http.Client{Timeout: 10 * time.Second}
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, base+"/v1/status", nil)
			if err != nil {
				return err
			}
			resp, err := client.Do(req)
			if err != nil {
				return fmt.Errorf("query status api: %w", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("status api returned %s", resp.Status)
			}

			var status struct {
				Project   string             `json:"project"`
				StartedAt time.Time          `json:"startedAt"`
				RunsTotal int                `json:"runsTotal"`
				LastRun   *ragsync.RunReport `json:"lastRun"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "project: %s\n", status.Project)
			fmt.Fprintf(out, "watching since: %s\n", status.StartedAt.Format(time.RFC3339))
			fmt.Fprintf(out, "runs: %d\n", status.RunsTotal)
			if status.LastRun != nil {
				fmt.Fprintf(out, "last run:\n%s", status.LastRun.RenderText())
			} else {
				fmt.Fprintln(out, "last run: none yet")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:7423", "address of the watch process status API")
	return cmd
}
