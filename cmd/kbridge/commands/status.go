package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/eachlabs/kbridge/internal/tui"
)

var (
	statusWatch    bool
	statusInterval time.Duration
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show bridge status",
	Long: `Show the host link state, attached surfaces and the last task.

Examples:
  kbridge status
  kbridge status --json
  kbridge status --watch`,
	RunE: func(cmd *cobra.Command, args []string) error {
		api, err := newAPI()
		if err != nil {
			return err
		}
		if statusWatch {
			return tui.RunDashboard(api, statusInterval)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		s, err := api.Status(ctx)
		if err != nil {
			return fmt.Errorf("bridge not reachable: %w", err)
		}

		if jsonOut {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(s)
		}

		roles := make([]string, 0, len(s.Attached))
		for _, r := range s.Attached {
			roles = append(roles, string(r))
		}
		attached := strings.Join(roles, ", ")
		if attached == "" {
			attached = "-"
		}

		fmt.Printf("Session:     %s\n", s.Session)
		fmt.Printf("Host link:   %s", s.Link)
		if s.ReconnectAttempts > 0 {
			fmt.Printf(" (attempt %d)", s.ReconnectAttempts)
		}
		fmt.Println()
		fmt.Printf("Surfaces:    %s\n", attached)
		if s.Task != nil {
			fmt.Printf("Last task:   %s from %s (%s)\n", s.Task.Task, s.Task.Role, s.Task.Status)
		}
		if s.Parked > 0 {
			fmt.Printf("Waiting:     %d request(s)\n", s.Parked)
		}
		if !s.Health.LastProbe.IsZero() {
			fmt.Printf("Last ping:   %s at %s\n", s.Health.LastResult, s.Health.LastProbe.Format(time.TimeOnly))
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().BoolVarP(&statusWatch, "watch", "w", false, "open a live dashboard")
	statusCmd.Flags().DurationVar(&statusInterval, "interval", time.Second, "dashboard refresh interval")
}
