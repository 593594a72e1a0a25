package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/eachlabs/kbridge/internal/protocol"
	"github.com/eachlabs/kbridge/internal/surface"
	"github.com/eachlabs/kbridge/internal/tui"
)

var surfaceRole string

var surfaceCmd = &cobra.Command{
	Use:   "surface",
	Short: "Open an interactive terminal surface",
	Long: `Open an interactive surface on a running bridge. The terminal takes
the port of the given role, replacing a browser surface of the same role.

Examples:
  kbridge surface --role chat
  kbridge surface --role summary
  kbridge surface --role control`,
	RunE: runSurface,
}

func init() {
	surfaceCmd.Flags().StringVarP(&surfaceRole, "role", "r", "chat", "surface role: chat, summary, control")
}

func runSurface(cmd *cobra.Command, args []string) error {
	role, err := protocol.ParseRole(surfaceRole)
	if err != nil {
		return err
	}

	base, tok, err := bridgeTarget()
	if err != nil {
		return err
	}

	client, err := surface.Dial(context.Background(), base, tok, role)
	if err != nil {
		return fmt.Errorf("failed to open %s surface: %w", role, err)
	}
	defer client.Close()

	return tui.RunSurface(client)
}
