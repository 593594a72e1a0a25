package commands

import (
	"context"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/eachlabs/kbridge/internal/protocol"
	"github.com/eachlabs/kbridge/internal/surface"
)

var verifyTimeout time.Duration

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check that the inference host is alive",
	Long: `Ask the bridge to ping the host over the control port. When the host
is not connected the bridge reports ping_failed and starts connecting.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), verifyTimeout)
		defer cancel()

		control, err := dialSurface(ctx, protocol.RoleControl)
		if err != nil {
			return err
		}
		defer control.Close()

		task := surface.Task{Out: os.Stdout, Err: os.Stderr}
		return task.Run(ctx, control.Verify, control)
	},
}

func init() {
	verifyCmd.Flags().DurationVar(&verifyTimeout, "timeout", 15*time.Second, "give up after this long")
}
