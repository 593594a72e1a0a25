package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/eachlabs/kbridge/internal/protocol"
	"github.com/eachlabs/kbridge/internal/surface"
)

var (
	sendRole    string
	sendFollow  bool
	sendTimeout time.Duration
	sendQuiet   bool
)

var sendCmd = &cobra.Command{
	Use:   "send [text]",
	Short: "Send a one-shot request",
	Long: `Send one request to the host and stream the reply to stdout.
Reads the text from stdin when no argument is given.

Examples:
  kbridge send "what is a goroutine?"
  kbridge send --follow "and a channel?"
  echo "make it shorter" | kbridge send --role summary`,
	RunE: runSend,
}

func init() {
	sendCmd.Flags().StringVarP(&sendRole, "role", "r", "chat", "surface role: chat or summary")
	sendCmd.Flags().BoolVarP(&sendFollow, "follow", "f", false, "continue the current chat instead of starting a new one")
	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", 2*time.Minute, "give up after this long")
	sendCmd.Flags().BoolVarP(&sendQuiet, "quiet", "q", false, "hide status updates")
}

func runSend(cmd *cobra.Command, args []string) error {
	role, err := protocol.ParseRole(sendRole)
	if err != nil {
		return err
	}

	text := strings.Join(args, " ")
	if text == "" {
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("failed to read stdin: %w", err)
		}
		text = strings.TrimSpace(string(b))
	}
	if text == "" {
		return fmt.Errorf("nothing to send")
	}

	req, err := buildRequest(role, text, sendFollow)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	client, err := dialSurface(ctx, role)
	if err != nil {
		return err
	}
	defer client.Close()

	task := surface.Task{Out: os.Stdout, Err: os.Stderr, Quiet: sendQuiet}
	return task.Run(ctx, func() error { return client.Request(req) }, client)
}

func buildRequest(role protocol.Role, text string, follow bool) (protocol.Request, error) {
	switch role {
	case protocol.RoleChat:
		status := protocol.StatusNewChat
		if follow {
			status = protocol.StatusOldChat
		}
		return protocol.Request{Status: status, Task: protocol.TaskChat, Text: text}, nil
	case protocol.RoleSummary:
		return protocol.Request{Status: protocol.StatusOldChat, Task: protocol.TaskSummariseFurther, Text: text}, nil
	default:
		return protocol.Request{}, fmt.Errorf("send does not support the %s role", role)
	}
}

func dialSurface(ctx context.Context, role protocol.Role) (*surface.Client, error) {
	base, tok, err := bridgeTarget()
	if err != nil {
		return nil, err
	}
	client, err := surface.Dial(ctx, base, tok, role)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s surface: %w", role, err)
	}
	return client, nil
}
