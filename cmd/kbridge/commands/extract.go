package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/eachlabs/kbridge/internal/protocol"
	"github.com/eachlabs/kbridge/internal/surface"
)

var (
	extractTitle   string
	extractFile    string
	extractTimeout time.Duration
)

var extractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Manage the page extraction slot",
	Long: `Manage the extraction slot that backs summary requests.

Subcommands:
  put      Store an extraction (text from --file or stdin)
  get      Show the stored extraction
  clear    Empty the slot
  send     Summarise the stored extraction`,
}

func init() {
	extractCmd.AddCommand(extractPutCmd)
	extractCmd.AddCommand(extractGetCmd)
	extractCmd.AddCommand(extractClearCmd)
	extractCmd.AddCommand(extractSendCmd)

	extractPutCmd.Flags().StringVarP(&extractTitle, "title", "t", "", "page title")
	extractPutCmd.Flags().StringVarP(&extractFile, "file", "f", "", "read the text from a file instead of stdin")
	extractSendCmd.Flags().DurationVar(&extractTimeout, "timeout", 2*time.Minute, "give up after this long")
}

func newAPI() (*surface.API, error) {
	base, tok, err := bridgeTarget()
	if err != nil {
		return nil, err
	}
	return surface.NewAPI(base, tok), nil
}

var extractPutCmd = &cobra.Command{
	Use:   "put",
	Short: "Store an extraction",
	Long: `Store page text in the extraction slot, replacing what was there.

Examples:
  kbridge extract put --title "Go memory model" --file page.txt
  curl -s https://go.dev/ref/mem | kbridge extract put -t "Go memory model"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var r io.Reader = os.Stdin
		if extractFile != "" {
			f, err := os.Open(extractFile)
			if err != nil {
				return err
			}
			defer f.Close()
			r = f
		}
		text, err := io.ReadAll(r)
		if err != nil {
			return fmt.Errorf("failed to read extraction: %w", err)
		}

		api, err := newAPI()
		if err != nil {
			return err
		}
		if err := api.PutExtraction(context.Background(), extractTitle, string(text)); err != nil {
			return err
		}
		fmt.Printf("Stored extraction (%d bytes)\n", len(text))
		return nil
	},
}

var extractGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Show the stored extraction",
	RunE: func(cmd *cobra.Command, args []string) error {
		api, err := newAPI()
		if err != nil {
			return err
		}
		e, err := api.GetExtraction(context.Background())
		if err != nil {
			return err
		}

		if jsonOut {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(e)
		}
		if e.Title != "" {
			fmt.Printf("# %s\n\n", e.Title)
		}
		fmt.Println(e.TextContent)
		return nil
	},
}

var extractClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Empty the extraction slot",
	RunE: func(cmd *cobra.Command, args []string) error {
		api, err := newAPI()
		if err != nil {
			return err
		}
		if err := api.ClearExtraction(context.Background()); err != nil {
			return err
		}
		fmt.Println("Extraction cleared")
		return nil
	},
}

var extractSendCmd = &cobra.Command{
	Use:   "send",
	Short: "Summarise the stored extraction",
	Long: `Trigger a summary of the stored extraction from the control port and
stream the summary to stdout. The summary port is taken for the duration.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), extractTimeout)
		defer cancel()

		control, err := dialSurface(ctx, protocol.RoleControl)
		if err != nil {
			return err
		}
		defer control.Close()

		// The summary streams to whichever port holds the summary role.
		summary, err := dialSurface(ctx, protocol.RoleSummary)
		if err != nil {
			return err
		}
		defer summary.Close()

		task := surface.Task{Out: os.Stdout, Err: os.Stderr}
		return task.Run(ctx, control.SendExtraction, control, summary)
	},
}
