package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/eachlabs/kbridge/internal/config"
)

var (
	cfgFile   string
	verbose   bool
	jsonOut   bool
	serverURL string
	token     string
)

var rootCmd = &cobra.Command{
	Use:   "kbridge",
	Short: "kbridge - browser to local inference host bridge",
	Long: `kbridge relays chat, summary and control traffic between browser
extension surfaces and a local inference host.

  kbridge serve            Run the bridge
  kbridge surface --role   Open a terminal surface
  kbridge send <text>      One-shot chat or summary request
  kbridge verify           Ping the host
  kbridge extract          Manage the extraction slot
  kbridge status           Show bridge status
  kbridge config           Manage configuration`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			os.Setenv("KBRIDGE_CONFIG", cfgFile)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.kbridge/config.toml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "output as JSON")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "bridge URL (default: from config)")
	rootCmd.PersistentFlags().StringVar(&token, "token", "", "bridge token (default: from config)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(surfaceCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(extractCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

func Execute(ver string) error {
	version = ver
	return rootCmd.Execute()
}

var version string

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("kbridge %s\n", version)
	},
}

// bridgeTarget resolves the bridge URL and token from flags, then config.
func bridgeTarget() (string, string, error) {
	base, tok := serverURL, token
	if base != "" && tok != "" {
		return base, tok, nil
	}

	cfg, err := config.Load()
	if err != nil {
		return "", "", fmt.Errorf("failed to load config: %w", err)
	}
	if base == "" {
		base = "http://" + cfg.Addr()
	}
	if tok == "" {
		tok = cfg.Server.Token
	}
	return base, tok, nil
}
