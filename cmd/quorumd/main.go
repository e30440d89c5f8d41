// Command quorumd is the quorum orchestration daemon.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/quorumhq/quorum/internal/config"
	"github.com/quorumhq/quorum/internal/daemon"
	"github.com/quorumhq/quorum/internal/logging"
)

// Version is set at build time.
var Version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "quorumd",
	Short: "Multi-agent session orchestration daemon",
	Long: `quorumd runs agent worker subprocesses, normalizes their event
streams, persists chat history and fans live events out to WebSocket
clients. Use the quorum CLI to spawn and steer sessions.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the daemon version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(Version)
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token [client-name]",
	Short: "Mint a gateway token for a client",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		name := "cli"
		if len(args) == 1 {
			name = args[0]
		}
		token, err := daemon.MintClientToken(cfg, name)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd, tokenCmd)
}

func runDaemon() (err error) {
	defer func() {
		if r := recover(); r != nil {
			logging.CapturePanic(r, "component", "main")
			fmt.Fprintf(os.Stderr, "FATAL: unrecovered panic: %v\n", r)
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	daemon.Version = Version
	d, err := daemon.New(cfg)
	if err != nil {
		return err
	}
	defer logging.Flush(2 * time.Second)

	return d.Run()
}
