package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nhle/jobmail/internal/model"
)

var (
	version = "dev"
	commit  = "none"
)

var (
	configPathFlag string
	logLevelFlag   string
)

var rootCmd = &cobra.Command{
	Use:   "jobmail",
	Short: "Import job postings from a mailbox",
	Long: `jobmail connects to a user's mailbox over IMAP or POP3, picks out
job alert emails, extracts the posting details and stores them locally.`,
	Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPathFlag, "config", model.DefaultConfigPath(), "Path to the YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Override the configured log level (debug, info, warn, error)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(testConnectionCmd)
	rootCmd.AddCommand(configureCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(jobsCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
