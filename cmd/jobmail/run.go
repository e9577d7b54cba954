package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

var runAllFlag bool

var runCmd = &cobra.Command{
	Use:   "run [user-id]",
	Short: "Run one ingestion cycle",
	Long: `Run fetches new messages for a user's mailbox, extracts job postings and
stores them. With --all every active mailbox is processed.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runIngestion,
}

func init() {
	runCmd.Flags().BoolVar(&runAllFlag, "all", false, "Process every active mailbox")
}

func runIngestion(cmd *cobra.Command, args []string) error {
	if !runAllFlag && len(args) == 0 {
		return fmt.Errorf("a user id is required unless --all is set")
	}

	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	if !runAllFlag {
		res, err := a.runner.RunIngestion(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		printResult(args[0], res)
		return nil
	}

	results, err := a.runner.RunAll(cmd.Context())
	if err != nil {
		return err
	}
	users := make([]string, 0, len(results))
	for id := range results {
		users = append(users, id)
	}
	sort.Strings(users)
	for _, id := range users {
		printResult(id, results[id])
	}
	return nil
}
