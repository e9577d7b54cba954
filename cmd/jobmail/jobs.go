package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nhle/jobmail/internal/model"
	"github.com/nhle/jobmail/internal/store"
)

var (
	jobsPlatformFlag string
	jobsQueryFlag    string
	jobsLimitFlag    int
)

var jobsCmd = &cobra.Command{
	Use:   "jobs <user-id>",
	Short: "List stored job postings",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobs,
}

var applyCmd = &cobra.Command{
	Use:   "apply <user-id> <job-id>",
	Short: "Mark a job posting as applied",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		return a.store.SetJobStatus(cmd.Context(), args[0], args[1], model.JobStatusApplied)
	},
}

func init() {
	jobsCmd.Flags().StringVar(&jobsPlatformFlag, "platform", "", "Only show jobs from this platform")
	jobsCmd.Flags().StringVar(&jobsQueryFlag, "query", "", "Search title and company")
	jobsCmd.Flags().IntVar(&jobsLimitFlag, "limit", 50, "Maximum number of jobs to list")
	jobsCmd.AddCommand(applyCmd)
}

func runJobs(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	filter := store.JobFilter{SortDesc: true, Limit: jobsLimitFlag}
	if jobsPlatformFlag != "" {
		p := model.ParsePlatform(jobsPlatformFlag)
		filter.Platform = &p
	}
	if jobsQueryFlag != "" {
		filter.Query = &jobsQueryFlag
	}

	jobs, err := a.store.GetJobs(cmd.Context(), args[0], filter)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPOSTED\tPLATFORM\tTITLE\tCOMPANY\tLOCATION\tSTATUS")
	for _, j := range jobs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			j.ID, j.PostedAt.Format("2006-01-02"), j.Platform,
			j.Title, j.Company, j.Location, j.Status)
	}
	return w.Flush()
}
