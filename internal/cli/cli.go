package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/dkrstev/promptflow/internal/log"
	internal_storage "github.com/dkrstev/promptflow/internal/storage"
	"github.com/spf13/cobra"
)

// SetupCLI registers the read-side subcommands against the shared root.
func SetupCLI(rootCmd *cobra.Command) {
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List all runs",
		Run: func(cmd *cobra.Command, args []string) {
			store := storeFromFlags(cmd)
			defer store.Close()
			runs, err := store.ListRuns()
			if err != nil {
				log.GetLogger().Errorf("Failed to list runs: %v", err)
				fmt.Fprintf(os.Stderr, "Error: failed to list runs: %v\n", err)
				os.Exit(1)
			}
			if len(runs) == 0 {
				fmt.Fprintf(os.Stdout, "No runs found.\n")
				return
			}
			fmt.Fprintf(os.Stdout, "Runs:\n")
			for _, r := range runs {
				fmt.Fprintf(os.Stdout, "- ID: %s, Status: %s, Created: %s\n",
					r.ID, r.Status, r.CreatedAt.Format(time.RFC3339))
			}
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status [id]",
		Short: "Show the status of a run",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			store := storeFromFlags(cmd)
			defer store.Close()
			run, err := store.GetRun(args[0])
			if err != nil {
				log.GetLogger().Errorf("Failed to get run %s: %v", args[0], err)
				fmt.Fprintf(os.Stderr, "Error: failed to get run %s: %v\n", args[0], err)
				os.Exit(1)
			}
			fmt.Fprintf(os.Stdout, "ID: %s\nStatus: %s\n", run.ID, run.Status)
			if run.CurrentStep != "" {
				fmt.Fprintf(os.Stdout, "Current step: %s\n", run.CurrentStep)
			}
			if len(run.Result) > 0 {
				fmt.Fprintf(os.Stdout, "Result: %s\n", run.Result)
			}
			if run.ErrorMsg != "" {
				fmt.Fprintf(os.Stdout, "Failed step: %s\nError: %s\n", run.FailedStep, run.ErrorMsg)
			}
		},
	}

	attemptsCmd := &cobra.Command{
		Use:   "attempts [id]",
		Short: "Show the step attempt history of a run",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			store := storeFromFlags(cmd)
			defer store.Close()
			attempts, err := store.ListStepAttempts(args[0])
			if err != nil {
				log.GetLogger().Errorf("Failed to list attempts for run %s: %v", args[0], err)
				fmt.Fprintf(os.Stderr, "Error: failed to list attempts: %v\n", err)
				os.Exit(1)
			}
			if len(attempts) == 0 {
				fmt.Fprintf(os.Stdout, "No attempts recorded.\n")
				return
			}
			for _, a := range attempts {
				line := fmt.Sprintf("- %s attempt %d: %s", a.StepName, a.Attempt, a.Status)
				if a.ErrorMsg != "" {
					line += " (" + a.ErrorMsg + ")"
				}
				fmt.Fprintln(os.Stdout, line)
			}
		},
	}

	gcCmd := &cobra.Command{
		Use:   "gc",
		Short: "Delete finished runs older than the retention window",
		Run: func(cmd *cobra.Command, args []string) {
			hours, err := cmd.Flags().GetInt("retention-hours")
			if err != nil || hours <= 0 {
				hours = 24
			}
			store := storeFromFlags(cmd)
			defer store.Close()
			deleted, err := store.DeleteRunsBefore(time.Now().Add(-time.Duration(hours) * time.Hour))
			if err != nil {
				log.GetLogger().Errorf("Failed to delete expired runs: %v", err)
				fmt.Fprintf(os.Stderr, "Error: failed to delete expired runs: %v\n", err)
				os.Exit(1)
			}
			fmt.Fprintf(os.Stdout, "Deleted %d run(s)\n", deleted)
		},
	}
	gcCmd.Flags().Int("retention-hours", 24, "Retention window in hours")

	rootCmd.AddCommand(listCmd, statusCmd, attemptsCmd, gcCmd)
}

func storeFromFlags(cmd *cobra.Command) *internal_storage.PostgresStore {
	dbConnStr, err := cmd.Flags().GetString("db")
	if err != nil || dbConnStr == "" {
		dbConnStr = os.Getenv("DATABASE_URL")
	}
	if dbConnStr == "" {
		fmt.Fprintln(os.Stderr, "Error: --db flag or DATABASE_URL required")
		os.Exit(1)
	}
	store, err := internal_storage.InitStore(dbConnStr)
	if err != nil {
		log.GetLogger().Errorf("Failed to initialize store: %v", err)
		os.Exit(1)
	}
	return store
}
