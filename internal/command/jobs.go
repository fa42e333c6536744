package command

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"github.com/bengillin/walkietalkiebot-sub001/internal/db"
	"github.com/bengillin/walkietalkiebot-sub001/internal/types"
)

// NewJobsCmd groups the job admin subcommands.
func NewJobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and manage jobs",
	}
	cmd.AddCommand(
		newJobsListCmd(),
		newJobsShowCmd(),
		newJobsCancelCmd(),
	)
	return cmd
}

func newJobsListCmd() *cobra.Command {
	var statusFlag string
	var limitFlag int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest activity last",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			return withDatabase(configPath, func(database *sql.DB) error {
				var filter types.JobFilter
				if statusFlag != "" {
					status := types.JobStatus(statusFlag)
					filter.Status = &status
				}
				jobs, err := db.ListJobs(database, filter, limitFlag)
				if err != nil {
					return err
				}
				if len(jobs) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "no jobs")
					return nil
				}
				for _, job := range jobs {
					fmt.Fprintf(cmd.OutOrStdout(), "%s  %-9s  %s  %s\n",
						job.ID, job.Status, formatMillis(job.CreatedAt), firstLine(job.Prompt, 60))
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&statusFlag, "status", "", "filter by status")
	cmd.Flags().IntVar(&limitFlag, "limit", 20, "maximum jobs to list")

	return cmd
}

func newJobsShowCmd() *cobra.Command {
	var eventsFlag bool

	cmd := &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			return withDatabase(configPath, func(database *sql.DB) error {
				job, err := db.GetJob(database, args[0])
				if err != nil {
					return err
				}
				if job == nil {
					return fmt.Errorf("job %s not found", args[0])
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "id:      %s\n", job.ID)
				fmt.Fprintf(out, "status:  %s\n", job.Status)
				fmt.Fprintf(out, "source:  %s\n", job.Source)
				fmt.Fprintf(out, "created: %s\n", formatMillis(job.CreatedAt))
				if job.ConversationID != "" {
					fmt.Fprintf(out, "conversation: %s\n", job.ConversationID)
				}
				fmt.Fprintf(out, "prompt:  %s\n", job.Prompt)
				if job.Result != nil {
					fmt.Fprintf(out, "result:\n%s\n", *job.Result)
				}
				if job.Error != nil {
					fmt.Fprintf(out, "error:   %s\n", *job.Error)
				}

				if eventsFlag {
					events, err := db.ListEvents(database, job.ID, 0)
					if err != nil {
						return err
					}
					for _, ev := range events {
						fmt.Fprintf(out, "%6d  %-13s  %s\n", ev.ID, ev.Type, firstLine(ev.Data, 80))
					}
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&eventsFlag, "events", false, "include the event log")

	return cmd
}

// Cancellation goes through the running server, which owns the process
// handle. Reading the database alone cannot stop a live agent.
func newJobsCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a queued or running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}

			url := fmt.Sprintf("http://%s/jobs/%s/cancel", cfg.Listen, args[0])
			client := &http.Client{Timeout: 10 * time.Second}
			resp, err := client.Post(url, "application/json", nil)
			if err != nil {
				return fmt.Errorf("is the server running? %w", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				body, _ := io.ReadAll(resp.Body)
				var payload struct {
					Error string `json:"error"`
				}
				if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
					return fmt.Errorf("cancel: %s", payload.Error)
				}
				return fmt.Errorf("cancel: server returned %s", resp.Status)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "cancelled")
			return nil
		},
	}
}

func withDatabase(configPath string, fn func(*sql.DB) error) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	database, err := db.OpenDatabase(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()
	return fn(database)
}

func formatMillis(ms int64) string {
	return time.UnixMilli(ms).Local().Format("2006-01-02 15:04:05")
}

func firstLine(s string, max int) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
