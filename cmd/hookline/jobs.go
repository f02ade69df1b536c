package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/hookline/internal/queue"
	"github.com/mattjoyce/hookline/internal/storage"
)

// jobView is the JSON shape workers read from `jobs next`.
type jobView struct {
	ID          string          `json:"id"`
	Source      string          `json:"source"`
	EventType   string          `json:"event_type"`
	EventID     string          `json:"event_id,omitempty"`
	Status      string          `json:"status"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"max_attempts"`
	CreatedAt   time.Time       `json:"created_at"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

func newJobView(j *queue.Job) jobView {
	v := jobView{
		ID:          j.ID,
		Source:      j.Source,
		EventType:   j.EventType,
		Status:      string(j.Status),
		Attempt:     j.Attempt,
		MaxAttempts: j.MaxAttempts,
		CreatedAt:   j.CreatedAt,
		Payload:     j.Payload,
	}
	if j.SourceEventID != nil {
		v.EventID = *j.SourceEventID
	}
	return v
}

func newJobsCmd(root *rootOptions) *cobra.Command {
	var dbPath string
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Take and settle forwarded events from the job queue",
		Long: "Accepted events are forwarded to the job queue. Downstream workers take the\n" +
			"oldest with `jobs next` and report the result with `jobs done`.",
	}
	cmd.PersistentFlags().StringVar(&dbPath, "db", "", "Override state.path")

	// openQueue opens only the SQLite file; the ledger backends are not needed.
	openQueue := func(cmd *cobra.Command) (*queue.Queue, func(), error) {
		cfg, err := root.load()
		if err != nil {
			return nil, nil, err
		}
		if dbPath != "" {
			cfg.State.Path = dbPath
		}
		db, err := storage.OpenSQLite(cmd.Context(), cfg.State.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("open database %s: %w", cfg.State.Path, err)
		}
		return queue.New(db), func() { _ = db.Close() }, nil
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "depth",
		Short: "Print the number of queued jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q, closeDB, err := openQueue(cmd)
			if err != nil {
				return err
			}
			defer closeDB()
			n, err := q.Depth(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), n)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "next",
		Short: "Take the oldest queued job and print it as JSON",
		Long:  "Marks the job running. Prints nothing when the queue is empty.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q, closeDB, err := openQueue(cmd)
			if err != nil {
				return err
			}
			defer closeDB()
			job, err := q.Dequeue(cmd.Context())
			if err != nil {
				return err
			}
			if job == nil {
				return nil
			}
			data, err := json.Marshal(newJobView(job))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	})

	var status, lastError string
	done := &cobra.Command{
		Use:   "done <job-id>",
		Short: "Record the terminal status of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, closeDB, err := openQueue(cmd)
			if err != nil {
				return err
			}
			defer closeDB()
			var errMsg *string
			if lastError != "" {
				errMsg = &lastError
			}
			if err := q.Complete(cmd.Context(), args[0], queue.Status(status), errMsg); err != nil {
				return fmt.Errorf("complete job %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "job %s %s\n", args[0], status)
			return nil
		},
	}
	done.Flags().StringVar(&status, "status", string(queue.StatusSucceeded), "Terminal status: succeeded, failed or dead")
	done.Flags().StringVar(&lastError, "error", "", "Failure detail recorded with the job")
	cmd.AddCommand(done)

	return cmd
}
