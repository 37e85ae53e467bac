package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	bbolt "go.etcd.io/bbolt"

	"github.com/fastygo/taskboard/domain"
	"github.com/fastygo/taskboard/internal/config"
	"github.com/fastygo/taskboard/internal/infrastructure/boltdb"
	"github.com/fastygo/taskboard/repository/bolt"
)

type storeOptions struct {
	path        string
	lockTimeout time.Duration
}

func (o *storeOptions) open() (*bbolt.DB, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	storeCfg := cfg.Store
	if o.path != "" {
		storeCfg.Path = o.path
	}
	if o.lockTimeout > 0 {
		storeCfg.LockTimeout = o.lockTimeout
	}
	storeCfg.ReadOnly = true
	return boltdb.Open(storeCfg, nil)
}

func tasksCmd(opts *storeOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List local tasks, newest first, with their card size",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := opts.open()
			if err != nil {
				return err
			}
			defer db.Close()

			tasks, err := bolt.NewTaskStore(db).ListByRecency(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), tasks)
			}
			return printTasks(cmd.OutOrStdout(), tasks, time.Now())
		},
	}
	cmd.Flags().BoolVarP(&asJSON, "json", "j", false, "Output as JSON")
	return cmd
}

func queueCmd(opts *storeOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect pending mutations",
	}

	var asJSON bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List pending mutations in drain order",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := opts.open()
			if err != nil {
				return err
			}
			defer db.Close()

			entries, err := bolt.NewMutationQueue(db).ListPending(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), entries)
			}
			return printQueue(cmd.OutOrStdout(), entries)
		},
	}
	list.Flags().BoolVarP(&asJSON, "json", "j", false, "Output as JSON")

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Summarize the queue and task sync states",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := opts.open()
			if err != nil {
				return err
			}
			defer db.Close()

			summary, err := collectStats(cmd.Context(), db)
			if err != nil {
				return err
			}
			summary.print(cmd.OutOrStdout())
			return nil
		},
	}

	cmd.AddCommand(list, stats)
	return cmd
}

func verifyCmd(opts *storeOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Run the BoltDB consistency check",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := opts.open()
			if err != nil {
				return err
			}
			defer db.Close()

			if err := boltdb.Verify(db); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
}

func printTasks(w io.Writer, tasks []domain.Task, today time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTITLE\tDEADLINE\tIMP\tSIZE\tSTATUS\tSYNC\tVERSION")
	for _, t := range tasks {
		sync := string(t.SyncState)
		if t.SyncError != "" {
			sync += " (" + t.SyncError + ")"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%.2f\t%s\t%s\t%d\n",
			t.ID, t.Title, t.Deadline, t.Importance,
			domain.Size(t.Deadline, t.Importance, today),
			t.Status, sync, t.Version)
	}
	return tw.Flush()
}

func printQueue(w io.Writer, entries []domain.Mutation) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTASK\tTYPE\tENQUEUED\tRETRIES\tLAST ERROR")
	for _, m := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
			m.ID, m.TaskID, m.Type, m.Timestamp.Format(time.RFC3339), m.RetryCount, m.Error)
	}
	return tw.Flush()
}

type stats struct {
	Tasks     int
	SyncState map[domain.SyncState]int
	Queued    int
	ByType    map[domain.MutationType]int
	Retrying  int
	Oldest    time.Time
}

func collectStats(ctx context.Context, db *bbolt.DB) (stats, error) {
	s := stats{
		SyncState: make(map[domain.SyncState]int),
		ByType:    make(map[domain.MutationType]int),
	}

	tasks, err := bolt.NewTaskStore(db).ListByRecency(ctx)
	if err != nil {
		return s, err
	}
	s.Tasks = len(tasks)
	for _, t := range tasks {
		s.SyncState[t.SyncState]++
	}

	entries, err := bolt.NewMutationQueue(db).ListPending(ctx)
	if err != nil {
		return s, err
	}
	s.Queued = len(entries)
	for _, m := range entries {
		s.ByType[m.Type]++
		if m.RetryCount > 0 {
			s.Retrying++
		}
		if s.Oldest.IsZero() || m.Timestamp.Before(s.Oldest) {
			s.Oldest = m.Timestamp
		}
	}
	return s, nil
}

func (s stats) print(w io.Writer) {
	fmt.Fprintf(w, "Tasks:    %d\n", s.Tasks)
	for _, state := range sortedKeys(s.SyncState) {
		fmt.Fprintf(w, "  %-10s %d\n", state+":", s.SyncState[domain.SyncState(state)])
	}
	fmt.Fprintf(w, "Queued:   %d\n", s.Queued)
	for _, typ := range sortedKeys(s.ByType) {
		fmt.Fprintf(w, "  %-10s %d\n", typ+":", s.ByType[domain.MutationType(typ)])
	}
	fmt.Fprintf(w, "Retrying: %d\n", s.Retrying)
	if !s.Oldest.IsZero() {
		fmt.Fprintf(w, "Oldest:   %s\n", s.Oldest.Format(time.RFC3339))
	}
}

func sortedKeys[K ~string, V any](m map[K]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	return keys
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
