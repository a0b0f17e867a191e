package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"insight-cli/internal/storage"
	"insight-cli/internal/timeparse"
)

type auditFlags struct {
	status  string
	since   string
	limit   int
	offset  int
	jsonOut bool
}

func newAuditCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Browse the local audit log of queries and download jobs",
		Long: "Read back what this CLI recorded in the database configured by database.dsn.\n" +
			"Every remote query and every observed job state is logged there.",
	}
	cmd.AddCommand(newAuditQueriesCmd(a), newAuditJobsCmd(a))
	return cmd
}

func (f *auditFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVar(&f.status, "status", "", "only records with this status")
	fl.StringVar(&f.since, "since", "", "only records at or after this time, e.g. now-1d")
	fl.IntVar(&f.limit, "limit", 20, "maximum number of records (max 1000)")
	fl.IntVar(&f.offset, "offset", 0, "number of records to skip")
	fl.BoolVar(&f.jsonOut, "json", false, "print raw JSON")
}

func (f *auditFlags) filter(oid string) (storage.ListFilter, error) {
	if f.limit < 1 || f.limit > 1000 {
		return storage.ListFilter{}, errors.New("limit must be between 1 and 1000")
	}
	if f.offset < 0 {
		return storage.ListFilter{}, errors.New("offset must be >= 0")
	}
	filter := storage.ListFilter{OID: oid, Status: f.status, Limit: f.limit, Offset: f.offset}
	if f.since != "" {
		ts, err := timeparse.Parse(f.since)
		if err != nil {
			return storage.ListFilter{}, err
		}
		since := time.Unix(ts, 0).UTC()
		filter.Since = &since
	}
	return filter, nil
}

// openDB connects to the audit database for reading. Unlike auditing during
// queries, a missing or unreachable database is an error here.
func (a *app) openDB(cmd *cobra.Command) (*storage.DB, error) {
	if a.cfg.Database.DSN == "" {
		return nil, errors.New("no audit database configured: set database.dsn")
	}
	db, err := storage.New(cmd.Context(), a.cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(cmd.Context()); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func newAuditQueriesCmd(a *app) *cobra.Command {
	f := &auditFlags{}
	cmd := &cobra.Command{
		Use:   "queries",
		Short: "List audited queries, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter, err := f.filter(a.cfg.API.OID)
			if err != nil {
				return err
			}
			db, err := a.openDB(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			records, err := db.ListQueries(cmd.Context(), filter)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if f.jsonOut {
				if records == nil {
					records = []storage.QueryRecord{}
				}
				return printJSON(out, map[string]any{"queries": records})
			}
			if len(records) == 0 {
				fmt.Fprintln(out, "No audited queries found.")
				return nil
			}
			for _, rec := range records {
				fmt.Fprintf(out, "%s  %-7s %-5s rows=%d billed=%d %dms  %s\n",
					rec.CreatedAt.UTC().Format(time.DateTime), rec.Mode, rec.Status,
					rec.Rows, rec.BilledUnits, rec.DurationMS, rec.Query)
				if rec.Error != "" {
					fmt.Fprintf(out, "    error: %s\n", rec.Error)
				}
			}
			return nil
		},
	}
	f.register(cmd)
	return cmd
}

func newAuditJobsCmd(a *app) *cobra.Command {
	f := &auditFlags{}
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List download jobs tracked by this client, most recently updated first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter, err := f.filter(a.cfg.API.OID)
			if err != nil {
				return err
			}
			db, err := a.openDB(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			jobs, err := db.ListJobs(cmd.Context(), filter)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if f.jsonOut {
				if jobs == nil {
					jobs = []storage.JobRecord{}
				}
				return printJSON(out, map[string]any{"jobs": jobs})
			}
			if len(jobs) == 0 {
				fmt.Fprintln(out, "No tracked download jobs found.")
				return nil
			}
			for _, job := range jobs {
				fmt.Fprintf(out, "%s  %-10s updated %s\n", job.JobID, job.Status,
					job.UpdatedAt.UTC().Format(time.DateTime))
				if job.ResultURL != "" {
					fmt.Fprintf(out, "    url: %s\n", job.ResultURL)
				}
				if job.Error != "" {
					fmt.Fprintf(out, "    error: %s\n", job.Error)
				}
			}
			return nil
		},
	}
	f.register(cmd)
	return cmd
}
