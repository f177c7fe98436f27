package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/example/court-scheduler/internal/booking"
	"github.com/example/court-scheduler/internal/config"
	"github.com/example/court-scheduler/internal/db"
	"github.com/example/court-scheduler/internal/ingest"
	"github.com/example/court-scheduler/internal/migrate"
	"github.com/example/court-scheduler/internal/scheduler"
	"github.com/example/court-scheduler/internal/store"
)

func newBookingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "booking",
		Short: "Manage booking requests (non-UI)",
	}
	cmd.AddCommand(newBookingCreateCmd())
	cmd.AddCommand(newBookingListCmd())
	cmd.AddCommand(newBookingLogsCmd())
	cmd.AddCommand(newBookingCancelCmd())
	cmd.AddCommand(newBookingDeleteCmd())
	cmd.AddCommand(newBookingImportCmd())
	return cmd
}

// cliEnv opens the store and a timer-less scheduler for one-shot commands.
// Timers armed here die with the process; the running server picks the
// request up from the store on its next rehydrate.
func cliEnv(ctx context.Context) (*db.DB, store.Store, *scheduler.Scheduler, booking.Window, error) {
	cfg, err := config.FromEnv()
	if err != nil {
		return nil, nil, nil, booking.Window{}, err
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, nil, nil, booking.Window{}, err
	}
	d, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, nil, booking.Window{}, err
	}
	if err := migrate.Up(ctx, d); err != nil {
		d.Close()
		return nil, nil, nil, booking.Window{}, err
	}
	st := store.NewPostgres(d)
	window := booking.Window{Days: cfg.WindowDays, Lead: cfg.PreWindowLead, Location: loc}
	sched := scheduler.New(st, noopExecutor{}, window, cfg.OrphanGrace, nil)
	return d, st, sched, window, nil
}

type noopExecutor struct{}

func (noopExecutor) Execute(context.Context, uuid.UUID) {}

func newBookingCreateCmd() *cobra.Command {
	var (
		targetDate   string
		timePrimary  string
		timeFallback string
	)

	c := &cobra.Command{
		Use:   "create",
		Short: "Create and arm a booking request",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			d, st, sched, window, err := cliEnv(ctx)
			if err != nil {
				return err
			}
			defer d.Close()

			target, err := time.ParseInLocation("2006-01-02", targetDate, window.Location)
			if err != nil {
				return fmt.Errorf("invalid --date (want YYYY-MM-DD)")
			}
			req, err := booking.NewRequest(target, timePrimary, timeFallback, time.Now())
			if err != nil {
				return err
			}
			created, err := st.Create(ctx, req)
			if err != nil {
				return err
			}
			armed, err := sched.Arm(ctx, created)
			if err != nil {
				_ = st.Delete(ctx, created.ID)
				return err
			}
			fmt.Fprintf(os.Stdout, "created %s target=%s execute_at=%s\n",
				armed.ID, armed.TargetDate.Format("2006-01-02"), armed.ExecuteAt.Format(time.RFC3339))
			return nil
		},
	}

	c.Flags().StringVar(&targetDate, "date", "", "reservation date YYYY-MM-DD")
	c.Flags().StringVar(&timePrimary, "time", "", "preferred slot time (e.g. 19:00 or 7pm)")
	c.Flags().StringVar(&timeFallback, "fallback", "", "optional fallback slot time")
	_ = c.MarkFlagRequired("date")
	_ = c.MarkFlagRequired("time")
	return c
}

func newBookingListCmd() *cobra.Command {
	var status string
	c := &cobra.Command{
		Use:   "list",
		Short: "List booking requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			d, st, _, _, err := cliEnv(ctx)
			if err != nil {
				return err
			}
			defer d.Close()

			reqs, err := st.List(ctx, booking.Status(status))
			if err != nil {
				return err
			}
			for _, r := range reqs {
				extra := ""
				switch r.Status {
				case booking.StatusBooked:
					extra = fmt.Sprintf(" court=%q choice=%s", r.ResultLabel, r.ResultChoice)
				case booking.StatusFailed:
					extra = fmt.Sprintf(" detail=%q", r.ErrorDetail)
				}
				fmt.Fprintf(os.Stdout, "%s target=%s times=%s/%s status=%s execute_at=%s%s\n",
					r.ID, r.TargetDate.Format("2006-01-02"), r.ChoicePrimary, orDash(r.ChoiceFallback),
					r.Status, formatTime(r.ExecuteAt), extra)
			}
			return nil
		},
	}
	c.Flags().StringVar(&status, "status", "", "filter by status")
	return c
}

func newBookingLogsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logs <id>",
		Short: "Show the execution audit trail for a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid id")
			}
			ctx := context.Background()
			d, st, _, _, err := cliEnv(ctx)
			if err != nil {
				return err
			}
			defer d.Close()

			entries, err := st.AuditLog(ctx, id)
			if err != nil {
				return err
			}
			for _, e := range entries {
				line := fmt.Sprintf("%s %-15s %-7s %s",
					e.Timestamp.Format(time.RFC3339), e.Phase, e.Outcome, e.Detail)
				if e.EvidenceRef != "" {
					line += " evidence=" + e.EvidenceRef
				}
				fmt.Fprintln(os.Stdout, line)
			}
			return nil
		},
	}
}

func newBookingCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a booking request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid id")
			}
			ctx := context.Background()
			d, _, sched, _, err := cliEnv(ctx)
			if err != nil {
				return err
			}
			defer d.Close()

			if err := sched.Cancel(ctx, id); err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "cancelled %s\n", id)
			return nil
		},
	}
}

func newBookingDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a booking request and its audit trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid id")
			}
			ctx := context.Background()
			d, st, _, _, err := cliEnv(ctx)
			if err != nil {
				return err
			}
			defer d.Close()

			if err := st.Delete(ctx, id); err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "deleted %s\n", id)
			return nil
		},
	}
}

func newBookingImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file.csv>",
		Short: "Import a CSV batch (Date,Time1,Time2,Status)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			d, st, sched, window, err := cliEnv(ctx)
			if err != nil {
				return err
			}
			defer d.Close()

			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			rows, skipped, err := ingest.Parse(f, window.Location)
			if err != nil {
				return err
			}
			sum := ingest.Import(ctx, st, sched, rows, nil)
			sum.Skipped += skipped
			fmt.Fprintf(os.Stdout, "imported: added=%d skipped=%d errors=%d\n",
				sum.Added, sum.Skipped, len(sum.Errors))
			for _, e := range sum.Errors {
				fmt.Fprintln(os.Stderr, "  "+e)
			}
			return nil
		},
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format(time.RFC3339)
}
