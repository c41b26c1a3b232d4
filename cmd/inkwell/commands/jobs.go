package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/manthysbr/inkwell/internal/core/domain"
	"github.com/manthysbr/inkwell/internal/core/services"
)

// JobsListAction prints every job, newest first.
func JobsListAction(ctx context.Context, cmd *cli.Command) error {
	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	jobs, err := appCtx.Repo.ListJobs(ctx)
	if err != nil {
		return fmt.Errorf("failed to list jobs: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tOPERATION\tSTATUS\tPROGRESS\tERRORS\tCREATED")
	for _, j := range jobs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%d\t%s\n",
			j.ID, j.Operation, j.Status, j.Processed, j.Total, j.Errors, j.CreatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

// JobsShowAction prints one job and its per-item results.
func JobsShowAction(ctx context.Context, cmd *cli.Command) error {
	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	id := domain.JobID(cmd.String("id"))
	job, err := appCtx.Repo.GetJob(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to get job %s: %w", id, err)
	}
	results, err := appCtx.Repo.ListResults(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to list results of %s: %w", id, err)
	}

	fmt.Printf("ID:         %s\n", job.ID)
	fmt.Printf("Operation:  %s\n", job.Operation)
	fmt.Printf("Status:     %s\n", job.Status)
	fmt.Printf("Progress:   %d/%d (%.1f%%)\n", job.Processed, job.Total, job.Percentage())
	fmt.Printf("Success:    %d\n", job.Success)
	fmt.Printf("Errors:     %d\n", job.Errors)
	if job.Error != nil {
		fmt.Printf("Failure:    %s\n", *job.Error)
	}

	if len(results) == 0 {
		return nil
	}
	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ITEM\tOK\tERROR")
	for _, r := range results {
		msg := ""
		if r.Error != nil {
			msg = *r.Error
		}
		fmt.Fprintf(w, "%s\t%t\t%s\n", r.Item, r.Success, msg)
	}
	return w.Flush()
}

// JobsCleanupAction removes finished jobs older than --older-than, or the configured retention.
func JobsCleanupAction(ctx context.Context, cmd *cli.Command) error {
	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	maxAge := cmd.Duration("older-than")
	if maxAge <= 0 {
		maxAge = appCtx.Config.Jobs.Retention
	}

	sweeper := services.NewRetentionSweeper(appCtx.Logger, appCtx.Repo, nil, services.RetentionConfig{MaxAge: maxAge})
	removed, err := sweeper.Sweep(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("removed %d job(s) finished more than %s ago\n", removed, maxAge)
	return nil
}
