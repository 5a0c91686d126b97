package cmd

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/paulschiretz/pgl-vault/pkg/flagparse"
)

// RunRuns prints the recorded backup runs, oldest first.
func RunRuns(ctx context.Context, flagMap map[string]any, out io.Writer) error {
	runConfig, err := loadRunConfig(flagparse.Runs, flagMap)
	if err != nil {
		return err
	}

	store, err := openStore(ctx, runConfig)
	if err != nil {
		return err
	}
	defer store.Close()

	runs, err := store.ListRuns(ctx)
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}
	if len(runs) == 0 {
		fmt.Fprintln(out, "No backup runs recorded.")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTATUS\tENTRIES\tSTARTED\tUUID")
	for _, r := range runs {
		status := "incomplete"
		if r.Completed() {
			status = "complete"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", r.Name, status, r.Entries, r.StartedAt.Local().Format(time.DateTime), r.UUID)
	}
	return tw.Flush()
}
