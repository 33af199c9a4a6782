package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/leozw/partner-guardian/internal/core"
)

// stats prints call and submittal counts for one partner or, without a
// partner id, for every active partner.
func (a *app) stats(ctx context.Context, args []string) error {
	today := time.Now().Format(core.PeriodDateLayout)
	fs := pflag.NewFlagSet("stats", pflag.ContinueOnError)
	from := fs.String("from", today, "first day, YYYY-MM-DD")
	to := fs.String("to", today, "last day, YYYY-MM-DD")
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: console stats [partner-id] [--from DATE] [--to DATE]")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() > 1 {
		fs.Usage()
		return errors.New("at most one partner id")
	}
	period, err := core.ParsePeriod(*from, *to)
	if err != nil {
		return err
	}
	if err := a.restore(); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	if fs.NArg() == 1 {
		report, err := a.client.PartnerPeriodStats(ctx, fs.Arg(0), period)
		if err != nil {
			return err
		}
		if !report.Success {
			return fmt.Errorf("partner unreachable: %s", report.Error)
		}
		fmt.Fprintf(w, "Period %s to %s\n\n", period.StartDate, period.EndDate)
		printCounts(w, "CALLS", report.Calls)
		printCounts(w, "SUBMITTALS", report.Submittals)
		return nil
	}

	all, err := a.client.AllPartnersPeriodStats(ctx, period)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Period %s to %s, %d partners\n\n", period.StartDate, period.EndDate, all.TotalPartners)
	fmt.Fprintln(w, "PARTNER\tCALLS\tSUBMITTALS\tERROR")
	for _, p := range all.PartnerBreakdown {
		fmt.Fprintf(w, "%s\t%d\t%d\t%s\n", p.PartnerName, p.Calls.Total, p.Submittals.Total, p.Error)
	}
	fmt.Fprintf(w, "TOTAL\t%d\t%d\t\n\n", all.Aggregated.Calls.Total, all.Aggregated.Submittals.Total)
	printCounts(w, "CALLS", all.Aggregated.Calls)
	printCounts(w, "SUBMITTALS", all.Aggregated.Submittals)
	return nil
}

func printCounts(w *tabwriter.Writer, title string, c core.StatusCounts) {
	statuses := make([]string, 0, len(c.ByStatus))
	for s := range c.ByStatus {
		statuses = append(statuses, s)
	}
	sort.Strings(statuses)

	fmt.Fprintf(w, "%s\t%d\n", title, c.Total)
	for _, s := range statuses {
		fmt.Fprintf(w, "  %s\t%d\n", s, c.ByStatus[s])
	}
	fmt.Fprintln(w)
}
