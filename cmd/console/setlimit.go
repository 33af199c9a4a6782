package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/leozw/partner-guardian/internal/dashboard"
)

// setLimit drives one concurrency edit through the dashboard view, so the
// change is validated locally and the view re-fetches the server's state
// afterwards.
func (a *app) setLimit(ctx context.Context, args []string) error {
	fs := pflag.NewFlagSet("set-limit", pflag.ContinueOnError)
	reason := fs.StringP("reason", "r", "", "reason recorded in the history")
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: console set-limit <partner-id> <limit> [--reason TEXT]")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		fs.Usage()
		return errors.New("partner id and limit are required")
	}
	partnerID, value := fs.Arg(0), fs.Arg(1)

	if err := a.restore(); err != nil {
		return err
	}

	view := dashboard.New(a.client, a.logger.Named("dashboard"))
	if err := view.Mount(ctx); err != nil {
		view.Unmount()
		return err
	}
	defer view.Unmount()

	if err := view.BeginEdit(partnerID); err != nil {
		return err
	}
	view.SetEditValue(value)
	if err := view.SubmitEdit(ctx, *reason); err != nil {
		view.CancelEdit()
		return err
	}

	m := view.Render()
	for _, row := range m.Rows {
		if row.Partner.ID == partnerID {
			fmt.Printf("%s: concurrency limit is now %d\n", row.Partner.Name, row.Partner.ConcurrencyLimit)
		}
	}
	if len(m.History) > 0 {
		latest := m.History[0]
		if !latest.SyncedToPartner {
			msg := "not confirmed"
			if latest.SyncError != nil {
				msg = *latest.SyncError
			}
			fmt.Printf("Warning: the limit was saved but not synced to the partner: %s\n", msg)
		}
	}
	return nil
}
