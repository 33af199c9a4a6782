package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/leozw/partner-guardian/internal/apperr"
	"github.com/leozw/partner-guardian/internal/dashboard"
)

func (a *app) dashboard(ctx context.Context, args []string) error {
	fs := pflag.NewFlagSet("dashboard", pflag.ContinueOnError)
	once := fs.Bool("once", false, "render once and exit")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := a.restore(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	view := dashboard.New(a.client, a.logger.Named("dashboard"))
	view.OnAuthError(cancel)

	if *once {
		err := view.Mount(ctx)
		view.Unmount()
		render(os.Stdout, view.Render())
		return err
	}

	redraw := make(chan struct{}, 1)
	view.OnChange(func(dashboard.Model) {
		select {
		case redraw <- struct{}{}:
		default:
		}
	})

	if err := view.Mount(ctx); err != nil && apperr.KindOf(err) == apperr.KindAuth {
		view.Unmount()
		return err
	}
	defer view.Unmount()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	clearScreen := isTerminal(os.Stdout)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hup:
			// Auto-refresh may be off; refresh directly then.
			if !view.RefreshNow() {
				go view.Refresh(ctx)
			}
		case <-redraw:
			if clearScreen {
				fmt.Fprint(os.Stdout, "\033[H\033[2J")
			}
			render(os.Stdout, view.Render())
			view.DrainNotifications()
		}
	}
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
