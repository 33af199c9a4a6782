// Command console is the operator client: it logs in, watches the partner
// dashboard and changes concurrency limits through the API.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/leozw/partner-guardian/internal/apiclient"
	"github.com/leozw/partner-guardian/internal/config"
	"github.com/leozw/partner-guardian/internal/session"
)

const usage = `Usage: console [--api URL] <command> [flags]

Commands:
  login       authenticate and store the session
  logout      forget the stored session
  dashboard   show the partner dashboard (SIGHUP refreshes)
  set-limit   change a partner's concurrency limit
  stats       call and submittal counts over a date range
`

type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	sessions *session.FileStore
	client   *apiclient.Client
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	global := pflag.NewFlagSet("console", pflag.ContinueOnError)
	global.SetInterspersed(false)
	apiURL := global.String("api", cfg.Console.APIURL, "API base URL")
	sessionFile := global.String("session", cfg.Console.SessionFile, "session file")
	verbose := global.BoolP("verbose", "v", false, "log client activity to stderr")
	global.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	if err := global.Parse(os.Args[1:]); err != nil {
		os.Exit(2)
	}
	args := global.Args()
	if len(args) == 0 {
		global.Usage()
		os.Exit(2)
	}

	logger := zap.NewNop()
	if *verbose {
		logger, _ = zap.NewDevelopment()
	}
	defer logger.Sync()

	a := &app{
		cfg:      cfg,
		logger:   logger,
		sessions: session.NewFileStore(*sessionFile),
	}
	a.client = apiclient.New(*apiURL, apiclient.WithUnauthorizedHandler(a.sessionExpired))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch args[0] {
	case "login":
		err = a.login(ctx, args[1:])
	case "logout":
		err = a.logout()
	case "dashboard":
		err = a.dashboard(ctx, args[1:])
	case "set-limit":
		err = a.setLimit(ctx, args[1:])
	case "stats":
		err = a.stats(ctx, args[1:])
	default:
		global.Usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// restore loads the stored session into the client.
func (a *app) restore() error {
	s, err := a.sessions.Load()
	if err != nil {
		return err
	}
	if !s.Valid() {
		return errors.New("not logged in; run 'console login' first")
	}
	a.client.SetToken(s.Token)
	return nil
}

func (a *app) sessionExpired() {
	if err := a.sessions.Clear(); err != nil {
		a.logger.Warn("Failed to clear session", zap.Error(err))
	}
	fmt.Fprintln(os.Stderr, "Session expired; run 'console login' again.")
}

func (a *app) login(ctx context.Context, args []string) error {
	fs := pflag.NewFlagSet("login", pflag.ContinueOnError)
	username := fs.StringP("username", "u", "", "username")
	password := fs.StringP("password", "p", os.Getenv("GUARDIAN_PASSWORD"), "password (default: read from stdin)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	reader := bufio.NewReader(os.Stdin)
	if *username == "" {
		*username = prompt(reader, "Username: ")
	}
	if *password == "" {
		*password = prompt(reader, "Password: ")
	}

	resp, err := a.client.Login(ctx, *username, *password)
	if err != nil {
		return err
	}
	if err := a.sessions.Save(&session.Session{Token: resp.AccessToken, User: resp.User}); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}

	fmt.Printf("Logged in as %s (%s)\n", resp.User.Username, resp.User.Role)
	return nil
}

func (a *app) logout() error {
	if err := a.sessions.Clear(); err != nil {
		return err
	}
	fmt.Println("Logged out")
	return nil
}

func prompt(r *bufio.Reader, label string) string {
	fmt.Fprint(os.Stderr, label)
	line, _ := r.ReadString('\n')
	return strings.TrimSpace(line)
}
