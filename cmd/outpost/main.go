// ABOUTME: Entry point for the outpost offline-first sync agent
// ABOUTME: Subcommands run the engine or act on its local state once and exit

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/outpost/internal/config"
	"github.com/2389/outpost/internal/engine"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
              _                   _
  ___  _   _ | |_  _ __    ___  ___ | |_
 / _ \| | | || __|| '_ \  / _ \/ __|| __|
| (_) | |_| || |_ | |_) || (_) \__ \| |_
 \___/ \__,_| \__|| .__/  \___/|___/ \__|
                  |_|
`

func usage() {
	fmt.Println("Usage: outpost <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  run                    Run the sync agent until interrupted")
	fmt.Println("  init                   Create a new config file interactively")
	fmt.Println("  login --token TOKEN    Cache a session for offline use (TOKEN '-' reads stdin)")
	fmt.Println("  logout                 Forget the cached session")
	fmt.Println("  sync                   Push queued changes and pull the working set")
	fmt.Println("  status [--json]        Show session, sync and connectivity state")
	fmt.Println("  read ID                Mark a dashboard notification read")
	fmt.Println("  health                 Probe the service once")
	fmt.Println("  version                Print the version")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "run":
		err = runRun(ctx)
	case "init":
		err = runInit()
	case "login":
		err = runLogin(ctx, os.Args[2:])
	case "logout":
		err = runLogout(ctx)
	case "sync":
		err = runSync(ctx)
	case "status":
		err = runStatus(ctx, os.Args[2:])
	case "read":
		err = runRead(ctx, os.Args[2:])
	case "health":
		err = runHealth(ctx)
	case "version":
		fmt.Println(version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// open loads config and builds an engine. Callers must Close it.
func open() (*engine.Engine, *config.Config, *slog.Logger, error) {
	configPath := config.Path()
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("loading config: %w", err)
	}
	logger := setupLogger(cfg.Logging)

	e, err := engine.New(cfg, logger, engine.WithVersion(version))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("creating engine: %w", err)
	}
	return e, cfg, logger, nil
}

func runRun(ctx context.Context) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	e, cfg, _, err := open()
	if err != nil {
		return err
	}
	defer func() { _ = e.Close() }()

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", config.Path())
	green.Print("    ▶ ")
	fmt.Printf("Service:   %s\n", cfg.Service.BaseURL)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s ", cfg.Database.Path)
	gray.Printf("(%s)\n", cfg.Database.Driver)
	green.Print("    ▶ ")
	fmt.Printf("Probe:     %s", cfg.Probe.Kind)
	if cfg.Probe.Kind == config.ProbeGRPC {
		gray.Printf(" %s", cfg.Probe.GRPCTarget)
	}
	fmt.Println()

	if days := e.Vault().RemainingDays(ctx); days > 0 {
		green.Print("    ▶ ")
		fmt.Printf("Session:   %d days offline remaining\n", days)
	} else {
		yellow.Print("    ▶ ")
		fmt.Println("Session:   none, run `outpost login`")
	}
	fmt.Println()

	// SIGUSR1 or SIGCONT: revalidate as if the user just looked.
	forwardForeground(ctx, e.Foreground)
	return e.Run(ctx)
}

// readToken returns the --token value, reading stdin for "-".
func readToken(args []string, stdin io.Reader) (string, error) {
	var token string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--token" || arg == "-t":
			if i+1 >= len(args) {
				return "", fmt.Errorf("--token requires a value")
			}
			token = args[i+1]
			i++
		case strings.HasPrefix(arg, "--token="):
			token = strings.TrimPrefix(arg, "--token=")
		case strings.HasPrefix(arg, "-"):
			return "", fmt.Errorf("unknown flag: %s", arg)
		default:
			return "", fmt.Errorf("unexpected argument: %s", arg)
		}
	}

	if token == "-" {
		line, err := bufio.NewReader(stdin).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", fmt.Errorf("reading token: %w", err)
		}
		token = line
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", fmt.Errorf("--token flag is required")
	}
	return token, nil
}

func runLogin(ctx context.Context, args []string) error {
	token, err := readToken(args, os.Stdin)
	if err != nil {
		return err
	}

	e, _, _, err := open()
	if err != nil {
		return err
	}
	defer func() { _ = e.Close() }()

	rec, err := e.Login(ctx, token)
	if err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	green.Print("✓ ")
	fmt.Printf("Logged in as %s", rec.User.ID)
	if rec.User.Name != "" {
		fmt.Printf(" (%s)", rec.User.Name)
	}
	fmt.Printf("\n  Works offline until %s\n", rec.ExpiresAt.Local().Format(time.RFC1123))
	return nil
}

func runLogout(ctx context.Context) error {
	e, _, _, err := open()
	if err != nil {
		return err
	}
	defer func() { _ = e.Close() }()

	if err := e.Logout(ctx); err != nil {
		return err
	}
	fmt.Println("Logged out")
	return nil
}

func runSync(ctx context.Context) error {
	e, _, _, err := open()
	if err != nil {
		return err
	}
	defer func() { _ = e.Close() }()

	pending := e.Sync().Status().PendingChanges
	st, err := e.SyncNow(ctx)
	if errors.Is(err, engine.ErrOffline) {
		color.New(color.FgYellow).Print("! ")
		fmt.Printf("Offline, %d changes stay queued\n", st.PendingChanges)
		return nil
	}
	if err != nil {
		return err
	}

	color.New(color.FgGreen).Print("✓ ")
	fmt.Printf("Synced %d changes, %d pending\n", pending-st.PendingChanges, st.PendingChanges)
	return nil
}

func runStatus(ctx context.Context, args []string) error {
	asJSON := len(args) > 0 && args[0] == "--json"

	e, _, _, err := open()
	if err != nil {
		return err
	}
	defer func() { _ = e.Close() }()

	r := e.Status(ctx)
	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}

	printStatus(os.Stdout, r)
	return nil
}

func printStatus(w io.Writer, r engine.Report) {
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	red := color.New(color.FgRed)

	fmt.Fprint(w, "Session:   ")
	switch {
	case r.Session == nil:
		yellow.Fprintln(w, "none")
	case r.RemainingDays <= 1:
		red.Fprintf(w, "%s, expires %s\n", r.Session.User.ID, r.Session.ExpiresAt.Local().Format(time.RFC1123))
	default:
		green.Fprintf(w, "%s, %d days offline remaining\n", r.Session.User.ID, r.RemainingDays)
	}

	fmt.Fprint(w, "Sync:      ")
	switch {
	case r.Sync.LastError != "":
		red.Fprintf(w, "%s (%s)", r.Sync.State, r.Sync.LastError)
	default:
		fmt.Fprint(w, r.Sync.State)
	}
	fmt.Fprintf(w, ", %d pending", r.Sync.PendingChanges)
	if !r.Sync.LastSyncAt.IsZero() {
		fmt.Fprintf(w, ", last %s", r.Sync.LastSyncAt.Local().Format(time.RFC1123))
	}
	fmt.Fprintln(w)

	fmt.Fprint(w, "Leader:    ")
	switch {
	case r.IsLeader:
		green.Fprintf(w, "this instance (%s)\n", r.TabID)
	case r.Leader != nil:
		fmt.Fprintf(w, "%s\n", r.Leader.TabID)
	default:
		fmt.Fprintln(w, "none")
	}

	fmt.Fprintf(w, "Cart:      %d items, %d.%02d\n", r.CartItems, r.CartTotal/100, r.CartTotal%100)
}

// notificationID returns the single positional argument of `read`.
func notificationID(args []string) (string, error) {
	if len(args) != 1 || strings.HasPrefix(args[0], "-") || strings.TrimSpace(args[0]) == "" {
		return "", errors.New("usage: outpost read ID")
	}
	return strings.TrimSpace(args[0]), nil
}

func runRead(ctx context.Context, args []string) error {
	id, err := notificationID(args)
	if err != nil {
		return err
	}

	e, _, _, err := open()
	if err != nil {
		return err
	}
	defer func() { _ = e.Close() }()

	if err := e.MarkNotificationRead(ctx, id); err != nil {
		return err
	}
	color.New(color.FgGreen).Print("✓ ")
	fmt.Printf("Marked %s read\n", id)
	return nil
}

func runHealth(ctx context.Context) error {
	e, _, _, err := open()
	if err != nil {
		return err
	}
	defer func() { _ = e.Close() }()

	res := e.Health(ctx)
	if !res.Reachable {
		if res.Err == nil {
			return errors.New("unreachable")
		}
		return fmt.Errorf("unreachable: %w", res.Err)
	}
	fmt.Printf("reachable (status %d, %s)\n", res.StatusCode, res.Latency.Round(time.Millisecond))
	return nil
}
