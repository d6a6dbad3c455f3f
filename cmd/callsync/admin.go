package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/wesm/callsync/internal/config"
	"github.com/wesm/callsync/internal/crm"
	"github.com/wesm/callsync/internal/db"
	"github.com/wesm/callsync/internal/sync"
	"github.com/wesm/callsync/internal/timeutil"
)

// Admin runs the queue and failure-log commands against an
// engine that never drains on its own.
type Admin struct {
	Engine    *sync.Engine
	DB        *db.DB
	Namespace string
	Out       io.Writer
	In        io.Reader
	Now       func() time.Time
}

// Status prints queue and storage counts.
func (a *Admin) Status(ctx context.Context) error {
	st := a.Engine.Status()
	fmt.Fprintf(a.Out, "Pending operations: %d\n", st.Pending)
	fmt.Fprintf(a.Out, "Failed operations:  %d\n", st.Failed)

	q := a.Engine.SyncQueue()
	if len(q) > 0 {
		oldest := q[0]
		fmt.Fprintf(a.Out, "Oldest pending:     %s %s, queued %s\n",
			oldest.Kind, oldest.EntityType,
			timeutil.Ago(oldest.QueuedAt, a.Now()))
	}

	stats, err := a.DB.GetStats(ctx, a.Namespace, a.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("reading storage stats: %w", err)
	}
	fmt.Fprintf(a.Out, "Cache entries:      %d (%s, %d expired)\n",
		stats.Entries, formatBytes(stats.Bytes), stats.Expired)
	return nil
}

// Failed prints the failure log.
func (a *Admin) Failed() error {
	failed := a.Engine.FailedOperations()
	if len(failed) == 0 {
		fmt.Fprintln(a.Out, "No failed operations.")
		return nil
	}
	tw := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tOPERATION\tTARGET\tATTEMPTS\tFAILED\tERROR")
	for _, f := range failed {
		target := f.TargetID
		if target == "" {
			target = "-"
		}
		fmt.Fprintf(tw, "%s\t%s %s\t%s\t%d\t%s\t%s\n",
			f.ID, f.Kind, f.EntityType, target, f.Attempts,
			timeutil.Ago(f.FailedAt, a.Now()), f.Error)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(a.Out,
		"\n%d failed. Retry with 'callsync retry <id>' or 'callsync retry -all'.\n",
		len(failed))
	return nil
}

// Retry requeues the named failure records, or all of them.
func (a *Admin) Retry(ids []string, all bool) error {
	if all {
		n := a.Engine.RetryAllFailed()
		fmt.Fprintf(a.Out, "Requeued %d operations.\n", n)
		return nil
	}
	if len(ids) == 0 {
		return errors.New("retry needs an operation id or -all")
	}
	var errs []error
	for _, id := range ids {
		if err := a.Engine.RetryFailedOperation(id); err != nil {
			errs = append(errs, err)
			continue
		}
		fmt.Fprintf(a.Out, "Requeued %s.\n", id)
	}
	return errors.Join(errs...)
}

// ClearFailed discards the failure log after confirmation.
func (a *Admin) ClearFailed(yes bool) error {
	n := len(a.Engine.FailedOperations())
	if n == 0 {
		fmt.Fprintln(a.Out, "No failed operations.")
		return nil
	}
	if !yes {
		msg := fmt.Sprintf(
			"Discard %d failed operations? Their changes will never reach the server.", n,
		)
		if !confirm(a.In, a.Out, msg) {
			fmt.Fprintln(a.Out, "Aborted.")
			return nil
		}
	}
	a.Engine.ClearFailedOperations()
	fmt.Fprintf(a.Out, "Cleared %d failed operations.\n", n)
	return nil
}

func confirm(r io.Reader, w io.Writer, msg string) bool {
	fmt.Fprintf(w, "%s [y/N] ", msg)
	scanner := bufio.NewScanner(r)
	scanner.Scan()
	ans := strings.ToLower(strings.TrimSpace(scanner.Text()))
	return ans == "y" || ans == "yes"
}

func formatBytes(b int64) string {
	switch {
	case b >= 1<<30:
		return fmt.Sprintf("%.1f GB", float64(b)/(1<<30))
	case b >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(b)/(1<<20))
	case b >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(b)/(1<<10))
	default:
		return fmt.Sprintf("%d B", b)
	}
}

// parseAdminFlags parses the flags of one admin command and
// returns the remaining arguments.
func parseAdminFlags(
	name string, args []string,
) (all, yes bool, rest []string, err error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.BoolVar(&all, "all", false, "Retry every failed operation")
	fs.BoolVar(&yes, "yes", false, "Skip confirmation prompt")
	if err := fs.Parse(args); err != nil {
		return false, false, nil, err
	}
	return all, yes, fs.Args(), nil
}

func runAdmin(name string, args []string) {
	all, yes, rest, err := parseAdminFlags(name, args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	cfg := mustLoadMinimalConfig()
	database := mustOpenDB(cfg)
	defer database.Close()
	store := newStore(cfg, database)

	admin := &Admin{
		Engine:    newEngine(cfg, store, offlineClient{}, false),
		DB:        database,
		Namespace: cfg.Namespace,
		Out:       os.Stdout,
		In:        os.Stdin,
		Now:       time.Now,
	}

	switch name {
	case "status":
		err = admin.Status(context.Background())
	case "failed":
		err = admin.Failed()
	case "retry":
		err = admin.Retry(rest, all)
		if err == nil {
			fmt.Println("A running 'callsync serve' picks these up; or run 'callsync sync'.")
		}
	case "clear-failed":
		err = admin.ClearFailed(yes)
	}
	if err != nil {
		log.Fatalf("%s: %v", name, err)
	}
}

func runSync(args []string) {
	cfg := mustLoadMinimalConfig()
	if len(args) > 0 {
		log.Fatalf("sync: unexpected arguments %v", args)
	}
	client := mustAPIClient(cfg)
	database := mustOpenDB(cfg)
	defer database.Close()
	store := newStore(cfg, database)
	engine := newEngine(cfg, store, client, true)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	pending := len(engine.SyncQueue())
	if pending == 0 {
		fmt.Println("Nothing to sync.")
		return
	}
	fmt.Printf("Syncing %d operations...\n", pending)
	stats := engine.AttemptSync(ctx)
	printDrainStats(os.Stdout, stats)
}

func printDrainStats(w io.Writer, s sync.DrainStats) {
	fmt.Fprintf(w,
		"%d applied, %d will be retried, %d moved to the failure log, %d pending\n",
		s.Applied, s.Retried, s.Quarantined, s.Remaining)
}

func runPull(args []string) {
	cfg := mustLoadMinimalConfig()
	if len(args) > 0 {
		log.Fatalf("pull: unexpected arguments %v", args)
	}
	client := mustAPIClient(cfg)
	database := mustOpenDB(cfg)
	defer database.Close()
	store := newStore(cfg, database)
	engine := newEngine(cfg, store, offlineClient{}, false)
	svc := crm.New(store, engine, client, cfg.CollectionTTL)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	stats, err := svc.Refresh(ctx)
	if errors.Is(err, crm.ErrPendingChanges) {
		fmt.Fprintln(os.Stderr,
			"Local changes have not synced yet; run 'callsync sync' first.")
		os.Exit(1)
	}
	if err != nil {
		log.Fatalf("pull: %v", err)
	}
	fmt.Printf("Pulled %d leads and %d calls.\n", stats.Leads, stats.Calls)
}

func runSetToken(args []string) {
	if len(args) != 1 || args[0] == "" {
		fmt.Fprintln(os.Stderr, "usage: callsync set-token <token>")
		os.Exit(2)
	}
	cfg := mustLoadMinimalConfig()
	if err := saveToken(&cfg, args[0]); err != nil {
		log.Fatalf("set-token: %v", err)
	}
	fmt.Println("API token saved.")
}

func saveToken(cfg *config.Config, token string) error {
	return cfg.SaveAPIToken(strings.TrimSpace(token))
}
