package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wesm/callsync/internal/api"
	"github.com/wesm/callsync/internal/cache"
	"github.com/wesm/callsync/internal/config"
	"github.com/wesm/callsync/internal/crm"
	"github.com/wesm/callsync/internal/db"
	"github.com/wesm/callsync/internal/logging"
	"github.com/wesm/callsync/internal/model"
	"github.com/wesm/callsync/internal/server"
	"github.com/wesm/callsync/internal/sync"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = ""
)

const (
	shutdownTimeout = 10 * time.Second
	finalDrainLimit = 30 * time.Second
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "serve":
			runServe(os.Args[2:])
			return
		case "status":
			runAdmin("status", os.Args[2:])
			return
		case "sync":
			runSync(os.Args[2:])
			return
		case "failed":
			runAdmin("failed", os.Args[2:])
			return
		case "retry":
			runAdmin("retry", os.Args[2:])
			return
		case "clear-failed":
			runAdmin("clear-failed", os.Args[2:])
			return
		case "pull":
			runPull(os.Args[2:])
			return
		case "set-token":
			runSetToken(os.Args[2:])
			return
		case "version", "--version", "-v":
			fmt.Printf("callsync %s (commit %s, built %s)\n",
				version, commit, buildDate)
			return
		case "help", "--help", "-h":
			printUsage()
			return
		}
	}

	runServe(os.Args[1:])
}

func printUsage() {
	fmt.Printf(`callsync %s - offline cache and sync queue for the sales-call tracker

Keeps leads and call logs in a local SQLite cache, queues changes made
while offline, and replays them against the CRM API when it is reachable.

Usage:
  callsync [flags]               Start the local API server (default command)
  callsync serve [flags]         Start the local API server (explicit)
  callsync status                Show queue, failure log and storage usage
  callsync sync                  Run one drain pass now
  callsync failed                List operations that failed to sync
  callsync retry <id>|-all       Move failed operations back to the queue
  callsync clear-failed [-yes]   Discard the failure log
  callsync pull                  Replace cached leads and calls from the API
  callsync set-token <token>     Save the API token to config.json
  callsync version               Show version information
  callsync help                  Show this help

Server flags:
  -host string        Host to bind to (default "127.0.0.1")
  -port int           Port to listen on (default 8090)
  -api-url string     Base URL of the CRM API
  -offline            Start offline and wait for the first successful probe

Environment variables:
  CALLSYNC_DATA_DIR       Data directory (database, config, logs)
  CALLSYNC_API_URL        Base URL of the CRM API
  CALLSYNC_API_TOKEN      Bearer token for the CRM API
  CALLSYNC_PROBE_COMMAND  Command whose exit status decides connectivity
  CALLSYNC_LOG_FILE       Log to this file instead of stderr

Data is stored in ~/.callsync/ by default.
`, version)
}

func runServe(args []string) {
	cfg := mustLoadConfig(args)
	logCloser := mustSetupLogging(cfg)
	defer logCloser.Close()

	client := mustAPIClient(cfg)
	database := mustOpenDB(cfg)
	defer database.Close()
	store := newStore(cfg, database)
	engine := newEngine(cfg, store, client, !cfg.StartOffline)
	svc := crm.New(store, engine, client, cfg.CollectionTTL)

	ctx, stop := signal.NotifyContext(
		context.Background(), os.Interrupt, syscall.SIGTERM,
	)
	defer stop()

	prober := mustProber(cfg, client, engine)
	prober.Start()
	stopWatcher := startStoreWatcher(cfg, database, engine)

	ln, err := server.Listen(cfg.Host, cfg.Port)
	if err != nil {
		log.Fatalf("listen: %v", err)
	}
	srv := server.New(cfg, database, engine, svc,
		server.WithVersion(server.VersionInfo{
			Version:   version,
			Commit:    commit,
			BuildDate: buildDate,
		}),
	)
	fmt.Printf("callsync %s listening at http://%s\n", version, ln.Addr())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(
			context.Background(), shutdownTimeout,
		)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	g.Go(func() error {
		runPeriodicSync(gctx, engine, cfg.SyncInterval)
		return nil
	})
	err = g.Wait()

	prober.Stop()
	stopWatcher()

	dctx, cancel := context.WithTimeout(
		context.Background(), finalDrainLimit,
	)
	defer cancel()
	if stats := engine.Shutdown(dctx); stats.Ran {
		log.Printf("final drain: %d applied, %d still pending",
			stats.Applied, stats.Remaining)
	}
	if err != nil {
		log.Printf("server error: %v", err)
		database.Close()
		os.Exit(1)
	}
}

func mustLoadConfig(args []string) config.Config {
	fs := flag.NewFlagSet("callsync", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(),
			"Usage: callsync [serve] [flags]\n\nFlags:\n")
		fs.PrintDefaults()
	}
	config.RegisterServeFlags(fs)
	if err := fs.Parse(args); err != nil {
		log.Fatalf("parsing flags: %v", err)
	}

	cfg, err := config.Load(fs)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		log.Fatalf("creating data dir: %v", err)
	}
	return cfg
}

// mustLoadMinimalConfig is mustLoadConfig for subcommands
// without serve flags.
func mustLoadMinimalConfig() config.Config {
	cfg, err := config.LoadMinimal()
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		log.Fatalf("creating data dir: %v", err)
	}
	return cfg
}

func mustSetupLogging(cfg config.Config) io.Closer {
	closer, err := logging.Setup(cfg.LogFile)
	if err != nil {
		log.Fatalf("opening log file: %v", err)
	}
	return closer
}

func mustOpenDB(cfg config.Config) *db.DB {
	database, err := db.Open(cfg.DBPath, db.WithQuotaBytes(cfg.QuotaBytes))
	if err != nil {
		log.Fatalf("opening database: %v", err)
	}
	return database
}

func mustAPIClient(cfg config.Config) *api.Client {
	if cfg.APIURL == "" {
		log.Fatalf(
			"api_url is not configured; set it in %s, " +
				"CALLSYNC_API_URL or -api-url",
			filepath.Join(cfg.DataDir, "config.json"),
		)
	}
	client, err := api.New(cfg.APIURL, cfg.APIToken, cfg.RequestTimeout)
	if err != nil {
		log.Fatalf("api client: %v", err)
	}
	return client
}

func newStore(cfg config.Config, database *db.DB) *cache.Store {
	return cache.New(database, cfg.Namespace,
		cache.WithEvictFraction(cfg.EvictFraction),
		cache.WithProtectedKeys(sync.ReservedKeys...),
	)
}

func newEngine(
	cfg config.Config, store *cache.Store, client sync.Client, online bool,
) *sync.Engine {
	opts := []sync.Option{
		sync.WithMaxAttempts(cfg.MaxAttempts),
		sync.WithOnline(online),
		sync.WithOnApplied(crm.Reconciler(store)),
	}
	if cfg.QuarantineRejected {
		opts = append(opts, sync.WithPermanentError(api.IsRejected))
	}
	return sync.NewEngine(store, client, opts...)
}

func mustProber(
	cfg config.Config, client *api.Client, engine *sync.Engine,
) *sync.Prober {
	check := sync.CheckFunc(client.Health)
	if cfg.ProbeCommand != "" {
		var err error
		check, err = sync.CommandCheck(cfg.ProbeCommand)
		if err != nil {
			log.Fatalf("probe_command: %v", err)
		}
	}
	prober, err := sync.NewProber(cfg.ProbeInterval, check, engine.SetOnline)
	if err != nil {
		log.Fatalf("prober: %v", err)
	}
	return prober
}

// startStoreWatcher reloads engine state when another process
// (a CLI retry, say) writes the database.
func startStoreWatcher(
	cfg config.Config, database *db.DB, engine *sync.Engine,
) func() {
	watcher, err := sync.NewStoreWatcher(
		cfg.DBPath, cfg.WatchDebounce, reloadOnForeignWrite(database, engine),
	)
	if err != nil {
		log.Printf("warning: store watcher unavailable: %v", err)
		return func() {}
	}
	watcher.Start()
	return watcher.Stop
}

// reloadOnForeignWrite returns a watcher callback that reloads
// the engine only when some other connection has committed.
// The watcher also sees this process's own WAL writes, and
// reloading on those would throw away the memory mirror.
func reloadOnForeignWrite(database *db.DB, engine *sync.Engine) func() {
	return func() {
		changed, err := database.ForeignChange()
		if err != nil {
			log.Printf("store watcher: %v", err)
		}
		if err == nil && !changed {
			return
		}
		engine.Reload(context.Background())
	}
}

// runPeriodicSync drains on an interval so retryable failures
// are picked up while connectivity stays unchanged.
func runPeriodicSync(
	ctx context.Context, engine *sync.Engine, interval time.Duration,
) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			engine.AttemptSync(ctx)
		}
	}
}

// errAPIUnavailable is returned by offlineClient.
var errAPIUnavailable = errors.New("api is not available in this command")

// offlineClient backs engines opened by admin commands, which
// never drain.
type offlineClient struct{}

func (offlineClient) CreateLead(context.Context, model.Record) (model.Record, error) {
	return nil, errAPIUnavailable
}

func (offlineClient) UpdateLead(context.Context, string, model.Record) (model.Record, error) {
	return nil, errAPIUnavailable
}

func (offlineClient) DeleteLead(context.Context, string) error {
	return errAPIUnavailable
}

func (offlineClient) CreateCall(context.Context, model.Record) (model.Record, error) {
	return nil, errAPIUnavailable
}

func (offlineClient) UpdateCall(context.Context, string, model.Record) (model.Record, error) {
	return nil, errAPIUnavailable
}
