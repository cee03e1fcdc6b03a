package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/msageha/taskledger/internal/catalog"
	"github.com/msageha/taskledger/internal/events"
	"github.com/msageha/taskledger/internal/ledger"
	"github.com/msageha/taskledger/internal/lock"
	"github.com/msageha/taskledger/internal/model"
	"github.com/msageha/taskledger/internal/store"
	"github.com/msageha/taskledger/internal/uds"
)

type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

func parseLogLevel(s string) LogLevel {
	switch strings.ToLower(s) {
	case "debug":
		return LogLevelDebug
	case "info":
		return LogLevelInfo
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

// Daemon owns the ledger store and serves it over the UDS socket.
type Daemon struct {
	dataDir  string
	config   model.Config
	logLevel LogLevel
	logger   *log.Logger
	logFile  io.Closer

	fileLock *lock.FileLock
	server   *uds.Server

	store      *store.Store
	bus        *events.Bus
	ledger     *ledger.Service
	journal    *events.Journal
	journalSub *events.Subscription
	catalog    *catalog.Watcher

	ctx      context.Context
	cancel   context.CancelFunc
	loops    *errgroup.Group
	shutdown sync.Once
}

// New creates a daemon logging to logs/daemon.log under dataDir.
func New(dataDir string, cfg model.Config) (*Daemon, error) {
	logPath := filepath.Join(dataDir, "logs", "daemon.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open daemon log: %w", err)
	}

	return newDaemon(dataDir, cfg, logFile, logFile)
}

// newDaemon is the internal constructor for testing.
func newDaemon(dataDir string, cfg model.Config, w io.Writer, closer io.Closer) (*Daemon, error) {
	cfg = cfg.WithDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	server := uds.NewServer(filepath.Join(dataDir, uds.DefaultSocketName))
	server.SetConnTimeout(time.Duration(cfg.Daemon.ConnTimeoutSec) * time.Second)

	d := &Daemon{
		dataDir:  dataDir,
		config:   cfg,
		logLevel: parseLogLevel(cfg.Logging.Level),
		logger:   log.New(w, "", 0),
		logFile:  closer,
		fileLock: lock.NewFileLock(filepath.Join(dataDir, "locks", "daemon.lock")),
		server:   server,
		bus:      events.NewBus(256),
		ctx:      ctx,
		cancel:   cancel,
	}
	server.SetLogf(func(format string, args ...any) {
		d.log(LogLevelWarn, format, args...)
	})
	return d, nil
}

// open loads the store and wires the ledger service and the catalog watcher.
func (d *Daemon) open() error {
	opts := store.Options{DataDir: d.dataDir}
	if d.config.Store.Persist {
		opts.StatePath = d.path(d.config.Store.StateFile)
		if err := os.MkdirAll(filepath.Dir(opts.StatePath), 0755); err != nil {
			return fmt.Errorf("ensure state dir: %w", err)
		}
	}
	st, err := store.Open(opts)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	d.store = st

	d.ledger = ledger.NewService(st, ledger.Options{
		LockTimeout:  time.Duration(d.config.Ledger.LockTimeoutSec) * time.Second,
		HistoryLimit: d.config.Ledger.HistoryLimit,
		Publisher:    d.bus,
	})

	d.catalog = catalog.NewWatcher(
		d.path(d.config.Catalog.Path),
		time.Duration(d.config.Catalog.DebounceMs)*time.Millisecond,
		d.reloadCatalog,
	)
	d.catalog.SetErrorHandler(func(err error) {
		d.log(LogLevelError, "catalog reload: %v", err)
	})
	return nil
}

// Run starts the daemon and blocks until shutdown completes.
func (d *Daemon) Run() error {
	// Step 1: Acquire file lock
	if err := os.MkdirAll(filepath.Join(d.dataDir, "locks"), 0755); err != nil {
		return fmt.Errorf("ensure lock dir: %w", err)
	}
	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("daemon lock: %w", err)
	}
	d.log(LogLevelInfo, "daemon starting pid=%d", os.Getpid())

	// Step 2: Load store and wire the ledger
	if err := d.open(); err != nil {
		d.cleanup()
		return err
	}

	// Step 3: Open journal and subscribe it before anything is published
	if d.config.Journal.Enabled {
		j, err := events.OpenJournal(filepath.Join(d.dataDir, "logs", "ledger.jsonl"), d.config.Journal.MaxSizeBytes)
		if err != nil {
			d.cleanup()
			return fmt.Errorf("open journal: %w", err)
		}
		d.journal = j
		d.journalSub = j.Subscribe(d.bus)
	}

	// Step 4: Initial catalog load. A missing catalog leaves the store as persisted.
	if err := d.catalog.Trigger(d.ctx); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			d.cleanup()
			return fmt.Errorf("initial catalog load: %w", err)
		}
		d.log(LogLevelWarn, "catalog %s not found, serving persisted state", d.config.Catalog.Path)
	}

	// Step 5: Register UDS handlers and start the server
	d.registerHandlers()
	if err := d.server.Start(); err != nil {
		d.cleanup()
		return fmt.Errorf("start UDS server: %w", err)
	}
	d.log(LogLevelInfo, "UDS server listening on %s", filepath.Join(d.dataDir, uds.DefaultSocketName))

	// Step 6: Start background loops
	d.startLoops()
	d.log(LogLevelInfo, "daemon ready")

	// Step 7: Wait for signals
	d.waitSignals()

	return nil
}

func (d *Daemon) startLoops() {
	g, ctx := errgroup.WithContext(d.ctx)
	if d.config.Catalog.Watch {
		// A failed watch only stops live reloads; catalog_reload still works.
		g.Go(func() error {
			if err := d.catalog.Run(ctx); err != nil {
				d.log(LogLevelError, "catalog watcher stopped: %v", err)
			}
			return nil
		})
	}
	if d.journal != nil {
		g.Go(func() error {
			return d.journal.Drain(ctx, d.journalSub, func(err error) {
				d.log(LogLevelError, "journal write: %v", err)
			})
		})
	}
	d.loops = g
}

// waitSignals blocks until a shutdown signal is received or Shutdown is called.
func (d *Daemon) waitSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		d.log(LogLevelInfo, "received signal=%s, initiating graceful shutdown", sig)

		// Second signal → force exit
		go func() {
			<-sigCh
			d.log(LogLevelWarn, "received second signal, forcing exit")
			os.Exit(1)
		}()
	case <-d.ctx.Done():
	}

	d.Shutdown()
}

// Shutdown performs graceful shutdown (idempotent via sync.Once).
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		d.log(LogLevelInfo, "shutdown started")

		// 1. Cancel context (stops accepting new work)
		d.cancel()

		// 2. Stop producers
		if d.server != nil {
			d.server.Stop()
		}

		// 3. Drain background loops with timeout
		timeout := d.config.Daemon.ShutdownTimeoutSec
		done := make(chan error, 1)
		go func() {
			if d.loops == nil {
				done <- nil
				return
			}
			done <- d.loops.Wait()
		}()

		select {
		case err := <-done:
			if err != nil {
				d.log(LogLevelError, "background loop: %v", err)
			}
			d.log(LogLevelInfo, "background loops drained")
		case <-time.After(time.Duration(timeout) * time.Second):
			d.log(LogLevelWarn, "shutdown timeout after %ds, journal may be incomplete", timeout)
		}

		// 4. Cleanup
		d.bus.Close()
		if d.journal != nil {
			if err := d.journal.Close(); err != nil {
				d.log(LogLevelError, "close journal: %v", err)
			}
			if n := d.journal.Dropped(); n > 0 {
				d.log(LogLevelWarn, "journal dropped %d events", n)
			}
		}
		d.log(LogLevelInfo, "daemon stopped")
		d.cleanup()
	})
}

// cleanup releases resources.
func (d *Daemon) cleanup() {
	if d.journal != nil {
		d.journal.Close()
	}
	os.Remove(filepath.Join(d.dataDir, uds.DefaultSocketName))
	d.fileLock.Unlock()
	if d.logFile != nil {
		d.logFile.Close()
	}
}

// reloadCatalog merges the catalog file into the store.
func (d *Daemon) reloadCatalog(ctx context.Context) error {
	path := d.path(d.config.Catalog.Path)
	f, err := catalog.Load(path)
	if err != nil {
		return err
	}
	res, err := d.store.ApplySeed(ctx, f.Seed())
	if err != nil {
		return fmt.Errorf("apply catalog: %w", err)
	}
	d.bus.Publish(events.EventCatalogReloaded, map[string]interface{}{
		"path":                  path,
		"materials_upserted":    res.MaterialsUpserted,
		"materials_deactivated": res.MaterialsDeactivated,
		"actors_upserted":       res.ActorsUpserted,
		"tasks_created":         res.TasksCreated,
		"tasks_updated":         res.TasksUpdated,
		"plans_replaced":        res.PlansReplaced,
		"plans_skipped":         res.PlansSkipped,
	})
	d.log(LogLevelInfo, "catalog reloaded materials=%d deactivated=%d actors=%d tasks_created=%d tasks_updated=%d plans_replaced=%d plans_skipped=%d",
		res.MaterialsUpserted, res.MaterialsDeactivated, res.ActorsUpserted, res.TasksCreated, res.TasksUpdated, res.PlansReplaced, res.PlansSkipped)
	return nil
}

// path resolves a config path relative to the data directory.
func (d *Daemon) path(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(d.dataDir, p)
}

func (d *Daemon) log(level LogLevel, format string, args ...any) {
	if level < d.logLevel {
		return
	}
	levelStr := "INFO"
	switch level {
	case LogLevelDebug:
		levelStr = "DEBUG"
	case LogLevelWarn:
		levelStr = "WARN"
	case LogLevelError:
		levelStr = "ERROR"
	}
	msg := fmt.Sprintf(format, args...)
	d.logger.Printf("%s %s daemon: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}
