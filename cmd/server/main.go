package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"img2brick.ai/internal/convert"
	"img2brick.ai/internal/metrics"
	"img2brick.ai/internal/persistence/indexdb"
	persistlog "img2brick.ai/internal/persistence/log"
	"img2brick.ai/internal/persistence/snapshot"
	"img2brick.ai/internal/quilt"
	"img2brick.ai/internal/submit"
	"img2brick.ai/internal/transport/ws"
	"img2brick.ai/internal/tuning"
)

func main() {
	var (
		addr           = flag.String("addr", ":8080", "http listen address")
		dataDir        = flag.String("data", "./data", "runtime data directory")
		configPath     = flag.String("config", "./configs/quilt.yaml", "path to quilt.yaml (empty for defaults)")
		envFile        = flag.String("env_file", ".env", "optional KEY=VALUE file loaded into the environment")
		disableDB      = flag.Bool("disable_db", false, "disable the sqlite read-model index")
		resetOnCorrupt = flag.Bool("reset_on_corrupt", false, "move an unreadable snapshot aside and start with an empty grid")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)
	loadDotEnv(*envFile, logger)

	tune, err := tuning.Load(strings.TrimSpace(*configPath))
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Fatalf("load tuning: %v", err)
		}
		logger.Printf("tuning not found (%s); using defaults", *configPath)
		tune = tuning.Defaults()
	}
	applyEnv(&tune)
	tune.Normalize()
	if err := tune.Validate(); err != nil {
		logger.Fatalf("tuning: %v", err)
	}
	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		logger.Fatalf("data dir: %v", err)
	}

	// Optional: read-model index backend (does not affect grid state).
	idx, err := openRuntimeIndex(*dataDir, *disableDB, tune)
	if err != nil {
		logger.Fatalf("open index backend: %v", err)
	}
	if err := idx.UpsertTuning(tune); err != nil {
		logger.Printf("index backend: upsert tuning: %v", err)
	}

	snapPath := filepath.Join(*dataDir, "quilt.snap.zst")
	quiltLog := log.New(os.Stdout, "[quilt] ", log.LstdFlags|log.Lmicroseconds)
	store, err := openStore(quilt.Config{
		SnapshotPath:    snapPath,
		DefaultCellSize: tune.Grid.DefaultCellSize,
		MinCellSize:     tune.Grid.MinCellSize,
		UnitsPerPixel:   tune.Grid.UnitsPerPixel,
		MaxImageSize:    tune.Submit.MaxImageSize,
		MaxGridCells:    tune.Grid.MaxGridCells,
		ReservationTTL:  tune.ReservationTTL(),
		PersistDebounce: tune.PersistDebounce(),
		Logger:          quiltLog,
		SaveFunc: func(path string, st snapshot.StateV1) error {
			if err := snapshot.WriteState(path, st); err != nil {
				return err
			}
			idx.RecordSnapshot(path, st.Header)
			return nil
		},
	}, *resetOnCorrupt, logger)
	if err != nil {
		logger.Fatalf("open grid: %v", err)
	}
	comps := store.Components()

	eventLog := persistlog.NewEventLogger(*dataDir, func(err error) { logger.Printf("event log: %v", err) })
	auditLog := persistlog.NewAuditLogger(*dataDir)
	store.AddSink(eventLog)
	if idx != nil {
		store.AddSink(idx)
	}

	pipe := submit.New(comps.Allocator, convert.Heightmap{Bin: tune.Submit.HeightmapBin}, submit.Options{
		GridEnabled:    tune.Grid.Enabled,
		MaxImageSize:   tune.Submit.MaxImageSize,
		ZOffset:        tune.Submit.ZOffset,
		ConvertTimeout: tune.ConvertTimeout(),
		OutputDir:      tune.Submit.OutputDir,
		Logger:         log.New(os.Stdout, "[submit] ", log.LstdFlags|log.Lmicroseconds),
	})
	bridge := ws.NewServer(comps, pipe, tune, log.New(os.Stdout, "[ws] ", log.LstdFlags|log.Lmicroseconds))
	bridge.SetToken(os.Getenv("QUILT_BRIDGE_TOKEN"))
	store.AddSink(bridge)

	rec := metrics.New(metrics.Sources{Store: store, Index: idx, Sessions: bridge.Clients})
	store.AddSink(rec)

	sweeper, err := startSweeper(comps.Allocator, tune.SweepEvery(), logger)
	if err != nil {
		logger.Fatalf("sweeper: %v", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.Handle("/metrics", rec.Handler())
	mux.HandleFunc("/v1/ws", bridge.Handler())

	enableAdminHTTP := envBool("QUILT_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP())
	enablePprofHTTP := envBool("QUILT_ENABLE_PPROF_HTTP", false)
	if enableAdminHTTP {
		admin := &adminAPI{
			quilt:    comps,
			index:    idx,
			audit:    auditLog,
			dataDir:  *dataDir,
			snapPath: snapPath,
			log:      logger,
		}
		admin.register(mux)
	} else {
		logger.Printf("admin endpoints disabled (QUILT_ENABLE_ADMIN_HTTP=false)")
	}
	if enablePprofHTTP {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s (grid=%v cell_size=%d)", *addr, tune.Grid.Enabled, store.CellSize())
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Printf("ListenAndServe: %v", err)
	}

	shutdown(sweeper, bridge, store, idx, eventLog, auditLog, logger)
}

type closer interface{ Shutdown() error }

// shutdown stops the sweeper and the bridge sessions first so no mutation
// races the final save.
func shutdown(sweeper closer, bridge *ws.Server, store *quilt.Store, idx *indexdb.SQLiteIndex, eventLog *persistlog.EventLogger, auditLog *persistlog.AuditLogger, logger *log.Logger) {
	if err := sweeper.Shutdown(); err != nil {
		logger.Printf("sweeper shutdown: %v", err)
	}
	if err := bridge.Close(); err != nil {
		logger.Printf("bridge shutdown: %v", err)
	}
	if err := store.Close(); err != nil {
		logger.Printf("FINAL SAVE FAILED, recent grid changes are lost: %v", err)
	}
	if idx != nil {
		if err := idx.Close(); err != nil {
			logger.Printf("index close: %v", err)
		}
	}
	_ = eventLog.Close()
	_ = auditLog.Close()
	logger.Printf("stopped")
}

// openStore loads the grid. With resetOnCorrupt an unreadable snapshot is
// renamed next to itself and the grid starts empty.
func openStore(cfg quilt.Config, resetOnCorrupt bool, logger *log.Logger) (*quilt.Store, error) {
	store, err := quilt.Open(cfg)
	if err == nil || !snapshot.IsCorrupt(err) {
		return store, err
	}
	if !resetOnCorrupt {
		return nil, fmt.Errorf("%w (restart with -reset_on_corrupt to move it aside)", err)
	}
	aside := fmt.Sprintf("%s.corrupt-%d", cfg.SnapshotPath, time.Now().Unix())
	if rerr := os.Rename(cfg.SnapshotPath, aside); rerr != nil {
		return nil, fmt.Errorf("move corrupt snapshot aside: %w", rerr)
	}
	logger.Printf("snapshot corrupt (%v); moved to %s, starting empty", err, aside)
	return quilt.Open(cfg)
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}
