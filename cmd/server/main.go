package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"
	_ "time/tzdata"

	"citysim.ai/internal/llm"
	"citysim.ai/internal/pathfind"
	"citysim.ai/internal/persistence/archive"
	"citysim.ai/internal/persistence/lease"
	persistlog "citysim.ai/internal/persistence/log"
	"citysim.ai/internal/persistence/logmirror"
	"citysim.ai/internal/persistence/snapshot"
	"citysim.ai/internal/sim/catalogs"
	"citysim.ai/internal/sim/engine"
	"citysim.ai/internal/sim/tuning"
	"citysim.ai/internal/transport/observer"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address (empty to disable)")
		configDir  = flag.String("configs", "./configs", "config directory")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		tuningPath = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")

		once          = flag.Bool("once", false, "run a single tick and exit")
		interval      = flag.Duration("interval", time.Minute, "tick interval")
		maxActivities = flag.Int("max_activities", 0, "cap on due activities processed per tick (0 = no cap)")
		snapEvery     = flag.Uint64("snapshot_every", 60, "write a store snapshot every N ticks (0 = only on request)")

		leaseRedis = flag.String("lease_redis", "", "redis address for the tick lease (empty = no lease)")
		leaseKey   = flag.String("lease_key", "citysim:tick", "redis key of the tick lease")
		leaseTTL   = flag.Duration("lease_ttl", 5*time.Minute, "tick lease ttl")

		otlpEndpoint   = flag.String("otlp_endpoint", "", "OTLP/gRPC endpoint for traces and metrics (empty to disable)")
		otlpInsecure   = flag.Bool("otlp_insecure", false, "use a plaintext OTLP connection")
		traceSample    = flag.Float64("trace_sample", 1, "trace sample rate 0..1")
		metricInterval = flag.Duration("metric_interval", 15*time.Second, "OTLP metric export interval")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)
	engLogger := log.New(os.Stdout, "[engine] ", log.LstdFlags|log.Lmicroseconds)
	_ = os.MkdirAll(*dataDir, 0o755)

	ctx, cancel := signalContext()
	defer cancel()

	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Fatalf("load tuning: %v", err)
		}
		logger.Printf("tuning: %s not found, using defaults", tp)
		tune = tuning.Defaults()
	}

	cats, err := loadCatalogs(ctx, *configDir, tune.CatalogAPI)
	if err != nil {
		logger.Fatalf("load catalogs: %v", err)
	}
	logger.Printf("catalogs: %d building types (%s), %d resource types (%s)",
		len(cats.Buildings.ByType), short(cats.Buildings.Digest), len(cats.Resources.ByID), short(cats.Resources.Digest))

	shutdownTelemetry, err := setupTelemetry(ctx, telemetryConfig{
		Endpoint:       strings.TrimSpace(*otlpEndpoint),
		Insecure:       *otlpInsecure,
		SampleRate:     *traceSample,
		MetricInterval: *metricInterval,
	})
	if err != nil {
		logger.Fatalf("telemetry: %v", err)
	}
	defer func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		if err := shutdownTelemetry(ctx2); err != nil {
			logger.Printf("telemetry shutdown: %v", err)
		}
	}()

	spec := storeSpec(*dataDir)
	st, err := openStore(spec, logger)
	if err != nil {
		logger.Fatalf("%v", err)
	}
	defer st.Close()
	logger.Printf("store: %s", redact(spec))

	mirror, err := buildLogMirror(ctx, *dataDir, logger)
	if err != nil {
		logger.Fatalf("log mirror: %v", err)
	}
	defer mirror.Close()

	tickLog := persistlog.NewTickLogger(*dataDir)
	auditLog := persistlog.NewAuditLogger(*dataDir)
	if mirror != nil {
		tickLog.OnClose(mirror.Enqueue)
		auditLog.OnClose(mirror.Enqueue)
	}
	defer tickLog.Close()
	defer auditLog.Close()

	var tickLease lease.Lease = lease.Noop{}
	if a := strings.TrimSpace(*leaseRedis); a != "" {
		rl := lease.NewRedisLease(a, os.Getenv("CS_REDIS_PASSWORD"), 0, *leaseKey, *leaseTTL)
		if err := rl.Ping(ctx); err != nil {
			logger.Fatalf("lease redis: %v", err)
		}
		defer rl.Close()
		tickLease = rl
	}

	cfg := engine.Config{
		Store:         st,
		Catalogs:      cats,
		Tuning:        tune,
		Lease:         tickLease,
		TickLog:       tickLog,
		Audit:         auditLog,
		Logger:        engLogger,
		MaxActivities: *maxActivities,
	}
	if u := strings.TrimSpace(tune.Pathfinding.URL); u != "" {
		cfg.Oracle = pathfind.New(u, pathfind.Options{
			Timeout:    tune.Pathfinding.Timeout(),
			RatePerSec: tune.Pathfinding.RatePerSec,
			Burst:      tune.Pathfinding.Burst,
		})
	}
	if u := strings.TrimSpace(tune.LLM.URL); u != "" {
		cfg.Asker = llm.New(u, llm.Options{
			APIKey:     os.Getenv("CS_LLM_API_KEY"),
			Model:      tune.LLM.Model,
			Timeout:    tune.LLM.Timeout(),
			RatePerSec: tune.LLM.RatePerSec,
			Burst:      tune.LLM.Burst,
		})
	}
	eng, err := engine.New(cfg)
	if err != nil {
		logger.Fatalf("engine: %v", err)
	}

	snapDir := filepath.Join(*dataDir, "snapshots")
	snapCh := make(chan snapshot.SnapshotV1, 2)
	eng.SetSnapshotSink(snapCh, *snapEvery)
	snapDone := make(chan struct{})
	go func() {
		defer close(snapDone)
		for {
			select {
			case <-ctx.Done():
				return
			case snap := <-snapCh:
				path := filepath.Join(snapDir, snapshot.FileName(snap.Header.Tick))
				if err := snapshot.WriteSnapshot(path, snap); err != nil {
					logger.Printf("snapshot write: %v", err)
					continue
				}
				logger.Printf("snapshot tick=%d records=%d path=%s", snap.Header.Tick, snap.Records(), path)
				mirror.Enqueue(path)
				day, archived, ok, err := archive.ArchiveDaySnapshot(*dataDir, path, snap, eng.Location())
				if err != nil {
					logger.Printf("archive day snapshot: %v", err)
				} else if ok {
					logger.Printf("archived day=%s path=%s", day, archived)
					mirror.Enqueue(archived)
				}
			}
		}
	}()

	if *once {
		rep, err := eng.Tick(ctx, time.Now())
		if err != nil {
			logger.Fatalf("tick: %v", err)
		}
		cancel()
		<-snapDone
		_ = json.NewEncoder(os.Stdout).Encode(rep)
		return
	}

	obsSrv := observer.NewServer(eng, logger)
	eng.AddObserver(obsSrv)
	if strings.TrimSpace(*addr) != "" {
		srv := &http.Server{
			Addr:              *addr,
			Handler:           newMux(eng, obsSrv, mirror, logger),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			<-ctx.Done()
			ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel2()
			_ = srv.Shutdown(ctx2)
		}()
		go func() {
			logger.Printf("listening on %s", *addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Printf("ListenAndServe: %v", err)
				cancel()
			}
		}()
	}

	logger.Printf("ticking every %s (timezone %s)", *interval, eng.Timezone())
	if err := eng.Run(ctx, *interval, time.Now); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatalf("run: %v", err)
	}
	<-snapDone
	logger.Printf("stopped at tick %d", func() uint64 { n, _ := eng.LastTick(); return n }())
}

func loadCatalogs(ctx context.Context, configDir string, api tuning.Service) (*catalogs.Catalogs, error) {
	if u := strings.TrimSpace(api.URL); u != "" {
		ctx2, cancel := context.WithTimeout(ctx, api.Timeout())
		defer cancel()
		return catalogs.Fetch(ctx2, &http.Client{}, u)
	}
	return catalogs.Load(configDir)
}

func newMux(eng *engine.Engine, obs *observer.Server, mirror *logmirror.Mirror, logger *log.Logger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		writeMetrics(rw, eng, obs)
		writeMirrorMetrics(rw, mirror)
	})

	if envBool("CS_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP()) {
		mux.HandleFunc("/admin/v1/state", func(rw http.ResponseWriter, r *http.Request) {
			if !isLoopbackRemote(r.RemoteAddr) {
				http.Error(rw, "forbidden", http.StatusForbidden)
				return
			}
			tick, at := eng.LastTick()
			rw.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(rw).Encode(struct {
				Tick      uint64    `json:"tick"`
				Time      time.Time `json:"time"`
				Timezone  string    `json:"timezone"`
				Observers int       `json:"observers"`
			}{tick, at, eng.Timezone(), obs.Sessions()})
		})
		mux.HandleFunc("/admin/v1/snapshot", func(rw http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				rw.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			if !isLoopbackRemote(r.RemoteAddr) {
				http.Error(rw, "forbidden", http.StatusForbidden)
				return
			}
			ctx2, cancel2 := context.WithTimeout(r.Context(), 30*time.Second)
			defer cancel2()
			tick, err := eng.RequestSnapshot(ctx2)
			rw.Header().Set("Content-Type", "application/json")
			if err != nil {
				rw.WriteHeader(http.StatusServiceUnavailable)
				_ = json.NewEncoder(rw).Encode(map[string]any{"ok": false, "tick": tick, "error": err.Error()})
				return
			}
			_ = json.NewEncoder(rw).Encode(map[string]any{"ok": true, "tick": tick})
		})
		mux.HandleFunc("/admin/v1/observer/bootstrap", obs.BootstrapHandler())
		mux.HandleFunc("/admin/v1/observer/ws", obs.WSHandler())
	} else {
		logger.Printf("admin endpoints disabled (CS_ENABLE_ADMIN_HTTP=false)")
	}
	if envBool("CS_ENABLE_PPROF_HTTP", false) {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	return mux
}

type metricsSource interface {
	LastTick() (uint64, time.Time)
}

type sessionCounter interface {
	Sessions() int
}

// writeMetrics emits the minimal Prometheus text format.
func writeMetrics(rw http.ResponseWriter, eng metricsSource, obs sessionCounter) {
	tick, at := eng.LastTick()
	fmt.Fprintf(rw, "# HELP citysim_tick Number of the last tick.\n")
	fmt.Fprintf(rw, "# TYPE citysim_tick gauge\n")
	fmt.Fprintf(rw, "citysim_tick %d\n", tick)

	var ts int64
	if !at.IsZero() {
		ts = at.Unix()
	}
	fmt.Fprintf(rw, "# HELP citysim_tick_time_unix Simulation time of the last tick.\n")
	fmt.Fprintf(rw, "# TYPE citysim_tick_time_unix gauge\n")
	fmt.Fprintf(rw, "citysim_tick_time_unix %d\n", ts)

	fmt.Fprintf(rw, "# HELP citysim_observers Connected observers.\n")
	fmt.Fprintf(rw, "# TYPE citysim_observers gauge\n")
	fmt.Fprintf(rw, "citysim_observers %d\n", obs.Sessions())
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

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}

func short(digest string) string {
	if len(digest) > 12 {
		return digest[:12]
	}
	return digest
}
