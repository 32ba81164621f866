// Command riskd runs the risk-control engine as a standalone daemon: it
// loads a JSON rule/catalog config, optionally attaches a websocket feed
// and/or a Postgres audit sink, and serves until interrupted.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	pyroscope "github.com/grafana/pyroscope-go"
	"github.com/yanun0323/logs"

	"riskguard/internal/action"
	"riskguard/internal/audit"
	"riskguard/internal/config"
	"riskguard/internal/engine"
	"riskguard/internal/ingestadapter"
	"riskguard/internal/wsadapter"
	"riskguard/pkg/conn"
)

type runtimeConfig struct {
	v atomic.Value
}

func newRuntimeConfig(loaded config.Loaded) *runtimeConfig {
	var rc runtimeConfig
	rc.v.Store(loaded)
	return &rc
}

func (r *runtimeConfig) Load() config.Loaded { return r.v.Load().(config.Loaded) }
func (r *runtimeConfig) Update(loaded config.Loaded) { r.v.Store(loaded) }

func main() {
	configPath := flag.String("config", "", "path to JSON config (required)")
	configReload := flag.Duration("config-reload-interval", 5*time.Second, "config file poll interval (0=disable hot reload)")
	shardCount := flag.Int("shard-count", 64, "daily counter shard count, used if the config omits shardCount")
	orderIndexCap := flag.Int("order-index-cap", 1_000_000, "order attribution index capacity, used if the config omits orderIndexCap")

	wsURL := flag.String("ws-url", "", "upstream websocket feed URL (disabled if empty)")
	ingestQueueSize := flag.Int("ingest-queue-size", 4096, "bounded ingest queue capacity")
	ingestWorkers := flag.Int("ingest-workers", 4, "ingest worker pool size")

	auditEnabled := flag.Bool("audit-enabled", false, "persist dispatched actions to Postgres")
	auditHost := flag.String("audit-host", "localhost", "Postgres host for the audit sink")
	auditPort := flag.Int("audit-port", 5432, "Postgres port for the audit sink")
	auditUser := flag.String("audit-user", "riskguard", "Postgres user for the audit sink")
	auditPassword := flag.String("audit-password", "", "Postgres password for the audit sink")
	auditDatabase := flag.String("audit-database", "riskguard", "Postgres database for the audit sink")

	profileEnabled := flag.Bool("profile", false, "enable continuous profiling via pyroscope")
	profileServer := flag.String("profile-server", "http://localhost:4040", "pyroscope server address")
	flag.Parse()

	if *configPath == "" {
		log.Fatalf("riskd: -config is required")
	}

	if *profileEnabled {
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: "riskguard/riskd",
			ServerAddress:   *profileServer,
			ProfileTypes: []pyroscope.ProfileType{
				pyroscope.ProfileCPU,
				pyroscope.ProfileAllocObjects,
				pyroscope.ProfileAllocSpace,
				pyroscope.ProfileInuseObjects,
				pyroscope.ProfileInuseSpace,
			},
		})
		if err != nil {
			log.Fatalf("riskd: pyroscope start failed: %v", err)
		}
		defer func() { _ = profiler.Stop() }()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	loaded, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("riskd: config load failed: %v", err)
	}
	if loaded.ShardCount == 0 {
		loaded.ShardCount = *shardCount
	}
	if loaded.OrderIndexCap == 0 {
		loaded.OrderIndexCap = *orderIndexCap
	}
	runtime := newRuntimeConfig(loaded)

	sink, err := buildSink(*auditEnabled, *auditHost, *auditPort, *auditUser, *auditPassword, *auditDatabase)
	if err != nil {
		log.Fatalf("riskd: audit sink setup failed: %v", err)
	}

	e := engine.New(engine.Config{
		Catalog:       loaded.Catalog,
		ShardCount:    loaded.ShardCount,
		OrderIndexCap: loaded.OrderIndexCap,
		Sink:          sink,
	})

	builtRules, err := config.BuildRules(e, loaded.Rules)
	if err != nil {
		log.Fatalf("riskd: rule build failed: %v", err)
	}
	e.ReplaceRules(builtRules)

	if *configReload > 0 {
		go watchConfig(ctx, *configPath, *configReload, e, runtime)
	}

	adapter := ingestadapter.New(e, *ingestQueueSize, *ingestWorkers)
	adapterDone := make(chan error, 1)
	go func() { adapterDone <- adapter.Run(ctx) }()

	if *wsURL != "" {
		wsClient := wsadapter.NewClient(*wsURL, adapter, wsadapter.DefaultBackoff())
		go wsClient.Run(ctx)
	}

	logs.Infof("riskd: serving with %d rule(s), config=%s", len(builtRules), *configPath)

	<-ctx.Done()
	logs.Infof("riskd: shutting down")
	adapter.Close()
	<-adapterDone
}

// buildSink wires the audit sink into engine.Config.Sink when enabled. A
// disabled audit sink yields nil, which engine.New treats as a no-op sink;
// a failure to construct the audit sink is returned to the caller.
func buildSink(enabled bool, host string, port int, user, password, database string) (action.Sink, error) {
	if !enabled {
		return nil, nil
	}
	auditSink, err := audit.New(conn.Option{
		Host:     host,
		Port:     port,
		User:     user,
		Password: password,
		Database: database,
	})
	if err != nil {
		return nil, err
	}
	return audit.Fanout(auditSink.Write), nil
}

func watchConfig(ctx context.Context, path string, interval time.Duration, e *engine.Engine, runtime *runtimeConfig) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastMod time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			info, err := os.Stat(path)
			if err != nil {
				logs.Errorf("riskd: config stat failed: %+v", err)
				continue
			}
			if !info.ModTime().After(lastMod) {
				continue
			}
			loaded, err := config.Load(path)
			if err != nil {
				logs.Errorf("riskd: config reload failed: %+v", err)
				continue
			}
			builtRules, err := config.BuildRules(e, loaded.Rules)
			if err != nil {
				logs.Errorf("riskd: rule rebuild failed: %+v", err)
				continue
			}
			e.ReplaceRules(builtRules)
			runtime.Update(loaded)
			lastMod = info.ModTime()
			logs.Infof("riskd: config reloaded: %s", path)
		}
	}
}
