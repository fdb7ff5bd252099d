// Command agentmemoryd runs the Agent Memory daemon: event ingestion, the
// time-hierarchy summarizer, the lexical/vector/topic indexes, the
// scheduler that keeps them current, and the Service Surface's HTTP status
// endpoints. Wiring mirrors the teacher's cmd/cliairmonitor/main.go (load
// config, init storage, start an embedded NATS server, start HTTP, wait on
// a signal, shut down in reverse order) generalized from one Aider fleet to
// this daemon's component set.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/agent-memory/agentmemory/internal/bm25"
	"github.com/agent-memory/agentmemory/internal/bus"
	"github.com/agent-memory/agentmemory/internal/config"
	"github.com/agent-memory/agentmemory/internal/eventlog"
	"github.com/agent-memory/agentmemory/internal/grip"
	"github.com/agent-memory/agentmemory/internal/outbox"
	"github.com/agent-memory/agentmemory/internal/scheduler"
	"github.com/agent-memory/agentmemory/internal/service"
	"github.com/agent-memory/agentmemory/internal/storage"
	"github.com/agent-memory/agentmemory/internal/telemetry"
	"github.com/agent-memory/agentmemory/internal/toc"
	"github.com/agent-memory/agentmemory/internal/topics"
	"github.com/agent-memory/agentmemory/internal/vector"
	"github.com/agent-memory/agentmemory/internal/workpool"
)

func main() {
	var configPath string
	var dev bool
	var statusAddr string
	var dataDirFlag string
	var statusAddrFlag string
	var natsPortFlag int

	root := &cobra.Command{
		Use:   "agentmemoryd",
		Short: "Agent Memory conversational memory daemon",
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon: ingest events, build the time hierarchy, serve retrieval",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath, dev, configOverrides{
				dataDir:    dataDirFlag,
				statusAddr: statusAddrFlag,
				natsPort:   natsPortFlag,
				natsPortSet: cmd.Flags().Changed("nats-port"),
			})
		},
	}
	serveCmd.Flags().StringVar(&configPath, "config", "configs/agentmemory.yaml", "path to the configuration file")
	serveCmd.Flags().BoolVar(&dev, "dev", false, "use a development (console) logger instead of production JSON")
	serveCmd.Flags().StringVar(&dataDirFlag, "data-dir", "", "override the configured data directory (spec §6 CLI flags override environment)")
	serveCmd.Flags().StringVar(&statusAddrFlag, "status-addr", "", "override the configured status HTTP bind address")
	serveCmd.Flags().IntVar(&natsPortFlag, "nats-port", 0, "set bind.nats_port in the loaded config; the embedded NATS server does not read it and always listens on an OS-assigned port")

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Query a running daemon's /api/capabilities endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(statusAddr)
		},
	}
	statusCmd.Flags().StringVar(&statusAddr, "addr", "127.0.0.1:7077", "status HTTP address of a running daemon")

	root.AddCommand(serveCmd, statusCmd)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// configOverrides carries the serve command's per-field CLI flags, applied
// after config.Load returns so they win over both the file and environment
// tiers (spec §6: "CLI flags override environment").
type configOverrides struct {
	dataDir     string
	statusAddr  string
	natsPort    int
	natsPortSet bool
}

func (o configOverrides) apply(cfg *config.Config) {
	if o.dataDir != "" {
		cfg.DataDir = o.dataDir
	}
	if o.statusAddr != "" {
		cfg.Bind.StatusAddr = o.statusAddr
	}
	if o.natsPortSet {
		cfg.Bind.NATSPort = o.natsPort
	}
}

func runServe(configPath string, dev bool, overrides configOverrides) error {
	logger, err := telemetry.NewLogger(dev)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	overrides.apply(cfg)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	store, err := storage.Open(filepath.Join(cfg.DataDir, "agentmemory.db"))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	embedder := vector.NewStubEmbedder(cfg.Vector.Dimensions)
	eventLog := eventlog.New(store, logger)
	gripExp := grip.New(store, logger)
	tocBuilder := toc.NewBuilder(store, toc.StubSummarizer{}, toc.StubSummarizer{}, cfg.TOC, logger)
	rollup := toc.NewRollupScheduler(store, toc.StubSummarizer{}, logger)

	// cpuPool bounds the CPU-bound work of every index component (bleve
	// commit, hnsw search/insert, dbscan clustering) against one shared
	// budget rather than letting each maintain its own (spec §5 added note).
	cpuPool := workpool.New(runtime.NumCPU())

	var bm25Idx *bm25.Index
	if cfg.BM25.Enabled {
		bm25Idx, err = bm25.Open(filepath.Join(cfg.DataDir, "bm25"), cfg.BM25, logger, bm25.WithPool(cpuPool))
		if err != nil {
			return fmt.Errorf("open bm25 index: %w", err)
		}
		defer bm25Idx.Close()
	}

	var vectorIdx *vector.Index
	if cfg.Vector.Enabled {
		vectorIdx = vector.New(store, embedder, cfg.Vector, logger, vector.WithPool(cpuPool))
	}

	var topicsExt *topics.Extractor
	if cfg.Topics.Enabled {
		topicsExt = topics.NewExtractor(store, embedder, topics.NewStubLabeler(), cfg.Topics, logger, topics.WithPool(cpuPool))
	}

	health := telemetry.NewJobHealth()
	relay := outbox.New(store, logger)

	eventBus, err := bus.NewEmbedded(logger)
	if err != nil {
		return fmt.Errorf("start embedded nats: %w", err)
	}
	defer eventBus.Close()

	sched := scheduler.New(logger, health, 3)
	registerJobs(sched, store, bm25Idx, vectorIdx, topicsExt, tocBuilder, rollup, cfg)
	sched.Start()
	defer sched.Stop()

	if _, err := eventBus.SubscribeOutboxNew(func() {
		runRelayConsumers(relay, bm25Idx, vectorIdx, store, logger)
	}); err != nil {
		logger.Warn("failed to subscribe to outbox notifications", zap.Error(err))
	}

	svc := service.New(service.Deps{
		Store: store, EventLog: eventLog, TOCBuilder: tocBuilder, GripExp: gripExp,
		BM25Idx: bm25Idx, VectorIdx: vectorIdx, TopicsExt: topicsExt,
		Health: health, Scheduler: sched, Relay: relay, EventBus: eventBus, Cfg: cfg,
	}, logger)

	statusSrv := service.NewStatusServer(svc, cfg.Bind.StatusAddr, logger)
	statusSrv.Start()

	logger.Info("agentmemoryd ready",
		zap.String("status_addr", cfg.Bind.StatusAddr),
		zap.Bool("bm25_enabled", cfg.BM25.Enabled),
		zap.Bool("vector_enabled", cfg.Vector.Enabled),
		zap.Bool("topics_enabled", cfg.Topics.Enabled),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := statusSrv.Shutdown(ctx); err != nil {
		logger.Warn("status server shutdown error", zap.Error(err))
	}
	cpuPool.Close()
	logger.Info("agentmemoryd shutdown complete")
	return nil
}

// storageReclaimFreelistFraction triggers storage.Reclaim once bbolt's
// free-list grows past this fraction of the data file's page count — the
// compaction threshold described in internal/storage.Store.Reclaim's doc
// comment.
const storageReclaimFreelistFraction = 0.3

// registerJobs wires the standard background jobs onto the scheduler (spec
// §4.8): TOC idle-flush, BM25 commit, topic extraction, storage compaction,
// and the admin prune jobs, skipping any job whose backing component is
// disabled.
func registerJobs(sched *scheduler.Scheduler, store *storage.Store, bm25Idx *bm25.Index, vectorIdx *vector.Index, topicsExt *topics.Extractor, tocBuilder *toc.Builder, rollup *toc.RollupScheduler, cfg *config.Config) {
	mustAddJob(sched, scheduler.JobSpec{
		Name: "storage_reclaim", CronExpr: "0 1 * * *", Overlap: scheduler.OverlapSkip,
		MaxJitter: 15 * time.Minute,
		Fn: func(ctx context.Context) error {
			return store.Reclaim(storageReclaimFreelistFraction)
		},
	})

	mustAddJob(sched, scheduler.JobSpec{
		Name: "toc_flush_idle", CronExpr: "@every 1m", Overlap: scheduler.OverlapSkip,
		MaxJitter: 5 * time.Second,
		Fn: func(ctx context.Context) error {
			_, err := tocBuilder.FlushIdle(ctx, time.Now().UnixMilli())
			return err
		},
	})

	mustAddJob(sched, scheduler.JobSpec{
		Name: "toc_rollup", CronExpr: "@every 10m", Overlap: scheduler.OverlapSkip,
		MaxJitter: 15 * time.Second,
		Fn:        rollup.RunOnce,
	})

	if bm25Idx != nil {
		interval := cfg.BM25.CommitIntervalSeconds
		if interval <= 0 {
			interval = 60
		}
		mustAddJob(sched, scheduler.JobSpec{
			Name: "bm25_commit", CronExpr: fmt.Sprintf("@every %ds", interval), Overlap: scheduler.OverlapSkip,
			Fn: func(ctx context.Context) error { return bm25Idx.Commit() },
		})
		if cfg.BM25.RetentionEnabled {
			mustAddJob(sched, scheduler.JobSpec{
				Name: "bm25_prune", CronExpr: "0 3 * * *", Overlap: scheduler.OverlapSkip,
				MaxJitter: 5 * time.Minute,
				Fn: func(ctx context.Context) error {
					_, err := bm25Idx.Prune(time.Now().UnixMilli())
					return err
				},
			})
		}
	}

	if topicsExt != nil {
		mustAddJob(sched, scheduler.JobSpec{
			Name: "topic_extraction", CronExpr: "0 4 * * *", Overlap: scheduler.OverlapSkip,
			MaxJitter: 10 * time.Minute,
			Fn:        topicsExt.RunExtraction,
		})
	}

	if vectorIdx != nil {
		mustAddJob(sched, scheduler.JobSpec{
			Name: "vector_prune", CronExpr: "0 2 * * *", Overlap: scheduler.OverlapSkip,
			MaxJitter: 10 * time.Minute,
			Fn: func(ctx context.Context) error {
				_, err := vectorIdx.PruneExpired(time.Now().UnixMilli())
				return err
			},
		})
	}
}

func mustAddJob(sched *scheduler.Scheduler, spec scheduler.JobSpec) {
	if err := sched.AddJob(spec); err != nil {
		panic(fmt.Sprintf("invalid job spec %q: %v", spec.Name, err))
	}
}

// runRelayConsumers drains one batch of outbox entries into every enabled
// derived-state consumer (spec §4.8 Relay), triggered by the embedded bus's
// outbox-new notification rather than a fixed poll interval.
func runRelayConsumers(relay *outbox.Relay, bm25Idx *bm25.Index, vectorIdx *vector.Index, store *storage.Store, logger *zap.Logger) {
	ctx := context.Background()
	if bm25Idx != nil {
		if _, err := relay.RunOnce(ctx, outbox.NewBM25Consumer(store, bm25Idx)); err != nil {
			logger.Warn("bm25 relay consumer failed", zap.Error(err))
		}
	}
	if vectorIdx != nil {
		if _, err := relay.RunOnce(ctx, outbox.NewVectorConsumer(store, vectorIdx)); err != nil {
			logger.Warn("vector relay consumer failed", zap.Error(err))
		}
	}
}

func runStatus(addr string) error {
	resp, err := http.Get(fmt.Sprintf("http://%s/api/capabilities", addr))
	if err != nil {
		return fmt.Errorf("query %s: %w", addr, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var pretty map[string]any
	if err := json.Unmarshal(body, &pretty); err != nil {
		fmt.Println(string(body))
		return nil
	}
	out, _ := json.MarshalIndent(pretty, "", "  ")
	fmt.Println(string(out))
	return nil
}
