// Command faultline runs the error-monitoring service.
//
// Logging:
//   - Base logger is created here with output format and level
//   - Logger is passed to all components via dependency injection
//   - No global slog configuration (no slog.SetDefault)
//   - Components scope loggers with their own attributes
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"faultline/internal/auth"
	"faultline/internal/channel"
	"faultline/internal/config"
	"faultline/internal/digest"
	"faultline/internal/dispatch"
	"faultline/internal/enrich"
	"faultline/internal/forward"
	"faultline/internal/home"
	"faultline/internal/ingest"
	"faultline/internal/logging"
	"faultline/internal/metric"
	"faultline/internal/pipeline"
	"faultline/internal/quota"
	"faultline/internal/registry"
	"faultline/internal/report"
	"faultline/internal/retention"
	"faultline/internal/schedule"
	"faultline/internal/server"
	"faultline/internal/store"
	"faultline/internal/store/memory"
	"faultline/internal/store/sqlite"
)

var version = "dev"

// defaultTokenTTL is the lifetime of operator-minted bearer tokens.
const defaultTokenTTL = 168 * time.Hour // 7 days

func main() {
	// Create base logger with ComponentFilterHandler for dynamic log level control.
	baseHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug, // Allow all levels; filtering done by ComponentFilterHandler
	})
	filterHandler := logging.NewComponentFilterHandler(baseHandler, slog.LevelInfo)
	logger := slog.New(filterHandler)

	rootCmd := &cobra.Command{
		Use:   "faultline",
		Short: "Error monitoring service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			pprofAddr, _ := cmd.Flags().GetString("pprof")
			if pprofAddr != "" {
				go func() {
					logger.Info("pprof server listening", "addr", pprofAddr)
					if err := http.ListenAndServe(pprofAddr, nil); err != nil {
						logger.Error("pprof server error", "error", err)
					}
				}()
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().String("data", "", "data directory (default: platform config dir)")
	rootCmd.PersistentFlags().String("pprof", "", "pprof HTTP server address (e.g. localhost:6060). WARNING: exposes CPU/memory profiles and goroutine dumps; bind to loopback only, never expose publicly")

	serverCmd := &cobra.Command{
		Use:   "server",
		Short: "Start the faultline service",
		RunE: func(cmd *cobra.Command, args []string) error {
			dataFlag, _ := cmd.Flags().GetString("data")
			addr, _ := cmd.Flags().GetString("addr")
			seed, _ := cmd.Flags().GetBool("bootstrap")

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			return run(ctx, logger, dataFlag, addr, seed)
		},
	}

	serverCmd.Flags().String("addr", ":8080", "listen address (host:port)")
	serverCmd.Flags().Bool("bootstrap", false, "seed an empty store with an admin user, demo project and default rule")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	rootCmd.AddCommand(serverCmd, tokenCmd(), keygenCmd(), versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, dataFlag, addr string, seed bool) error {
	// Resolve data directory.
	hd, err := resolveHome(dataFlag)
	if err != nil {
		return fmt.Errorf("resolve data directory: %w", err)
	}

	// Load configuration from the environment, fail fast.
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}

	if err := hd.EnsureExists(); err != nil {
		return err
	}
	logger.Info("data directory", "path", hd.Root())

	// Open the store.
	st, err := openStore(hd, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	if c, ok := st.(io.Closer); ok {
		defer c.Close()
	}

	// Redis is optional. Without it the key cache and quota counters are
	// process-local, which is fine for a single server.
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse REDIS_URL: %w", err)
		}
		rdb = redis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		defer rdb.Close()
		logger.Info("redis connected", "addr", opts.Addr)
	}

	var cache registry.Cache
	var inlineCache *registry.InlineCache
	if rdb != nil {
		cache = registry.NewRedisCache(rdb, 0, logger)
	} else {
		inlineCache = registry.NewInlineCache(0)
		cache = inlineCache
	}
	reg := registry.New(st, cache, logger)

	limits := quota.Limits{PerMinute: cfg.QuotaPerMinute, PerHour: cfg.QuotaPerHour}
	var limiter quota.Limiter
	var inlineQuota *quota.Inline
	if rdb != nil {
		limiter = quota.NewRedis(rdb, limits)
	} else {
		inlineQuota = quota.NewInline(limits)
		limiter = inlineQuota
	}

	metrics := metric.New()
	metrics.RegisterServerInfo(version, time.Now())

	// Optional GeoIP enrichment, reloaded live when the database file
	// changes (MaxMind updaters replace it in place).
	var geo *enrich.GeoIP
	if cfg.GeoIPDB != "" {
		geo = enrich.NewGeoIP()
		info, err := geo.Load(cfg.GeoIPDB)
		if err != nil {
			return fmt.Errorf("load geoip database: %w", err)
		}
		defer geo.Close()
		if err := geo.WatchFile(cfg.GeoIPDB); err != nil {
			logger.Warn("geoip reload watch failed", "error", err)
		}
		logger.Info("geoip database loaded", "type", info.DatabaseType, "built", info.BuildTime)
	}
	enricher := enrich.New(geo)

	ing := ingest.New(st, enricher, cfg.Oversize, logger)

	email, err := channel.NewEmail(cfg.SMTPURL, cfg.APIBaseURL)
	if err != nil {
		return fmt.Errorf("email channel: %w", err)
	}
	adapters := channel.NewSet(email, cfg.APIBaseURL)
	disp := dispatch.New(st, adapters, logger)

	// Optional Kafka forwarding of accepted events.
	var fwd *forward.Forwarder
	if len(cfg.KafkaBrokers) > 0 {
		fc := forward.Config{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
			TLS:     cfg.KafkaTLS,
			Logger:  logger,
		}
		if cfg.KafkaSASL != nil {
			fc.SASL = &forward.SASLConfig{
				Mechanism: cfg.KafkaSASL.Mechanism,
				User:      cfg.KafkaSASL.User,
				Password:  cfg.KafkaSASL.Password,
			}
		}
		if fwd, err = forward.New(fc); err != nil {
			return fmt.Errorf("kafka forwarder: %w", err)
		}
		logger.Info("event forwarding enabled", "topic", cfg.KafkaTopic, "brokers", len(cfg.KafkaBrokers))
	}

	pcfg := pipeline.Config{
		Store:      st,
		Dispatcher: disp,
		Metrics:    metrics,
		Logger:     logger,
	}
	if fwd != nil {
		pcfg.Forwarder = fwd
	}
	pipe := pipeline.New(pcfg)
	// Background context so Stop drains the queues; the signal context
	// would abandon in-flight work the moment it fires.
	if err := pipe.Start(context.Background()); err != nil {
		return err
	}
	metrics.RegisterQueueGauges(pipe.Depth, pipe.Capacity())

	gen := report.NewGenerator(st, hd.ReportsDir(), logger)
	var mailer report.Mailer
	if email.Configured() {
		mailer = email
	}
	runner := report.NewRunner(st, gen, mailer, logger)
	sweeper := retention.NewSweeper(st, logger)

	tokens := auth.NewTokenService(cfg.JWTSecret, defaultTokenTTL)

	if seed {
		if err := runBootstrap(ctx, logger, st, reg, tokens); err != nil {
			return fmt.Errorf("bootstrap: %w", err)
		}
	}

	// Cron expressions carry a leading seconds field.
	sched, err := schedule.New(logger)
	if err != nil {
		return err
	}
	if err := sched.AddJob("report-tick", "0 * * * * *", func() {
		if err := runner.Tick(ctx); err != nil {
			logger.Error("report tick failed", "error", err)
		}
	}); err != nil {
		return err
	}
	if err := sched.AddJob("retention-sweep", "0 0 * * * *", func() {
		occurrences, groups, err := sweeper.Sweep(ctx)
		if err != nil {
			logger.Error("retention sweep failed", "error", err)
			return
		}
		metrics.RetentionDeleted(occurrences, groups)
	}); err != nil {
		return err
	}
	if email.Configured() {
		flusher := digest.New(st, email, logger)
		if err := sched.AddJob("digest-flush", "0 */15 * * * *", func() {
			n, err := flusher.Flush(ctx)
			if err != nil {
				logger.Error("digest flush failed", "error", err)
				return
			}
			metrics.DigestsSent(n)
		}); err != nil {
			return err
		}
	} else {
		logger.Info("SMTP_URL not set, email delivery and digests disabled")
	}
	// The inline limiter and key cache grow one entry per distinct client;
	// evict idle ones. Redis expires its own keys.
	if inlineQuota != nil {
		if err := sched.AddJob("janitor", "0 */10 * * * *", func() {
			inlineQuota.Cleanup(time.Hour)
			inlineCache.Cleanup()
		}); err != nil {
			return err
		}
	}
	sched.Start()

	srv := server.New(server.Config{
		Store:      st,
		Registry:   reg,
		Ingest:     ing,
		Pipeline:   pipe,
		Dispatcher: disp,
		Adapters:   adapters,
		Quota:      limiter,
		Tokens:     tokens,
		Reports:    gen,
		Metrics:    metrics,
		Redis:      rdb,
		Origins:    cfg.DashboardOrigins,
		BaseURL:    cfg.APIBaseURL,
		Logger:     logger,
	})

	var serverWg sync.WaitGroup
	serverWg.Go(func() {
		if err := srv.ServeTCP(addr); err != nil {
			logger.Error("server error", "error", err)
		}
	})

	// Wait for shutdown signal.
	<-ctx.Done()

	// Stop the server first so nothing new enters the pipeline.
	logger.Info("stopping server")
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Stop(stopCtx); err != nil {
		logger.Error("server stop error", "error", err)
	}
	serverWg.Wait()

	if err := sched.Stop(); err != nil {
		logger.Error("scheduler stop error", "error", err)
	}
	if err := pipe.Stop(); err != nil {
		logger.Error("pipeline stop error", "error", err)
	}
	if fwd != nil {
		fwd.Close()
	}
	logger.Info("shutdown complete")
	return nil
}

// resolveHome returns a Dir from the flag value, or the platform default.
func resolveHome(flagValue string) (home.Dir, error) {
	if flagValue != "" {
		return home.New(flagValue), nil
	}
	return home.Default()
}

// openStore picks the store backend from DATABASE_URL. Empty selects the
// sqlite file under the data directory, "memory" the map-backed store, and
// anything else is a sqlite path (":memory:" included).
func openStore(hd home.Dir, url string) (store.Store, error) {
	switch url {
	case "":
		return sqlite.NewStore(hd.DBPath())
	case "memory":
		return memory.NewStore(), nil
	default:
		return sqlite.NewStore(url)
	}
}
