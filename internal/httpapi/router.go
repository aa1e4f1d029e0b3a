package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"ollama_logger/internal/billing"
	"ollama_logger/internal/config"
	"ollama_logger/internal/logging"
	"ollama_logger/internal/metrics"
	"ollama_logger/internal/middleware"
	"ollama_logger/internal/queue"
	"ollama_logger/internal/storage"
	"ollama_logger/internal/tokens"
	"ollama_logger/internal/upstream"
	"ollama_logger/internal/utils"
)

// Forwarder performs one upstream call
type Forwarder interface {
	Forward(ctx context.Context, req upstream.Request, stream bool) (*upstream.Response, error)
}

// Dependencies aggregates all services the HTTP layer needs.
type Dependencies struct {
	Upstream Forwarder
	Sink     logging.Sink
	Metrics  metrics.Metrics
	Tokens   tokens.Counter
	Cost     *billing.Calculator
	Logger   *utils.Logger

	// MaxLineBytes bounds one buffered NDJSON line; zero uses the framer default
	MaxLineBytes int

	// Clock is used for timing; nil means time.Now
	Clock func() time.Time

	dispatcher *upstream.Dispatcher
	db         *storage.DB
}

func (d *Dependencies) now() time.Time {
	if d.Clock != nil {
		return d.Clock()
	}
	return time.Now()
}

// NewRouter creates the HTTP handler with all dependencies wired up
func NewRouter(cfg *config.Config) (http.Handler, *Dependencies, error) {
	logger := utils.NewLogger("router")

	dispatcher, err := upstream.NewDispatcher(upstream.Config{
		BaseURL:         cfg.Upstream.BaseURL,
		Timeout:         cfg.Upstream.Timeout,
		MaxIdleConns:    cfg.Upstream.MaxIdleConns,
		MaxConnsPerHost: cfg.Upstream.MaxConnsPerHost,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize upstream dispatcher: %w", err)
	}

	counter, err := tokens.New(cfg.Cost.TokenCounter)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize token counter: %w", err)
	}

	m := metrics.NewPrometheus("ollama_logger")

	ctx := context.Background()
	store, db, err := openStore(ctx, cfg)
	if err != nil {
		dispatcher.Close()
		return nil, nil, err
	}

	var mirrors []logging.Store
	if cfg.S3.Enabled {
		archive, err := logging.NewS3Archive(ctx, logging.S3ArchiveConfig{
			Bucket:        cfg.S3.Bucket,
			Region:        cfg.S3.Region,
			Prefix:        cfg.S3.Prefix,
			PodName:       cfg.S3.PodName,
			FlushSize:     cfg.S3.FlushSize,
			FlushInterval: cfg.S3.FlushInterval,
		})
		if err != nil {
			logger.Warn("S3 archive disabled", "error", err)
		} else {
			mirrors = append(mirrors, archive)
		}
	}
	if cfg.NATS.URL != "" {
		publisher, err := logging.NewNATSPublisher(cfg.NATS.URL, cfg.NATS.Subject)
		if err != nil {
			logger.Warn("NATS mirror disabled", "url", cfg.NATS.URL, "error", err)
		} else {
			mirrors = append(mirrors, publisher)
		}
	}

	// Initialize the request log queue
	queueCfg := queue.DefaultConfig("ollama_logger:request_logs")
	queueCfg.MaxLength = cfg.LogSink.QueueSize
	queueCfg.BatchSize = cfg.LogSink.BatchSize
	queueCfg.BatchTimeout = cfg.LogSink.BatchTimeout
	queueCfg.MaxRetries = cfg.LogSink.MaxRetries
	queueCfg.RetryBackoff = cfg.LogSink.RetryBackoff
	if cfg.LogSink.Backend == "redis" {
		queueCfg.UseRedis = true
		queueCfg.RedisAddr = cfg.Redis.Address
		queueCfg.RedisPassword = cfg.Redis.Password
		queueCfg.RedisDB = cfg.Redis.DB
		queueCfg.RedisPoolSize = cfg.Redis.PoolSize
		queueCfg.RedisMinIdleConns = cfg.Redis.MinIdleConns
		queueCfg.RedisDialTimeout = cfg.Redis.DialTimeout
		queueCfg.RedisReadTimeout = cfg.Redis.ReadTimeout
		queueCfg.RedisWriteTimeout = cfg.Redis.WriteTimeout
	}
	logQueue, err := queue.New(queueCfg)
	if err != nil {
		dispatcher.Close()
		_ = logging.NewMultiStore(store, mirrors...).Close()
		if db != nil {
			_ = db.Close()
		}
		return nil, nil, fmt.Errorf("failed to create log queue: %w", err)
	}

	sink := logging.NewQueueSink(logQueue, logging.NewMultiStore(store, mirrors...), logging.QueueSinkConfig{
		Workers:      cfg.LogSink.Workers,
		BatchSize:    cfg.LogSink.BatchSize,
		BatchTimeout: cfg.LogSink.BatchTimeout,
		MaxRetries:   cfg.LogSink.MaxRetries,
		RetryBackoff: cfg.LogSink.RetryBackoff,
		WriteTimeout: cfg.LogSink.WriteTimeout,

		EnqueueTimeout: cfg.LogSink.EnqueueTimeout,
	}, m)
	sink.Start(context.Background())

	deps := &Dependencies{
		Upstream:   dispatcher,
		Sink:       sink,
		Metrics:    m,
		Tokens:     counter,
		Cost:       billing.NewCalculator(cfg.Cost.PowerWatts, cfg.Cost.RatePerKWh),
		Logger:     utils.NewLogger("proxy"),
		dispatcher: dispatcher,
		db:         db,
	}

	logger.Info("Router ready",
		"upstream", cfg.Upstream.BaseURL,
		"store", cfg.Database.Driver,
		"mirrors", len(mirrors),
		"queue", cfg.LogSink.Backend,
		"token_counter", counter.Name(),
	)
	return deps.Handler(), deps, nil
}

// openStore returns the primary request log store. The DB is nil when the
// file store is used.
func openStore(ctx context.Context, cfg *config.Config) (logging.Store, *storage.DB, error) {
	if cfg.Database.Driver == "none" {
		fileStore, err := logging.NewFileStore(
			cfg.FileLog.FilePath,
			cfg.FileLog.MaxSizeMB,
			cfg.FileLog.MaxFiles,
			cfg.FileLog.BufferSize,
			cfg.FileLog.FlushInterval,
		)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize request log file: %w", err)
		}
		return fileStore, nil, nil
	}

	dbConfig := storage.DefaultDBConfig()
	dbConfig.Driver = cfg.Database.Driver
	dbConfig.URL = cfg.Database.URL
	dbConfig.SQLitePath = cfg.Database.SQLitePath
	dbConfig.MaxOpenConns = cfg.Database.MaxOpenConns
	dbConfig.MaxIdleConns = cfg.Database.MaxIdleConns
	dbConfig.ConnMaxLifetime = cfg.Database.ConnMaxLifetime
	dbConfig.ConnMaxIdleTime = cfg.Database.ConnMaxIdleTime

	db, err := storage.NewDB(dbConfig)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	migrateCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := db.Migrate(migrateCtx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return db.NewRequestLogRepository(), db, nil
}

// Handler builds the route table behind the access log, recovery and
// request id middleware.
func (d *Dependencies) Handler() http.Handler {
	if d.Logger == nil {
		d.Logger = utils.NewLogger("proxy")
	}
	if d.Metrics == nil {
		d.Metrics = metrics.NewNoopMetrics()
	}
	if d.Tokens == nil {
		d.Tokens = tokens.CharCounter{}
	}
	if d.Cost == nil {
		d.Cost = billing.NewCalculator(0, 0)
	}
	if d.Sink == nil {
		d.Sink = logging.NewNoopSink()
	}

	httpLogger := utils.NewLogger("http")
	return middleware.Chain(d.routes(),
		middleware.RequestID,
		middleware.AccessLog(httpLogger),
		middleware.Recovery(httpLogger),
	)
}

// routes matches the two local endpoints on the exact path and sends
// everything else to the upstream as received. http.ServeMux is not used
// because it redirects unclean paths such as "/api//tags".
func (d *Dependencies) routes() http.Handler {
	metricsHandler := d.Metrics.HTTPHandler()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			_ = utils.RespondWithJSON(w, http.StatusOK, map[string]string{
				"status":  "healthy",
				"service": "ollama-logger",
			})
		case "/metrics":
			metricsHandler.ServeHTTP(w, r)
		default:
			d.handleProxy(w, r)
		}
	})
}

// Shutdown drains the log sink and releases the upstream and database pools
func (d *Dependencies) Shutdown(ctx context.Context) error {
	var errs []error
	if err := d.Sink.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("log sink: %w", err))
	}
	if d.dispatcher != nil {
		d.dispatcher.Close()
	}
	if d.db != nil {
		if err := d.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database: %w", err))
		}
	}
	return errors.Join(errs...)
}
