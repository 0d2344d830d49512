// Command ohmd serves the registered entity schemas over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/gin-gonic/gin"
	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/jacentio/ohm/internal/api"
	"github.com/jacentio/ohm/internal/config"
	"github.com/jacentio/ohm/kv"
	"github.com/jacentio/ohm/store"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.LookupEnv); err != nil {
		fmt.Fprintln(os.Stderr, "ohmd:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, lookup func(string) (string, bool)) error {
	cfg, err := config.Load(args, lookup)
	if err != nil {
		return err
	}
	logger, err := cfg.Logger()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	client, err := newClient(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if cfg.Metrics {
		client = kv.Instrument(client, reg)
	}

	s := store.New(client, cfg.Store, logger)
	defer func() { _ = s.Close() }()

	specs, err := config.LoadSchemas(cfg.SchemaFile)
	if err != nil {
		return fmt.Errorf("load schemas: %w", err)
	}
	if err := s.Register(specs); err != nil {
		return fmt.Errorf("register schemas: %w", err)
	}

	if !cfg.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := api.NewRouter(s, logger)
	mountHealth(router, s)
	if cfg.Metrics {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})))
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening",
			zap.String("addr", cfg.Addr),
			zap.String("backend", cfg.Backend),
			zap.Strings("schemas", s.Names()),
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// newClient connects the configured backend.
func newClient(ctx context.Context, cfg config.Config, logger *zap.Logger) (kv.Client, error) {
	switch cfg.Backend {
	case config.BackendDynamoDB:
		ddb, err := newDynamoAPI(ctx, cfg.Dynamo)
		if err != nil {
			return nil, err
		}
		return kv.NewDynamo(ddb, cfg.Dynamo.Table, kv.WithDynamoLogger(logger)), nil
	default:
		return kv.DialRedis(cfg.Redis, kv.WithLogger(logger)), nil
	}
}

func newDynamoAPI(ctx context.Context, cfg kv.DynamoConfig) (*dynamodb.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

// mountHealth adds /live and /ready. Readiness issues one read against the
// backend.
func mountHealth(router *gin.Engine, s *store.Store) {
	health := healthcheck.NewHandler()
	health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(1000))
	health.AddReadinessCheck("store", healthcheck.Timeout(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, err := s.Exec(ctx, kv.Cmd(kv.CmdExists, s.Config().Prefix+":ready"))
		return err
	}, 3*time.Second))

	router.GET("/live", gin.WrapF(health.LiveEndpoint))
	router.GET("/ready", gin.WrapF(health.ReadyEndpoint))
}
