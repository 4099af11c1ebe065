package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/samber/do/v2"
	"github.com/vreid/arbiter/internal/pkg/arbiter"
	"github.com/vreid/arbiter/internal/pkg/claimlog"
	"github.com/vreid/arbiter/internal/pkg/common"
	"github.com/vreid/arbiter/internal/pkg/config"
	"github.com/vreid/arbiter/internal/pkg/keeper"
	"github.com/vreid/arbiter/internal/pkg/log"
	"github.com/vreid/arbiter/internal/pkg/logstore"
	"github.com/vreid/arbiter/internal/pkg/matchmanager"
	"github.com/vreid/arbiter/internal/pkg/metrics"
	"github.com/vreid/arbiter/internal/pkg/scorer"
	"github.com/vreid/arbiter/internal/pkg/vgengine"

	"github.com/urfave/cli/v3"
)

const (
	shutdownTimeout  = 10 * time.Second
	redisPingTimeout = 5 * time.Second
)

type Service struct {
	EchoService     *common.EchoService     `do:""`
	DatabaseService *common.DatabaseService `do:""`

	ArbiterService  *arbiter.ArbiterService   `do:""`
	EngineService   *vgengine.Registry        `do:""`
	LogStoreService *logstore.LogStoreService `do:""`
	ScorerService   *scorer.ScorerService     `do:""`
	KeeperService   *keeper.KeeperService     `do:""`

	ClaimLogger claimlog.Logger `do:""`
}

// newClaimLogger prefers a Redis stream when redis-addr is set and falls
// back to the local bbolt database. Either way writes happen off the
// request path.
func newClaimLogger(i do.Injector) (claimlog.Logger, error) {
	redisAddr := do.MustInvokeNamed[string](i, "redis-addr")
	redisNamespace := do.MustInvokeNamed[string](i, "redis-namespace")
	logger := do.MustInvoke[*log.Logger](i).WithModule("claimlog")

	if redisAddr == "" {
		backend := claimlog.NewBoltLogger(do.MustInvoke[*common.DatabaseService](i))

		return claimlog.NewAsyncLogger(backend, claimlog.DefaultBufferSize, claimlog.DefaultWriteTimeout, logger), nil
	}

	redisLogger, err := claimlog.NewRedisLogger(&redis.Options{Addr: redisAddr}, redisNamespace)
	if err != nil {
		return nil, fmt.Errorf("failed to create redis claim logger: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), redisPingTimeout)
	defer cancel()

	err = redisLogger.Ping(ctx)
	if err != nil {
		_ = redisLogger.Shutdown()

		return nil, fmt.Errorf("failed to reach redis at %s: %w", redisAddr, err)
	}

	logger.Info("claim log connected to redis", "addr", redisAddr, "namespace", redisNamespace)

	return claimlog.NewAsyncLogger(redisLogger, claimlog.DefaultBufferSize, claimlog.DefaultWriteTimeout, logger), nil
}

type httpServer interface {
	Shutdown(ctx context.Context) error
}

// shutdown stops the producers of outcomes before closing the outcome
// channel. When the HTTP server does not stop in time a handler may still
// publish, so the channel is left open and the scorer is not awaited.
func shutdown(
	ctx context.Context,
	logger *log.Logger,
	server httpServer,
	keeperDone <-chan struct{},
	outcomes chan<- matchmanager.Outcome,
	scorerDone <-chan struct{},
) bool {
	err := server.Shutdown(ctx)
	if err != nil {
		logger.Error("failed to shut down http server", "err", err)
	}

	<-keeperDone

	if err != nil {
		logger.Warn("leaving outcome stream open, pending outcomes may be lost")

		return false
	}

	close(outcomes)
	<-scorerDone

	return true
}

func newLogger(cfg *config.Config) (*log.Logger, error) {
	format, err := log.ParseFormat(cfg.Log.Format)
	if err != nil {
		return nil, err
	}

	level, err := log.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}

	return log.NewLogger("main", os.Stdout, format, level)
}

//nolint:funlen
func runServer(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}

	keeperInterval := cmd.Duration("keeper-interval")
	if keeperInterval <= 0 {
		keeperInterval = cfg.Keeper.Interval
	}

	i := do.New()

	do.ProvideValue(i, cfg)
	do.ProvideValue(i, logger)
	do.ProvideValue(i, metrics.NewProtocolMetrics("arbiter"))

	do.ProvideNamedValue(i, "port", cmd.Int("port"))
	do.ProvideNamedValue(i, "data-dir", cmd.String("data-dir"))
	do.ProvideNamedValue(i, "tmp-dir", cmd.String("tmp-dir"))

	do.ProvideNamedValue(i, "signature-secret", cmd.String("signature-secret"))
	do.ProvideNamedValue(i, "redis-addr", cmd.String("redis-addr"))
	do.ProvideNamedValue(i, "redis-namespace", cmd.String("redis-namespace"))
	do.ProvideNamedValue(i, "vg-max-open", cmd.Int("vg-max-open"))
	do.ProvideNamedValue(i, "keeper-interval", keeperInterval)

	outcomeChan := make(chan matchmanager.Outcome, 1000)
	var outcomeSource <-chan matchmanager.Outcome = outcomeChan
	var outcomeSink chan<- matchmanager.Outcome = outcomeChan

	do.ProvideNamedValue(i, "outcome-source", outcomeSource)
	do.ProvideNamedValue(i, "outcome-sink", outcomeSink)

	do.Provide(i, common.NewDatabaseService)
	do.Provide(i, common.NewEchoService)
	do.Provide(i, newClaimLogger)

	do.Provide(i, vgengine.NewEngineService)
	do.Provide(i, logstore.NewLogStoreService)
	do.Provide(i, scorer.NewScorerService)
	do.Provide(i, arbiter.NewArbiterService)
	do.Provide(i, keeper.NewKeeperService)

	do.Provide(i, do.InvokeStruct[Service])

	service, err := do.Invoke[Service](i)
	if err != nil {
		return fmt.Errorf("failed to create arbiter service: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	service.ScorerService.Start()
	service.KeeperService.Start(ctx)

	serverErr := make(chan error, 1)

	go func() {
		serverErr <- service.EchoService.Start()
	}()

	select {
	case err = <-serverErr:
		stop()
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	shutdown(shutdownCtx, logger, service.EchoService,
		service.KeeperService.Done(), outcomeChan, service.ScorerService.Done())

	if closer, ok := service.ClaimLogger.(interface{ Shutdown() error }); ok {
		closeErr := closer.Shutdown()
		if closeErr != nil {
			logger.Error("failed to close claim log", "err", closeErr)
		}
	}

	dbErr := service.DatabaseService.Shutdown()
	if dbErr != nil {
		logger.Error("failed to close database", "err", dbErr)
	}

	return err
}

func main() {
	//nolint:exhaustruct
	cmd := &cli.Command{
		Name:  "arbiter",
		Usage: "commit-reveal arbitration with verification game escalation",
		Commands: []*cli.Command{
			{
				Name: "server",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:    "port",
						Value:   3000, //nolint:mnd
						Sources: cli.EnvVars("ARBITER_PORT"),
					},
					&cli.StringFlag{
						Name:    "data-dir",
						Value:   "./arbiter/data",
						Sources: cli.EnvVars("ARBITER_DATA_DIR"),
					},
					&cli.StringFlag{
						Name:    "tmp-dir",
						Value:   "./arbiter/tmp",
						Sources: cli.EnvVars("ARBITER_TMP_DIR"),
					},
					&cli.StringFlag{
						Name:    "config",
						Value:   "",
						Sources: cli.EnvVars("ARBITER_CONFIG"),
					},
					&cli.StringFlag{
						Name:    "signature-secret",
						Value:   "secret",
						Sources: cli.EnvVars("ARBITER_SIGNATURE_SECRET"),
					},
					&cli.StringFlag{
						Name:    "redis-addr",
						Value:   "",
						Sources: cli.EnvVars("ARBITER_REDIS_ADDR"),
					},
					&cli.StringFlag{
						Name:    "redis-namespace",
						Value:   "arbiter",
						Sources: cli.EnvVars("ARBITER_REDIS_NAMESPACE"),
					},
					&cli.IntFlag{
						Name:    "vg-max-open",
						Value:   0,
						Sources: cli.EnvVars("ARBITER_VG_MAX_OPEN"),
					},
					&cli.DurationFlag{
						Name:    "keeper-interval",
						Value:   0,
						Sources: cli.EnvVars("ARBITER_KEEPER_INTERVAL"),
					},
				},
				Action: runServer,
			},
		},
		DefaultCommand: "server",
	}

	err := cmd.Run(context.Background(), os.Args)
	if err != nil {
		log.NewDefaultLogger("main").Error("arbiter exited", "err", err)
		os.Exit(1)
	}
}
